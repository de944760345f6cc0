package batchio

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"

	"github.com/duckmesh/duckfilter/internal/columnar"
)

// ColumnsMetadataKey holds the JSON array of column names in batch order.
// Parquet groups sort their fields by name, so the order is kept here.
const ColumnsMetadataKey = "duckfilter.columns"

const readBatchRows = 256

// WriteParquet writes records, which must share one schema, as a single
// parquet file.
func WriteParquet(w io.Writer, records ...arrow.Record) error {
	if len(records) == 0 {
		return fmt.Errorf("at least one record is required")
	}
	schema, err := columnar.SchemaFromArrow(records[0].Schema())
	if err != nil {
		return fmt.Errorf("record schema: %w", err)
	}
	pqSchema := parquetSchema(schema)
	leaves := make([]int, schema.Len())
	for _, column := range schema.Columns() {
		leaf, ok := pqSchema.Lookup(column.Name)
		if !ok {
			return fmt.Errorf("column %q missing from parquet schema", column.Name)
		}
		leaves[column.Index] = leaf.ColumnIndex
	}
	names, err := json.Marshal(columnNames(schema))
	if err != nil {
		return fmt.Errorf("encode column order: %w", err)
	}

	writer := parquet.NewWriter(w, pqSchema, parquet.KeyValueMetadata(ColumnsMetadataKey, string(names)))
	for _, record := range records {
		if err := writeRecord(writer, schema, leaves, record); err != nil {
			_ = writer.Close()
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

func writeRecord(writer *parquet.Writer, schema *columnar.Schema, leaves []int, record arrow.Record) error {
	reader, err := columnar.NewReader(schema, record)
	if err != nil {
		return err
	}
	defer reader.Close()

	rows := make([]parquet.Row, 0, readBatchRows)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if _, err := writer.WriteRows(rows); err != nil {
			return fmt.Errorf("write parquet rows: %w", err)
		}
		rows = rows[:0]
		return nil
	}
	for reader.Next() {
		row := make(parquet.Row, schema.Len())
		for _, column := range schema.Columns() {
			row[leaves[column.Index]] = parquetValue(reader.Value(column.Index), leaves[column.Index])
		}
		rows = append(rows, row)
		if len(rows) == cap(rows) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func parquetValue(value columnar.Value, leaf int) parquet.Value {
	var v parquet.Value
	switch value.Kind() {
	case columnar.KindNull:
		return parquet.NullValue().Level(0, 0, leaf)
	case columnar.KindBoolean:
		v = parquet.BooleanValue(value.Bool())
	case columnar.KindLong:
		v = parquet.Int64Value(value.Long())
	case columnar.KindDouble:
		v = parquet.DoubleValue(value.Double())
	case columnar.KindString, columnar.KindJSON:
		v = parquet.ByteArrayValue([]byte(value.Str()))
	case columnar.KindTimestamp:
		v = parquet.Int64Value(value.Time().UnixNano())
	default:
		return parquet.NullValue().Level(0, 0, leaf)
	}
	return v.Level(0, 1, leaf)
}

func parquetSchema(schema *columnar.Schema) *parquet.Schema {
	group := parquet.Group{}
	for _, column := range schema.Columns() {
		group[column.Name] = parquet.Optional(parquetNode(column.Type))
	}
	return parquet.NewSchema("duckfilter", group)
}

func parquetNode(t columnar.Type) parquet.Node {
	switch t {
	case columnar.Boolean:
		return parquet.Leaf(parquet.BooleanType)
	case columnar.Long:
		return parquet.Leaf(parquet.Int64Type)
	case columnar.Double:
		return parquet.Leaf(parquet.DoubleType)
	case columnar.JSON:
		return parquet.JSON()
	case columnar.Timestamp:
		return parquet.Timestamp(parquet.Nanosecond)
	default:
		return parquet.String()
	}
}

func columnNames(schema *columnar.Schema) []string {
	names := make([]string, 0, schema.Len())
	for _, column := range schema.Columns() {
		names = append(names, column.Name)
	}
	return names
}

// parquetColumn maps one flat parquet leaf onto a batch column.
type parquetColumn struct {
	index  int
	typ    columnar.Type
	decode func(parquet.Value) columnar.Value
}

// ReadParquet reads a flat parquet file into one record. Column order follows
// the duckfilter.columns metadata when present, else the file schema.
func ReadParquet(mem memory.Allocator, r io.ReaderAt, size int64) (arrow.Record, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	names, err := fileColumnOrder(file)
	if err != nil {
		return nil, err
	}

	fields := make([]columnar.Field, 0, len(names))
	byLeaf := map[int]parquetColumn{}
	for i, name := range names {
		leaf, ok := file.Schema().Lookup(name)
		if !ok {
			return nil, fmt.Errorf("parquet column %q not found", name)
		}
		if leaf.MaxRepetitionLevel > 0 {
			return nil, fmt.Errorf("parquet column %q is repeated", name)
		}
		column, err := decoderFor(name, leaf.Node)
		if err != nil {
			return nil, err
		}
		column.index = i
		byLeaf[leaf.ColumnIndex] = column
		fields = append(fields, columnar.Field{Name: name, Type: column.typ})
	}
	schema, err := columnar.NewSchema(fields)
	if err != nil {
		return nil, fmt.Errorf("parquet schema: %w", err)
	}

	builder := columnar.NewBuilder(mem, schema)
	defer builder.Close()

	reader := parquet.NewReader(file)
	defer func() { _ = reader.Close() }()
	buf := make([]parquet.Row, readBatchRows)
	for {
		n, readErr := reader.ReadRows(buf)
		for _, row := range buf[:n] {
			for _, value := range row {
				column, ok := byLeaf[value.Column()]
				if !ok {
					continue
				}
				if value.IsNull() {
					builder.SetNull(column.index)
					continue
				}
				if err := builder.Set(column.index, column.decode(value)); err != nil {
					return nil, err
				}
			}
			if err := builder.AddRecord(); err != nil {
				return nil, err
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read parquet rows: %w", readErr)
		}
	}
	return builder.Finish(), nil
}

func fileColumnOrder(file *parquet.File) ([]string, error) {
	if raw, ok := file.Lookup(ColumnsMetadataKey); ok {
		var names []string
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			return nil, fmt.Errorf("decode %s metadata: %w", ColumnsMetadataKey, err)
		}
		return names, nil
	}
	fields := file.Schema().Fields()
	names := make([]string, 0, len(fields))
	for _, field := range fields {
		if !field.Leaf() {
			return nil, fmt.Errorf("parquet column %q is nested", field.Name())
		}
		names = append(names, field.Name())
	}
	return names, nil
}

func decoderFor(name string, node parquet.Node) (parquetColumn, error) {
	logical := node.Type().LogicalType()
	switch {
	case logical != nil && logical.Timestamp != nil:
		unit := logical.Timestamp.Unit
		return parquetColumn{typ: columnar.Timestamp, decode: func(v parquet.Value) columnar.Value {
			return columnar.TimestampValue(timestampOf(v.Int64(), unit))
		}}, nil
	case logical != nil && logical.Date != nil:
		return parquetColumn{typ: columnar.Timestamp, decode: func(v parquet.Value) columnar.Value {
			return columnar.TimestampValue(time.Unix(int64(v.Int32())*86400, 0).UTC())
		}}, nil
	case logical != nil && logical.Json != nil:
		return parquetColumn{typ: columnar.JSON, decode: func(v parquet.Value) columnar.Value {
			return columnar.JSONValue(string(v.ByteArray()))
		}}, nil
	}

	switch node.Type().Kind() {
	case parquet.Boolean:
		return parquetColumn{typ: columnar.Boolean, decode: func(v parquet.Value) columnar.Value {
			return columnar.BoolValue(v.Boolean())
		}}, nil
	case parquet.Int32:
		return parquetColumn{typ: columnar.Long, decode: func(v parquet.Value) columnar.Value {
			return columnar.LongValue(int64(v.Int32()))
		}}, nil
	case parquet.Int64:
		return parquetColumn{typ: columnar.Long, decode: func(v parquet.Value) columnar.Value {
			return columnar.LongValue(v.Int64())
		}}, nil
	case parquet.Float:
		return parquetColumn{typ: columnar.Double, decode: func(v parquet.Value) columnar.Value {
			return columnar.DoubleValue(float64(v.Float()))
		}}, nil
	case parquet.Double:
		return parquetColumn{typ: columnar.Double, decode: func(v parquet.Value) columnar.Value {
			return columnar.DoubleValue(v.Double())
		}}, nil
	case parquet.ByteArray:
		return parquetColumn{typ: columnar.String, decode: func(v parquet.Value) columnar.Value {
			return columnar.StringValue(string(v.ByteArray()))
		}}, nil
	default:
		return parquetColumn{}, fmt.Errorf("parquet column %q: unsupported type %s", name, node.Type())
	}
}

func timestampOf(value int64, unit format.TimeUnit) time.Time {
	switch {
	case unit.Millis != nil:
		return time.UnixMilli(value).UTC()
	case unit.Micros != nil:
		return time.UnixMicro(value).UTC()
	default:
		return time.Unix(0, value).UTC()
	}
}
