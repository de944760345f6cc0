package columnar

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Reader is a forward-only typed accessor over one arrow record. Next must
// return true before any accessor is used; once Next returns false the reader
// stays exhausted.
type Reader struct {
	schema *Schema
	record arrow.Record
	row    int
	done   bool
	closed bool
}

// NewReader validates that record conforms to schema and retains it until
// Close.
func NewReader(schema *Schema, record arrow.Record) (*Reader, error) {
	if schema == nil {
		return nil, fmt.Errorf("schema is required")
	}
	if record == nil {
		return nil, fmt.Errorf("record is required")
	}
	actual, err := SchemaFromArrow(record.Schema())
	if err != nil {
		return nil, fmt.Errorf("record schema: %w", err)
	}
	if actual.Len() != schema.Len() {
		return nil, fmt.Errorf("record has %d columns, schema %s has %d", actual.Len(), schema, schema.Len())
	}
	for i, column := range schema.columns {
		got := actual.Column(i)
		if got.Type != column.Type && !(column.Type == JSON && got.Type == String) {
			return nil, fmt.Errorf("column %q: record type %s does not match schema type %s", column.Name, got.Type, column.Type)
		}
	}
	record.Retain()
	return &Reader{schema: schema, record: record, row: -1}, nil
}

func (r *Reader) Schema() *Schema { return r.schema }

func (r *Reader) NumRows() int {
	if r.record == nil {
		return 0
	}
	return int(r.record.NumRows())
}

func (r *Reader) Next() bool {
	if r.done || r.closed {
		return false
	}
	if r.row+1 >= int(r.record.NumRows()) {
		r.done = true
		return false
	}
	r.row++
	return true
}

func (r *Reader) IsNull(col int) bool {
	return r.record.Column(col).IsNull(r.row)
}

func (r *Reader) Bool(col int) bool {
	return r.record.Column(col).(*array.Boolean).Value(r.row)
}

func (r *Reader) Long(col int) int64 {
	switch arr := r.record.Column(col).(type) {
	case *array.Int64:
		return arr.Value(r.row)
	case *array.Int32:
		return int64(arr.Value(r.row))
	case *array.Int16:
		return int64(arr.Value(r.row))
	case *array.Int8:
		return int64(arr.Value(r.row))
	case *array.Uint32:
		return int64(arr.Value(r.row))
	case *array.Uint16:
		return int64(arr.Value(r.row))
	case *array.Uint8:
		return int64(arr.Value(r.row))
	default:
		panic(fmt.Sprintf("column %d: %s is not an integer array", col, arr.DataType()))
	}
}

func (r *Reader) Double(col int) float64 {
	switch arr := r.record.Column(col).(type) {
	case *array.Float64:
		return arr.Value(r.row)
	case *array.Float32:
		return float64(arr.Value(r.row))
	default:
		panic(fmt.Sprintf("column %d: %s is not a floating point array", col, arr.DataType()))
	}
}

func (r *Reader) String(col int) string {
	switch arr := r.record.Column(col).(type) {
	case *array.String:
		return arr.Value(r.row)
	case *array.LargeString:
		return arr.Value(r.row)
	default:
		panic(fmt.Sprintf("column %d: %s is not a string array", col, arr.DataType()))
	}
}

func (r *Reader) JSON(col int) string {
	return r.String(col)
}

// Timestamp returns the instant stored at col, in UTC.
func (r *Reader) Timestamp(col int) time.Time {
	switch arr := r.record.Column(col).(type) {
	case *array.Timestamp:
		unit := arr.DataType().(*arrow.TimestampType).Unit
		return arr.Value(r.row).ToTime(unit).UTC()
	case *array.Date32:
		return arr.Value(r.row).ToTime().UTC()
	case *array.Date64:
		return arr.Value(r.row).ToTime().UTC()
	default:
		panic(fmt.Sprintf("column %d: %s is not a timestamp array", col, arr.DataType()))
	}
}

// Value reads the cell at col as a tagged value.
func (r *Reader) Value(col int) Value {
	if r.IsNull(col) {
		return NullValue()
	}
	switch r.schema.columns[col].Type {
	case Boolean:
		return BoolValue(r.Bool(col))
	case Long:
		return LongValue(r.Long(col))
	case Double:
		return DoubleValue(r.Double(col))
	case String:
		return StringValue(r.String(col))
	case JSON:
		return JSONValue(r.JSON(col))
	case Timestamp:
		return TimestampValue(r.Timestamp(col))
	default:
		panic(fmt.Sprintf("column %d: unhandled type %s", col, r.schema.columns[col].Type))
	}
}

// Close releases the record. It is safe to call more than once.
func (r *Reader) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.record.Release()
}
