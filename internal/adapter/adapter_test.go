package adapter

import (
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/duckfilter/internal/columnar"
)

func TestTypeMapRoundTrip(t *testing.T) {
	types := DefaultTypeMap()
	for _, typ := range []columnar.Type{columnar.Boolean, columnar.Long, columnar.Double, columnar.String, columnar.Timestamp} {
		engineType := types.ToEngineType(typ)
		got, err := FromName(engineType.Name())
		if err != nil {
			t.Fatalf("FromName(%q) error = %v", engineType.Name(), err)
		}
		if got != typ {
			t.Fatalf("FromName(ToEngineType(%s).Name()) = %s", typ, got)
		}
		if _, err := engineType.TypeInfo(); err != nil {
			t.Fatalf("TypeInfo(%s) error = %v", engineType.Name(), err)
		}
	}
}

func TestTypeMapDoubleModes(t *testing.T) {
	if got := DefaultTypeMap().ToEngineType(columnar.Double).Name(); got != "DECIMAL(38,9)" {
		t.Fatalf("default double = %q", got)
	}
	native, err := NewTypeMap(DoubleNative, 0)
	if err != nil {
		t.Fatalf("NewTypeMap() error = %v", err)
	}
	if got := native.ToEngineType(columnar.Double); got.ID() != duckdb.TYPE_DOUBLE {
		t.Fatalf("native double = %q", got.Name())
	}
	if _, err := NewTypeMap("float", 9); err == nil {
		t.Fatalf("expected unknown double mode error")
	}
	if _, err := NewTypeMap(DoubleDecimal, 39); err == nil {
		t.Fatalf("expected scale range error")
	}
}

func TestFromNameRejectsUnknownTypes(t *testing.T) {
	if _, err := FromName("GEOMETRY"); err == nil {
		t.Fatalf("expected error")
	}
	got, err := FromName("decimal(18, 3)")
	if err != nil || got != columnar.Double {
		t.Fatalf("FromName(decimal) = %s, %v", got, err)
	}
}

func TestDecimalFromFloatRoundsHalfEven(t *testing.T) {
	cases := []struct {
		in    float64
		scale uint8
		want  int64
	}{
		{1.5, 0, 2},
		{2.5, 0, 2},
		{-2.5, 0, -2},
		{-3.5, 0, -4},
		{0.1, 9, 100000000},
		{1.25, 1, 12},
		{-0.000000001, 9, -1},
	}
	for _, tc := range cases {
		got, err := decimalFromFloat(tc.in, tc.scale)
		if err != nil {
			t.Fatalf("decimalFromFloat(%v) error = %v", tc.in, err)
		}
		if got.Value.Cmp(big.NewInt(tc.want)) != 0 || got.Scale != tc.scale || got.Width != 38 {
			t.Fatalf("decimalFromFloat(%v, %d) = %s (scale %d)", tc.in, tc.scale, got.Value, got.Scale)
		}
	}
	for _, bad := range []float64{math.NaN(), math.Inf(1), 1e30} {
		if _, err := decimalFromFloat(bad, 9); err == nil {
			t.Fatalf("decimalFromFloat(%v) expected error", bad)
		}
	}
}

func TestBatchCursorIsSinglePass(t *testing.T) {
	schema := columnar.MustSchema(columnar.Field{Name: "id", Type: columnar.Long})
	record := buildRecord(t, schema, [][]columnar.Value{{columnar.LongValue(1)}, {columnar.LongValue(2)}})
	defer record.Release()

	cursor := newCursor(t, schema, record, CursorOptions{Types: DefaultTypeMap()})
	defer cursor.Close()

	if _, err := cursor.Current(); !errors.Is(err, ErrNoCurrentRow) {
		t.Fatalf("Current() before Next error = %v", err)
	}
	var ids []int64
	for cursor.Next() {
		row, err := cursor.Current()
		if err != nil {
			t.Fatalf("Current() error = %v", err)
		}
		ids = append(ids, row[0].(int64))
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("ids = %v", ids)
	}
	for i := 0; i < 3; i++ {
		if cursor.Next() {
			t.Fatalf("Next() resurrected after exhaustion")
		}
	}
	if _, err := cursor.Current(); !errors.Is(err, ErrNoCurrentRow) {
		t.Fatalf("Current() after exhaustion error = %v", err)
	}
	if err := cursor.Reset(); !errors.Is(err, ErrCursorNotRewindable) {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := cursor.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := cursor.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestBatchCursorMaterializesNullsAndTypes(t *testing.T) {
	schema := columnar.MustSchema(
		columnar.Field{Name: "flag", Type: columnar.Boolean},
		columnar.Field{Name: "id", Type: columnar.Long},
		columnar.Field{Name: "score", Type: columnar.Double},
		columnar.Field{Name: "name", Type: columnar.String},
		columnar.Field{Name: "at", Type: columnar.Timestamp},
		columnar.Field{Name: "doc", Type: columnar.JSON},
	)
	instant := time.Date(2024, 3, 10, 1, 30, 0, 5, time.UTC)
	record := buildRecord(t, schema, [][]columnar.Value{
		{columnar.BoolValue(true), columnar.LongValue(7), columnar.DoubleValue(0.5), columnar.StringValue("x"), columnar.TimestampValue(instant), columnar.JSONValue(`[1]`)},
		{columnar.NullValue(), columnar.NullValue(), columnar.NullValue(), columnar.NullValue(), columnar.NullValue(), columnar.NullValue()},
	})
	defer record.Release()

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}
	cursor := newCursor(t, schema, record, CursorOptions{Location: tokyo, Types: DefaultTypeMap()})
	defer cursor.Close()

	if !cursor.Next() {
		t.Fatalf("Next() = false")
	}
	row, err := cursor.Current()
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if row[0] != true || row[1] != int64(7) || row[3] != "x" || row[5] != `[1]` {
		t.Fatalf("row = %#v", row)
	}
	dec, ok := row[2].(duckdb.Decimal)
	if !ok || dec.Value.Cmp(big.NewInt(500000000)) != 0 {
		t.Fatalf("score = %#v", row[2])
	}
	wall := row[4].(time.Time)
	want := time.Date(2024, 3, 10, 10, 30, 0, 5, time.UTC)
	if !wall.Equal(want) || wall.Location() != time.UTC {
		t.Fatalf("timestamp = %v, want %v", wall, want)
	}

	if !cursor.Next() {
		t.Fatalf("Next() = false on null row")
	}
	row, err = cursor.Current()
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	for i, value := range row {
		if value != nil {
			t.Fatalf("column %d = %#v, want nil", i, value)
		}
	}
}

func TestBatchCursorFailsOnNonFiniteDecimal(t *testing.T) {
	schema := columnar.MustSchema(columnar.Field{Name: "score", Type: columnar.Double})
	record := buildRecord(t, schema, [][]columnar.Value{{columnar.DoubleValue(math.Inf(-1))}})
	defer record.Release()

	cursor := newCursor(t, schema, record, CursorOptions{Types: DefaultTypeMap()})
	defer cursor.Close()
	if !cursor.Next() {
		t.Fatalf("Next() = false")
	}
	if _, err := cursor.Current(); err == nil {
		t.Fatalf("expected widening error")
	}
}

func TestSlotBindRelease(t *testing.T) {
	schema := columnar.MustSchema(columnar.Field{Name: "id", Type: columnar.Long})
	record := buildRecord(t, schema, [][]columnar.Value{{columnar.LongValue(1)}})
	defer record.Release()

	slot := NewSlot()
	if !slot.Empty() {
		t.Fatalf("new slot not empty")
	}
	if _, ok := slot.Load(); ok {
		t.Fatalf("Load() on empty slot returned a binding")
	}
	release, err := slot.Bind(Binding{Record: record})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if _, err := slot.Bind(Binding{Record: record}); !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("overlapping Bind() error = %v", err)
	}
	if binding, ok := slot.Load(); !ok || binding.Record != record {
		t.Fatalf("Load() = %v, %v", binding, ok)
	}
	release()
	release()
	if !slot.Empty() {
		t.Fatalf("slot not empty after release")
	}

	second, err := slot.Bind(Binding{})
	if err != nil {
		t.Fatalf("Bind() after release error = %v", err)
	}
	defer second()
	release()
	if slot.Empty() {
		t.Fatalf("stale release cleared a newer binding")
	}
	cycles, loads := slot.Stats()
	if cycles != 2 || loads != 1 {
		t.Fatalf("Stats() = %d, %d", cycles, loads)
	}
}

func TestTableAdapterScanUsesSlot(t *testing.T) {
	schema := columnar.MustSchema(
		columnar.Field{Name: "id", Type: columnar.Long},
		columnar.Field{Name: "name", Type: columnar.String},
	)
	slot := NewSlot()
	table, err := NewTableAdapter(schema, DefaultTypeMap(), slot)
	if err != nil {
		t.Fatalf("NewTableAdapter() error = %v", err)
	}
	rowType := table.RowType()
	if len(rowType) != 2 || rowType[0].Name != "id" || rowType[1].Name != "name" {
		t.Fatalf("RowType() = %#v", rowType)
	}

	empty, err := table.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if empty.Next() {
		t.Fatalf("empty slot produced a row")
	}

	record := buildRecord(t, schema, [][]columnar.Value{
		{columnar.LongValue(1), columnar.StringValue("a")},
		{columnar.LongValue(2), columnar.StringValue("b")},
	})
	defer record.Release()
	release, err := slot.Bind(Binding{Record: record})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer release()

	first, err := table.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	second, err := table.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if first == second {
		t.Fatalf("Scan() reused a cursor")
	}
	for _, cursor := range []*BatchCursor{first, second} {
		count := 0
		for cursor.Next() {
			count++
		}
		if count != 2 {
			t.Fatalf("cursor rows = %d", count)
		}
	}
	if err := table.CloseScans(); err != nil {
		t.Fatalf("CloseScans() error = %v", err)
	}
}

func TestNewTableAdapterRejectsEmptySchema(t *testing.T) {
	empty, err := columnar.NewSchema(nil)
	if err != nil {
		t.Fatalf("NewSchema() error = %v", err)
	}
	if _, err := NewTableAdapter(empty, DefaultTypeMap(), NewSlot()); err == nil {
		t.Fatalf("expected error for empty schema")
	}
}

func TestPageSchemaFactory(t *testing.T) {
	factory, err := LookupSchemaFactory(" Page ")
	if err != nil {
		t.Fatalf("LookupSchemaFactory() error = %v", err)
	}
	schema := columnar.MustSchema(columnar.Field{Name: "id", Type: columnar.Long})
	adapter, err := factory(schema, DefaultTypeMap(), NewSlot())
	if err != nil {
		t.Fatalf("factory() error = %v", err)
	}
	tables := adapter.Tables()
	if len(tables) != 1 {
		t.Fatalf("Tables() = %d entries", len(tables))
	}
	table, ok := tables[PageTable]
	if !ok || table.Schema() != schema {
		t.Fatalf("Tables()[%q] missing", PageTable)
	}
	if again, _ := adapter.Table(PageTable); again != table {
		t.Fatalf("Table() returned a different instance")
	}
	if _, err := LookupSchemaFactory("other"); err == nil {
		t.Fatalf("expected unknown factory error")
	}
}

func buildRecord(t *testing.T, schema *columnar.Schema, rows [][]columnar.Value) arrow.Record {
	t.Helper()
	builder := columnar.NewBuilder(nil, schema)
	defer builder.Close()
	for _, row := range rows {
		for col, value := range row {
			if err := builder.Set(col, value); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
		}
		if err := builder.AddRecord(); err != nil {
			t.Fatalf("AddRecord() error = %v", err)
		}
	}
	return builder.Finish()
}

func newCursor(t *testing.T, schema *columnar.Schema, record arrow.Record, opts CursorOptions) *BatchCursor {
	t.Helper()
	reader, err := columnar.NewReader(schema, record)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	return NewBatchCursor(schema, reader, opts)
}
