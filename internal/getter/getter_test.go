package getter

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/duckfilter/internal/columnar"
)

type recordingSink struct {
	values map[int]columnar.Value
	nulls  map[int]bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{values: map[int]columnar.Value{}, nulls: map[int]bool{}}
}

func (s *recordingSink) Set(col int, value columnar.Value) error {
	s.values[col] = value
	return nil
}

func (s *recordingSink) SetNull(col int) { s.nulls[col] = true }

type failingRow struct{ err error }

func (r failingRow) Value(int) (any, error) { return nil, r.err }
func (r failingRow) Timestamp(int, *time.Location) (time.Time, bool, error) {
	return time.Time{}, false, r.err
}

func TestClassify(t *testing.T) {
	cases := map[string]ValueType{
		"BIGINT":                   Long,
		"int4":                     Long,
		"DOUBLE":                   Double,
		"FLOAT":                    Float,
		"DECIMAL(38,9)":            Decimal,
		"NUMERIC":                  Decimal,
		"HUGEINT":                  Decimal,
		"BOOLEAN":                  Boolean,
		"VARCHAR":                  String,
		"UUID":                     String,
		"JSONB":                    JSON,
		"DATE":                     Date,
		"TIME":                     Time,
		"TIMESTAMP_NS":             Timestamp,
		"TIMESTAMPTZ":              Timestamp,
		"timestamp with time zone": Timestamp,
	}
	for sqlType, want := range cases {
		got, err := Classify(sqlType)
		if err != nil {
			t.Fatalf("Classify(%q) error = %v", sqlType, err)
		}
		if got != want {
			t.Fatalf("Classify(%q) = %s, want %s", sqlType, got, want)
		}
	}
	if _, err := Classify("INTERVAL"); err == nil {
		t.Fatalf("expected error for INTERVAL")
	}
}

func TestFactorySelectsZonedGetterOnlyForCoalescedTimestamps(t *testing.T) {
	factory := NewFactory(time.UTC, map[string]ColumnOption{
		"explicit": {ValueType: "timestamp"},
	})
	cases := []struct {
		column ResultColumn
		zoned  bool
	}{
		{ResultColumn{Name: "naive", SQLType: "TIMESTAMP"}, true},
		{ResultColumn{Name: "aware", SQLType: "TIMESTAMPTZ"}, true},
		{ResultColumn{Name: "explicit", SQLType: "TIMESTAMP"}, false},
		{ResultColumn{Name: "day", SQLType: "DATE"}, false},
		{ResultColumn{Name: "id", SQLType: "BIGINT"}, false},
	}
	for i, tc := range cases {
		g, err := factory.New(i, tc.column)
		if err != nil {
			t.Fatalf("New(%s) error = %v", tc.column.Name, err)
		}
		_, zoned := g.(*zonedTimestampGetter)
		if zoned != tc.zoned {
			t.Fatalf("New(%s) zoned = %v, want %v", tc.column.Name, zoned, tc.zoned)
		}
	}
}

func TestFactoryRejectsBadOptions(t *testing.T) {
	cases := map[string]ColumnOption{
		"value type": {ValueType: "bignum"},
		"zone":       {Timezone: "Mars/Olympus"},
		"type":       {Type: "decimal"},
	}
	for name, option := range cases {
		factory := NewFactory(time.UTC, map[string]ColumnOption{"c": option})
		if _, err := factory.New(0, ResultColumn{Name: "c", SQLType: "BIGINT"}); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	factory := NewFactory(time.UTC, nil)
	if _, err := factory.New(0, ResultColumn{Name: "c", SQLType: "INTERVAL"}); err == nil {
		t.Fatalf("expected unsupported SQL type error")
	}
	if _, _, err := factory.Build([]ResultColumn{{Name: "a", SQLType: "BIGINT"}, {Name: "a", SQLType: "BIGINT"}}); err == nil {
		t.Fatalf("expected duplicate column error")
	}
}

func TestFactoryBuildOutputSchema(t *testing.T) {
	factory := NewFactory(time.UTC, map[string]ColumnOption{"n": {Type: "string"}})
	getters, schema, err := factory.Build([]ResultColumn{
		{Name: "id", SQLType: "BIGINT"},
		{Name: "n", SQLType: "INTEGER"},
		{Name: "amount", SQLType: "DECIMAL(38,9)"},
		{Name: "doc", SQLType: "JSON"},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(getters) != 4 {
		t.Fatalf("getters = %d", len(getters))
	}
	want := columnar.MustSchema(
		columnar.Field{Name: "id", Type: columnar.Long},
		columnar.Field{Name: "n", Type: columnar.String},
		columnar.Field{Name: "amount", Type: columnar.Double},
		columnar.Field{Name: "doc", Type: columnar.JSON},
	)
	if !schema.Equal(want) {
		t.Fatalf("schema = %s, want %s", schema, want)
	}
}

func TestZonedTimestampMatchesTrueInstant(t *testing.T) {
	cases := []struct {
		zone string
		wall time.Time
		want time.Time
	}{
		{"America/New_York", time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC), time.Date(2021, 6, 1, 14, 0, 0, 0, time.UTC)},
		{"Asia/Tokyo", time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC), time.Date(2021, 6, 1, 1, 0, 0, 0, time.UTC)},
		{"America/New_York", time.Date(2021, 3, 14, 10, 0, 0, 0, time.UTC), time.Date(2021, 3, 14, 14, 0, 0, 0, time.UTC)},
		{"America/New_York", time.Date(2021, 11, 7, 10, 0, 0, 0, time.UTC), time.Date(2021, 11, 7, 15, 0, 0, 0, time.UTC)},
		{"Europe/Berlin", time.Date(2021, 3, 28, 10, 0, 0, 250, time.UTC), time.Date(2021, 3, 28, 8, 0, 0, 250, time.UTC)},
	}
	for _, tc := range cases {
		db, mock := newSQLMock(t)
		mock.ExpectQuery("SELECT").WillReturnRows(
			sqlmock.NewRowsWithColumnDefinition(sqlmock.NewColumn("ts").OfType("TIMESTAMP", time.Time{})).AddRow(tc.wall),
		)
		factory := NewFactory(time.UTC, map[string]ColumnOption{"ts": {Timezone: tc.zone}})
		sink := extractFirstRow(t, db, factory)
		got := sink.values[0]
		if got.Kind() != columnar.KindTimestamp {
			t.Fatalf("%s: kind = %s", tc.zone, got.Kind())
		}
		if got.Time().Unix() != tc.want.Unix() || got.Time().Nanosecond() != tc.want.Nanosecond() {
			t.Fatalf("%s %s: got %s, want %s", tc.zone, tc.wall.Format(time.DateOnly), got.Time().UTC(), tc.want)
		}
		assertSQLMock(t, mock)
	}
}

func TestZonedTimestampUsesTaskDefaultZone(t *testing.T) {
	tokyo := mustLocation(t, "Asia/Tokyo")
	db, mock := newSQLMock(t)
	mock.ExpectQuery("SELECT").WillReturnRows(
		sqlmock.NewRowsWithColumnDefinition(sqlmock.NewColumn("ts").OfType("TIMESTAMP_NS", time.Time{})).
			AddRow(time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC)),
	)
	sink := extractFirstRow(t, db, NewFactory(tokyo, nil))
	if got := sink.values[0].Time().UTC(); !got.Equal(time.Date(2021, 6, 1, 1, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %s", got)
	}
	assertSQLMock(t, mock)
}

func TestZoneAwareTimestampsKeepTheirInstant(t *testing.T) {
	instant := time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC)
	db, mock := newSQLMock(t)
	mock.ExpectQuery("SELECT").WillReturnRows(
		sqlmock.NewRowsWithColumnDefinition(sqlmock.NewColumn("ts").OfType("TIMESTAMPTZ", time.Time{})).AddRow(instant),
	)
	factory := NewFactory(mustLocation(t, "Asia/Tokyo"), nil)
	sink := extractFirstRow(t, db, factory)
	if got := sink.values[0].Time(); !got.Equal(instant) {
		t.Fatalf("timestamp = %s, want %s", got, instant)
	}
	assertSQLMock(t, mock)
}

func TestExplicitTimestampValueTypeReadsDriverDefault(t *testing.T) {
	wall := time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC)
	db, mock := newSQLMock(t)
	mock.ExpectQuery("SELECT").WillReturnRows(
		sqlmock.NewRowsWithColumnDefinition(sqlmock.NewColumn("ts").OfType("TIMESTAMP", time.Time{})).AddRow(wall),
	)
	factory := NewFactory(time.UTC, map[string]ColumnOption{"ts": {ValueType: "timestamp", Timezone: "America/New_York"}})
	sink := extractFirstRow(t, db, factory)
	if got := sink.values[0].Time(); !got.Equal(wall) {
		t.Fatalf("timestamp = %s, want %s", got, wall)
	}
	assertSQLMock(t, mock)
}

func TestNullsPropagateForEveryValueType(t *testing.T) {
	columns := []struct {
		name    string
		sqlType string
	}{
		{"l", "BIGINT"}, {"d", "DOUBLE"}, {"f", "FLOAT"}, {"m", "DECIMAL(10,2)"}, {"b", "BOOLEAN"},
		{"s", "VARCHAR"}, {"j", "JSON"}, {"dt", "DATE"}, {"tm", "TIME"}, {"ts", "TIMESTAMP"},
	}
	defs := make([]*sqlmock.Column, len(columns))
	for i, column := range columns {
		defs[i] = sqlmock.NewColumn(column.name).OfType(column.sqlType, "").Nullable(true)
	}
	db, mock := newSQLMock(t)
	rows := sqlmock.NewRowsWithColumnDefinition(defs...)
	rows.AddRow(make([]driver.Value, len(columns))...)
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	sink := extractFirstRow(t, db, NewFactory(time.UTC, map[string]ColumnOption{"l": {Type: "string"}}))
	if len(sink.values) != 0 {
		t.Fatalf("values = %v", sink.values)
	}
	for i := range columns {
		if !sink.nulls[i] {
			t.Fatalf("column %d not null", i)
		}
	}
	assertSQLMock(t, mock)
}

func TestConversions(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 678000000, time.UTC)
	decimal := duckdb.Decimal{Width: 38, Scale: 9, Value: big.NewInt(1500000000)}
	cases := []struct {
		name    string
		sqlType string
		option  ColumnOption
		raw     any
		check   func(columnar.Value) bool
	}{
		{"decimal to double", "DECIMAL(38,9)", ColumnOption{}, decimal,
			func(v columnar.Value) bool { return v.Kind() == columnar.KindDouble && v.Double() == 1.5 }},
		{"decimal to string", "DECIMAL(38,9)", ColumnOption{Type: "string"}, decimal,
			func(v columnar.Value) bool { return v.Str() == "1.500000000" }},
		{"decimal to long", "DECIMAL(38,9)", ColumnOption{Type: "long"}, decimal,
			func(v columnar.Value) bool { return v.Long() == 1 }},
		{"hugeint to long", "HUGEINT", ColumnOption{Type: "long"}, big.NewInt(42),
			func(v columnar.Value) bool { return v.Long() == 42 }},
		{"int32 widens", "INTEGER", ColumnOption{}, int32(-7),
			func(v columnar.Value) bool { return v.Long() == -7 }},
		{"long to timestamp", "BIGINT", ColumnOption{Type: "timestamp"}, int64(86400),
			func(v columnar.Value) bool { return v.Time().Equal(time.Unix(86400, 0)) }},
		{"long to boolean", "BIGINT", ColumnOption{Type: "boolean"}, int64(0),
			func(v columnar.Value) bool { return v.Kind() == columnar.KindBoolean && !v.Bool() }},
		{"string to json", "VARCHAR", ColumnOption{Type: "json"}, `{"a":1}`,
			func(v columnar.Value) bool { return v.Kind() == columnar.KindJSON && v.Str() == `{"a":1}` }},
		{"bool to string", "BOOLEAN", ColumnOption{Type: "string"}, true,
			func(v columnar.Value) bool { return v.Str() == "true" }},
		{"timestamp to string", "TIMESTAMPTZ", ColumnOption{Type: "string", Timezone: "Asia/Tokyo"}, at,
			func(v columnar.Value) bool { return v.Str() == "2024-01-02 12:04:05.678 +0900" }},
		{"timestamp custom format", "TIMESTAMPTZ", ColumnOption{Type: "string", TimestampFormat: "%Y/%m/%d"}, at,
			func(v columnar.Value) bool { return v.Str() == "2024/01/02" }},
		{"date to string", "DATE", ColumnOption{Type: "string"}, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			func(v columnar.Value) bool { return v.Str() == "2024-01-02" }},
		{"timestamp to long", "TIMESTAMPTZ", ColumnOption{Type: "long"}, at,
			func(v columnar.Value) bool { return v.Long() == at.Unix() }},
		{"float rounds through float32", "FLOAT", ColumnOption{}, float32(0.1),
			func(v columnar.Value) bool { return v.Double() == float64(float32(0.1)) }},
	}
	for i, tc := range cases {
		factory := NewFactory(time.UTC, map[string]ColumnOption{"c": tc.option})
		g, err := factory.New(i, ResultColumn{Name: "c", SQLType: tc.sqlType})
		if err != nil {
			t.Fatalf("%s: New() error = %v", tc.name, err)
		}
		sink := newRecordingSink()
		if err := g.Extract(staticRow{tc.raw}, 1, sink); err != nil {
			t.Fatalf("%s: Extract() error = %v", tc.name, err)
		}
		if value, ok := sink.values[i]; !ok || !tc.check(value) {
			t.Fatalf("%s: value = %v", tc.name, sink.values[i])
		}
	}
}

func TestConversionFailuresAreTyped(t *testing.T) {
	cases := []struct {
		sqlType string
		option  ColumnOption
		raw     any
	}{
		{"VARCHAR", ColumnOption{Type: "json"}, "{not json"},
		{"VARCHAR", ColumnOption{Type: "long"}, "abc"},
		{"TIMESTAMP", ColumnOption{ValueType: "timestamp", Type: "boolean"}, time.Now()},
		{"BIGINT", ColumnOption{}, "x"},
	}
	for _, tc := range cases {
		factory := NewFactory(time.UTC, map[string]ColumnOption{"c": tc.option})
		g, err := factory.New(0, ResultColumn{Name: "c", SQLType: tc.sqlType})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		err = g.Extract(staticRow{tc.raw}, 1, newRecordingSink())
		var conversionErr *ConversionError
		if !errors.As(err, &conversionErr) {
			t.Fatalf("%v -> %+v: error = %v", tc.raw, tc.option, err)
		}
		if conversionErr.Column != "c" {
			t.Fatalf("ConversionError.Column = %q", conversionErr.Column)
		}
	}
}

func TestDriverErrorsPropagate(t *testing.T) {
	boom := errors.New("driver failure")
	factory := NewFactory(time.UTC, nil)
	getters, _, err := factory.Build([]ResultColumn{{Name: "id", SQLType: "BIGINT"}, {Name: "ts", SQLType: "TIMESTAMP"}})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for _, g := range getters {
		if err := g.Extract(failingRow{err: boom}, 1, newRecordingSink()); !errors.Is(err, boom) {
			t.Fatalf("Extract() error = %v", err)
		}
	}
	if err := ExtractRow(getters, failingRow{err: boom}, newRecordingSink()); !errors.Is(err, boom) {
		t.Fatalf("ExtractRow() error = %v", err)
	}
}

// staticRow is a one-column result row holding raw.
type staticRow struct{ raw any }

func (r staticRow) Value(int) (any, error) { return r.raw, nil }
func (r staticRow) Timestamp(_ int, loc *time.Location) (time.Time, bool, error) {
	if r.raw == nil {
		return time.Time{}, false, nil
	}
	t, err := asTime(r.raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func extractFirstRow(t *testing.T, db *sql.DB, factory *Factory) *recordingSink {
	t.Helper()
	rows, err := db.Query("SELECT * FROM pages")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	defer rows.Close()

	columns, err := ColumnsOf(rows)
	if err != nil {
		t.Fatalf("ColumnsOf() error = %v", err)
	}
	getters, _, err := factory.Build(columns)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !rows.Next() {
		t.Fatalf("no rows: %v", rows.Err())
	}
	row, err := NewRowScanner(columns).Scan(rows)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	sink := newRecordingSink()
	if err := ExtractRow(getters, row, sink); err != nil {
		t.Fatalf("ExtractRow() error = %v", err)
	}
	return sink
}

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q) error = %v", name, err)
	}
	return loc
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
