package getter

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/duckfilter/internal/columnar"
)

// ValueType selects how a result cell is read from the engine row.
type ValueType string

const (
	Coalesce  ValueType = "coalesce"
	Long      ValueType = "long"
	Double    ValueType = "double"
	Float     ValueType = "float"
	Decimal   ValueType = "decimal"
	Boolean   ValueType = "boolean"
	String    ValueType = "string"
	JSON      ValueType = "json"
	Date      ValueType = "date"
	Time      ValueType = "time"
	Timestamp ValueType = "timestamp"
)

var valueTypes = map[ValueType]columnar.Type{
	Long:      columnar.Long,
	Double:    columnar.Double,
	Float:     columnar.Double,
	Decimal:   columnar.Double,
	Boolean:   columnar.Boolean,
	String:    columnar.String,
	JSON:      columnar.JSON,
	Date:      columnar.Timestamp,
	Time:      columnar.Timestamp,
	Timestamp: columnar.Timestamp,
}

func ParseValueType(name string) (ValueType, error) {
	normalized := ValueType(strings.ToLower(strings.TrimSpace(name)))
	if normalized == "" || normalized == Coalesce {
		return Coalesce, nil
	}
	if _, ok := valueTypes[normalized]; !ok {
		return "", fmt.Errorf("unknown value type %q", name)
	}
	return normalized, nil
}

// DefaultOutputType is the output column type used when no type option is
// configured.
func (v ValueType) DefaultOutputType() columnar.Type {
	return valueTypes[v]
}

// Classify resolves a SQL type name reported by the engine into the value
// type coalesce columns are read as.
func Classify(sqlType string) (ValueType, error) {
	switch normalizeSQLType(sqlType) {
	case "BIGINT", "INT8", "INT64", "LONG", "INTEGER", "INT", "INT4", "INT32", "SMALLINT", "INT2", "INT16",
		"TINYINT", "INT1", "UINTEGER", "USMALLINT", "UTINYINT", "SERIAL", "BIGSERIAL", "OID":
		return Long, nil
	case "DOUBLE", "FLOAT8", "DOUBLE PRECISION", "FLOAT64":
		return Double, nil
	case "REAL", "FLOAT4", "FLOAT", "FLOAT32":
		return Float, nil
	case "DECIMAL", "NUMERIC", "HUGEINT", "UHUGEINT", "UBIGINT", "INT128":
		return Decimal, nil
	case "BOOLEAN", "BOOL":
		return Boolean, nil
	case "VARCHAR", "TEXT", "STRING", "CHAR", "BPCHAR", "CHARACTER", "CHARACTER VARYING", "NAME",
		"UUID", "ENUM", "CITEXT", "INET", "CIDR", "BLOB", "BYTEA":
		return String, nil
	case "JSON", "JSONB":
		return JSON, nil
	case "DATE":
		return Date, nil
	case "TIME", "TIMETZ", "TIME WITH TIME ZONE", "TIME WITHOUT TIME ZONE":
		return Time, nil
	case "TIMESTAMP", "TIMESTAMP_S", "TIMESTAMP_MS", "TIMESTAMP_NS", "TIMESTAMP_US", "DATETIME",
		"TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE", "TIMESTAMP WITHOUT TIME ZONE":
		return Timestamp, nil
	default:
		return "", fmt.Errorf("unsupported SQL type %q", sqlType)
	}
}

// Sink receives extracted values for the output record being built.
type Sink interface {
	Set(col int, value columnar.Value) error
	SetNull(col int)
}

// Getter extracts one output column from engine result rows.
type Getter interface {
	Column() columnar.Column
	ValueType() ValueType
	Extract(row ResultRow, ordinal int, sink Sink) error
}

// ConversionError reports a cell that cannot be coerced into its output
// column type.
type ConversionError struct {
	Column string
	From   string
	To     columnar.Type
	Err    error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("column %q: cannot convert %s to %s: %v", e.Column, e.From, e.To, e.Err)
	}
	return fmt.Sprintf("column %q: cannot convert %s to %s", e.Column, e.From, e.To)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// converter turns a value read from the engine into the output column type.
type converter struct {
	column   columnar.Column
	location *time.Location
	format   formatter
}

// valueGetter reads cells through the driver's default conversion.
type valueGetter struct {
	converter
	valueType ValueType
}

func (g *valueGetter) Column() columnar.Column { return g.column }
func (g *valueGetter) ValueType() ValueType { return g.valueType }

func (g *valueGetter) Extract(row ResultRow, ordinal int, sink Sink) error {
	raw, err := row.Value(ordinal)
	if err != nil {
		return err
	}
	if raw == nil {
		sink.SetNull(g.column.Index)
		return nil
	}
	value, err := read(g.valueType, raw)
	if err != nil {
		return &ConversionError{Column: g.column.Name, From: fmt.Sprintf("%T", raw), To: g.column.Type, Err: err}
	}
	return g.write(value, sink)
}

func (c converter) write(value columnar.Value, sink Sink) error {
	converted, err := c.convert(value)
	if err != nil {
		return err
	}
	return sink.Set(c.column.Index, converted)
}

// read decodes a native driver value as valueType.
func read(valueType ValueType, raw any) (columnar.Value, error) {
	switch valueType {
	case Long:
		i, err := asInt64(raw)
		return columnar.LongValue(i), err
	case Double:
		f, err := asFloat64(raw)
		return columnar.DoubleValue(f), err
	case Float:
		f, err := asFloat64(raw)
		return columnar.DoubleValue(float64(float32(f))), err
	case Decimal:
		r, scale, err := asRat(raw)
		if err != nil {
			return columnar.Value{}, err
		}
		return columnar.DecimalValue(r, scale), nil
	case Boolean:
		b, err := asBool(raw)
		return columnar.BoolValue(b), err
	case String:
		return columnar.StringValue(asString(raw)), nil
	case JSON:
		s, err := asJSON(raw)
		return columnar.JSONValue(s), err
	case Date, Time, Timestamp:
		t, err := asTime(raw)
		return columnar.TimestampValue(t), err
	default:
		return columnar.Value{}, fmt.Errorf("value type %q cannot be read directly", valueType)
	}
}

func (c converter) convert(value columnar.Value) (columnar.Value, error) {
	fail := func(err error) (columnar.Value, error) {
		return columnar.Value{}, &ConversionError{Column: c.column.Name, From: value.Kind().String(), To: c.column.Type, Err: err}
	}
	switch c.column.Type {
	case columnar.Long:
		i, err := toLong(value)
		if err != nil {
			return fail(err)
		}
		return columnar.LongValue(i), nil
	case columnar.Double:
		f, err := toDouble(value)
		if err != nil {
			return fail(err)
		}
		return columnar.DoubleValue(f), nil
	case columnar.Boolean:
		b, err := toBool(value)
		if err != nil {
			return fail(err)
		}
		return columnar.BoolValue(b), nil
	case columnar.String:
		if value.Kind() == columnar.KindTimestamp {
			return columnar.StringValue(c.format.format(value.Time().In(c.location))), nil
		}
		return columnar.StringValue(value.String()), nil
	case columnar.JSON:
		s, err := toJSON(value)
		if err != nil {
			return fail(err)
		}
		return columnar.JSONValue(s), nil
	case columnar.Timestamp:
		t, err := c.toTimestamp(value)
		if err != nil {
			return fail(err)
		}
		return columnar.TimestampValue(t), nil
	default:
		return fail(fmt.Errorf("unsupported output type"))
	}
}

func toLong(value columnar.Value) (int64, error) {
	switch value.Kind() {
	case columnar.KindLong:
		return value.Long(), nil
	case columnar.KindDouble:
		f := value.Double()
		if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
			return 0, fmt.Errorf("%v out of int64 range", f)
		}
		return int64(f), nil
	case columnar.KindDecimal:
		r, _ := value.Decimal()
		i := new(big.Int).Quo(r.Num(), r.Denom())
		if !i.IsInt64() {
			return 0, fmt.Errorf("%s out of int64 range", r.FloatString(0))
		}
		return i.Int64(), nil
	case columnar.KindBoolean:
		if value.Bool() {
			return 1, nil
		}
		return 0, nil
	case columnar.KindString:
		return strconv.ParseInt(strings.TrimSpace(value.Str()), 10, 64)
	case columnar.KindTimestamp:
		return value.Time().Unix(), nil
	default:
		return 0, fmt.Errorf("unsupported source")
	}
}

func toDouble(value columnar.Value) (float64, error) {
	switch value.Kind() {
	case columnar.KindLong:
		return float64(value.Long()), nil
	case columnar.KindDouble:
		return value.Double(), nil
	case columnar.KindDecimal:
		r, _ := value.Decimal()
		f, _ := r.Float64()
		return f, nil
	case columnar.KindBoolean:
		if value.Bool() {
			return 1, nil
		}
		return 0, nil
	case columnar.KindString:
		return strconv.ParseFloat(strings.TrimSpace(value.Str()), 64)
	case columnar.KindTimestamp:
		t := value.Time()
		return float64(t.Unix()) + float64(t.Nanosecond())/1e9, nil
	default:
		return 0, fmt.Errorf("unsupported source")
	}
}

func toBool(value columnar.Value) (bool, error) {
	switch value.Kind() {
	case columnar.KindBoolean:
		return value.Bool(), nil
	case columnar.KindLong:
		return value.Long() != 0, nil
	case columnar.KindDouble:
		return value.Double() != 0, nil
	case columnar.KindDecimal:
		r, _ := value.Decimal()
		return r.Sign() != 0, nil
	case columnar.KindString:
		return strconv.ParseBool(strings.TrimSpace(value.Str()))
	default:
		return false, fmt.Errorf("unsupported source")
	}
}

func toJSON(value columnar.Value) (string, error) {
	switch value.Kind() {
	case columnar.KindJSON, columnar.KindString:
		if !json.Valid([]byte(value.Str())) {
			return "", fmt.Errorf("invalid JSON text")
		}
		return value.Str(), nil
	case columnar.KindLong, columnar.KindBoolean, columnar.KindDecimal:
		return value.String(), nil
	case columnar.KindDouble:
		f := value.Double()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("%v has no JSON representation", f)
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported source")
	}
}

func (c converter) toTimestamp(value columnar.Value) (time.Time, error) {
	switch value.Kind() {
	case columnar.KindTimestamp:
		return value.Time(), nil
	case columnar.KindLong:
		return time.Unix(value.Long(), 0).UTC(), nil
	case columnar.KindDouble:
		f := value.Double()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return time.Time{}, fmt.Errorf("%v is not an epoch", f)
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), nil
	case columnar.KindDecimal:
		r, _ := value.Decimal()
		nanos := new(big.Rat).Mul(r, big.NewRat(1e9, 1))
		n := new(big.Int).Quo(nanos.Num(), nanos.Denom())
		if !n.IsInt64() {
			return time.Time{}, fmt.Errorf("epoch %s out of range", r.FloatString(0))
		}
		return time.Unix(0, n.Int64()).UTC(), nil
	case columnar.KindString:
		return parseTime(value.Str(), c.location)
	default:
		return time.Time{}, fmt.Errorf("unsupported source")
	}
}

func asInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("%d out of int64 range", v)
		}
		return int64(v), nil
	case *big.Int:
		if !v.IsInt64() {
			return 0, fmt.Errorf("%s out of int64 range", v)
		}
		return v.Int64(), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(v)), 10, 64)
	default:
		return 0, fmt.Errorf("unexpected %T", raw)
	}
}

func asFloat64(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case duckdb.Decimal:
		return v.Float64(), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(v)), 64)
	default:
		i, err := asInt64(raw)
		if err != nil {
			return 0, fmt.Errorf("unexpected %T", raw)
		}
		return float64(i), nil
	}
}

// asRat reads an exact decimal and the number of fractional digits to render.
func asRat(raw any) (*big.Rat, int, error) {
	switch v := raw.(type) {
	case duckdb.Decimal:
		if v.Value == nil {
			return nil, 0, fmt.Errorf("decimal without value")
		}
		den := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.Scale)), nil)
		return new(big.Rat).SetFrac(v.Value, den), int(v.Scale), nil
	case *big.Int:
		return new(big.Rat).SetInt(v), 0, nil
	case uint64:
		return new(big.Rat).SetInt(new(big.Int).SetUint64(v)), 0, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, 0, fmt.Errorf("%v is not a decimal", v)
		}
		return new(big.Rat).SetFloat64(v), decimalDigits(strconv.FormatFloat(v, 'f', -1, 64)), nil
	case string, []byte:
		text := strings.TrimSpace(asString(v))
		r, ok := new(big.Rat).SetString(text)
		if !ok {
			return nil, 0, fmt.Errorf("%q is not a decimal", text)
		}
		return r, decimalDigits(text), nil
	default:
		i, err := asInt64(raw)
		if err != nil {
			return nil, 0, fmt.Errorf("unexpected %T", raw)
		}
		return new(big.Rat).SetInt64(i), 0, nil
	}
}

func decimalDigits(text string) int {
	if i := strings.IndexAny(text, "eE"); i >= 0 {
		text = text[:i]
	}
	if i := strings.IndexByte(text, '.'); i >= 0 {
		return len(text) - i - 1
	}
	return 0
}

func asBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	default:
		i, err := asInt64(raw)
		if err != nil {
			return false, fmt.Errorf("unexpected %T", raw)
		}
		return i != 0, nil
	}
}

func asString(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(raw)
	}
}

func asJSON(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		encoded, err := json.Marshal(raw)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
}

func asTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		return parseTime(v, time.UTC)
	case []byte:
		return parseTime(string(v), time.UTC)
	default:
		return time.Time{}, fmt.Errorf("unexpected %T", raw)
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func parseTime(text string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	text = strings.TrimSpace(text)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a recognised timestamp", text)
}
