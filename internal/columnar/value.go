package columnar

import (
	"fmt"
	"math/big"
	"time"
)

// Kind tags the payload carried by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBoolean
	KindLong
	KindDouble
	KindDecimal
	KindString
	KindJSON
	KindTimestamp
)

var kindNames = map[Kind]string{
	KindNull:      "null",
	KindBoolean:   "boolean",
	KindLong:      "long",
	KindDouble:    "double",
	KindDecimal:   "decimal",
	KindString:    "string",
	KindJSON:      "json",
	KindTimestamp: "timestamp",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindOf returns the value kind stored by columns of type t.
func KindOf(t Type) Kind {
	switch t {
	case Boolean:
		return KindBoolean
	case Long:
		return KindLong
	case Double:
		return KindDouble
	case String:
		return KindString
	case JSON:
		return KindJSON
	case Timestamp:
		return KindTimestamp
	default:
		return KindNull
	}
}

// Value is a single typed cell. The zero Value is null.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	s     string
	t     time.Time
	dec   *big.Rat
	scale int
}

func NullValue() Value { return Value{} }
func BoolValue(b bool) Value { return Value{kind: KindBoolean, b: b} }
func LongValue(i int64) Value { return Value{kind: KindLong, i: i} }
func DoubleValue(f float64) Value { return Value{kind: KindDouble, f: f} }
func StringValue(s string) Value { return Value{kind: KindString, s: s} }
func JSONValue(s string) Value { return Value{kind: KindJSON, s: s} }
func TimestampValue(t time.Time) Value { return Value{kind: KindTimestamp, t: t} }

// DecimalValue holds an exact decimal; scale is the number of fractional
// digits used when rendering it as text.
func DecimalValue(r *big.Rat, scale int) Value {
	return Value{kind: KindDecimal, dec: new(big.Rat).Set(r), scale: scale}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Bool() bool { return v.b }
func (v Value) Long() int64 { return v.i }
func (v Value) Double() float64 { return v.f }

// Str returns the text payload of string and json values.
func (v Value) Str() string { return v.s }
func (v Value) Time() time.Time { return v.t }

func (v Value) Decimal() (*big.Rat, int) {
	if v.dec == nil {
		return new(big.Rat), 0
	}
	return new(big.Rat).Set(v.dec), v.scale
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindBoolean:
		return fmt.Sprintf("%t", v.b)
	case KindLong:
		return fmt.Sprintf("%d", v.i)
	case KindDouble:
		return fmt.Sprintf("%g", v.f)
	case KindDecimal:
		r, scale := v.Decimal()
		return r.FloatString(scale)
	case KindString, KindJSON:
		return v.s
	case KindTimestamp:
		return v.t.UTC().Format(time.RFC3339Nano)
	default:
		return v.kind.String()
	}
}
