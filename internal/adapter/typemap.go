package adapter

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/duckfilter/internal/columnar"
)

// DoubleMode selects how double columns are exposed to the engine.
type DoubleMode string

const (
	DoubleDecimal DoubleMode = "decimal"
	DoubleNative  DoubleMode = "double"

	DefaultDecimalScale = 9
	maxDecimalWidth     = 38
)

// EngineType is the DuckDB column type a columnar type is exposed as.
type EngineType struct {
	id    duckdb.Type
	width uint8
	scale uint8
}

func (e EngineType) ID() duckdb.Type { return e.id }

func (e EngineType) Name() string {
	switch e.id {
	case duckdb.TYPE_BOOLEAN:
		return "BOOLEAN"
	case duckdb.TYPE_BIGINT:
		return "BIGINT"
	case duckdb.TYPE_DOUBLE:
		return "DOUBLE"
	case duckdb.TYPE_DECIMAL:
		return fmt.Sprintf("DECIMAL(%d,%d)", e.width, e.scale)
	case duckdb.TYPE_VARCHAR:
		return "VARCHAR"
	case duckdb.TYPE_TIMESTAMP_NS:
		return "TIMESTAMP_NS"
	default:
		return "INVALID"
	}
}

func (e EngineType) TypeInfo() (duckdb.TypeInfo, error) {
	if e.id == duckdb.TYPE_DECIMAL {
		return duckdb.NewDecimalInfo(e.width, e.scale)
	}
	if e.id == duckdb.TYPE_INVALID {
		return nil, fmt.Errorf("no engine type")
	}
	return duckdb.NewTypeInfo(e.id)
}

// zero is the value written in place of a null cell.
func (e EngineType) zero() any {
	switch e.id {
	case duckdb.TYPE_BOOLEAN:
		return false
	case duckdb.TYPE_BIGINT:
		return int64(0)
	case duckdb.TYPE_DOUBLE:
		return float64(0)
	case duckdb.TYPE_DECIMAL:
		return duckdb.Decimal{Width: e.width, Scale: e.scale, Value: new(big.Int)}
	case duckdb.TYPE_VARCHAR:
		return ""
	case duckdb.TYPE_TIMESTAMP_NS:
		return time.Unix(0, 0).UTC()
	default:
		return nil
	}
}

// TypeMap maps columnar types to engine column types and converts cell values
// on their way into the engine.
type TypeMap struct {
	doubles DoubleMode
	scale   uint8
}

func DefaultTypeMap() TypeMap {
	return TypeMap{doubles: DoubleDecimal, scale: DefaultDecimalScale}
}

func NewTypeMap(mode DoubleMode, scale int) (TypeMap, error) {
	switch mode {
	case "":
		mode = DoubleDecimal
	case DoubleDecimal, DoubleNative:
	default:
		return TypeMap{}, fmt.Errorf("unknown double mode %q", mode)
	}
	if scale < 0 || scale > maxDecimalWidth {
		return TypeMap{}, fmt.Errorf("decimal scale %d out of range [0,%d]", scale, maxDecimalWidth)
	}
	return TypeMap{doubles: mode, scale: uint8(scale)}, nil
}

func (m TypeMap) DoubleMode() DoubleMode { return m.doubles }

func (m TypeMap) ToEngineType(t columnar.Type) EngineType {
	switch t {
	case columnar.Boolean:
		return EngineType{id: duckdb.TYPE_BOOLEAN}
	case columnar.Long:
		return EngineType{id: duckdb.TYPE_BIGINT}
	case columnar.Double:
		if m.doubles == DoubleNative {
			return EngineType{id: duckdb.TYPE_DOUBLE}
		}
		return EngineType{id: duckdb.TYPE_DECIMAL, width: maxDecimalWidth, scale: m.scale}
	case columnar.String, columnar.JSON:
		return EngineType{id: duckdb.TYPE_VARCHAR}
	case columnar.Timestamp:
		return EngineType{id: duckdb.TYPE_TIMESTAMP_NS}
	default:
		return EngineType{id: duckdb.TYPE_INVALID}
	}
}

// FromName resolves an engine type name back to its columnar type.
func FromName(name string) (columnar.Type, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if i := strings.IndexByte(normalized, '('); i > 0 {
		normalized = normalized[:i]
	}
	switch normalized {
	case "BOOLEAN":
		return columnar.Boolean, nil
	case "BIGINT":
		return columnar.Long, nil
	case "DOUBLE", "DECIMAL":
		return columnar.Double, nil
	case "VARCHAR":
		return columnar.String, nil
	case "TIMESTAMP_NS":
		return columnar.Timestamp, nil
	case "JSON":
		return columnar.JSON, nil
	default:
		return 0, fmt.Errorf("unknown engine type %q", name)
	}
}

// engineDouble converts a double cell into the value bound to the engine
// column.
func (m TypeMap) engineDouble(f float64) (any, error) {
	if m.doubles == DoubleNative {
		return f, nil
	}
	return decimalFromFloat(f, m.scale)
}

var maxDecimalMagnitude = new(big.Int).Exp(big.NewInt(10), big.NewInt(maxDecimalWidth), nil)

// decimalFromFloat widens f to DECIMAL(38, scale), rounding half to even at
// the last fractional digit.
func decimalFromFloat(f float64, scale uint8) (duckdb.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return duckdb.Decimal{}, fmt.Errorf("cannot widen %v to DECIMAL(%d,%d)", f, maxDecimalWidth, scale)
	}
	exact := new(big.Rat).SetFloat64(f)
	pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)
	exact.Mul(exact, new(big.Rat).SetInt(pow))

	num, den := exact.Num(), exact.Denom()
	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() != 0 {
		twice := new(big.Int).Abs(rem)
		twice.Lsh(twice, 1)
		cmp := twice.Cmp(den)
		if cmp > 0 || (cmp == 0 && quo.Bit(0) == 1) {
			if num.Sign() < 0 {
				quo.Sub(quo, big.NewInt(1))
			} else {
				quo.Add(quo, big.NewInt(1))
			}
		}
	}
	if new(big.Int).Abs(quo).Cmp(maxDecimalMagnitude) >= 0 {
		return duckdb.Decimal{}, fmt.Errorf("value %v overflows DECIMAL(%d,%d)", f, maxDecimalWidth, scale)
	}
	return duckdb.Decimal{Width: maxDecimalWidth, Scale: scale, Value: quo}, nil
}
