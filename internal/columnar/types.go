package columnar

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// Type is the primitive type tag of a column.
type Type int

const (
	Boolean Type = iota + 1
	Long
	Double
	String
	Timestamp
	JSON
)

// Types lists every supported column type in declaration order.
var Types = []Type{Boolean, Long, Double, String, Timestamp, JSON}

var typeNames = map[Type]string{
	Boolean:   "boolean",
	Long:      "long",
	Double:    "double",
	String:    "string",
	Timestamp: "timestamp",
	JSON:      "json",
}

var typeAliases = map[string]Type{
	"boolean":   Boolean,
	"bool":      Boolean,
	"long":      Long,
	"int64":     Long,
	"double":    Double,
	"float64":   Double,
	"string":    String,
	"utf8":      String,
	"timestamp": Timestamp,
	"json":      JSON,
}

const (
	// MetaKeyType tags arrow fields whose columnar type is not implied by the
	// arrow type alone (json columns are stored as utf8).
	MetaKeyType = "duckfilter.type"
)

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType resolves a configured type name.
func ParseType(name string) (Type, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if t, ok := typeAliases[normalized]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("unknown column type %q", name)
}

// ArrowType returns the arrow data type used to store columns of type t.
func (t Type) ArrowType() arrow.DataType {
	switch t {
	case Boolean:
		return arrow.FixedWidthTypes.Boolean
	case Long:
		return arrow.PrimitiveTypes.Int64
	case Double:
		return arrow.PrimitiveTypes.Float64
	case String, JSON:
		return arrow.BinaryTypes.String
	case Timestamp:
		return &arrow.TimestampType{Unit: arrow.Nanosecond, TimeZone: "UTC"}
	default:
		return arrow.Null
	}
}

// typeFromArrow resolves the columnar type of field. A duckfilter.type tag
// may only narrow utf8 to json; any other tag must name the type the arrow
// storage already implies.
func typeFromArrow(field arrow.Field) (Type, error) {
	physical, err := physicalType(field)
	if err != nil {
		return 0, err
	}
	value, ok := field.Metadata.GetValue(MetaKeyType)
	if !ok {
		return physical, nil
	}
	tagged, err := ParseType(value)
	if err != nil {
		return 0, fmt.Errorf("column %q: %w", field.Name, err)
	}
	if tagged != physical && !(tagged == JSON && physical == String) {
		return 0, fmt.Errorf("column %q: %s storage cannot hold %s values", field.Name, field.Type, tagged)
	}
	return tagged, nil
}

func physicalType(field arrow.Field) (Type, error) {
	switch field.Type.ID() {
	case arrow.BOOL:
		return Boolean, nil
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64, arrow.UINT8, arrow.UINT16, arrow.UINT32:
		return Long, nil
	case arrow.FLOAT32, arrow.FLOAT64:
		return Double, nil
	case arrow.STRING, arrow.LARGE_STRING:
		return String, nil
	case arrow.TIMESTAMP, arrow.DATE32, arrow.DATE64:
		return Timestamp, nil
	default:
		return 0, fmt.Errorf("column %q: unsupported arrow type %s", field.Name, field.Type)
	}
}
