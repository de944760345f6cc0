package getter

import (
	"fmt"
	"strings"
	"time"

	"github.com/duckmesh/duckfilter/internal/columnar"
)

// ColumnOption overrides how one output column is extracted.
type ColumnOption struct {
	ValueType       string `mapstructure:"value_type" json:"value_type,omitempty"`
	Timezone        string `mapstructure:"timezone" json:"timezone,omitempty"`
	Type            string `mapstructure:"type" json:"type,omitempty"`
	TimestampFormat string `mapstructure:"timestamp_format" json:"timestamp_format,omitempty"`
}

// Factory builds the getters of a query's output columns.
type Factory struct {
	location *time.Location
	options  map[string]ColumnOption
}

// NewFactory returns a factory whose zone-dependent getters default to loc.
func NewFactory(loc *time.Location, options map[string]ColumnOption) *Factory {
	if loc == nil {
		loc = time.UTC
	}
	return &Factory{location: loc, options: options}
}

// New builds the getter for the result column at output index.
func (f *Factory) New(index int, column ResultColumn) (Getter, error) {
	option, ok := f.options[column.Name]
	if !ok {
		// task files lower-case their keys
		option = f.options[strings.ToLower(column.Name)]
	}

	valueType, err := ParseValueType(option.ValueType)
	if err != nil {
		return nil, fmt.Errorf("column %q: %w", column.Name, err)
	}
	coalesce := valueType == Coalesce
	if coalesce {
		valueType, err = Classify(column.SQLType)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", column.Name, err)
		}
	}

	outputType := valueType.DefaultOutputType()
	if strings.TrimSpace(option.Type) != "" {
		outputType, err = columnar.ParseType(option.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", column.Name, err)
		}
	}

	loc := f.location
	if valueType == Date || valueType == Time {
		loc = time.UTC
	}
	if zone := strings.TrimSpace(option.Timezone); zone != "" {
		loc, err = time.LoadLocation(zone)
		if err != nil {
			return nil, fmt.Errorf("column %q: unknown time zone %q: %w", column.Name, zone, err)
		}
	}

	pattern := option.TimestampFormat
	if pattern == "" {
		pattern = defaultFormat(valueType)
	}
	format, err := newFormatter(pattern)
	if err != nil {
		return nil, fmt.Errorf("column %q: %w", column.Name, err)
	}

	conv := converter{
		column:   columnar.Column{Name: column.Name, Index: index, Type: outputType},
		location: loc,
		format:   format,
	}
	if coalesce && valueType == Timestamp {
		return &zonedTimestampGetter{converter: conv}, nil
	}
	return &valueGetter{converter: conv, valueType: valueType}, nil
}

// Build creates one getter per result column and the output schema they
// write.
func (f *Factory) Build(columns []ResultColumn) ([]Getter, *columnar.Schema, error) {
	getters := make([]Getter, 0, len(columns))
	fields := make([]columnar.Field, 0, len(columns))
	for i, column := range columns {
		g, err := f.New(i, column)
		if err != nil {
			return nil, nil, err
		}
		getters = append(getters, g)
		fields = append(fields, columnar.Field{Name: column.Name, Type: g.Column().Type})
	}
	schema, err := columnar.NewSchema(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("output schema: %w", err)
	}
	return getters, schema, nil
}

// ExtractRow runs every getter over row. Getter i reads ordinal i+1.
func ExtractRow(getters []Getter, row ResultRow, sink Sink) error {
	for i, g := range getters {
		if err := g.Extract(row, i+1, sink); err != nil {
			return err
		}
	}
	return nil
}
