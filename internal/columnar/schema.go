package columnar

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

type Field struct {
	Name string
	Type Type
}

type Column struct {
	Name  string
	Index int
	Type  Type
}

// Schema is an ordered, immutable set of columns. Column order defines the
// layout of every row derived from it.
type Schema struct {
	columns []Column
	byName  map[string]int
}

func NewSchema(fields []Field) (*Schema, error) {
	schema := &Schema{
		columns: make([]Column, 0, len(fields)),
		byName:  make(map[string]int, len(fields)),
	}
	for i, field := range fields {
		name := strings.TrimSpace(field.Name)
		if name == "" {
			return nil, fmt.Errorf("column %d: name is required", i)
		}
		if !field.Type.Valid() {
			return nil, fmt.Errorf("column %q: invalid type %s", name, field.Type)
		}
		if _, exists := schema.byName[name]; exists {
			return nil, fmt.Errorf("duplicate column name %q", name)
		}
		schema.byName[name] = i
		schema.columns = append(schema.columns, Column{Name: name, Index: i, Type: field.Type})
	}
	return schema, nil
}

// MustSchema is NewSchema for statically known fields.
func MustSchema(fields ...Field) *Schema {
	schema, err := NewSchema(fields)
	if err != nil {
		panic(err)
	}
	return schema
}

func (s *Schema) Len() int { return len(s.columns) }

func (s *Schema) Column(i int) Column { return s.columns[i] }

func (s *Schema) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

func (s *Schema) Lookup(name string) (Column, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Column{}, false
	}
	return s.columns[i], true
}

func (s *Schema) Fields() []Field {
	fields := make([]Field, len(s.columns))
	for i, column := range s.columns {
		fields[i] = Field{Name: column.Name, Type: column.Type}
	}
	return fields
}

func (s *Schema) Equal(other *Schema) bool {
	if other == nil || len(s.columns) != len(other.columns) {
		return false
	}
	for i := range s.columns {
		if s.columns[i] != other.columns[i] {
			return false
		}
	}
	return true
}

func (s *Schema) String() string {
	parts := make([]string, len(s.columns))
	for i, column := range s.columns {
		parts[i] = column.Name + ":" + column.Type.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// ArrowSchema converts the schema into its arrow representation.
func (s *Schema) ArrowSchema() *arrow.Schema {
	fields := make([]arrow.Field, len(s.columns))
	for i, column := range s.columns {
		field := arrow.Field{Name: column.Name, Type: column.Type.ArrowType(), Nullable: true}
		if column.Type == JSON {
			field.Metadata = arrow.NewMetadata([]string{MetaKeyType}, []string{JSON.String()})
		}
		fields[i] = field
	}
	return arrow.NewSchema(fields, nil)
}

func SchemaFromArrow(schema *arrow.Schema) (*Schema, error) {
	if schema == nil {
		return nil, fmt.Errorf("arrow schema is required")
	}
	fields := make([]Field, 0, len(schema.Fields()))
	for _, field := range schema.Fields() {
		t, err := typeFromArrow(field)
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{Name: field.Name, Type: t})
	}
	return NewSchema(fields)
}
