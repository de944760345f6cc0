package columnar

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Builder assembles an output record one row at a time. Values staged with
// Set/SetNull become part of the record only when AddRecord commits them.
type Builder struct {
	schema  *Schema
	builder *array.RecordBuilder
	pending []Value
	rows    int
	closed  bool
}

func NewBuilder(mem memory.Allocator, schema *Schema) *Builder {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &Builder{
		schema:  schema,
		builder: array.NewRecordBuilder(mem, schema.ArrowSchema()),
		pending: make([]Value, schema.Len()),
	}
}

func (b *Builder) Schema() *Schema { return b.schema }

// Rows returns the number of committed records.
func (b *Builder) Rows() int { return b.rows }

func (b *Builder) Set(col int, value Value) error {
	if col < 0 || col >= len(b.pending) {
		return fmt.Errorf("column index %d out of range", col)
	}
	column := b.schema.columns[col]
	if !value.IsNull() && value.Kind() != KindOf(column.Type) {
		return fmt.Errorf("column %q: cannot store %s value in %s column", column.Name, value.Kind(), column.Type)
	}
	b.pending[col] = value
	return nil
}

func (b *Builder) SetNull(col int) {
	if col >= 0 && col < len(b.pending) {
		b.pending[col] = NullValue()
	}
}

// AddRecord commits the staged values as one row. Columns not set since the
// previous commit are null.
func (b *Builder) AddRecord() error {
	if b.closed {
		return fmt.Errorf("builder is closed")
	}
	for col, value := range b.pending {
		if err := appendValue(b.builder.Field(col), value); err != nil {
			return fmt.Errorf("column %q: %w", b.schema.columns[col].Name, err)
		}
		b.pending[col] = NullValue()
	}
	b.rows++
	return nil
}

// Finish returns the committed rows as a record and resets the builder. The
// caller owns the returned record.
func (b *Builder) Finish() arrow.Record {
	record := b.builder.NewRecord()
	b.rows = 0
	return record
}

func (b *Builder) Close() {
	if b.closed {
		return
	}
	b.closed = true
	b.builder.Release()
}

func appendValue(builder array.Builder, value Value) error {
	if value.IsNull() {
		builder.AppendNull()
		return nil
	}
	switch typed := builder.(type) {
	case *array.BooleanBuilder:
		typed.Append(value.Bool())
	case *array.Int64Builder:
		typed.Append(value.Long())
	case *array.Float64Builder:
		typed.Append(value.Double())
	case *array.StringBuilder:
		typed.Append(value.Str())
	case *array.TimestampBuilder:
		typed.Append(arrow.Timestamp(value.Time().UnixNano()))
	default:
		return fmt.Errorf("unsupported builder %T", builder)
	}
	return nil
}
