package adapter

import (
	"errors"
	"fmt"
	"time"

	"github.com/duckmesh/duckfilter/internal/columnar"
)

var (
	ErrCursorNotRewindable = errors.New("batch cursor is single-pass and cannot be reset")
	ErrNoCurrentRow        = errors.New("batch cursor is not positioned on a row")
)

// CursorOptions configure how cells are converted on their way into the
// engine.
type CursorOptions struct {
	// Location is the zone timestamp wall clocks are projected into.
	Location *time.Location
	Types    TypeMap
}

func (o CursorOptions) location() *time.Location {
	if o.Location == nil {
		return time.UTC
	}
	return o.Location
}

// BatchCursor walks one batch once, materialising the current record as an
// engine row. The slice returned by Current is reused by the next call to
// Next.
type BatchCursor struct {
	schema *columnar.Schema
	reader *columnar.Reader
	opts   CursorOptions
	row    []any

	positioned bool
	done       bool
	closed     bool
	rows       int
}

// NewBatchCursor takes ownership of reader. A nil reader yields an empty
// cursor.
func NewBatchCursor(schema *columnar.Schema, reader *columnar.Reader, opts CursorOptions) *BatchCursor {
	return &BatchCursor{
		schema: schema,
		reader: reader,
		opts:   opts,
		row:    make([]any, schema.Len()),
	}
}

func (c *BatchCursor) Next() bool {
	if c.done || c.closed {
		return false
	}
	if c.reader == nil || !c.reader.Next() {
		c.done = true
		c.positioned = false
		return false
	}
	c.positioned = true
	c.rows++
	return true
}

func (c *BatchCursor) Current() ([]any, error) {
	if !c.positioned {
		return nil, ErrNoCurrentRow
	}
	for _, column := range c.schema.Columns() {
		value, err := c.materialize(column)
		if err != nil {
			return nil, fmt.Errorf("row %d column %q: %w", c.rows, column.Name, err)
		}
		c.row[column.Index] = value
	}
	return c.row, nil
}

func (c *BatchCursor) materialize(column columnar.Column) (any, error) {
	col := column.Index
	if c.reader.IsNull(col) {
		return nil, nil
	}
	switch column.Type {
	case columnar.Boolean:
		return c.reader.Bool(col), nil
	case columnar.Long:
		return c.reader.Long(col), nil
	case columnar.Double:
		return c.opts.Types.engineDouble(c.reader.Double(col))
	case columnar.String:
		return c.reader.String(col), nil
	case columnar.JSON:
		return c.reader.JSON(col), nil
	case columnar.Timestamp:
		return wallClock(c.reader.Timestamp(col), c.opts.location()), nil
	default:
		return nil, fmt.Errorf("unsupported column type %s", column.Type)
	}
}

// Rows returns the number of records the cursor has advanced over.
func (c *BatchCursor) Rows() int { return c.rows }

func (c *BatchCursor) Reset() error { return ErrCursorNotRewindable }

func (c *BatchCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.positioned = false
	if c.reader != nil {
		c.reader.Close()
	}
	return nil
}

// wallClock projects t into loc and returns the civil fields stamped as UTC,
// the zone-naive form TIMESTAMP_NS columns store.
func wallClock(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), time.UTC)
}
