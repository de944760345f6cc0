package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/duckmesh/duckfilter/internal/columnar"
	"github.com/duckmesh/duckfilter/internal/getter"
)

// Source reads input batches from a PostgreSQL query. Result columns are
// matched to a task's input schema by position and converted to its types.
type Source struct {
	db        *sql.DB
	location  *time.Location
	allocator memory.Allocator
}

// NewSource reads naive timestamps as wall clock time in loc.
func NewSource(db *sql.DB, loc *time.Location, mem memory.Allocator) *Source {
	if loc == nil {
		loc = time.UTC
	}
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &Source{db: db, location: loc, allocator: mem}
}

func (s *Source) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping source db: %w", err)
	}
	return nil
}

// Fetch runs query and returns its rows as one record of schema. The query
// must return exactly the schema's columns, in order and under the same names.
func (s *Source) Fetch(ctx context.Context, query string, schema *columnar.Schema) (record arrow.Record, err error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("run source query: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			if record != nil {
				record.Release()
				record = nil
			}
			err = fmt.Errorf("close source rows: %w", closeErr)
		}
	}()

	columns, err := getter.ColumnsOf(rows)
	if err != nil {
		return nil, err
	}
	if err := matchColumns(columns, schema); err != nil {
		return nil, err
	}
	options := make(map[string]getter.ColumnOption, schema.Len())
	for _, column := range schema.Columns() {
		options[column.Name] = getter.ColumnOption{Type: column.Type.String()}
	}
	getters, _, err := getter.NewFactory(s.location, options).Build(columns)
	if err != nil {
		return nil, err
	}

	builder := columnar.NewBuilder(s.allocator, schema)
	defer builder.Close()
	scanner := getter.NewRowScanner(columns)
	for index := 0; rows.Next(); index++ {
		row, err := scanner.Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source row %d: %w", index, err)
		}
		if err := getter.ExtractRow(getters, row, builder); err != nil {
			return nil, fmt.Errorf("source row %d: %w", index, err)
		}
		if err := builder.AddRecord(); err != nil {
			return nil, fmt.Errorf("source row %d: %w", index, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source rows: %w", err)
	}
	return builder.Finish(), nil
}

var errColumnMismatch = errors.New("source columns do not match the input schema")

func matchColumns(columns []getter.ResultColumn, schema *columnar.Schema) error {
	if len(columns) != schema.Len() {
		return fmt.Errorf("%w: got %d columns, want %d", errColumnMismatch, len(columns), schema.Len())
	}
	for i, column := range columns {
		if want := schema.Column(i).Name; column.Name != want {
			return fmt.Errorf("%w: column %d is %q, want %q", errColumnMismatch, i, column.Name, want)
		}
	}
	return nil
}
