package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/duckmesh/duckfilter/internal/adapter"
	"github.com/duckmesh/duckfilter/internal/columnar"
	"github.com/duckmesh/duckfilter/internal/getter"
	"github.com/duckmesh/duckfilter/internal/observability"
	"github.com/duckmesh/duckfilter/internal/task"
)

// Options tune a transaction and the sessions it opens.
type Options struct {
	Logger *slog.Logger
	// Allocator backs output records. Nil uses the default Go allocator.
	Allocator memory.Allocator
}

// Transaction is a validated task bound to an input schema, with the output
// schema its query produces. Sessions opened from it share that shape.
type Transaction struct {
	task     task.Task
	query    string
	input    *columnar.Schema
	output   *columnar.Schema
	columns  []getter.ResultColumn
	types    adapter.TypeMap
	location *time.Location
	factory  *getter.Factory
	mem      memory.Allocator
	logger   *slog.Logger
}

// NewTransaction validates t and discovers the output columns of its query
// by running it once against an empty input. A nil input uses the task's
// configured input schema.
func NewTransaction(ctx context.Context, t task.Task, input *columnar.Schema, opts Options) (*Transaction, error) {
	if err := t.Validate(); err != nil {
		return nil, &ConfigError{Op: "task " + t.Name, Err: err}
	}
	if input == nil {
		schema, err := t.Schema()
		if err != nil {
			return nil, &ConfigError{Op: "task " + t.Name, Err: err}
		}
		input = schema
	}
	query := stripTrailingSemicolons(t.Query)
	if query == "" {
		return nil, &ConfigError{Op: "task " + t.Name, Err: fmt.Errorf("query is required")}
	}
	types, err := t.TypeMap()
	if err != nil {
		return nil, &ConfigError{Op: "task " + t.Name, Err: err}
	}
	loc, err := t.Location()
	if err != nil {
		return nil, &ConfigError{Op: "task " + t.Name, Err: err}
	}

	tx := &Transaction{
		task:     t,
		query:    query,
		input:    input,
		types:    types,
		location: loc,
		factory:  getter.NewFactory(loc, t.ColumnOptions),
		mem:      opts.Allocator,
		logger:   observability.TaskLogger(opts.Logger, t.Name),
	}
	if tx.mem == nil {
		tx.mem = memory.DefaultAllocator
	}
	if err := tx.discover(ctx); err != nil {
		return nil, err
	}
	tx.logger.DebugContext(ctx, "task schema resolved",
		slog.String("input", input.String()),
		slog.String("output", tx.output.String()),
	)
	return tx, nil
}

func (tx *Transaction) discover(ctx context.Context) (err error) {
	eng, err := connect(ctx, tx.task, tx.input, tx.types)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil && err == nil {
			err = &ConnectionError{Op: "close discovery session", Err: closeErr}
		}
	}()

	rows, err := eng.conn.QueryContext(ctx, tx.query)
	if err != nil {
		return &ConfigError{Op: "discover query schema", Err: err}
	}
	columns, err := getter.ColumnsOf(rows)
	err = errors.Join(err, rows.Close())
	if err != nil {
		return &ConfigError{Op: "discover query schema", Err: err}
	}
	_, output, err := tx.factory.Build(columns)
	if err != nil {
		return &ConfigError{Op: "output columns", Err: err}
	}
	tx.columns = columns
	tx.output = output
	return nil
}

func (tx *Transaction) Task() task.Task { return tx.task }
func (tx *Transaction) InputSchema() *columnar.Schema { return tx.input }
func (tx *Transaction) OutputSchema() *columnar.Schema { return tx.output }

// Columns returns the engine's description of the query result.
func (tx *Transaction) Columns() []getter.ResultColumn {
	out := make([]getter.ResultColumn, len(tx.columns))
	copy(out, tx.columns)
	return out
}

// Describe renders the output columns with the engine types they come from.
func (tx *Transaction) Describe() string {
	var b strings.Builder
	for i, column := range tx.output.Columns() {
		fmt.Fprintf(&b, "%s\t%s\t%s\n", column.Name, column.Type, tx.columns[i].SQLType)
	}
	return b.String()
}

// Filter runs records through a fresh session and returns one output record
// per input record. The caller releases the outputs.
func (tx *Transaction) Filter(ctx context.Context, records ...arrow.Record) (out []arrow.Record, err error) {
	session, err := tx.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			if err == nil {
				releaseAll(out)
				out, err = nil, closeErr
			} else {
				tx.logger.WarnContext(ctx, "close session", slog.String("error", closeErr.Error()))
			}
		}
	}()
	out = make([]arrow.Record, 0, len(records))
	for _, record := range records {
		result, err := session.Add(ctx, record)
		if err != nil {
			releaseAll(out)
			return nil, err
		}
		out = append(out, result)
	}
	return out, nil
}

func releaseAll(records []arrow.Record) {
	for _, record := range records {
		record.Release()
	}
}
