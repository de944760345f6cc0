package filter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/duckmesh/duckfilter/internal/adapter"
	"github.com/duckmesh/duckfilter/internal/columnar"
	"github.com/duckmesh/duckfilter/internal/getter"
	"github.com/duckmesh/duckfilter/internal/observability"
)

var ErrSessionClosed = errors.New("filter session is closed")

// Session runs the task query over one input record per Add call. A session
// owns its engine and is used by one caller at a time; Add serializes.
type Session struct {
	tx      *Transaction
	engine  *engine
	stmt    *sql.Stmt
	getters []getter.Getter
	scanner *getter.RowScanner

	mu     sync.Mutex
	closed bool
}

// Open starts an engine session and prepares the task query on it.
func (tx *Transaction) Open(ctx context.Context) (*Session, error) {
	eng, err := connect(ctx, tx.task, tx.input, tx.types)
	if err != nil {
		return nil, err
	}
	stmt, err := eng.conn.PrepareContext(ctx, tx.query)
	if err != nil {
		_ = eng.Close()
		return nil, &ConfigError{Op: "prepare query", Err: err}
	}
	getters, output, err := tx.factory.Build(tx.columns)
	if err != nil {
		_ = stmt.Close()
		_ = eng.Close()
		return nil, &ConfigError{Op: "output columns", Err: err}
	}
	if !output.Equal(tx.output) {
		_ = stmt.Close()
		_ = eng.Close()
		return nil, &ConfigError{Op: "output columns", Err: fmt.Errorf("schema %s differs from %s", output, tx.output)}
	}
	observability.AddOpenSessions(tx.task.Name, 1)
	return &Session{
		tx:      tx,
		engine:  eng,
		stmt:    stmt,
		getters: getters,
		scanner: getter.NewRowScanner(tx.columns),
	}, nil
}

func (s *Session) OutputSchema() *columnar.Schema { return s.tx.output }

// Slot exposes the session's context slot for inspection.
func (s *Session) Slot() *adapter.Slot { return s.engine.slot }

// Add runs the query over record and returns the output record, which the
// caller releases. On error no output is returned: rows extracted before the
// failure are discarded. The slot is empty again when Add returns.
func (s *Session) Add(ctx context.Context, record arrow.Record) (out arrow.Record, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if record == nil {
		return nil, fmt.Errorf("input record is required")
	}

	name := s.tx.task.Name
	start := time.Now()
	inputRows := record.NumRows()
	defer func() {
		var outputRows int64
		if out != nil {
			outputRows = out.NumRows()
		}
		observability.ObserveInvocation(name, inputRows, outputRows, time.Since(start), err)
		if err != nil {
			kind := FailureKind(err)
			observability.IncrementFailure(name, kind)
			s.tx.logger.WarnContext(ctx, "invocation failed",
				slog.String("trace_id", observability.TraceIDFromContext(ctx)),
				slog.String("kind", kind),
				slog.Int64("input_rows", inputRows),
				slog.String("error", err.Error()),
			)
		}
	}()

	reader, err := columnar.NewReader(s.tx.input, record)
	if err != nil {
		return nil, &ConfigError{Op: "input record", Err: err}
	}
	reader.Close()

	release, err := s.engine.slot.Bind(adapter.Binding{
		Record:  record,
		Options: adapter.CursorOptions{Location: s.tx.location},
	})
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.stmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer func() {
		cleanupErr := errors.Join(rows.Close(), s.engine.schema.CloseScans())
		if cleanupErr == nil {
			return
		}
		if err != nil {
			s.tx.logger.WarnContext(ctx, "release query resources", slog.String("error", cleanupErr.Error()))
			return
		}
		if out != nil {
			out.Release()
			out = nil
		}
		err = fmt.Errorf("release query resources: %w", cleanupErr)
	}()

	builder := columnar.NewBuilder(s.tx.mem, s.tx.output)
	defer builder.Close()

	for index := 0; rows.Next(); index++ {
		row, err := s.scanner.Scan(rows)
		if err != nil {
			return nil, &ExtractionError{Row: index, Err: err}
		}
		for i, g := range s.getters {
			if err := g.Extract(row, i+1, builder); err != nil {
				return nil, &ExtractionError{Row: index, Column: g.Column().Name, Err: err}
			}
		}
		if err := builder.AddRecord(); err != nil {
			return nil, &ExtractionError{Row: index, Err: err}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result rows: %w", err)
	}
	return builder.Finish(), nil
}

// Close releases the prepared statement and the engine. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	observability.AddOpenSessions(s.tx.task.Name, -1)
	if err := errors.Join(s.stmt.Close(), s.engine.Close()); err != nil {
		return &ConnectionError{Op: "close session", Err: err}
	}
	return nil
}
