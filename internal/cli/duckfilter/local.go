package duckfilter

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/duckmesh/duckfilter/internal/batchio"
	"github.com/duckmesh/duckfilter/internal/columnar"
	"github.com/duckmesh/duckfilter/internal/filter"
	"github.com/duckmesh/duckfilter/internal/source/postgres"
	"github.com/duckmesh/duckfilter/internal/storage"
	"github.com/duckmesh/duckfilter/internal/task"
)

const postgresPrefix = "postgres:"

type runCmd struct {
	Task   string   `required:"" type:"existingfile" help:"Task file (yaml, json or toml)."`
	Input  []string `required:"" short:"i" sep:"none" help:"Input batches: parquet or .arrows files, directories, s3:// URLs or prefixes, '-' for an Arrow stream on stdin, or postgres:<query>. Repeatable."`
	Output string   `short:"o" default:"-" help:"Output: a parquet or .arrows file, a directory or s3:// prefix (one file per input), or '-' for an Arrow stream on stdout."`
}

// batchInput is one input batch source: a location or a source query.
type batchInput struct {
	loc   storage.Location
	query string
}

func (in batchInput) String() string {
	if in.query != "" {
		return postgresPrefix + in.query
	}
	return in.loc.String()
}

func (c *runCmd) Run(e *env) error {
	t, err := task.Load(c.Task)
	if err != nil {
		return err
	}
	inputs, err := e.expandInputs(c.Input)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return fmt.Errorf("no input batches found in %s", strings.Join(c.Input, ", "))
	}
	output, err := storage.ParseLocation(c.Output)
	if err != nil {
		return err
	}
	perInput := output.IsPrefix() || isDir(output)

	var (
		tx        *filter.Transaction
		session   *filter.Session
		stream    *batchio.IPCWriter
		collected []arrow.Record
	)
	defer func() {
		releaseAll(collected)
		if session != nil {
			_ = session.Close()
		}
	}()

	for i, in := range inputs {
		start := time.Now()
		var schema *columnar.Schema
		if tx != nil {
			schema = tx.InputSchema()
		}
		records, err := e.readInput(in, t, schema)
		if err != nil {
			return err
		}
		if tx == nil {
			tx, session, err = e.open(t, records)
			if err != nil {
				releaseAll(records)
				return err
			}
		}

		inputRows := batchio.CountRows(records)
		outputs, err := filterAll(e, session, records)
		releaseAll(records)
		if err != nil {
			return fmt.Errorf("%s: %w", in, err)
		}
		e.logger.Info("filtered batch",
			slog.String("task", t.Name),
			slog.String("input", in.String()),
			slog.Int64("input_rows", inputRows),
			slog.Int64("output_rows", batchio.CountRows(outputs)),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)

		schema = tx.OutputSchema()
		switch {
		case output.Stdio():
			if stream == nil {
				stream = batchio.NewIPCWriter(e.stdout, schema.ArrowSchema())
			}
			for _, record := range outputs {
				if err := stream.Write(record); err != nil {
					releaseAll(outputs)
					return err
				}
			}
			releaseAll(outputs)
		case perInput:
			target := batchio.OutputFor(output, inputLocation(in, i))
			err := e.resolver.Write(e.ctx, target, schema.ArrowSchema(), outputs)
			releaseAll(outputs)
			if err != nil {
				return err
			}
		default:
			collected = append(collected, outputs...)
		}
	}

	if stream != nil {
		return stream.Close()
	}
	if !perInput {
		return e.resolver.Write(e.ctx, output, tx.OutputSchema().ArrowSchema(), collected)
	}
	return nil
}

// open prepares the task. Without an input_schema in the task file the schema
// of the first input batch is used.
func (e *env) open(t task.Task, records []arrow.Record) (*filter.Transaction, *filter.Session, error) {
	var input *columnar.Schema
	if len(t.InputSchema) == 0 {
		if len(records) == 0 {
			return nil, nil, fmt.Errorf("task %s has no input_schema and the first input is empty", t.Name)
		}
		schema, err := columnar.SchemaFromArrow(records[0].Schema())
		if err != nil {
			return nil, nil, err
		}
		input = schema
	}
	tx, err := filter.NewTransaction(e.ctx, t, input, filter.Options{Logger: e.logger, Allocator: e.mem})
	if err != nil {
		return nil, nil, err
	}
	session, err := tx.Open(e.ctx)
	if err != nil {
		return nil, nil, err
	}
	return tx, session, nil
}

func filterAll(e *env, session *filter.Session, records []arrow.Record) ([]arrow.Record, error) {
	outputs := make([]arrow.Record, 0, len(records))
	for _, record := range records {
		output, err := session.Add(e.ctx, record)
		if err != nil {
			releaseAll(outputs)
			return nil, err
		}
		outputs = append(outputs, output)
	}
	return outputs, nil
}

func (e *env) expandInputs(raw []string) ([]batchInput, error) {
	var inputs []batchInput
	for _, value := range raw {
		if query, ok := strings.CutPrefix(value, postgresPrefix); ok {
			if strings.TrimSpace(query) == "" {
				return nil, fmt.Errorf("postgres input needs a query")
			}
			inputs = append(inputs, batchInput{query: query})
			continue
		}
		loc, err := storage.ParseLocation(value)
		if err != nil {
			return nil, err
		}
		locs, err := e.resolver.Expand(e.ctx, loc)
		if err != nil {
			return nil, err
		}
		for _, loc := range locs {
			inputs = append(inputs, batchInput{loc: loc})
		}
	}
	return inputs, nil
}

// readInput loads one input. Source queries are read as schema, or as the
// task's input_schema before the first batch fixed one.
func (e *env) readInput(in batchInput, t task.Task, schema *columnar.Schema) ([]arrow.Record, error) {
	if in.query == "" {
		return e.resolver.Read(e.ctx, in.loc)
	}
	if schema == nil {
		taskSchema, err := t.Schema()
		if err != nil {
			return nil, fmt.Errorf("postgres inputs need the task input_schema: %w", err)
		}
		schema = taskSchema
	}
	db, err := e.sourceDB()
	if err != nil {
		return nil, err
	}
	loc, err := t.Location()
	if err != nil {
		return nil, err
	}
	record, err := postgres.NewSource(db, loc, e.mem).Fetch(e.ctx, in.query, schema)
	if err != nil {
		return nil, err
	}
	return []arrow.Record{record}, nil
}

func inputLocation(in batchInput, index int) storage.Location {
	if in.query == "" {
		return in.loc
	}
	return storage.Location{Path: fmt.Sprintf("postgres-%d.parquet", index)}
}

func isDir(loc storage.Location) bool {
	if loc.Remote() || loc.Stdio() {
		return false
	}
	info, err := os.Stat(loc.Path)
	return err == nil && info.IsDir()
}

type schemaCmd struct {
	Task  string `required:"" type:"existingfile" help:"Task file (yaml, json or toml)."`
	Input string `help:"Batch to take the input schema from when the task has no input_schema."`
}

func (c *schemaCmd) Run(e *env) error {
	t, err := task.Load(c.Task)
	if err != nil {
		return err
	}
	var input *columnar.Schema
	if len(t.InputSchema) == 0 {
		if c.Input == "" {
			return fmt.Errorf("task %s has no input_schema; pass --input", t.Name)
		}
		loc, err := storage.ParseLocation(c.Input)
		if err != nil {
			return err
		}
		records, err := e.resolver.Read(e.ctx, loc)
		if err != nil {
			return err
		}
		defer releaseAll(records)
		if len(records) == 0 {
			return fmt.Errorf("%s holds no records", loc)
		}
		if input, err = columnar.SchemaFromArrow(records[0].Schema()); err != nil {
			return err
		}
	}
	tx, err := filter.NewTransaction(e.ctx, t, input, filter.Options{Logger: e.logger, Allocator: e.mem})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(e.stdout, "task\t%s\ninput\t%s\noutput\t%s\n%s", t.Name, tx.InputSchema(), tx.OutputSchema(), tx.Describe())
	return nil
}

func releaseAll(records []arrow.Record) {
	for _, record := range records {
		record.Release()
	}
}
