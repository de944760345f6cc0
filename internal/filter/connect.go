package filter

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/duckfilter/internal/adapter"
	"github.com/duckmesh/duckfilter/internal/columnar"
	"github.com/duckmesh/duckfilter/internal/task"
)

var settingName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// engine is one in-memory DuckDB database. All statements run on a single
// pinned connection, the one the input table function is registered on.
type engine struct {
	db     *sql.DB
	conn   *sql.Conn
	slot   *adapter.Slot
	schema *adapter.SchemaAdapter
}

// setupStatements lists the statements every new engine connection runs:
// the session time zone, the task options in key order, then the input
// schema as the default schema.
func setupStatements(t task.Task) ([]string, error) {
	loc, err := t.Location()
	if err != nil {
		return nil, err
	}
	statements := []string{"SET TimeZone = " + quoteLiteral(loc.String())}
	for _, option := range t.SortedOptions() {
		key, value := option[0], option[1]
		if !settingName.MatchString(key) {
			return nil, fmt.Errorf("invalid option name %q", key)
		}
		statements = append(statements, fmt.Sprintf("SET %s = %s", key, quoteLiteral(value)))
	}
	schema := quoteIdent(adapter.PageSchema)
	statements = append(statements,
		"CREATE SCHEMA IF NOT EXISTS "+schema,
		"SET search_path = "+quoteLiteral(adapter.PageSchema),
	)
	return statements, nil
}

func connect(ctx context.Context, t task.Task, input *columnar.Schema, types adapter.TypeMap) (*engine, error) {
	statements, err := setupStatements(t)
	if err != nil {
		return nil, &ConfigError{Op: "engine options", Err: err}
	}
	factory, err := adapter.LookupSchemaFactory(adapter.PageSchema)
	if err != nil {
		return nil, &ConfigError{Op: "schema factory", Err: err}
	}
	slot := adapter.NewSlot()
	schema, err := factory(input, types, slot)
	if err != nil {
		return nil, &ConfigError{Op: "input schema", Err: err}
	}

	connector, err := duckdb.NewConnector("", func(execer driver.ExecerContext) error {
		for _, statement := range statements {
			if _, err := execer.ExecContext(context.Background(), statement, nil); err != nil {
				return fmt.Errorf("%s: %w", statement, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, &ConnectionError{Op: "open duckdb", Err: err}
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, &ConnectionError{Op: "connect", Err: err}
	}
	if err := schema.Install(ctx, conn); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, &ConnectionError{Op: "install input schema", Err: err}
	}
	return &engine{db: db, conn: conn, slot: slot, schema: schema}, nil
}

func (e *engine) Close() error {
	return errors.Join(e.schema.CloseScans(), e.conn.Close(), e.db.Close())
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
