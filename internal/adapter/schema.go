package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/duckfilter/internal/columnar"
)

const (
	// PageSchema is the engine schema the input batch is published under.
	PageSchema = "page"
	// PageTable is the name queries use to reference the input batch.
	PageTable = "pages"

	scanFunctionPrefix = "duckfilter_scan_"
)

// SchemaAdapter publishes its tables on a DuckDB connection.
type SchemaAdapter struct {
	name   string
	tables map[string]*TableAdapter
}

// Tables returns the tables the schema exposes, keyed by name.
func (s *SchemaAdapter) Tables() map[string]*TableAdapter {
	out := make(map[string]*TableAdapter, len(s.tables))
	for name, table := range s.tables {
		out[name] = table
	}
	return out
}

func (s *SchemaAdapter) Name() string { return s.name }

// Table returns the table queries read from when the schema has one.
func (s *SchemaAdapter) Table(name string) (*TableAdapter, bool) {
	table, ok := s.tables[name]
	return table, ok
}

// Install registers one table function per table on conn and creates a view
// named after the table inside the schema. The view hides the null flags.
func (s *SchemaAdapter) Install(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(s.name)); err != nil {
		return fmt.Errorf("create schema %s: %w", s.name, err)
	}
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		function := scanFunctionPrefix + name
		if err := duckdb.RegisterTableUDF(conn, function, s.tables[name].Function()); err != nil {
			return fmt.Errorf("register table function %s: %w", function, err)
		}
		view := fmt.Sprintf("CREATE OR REPLACE VIEW %s.%s AS SELECT %s FROM %s()",
			quoteIdent(s.name), quoteIdent(name), s.tables[name].selectList(), function)
		if _, err := conn.ExecContext(ctx, view); err != nil {
			return fmt.Errorf("create view %s.%s: %w", s.name, name, err)
		}
	}
	return nil
}

// CloseScans closes every cursor left open by an interrupted query.
func (s *SchemaAdapter) CloseScans() error {
	var firstErr error
	for _, table := range s.tables {
		if err := table.CloseScans(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SchemaFactory builds the schema adapter for an input schema.
type SchemaFactory func(input *columnar.Schema, types TypeMap, slot *Slot) (*SchemaAdapter, error)

var schemaFactories = map[string]SchemaFactory{
	PageSchema: NewPageSchema,
}

// LookupSchemaFactory returns the factory registered under name.
func LookupSchemaFactory(name string) (SchemaFactory, error) {
	factory, ok := schemaFactories[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown schema factory %q", name)
	}
	return factory, nil
}

// NewPageSchema exposes the input batch as the single table page.pages.
func NewPageSchema(input *columnar.Schema, types TypeMap, slot *Slot) (*SchemaAdapter, error) {
	table, err := NewTableAdapter(input, types, slot)
	if err != nil {
		return nil, err
	}
	return &SchemaAdapter{name: PageSchema, tables: map[string]*TableAdapter{PageTable: table}}, nil
}

func quoteIdent(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
