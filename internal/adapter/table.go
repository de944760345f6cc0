package adapter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/duckfilter/internal/columnar"
)

// nullFlagPrefix names the hidden boolean column that marks a null cell in
// the column at the same index. Row table functions cannot write NULL, so the
// scan writes a zero value plus a flag and the view restores the NULL.
const nullFlagPrefix = "__duckfilter_null_"

// TableAdapter exposes the batch bound to a slot as a DuckDB row table
// function.
type TableAdapter struct {
	schema   *columnar.Schema
	types    TypeMap
	slot     *Slot
	rowType  []duckdb.ColumnInfo
	scanType []duckdb.ColumnInfo
	zeros    []any

	mu   sync.Mutex
	open map[*BatchCursor]struct{}
}

func NewTableAdapter(schema *columnar.Schema, types TypeMap, slot *Slot) (*TableAdapter, error) {
	if schema == nil || schema.Len() == 0 {
		return nil, fmt.Errorf("input schema must have at least one column")
	}
	if slot == nil {
		return nil, fmt.Errorf("slot is required")
	}
	flagInfo, err := duckdb.NewTypeInfo(duckdb.TYPE_BOOLEAN)
	if err != nil {
		return nil, err
	}
	rowType := make([]duckdb.ColumnInfo, 0, schema.Len())
	flags := make([]duckdb.ColumnInfo, 0, schema.Len())
	zeros := make([]any, 0, schema.Len())
	for _, column := range schema.Columns() {
		if strings.HasPrefix(column.Name, nullFlagPrefix) {
			return nil, fmt.Errorf("column %q: prefix %s is reserved", column.Name, nullFlagPrefix)
		}
		engineType := types.ToEngineType(column.Type)
		info, err := engineType.TypeInfo()
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", column.Name, err)
		}
		rowType = append(rowType, duckdb.ColumnInfo{Name: column.Name, T: info})
		flags = append(flags, duckdb.ColumnInfo{Name: nullFlag(column.Index), T: flagInfo})
		zeros = append(zeros, engineType.zero())
	}
	return &TableAdapter{
		schema:   schema,
		types:    types,
		slot:     slot,
		rowType:  rowType,
		scanType: append(append([]duckdb.ColumnInfo{}, rowType...), flags...),
		zeros:    zeros,
		open:     make(map[*BatchCursor]struct{}),
	}, nil
}

func nullFlag(index int) string {
	return nullFlagPrefix + strconv.Itoa(index)
}

// selectList is the projection of the view over the scan function: every
// column in schema order, NULL where its flag is set.
func (t *TableAdapter) selectList() string {
	items := make([]string, 0, t.schema.Len())
	for _, column := range t.schema.Columns() {
		name := quoteIdent(column.Name)
		items = append(items, fmt.Sprintf("CASE WHEN %s THEN NULL ELSE %s END AS %s",
			quoteIdent(nullFlag(column.Index)), name, name))
	}
	return strings.Join(items, ", ")
}

func (t *TableAdapter) Schema() *columnar.Schema { return t.schema }

func (t *TableAdapter) RowType() []duckdb.ColumnInfo {
	out := make([]duckdb.ColumnInfo, len(t.rowType))
	copy(out, t.rowType)
	return out
}

// Scan opens a fresh cursor over the batch currently in the slot. With an
// empty slot the cursor yields no rows.
func (t *TableAdapter) Scan() (*BatchCursor, error) {
	binding, ok := t.slot.Load()
	if !ok || binding.Record == nil {
		return NewBatchCursor(t.schema, nil, CursorOptions{Types: t.types}), nil
	}
	reader, err := columnar.NewReader(t.schema, binding.Record)
	if err != nil {
		return nil, fmt.Errorf("open batch: %w", err)
	}
	opts := binding.Options
	opts.Types = t.types
	cursor := NewBatchCursor(t.schema, reader, opts)

	t.mu.Lock()
	t.open[cursor] = struct{}{}
	t.mu.Unlock()
	return cursor, nil
}

func (t *TableAdapter) closeCursor(cursor *BatchCursor) error {
	t.mu.Lock()
	delete(t.open, cursor)
	t.mu.Unlock()
	return cursor.Close()
}

// CloseScans closes cursors the engine abandoned before exhausting them.
func (t *TableAdapter) CloseScans() error {
	t.mu.Lock()
	cursors := make([]*BatchCursor, 0, len(t.open))
	for cursor := range t.open {
		cursors = append(cursors, cursor)
	}
	t.open = make(map[*BatchCursor]struct{})
	t.mu.Unlock()

	var errs []error
	for _, cursor := range cursors {
		if err := cursor.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Function returns the table function DuckDB calls to scan this table.
func (t *TableAdapter) Function() duckdb.RowTableFunction {
	return duckdb.RowTableFunction{
		BindArguments: func(map[string]any, ...any) (duckdb.RowTableSource, error) {
			return &rowSource{table: t}, nil
		},
	}
}

// rowSource is one bound instance of the table function. Init runs once per
// execution and is the scan request.
type rowSource struct {
	table  *TableAdapter
	cursor *BatchCursor
	err    error
}

// ColumnInfos lists the data columns followed by one null flag per column.
func (s *rowSource) ColumnInfos() []duckdb.ColumnInfo {
	out := make([]duckdb.ColumnInfo, len(s.table.scanType))
	copy(out, s.table.scanType)
	return out
}

func (s *rowSource) Cardinality() *duckdb.CardinalityInfo {
	binding, ok := s.table.slot.Load()
	if !ok || binding.Record == nil {
		return nil
	}
	return &duckdb.CardinalityInfo{Cardinality: uint(binding.Record.NumRows()), Exact: true}
}

func (s *rowSource) Init() {
	if s.cursor != nil {
		_ = s.table.closeCursor(s.cursor)
	}
	s.cursor, s.err = s.table.Scan()
}

// FillRow runs inside the engine's scan callback, so a panic is returned as
// the scan error instead of unwinding through cgo.
func (s *rowSource) FillRow(row duckdb.Row) (more bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			more, err = false, fmt.Errorf("scan %s: %v", s.table.schema, recovered)
		}
	}()
	if s.err != nil {
		return false, s.err
	}
	if s.cursor == nil || !s.cursor.Next() {
		if s.cursor != nil {
			if err := s.table.closeCursor(s.cursor); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	values, err := s.cursor.Current()
	if err != nil {
		return false, err
	}
	flags := len(values)
	for i, value := range values {
		isNull := value == nil
		if isNull {
			value = s.table.zeros[i]
		}
		if err := row.SetRowValue(i, value); err != nil {
			return false, fmt.Errorf("column %q: %w", s.table.schema.Column(i).Name, err)
		}
		if err := row.SetRowValue(flags+i, isNull); err != nil {
			return false, fmt.Errorf("column %q null flag: %w", s.table.schema.Column(i).Name, err)
		}
	}
	return true, nil
}
