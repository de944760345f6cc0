package getter

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ResultRow is one engine result row. Ordinals are 1-based.
type ResultRow interface {
	Value(ordinal int) (any, error)
	// Timestamp reads a timestamp cell. Zone-naive values are interpreted as
	// wall clock time in loc. ok is false for null cells.
	Timestamp(ordinal int, loc *time.Location) (t time.Time, ok bool, err error)
}

// ResultColumn describes one column of a query result.
type ResultColumn struct {
	Name    string
	SQLType string
}

// ColumnsOf describes the columns of rows.
func ColumnsOf(rows *sql.Rows) ([]ResultColumn, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("read result columns: %w", err)
	}
	columns := make([]ResultColumn, len(types))
	for i, columnType := range types {
		columns[i] = ResultColumn{Name: columnType.Name(), SQLType: columnType.DatabaseTypeName()}
	}
	return columns, nil
}

// RowScanner scans *sql.Rows into reusable ResultRows.
type RowScanner struct {
	columns []ResultColumn
	values  []any
	dest    []any
}

func NewRowScanner(columns []ResultColumn) *RowScanner {
	values := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	return &RowScanner{columns: columns, values: values, dest: dest}
}

// Scan reads the current row of rows. The returned row is valid until the
// next call to Scan.
func (s *RowScanner) Scan(rows *sql.Rows) (ResultRow, error) {
	for i := range s.values {
		s.values[i] = nil
	}
	if err := rows.Scan(s.dest...); err != nil {
		return nil, err
	}
	return scannedRow{scanner: s}, nil
}

type scannedRow struct {
	scanner *RowScanner
}

func (r scannedRow) Value(ordinal int) (any, error) {
	if ordinal < 1 || ordinal > len(r.scanner.values) {
		return nil, fmt.Errorf("ordinal %d out of range [1,%d]", ordinal, len(r.scanner.values))
	}
	return r.scanner.values[ordinal-1], nil
}

func (r scannedRow) Timestamp(ordinal int, loc *time.Location) (time.Time, bool, error) {
	raw, err := r.Value(ordinal)
	if err != nil || raw == nil {
		return time.Time{}, false, err
	}
	t, err := asTime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	if loc == nil || zoneAware(r.scanner.columns[ordinal-1].SQLType) {
		return t, true, nil
	}
	return inLocation(t, loc), true, nil
}

// inLocation keeps the wall clock fields of t and reads them in loc.
func inLocation(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

func zoneAware(sqlType string) bool {
	switch normalizeSQLType(sqlType) {
	case "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE", "TIMETZ", "TIME WITH TIME ZONE":
		return true
	default:
		return false
	}
}

func normalizeSQLType(sqlType string) string {
	normalized := strings.ToUpper(strings.TrimSpace(sqlType))
	if i := strings.IndexByte(normalized, '('); i > 0 {
		normalized = strings.TrimSpace(normalized[:i])
	}
	return normalized
}
