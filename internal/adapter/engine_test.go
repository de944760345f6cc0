package adapter

import (
	"context"
	"database/sql"
	"math/big"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/duckfilter/internal/columnar"
)

// scanDeadline bounds each engine round trip so a wedged scan callback fails
// the test instead of stalling the package.
const scanDeadline = 20 * time.Second

func allTypesSchema() *columnar.Schema {
	return columnar.MustSchema(
		columnar.Field{Name: "flag", Type: columnar.Boolean},
		columnar.Field{Name: "id", Type: columnar.Long},
		columnar.Field{Name: "score", Type: columnar.Double},
		columnar.Field{Name: "name", Type: columnar.String},
		columnar.Field{Name: "doc", Type: columnar.JSON},
		columnar.Field{Name: "at", Type: columnar.Timestamp},
	)
}

type installedPage struct {
	conn  *sql.Conn
	slot  *Slot
	table *TableAdapter
}

func installPage(t *testing.T, schema *columnar.Schema, types TypeMap) installedPage {
	t.Helper()
	connector, err := duckdb.NewConnector("", nil)
	if err != nil {
		t.Fatalf("NewConnector() error = %v", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), scanDeadline)
	defer cancel()
	conn, err := db.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	slot := NewSlot()
	page, err := NewPageSchema(schema, types, slot)
	if err != nil {
		t.Fatalf("NewPageSchema() error = %v", err)
	}
	if err := page.Install(ctx, conn); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	table, _ := page.Table(PageTable)
	t.Cleanup(func() { _ = page.CloseScans() })
	return installedPage{conn: conn, slot: slot, table: table}
}

// queryRows runs query against the bound batch and returns every row. The
// query runs on its own goroutine so a hang is reported as a failure.
func queryRows(t *testing.T, conn *sql.Conn, query string, width int) [][]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), scanDeadline)
	defer cancel()

	type result struct {
		rows [][]any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer rows.Close()
		var out [][]any
		for rows.Next() {
			row := make([]any, width)
			dest := make([]any, width)
			for i := range row {
				dest[i] = &row[i]
			}
			if err := rows.Scan(dest...); err != nil {
				done <- result{err: err}
				return
			}
			out = append(out, row)
		}
		done <- result{rows: out, err: rows.Err()}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("query %q error = %v", query, res.err)
		}
		return res.rows
	case <-time.After(scanDeadline + 5*time.Second):
		t.Fatalf("query %q did not finish", query)
		return nil
	}
}

func bindRecord(t *testing.T, slot *Slot, record arrow.Record) {
	t.Helper()
	release, err := slot.Bind(Binding{Record: record, Options: CursorOptions{Location: time.UTC}})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	t.Cleanup(release)
}

func TestPageScanPassesEveryTypeAndNull(t *testing.T) {
	schema := allTypesSchema()
	page := installPage(t, schema, DefaultTypeMap())

	instant := time.Date(2024, 3, 10, 1, 30, 0, 500, time.UTC)
	record := buildRecord(t, schema, [][]columnar.Value{
		{columnar.BoolValue(true), columnar.LongValue(7), columnar.DoubleValue(0.25), columnar.StringValue("x"), columnar.JSONValue(`{"a":1}`), columnar.TimestampValue(instant)},
		{columnar.NullValue(), columnar.NullValue(), columnar.NullValue(), columnar.NullValue(), columnar.NullValue(), columnar.NullValue()},
		{columnar.BoolValue(false), columnar.LongValue(0), columnar.DoubleValue(0), columnar.StringValue(""), columnar.JSONValue(`null`), columnar.TimestampValue(time.Unix(0, 0).UTC())},
	})
	defer record.Release()
	bindRecord(t, page.slot, record)

	rows := queryRows(t, page.conn, `SELECT flag, id, score, name, doc, at FROM page.pages`, schema.Len())
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}

	first := rows[0]
	if first[0] != true || first[1] != int64(7) || first[3] != "x" || first[4] != `{"a":1}` {
		t.Fatalf("first row = %#v", first)
	}
	score, ok := first[2].(duckdb.Decimal)
	if !ok || score.Value.Cmp(big.NewInt(250000000)) != 0 || score.Scale != DefaultDecimalScale {
		t.Fatalf("score = %#v", first[2])
	}
	if at, ok := first[5].(time.Time); !ok || !at.Equal(instant) {
		t.Fatalf("at = %#v, want %v", first[5], instant)
	}

	for i, value := range rows[1] {
		if value != nil {
			t.Fatalf("null row column %s = %#v, want nil", schema.Column(i).Name, value)
		}
	}
	for i, value := range rows[2] {
		if value == nil {
			t.Fatalf("zero row column %s came back NULL", schema.Column(i).Name)
		}
	}
}

func TestPageScanProjectsSubsetsWithNulls(t *testing.T) {
	schema := allTypesSchema()
	page := installPage(t, schema, DefaultTypeMap())

	record := buildRecord(t, schema, [][]columnar.Value{
		{columnar.BoolValue(true), columnar.LongValue(1), columnar.NullValue(), columnar.StringValue("a"), columnar.NullValue(), columnar.NullValue()},
		{columnar.NullValue(), columnar.LongValue(2), columnar.DoubleValue(1.5), columnar.NullValue(), columnar.JSONValue(`[]`), columnar.NullValue()},
		{columnar.BoolValue(false), columnar.NullValue(), columnar.DoubleValue(2), columnar.StringValue("c"), columnar.NullValue(), columnar.NullValue()},
	})
	defer record.Release()
	bindRecord(t, page.slot, record)

	rows := queryRows(t, page.conn, `SELECT name FROM page.pages WHERE score IS NULL OR id IS NULL ORDER BY name`, 1)
	if len(rows) != 2 || rows[0][0] != "a" || rows[1][0] != "c" {
		t.Fatalf("rows = %#v", rows)
	}
	rows = queryRows(t, page.conn, `SELECT count(*), count(flag), count(doc), count(at) FROM page.pages`, 4)
	if len(rows) != 1 {
		t.Fatalf("rows = %#v", rows)
	}
	want := []int64{3, 2, 1, 0}
	for i, value := range rows[0] {
		if value != want[i] {
			t.Fatalf("counts = %#v, want %v", rows[0], want)
		}
	}
	if got := queryRows(t, page.conn, `SELECT * FROM page.pages LIMIT 1`, schema.Len()); len(got) != 1 || len(got[0]) != schema.Len() {
		t.Fatalf("SELECT * = %#v", got)
	}
}

func TestPageScanNativeDoubleNull(t *testing.T) {
	types, err := NewTypeMap(DoubleNative, 0)
	if err != nil {
		t.Fatalf("NewTypeMap() error = %v", err)
	}
	schema := columnar.MustSchema(columnar.Field{Name: "ratio", Type: columnar.Double})
	page := installPage(t, schema, types)

	record := buildRecord(t, schema, [][]columnar.Value{{columnar.DoubleValue(0.5)}, {columnar.NullValue()}})
	defer record.Release()
	bindRecord(t, page.slot, record)

	rows := queryRows(t, page.conn, `SELECT ratio FROM page.pages`, 1)
	if len(rows) != 2 || rows[0][0] != 0.5 || rows[1][0] != nil {
		t.Fatalf("rows = %#v", rows)
	}
}

func TestPreparedScanRebindsAndClosesCursors(t *testing.T) {
	schema := columnar.MustSchema(
		columnar.Field{Name: "id", Type: columnar.Long},
		columnar.Field{Name: "name", Type: columnar.String},
	)
	page := installPage(t, schema, DefaultTypeMap())

	ctx, cancel := context.WithTimeout(context.Background(), scanDeadline)
	defer cancel()
	stmt, err := page.conn.PrepareContext(ctx, `SELECT id, name FROM page.pages WHERE id > 1`)
	if err != nil {
		t.Fatalf("PrepareContext() error = %v", err)
	}
	defer stmt.Close()

	batches := [][][]columnar.Value{
		{{columnar.LongValue(1), columnar.StringValue("a")}, {columnar.LongValue(2), columnar.NullValue()}},
		{{columnar.LongValue(3), columnar.StringValue("c")}, {columnar.NullValue(), columnar.StringValue("d")}, {columnar.LongValue(4), columnar.StringValue("e")}},
	}
	wantCounts := []int{1, 2}
	for i, values := range batches {
		record := buildRecord(t, schema, values)
		release, err := page.slot.Bind(Binding{Record: record})
		if err != nil {
			t.Fatalf("Bind() error = %v", err)
		}
		rows, err := stmt.QueryContext(ctx)
		if err != nil {
			t.Fatalf("batch %d QueryContext() error = %v", i, err)
		}
		count := 0
		for rows.Next() {
			var id int64
			var name sql.NullString
			if err := rows.Scan(&id, &name); err != nil {
				t.Fatalf("batch %d Scan() error = %v", i, err)
			}
			if id == 2 && name.Valid {
				t.Fatalf("batch %d: null name came back as %q", i, name.String)
			}
			count++
		}
		if err := rows.Err(); err != nil {
			t.Fatalf("batch %d rows error = %v", i, err)
		}
		_ = rows.Close()
		release()
		record.Release()
		if count != wantCounts[i] {
			t.Fatalf("batch %d rows = %d, want %d", i, count, wantCounts[i])
		}
	}

	page.table.mu.Lock()
	open := len(page.table.open)
	page.table.mu.Unlock()
	if open != 0 {
		t.Fatalf("open cursors after exhausted scans = %d", open)
	}
}

func TestScanReportsBadBindingAsQueryError(t *testing.T) {
	schema := columnar.MustSchema(columnar.Field{Name: "id", Type: columnar.Long})
	page := installPage(t, schema, DefaultTypeMap())

	other := columnar.MustSchema(columnar.Field{Name: "id", Type: columnar.String})
	record := buildRecord(t, other, [][]columnar.Value{{columnar.StringValue("x")}})
	defer record.Release()
	bindRecord(t, page.slot, record)

	ctx, cancel := context.WithTimeout(context.Background(), scanDeadline)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		rows, err := page.conn.QueryContext(ctx, `SELECT id FROM page.pages`)
		if err == nil {
			for rows.Next() {
			}
			err = rows.Err()
			_ = rows.Close()
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected scan error for mismatched batch")
		}
	case <-time.After(scanDeadline + 5*time.Second):
		t.Fatalf("scan with mismatched batch did not finish")
	}
}

func TestNewTableAdapterRejectsReservedColumnName(t *testing.T) {
	schema := columnar.MustSchema(columnar.Field{Name: nullFlag(0), Type: columnar.Boolean})
	if _, err := NewTableAdapter(schema, DefaultTypeMap(), NewSlot()); err == nil {
		t.Fatalf("expected reserved name error")
	}
}
