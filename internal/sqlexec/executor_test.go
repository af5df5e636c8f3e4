package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/switchboard/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memOpLog struct {
	mu      sync.Mutex
	entries []domain.OperationLog
}

func (m *memOpLog) Record(_ context.Context, e *domain.OperationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memOpLog) Recent(_ context.Context, table string, limit int) ([]domain.OperationLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OperationLog
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if table == "" || m.entries[i].TableName == table {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exec.db")
	gdb, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	db, err := gdb.DB()
	if err != nil {
		t.Fatalf("getting sql.DB: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestExecutor(t *testing.T) (*Executor, *memOpLog, *sql.DB) {
	t.Helper()
	db := openSQLite(t)
	oplog := &memOpLog{}
	e := New(db, SQLite{}, Options{OperationLog: oplog, Logger: discardLogger()})
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return e, oplog, db
}

func eventsTable() CreateTable {
	return CreateTable{Table: "events", Columns: []ColumnDef{
		{Name: "title", Type: "VARCHAR(255)", NotNull: true},
		{Name: "location", Type: "TEXT"},
		{Name: "status", Type: "VARCHAR(50)", Default: ""},
	}}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM "user_data__` + table + `"`).Scan(&n); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	return n
}

func tableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, "user_data__"+table).Scan(&n); err != nil {
		t.Fatalf("checking table: %v", err)
	}
	return n > 0
}

func codeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func TestExecute_CreateInsertSelectLast(t *testing.T) {
	e, oplog, db := newTestExecutor(t)
	ctx := context.Background()

	res, err := e.Execute(ctx, uuid.New(),
		eventsTable(),
		Insert{Table: "events", Values: map[string]any{"title": "Meetup", "location": "Lagos"}},
	)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res.Results))
	}
	if !res.Results[0].Applied {
		t.Error("expected create to be applied")
	}
	if res.Results[1].InsertedID != 1 {
		t.Errorf("expected inserted id 1, got %d", res.Results[1].InsertedID)
	}

	if _, err := e.Execute(ctx, uuid.New(), Insert{Table: "events", Values: map[string]any{"title": "Launch"}}); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	res, err = e.Execute(ctx, uuid.New(), SelectLast{Table: "events", Limit: 1})
	if err != nil {
		t.Fatalf("SelectLast: %v", err)
	}
	rows := res.Results[0].Rows
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["title"] != "Launch" {
		t.Errorf("expected most recent row Launch, got %v", rows[0]["title"])
	}
	if countRows(t, db, "events") != 2 {
		t.Errorf("expected 2 rows stored")
	}

	// Every statement of every call is logged.
	if len(oplog.entries) != 4 {
		t.Fatalf("expected 4 operation log entries, got %d", len(oplog.entries))
	}
	for _, entry := range oplog.entries {
		if entry.Status != "success" {
			t.Errorf("entry %s: expected success, got %s", entry.OperationType, entry.Status)
		}
	}
}

func TestExecute_CreateTableIdempotent(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	ctx := context.Background()

	if _, err := e.Execute(ctx, uuid.New(), eventsTable()); err != nil {
		t.Fatalf("first create: %v", err)
	}
	res, err := e.Execute(ctx, uuid.New(), eventsTable())
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if res.Results[0].Applied {
		t.Error("expected repeated create to be a no-op")
	}
	if res.Results[0].Schema == nil || !res.Results[0].Schema.HasColumn("title") {
		t.Error("expected existing schema in result")
	}
}

func TestExecute_CreateTableMergesSystemColumns(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	ctx := context.Background()

	_, err := e.Execute(ctx, uuid.New(), CreateTable{Table: "notes", Columns: []ColumnDef{
		{Name: "id", Type: "SERIAL"},
		{Name: "body", Type: "TEXT"},
	}})
	if err != nil {
		t.Fatalf("create with declared id: %v", err)
	}
	schema, err := e.Introspect(ctx, "notes")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	got := schema.ColumnNames()
	want := []string{"id", "body", "inserted_at"}
	if len(got) != len(want) {
		t.Fatalf("expected columns %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("column %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestExecute_SchemaConflict(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	ctx := context.Background()

	if _, err := e.Execute(ctx, uuid.New(), eventsTable()); err != nil {
		t.Fatalf("create: %v", err)
	}

	conflicting := CreateTable{Table: "events", Columns: []ColumnDef{
		{Name: "title", Type: "INTEGER", NotNull: true},
		{Name: "location", Type: "TEXT"},
		{Name: "status", Type: "VARCHAR(50)"},
	}}
	_, err := e.Execute(ctx, uuid.New(), conflicting)
	if !errors.Is(err, ErrSchemaConflict) {
		t.Fatalf("expected SchemaConflict, got %v", err)
	}

	extra := eventsTable()
	extra.Columns = append(extra.Columns, ColumnDef{Name: "capacity", Type: "INTEGER"})
	if _, err := e.Execute(ctx, uuid.New(), extra); codeOf(err) != CodeSchemaConflict {
		t.Fatalf("expected SchemaConflict for extra column, got %v", err)
	}
}

func TestExecute_UnknownColumnWritesNothing(t *testing.T) {
	e, oplog, db := newTestExecutor(t)
	ctx := context.Background()

	if _, err := e.Execute(ctx, uuid.New(), eventsTable()); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := e.Execute(ctx, uuid.New(), Insert{Table: "events", Values: map[string]any{
		"title":    "Meetup",
		"capacity": 30,
	}})
	var execErr *Error
	if !errors.As(err, &execErr) || execErr.Code != CodeUnknownColumn {
		t.Fatalf("expected UnknownColumn, got %v", err)
	}
	if execErr.Column != "capacity" {
		t.Errorf("expected column capacity, got %q", execErr.Column)
	}
	if n := countRows(t, db, "events"); n != 0 {
		t.Errorf("expected no rows written, got %d", n)
	}
	last := oplog.entries[len(oplog.entries)-1]
	if last.Status != "error" {
		t.Errorf("expected failed call to be logged as error, got %s", last.Status)
	}
}

func TestExecute_UnknownTable(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	ctx := context.Background()

	_, err := e.Execute(ctx, uuid.New(), Insert{Table: "missing", Values: map[string]any{"a": 1}})
	if codeOf(err) != CodeUnknownTable {
		t.Fatalf("expected UnknownTable, got %v", err)
	}
	if _, err := e.Introspect(ctx, "missing"); !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("expected UnknownTable from Introspect, got %v", err)
	}
}

func TestExecute_RollbackWholeCall(t *testing.T) {
	e, oplog, db := newTestExecutor(t)
	ctx := context.Background()

	_, err := e.Execute(ctx, uuid.New(),
		eventsTable(),
		Insert{Table: "events", Values: map[string]any{"title": "Meetup"}},
		Insert{Table: "events", Values: map[string]any{"bogus": "x"}},
	)
	if codeOf(err) != CodeUnknownColumn {
		t.Fatalf("expected UnknownColumn, got %v", err)
	}
	if tableExists(t, db, "events") {
		t.Error("expected create table to be rolled back")
	}

	statuses := map[string]int{}
	for _, entry := range oplog.entries {
		statuses[entry.Status]++
	}
	if statuses["rolled_back"] != 2 || statuses["error"] != 1 {
		t.Errorf("unexpected log statuses %v", statuses)
	}
}

func TestExecute_UpdateIdempotent(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	ctx := context.Background()

	if _, err := e.Execute(ctx, uuid.New(), eventsTable(),
		Insert{Table: "events", Values: map[string]any{"title": "Meetup", "status": "planned"}},
		Insert{Table: "events", Values: map[string]any{"title": "Launch", "status": "planned"}},
	); err != nil {
		t.Fatalf("setup: %v", err)
	}

	update := Update{
		Table: "events",
		Set:   map[string]any{"status": "done"},
		Where: map[string]any{"title": "Meetup"},
	}
	for i := 0; i < 2; i++ {
		res, err := e.Execute(ctx, uuid.New(), update)
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if res.Results[0].RowsAffected != 1 {
			t.Errorf("update %d: expected 1 row affected, got %d", i, res.Results[0].RowsAffected)
		}
	}

	res, err := e.Execute(ctx, uuid.New(), Select{Table: "events", Columns: []string{"title", "status"}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	got := map[any]any{}
	for _, row := range res.Results[0].Rows {
		got[row["title"]] = row["status"]
	}
	if got["Meetup"] != "done" || got["Launch"] != "planned" {
		t.Errorf("unexpected state after update: %v", got)
	}
}

func TestExecute_Rejections(t *testing.T) {
	tests := []struct {
		name string
		stmt Statement
	}{
		{"injection in table", Insert{Table: "events; DROP TABLE x", Values: map[string]any{"a": 1}}},
		{"reserved prefix", Describe{Table: "pg_catalog"}},
		{"invalid column", Insert{Table: "events", Values: map[string]any{"a b": 1}}},
		{"empty insert", Insert{Table: "events"}},
		{"update without filter", Update{Table: "events", Set: map[string]any{"a": 1}}},
		{"write system column", Insert{Table: "events", Values: map[string]any{"id": 5}}},
		{"non scalar value", Insert{Table: "events", Values: map[string]any{"tags": []any{"a"}}}},
		{"unsupported type", CreateTable{Table: "t", Columns: []ColumnDef{{Name: "a", Type: "jsonb"}}}},
		{"missing type", CreateTable{Table: "t", Columns: []ColumnDef{{Name: "a"}}}},
		{"serial on user column", CreateTable{Table: "t", Columns: []ColumnDef{{Name: "a", Type: "serial"}}}},
		{"text id", CreateTable{Table: "t", Columns: []ColumnDef{{Name: "id", Type: "text"}, {Name: "a", Type: "text"}}}},
		{"string default", CreateTable{Table: "t", Columns: []ColumnDef{{Name: "a", Type: "text", Default: "'x'); DROP TABLE t; --"}}}},
		{"duplicate column", CreateTable{Table: "t", Columns: []ColumnDef{{Name: "a", Type: "text"}, {Name: "A", Type: "text"}}}},
		{"no user columns", CreateTable{Table: "t", Columns: []ColumnDef{{Name: "id", Type: "integer"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// No store is reachable: any query would fail the test.
			e := New(nil, SQLite{}, Options{Logger: discardLogger()})
			_, err := e.Execute(context.Background(), uuid.New(), tt.stmt)
			if codeOf(err) != CodeStatementRejected {
				t.Fatalf("expected StatementRejected, got %v", err)
			}
		})
	}
}

func TestExecute_RowLimits(t *testing.T) {
	db := openSQLite(t)
	e := New(db, SQLite{}, Options{DefaultRows: 2, MaxRows: 3, Logger: discardLogger()})
	ctx := context.Background()

	stmts := []Statement{CreateTable{Table: "items", Columns: []ColumnDef{{Name: "n", Type: "integer"}}}}
	for i := 0; i < 5; i++ {
		stmts = append(stmts, Insert{Table: "items", Values: map[string]any{"n": float64(i)}})
	}
	if _, err := e.Execute(ctx, uuid.New(), stmts...); err != nil {
		t.Fatalf("setup: %v", err)
	}

	res, err := e.Execute(ctx, uuid.New(), Select{Table: "items"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(res.Results[0].Rows) != 2 {
		t.Errorf("expected default of 2 rows, got %d", len(res.Results[0].Rows))
	}

	res, err = e.Execute(ctx, uuid.New(), SelectLast{Table: "items", Limit: 50})
	if err != nil {
		t.Fatalf("select_last: %v", err)
	}
	rows := res.Results[0].Rows
	if len(rows) != 3 {
		t.Fatalf("expected clamp to 3 rows, got %d", len(rows))
	}
	if rows[0]["n"] != int64(4) {
		t.Errorf("expected newest row first, got %v", rows[0]["n"])
	}
}

func TestExecute_CoercionRejectsMismatch(t *testing.T) {
	e, _, db := newTestExecutor(t)
	ctx := context.Background()

	if _, err := e.Execute(ctx, uuid.New(), CreateTable{Table: "scores", Columns: []ColumnDef{
		{Name: "points", Type: "integer"},
		{Name: "active", Type: "boolean"},
	}}); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := e.Execute(ctx, uuid.New(), Insert{Table: "scores", Values: map[string]any{"points": 1.5}})
	if codeOf(err) != CodeStatementRejected {
		t.Fatalf("expected StatementRejected for fractional integer, got %v", err)
	}
	_, err = e.Execute(ctx, uuid.New(), Insert{Table: "scores", Values: map[string]any{"active": "maybe"}})
	if codeOf(err) != CodeStatementRejected {
		t.Fatalf("expected StatementRejected for bad boolean, got %v", err)
	}
	if countRows(t, db, "scores") != 0 {
		t.Error("expected no rows after rejected inserts")
	}
}

func TestDescribe(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	ctx := context.Background()

	if _, err := e.Execute(ctx, uuid.New(), eventsTable()); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := e.Execute(ctx, uuid.New(), Describe{Table: "EVENTS"})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	schema := res.Results[0].Schema
	title, ok := schema.Column("title")
	if !ok {
		t.Fatal("expected title column")
	}
	if !title.NotNull || title.Type.Family != FamilyString {
		t.Errorf("unexpected title column %+v", title)
	}
	id, _ := schema.Column("id")
	if !id.System {
		t.Error("expected id to be a system column")
	}
}
