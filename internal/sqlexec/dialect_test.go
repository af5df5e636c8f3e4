package sqlexec

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgColumnsQuery = `SELECT column_name, data_type, is_nullable, column_default
FROM information_schema.columns`

func newMockExecutor(t *testing.T) (*Executor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("creating sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, Postgres{}, Options{Logger: discardLogger()}), mock
}

func eventsColumns() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable", "column_default"}).
		AddRow("id", "bigint", "NO", "nextval('user_data.events_id_seq'::regclass)").
		AddRow("title", "character varying", "NO", nil).
		AddRow("inserted_at", "timestamp with time zone", "NO", "CURRENT_TIMESTAMP")
}

func TestPostgres_Init(t *testing.T) {
	e, mock := newMockExecutor(t)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS "user_data"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgres_InsertQualifiedAndBound(t *testing.T) {
	e, mock := newMockExecutor(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(pgColumnsQuery)).
		WithArgs("user_data", "events").
		WillReturnRows(eventsColumns())
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "user_data"."events" ("title") VALUES ($1) RETURNING "id"`)).
		WithArgs("Robert'); DROP TABLE events;--").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit()

	res, err := e.Execute(context.Background(), uuid.New(), Insert{
		Table:  "Events",
		Values: map[string]any{"Title": "Robert'); DROP TABLE events;--"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Results[0].InsertedID != 7 {
		t.Errorf("expected inserted id 7, got %d", res.Results[0].InsertedID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgres_CreateTableDDL(t *testing.T) {
	e, mock := newMockExecutor(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(pgColumnsQuery)).
		WithArgs("user_data", "events").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable", "column_default"}))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE "user_data"."events" ("id" BIGSERIAL PRIMARY KEY, "title" VARCHAR(255) NOT NULL, "starts_at" TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP, "inserted_at" TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP)`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	_, err := e.Execute(context.Background(), uuid.New(), CreateTable{Table: "events", Columns: []ColumnDef{
		{Name: "title", Type: "varchar(255)", NotNull: true},
		{Name: "starts_at", Type: "timestamptz", Default: "now()"},
	}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgres_StoreFailureRollsBack(t *testing.T) {
	e, mock := newMockExecutor(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(pgColumnsQuery)).
		WithArgs("user_data", "events").
		WillReturnRows(eventsColumns())
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "user_data"."events"`)).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	_, err := e.Execute(context.Background(), uuid.New(), Insert{Table: "events", Values: map[string]any{"title": "x"}})
	var execErr *Error
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if execErr.Code != CodeExecutionError || execErr.SQLState != "23505" {
		t.Errorf("expected ExecutionError/23505, got %s/%s", execErr.Code, execErr.SQLState)
	}
	if execErr.Transient() {
		t.Error("unique violation should not be transient")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgres_SerializationFailureIsTransient(t *testing.T) {
	e, mock := newMockExecutor(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(pgColumnsQuery)).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()

	_, err := e.Execute(context.Background(), uuid.New(), SelectLast{Table: "events"})
	var execErr *Error
	if !errors.As(err, &execErr) || !execErr.Transient() {
		t.Fatalf("expected transient ExecutionError, got %v", err)
	}
}

func TestPostgres_SelectLastOrdering(t *testing.T) {
	e, mock := newMockExecutor(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(pgColumnsQuery)).
		WillReturnRows(eventsColumns())
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "user_data"."events" WHERE "title" = $1 ORDER BY "inserted_at" DESC, "id" DESC LIMIT 1`)).
		WithArgs("Meetup").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "inserted_at"}).AddRow(3, []byte("Meetup"), nil))
	mock.ExpectCommit()

	res, err := e.Execute(context.Background(), uuid.New(), SelectLast{
		Table: "events",
		Where: map[string]any{"title": "Meetup"},
		Limit: 1,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := res.Results[0].Rows[0]["title"]; got != "Meetup" {
		t.Errorf("expected bytes normalized to string, got %#v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLiteSQLState(t *testing.T) {
	d := SQLite{}
	if got := d.SQLState(errors.New("UNIQUE constraint failed: t.a")); got != "23000" {
		t.Errorf("expected 23000, got %q", got)
	}
	if got := d.SQLState(errors.New("database is locked")); got != "40001" {
		t.Errorf("expected 40001, got %q", got)
	}
	if got := d.SQLState(errors.New("boom")); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestDialectFor(t *testing.T) {
	if d, err := DialectFor("postgres"); err != nil || d.Name() != "postgres" {
		t.Errorf("postgres: %v %v", d, err)
	}
	if d, err := DialectFor("sqlite"); err != nil || d.Name() != "sqlite" {
		t.Errorf("sqlite: %v %v", d, err)
	}
	if _, err := DialectFor("mysql"); err == nil {
		t.Error("expected error for unknown driver")
	}
}
