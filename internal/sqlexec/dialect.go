package sqlexec

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for dedicated data connections.
)

// Dialect isolates the SQL differences between supported stores. Every
// method receives only normalized identifiers.
type Dialect interface {
	Name() string
	Placeholder() sq.PlaceholderFormat

	// QualifiedTable returns the quoted reference to a generic table.
	QualifiedTable(namespace, table string) string

	// NamespaceDDL returns the statements that make the namespace usable.
	NamespaceDDL(namespace string) []string

	// ColumnsQuery returns a query yielding (name, type, is_nullable, default)
	// rows in column order, with is_nullable reported as 'YES' or 'NO'.
	ColumnsQuery(namespace, table string) (string, []any)

	IDColumnDDL() string
	InsertedAtDDL() string
	RenderType(t ColumnType) string

	// SQLState extracts a SQLSTATE-like code from a driver error, or "".
	SQLState(err error) string
}

// Postgres places generic tables in a dedicated schema.
type Postgres struct{}

func (Postgres) Name() string                      { return "postgres" }
func (Postgres) Placeholder() sq.PlaceholderFormat { return sq.Dollar }

func (Postgres) QualifiedTable(namespace, table string) string {
	return quoteIdent(namespace) + "." + quoteIdent(table)
}

func (Postgres) NamespaceDDL(namespace string) []string {
	return []string{"CREATE SCHEMA IF NOT EXISTS " + quoteIdent(namespace)}
}

func (Postgres) ColumnsQuery(namespace, table string) (string, []any) {
	return `SELECT column_name, data_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`, []any{namespace, table}
}

func (Postgres) IDColumnDDL() string {
	return quoteIdent(ColumnID) + " BIGSERIAL PRIMARY KEY"
}

func (Postgres) InsertedAtDDL() string {
	return quoteIdent(ColumnInsertedAt) + " TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP"
}

func (Postgres) RenderType(t ColumnType) string { return t.SQL() }

func (Postgres) SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// SQLite has no schemas, so generic tables share the database file under a
// "<namespace>__" name prefix. System tables never carry the prefix.
type SQLite struct{}

func (SQLite) Name() string                      { return "sqlite" }
func (SQLite) Placeholder() sq.PlaceholderFormat { return sq.Question }

func (SQLite) QualifiedTable(namespace, table string) string {
	return quoteIdent(sqlitePhysicalName(namespace, table))
}

func (SQLite) NamespaceDDL(string) []string { return nil }

func (SQLite) ColumnsQuery(namespace, table string) (string, []any) {
	return `SELECT name, type, CASE WHEN "notnull" = 1 THEN 'NO' ELSE 'YES' END, dflt_value
FROM pragma_table_info(?)
ORDER BY cid`, []any{sqlitePhysicalName(namespace, table)}
}

func (SQLite) IDColumnDDL() string {
	return quoteIdent(ColumnID) + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (SQLite) InsertedAtDDL() string {
	return quoteIdent(ColumnInsertedAt) + " TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP"
}

func (SQLite) RenderType(t ColumnType) string { return t.SQL() }

func (SQLite) SQLState(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "constraint failed"):
		return "23000"
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return "40001"
	}
	return ""
}

func sqlitePhysicalName(namespace, table string) string {
	return namespace + "__" + table
}

// DialectFor returns the dialect for a storage driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres":
		return Postgres{}, nil
	case "sqlite":
		return SQLite{}, nil
	}
	return nil, fmt.Errorf("no sql dialect for driver %q", driver)
}

// OpenPostgres opens a dedicated pgx-backed pool for generic tables, used
// when the data namespace lives outside the system database.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening data database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging data database: %w", err)
	}
	return db, nil
}
