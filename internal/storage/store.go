// Package storage defines the unified Store interface that abstracts all persistence operations.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"database/sql"

	"github.com/jkaninda/switchboard/internal/chat"
	"github.com/jkaninda/switchboard/internal/sqlexec"
	"github.com/jkaninda/switchboard/internal/ticket"
)

// Store is the unified persistence interface for switchboard.
// Sub-stores share the same underlying connection pool.
type Store interface {
	Tickets() ticket.Store
	Conversations() chat.ConversationStore
	OperationLogs() sqlexec.OperationLogStore

	// SQLDB exposes the pooled *sql.DB used by the generic table executor.
	SQLDB() (*sql.DB, error)
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
