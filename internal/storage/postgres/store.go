package postgres

import (
	"context"
	"database/sql"
	"sync"

	"github.com/jkaninda/switchboard/internal/chat"
	"github.com/jkaninda/switchboard/internal/sqlexec"
	"github.com/jkaninda/switchboard/internal/storage"
	"github.com/jkaninda/switchboard/internal/ticket"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu            sync.Mutex
	tickets       ticket.Store
	conversations chat.ConversationStore
	opLogs        sqlexec.OperationLogStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via AutoMigrate.
	return nil
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) SQLDB() (*sql.DB, error) {
	return s.pgDB.SqlDB()
}

// DB returns the wrapped connection for direct access when needed.
func (s *Store) DB() *DB {
	return s.pgDB
}

// --- Sub-store accessors ---

func (s *Store) Tickets() ticket.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tickets == nil {
		s.tickets = NewTicketRepository(s.pgDB.GormDB())
	}
	return s.tickets
}

func (s *Store) Conversations() chat.ConversationStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversations == nil {
		s.conversations = NewConversationRepository(s.pgDB.GormDB())
	}
	return s.conversations
}

func (s *Store) OperationLogs() sqlexec.OperationLogStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opLogs == nil {
		s.opLogs = NewOperationLogRepository(s.pgDB.GormDB())
	}
	return s.opLogs
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
