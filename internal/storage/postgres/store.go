package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/idhini/internal/action"
	"github.com/jkaninda/idhini/internal/conversation"
	"github.com/jkaninda/idhini/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu            sync.Mutex
	proposals     action.ProposalStore
	conversations conversation.Store
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

// Migrate runs GORM AutoMigrate to create/update tables.
func (s *Store) Migrate(_ context.Context) error {
	return AutoMigrate(s.pgDB.GormDB())
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// GormDB returns the underlying GORM DB for direct access when needed.
func (s *Store) GormDB() *DB {
	return s.pgDB
}

// --- Sub-store accessors ---

func (s *Store) Proposals() action.ProposalStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proposals == nil {
		s.proposals = NewProposalRepository(s.pgDB.GormDB())
	}
	return s.proposals
}

func (s *Store) Conversations() conversation.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversations == nil {
		s.conversations = NewConversationRepository(s.pgDB.GormDB())
	}
	return s.conversations
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
