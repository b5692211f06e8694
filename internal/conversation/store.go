package conversation

import (
	"context"
	"sync"

	"github.com/jkaninda/idhini/internal/llm"
)

// DefaultMaxHistoryMessages bounds how much history a turn loads when no
// explicit limit is configured.
const DefaultMaxHistoryMessages = 100

// Store persists conversation history.
type Store interface {
	// GetOrCreate ensures the conversation exists.
	GetOrCreate(ctx context.Context, conversationID string) error

	// AppendMessages atomically appends one or more messages.
	AppendMessages(ctx context.Context, conversationID string, msgs []llm.Message) error

	// LoadHistory returns the most recent messages for a conversation,
	// up to maxMessages, ordered oldest-first.
	LoadHistory(ctx context.Context, conversationID string, maxMessages int) ([]llm.Message, error)
}

// MemoryStore implements Store without persistence. History is lost on
// restart. Used when no database is configured, and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[string][]llm.Message
}

// NewMemoryStore creates an ephemeral conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{history: make(map[string][]llm.Message)}
}

func (s *MemoryStore) GetOrCreate(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.history[conversationID]; !ok {
		s.history[conversationID] = nil
	}
	return nil
}

func (s *MemoryStore) AppendMessages(_ context.Context, conversationID string, msgs []llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[conversationID] = append(s.history[conversationID], msgs...)
	return nil
}

func (s *MemoryStore) LoadHistory(_ context.Context, conversationID string, maxMessages int) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.history[conversationID]
	if maxMessages > 0 && len(hist) > maxMessages {
		hist = hist[len(hist)-maxMessages:]
	}

	cp := make([]llm.Message, len(hist))
	copy(cp, hist)
	return cp, nil
}

var _ Store = (*MemoryStore)(nil)
