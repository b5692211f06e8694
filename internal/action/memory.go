package action

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ProposalStore. Thread-safe. Used in tests and
// when the service runs without a database configured.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[string]*Proposal
	byKey map[string]string // idempotency key -> proposal id
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory proposal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[string]*Proposal),
		byKey: make(map[string]string),
		now:   time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[p.IdempotencyKey]; exists {
		return ErrDuplicateKey
	}
	cp := clone(p)
	s.rows[p.ID] = cp
	s.byKey[p.IdempotencyKey] = p.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(row), nil
}

func (s *MemoryStore) ListByConversation(_ context.Context, conversationID string) ([]*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Proposal
	for _, row := range s.rows {
		if row.ConversationID == conversationID {
			result = append(result, clone(row))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListStale(_ context.Context, state State, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, row := range s.rows {
		if row.State == state && row.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Transition performs the compare-and-set under the store mutex, which gives
// the same single-winner guarantee a database row update provides.
func (s *MemoryStore) Transition(_ context.Context, id string, from, to State, mutate func(*Proposal)) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok || row.State != from {
		return nil, ErrNotFound
	}
	row.State = to
	row.UpdatedAt = s.now().UTC()
	if mutate != nil {
		mutate(row)
	}
	return clone(row), nil
}

func clone(p *Proposal) *Proposal {
	cp := *p
	if p.Arguments != nil {
		cp.Arguments = make(map[string]any, len(p.Arguments))
		for k, v := range p.Arguments {
			cp.Arguments[k] = v
		}
	}
	cp.Preview = append([]PreviewField(nil), p.Preview...)
	return &cp
}

var _ ProposalStore = (*MemoryStore)(nil)
