package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no proposal exists for the given id.
	ErrNotFound = errors.New("proposal not found")

	// ErrDuplicateKey is returned when a proposal with the same idempotency
	// key already exists.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)

// TransitionError reports an attempted state change from an illegal source
// state. It always names the attempted edge.
type TransitionError struct {
	ProposalID string
	From       State
	To         State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for proposal %s", e.From, e.To, e.ProposalID)
}

// legalSources maps each target state to the set of states it may be
// entered from. The only backward edge is failed -> executing (retry).
var legalSources = map[State][]State{
	StateApproved:  {StateProposed},
	StateDeclined:  {StateProposed},
	StateExecuting: {StateApproved, StateFailed},
	StateSucceeded: {StateExecuting},
	StateFailed:    {StateExecuting},
}

// CanTransition reports whether the edge from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range legalSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// ProposalStore is the persistence contract for proposals. Implementations
// must make Transition a compare-and-set against the latest persisted row
// (single-writer semantics), so that at most one of two racing transitions
// from the same source state can succeed.
type ProposalStore interface {
	// Create inserts a new proposal. Returns ErrDuplicateKey when the
	// idempotency key collides with an existing row.
	Create(ctx context.Context, p *Proposal) error

	// Get returns the latest persisted row, or ErrNotFound.
	Get(ctx context.Context, id string) (*Proposal, error)

	// ListByConversation returns all proposals for a conversation,
	// ordered by creation time ascending.
	ListByConversation(ctx context.Context, conversationID string) ([]*Proposal, error)

	// ListStale returns ids of rows still in the given state created
	// before the cutoff. Used by the expiry sweeper.
	ListStale(ctx context.Context, state State, cutoff time.Time) ([]string, error)

	// Transition atomically moves the row from `from` to `to`, applying
	// mutate to the row inside the same write. Returns ErrNotFound if the
	// row no longer satisfies `state = from` (a concurrent writer won).
	Transition(ctx context.Context, id string, from, to State, mutate func(*Proposal)) (*Proposal, error)
}

// Machine enforces the proposal transition table over a ProposalStore.
// It is the only mutation path for proposals; callers never update rows
// directly.
type Machine struct {
	store  ProposalStore
	logger *slog.Logger
	now    func() time.Time // overridable in tests
}

// NewMachine creates a state machine over the given store.
func NewMachine(store ProposalStore, logger *slog.Logger) *Machine {
	return &Machine{store: store, logger: logger, now: time.Now}
}

// CreateContext carries the fields needed to create a proposal.
type CreateContext struct {
	ConversationID string
	MessageID      string
	ToolName       string
	Arguments      map[string]any
	Category       string
	Destructive    bool
	Description    string
	Preview        []PreviewField
}

// CreateProposal assigns an id and idempotency key and inserts the row in
// state proposed.
func (m *Machine) CreateProposal(ctx context.Context, cc *CreateContext) (*Proposal, error) {
	now := m.now().UTC()
	p := &Proposal{
		ID:             uuid.New().String(),
		IdempotencyKey: IdempotencyKey(cc.ConversationID, cc.ToolName, cc.Arguments, now),
		ConversationID: cc.ConversationID,
		MessageID:      cc.MessageID,
		ToolName:       cc.ToolName,
		Arguments:      cc.Arguments,
		Category:       cc.Category,
		Destructive:    cc.Destructive,
		Description:    cc.Description,
		Preview:        cc.Preview,
		State:          StateProposed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("creating proposal: %w", err)
	}

	m.logger.InfoContext(ctx, "proposal created",
		slog.String("proposal_id", p.ID),
		slog.String("conversation_id", p.ConversationID),
		slog.String("tool", p.ToolName),
	)
	return p, nil
}

// Approve transitions proposed -> approved.
func (m *Machine) Approve(ctx context.Context, id string) (*Proposal, error) {
	return m.transition(ctx, id, StateApproved, nil)
}

// Decline transitions proposed -> declined. Declined is terminal.
func (m *Machine) Decline(ctx context.Context, id string) (*Proposal, error) {
	return m.transition(ctx, id, StateDeclined, nil)
}

// MarkExecuting transitions approved|failed -> executing. Idempotent: when
// the row is already executing or succeeded it is returned unchanged with
// started=false, which is what makes duplicate approve/execute clicks safe.
func (m *Machine) MarkExecuting(ctx context.Context, id string) (p *Proposal, started bool, err error) {
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if cur.State == StateExecuting || cur.State == StateSucceeded {
		return cur, false, nil
	}
	if !CanTransition(cur.State, StateExecuting) {
		return nil, false, &TransitionError{ProposalID: id, From: cur.State, To: StateExecuting}
	}

	p, err = m.store.Transition(ctx, id, cur.State, StateExecuting, func(row *Proposal) {
		row.Error = ""
	})
	if errors.Is(err, ErrNotFound) {
		// A concurrent caller won the compare-and-set. Re-read and apply
		// the same idempotency rule against the winner's state.
		latest, gerr := m.store.Get(ctx, id)
		if gerr != nil {
			return nil, false, gerr
		}
		if latest.State == StateExecuting || latest.State == StateSucceeded {
			return latest, false, nil
		}
		return nil, false, &TransitionError{ProposalID: id, From: latest.State, To: StateExecuting}
	}
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// MarkSucceeded transitions executing -> succeeded, recording the result
// summary and optional result URL.
func (m *Machine) MarkSucceeded(ctx context.Context, id, result, resultURL string) (*Proposal, error) {
	return m.transition(ctx, id, StateSucceeded, func(row *Proposal) {
		row.Result = result
		row.ResultURL = resultURL
		row.Error = ""
	})
}

// MarkFailed transitions executing -> failed, preserving the error message
// for the retry path.
func (m *Machine) MarkFailed(ctx context.Context, id, errMsg string) (*Proposal, error) {
	return m.transition(ctx, id, StateFailed, func(row *Proposal) {
		row.Error = errMsg
	})
}

// transition validates the edge against the latest row, then performs the
// compare-and-set write. A lost race surfaces as a TransitionError naming
// the state the winner left behind.
func (m *Machine) transition(ctx context.Context, id string, to State, mutate func(*Proposal)) (*Proposal, error) {
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.State, to) {
		return nil, &TransitionError{ProposalID: id, From: cur.State, To: to}
	}

	p, err := m.store.Transition(ctx, id, cur.State, to, mutate)
	if errors.Is(err, ErrNotFound) {
		latest, gerr := m.store.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &TransitionError{ProposalID: id, From: latest.State, To: to}
	}
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "proposal transitioned",
		slog.String("proposal_id", id),
		slog.String("from", string(cur.State)),
		slog.String("to", string(to)),
	)
	return p, nil
}

// DeclineExpired declines a stale proposal, recording why on the row. Uses
// the legal proposed -> declined edge, so a proposal decided concurrently
// with the sweep is never clobbered.
func (m *Machine) DeclineExpired(ctx context.Context, id, reason string) (*Proposal, error) {
	return m.transition(ctx, id, StateDeclined, func(row *Proposal) {
		row.Error = reason
	})
}

// ListStale returns ids of proposals still in the given state created
// before the cutoff.
func (m *Machine) ListStale(ctx context.Context, state State, cutoff time.Time) ([]string, error) {
	return m.store.ListStale(ctx, state, cutoff)
}

// Get returns the latest persisted row.
func (m *Machine) Get(ctx context.Context, id string) (*Proposal, error) {
	return m.store.Get(ctx, id)
}

// ListByConversation returns all proposals for a conversation, oldest first.
func (m *Machine) ListByConversation(ctx context.Context, conversationID string) ([]*Proposal, error) {
	return m.store.ListByConversation(ctx, conversationID)
}
