package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/idhini/internal/action"
)

// Compile-time interface check.
var _ action.ProposalStore = (*ProposalRepository)(nil)

// ProposalRepository implements action.ProposalStore with GORM.
type ProposalRepository struct {
	db *gorm.DB
}

// NewProposalRepository creates a ProposalRepository.
func NewProposalRepository(db *gorm.DB) *ProposalRepository {
	return &ProposalRepository{db: db}
}

// Create inserts a new proposal row. A unique-index collision on the
// idempotency key surfaces as action.ErrDuplicateKey.
func (r *ProposalRepository) Create(ctx context.Context, p *action.Proposal) error {
	model, err := toProposalModel(p)
	if err != nil {
		return fmt.Errorf("encoding proposal: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return action.ErrDuplicateKey
		}
		return fmt.Errorf("creating proposal: %w", err)
	}
	return nil
}

// Get retrieves a proposal by ID.
func (r *ProposalRepository) Get(ctx context.Context, id string) (*action.Proposal, error) {
	var model ProposalModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, action.ErrNotFound
		}
		return nil, fmt.Errorf("getting proposal: %w", err)
	}
	return toProposalDomain(&model), nil
}

// ListByConversation returns all proposals for a conversation, oldest first.
func (r *ProposalRepository) ListByConversation(ctx context.Context, conversationID string) ([]*action.Proposal, error) {
	var models []ProposalModel
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing proposals: %w", err)
	}

	result := make([]*action.Proposal, len(models))
	for i := range models {
		result[i] = toProposalDomain(&models[i])
	}
	return result, nil
}

// ListStale returns ids of rows still in the given state created before the cutoff.
func (r *ProposalRepository) ListStale(ctx context.Context, state action.State, cutoff time.Time) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&ProposalModel{}).
		Where("state = ? AND created_at < ?", string(state), cutoff).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing stale proposals: %w", err)
	}
	return ids, nil
}

// Transition performs the compare-and-set write: the UPDATE is guarded by
// `state = from`, so of two racing transitions from the same source state
// exactly one touches the row. The loser sees zero rows affected and gets
// action.ErrNotFound, which the state machine turns into a TransitionError.
func (r *ProposalRepository) Transition(ctx context.Context, id string, from, to action.State, mutate func(*action.Proposal)) (*action.Proposal, error) {
	var model ProposalModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, action.ErrNotFound
		}
		return nil, fmt.Errorf("reading proposal for transition: %w", err)
	}

	row := toProposalDomain(&model)
	row.State = to
	row.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(row)
	}

	res := r.db.WithContext(ctx).
		Model(&ProposalModel{}).
		Where("id = ? AND state = ?", id, string(from)).
		Updates(map[string]any{
			"state":      string(to),
			"result":     row.Result,
			"result_url": row.ResultURL,
			"error":      row.Error,
			"updated_at": row.UpdatedAt,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("transitioning proposal: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, action.ErrNotFound
	}
	return row, nil
}
