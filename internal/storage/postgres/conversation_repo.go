package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/idhini/internal/conversation"
	"github.com/jkaninda/idhini/internal/llm"
)

// Compile-time interface check.
var _ conversation.Store = (*ConversationRepository)(nil)

// ConversationRepository implements conversation.Store with GORM.
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository creates a ConversationRepository.
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// GetOrCreate ensures a conversation row exists, touching updated_at when
// it already does.
func (r *ConversationRepository) GetOrCreate(ctx context.Context, conversationID string) error {
	var existing ConversationModel
	err := r.db.WithContext(ctx).First(&existing, "id = ?", conversationID).Error
	if err == nil {
		return r.db.WithContext(ctx).Model(&existing).Update("updated_at", time.Now().UTC()).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("looking up conversation: %w", err)
	}

	now := time.Now().UTC()
	model := ConversationModel{ID: conversationID, CreatedAt: now, UpdatedAt: now}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		// A concurrent creator is fine.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return fmt.Errorf("creating conversation: %w", err)
	}
	return nil
}

// AppendMessages atomically appends messages to a conversation. Sequence
// numbers are monotonically assigned starting after the current max.
func (r *ConversationRepository) AppendMessages(ctx context.Context, conversationID string, msgs []llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		err := tx.Model(&ConversationMessageModel{}).
			Where("conversation_id = ?", conversationID).
			Select("COALESCE(MAX(seq_num), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return fmt.Errorf("getting max seq_num: %w", err)
		}

		models := make([]ConversationMessageModel, 0, len(msgs))
		for i, msg := range msgs {
			model, err := toMessageModel(uuid.New().String(), conversationID, maxSeq+i+1, msg)
			if err != nil {
				return fmt.Errorf("encoding message: %w", err)
			}
			models = append(models, model)
		}

		if err := tx.Create(&models).Error; err != nil {
			return fmt.Errorf("inserting messages: %w", err)
		}
		return nil
	})
}

// LoadHistory returns the most recent messages for a conversation,
// ordered oldest-first (ascending seq_num).
func (r *ConversationRepository) LoadHistory(ctx context.Context, conversationID string, maxMessages int) ([]llm.Message, error) {
	if maxMessages <= 0 {
		maxMessages = conversation.DefaultMaxHistoryMessages
	}

	var models []ConversationMessageModel
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq_num DESC").
		Limit(maxMessages).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("loading conversation history: %w", err)
	}

	// Reverse to oldest-first order.
	for i, j := 0, len(models)-1; i < j; i, j = i+1, j-1 {
		models[i], models[j] = models[j], models[i]
	}

	messages := make([]llm.Message, len(models))
	for i := range models {
		messages[i] = toMessage(&models[i])
	}
	return messages, nil
}
