package postgres

import (
	"encoding/json"
	"time"
)

// JSONB is a json.RawMessage stored in a jsonb column (TEXT under SQLite).
type JSONB json.RawMessage

// ProposalModel maps to the "action_proposals" table.
// Rows are never deleted; terminal states form the audit trail.
type ProposalModel struct {
	ID             string `gorm:"primaryKey"`
	IdempotencyKey string `gorm:"not null;uniqueIndex"`
	ConversationID string `gorm:"not null;index"`
	MessageID      string `gorm:"not null"`
	ToolName       string `gorm:"not null"`
	Arguments      JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
	Category       string `gorm:"not null"`
	Destructive    bool   `gorm:"not null;default:false"`
	Description    string `gorm:"type:text"`
	Preview        JSONB  `gorm:"type:jsonb"`
	State          string `gorm:"not null;index:idx_proposal_stale"`
	Result         string `gorm:"type:text"`
	ResultURL      string
	Error          string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"index:idx_proposal_stale"`
	UpdatedAt      time.Time
}

func (ProposalModel) TableName() string { return "action_proposals" }

// ConversationModel maps to the "conversations" table.
type ConversationModel struct {
	ID        string `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ConversationModel) TableName() string { return "conversations" }

// ConversationMessageModel maps to the "conversation_messages" table.
// Content is a plain-text rendering kept for operator queries; ContentBlocks
// is the authoritative serialized form.
type ConversationMessageModel struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"not null;index:idx_convmsg_seq"`
	SeqNum         int    `gorm:"not null;index:idx_convmsg_seq"`
	Role           string `gorm:"not null"`
	Content        string `gorm:"type:text"`
	ContentBlocks  JSONB  `gorm:"type:jsonb"`
	CreatedAt      time.Time
}

func (ConversationMessageModel) TableName() string { return "conversation_messages" }
