package postgres

import (
	"encoding/json"

	"github.com/jkaninda/idhini/internal/action"
	"github.com/jkaninda/idhini/internal/llm"
)

func toProposalModel(p *action.Proposal) (*ProposalModel, error) {
	args, err := json.Marshal(p.Arguments)
	if err != nil {
		return nil, err
	}
	var preview []byte
	if len(p.Preview) > 0 {
		preview, err = json.Marshal(p.Preview)
		if err != nil {
			return nil, err
		}
	}
	return &ProposalModel{
		ID:             p.ID,
		IdempotencyKey: p.IdempotencyKey,
		ConversationID: p.ConversationID,
		MessageID:      p.MessageID,
		ToolName:       p.ToolName,
		Arguments:      JSONB(args),
		Category:       p.Category,
		Destructive:    p.Destructive,
		Description:    p.Description,
		Preview:        JSONB(preview),
		State:          string(p.State),
		Result:         p.Result,
		ResultURL:      p.ResultURL,
		Error:          p.Error,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}, nil
}

func toProposalDomain(m *ProposalModel) *action.Proposal {
	p := &action.Proposal{
		ID:             m.ID,
		IdempotencyKey: m.IdempotencyKey,
		ConversationID: m.ConversationID,
		MessageID:      m.MessageID,
		ToolName:       m.ToolName,
		Category:       m.Category,
		Destructive:    m.Destructive,
		Description:    m.Description,
		State:          action.State(m.State),
		Result:         m.Result,
		ResultURL:      m.ResultURL,
		Error:          m.Error,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if len(m.Arguments) > 0 {
		// Corrupt JSON leaves Arguments nil rather than failing the read.
		_ = json.Unmarshal(m.Arguments, &p.Arguments)
	}
	if len(m.Preview) > 0 {
		_ = json.Unmarshal(m.Preview, &p.Preview)
	}
	return p
}

func toMessageModel(id, conversationID string, seq int, msg llm.Message) (ConversationMessageModel, error) {
	blocks, err := json.Marshal(msg.Blocks)
	if err != nil {
		return ConversationMessageModel{}, err
	}
	return ConversationMessageModel{
		ID:             id,
		ConversationID: conversationID,
		SeqNum:         seq,
		Role:           string(msg.Role),
		Content:        msg.Text(),
		ContentBlocks:  JSONB(blocks),
	}, nil
}

func toMessage(m *ConversationMessageModel) llm.Message {
	msg := llm.Message{Role: llm.Role(m.Role)}
	if len(m.ContentBlocks) > 0 {
		if err := json.Unmarshal(m.ContentBlocks, &msg.Blocks); err == nil {
			return msg
		}
	}
	// Fall back to the plain-text rendering.
	msg.Blocks = []llm.ContentBlock{llm.TextBlock(m.Content)}
	return msg
}
