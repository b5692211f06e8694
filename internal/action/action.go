// Package action defines the ActionProposal domain type and the state machine
// that governs its lifecycle. A proposal is the persisted record of a single
// write-tool invocation awaiting or having received a human decision.
package action

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// State is the lifecycle state of an ActionProposal.
type State string

const (
	StateProposed  State = "proposed"
	StateApproved  State = "approved"
	StateDeclined  State = "declined"
	StateExecuting State = "executing"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are legal from s.
// Failed is not terminal: the retry edge leads back to executing.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateDeclined
}

// PreviewField is one entry of a proposal's before/after diff.
// OldValue is omitted for creations where no prior value exists.
type PreviewField struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value"`
}

// Proposal is the unit of work awaiting or having received human judgment.
// Rows are never deleted; terminal states form an implicit audit trail.
type Proposal struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	ToolName       string         `json:"tool_name"`
	Arguments      map[string]any `json:"arguments"`
	Category       string         `json:"category"`
	Destructive    bool           `json:"destructive"`
	Description    string         `json:"description"`
	Preview        []PreviewField `json:"preview,omitempty"`
	State          State          `json:"state"`
	Result         string         `json:"result,omitempty"`
	ResultURL      string         `json:"result_url,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IdempotencyKey derives the collision barrier for duplicate submission:
// a SHA-256 over the conversation id, tool name, canonical argument JSON,
// and the creation instant. Proposals created at distinct instants for the
// same logical action are distinct re-proposals.
func IdempotencyKey(conversationID, toolName string, args map[string]any, createdAt time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d", conversationID, toolName, canonicalJSON(args), createdAt.UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON serializes args with sorted keys so the same logical
// arguments always hash identically regardless of map iteration order.
func canonicalJSON(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(args[k])
		if err != nil {
			vb = []byte(fmt.Sprintf("%q", fmt.Sprint(args[k])))
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return string(append(buf, '}'))
}
