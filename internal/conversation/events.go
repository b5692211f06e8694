// Package conversation drives the streaming exchange between a user, the
// LLM provider, and the tool registry. Write tools are never executed
// here: the loop hands them to the approval manager as proposals and
// completes the turn with a synthetic awaiting-approval tool result, so
// the transport is never held open waiting for a human decision.
package conversation

import (
	"github.com/jkaninda/idhini/internal/action"
)

// Event types emitted on a conversation stream, in creation order.
const (
	EventDelta          = "delta"            // incremental assistant text
	EventToolCallStart  = "tool_call_start"  // a read tool started executing
	EventToolCallResult = "tool_call_result" // a read tool finished
	EventActionProposed = "action_proposed"  // a write tool was intercepted into a proposal
	EventActionUpdate   = "action_update"    // a previously proposed action changed state
	EventDone           = "done"             // terminal; turn complete
	EventError          = "error"            // terminal; turn failed
)

// ToolCall identifies a read-tool invocation on the stream.
type ToolCall struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result string `json:"result,omitempty"`
}

// Event is one JSON-encoded message on a conversation stream.
type Event struct {
	Type       string           `json:"type"`
	Content    string           `json:"content,omitempty"`     // delta
	ToolCall   *ToolCall        `json:"tool_call,omitempty"`   // tool_call_start / tool_call_result
	Proposal   *action.Proposal `json:"proposal,omitempty"`    // action_proposed
	ProposalID string           `json:"proposal_id,omitempty"` // action_update
	State      action.State     `json:"state,omitempty"`       // action_update
	Result     string           `json:"result,omitempty"`      // action_update
	ResultURL  string           `json:"result_url,omitempty"`  // action_update
	Error      string           `json:"error,omitempty"`       // action_update / error
	MessageID  string           `json:"message_id,omitempty"`  // done
}
