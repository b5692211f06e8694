// Package approval orchestrates the action proposal lifecycle: proposal
// creation when the conversation loop intercepts a write tool, and the
// approve/decline/execute/retry operations driven by out-of-band human
// decisions. All state changes go through the action state machine; the
// manager never mutates proposal rows directly.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jkaninda/idhini/internal/action"
	"github.com/jkaninda/idhini/internal/observability"
	"github.com/jkaninda/idhini/internal/tools"
)

// ErrNotApprovable is returned when a proposal is requested for a tool that
// does not require approval.
var ErrNotApprovable = errors.New("tool does not require approval")

// Events receives live proposal state changes so streams still open for the
// same conversation can surface them. Implementations must not block.
type Events interface {
	ActionUpdated(conversationID string, p *action.Proposal)
}

// Manager coordinates proposals between the tool registry and the action
// state machine.
type Manager struct {
	machine  *action.Machine
	registry *tools.Registry
	logger   *slog.Logger
	events   Events                         // nil = no live updates
	metrics  *observability.Metrics         // nil = metrics disabled
	anomaly  *observability.FailureDetector // nil = detection disabled
}

// NewManager creates an approval manager.
func NewManager(machine *action.Machine, registry *tools.Registry, logger *slog.Logger) *Manager {
	return &Manager{machine: machine, registry: registry, logger: logger}
}

// WithEvents attaches a live update sink.
func (m *Manager) WithEvents(ev Events) *Manager {
	m.events = ev
	return m
}

// WithMetrics attaches Prometheus metrics.
func (m *Manager) WithMetrics(met *observability.Metrics) *Manager {
	m.metrics = met
	return m
}

// WithAnomaly attaches the tool failure-rate detector.
func (m *Manager) WithAnomaly(det *observability.FailureDetector) *Manager {
	m.anomaly = det
	return m
}

// CreateRequest carries the context of an intercepted write-tool invocation.
type CreateRequest struct {
	ConversationID string
	MessageID      string
	ToolName       string
	Arguments      map[string]any
}

// CreateProposal validates the intercepted invocation, builds the
// human-facing description and preview, and persists a new proposal in
// state proposed.
func (m *Manager) CreateProposal(ctx context.Context, req *CreateRequest) (*action.Proposal, error) {
	tool := m.registry.Get(req.ToolName)
	if tool == nil {
		return nil, fmt.Errorf("unknown tool: %s", req.ToolName)
	}
	if !tool.RequiresApproval() {
		return nil, fmt.Errorf("%w: %s", ErrNotApprovable, req.ToolName)
	}
	if err := tool.Validate(req.Arguments); err != nil {
		return nil, fmt.Errorf("tool %s validation: %w", req.ToolName, err)
	}

	p, err := m.machine.CreateProposal(ctx, &action.CreateContext{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		ToolName:       req.ToolName,
		Arguments:      req.Arguments,
		Category:       tool.Category(),
		Destructive:    tool.Destructive(),
		Description:    Describe(req.ToolName, req.Arguments),
		Preview:        tool.Preview(req.Arguments),
	})
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.ProposalsCreated.WithLabelValues(p.ToolName, p.Category).Inc()
	}
	return p, nil
}

// Approve transitions proposed -> approved. It does not execute: separating
// the two lets a client render "approved, starting" before the handler runs,
// while ApproveAndExecute composes them for single-click UX.
func (m *Manager) Approve(ctx context.Context, id string) (*action.Proposal, error) {
	p, err := m.machine.Approve(ctx, id)
	if err != nil {
		return nil, err
	}
	m.recordDecision(ctx, p, "approve")
	return p, nil
}

// Decline transitions proposed -> declined. Declined is terminal and not
// retryable.
func (m *Manager) Decline(ctx context.Context, id string) (*action.Proposal, error) {
	p, err := m.machine.Decline(ctx, id)
	if err != nil {
		return nil, err
	}
	m.recordDecision(ctx, p, "decline")
	return p, nil
}

// Execute runs the proposal's tool handler. The markExecuting gate makes
// this idempotent: a second call for an already executing or succeeded
// proposal returns the current row without re-invoking the handler.
func (m *Manager) Execute(ctx context.Context, id string) (*action.Proposal, error) {
	p, started, err := m.machine.MarkExecuting(ctx, id)
	if err != nil {
		return nil, err
	}
	if !started {
		m.logger.DebugContext(ctx, "execute gate: already running or done",
			slog.String("proposal_id", id),
			slog.String("state", string(p.State)),
		)
		return p, nil
	}
	m.publish(p)

	tool := m.registry.Get(p.ToolName)
	if tool == nil {
		// No registered handler is a real failure, never a silent no-op.
		return m.finishFailed(ctx, p, fmt.Sprintf("handler not found: %s", p.ToolName))
	}

	m.logger.InfoContext(ctx, "executing approved action",
		slog.String("proposal_id", p.ID),
		slog.String("tool", p.ToolName),
		slog.String("conversation_id", p.ConversationID),
	)

	outcome, err := tool.Execute(ctx, p.Arguments)
	switch {
	case err != nil:
		return m.finishFailed(ctx, p, err.Error())
	case outcome.Kind == tools.OutcomeFailure:
		return m.finishFailed(ctx, p, outcome.FailureReason)
	default:
		// Partial success is still terminal success: the action ran and
		// produced a real, inspectable outcome. The summary discloses the
		// split.
		return m.finishSucceeded(ctx, p, outcome)
	}
}

// Retry re-runs a failed execution. Legal only from state failed; any other
// state raises a transition error naming the attempted edge. The idempotent
// markExecuting shortcut must not swallow a retry of a succeeded proposal,
// hence the explicit source-state check here.
func (m *Manager) Retry(ctx context.Context, id string) (*action.Proposal, error) {
	p, err := m.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.State != action.StateFailed {
		return nil, &action.TransitionError{ProposalID: id, From: p.State, To: action.StateExecuting}
	}
	return m.Execute(ctx, id)
}

// ApproveAndExecute is the single-click composition: both state-machine
// checked steps in order, never skipping the approved intermediate state.
func (m *Manager) ApproveAndExecute(ctx context.Context, id string) (*action.Proposal, error) {
	if _, err := m.Approve(ctx, id); err != nil {
		return nil, err
	}
	return m.Execute(ctx, id)
}

// GetProposal returns a single proposal.
func (m *Manager) GetProposal(ctx context.Context, id string) (*action.Proposal, error) {
	return m.machine.Get(ctx, id)
}

// GetProposalsByConversation returns all proposals for a conversation,
// oldest first, for client-side reconstruction after reconnect.
func (m *Manager) GetProposalsByConversation(ctx context.Context, conversationID string) ([]*action.Proposal, error) {
	return m.machine.ListByConversation(ctx, conversationID)
}

func (m *Manager) finishSucceeded(ctx context.Context, p *action.Proposal, outcome *tools.Outcome) (*action.Proposal, error) {
	updated, err := m.machine.MarkSucceeded(ctx, p.ID, Summarize(p.ToolName, outcome), outcome.URL)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.Executions.WithLabelValues(p.ToolName, outcome.Kind.String()).Inc()
	}
	m.anomaly.RecordSuccess(p.ToolName)
	m.publish(updated)
	return updated, nil
}

func (m *Manager) finishFailed(ctx context.Context, p *action.Proposal, errMsg string) (*action.Proposal, error) {
	m.logger.WarnContext(ctx, "action execution failed",
		slog.String("proposal_id", p.ID),
		slog.String("tool", p.ToolName),
		slog.String("error", errMsg),
	)
	updated, err := m.machine.MarkFailed(ctx, p.ID, errMsg)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.Executions.WithLabelValues(p.ToolName, "failure").Inc()
	}
	m.anomaly.RecordFailure(p.ToolName)
	m.publish(updated)
	return updated, nil
}

func (m *Manager) recordDecision(ctx context.Context, p *action.Proposal, decision string) {
	m.logger.InfoContext(ctx, "proposal decision",
		slog.String("proposal_id", p.ID),
		slog.String("decision", decision),
		slog.String("tool", p.ToolName),
	)
	if m.metrics != nil {
		m.metrics.Decisions.WithLabelValues(decision).Inc()
	}
	m.publish(p)
}

func (m *Manager) recordExpiry(ctx context.Context, p *action.Proposal) {
	m.recordDecision(ctx, p, "expire")
}

func (m *Manager) publish(p *action.Proposal) {
	if m.events != nil {
		m.events.ActionUpdated(p.ConversationID, p)
	}
}
