package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/idhini/internal/action"
	"github.com/jkaninda/okapi"
)

// ProposalResponse is the wire rendering of an action proposal. A rejected
// decision returns the current row with the error field describing the
// attempted transition.
type ProposalResponse struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id"`
	MessageID      string                `json:"message_id"`
	ToolName       string                `json:"tool_name"`
	Arguments      map[string]any        `json:"arguments"`
	Category       string                `json:"category"`
	Destructive    bool                  `json:"destructive"`
	Description    string                `json:"description"`
	Preview        []action.PreviewField `json:"preview,omitempty"`
	State          string                `json:"state"`
	Result         string                `json:"result,omitempty"`
	ResultURL      string                `json:"result_url,omitempty"`
	Error          string                `json:"error,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func toProposalResponse(p *action.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		MessageID:      p.MessageID,
		ToolName:       p.ToolName,
		Arguments:      p.Arguments,
		Category:       p.Category,
		Destructive:    p.Destructive,
		Description:    p.Description,
		Preview:        p.Preview,
		State:          string(p.State),
		Result:         p.Result,
		ResultURL:      p.ResultURL,
		Error:          p.Error,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func (g *Gateway) handleGetProposal(c *okapi.Context) error {
	p, err := g.approvals.GetProposal(c.Context(), c.Param("id"))
	if err != nil {
		return g.proposalError(c, c.Param("id"), err)
	}
	return c.OK(toProposalResponse(p))
}

func (g *Gateway) handleListProposals(c *okapi.Context) error {
	list, err := g.approvals.GetProposalsByConversation(c.Context(), c.Param("id"))
	if err != nil {
		return c.AbortInternalServerError("listing proposals failed")
	}
	resp := make([]ProposalResponse, len(list))
	for i, p := range list {
		resp[i] = toProposalResponse(p)
	}
	return c.OK(resp)
}

func (g *Gateway) handleApprove(c *okapi.Context) error {
	return g.decide(c, "approve", g.approvals.Approve)
}

func (g *Gateway) handleDecline(c *okapi.Context) error {
	return g.decide(c, "decline", g.approvals.Decline)
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	return g.decide(c, "execute", g.approvals.Execute)
}

func (g *Gateway) handleRetry(c *okapi.Context) error {
	return g.decide(c, "retry", g.approvals.Retry)
}

func (g *Gateway) handleApproveExecute(c *okapi.Context) error {
	return g.decide(c, "approve-execute", g.approvals.ApproveAndExecute)
}

// decide applies one decision operation to the proposal named in the path.
func (g *Gateway) decide(c *okapi.Context, name string, op func(ctx context.Context, id string) (*action.Proposal, error)) error {
	if err := g.allow(c); err != nil {
		return err
	}

	id := c.Param("id")
	if id == "" {
		return c.AbortBadRequest("proposal id is required")
	}

	g.logger.Info("proposal decision request",
		slog.String("proposal_id", id),
		slog.String("decision", name),
	)

	p, err := op(c.Context(), id)
	if err != nil {
		return g.proposalError(c, id, err)
	}
	return c.OK(toProposalResponse(p))
}

// proposalError maps proposal errors to HTTP responses. An illegal transition
// is not an opaque failure: the caller gets the current row with the error
// field set, so a UI can re-render the real state after a lost race.
func (g *Gateway) proposalError(c *okapi.Context, id string, err error) error {
	var te *action.TransitionError
	switch {
	case errors.Is(err, action.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "proposal not found"})
	case errors.As(err, &te):
		p, gerr := g.approvals.GetProposal(c.Context(), id)
		if gerr != nil {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "proposal not found"})
		}
		resp := toProposalResponse(p)
		resp.Error = te.Error()
		return c.JSON(http.StatusConflict, resp)
	default:
		g.logger.Error("proposal operation failed",
			slog.String("proposal_id", id),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("proposal operation failed")
	}
}
