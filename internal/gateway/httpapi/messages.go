package httpapi

import (
	"log/slog"

	"github.com/jkaninda/idhini/internal/conversation"
	"github.com/jkaninda/okapi"
)

// MessageRequest is the JSON body for the message endpoints.
type MessageRequest struct {
	Message string `json:"message"`
}

// MessageResponse is the JSON response for the buffered message endpoint.
type MessageResponse struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Text           string `json:"text"`
}

// handleMessage runs a full conversation turn and returns the final message.
// Intercepted write tools still surface as proposals; the client discovers
// them through the proposals listing endpoint.
func (g *Gateway) handleMessage(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}

	conversationID := c.Param("id")
	if conversationID == "" {
		return c.AbortBadRequest("conversation id is required")
	}

	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("message is required")
	}
	if req.Message == "" {
		return c.AbortBadRequest("message is required")
	}

	g.logger.Info("http message",
		slog.String("conversation_id", conversationID),
	)

	result, err := g.loop.ProcessMessage(c.Context(), conversationID, req.Message)
	if err != nil {
		g.logger.Error("turn processing failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("processing failed")
	}

	return c.OK(MessageResponse{
		ConversationID: conversationID,
		MessageID:      result.MessageID,
		Text:           result.Text,
	})
}

// handleMessageStream runs a conversation turn and streams its events as SSE.
// The broker subscription is opened before the turn starts so no event can be
// missed, and it also carries action updates triggered by decisions made on
// other connections while this stream is open.
func (g *Gateway) handleMessageStream(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}

	conversationID := c.Param("id")
	if conversationID == "" {
		return c.AbortBadRequest("conversation id is required")
	}

	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("message is required")
	}
	if req.Message == "" {
		return c.AbortBadRequest("message is required")
	}

	ctx := c.Context()
	events, cancel := g.broker.Subscribe(conversationID)
	defer cancel()

	if g.config.Metrics != nil {
		g.config.Metrics.ActiveStreams.Inc()
		defer g.config.Metrics.ActiveStreams.Dec()
	}

	turnDone := make(chan struct{})
	go func() {
		defer close(turnDone)
		if _, err := g.loop.ProcessMessage(ctx, conversationID, req.Message); err != nil {
			// The loop already published a terminal error event.
			g.logger.Error("turn processing failed",
				slog.String("conversation_id", conversationID),
				slog.String("error", err.Error()),
			)
		}
	}()

	for {
		select {
		case ev := <-events:
			c.SSEvent(ev.Type, ev)
			if ev.Type == conversation.EventDone || ev.Type == conversation.EventError {
				<-turnDone
				return nil
			}
		case <-ctx.Done():
			// Client went away; let the turn goroutine wind down with it.
			<-turnDone
			return nil
		}
	}
}
