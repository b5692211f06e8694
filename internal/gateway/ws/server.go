// Package ws implements the WebSocket event stream. Clients connect per
// conversation and receive the same live events the SSE endpoint carries:
// deltas, tool calls, action proposals and action updates. Unlike SSE the
// socket stays open across turns, so decisions made elsewhere keep arriving.
package ws

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jkaninda/idhini/internal/conversation"
)

const writeTimeout = 10 * time.Second

// Config configures the WebSocket server.
type Config struct {
	APIKeys []string // Accepted bearer keys. Empty = authentication disabled.
}

// Server streams conversation events over WebSocket.
type Server struct {
	broker *conversation.Broker
	cfg    Config
	logger *slog.Logger
}

// NewServer creates a WebSocket event server over the given broker.
func NewServer(broker *conversation.Broker, cfg Config, logger *slog.Logger) *Server {
	return &Server{broker: broker, cfg: cfg, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
// The conversation id comes from the "conversation_id" query parameter.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"idhini-events-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, conversationID)
}

func (s *Server) authorized(r *http.Request) bool {
	if len(s.cfg.APIKeys) == 0 {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}
	for _, key := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, conversationID string) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	events, cancel := s.broker.Subscribe(conversationID)
	defer cancel()

	s.logger.Info("websocket client connected",
		slog.String("conversation_id", conversationID),
	)

	// Drain client frames so pings are answered and closure is noticed.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				s.logger.Warn("websocket write failed",
					slog.String("conversation_id", conversationID),
					slog.String("error", err.Error()),
				)
				return
			}
		case <-readDone:
			s.logger.Info("websocket client disconnected",
				slog.String("conversation_id", conversationID),
			)
			return
		case <-ctx.Done():
			return
		}
	}
}
