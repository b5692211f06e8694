// Package httpapi implements the HTTP API gateway for Idhini.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/idhini/internal/approval"
	"github.com/jkaninda/idhini/internal/conversation"
	"github.com/jkaninda/idhini/internal/observability"
	"github.com/jkaninda/idhini/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string // Accepted bearer keys. Empty = authentication disabled.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry         // Custom Prometheus registry for /metrics.
	MetricsPath     string                       // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker // Health checker for /readyz endpoint.
	Metrics         *observability.Metrics       // Metrics for HTTP middleware.
	Tracer          trace.Tracer                 // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	loop      *conversation.Loop
	approvals *approval.Manager
	broker    *conversation.Broker
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, loop *conversation.Loop, approvals *approval.Manager, broker *conversation.Broker, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:    cfg,
		loop:      loop,
		approvals: approvals,
		broker:    broker,
		limiter:   rl,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the WebSocket event endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the generated API documentation UI.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Idhini",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Conversation endpoints.
	g.group.Post("/conversations/{id}/messages", g.handleMessage,
		okapi.DocSummary("Send a message and wait for the full turn"),
		okapi.DocTags("Conversations"),
		okapi.DocPathParam("id", "string", "Conversation ID"),
		okapi.DocRequestBody(MessageRequest{}),
		okapi.DocResponse(MessageResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/conversations/{id}/messages/stream", g.handleMessageStream,
		okapi.DocSummary("Send a message and stream the turn as server-sent events"),
		okapi.DocTags("Conversations"),
		okapi.DocPathParam("id", "string", "Conversation ID"),
		okapi.DocRequestBody(MessageRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/conversations/{id}/proposals", g.handleListProposals,
		okapi.DocSummary("List all action proposals for a conversation"),
		okapi.DocTags("Proposals"),
		okapi.DocPathParam("id", "string", "Conversation ID"),
		okapi.DocResponse([]ProposalResponse{}),
	)

	// Proposal decision endpoints.
	g.group.Get("/proposals/{id}", g.handleGetProposal,
		okapi.DocSummary("Get an action proposal"),
		okapi.DocTags("Proposals"),
		okapi.DocPathParam("id", "string", "Proposal ID"),
		okapi.DocResponse(ProposalResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/proposals/{id}/approve", g.handleApprove,
		okapi.DocSummary("Approve a proposed action"),
		okapi.DocTags("Proposals"),
		okapi.DocPathParam("id", "string", "Proposal ID"),
		okapi.DocResponse(ProposalResponse{}),
		okapi.DocResponse(http.StatusConflict, ProposalResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/proposals/{id}/decline", g.handleDecline,
		okapi.DocSummary("Decline a proposed action"),
		okapi.DocTags("Proposals"),
		okapi.DocPathParam("id", "string", "Proposal ID"),
		okapi.DocResponse(ProposalResponse{}),
		okapi.DocResponse(http.StatusConflict, ProposalResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/proposals/{id}/execute", g.handleExecute,
		okapi.DocSummary("Execute an approved action"),
		okapi.DocTags("Proposals"),
		okapi.DocPathParam("id", "string", "Proposal ID"),
		okapi.DocResponse(ProposalResponse{}),
		okapi.DocResponse(http.StatusConflict, ProposalResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/proposals/{id}/retry", g.handleRetry,
		okapi.DocSummary("Retry a failed action"),
		okapi.DocTags("Proposals"),
		okapi.DocPathParam("id", "string", "Proposal ID"),
		okapi.DocResponse(ProposalResponse{}),
		okapi.DocResponse(http.StatusConflict, ProposalResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/proposals/{id}/approve-execute", g.handleApproveExecute,
		okapi.DocSummary("Approve and immediately execute a proposed action"),
		okapi.DocTags("Proposals"),
		okapi.DocPathParam("id", "string", "Proposal ID"),
		okapi.DocResponse(ProposalResponse{}),
		okapi.DocResponse(http.StatusConflict, ProposalResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Extra handlers (e.g., the WebSocket event endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // streaming endpoints manage their own deadlines
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// authenticate validates the bearer API key. The matched key doubles as the
// rate-limit bucket identity.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("apiKey", "anonymous")
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		matched := ""
		for _, key := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				matched = key
			}
		}
		if matched == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("apiKey", matched)
		return next(c)
	}
}

// allow applies the per-key rate limit.
func (g *Gateway) allow(c *okapi.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Allow(c.GetString("apiKey")); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return nil
}

// --- Health ---

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
