package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for Idhini.
// Uses a custom registry — no global state.
type Metrics struct {
	Registry *prometheus.Registry

	// Proposal lifecycle metrics.
	ProposalsCreated *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	Executions       *prometheus.CounterVec

	// Conversation loop metrics.
	TurnIterations prometheus.Histogram
	ActiveStreams  prometheus.Gauge

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates a Metrics set registered on a custom prometheus.Registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ProposalsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idhini",
			Subsystem: "proposal",
			Name:      "created_total",
			Help:      "Total action proposals created.",
		}, []string{"tool", "category"}),

		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idhini",
			Subsystem: "proposal",
			Name:      "decisions_total",
			Help:      "Total proposal decisions (approve, decline, expire).",
		}, []string{"decision"}),

		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idhini",
			Subsystem: "action",
			Name:      "executions_total",
			Help:      "Total action executions by outcome.",
		}, []string{"tool", "result"}),

		TurnIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "idhini",
			Subsystem: "conversation",
			Name:      "turn_iterations",
			Help:      "Model round-trips per user turn.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 10},
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "idhini",
			Name:      "active_streams",
			Help:      "Number of currently open event streams.",
		}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idhini",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "idhini",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idhini",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "direction"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idhini",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "idhini",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.ProposalsCreated,
		m.Decisions,
		m.Executions,
		m.TurnIterations,
		m.ActiveStreams,
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}
