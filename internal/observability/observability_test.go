package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/idhini/internal/config"
	"github.com/jkaninda/idhini/internal/llm"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

// --- Metrics ---

func TestMetrics_Created(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// CounterVecs only appear in Gather after first use.
	m.ProposalsCreated.WithLabelValues("create_issue", "issues").Inc()
	m.Decisions.WithLabelValues("approve").Inc()
	m.Executions.WithLabelValues("create_issue", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"idhini_proposal_created_total",
		"idhini_proposal_decisions_total",
		"idhini_action_executions_total",
		"idhini_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetrics_RecordAndGather(t *testing.T) {
	m := NewMetrics()

	m.Executions.WithLabelValues("create_issue", "success").Inc()
	m.Executions.WithLabelValues("create_issue", "success").Inc()
	m.Executions.WithLabelValues("create_issue", "failure").Inc()

	if got := counterValue(t, m.Registry, "idhini_action_executions_total", prometheus.Labels{"tool": "create_issue", "result": "success"}); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "idhini_action_executions_total", prometheus.Labels{"tool": "create_issue", "result": "failure"}); got != 1 {
		t.Errorf("failure count = %v, want 1", got)
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return nil })
	h.AddCheck("llm", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["db"].Status != "ok" {
		t.Errorf("db check = %q, want ok", status.Checks["db"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("llm", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["db"].Status != "fail" {
		t.Errorf("db check = %q, want fail", status.Checks["db"].Status)
	}
	if status.Checks["llm"].Status != "ok" {
		t.Errorf("llm check = %q, want ok", status.Checks["llm"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- FailureDetector ---

func TestFailureDetector_NilSafe(t *testing.T) {
	// All methods should be no-ops on nil receiver.
	var d *FailureDetector
	d.RecordFailure("create_issue")
	d.RecordSuccess("create_issue")
}

func TestFailureDetector_Counts(t *testing.T) {
	d := NewFailureDetector(&config.AnomalyConfig{
		Enabled:              true,
		FailureRateThreshold: 0.5,
		WindowSeconds:        60,
	}, nil)

	for i := 0; i < 4; i++ {
		d.RecordSuccess("create_issue")
	}
	for i := 0; i < 6; i++ {
		d.RecordFailure("create_issue")
	}

	d.mu.Lock()
	now := time.Now()
	failures := d.window(d.failures, "create_issue").count(now)
	successes := d.window(d.successes, "create_issue").count(now)
	d.mu.Unlock()

	if failures != 6 {
		t.Errorf("failures = %v, want 6", failures)
	}
	if successes != 4 {
		t.Errorf("successes = %v, want 4", successes)
	}
}

// --- InstrumentedProvider ---

type fakeProvider struct {
	name   string
	resp   *llm.Response
	err    error
	called int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.called++
	return f.resp, f.err
}

func (f *fakeProvider) StreamMessage(ctx context.Context, req *llm.Request, events chan<- llm.StreamEvent) error {
	f.called++
	close(events)
	return f.err
}

func TestInstrumentedProvider_Success(t *testing.T) {
	metrics := NewMetrics()
	inner := &fakeProvider{
		name: "test",
		resp: &llm.Response{
			Blocks: []llm.ContentBlock{llm.TextBlock("hello")},
			Usage:  llm.Usage{InputTokens: 10, OutputTokens: 20},
		},
	}

	p := NewInstrumentedProvider(inner, metrics, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "hello" {
		t.Errorf("text = %q, want hello", resp.Text())
	}
	if inner.called != 1 {
		t.Errorf("inner called %d times, want 1", inner.called)
	}

	if got := counterValue(t, metrics.Registry, "idhini_llm_requests_total", prometheus.Labels{"provider": "test", "status": "success"}); got != 1 {
		t.Errorf("requests_total = %v, want 1", got)
	}
	if got := counterValue(t, metrics.Registry, "idhini_llm_tokens_used_total", prometheus.Labels{"provider": "test", "direction": "output"}); got != 20 {
		t.Errorf("output tokens = %v, want 20", got)
	}
}

func TestInstrumentedProvider_Error(t *testing.T) {
	metrics := NewMetrics()
	inner := &fakeProvider{
		name: "test",
		err:  errors.New("api error"),
	}

	p := NewInstrumentedProvider(inner, metrics, nil)
	_, err := p.SendMessage(context.Background(), &llm.Request{})
	if err == nil {
		t.Fatal("expected error")
	}

	if got := counterValue(t, metrics.Registry, "idhini_llm_requests_total", prometheus.Labels{"provider": "test", "status": "error"}); got != 1 {
		t.Errorf("error requests_total = %v, want 1", got)
	}
}

func TestInstrumentedProvider_NilMetrics(t *testing.T) {
	inner := &fakeProvider{
		name: "test",
		resp: &llm.Response{Blocks: []llm.ContentBlock{llm.TextBlock("ok")}},
	}

	// nil metrics — should not panic.
	p := NewInstrumentedProvider(inner, nil, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "ok" {
		t.Errorf("text = %q, want ok", resp.Text())
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}
