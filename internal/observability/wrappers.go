package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/idhini/internal/llm"
)

// InstrumentedProvider wraps an llm.StreamingProvider with request
// metrics, token accounting, and optional tracing. Nil metrics or
// tracer are skipped, not errors.
type InstrumentedProvider struct {
	inner   llm.StreamingProvider
	metrics *Metrics
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps a provider.
func NewInstrumentedProvider(inner llm.StreamingProvider, metrics *Metrics, ts *TracerSetup) *InstrumentedProvider {
	p := &InstrumentedProvider{inner: inner, metrics: metrics}
	if ts != nil {
		p.tracer = ts.Tracer()
	}
	return p
}

// Name returns the wrapped provider's identifier.
func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

// SendMessage delegates to the wrapped provider, recording duration,
// status, and token usage.
func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	ctx, span := p.startSpan(ctx, "llm.send_message")
	start := time.Now()

	resp, err := p.inner.SendMessage(ctx, req)

	p.record(start, err)
	if err == nil && resp != nil {
		p.recordUsage(resp.Usage)
	}
	p.endSpan(span, err)
	return resp, err
}

// StreamMessage delegates to the wrapped provider. Usage is recorded by
// the caller once the stream finishes, so only request status and
// duration are recorded here.
func (p *InstrumentedProvider) StreamMessage(ctx context.Context, req *llm.Request, events chan<- llm.StreamEvent) error {
	ctx, span := p.startSpan(ctx, "llm.stream_message")
	start := time.Now()

	err := p.inner.StreamMessage(ctx, req, events)

	p.record(start, err)
	p.endSpan(span, err)
	return err
}

func (p *InstrumentedProvider) record(start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.LLMRequestsTotal.WithLabelValues(p.inner.Name(), status).Inc()
	p.metrics.LLMRequestDuration.WithLabelValues(p.inner.Name()).Observe(time.Since(start).Seconds())
}

func (p *InstrumentedProvider) recordUsage(u llm.Usage) {
	if p.metrics == nil {
		return
	}
	p.metrics.LLMTokensUsed.WithLabelValues(p.inner.Name(), "input").Add(float64(u.InputTokens))
	p.metrics.LLMTokensUsed.WithLabelValues(p.inner.Name(), "output").Add(float64(u.OutputTokens))
}

func (p *InstrumentedProvider) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if p.tracer == nil {
		return ctx, nil
	}
	return p.tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String("llm.provider", p.inner.Name())),
	)
}

func (p *InstrumentedProvider) endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

var _ llm.StreamingProvider = (*InstrumentedProvider)(nil)
