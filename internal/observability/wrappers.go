package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/switchboard/internal/llm"
	"github.com/jkaninda/switchboard/internal/notification"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics and tracing.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedProvider {
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracerOf(ts),
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	return resp, err
}

// --- InstrumentedNotifier ---

// InstrumentedNotifier wraps a notification.Notifier with metrics and tracing.
type InstrumentedNotifier struct {
	inner   notification.Notifier
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedNotifier wraps a webhook notifier with observability.
func NewInstrumentedNotifier(inner notification.Notifier, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedNotifier {
	return &InstrumentedNotifier{
		inner:   inner,
		metrics: metrics,
		tracer:  tracerOf(ts),
	}
}

func (n *InstrumentedNotifier) Send(ctx context.Context, p notification.Payload) (*notification.DeliveryResult, error) {
	var span trace.Span
	if n.tracer != nil {
		ctx, span = n.tracer.Start(ctx, "webhook.send",
			trace.WithAttributes(
				attribute.String("ticket.id", p.TicketNumber),
				attribute.String("webhook.status", p.Status),
			))
		defer span.End()
	}

	start := time.Now()
	res, err := n.inner.Send(ctx, p)
	duration := time.Since(start).Seconds()

	result := "delivered"
	if err != nil {
		result = "failed"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if span != nil && res != nil {
		span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
	}

	if n.metrics != nil {
		n.metrics.WebhookDeliveriesTotal.WithLabelValues(p.Status, result).Inc()
		n.metrics.WebhookDeliveryDuration.Observe(duration)
	}
	return res, err
}

func (n *InstrumentedNotifier) Check(ctx context.Context) (*notification.EndpointStatus, error) {
	st, err := n.inner.Check(ctx)
	if n.metrics != nil {
		result := "reachable"
		if err != nil || st == nil || !st.Reachable {
			result = "unreachable"
		}
		n.metrics.WebhookHealthChecksTotal.WithLabelValues(result).Inc()
	}
	return st, err
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider          = (*InstrumentedProvider)(nil)
	_ notification.Notifier = (*InstrumentedNotifier)(nil)
)

func tracerOf(ts *TracerSetup) trace.Tracer {
	if ts == nil {
		return nil
	}
	return ts.Tracer()
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
