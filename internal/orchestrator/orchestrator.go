package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/switchboard/internal/agent"
	"github.com/jkaninda/switchboard/internal/domain"
	"github.com/jkaninda/switchboard/internal/intent"
)

const (
	defaultStepTimeout  = 30 * time.Second
	defaultRetryBackoff = 200 * time.Millisecond
)

// Options configures an Orchestrator.
type Options struct {
	StepTimeout  time.Duration // Per agent call. Default: 30s.
	RetryBackoff time.Duration // Delay before the single read-only retry. Default: 200ms.
	Metrics      *Metrics      // Optional.
	Tracer       trace.Tracer  // Optional.
	Logger       *slog.Logger
}

// Orchestrator turns a message into intents and runs them against the
// registry. It keeps no state between requests.
type Orchestrator struct {
	extractor    intent.Extractor
	registry     *agent.Registry
	stepTimeout  time.Duration
	retryBackoff time.Duration
	metrics      *Metrics
	tracer       trace.Tracer
	logger       *slog.Logger
}

// New creates an Orchestrator.
func New(extractor intent.Extractor, registry *agent.Registry, opts Options) *Orchestrator {
	o := &Orchestrator{
		extractor:    extractor,
		registry:     registry,
		stepTimeout:  opts.StepTimeout,
		retryBackoff: opts.RetryBackoff,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		logger:       opts.Logger,
	}
	if o.stepTimeout <= 0 {
		o.stepTimeout = defaultStepTimeout
	}
	if o.retryBackoff <= 0 {
		o.retryBackoff = defaultRetryBackoff
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("")
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Dispatch extracts intents from message and runs them in order. The result
// is always non-nil. The returned error is set only when extraction failed,
// in which case no agent was invoked.
func (o *Orchestrator) Dispatch(ctx context.Context, message string, history []domain.ConversationTurn) (*AggregatedResult, error) {
	res := &AggregatedResult{RequestID: uuid.New(), StartedAt: time.Now().UTC()}
	ctx, span := o.tracer.Start(ctx, "orchestrator.dispatch",
		trace.WithAttributes(attribute.String("request_id", res.RequestID.String())))
	defer span.End()

	intents, err := o.extractor.Extract(ctx, message, history)
	if err != nil {
		res.Status = StatusFailed
		res.ErrorCode = agent.CodeOf(err)
		res.Summary = "I couldn't work out what to do with that request: " + err.Error()
		o.finish(ctx, span, res)
		return res, err
	}

	res.Invocations = o.Run(ctx, res.RequestID, intents)
	res.Status = overallStatus(res.Invocations)
	res.Summary = summarize(res.Invocations)
	res.AgentUsed = agentUsed(res.Invocations)
	o.finish(ctx, span, res)
	return res, nil
}

// Run executes already-validated intents in order and returns one invocation
// record per intent.
func (o *Orchestrator) Run(ctx context.Context, requestID uuid.UUID, intents []intent.Intent) []AgentInvocation {
	invs := make([]AgentInvocation, len(intents))
	for i, in := range intents {
		invs[i] = AgentInvocation{
			ID:        uuid.New(),
			Index:     i,
			Kind:      in.Kind,
			DependsOn: in.DependsOn,
			Input:     in.Params,
			Status:    StepSkipped,
		}
	}

	for i, in := range intents {
		inv := &invs[i]
		inv.StartedAt = time.Now().UTC()

		var dep *AgentInvocation
		if in.DependsOn != nil {
			d := *in.DependsOn
			if d < 0 || d >= i || invs[d].Status != StepSucceeded {
				inv.Status = StepDependencyFailed
				inv.ErrorCode = CodeDependencyFailed
				inv.Error = dependencyError(d, i, invs)
				o.recordStep(ctx, requestID, inv)
				return invs
			}
			dep = &invs[d]
		}

		c, ok := o.registry.Lookup(in.Kind)
		if !ok {
			inv.Status = StepFailed
			inv.ErrorCode = CodeUnknownIntentKind
			inv.Error = fmt.Sprintf("%s: %q", ErrUnknownIntentKind, in.Kind)
			o.recordStep(ctx, requestID, inv)
			return invs
		}
		inv.Agent = c.Agent.Name()
		inv.SideEffect = c.SideEffect

		var depOut *agent.Output
		if dep != nil {
			if !c.Accepts(dep.Kind) {
				inv.Status = StepDependencyFailed
				inv.ErrorCode = CodeDependencyFailed
				inv.Error = fmt.Sprintf("%s cannot consume output of %s step %d", inv.Agent, dep.Kind, dep.Index)
				o.recordStep(ctx, requestID, inv)
				return invs
			}
			depOut = dep.Output
		}

		if len(in.When) > 0 && !conditionHolds(in.When, depOut) {
			inv.Status = StepShortCircuited
			inv.Output = &agent.Output{Summary: fmt.Sprintf("Skipped %s: %s.", inv.Agent, describeUnmet(in.When, depOut))}
			o.recordStep(ctx, requestID, inv)
			return invs
		}

		req := &agent.Request{
			InvocationID: inv.ID,
			Kind:         in.Kind,
			Params:       in.Params,
			Dependency:   depOut,
		}
		inv.SideEffect = c.EffectFor(req)
		out, attempts, err := o.invoke(ctx, c, inv.SideEffect, req)
		inv.Attempts = attempts
		inv.Duration = time.Since(inv.StartedAt)
		if err != nil {
			inv.Status = StepFailed
			inv.ErrorCode = agent.CodeOf(err)
			inv.Error = err.Error()
			o.recordStep(ctx, requestID, inv)
			return invs
		}
		inv.Status = StepSucceeded
		inv.Output = out
		o.recordStep(ctx, requestID, inv)
	}
	return invs
}

// invoke calls the agent under the step timeout. Read-only agents get one
// retry on a transient failure; everything else runs exactly once.
func (o *Orchestrator) invoke(ctx context.Context, c agent.Capability, effect agent.SideEffect, req *agent.Request) (*agent.Output, int, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.step",
		trace.WithAttributes(
			attribute.String("kind", string(req.Kind)),
			attribute.String("agent", c.Agent.Name()),
			attribute.String("side_effect", string(effect)),
		))
	defer span.End()

	attempts := 0
	call := func(ctx context.Context) (*agent.Output, error) {
		attempts++
		stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		defer cancel()
		return c.Agent.Handle(stepCtx, req)
	}

	if effect != agent.ReadOnly {
		out, err := call(ctx)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return out, attempts, err
	}

	var out *agent.Output
	backoff := retry.WithMaxRetries(1, retry.NewConstant(o.retryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := call(ctx)
		if err != nil {
			if agent.IsTransient(err) && ctx.Err() == nil {
				if attempts == 1 && o.metrics != nil {
					o.metrics.RetriesTotal.WithLabelValues(string(req.Kind)).Inc()
				}
				return retry.RetryableError(err)
			}
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("attempts", attempts))
	return out, attempts, err
}

func (o *Orchestrator) recordStep(ctx context.Context, requestID uuid.UUID, inv *AgentInvocation) {
	if o.metrics != nil {
		o.metrics.StepsTotal.WithLabelValues(string(inv.Kind), string(inv.Status)).Inc()
		if inv.Attempts > 0 {
			o.metrics.StepDuration.WithLabelValues(string(inv.Kind)).Observe(inv.Duration.Seconds())
		}
	}

	attrs := []any{
		slog.String("request_id", requestID.String()),
		slog.String("invocation_id", inv.ID.String()),
		slog.Int("index", inv.Index),
		slog.String("kind", string(inv.Kind)),
		slog.String("agent", inv.Agent),
		slog.String("status", string(inv.Status)),
		slog.Int("attempts", inv.Attempts),
		slog.Duration("duration", inv.Duration),
	}
	if inv.Error != "" {
		attrs = append(attrs, slog.String("error_code", inv.ErrorCode), slog.String("error", inv.Error))
		o.logger.WarnContext(ctx, "step did not succeed", attrs...)
		return
	}
	o.logger.InfoContext(ctx, "step finished", attrs...)
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, res *AggregatedResult) {
	res.Duration = time.Since(res.StartedAt)
	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Int("steps", len(res.Invocations)),
	)
	if res.Status == StatusFailed {
		span.SetStatus(codes.Error, res.ErrorCode)
	}
	if o.metrics != nil {
		o.metrics.RequestsTotal.WithLabelValues(string(res.Status)).Inc()
		o.metrics.RequestDuration.WithLabelValues(string(res.Status)).Observe(res.Duration.Seconds())
	}
	o.logger.InfoContext(ctx, "request dispatched",
		slog.String("request_id", res.RequestID.String()),
		slog.String("status", string(res.Status)),
		slog.String("agent_used", res.AgentUsed),
		slog.Int("steps", len(res.Invocations)),
		slog.Duration("duration", res.Duration),
	)
}

func dependencyError(d, i int, invs []AgentInvocation) string {
	switch {
	case d == i:
		return fmt.Sprintf("step %d depends on itself", i)
	case d < 0 || d > i:
		return fmt.Sprintf("step %d depends on step %d, which has not run before it", i, d)
	}
	return fmt.Sprintf("step %d depends on step %d, which %s", i, d, invs[d].Status)
}

// conditionHolds compares each expected value with the dependency's output
// field of the same name. Values are compared as text, case-insensitively.
func conditionHolds(when map[string]any, dep *agent.Output) bool {
	if dep == nil {
		return false
	}
	for k, want := range when {
		got, ok := dep.Fields[k]
		if !ok || !strings.EqualFold(fmt.Sprint(got), fmt.Sprint(want)) {
			return false
		}
	}
	return true
}

func describeUnmet(when map[string]any, dep *agent.Output) string {
	parts := make([]string, 0, len(when))
	for k, want := range when {
		got := "<none>"
		if dep != nil {
			if v, ok := dep.Fields[k]; ok {
				got = fmt.Sprint(v)
			}
		}
		if !strings.EqualFold(got, fmt.Sprint(want)) {
			parts = append(parts, fmt.Sprintf("%s is %s, not %v", k, got, want))
		}
	}
	return strings.Join(parts, "; ")
}

func overallStatus(invs []AgentInvocation) Status {
	succeeded := 0
	for _, inv := range invs {
		switch inv.Status {
		case StepSucceeded:
			succeeded++
		case StepShortCircuited:
			return StatusShortCircuited
		}
	}
	switch {
	case succeeded == len(invs):
		return StatusCompleted
	case succeeded > 0:
		return StatusPartial
	}
	return StatusFailed
}

func summarize(invs []AgentInvocation) string {
	lines := make([]string, 0, len(invs))
	for _, inv := range invs {
		switch inv.Status {
		case StepSucceeded, StepShortCircuited:
			if inv.Output != nil && inv.Output.Summary != "" {
				lines = append(lines, inv.Output.Summary)
			}
		case StepFailed, StepDependencyFailed:
			name := inv.Agent
			if name == "" {
				name = string(inv.Kind)
			}
			lines = append(lines, fmt.Sprintf("%s failed (%s): %s", name, inv.ErrorCode, inv.Error))
		}
	}
	return strings.Join(lines, "\n")
}

func agentUsed(invs []AgentInvocation) string {
	names := make([]string, 0, len(invs))
	for _, inv := range invs {
		if inv.Agent != "" {
			names = append(names, inv.Agent)
		}
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	}
	return "MultiAgent: " + strings.Join(names, " → ")
}

// IsExtractionError reports whether err came from intent extraction.
func IsExtractionError(err error) bool {
	var xe *intent.ExtractionError
	return errors.As(err, &xe)
}
