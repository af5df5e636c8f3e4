package orchestrator

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/switchboard/internal/agent"
	"github.com/jkaninda/switchboard/internal/domain"
	"github.com/jkaninda/switchboard/internal/intent"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticExtractor struct {
	intents []intent.Intent
	err     error
	calls   int
}

func (s *staticExtractor) Extract(context.Context, string, []domain.ConversationTurn) ([]intent.Intent, error) {
	s.calls++
	return s.intents, s.err
}

type funcAgent struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, req *agent.Request) (*agent.Output, error)
}

func (a *funcAgent) Name() string { return a.name }

func (a *funcAgent) Handle(ctx context.Context, req *agent.Request) (*agent.Output, error) {
	a.calls.Add(1)
	return a.fn(ctx, req)
}

func statusAgent(name, status string) *funcAgent {
	return &funcAgent{name: name, fn: func(_ context.Context, req *agent.Request) (*agent.Output, error) {
		return &agent.Output{
			Summary: name + " ok",
			Fields:  map[string]any{"ticket_id": "TKT-005", "status": status},
		}, nil
	}}
}

func failingAgent(name string, err error) *funcAgent {
	return &funcAgent{name: name, fn: func(context.Context, *agent.Request) (*agent.Output, error) {
		return nil, err
	}}
}

type transientErr struct{}

func (transientErr) Error() string   { return "connection reset" }
func (transientErr) Transient() bool { return true }

func idx(i int) *int { return &i }

type fixture struct {
	search, process, notify *funcAgent
	registry                *agent.Registry
}

func newFixture(search, process, notify *funcAgent) *fixture {
	r := agent.NewRegistry(discardLogger())
	r.Register(agent.Capability{Kind: intent.KindSearch, Agent: search, SideEffect: agent.ReadOnly})
	r.Register(agent.Capability{
		Kind:        intent.KindProcess,
		Agent:       process,
		SideEffect:  agent.Mutating,
		AcceptsFrom: []intent.Kind{intent.KindSearch},
	})
	r.Register(agent.Capability{
		Kind:        intent.KindNotify,
		Agent:       notify,
		SideEffect:  agent.ExternalCall,
		AcceptsFrom: []intent.Kind{intent.KindSearch, intent.KindProcess},
	})
	return &fixture{search: search, process: process, notify: notify, registry: r}
}

func (f *fixture) orchestrator(x intent.Extractor, opts Options) *Orchestrator {
	opts.Logger = discardLogger()
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	return New(x, f.registry, opts)
}

func searchThenProcess(when map[string]any) []intent.Intent {
	return []intent.Intent{
		{Kind: intent.KindSearch, Params: map[string]any{"action": "find", "ticket_id": "TKT-005"}},
		{Kind: intent.KindProcess, DependsOn: idx(0), When: when},
	}
}

func TestDispatch_ChainsDependencyOutput(t *testing.T) {
	var gotDep *agent.Output
	process := &funcAgent{name: "ProcessorAgent", fn: func(_ context.Context, req *agent.Request) (*agent.Output, error) {
		gotDep = req.Dependency
		return &agent.Output{Summary: "resolved " + req.Dependency.Field("ticket_id")}, nil
	}}
	f := newFixture(statusAgent("SearchAgent", "pending"), process, statusAgent("WebhookAgent", "notified"))
	o := f.orchestrator(&staticExtractor{intents: searchThenProcess(map[string]any{"status": "pending"})}, Options{})

	res, err := o.Dispatch(context.Background(), "search TKT-005, if pending process it", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", res.Status, res.Summary)
	}
	if gotDep == nil || gotDep.Field("ticket_id") != "TKT-005" {
		t.Errorf("processor did not receive search output: %+v", gotDep)
	}
	if res.AgentUsed != "MultiAgent: SearchAgent → ProcessorAgent" {
		t.Errorf("unexpected agent_used %q", res.AgentUsed)
	}
	if !strings.Contains(res.Summary, "resolved TKT-005") {
		t.Errorf("unexpected summary %q", res.Summary)
	}
	for _, inv := range res.Invocations {
		if inv.Attempts != 1 || inv.Status != StepSucceeded {
			t.Errorf("unexpected invocation %+v", inv)
		}
	}
}

func TestDispatch_ShortCircuitWhenConditionFails(t *testing.T) {
	f := newFixture(statusAgent("SearchAgent", "resolved"), statusAgent("ProcessorAgent", "resolved"), statusAgent("WebhookAgent", "notified"))
	intents := append(searchThenProcess(map[string]any{"status": "pending"}),
		intent.Intent{Kind: intent.KindNotify, DependsOn: idx(1)})
	o := f.orchestrator(&staticExtractor{intents: intents}, Options{})

	res, err := o.Dispatch(context.Background(), "search TKT-005, if pending process it and notify", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != StatusShortCircuited {
		t.Fatalf("expected short_circuited, got %s", res.Status)
	}
	want := []StepStatus{StepSucceeded, StepShortCircuited, StepSkipped}
	for i, inv := range res.Invocations {
		if inv.Status != want[i] {
			t.Errorf("step %d: expected %s, got %s", i, want[i], inv.Status)
		}
	}
	if f.process.calls.Load() != 0 || f.notify.calls.Load() != 0 {
		t.Error("short-circuited and skipped agents must not be invoked")
	}
	if res.Invocations[1].ErrorCode != "" {
		t.Errorf("short circuit is not an error, got code %q", res.Invocations[1].ErrorCode)
	}
	if !strings.Contains(res.Summary, "status is resolved") {
		t.Errorf("summary should explain the unmet condition, got %q", res.Summary)
	}
}

func TestDispatch_DependencyFailedSkipsRest(t *testing.T) {
	search := statusAgent("SearchAgent", "pending")
	process := failingAgent("ProcessorAgent", errors.New("store unavailable"))
	f := newFixture(search, process, statusAgent("WebhookAgent", "notified"))
	o := f.orchestrator(&staticExtractor{intents: []intent.Intent{
		{Kind: intent.KindSearch},
		{Kind: intent.KindProcess, DependsOn: idx(0)},
		{Kind: intent.KindNotify, DependsOn: idx(1)},
		{Kind: intent.KindSearch},
	}}, Options{})

	res, _ := o.Dispatch(context.Background(), "msg", nil)
	if res.Status != StatusPartial {
		t.Fatalf("expected partial, got %s", res.Status)
	}
	want := []StepStatus{StepSucceeded, StepFailed, StepSkipped, StepSkipped}
	for i, inv := range res.Invocations {
		if inv.Status != want[i] {
			t.Errorf("step %d: expected %s, got %s", i, want[i], inv.Status)
		}
	}
	if res.Invocations[1].ErrorCode != agent.CodeAgentError {
		t.Errorf("unexpected error code %q", res.Invocations[1].ErrorCode)
	}
	if process.calls.Load() != 1 {
		t.Errorf("mutating agent must run exactly once, ran %d", process.calls.Load())
	}
}

func TestDispatch_InvalidDependencyReferences(t *testing.T) {
	tests := []struct {
		name    string
		intents []intent.Intent
		status  Status
	}{
		{"self", []intent.Intent{{Kind: intent.KindProcess, DependsOn: idx(0)}}, StatusFailed},
		{"forward", []intent.Intent{
			{Kind: intent.KindProcess, DependsOn: idx(1)},
			{Kind: intent.KindSearch},
		}, StatusFailed},
		{"cycle", []intent.Intent{
			{Kind: intent.KindSearch},
			{Kind: intent.KindProcess, DependsOn: idx(2)},
			{Kind: intent.KindNotify, DependsOn: idx(1)},
		}, StatusPartial},
		{"negative", []intent.Intent{{Kind: intent.KindProcess, DependsOn: idx(-1)}}, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(statusAgent("SearchAgent", "pending"), statusAgent("ProcessorAgent", "resolved"), statusAgent("WebhookAgent", "notified"))
			res, _ := f.orchestrator(&staticExtractor{intents: tt.intents}, Options{}).Dispatch(context.Background(), "m", nil)
			if res.Status != tt.status {
				t.Errorf("expected %s, got %s", tt.status, res.Status)
			}
			var found bool
			for _, inv := range res.Invocations {
				if inv.Status == StepDependencyFailed {
					found = true
					if inv.ErrorCode != CodeDependencyFailed {
						t.Errorf("unexpected code %q", inv.ErrorCode)
					}
				}
			}
			if !found {
				t.Error("expected a dependency_failed step")
			}
			if f.process.calls.Load() != 0 {
				t.Error("processor must not run with an unresolved dependency")
			}
		})
	}
}

func TestDispatch_IncompatibleDependency(t *testing.T) {
	f := newFixture(statusAgent("SearchAgent", "pending"), statusAgent("ProcessorAgent", "resolved"), statusAgent("WebhookAgent", "notified"))
	o := f.orchestrator(&staticExtractor{intents: []intent.Intent{
		{Kind: intent.KindNotify, Params: map[string]any{"ticket_id": "TKT-1"}},
		{Kind: intent.KindProcess, DependsOn: idx(0)},
	}}, Options{})

	res, _ := o.Dispatch(context.Background(), "m", nil)
	if res.Invocations[1].Status != StepDependencyFailed {
		t.Errorf("processor should not accept webhook output, got %s", res.Invocations[1].Status)
	}
}

func TestDispatch_UnknownIntentKind(t *testing.T) {
	f := newFixture(statusAgent("SearchAgent", "pending"), statusAgent("ProcessorAgent", "resolved"), statusAgent("WebhookAgent", "notified"))
	o := f.orchestrator(&staticExtractor{intents: []intent.Intent{
		{Kind: intent.KindSchemaOp},
		{Kind: intent.KindSearch},
	}}, Options{})

	res, _ := o.Dispatch(context.Background(), "m", nil)
	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if res.Invocations[0].ErrorCode != CodeUnknownIntentKind || res.Invocations[1].Status != StepSkipped {
		t.Errorf("unexpected invocations %+v", res.Invocations)
	}
	if f.search.calls.Load() != 0 {
		t.Error("later steps must not run after a failure")
	}
}

func TestDispatch_ExtractionFailure(t *testing.T) {
	f := newFixture(statusAgent("SearchAgent", "pending"), statusAgent("ProcessorAgent", "resolved"), statusAgent("WebhookAgent", "notified"))
	x := &staticExtractor{err: &intent.ExtractionError{Reason: "no JSON object in model response"}}
	res, err := f.orchestrator(x, Options{}).Dispatch(context.Background(), "gibberish", nil)
	if !IsExtractionError(err) {
		t.Fatalf("expected extraction error, got %v", err)
	}
	if res.Status != StatusFailed || res.ErrorCode != "ExtractionError" || len(res.Invocations) != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if f.search.calls.Load() != 0 {
		t.Error("no agent may run when extraction fails")
	}
}

func TestDispatch_ReadOnlyRetriedOnceOnTransient(t *testing.T) {
	var n atomic.Int32
	search := &funcAgent{name: "SearchAgent", fn: func(context.Context, *agent.Request) (*agent.Output, error) {
		if n.Add(1) == 1 {
			return nil, fmt.Errorf("query: %w", driver.ErrBadConn)
		}
		return &agent.Output{Summary: "found"}, nil
	}}
	f := newFixture(search, statusAgent("ProcessorAgent", "resolved"), statusAgent("WebhookAgent", "notified"))
	reg := prometheus.NewRegistry()
	o := f.orchestrator(&staticExtractor{intents: []intent.Intent{{Kind: intent.KindSearch}}}, Options{Metrics: NewMetrics(reg)})

	res, _ := o.Dispatch(context.Background(), "m", nil)
	if res.Status != StatusCompleted || res.Invocations[0].Attempts != 2 {
		t.Fatalf("expected success on second attempt, got %s after %d", res.Status, res.Invocations[0].Attempts)
	}
	if v := counterValue(t, reg, "switchboard_dispatch_retries_total", "search"); v != 1 {
		t.Errorf("expected one retry recorded, got %v", v)
	}
	if v := counterValue(t, reg, "switchboard_dispatch_requests_total", "completed"); v != 1 {
		t.Errorf("expected one completed request, got %v", v)
	}
}

func TestDispatch_ReadOnlyRetryIsBounded(t *testing.T) {
	search := failingAgent("SearchAgent", transientErr{})
	f := newFixture(search, statusAgent("ProcessorAgent", "resolved"), statusAgent("WebhookAgent", "notified"))
	o := f.orchestrator(&staticExtractor{intents: []intent.Intent{{Kind: intent.KindSearch}}}, Options{})

	res, _ := o.Dispatch(context.Background(), "m", nil)
	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if search.calls.Load() != 2 || res.Invocations[0].Attempts != 2 {
		t.Errorf("expected exactly two attempts, got %d", search.calls.Load())
	}
}

func TestDispatch_SideEffectingAgentsNeverRetried(t *testing.T) {
	process := failingAgent("ProcessorAgent", transientErr{})
	notify := failingAgent("WebhookAgent", transientErr{})
	f := newFixture(statusAgent("SearchAgent", "pending"), process, notify)

	for _, k := range []intent.Kind{intent.KindProcess, intent.KindNotify} {
		o := f.orchestrator(&staticExtractor{intents: []intent.Intent{{Kind: k, Params: map[string]any{"ticket_id": "TKT-1"}}}}, Options{})
		res, _ := o.Dispatch(context.Background(), "m", nil)
		if res.Invocations[0].Attempts != 1 {
			t.Errorf("%s: expected a single attempt, got %d", k, res.Invocations[0].Attempts)
		}
	}
	if process.calls.Load() != 1 || notify.calls.Load() != 1 {
		t.Errorf("unexpected call counts process=%d notify=%d", process.calls.Load(), notify.calls.Load())
	}
}

func TestDispatch_ClassifiedReadsRetried(t *testing.T) {
	data := failingAgent("DataAgent", transientErr{})
	r := agent.NewRegistry(discardLogger())
	r.Register(agent.Capability{
		Kind:       intent.KindDataOp,
		Agent:      data,
		SideEffect: agent.Mutating,
		Classify: func(req *agent.Request) agent.SideEffect {
			if req.Param("action") == "select" {
				return agent.ReadOnly
			}
			return ""
		},
	})

	tests := []struct {
		action   string
		effect   agent.SideEffect
		attempts int
	}{
		{"select", agent.ReadOnly, 2},
		{"insert", agent.Mutating, 1},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			x := &staticExtractor{intents: []intent.Intent{{Kind: intent.KindDataOp, Params: map[string]any{"action": tt.action, "table": "events"}}}}
			o := New(x, r, Options{Logger: discardLogger(), RetryBackoff: time.Millisecond})
			res, _ := o.Dispatch(context.Background(), "m", nil)
			inv := res.Invocations[0]
			if inv.SideEffect != tt.effect || inv.Attempts != tt.attempts {
				t.Errorf("expected %s with %d attempts, got %s with %d", tt.effect, tt.attempts, inv.SideEffect, inv.Attempts)
			}
		})
	}
}

func TestDispatch_StepTimeout(t *testing.T) {
	slow := &funcAgent{name: "ProcessorAgent", fn: func(ctx context.Context, _ *agent.Request) (*agent.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(statusAgent("SearchAgent", "pending"), slow, statusAgent("WebhookAgent", "notified"))
	o := f.orchestrator(&staticExtractor{intents: []intent.Intent{{Kind: intent.KindProcess}}}, Options{StepTimeout: 20 * time.Millisecond})

	res, _ := o.Dispatch(context.Background(), "m", nil)
	inv := res.Invocations[0]
	if inv.Status != StepFailed || inv.ErrorCode != agent.CodeTimeout {
		t.Errorf("expected timeout failure, got %s/%s", inv.Status, inv.ErrorCode)
	}
}

func TestAgentUsed(t *testing.T) {
	if got := agentUsed([]AgentInvocation{{Agent: "SearchAgent"}}); got != "SearchAgent" {
		t.Errorf("single agent: got %q", got)
	}
	if got := agentUsed([]AgentInvocation{{Agent: "SearchAgent"}, {Agent: "ProcessorAgent"}, {Status: StepSkipped}}); got != "MultiAgent: SearchAgent → ProcessorAgent" {
		t.Errorf("multi agent: got %q", got)
	}
}

func TestConditionHolds(t *testing.T) {
	dep := &agent.Output{Fields: map[string]any{"status": "Pending", "already_resolved": false, "count": 2}}
	tests := []struct {
		when map[string]any
		want bool
	}{
		{map[string]any{"status": "pending"}, true},
		{map[string]any{"status": "resolved"}, false},
		{map[string]any{"already_resolved": false}, true},
		{map[string]any{"count": "2"}, true},
		{map[string]any{"owner": "alice"}, false},
	}
	for _, tt := range tests {
		if got := conditionHolds(tt.when, dep); got != tt.want {
			t.Errorf("conditionHolds(%v) = %v, want %v", tt.when, got, tt.want)
		}
	}
	if conditionHolds(map[string]any{"status": "pending"}, nil) {
		t.Error("a condition never holds without a dependency output")
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if hasLabelValue(m, label) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func hasLabelValue(m *dto.Metric, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetValue() == value {
			return true
		}
	}
	return false
}
