package orchestrator_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/switchboard/internal/agent"
	"github.com/jkaninda/switchboard/internal/domain"
	"github.com/jkaninda/switchboard/internal/intent"
	"github.com/jkaninda/switchboard/internal/orchestrator"
	"github.com/jkaninda/switchboard/internal/storage/sqlite"
	"github.com/jkaninda/switchboard/internal/ticket"
)

const ticketsCSV = `ticket_number,status,body
TKT-001,pending,Printer is jammed
TKT-005,solved,Email sync broken
`

type staticIntents []intent.Intent

func (s staticIntents) Extract(context.Context, string, []domain.ConversationTurn) ([]intent.Intent, error) {
	return s, nil
}

// newTicketOrchestrator wires the real search and processor agents over a
// SQLite ticket store.
func newTicketOrchestrator(t *testing.T, intents []intent.Intent) (*orchestrator.Orchestrator, ticket.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "tickets.db")}, logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	if _, err := ticket.Import(context.Background(), st.Tickets(), strings.NewReader(ticketsCSV)); err != nil {
		t.Fatalf("importing tickets: %v", err)
	}

	reg := agent.NewRegistry(logger)
	reg.Register(agent.Capability{
		Kind:       intent.KindSearch,
		Agent:      ticket.NewSearchAgent(st.Tickets(), logger),
		SideEffect: agent.ReadOnly,
	})
	reg.Register(agent.Capability{
		Kind:        intent.KindProcess,
		Agent:       ticket.NewProcessorAgent(st.Tickets(), logger),
		SideEffect:  agent.Mutating,
		AcceptsFrom: []intent.Kind{intent.KindSearch},
	})
	o := orchestrator.New(staticIntents(intents), reg, orchestrator.Options{
		RetryBackoff: time.Millisecond,
		Logger:       logger,
	})
	return o, st.Tickets()
}

func searchWhenPending(id string) []intent.Intent {
	dep := 0
	return []intent.Intent{
		{Kind: intent.KindSearch, Params: map[string]any{"action": "find", "ticket_id": id}},
		{Kind: intent.KindProcess, DependsOn: &dep, When: map[string]any{"status": "pending"}},
	}
}

func TestDispatch_SearchThenProcessSkipsResolvedTicket(t *testing.T) {
	o, tickets := newTicketOrchestrator(t, searchWhenPending("TKT-005"))
	ctx := context.Background()

	res, err := o.Dispatch(ctx, "search TKT-005, when status=pending, process", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != orchestrator.StatusShortCircuited {
		t.Fatalf("expected short_circuited, got %s (%s)", res.Status, res.Summary)
	}
	if res.ErrorCode != "" {
		t.Errorf("short circuit is not an error, got code %q", res.ErrorCode)
	}
	if len(res.Invocations) != 2 || res.Invocations[1].Status != orchestrator.StepShortCircuited {
		t.Fatalf("unexpected invocations %+v", res.Invocations)
	}

	transitions, err := tickets.Transitions(ctx, "TKT-005")
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(transitions) != 0 {
		t.Errorf("expected no transitions for a resolved ticket, got %+v", transitions)
	}
	got, err := tickets.Get(ctx, "TKT-005")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.TicketResolved {
		t.Errorf("expected status to stay resolved, got %s", got.Status)
	}
}

func TestDispatch_SearchThenProcessResolvesPendingTicket(t *testing.T) {
	o, tickets := newTicketOrchestrator(t, searchWhenPending("TKT-001"))
	ctx := context.Background()

	res, err := o.Dispatch(ctx, "search TKT-001, when status=pending, process", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != orchestrator.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", res.Status, res.Summary)
	}
	if res.AgentUsed != "MultiAgent: SearchAgent → ProcessorAgent" {
		t.Errorf("unexpected agent_used %q", res.AgentUsed)
	}

	transitions, err := tickets.Transitions(ctx, "TKT-001")
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(transitions) != 1 || transitions[0].From != domain.TicketPending || transitions[0].To != domain.TicketResolved {
		t.Errorf("expected one pending->resolved transition, got %+v", transitions)
	}
}
