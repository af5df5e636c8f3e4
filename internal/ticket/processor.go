package ticket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/switchboard/internal/agent"
	"github.com/jkaninda/switchboard/internal/domain"
)

// ProcessorAgent resolves pending tickets. Resolving is idempotent: a ticket
// that is already resolved or notified is reported as such and left alone.
type ProcessorAgent struct {
	store  Store
	logger *slog.Logger
}

// NewProcessorAgent creates a processor agent over store.
func NewProcessorAgent(store Store, logger *slog.Logger) *ProcessorAgent {
	return &ProcessorAgent{store: store, logger: logger}
}

func (a *ProcessorAgent) Name() string { return "ProcessorAgent" }

// Handle moves the ticket from pending to resolved.
func (a *ProcessorAgent) Handle(ctx context.Context, req *agent.Request) (*agent.Output, error) {
	id := ticketID(req)
	if id == "" {
		return nil, &Error{Code: CodeInvalidInput, Detail: "ticket_id is required"}
	}

	t, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case domain.TicketResolved, domain.TicketNotified:
		return resolvedOutput(t.ID, t.Status, true), nil
	case domain.TicketProcessing:
		return nil, &Error{Code: CodeInvalidTransition, TicketID: t.ID, Status: t.Status, Detail: "ticket is being processed"}
	case domain.TicketPending:
	default:
		return nil, &Error{Code: CodeInvalidTransition, TicketID: t.ID, Status: t.Status}
	}

	applied, err := a.store.Transition(ctx, t.ID, domain.TicketPending, domain.TicketResolved, req.InvocationID)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Lost a race with a concurrent request; report what it left behind.
		cur, err := a.store.Get(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status == domain.TicketResolved || cur.Status == domain.TicketNotified {
			return resolvedOutput(cur.ID, cur.Status, true), nil
		}
		return nil, &Error{Code: CodeInvalidTransition, TicketID: cur.ID, Status: cur.Status}
	}

	a.logger.InfoContext(ctx, "ticket resolved",
		slog.String("ticket_id", t.ID),
		slog.String("invocation_id", req.InvocationID.String()),
	)
	return resolvedOutput(t.ID, domain.TicketResolved, false), nil
}

func resolvedOutput(id string, status domain.TicketStatus, already bool) *agent.Output {
	summary := fmt.Sprintf("Ticket %s resolved.", id)
	if already {
		summary = fmt.Sprintf("Ticket %s was already %s.", id, status)
	}
	return &agent.Output{
		Summary: summary,
		Fields: map[string]any{
			"ticket_id":        id,
			"status":           string(status),
			"already_resolved": already,
		},
	}
}

var _ agent.Agent = (*ProcessorAgent)(nil)
