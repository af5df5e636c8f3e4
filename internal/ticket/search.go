package ticket

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/switchboard/internal/agent"
	"github.com/jkaninda/switchboard/internal/domain"
)

// Search actions.
const (
	ActionFind = "find"
	ActionList = "list"
)

const listLimit = 100

// SearchAgent looks tickets up. It never writes.
type SearchAgent struct {
	store  Store
	logger *slog.Logger
}

// NewSearchAgent creates a search agent over store.
func NewSearchAgent(store Store, logger *slog.Logger) *SearchAgent {
	return &SearchAgent{store: store, logger: logger}
}

func (a *SearchAgent) Name() string { return "SearchAgent" }

// Handle finds one ticket by id, or lists tickets with an optional status filter.
func (a *SearchAgent) Handle(ctx context.Context, req *agent.Request) (*agent.Output, error) {
	action := strings.ToLower(req.Param("action"))
	id := ticketID(req)
	if action == "" {
		action = ActionFind
		if id == "" {
			action = ActionList
		}
	}

	switch action {
	case ActionFind:
		if id == "" {
			return nil, &Error{Code: CodeInvalidInput, Detail: "ticket_id is required"}
		}
		t, err := a.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return &agent.Output{
			Summary: fmt.Sprintf("Ticket %s is %s.", t.ID, t.Status),
			Fields: map[string]any{
				"ticket_id": t.ID,
				"status":    string(t.Status),
			},
			Data: ticketView(t),
		}, nil

	case ActionList:
		var status domain.TicketStatus
		if raw := req.Param("status"); raw != "" {
			st, ok := domain.ParseTicketStatus(strings.ToLower(raw))
			if !ok {
				return nil, &Error{Code: CodeInvalidInput, Detail: fmt.Sprintf("unknown status %q", raw)}
			}
			status = st
		}
		tickets, err := a.store.List(ctx, status, listLimit)
		if err != nil {
			return nil, fmt.Errorf("listing tickets: %w", err)
		}
		views := make([]map[string]any, 0, len(tickets))
		ids := make([]string, 0, len(tickets))
		for i := range tickets {
			views = append(views, ticketView(&tickets[i]))
			ids = append(ids, tickets[i].ID)
		}
		out := &agent.Output{
			Summary: listSummary(status, ids),
			Fields:  map[string]any{"count": len(tickets)},
			Data:    views,
		}
		if status != "" {
			out.Fields["status"] = string(status)
		}
		// A single match can feed a dependent step like a find would.
		if len(tickets) == 1 {
			out.Fields["ticket_id"] = tickets[0].ID
			out.Fields["status"] = string(tickets[0].Status)
		}
		return out, nil
	}
	return nil, &Error{Code: CodeInvalidInput, Detail: fmt.Sprintf("unknown search action %q", action)}
}

func listSummary(status domain.TicketStatus, ids []string) string {
	scope := "tickets"
	if status != "" {
		scope = string(status) + " tickets"
	}
	if len(ids) == 0 {
		return "No " + scope + " found."
	}
	return fmt.Sprintf("Found %d %s: %s.", len(ids), scope, strings.Join(ids, ", "))
}

func ticketView(t *domain.Ticket) map[string]any {
	return map[string]any{
		"ticket_id":  t.ID,
		"status":     string(t.Status),
		"payload":    t.Payload,
		"created_at": t.CreatedAt,
		"updated_at": t.UpdatedAt,
	}
}

// ticketID reads the ticket id from params, falling back to the dependency's
// output. Ids are matched case-insensitively and stored upper-case.
func ticketID(req *agent.Request) string {
	id := req.Param("ticket_id")
	if id == "" {
		id = req.Param("ticket_number")
	}
	if id == "" {
		id = req.Dependency.Field("ticket_id")
	}
	return strings.ToUpper(strings.TrimSpace(id))
}

var _ agent.Agent = (*SearchAgent)(nil)
