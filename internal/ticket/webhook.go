package ticket

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/switchboard/internal/agent"
	"github.com/jkaninda/switchboard/internal/domain"
	"github.com/jkaninda/switchboard/internal/notification"
)

// WebhookAgent notifies the external system about a ticket. Delivery is
// attempted exactly once per invocation.
type WebhookAgent struct {
	store    Store
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewWebhookAgent creates a webhook agent.
func NewWebhookAgent(store Store, notifier notification.Notifier, logger *slog.Logger) *WebhookAgent {
	return &WebhookAgent{store: store, notifier: notifier, logger: logger}
}

func (a *WebhookAgent) Name() string { return "WebhookAgent" }

// Handle posts the notification and, when the ticket is resolved, marks it notified.
func (a *WebhookAgent) Handle(ctx context.Context, req *agent.Request) (*agent.Output, error) {
	id := ticketID(req)
	if id == "" {
		return nil, &Error{Code: CodeInvalidInput, Detail: "ticket_id is required"}
	}
	status := strings.ToLower(req.Param("status"))
	if status == "" {
		status = notification.StatusDone
	}
	if !notification.ValidStatus(status) {
		return nil, &Error{Code: CodeInvalidInput, TicketID: id, Detail: fmt.Sprintf("unsupported notification status %q", status)}
	}

	t, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{"ticket_status": string(t.Status)}
	if owner, ok := t.Payload["owner"]; ok {
		metadata["owner"] = owner
	}
	if extra, ok := req.Params["metadata"].(map[string]any); ok {
		for k, v := range extra {
			metadata[k] = v
		}
	}

	result, err := a.notifier.Send(ctx, notification.Payload{
		TicketNumber: t.ID,
		Status:       status,
		Metadata:     metadata,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return nil, &Error{Code: CodeDeliveryFailed, TicketID: t.ID, Err: err}
	}

	final := t.Status
	if t.Status == domain.TicketResolved {
		applied, err := a.store.Transition(ctx, t.ID, domain.TicketResolved, domain.TicketNotified, req.InvocationID)
		if err != nil {
			// The notification went out; only the bookkeeping failed.
			a.logger.ErrorContext(ctx, "marking ticket notified failed",
				slog.String("ticket_id", t.ID),
				slog.String("error", err.Error()),
			)
		} else if applied {
			final = domain.TicketNotified
		}
	}

	return &agent.Output{
		Summary: fmt.Sprintf("Webhook notification sent for %s with status %q (HTTP %d).", t.ID, status, result.StatusCode),
		Fields: map[string]any{
			"ticket_id":   t.ID,
			"status":      string(final),
			"delivered":   result.Delivered,
			"status_code": result.StatusCode,
		},
		Data: result,
	}, nil
}

var _ agent.Agent = (*WebhookAgent)(nil)
