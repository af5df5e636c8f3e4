package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/switchboard/internal/notification"
)

// --- send_ticket_notification ---

// TicketNotificationTool reports a ticket as done.
type TicketNotificationTool struct {
	notifier notification.Notifier
	logger   *slog.Logger
}

func NewTicketNotificationTool(n notification.Notifier, logger *slog.Logger) *TicketNotificationTool {
	return &TicketNotificationTool{notifier: n, logger: logger}
}

func (t *TicketNotificationTool) Definition() mcp.Tool {
	return mcp.NewTool("send_ticket_notification",
		mcp.WithDescription("Send a webhook notification marking a ticket as done."),
		mcp.WithString("ticket_number",
			mcp.Required(),
			mcp.Description("Ticket identifier, e.g. TKT-001."),
		),
	)
}

func (t *TicketNotificationTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := ticketNumber(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return deliver(ctx, t.notifier, t.logger, notification.Payload{
		TicketNumber: id,
		Status:       notification.StatusDone,
	})
}

// --- send_custom_webhook ---

// CustomWebhookTool sends an arbitrary status with metadata.
type CustomWebhookTool struct {
	notifier notification.Notifier
	logger   *slog.Logger
}

func NewCustomWebhookTool(n notification.Notifier, logger *slog.Logger) *CustomWebhookTool {
	return &CustomWebhookTool{notifier: n, logger: logger}
}

func (t *CustomWebhookTool) Definition() mcp.Tool {
	return mcp.NewTool("send_custom_webhook",
		mcp.WithDescription("Send a webhook with a custom status and optional metadata."),
		mcp.WithString("ticket_number",
			mcp.Required(),
			mcp.Description("Ticket identifier, e.g. TKT-001."),
		),
		mcp.WithString("status",
			mcp.Description("Status to report. Defaults to done."),
			mcp.Enum(notification.StatusDone, notification.StatusPending, notification.StatusInProgress, notification.StatusCancelled),
		),
		mcp.WithObject("metadata",
			mcp.Description("Additional key/value data included in the payload."),
		),
	)
}

func (t *CustomWebhookTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := ticketNumber(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	args := req.GetArguments()

	status := notification.StatusDone
	if s, ok := args["status"].(string); ok && s != "" {
		status = s
	}
	if !notification.ValidStatus(status) {
		return mcp.NewToolResultError(fmt.Sprintf("invalid status %q", status)), nil
	}

	var metadata map[string]any
	switch m := args["metadata"].(type) {
	case nil:
	case map[string]any:
		metadata = m
	default:
		return mcp.NewToolResultError("metadata must be an object"), nil
	}

	return deliver(ctx, t.notifier, t.logger, notification.Payload{
		TicketNumber: id,
		Status:       status,
		Metadata:     metadata,
	})
}

// --- check_webhook_status ---

// WebhookStatusTool probes the webhook endpoint.
type WebhookStatusTool struct {
	notifier notification.Notifier
}

func NewWebhookStatusTool(n notification.Notifier) *WebhookStatusTool {
	return &WebhookStatusTool{notifier: n}
}

func (t *WebhookStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("check_webhook_status",
		mcp.WithDescription("Check whether the configured webhook endpoint is reachable."),
	)
}

func (t *WebhookStatusTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := t.notifier.Check(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("webhook unreachable: %v", err)), nil
	}
	return jsonResult(st)
}

// --- helpers ---

func ticketNumber(req mcp.CallToolRequest) (string, error) {
	id, _ := req.GetArguments()["ticket_number"].(string)
	id = strings.ToUpper(strings.TrimSpace(id))
	if id == "" {
		return "", fmt.Errorf("ticket_number is required")
	}
	return id, nil
}

func deliver(ctx context.Context, n notification.Notifier, logger *slog.Logger, p notification.Payload) (*mcp.CallToolResult, error) {
	res, err := n.Send(ctx, p)
	if err != nil {
		logger.WarnContext(ctx, "mcp webhook delivery failed",
			slog.String("ticket_id", p.TicketNumber),
			slog.String("status", p.Status),
			slog.String("error", err.Error()),
		)
		return mcp.NewToolResultError(fmt.Sprintf("webhook delivery failed: %v", err)), nil
	}
	logger.InfoContext(ctx, "mcp webhook delivered",
		slog.String("ticket_id", p.TicketNumber),
		slog.String("status", p.Status),
		slog.Int("status_code", res.StatusCode),
	)
	return jsonResult(res)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
