// Package mcpserver exposes webhook notifications as MCP tools so assistants
// can notify the ticketing backend directly over stdio.
package mcpserver

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/switchboard/internal/notification"
)

// New builds an MCP server with the webhook tools registered.
func New(notifier notification.Notifier, version string, logger *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"switchboard-webhook",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	registerTools(s, notifier, logger)
	return s
}

// Serve runs the MCP server over stdio until stdin closes.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func registerTools(s *server.MCPServer, notifier notification.Notifier, logger *slog.Logger) {
	ticketTool := NewTicketNotificationTool(notifier, logger)
	s.AddTool(ticketTool.Definition(), ticketTool.Handle)

	customTool := NewCustomWebhookTool(notifier, logger)
	s.AddTool(customTool.Definition(), customTool.Handle)

	statusTool := NewWebhookStatusTool(notifier)
	s.AddTool(statusTool.Definition(), statusTool.Handle)
}

const instructions = `Use send_ticket_notification once a ticket has been resolved.
Use send_custom_webhook to report any other status with optional metadata.
Use check_webhook_status to verify the webhook endpoint is reachable.`
