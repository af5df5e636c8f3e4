package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jkaninda/switchboard/internal/config"
	"github.com/jkaninda/switchboard/internal/mcpserver"
	"github.com/jkaninda/switchboard/internal/notification"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the webhook notification tools over MCP stdio",
	Long: `Runs an MCP server on stdin/stdout exposing send_ticket_notification,
send_custom_webhook and check_webhook_status. Logs are written to stderr.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMCP(_ *cobra.Command, _ []string) error {
	logger := newLogger(slog.LevelInfo)

	cfg, err := loadConfig(mcpConfigPath)
	if err != nil {
		return err
	}
	if cfg.Webhook == nil || cfg.Webhook.URL == "" {
		return fmt.Errorf("webhook.url (or WEBHOOK_URL) is required for the MCP server")
	}

	sender := notification.NewWebhookSender(notification.WebhookOptions{
		URL:          cfg.Webhook.URL,
		Timeout:      cfg.Webhook.Timeout(),
		AllowPrivate: cfg.Webhook.AllowPrivate,
	}, logger)

	logger.Info("starting MCP stdio server", slog.String("webhook", sender.URL()))
	return mcpserver.Serve(mcpserver.New(sender, version, logger))
}
