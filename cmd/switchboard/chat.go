package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/switchboard/internal/config"
)

var (
	chatConfigPath string
	chatMessage    string
	chatSession    string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Dispatch one message in-process and print the aggregated result",
	Example: `  switchboard chat "list pending tickets"
  switchboard chat -m "process TKT-005 then notify" --session ops`,
	Args: cobra.ArbitraryArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "message to dispatch")
	chatCmd.Flags().StringVar(&chatSession, "session", "", "conversation session id (default \"default\")")
}

func runChat(cmd *cobra.Command, args []string) error {
	message := chatMessage
	if message == "" {
		message = strings.Join(args, " ")
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("a message is required (pass it as an argument or with -m)")
	}

	logger := newLogger(slog.LevelWarn)
	cfg, err := loadConfig(chatConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateProvider(); err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resp, err := sc.Chat.Handle(ctx, chatSession, message)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if resp.ErrorCode != "" {
		fmt.Fprintf(os.Stderr, "request finished with status %s (%s)\n", resp.Status, resp.ErrorCode)
	}
	return nil
}
