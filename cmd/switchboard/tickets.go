package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/switchboard/internal/config"
	"github.com/jkaninda/switchboard/internal/domain"
	"github.com/jkaninda/switchboard/internal/storage"
	"github.com/jkaninda/switchboard/internal/ticket"
)

var (
	ticketsConfigPath string
	ticketsStatus     string
	ticketsLimit      int
)

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "Manage the ticket store",
}

var ticketsImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import tickets from a CSV file (ticket_number,status,body,owner)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketsImport,
}

var ticketsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets, optionally filtered by status",
	Args:  cobra.NoArgs,
	RunE:  runTicketsList,
}

func init() {
	ticketsCmd.PersistentFlags().StringVar(&ticketsConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	ticketsListCmd.Flags().StringVar(&ticketsStatus, "status", "", "filter by status (pending, processing, resolved, notified)")
	ticketsListCmd.Flags().IntVar(&ticketsLimit, "limit", 0, "maximum tickets to list (0 = all)")
	ticketsCmd.AddCommand(ticketsImportCmd, ticketsListCmd)
}

// openStore opens and migrates the store without the LLM or gateway stack.
func openStore(logger *slog.Logger) (storage.Store, error) {
	cfg, err := loadConfig(ticketsConfigPath)
	if err != nil {
		return nil, err
	}
	store, err := initStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

func runTicketsImport(cmd *cobra.Command, args []string) error {
	store, err := openStore(newLogger(slog.LevelWarn))
	if err != nil {
		return err
	}
	defer store.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := ticket.Import(cmd.Context(), store.Tickets(), f)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d tickets\n", n)
	return nil
}

func runTicketsList(cmd *cobra.Command, _ []string) error {
	var status domain.TicketStatus
	if ticketsStatus != "" {
		s, ok := domain.ParseTicketStatus(ticketsStatus)
		if !ok {
			return fmt.Errorf("unknown status %q", ticketsStatus)
		}
		status = s
	}

	store, err := openStore(newLogger(slog.LevelWarn))
	if err != nil {
		return err
	}
	defer store.Close()

	tickets, err := store.Tickets().List(cmd.Context(), status, ticketsLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tUPDATED\tPAYLOAD")
	for _, t := range tickets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.UpdatedAt.Format("2006-01-02 15:04"), payloadSummary(t.Payload))
	}
	return w.Flush()
}

func payloadSummary(p map[string]any) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, " ")
}
