// Switchboard routes natural-language ticket and data requests to agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Switchboard routes natural-language requests to ticket and data agents.",
	Long: `Switchboard turns a chat message into an ordered list of intents and runs
them against specialized agents: ticket search, ticket processing, webhook
notification and open-schema table operations. Each request returns one
aggregated result that enumerates every step.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, chatCmd, ticketsCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
