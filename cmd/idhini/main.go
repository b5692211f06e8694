// Idhini — approval-gated AI assistant for team workflows.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "idhini",
	Short: "Idhini — an AI assistant that asks before it acts.",
	Long: `Idhini is a conversational assistant that routes every write action
through an explicit human approval step. The model can propose changes to
issue trackers, code hosting platforms, and internal records, but nothing
executes until a human approves the exact previewed action.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, chatCmd, approveCmd, declineCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
