// Package main is the lorekeep entry point: the grounded-conversation
// service for in-world NPC dialog.
//
// Start the server:
//
//	lorekeep serve --config lorekeep.yaml
//
// Run fully offline with the canned LLM and in-memory stores:
//
//	lorekeep serve --config lorekeep.yaml --sandbox
//
// Manage database migrations:
//
//	lorekeep migrate up
//	lorekeep migrate status
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lorekeep",
		Short: "Grounded NPC dialog service",
		Long: `Lorekeep answers visitor questions in character, grounded in a
per-site evidence corpus. Every turn is gated against retrieved
citations, audited into a trace ledger, and watched by the alert
evaluator.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lorekeep %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
