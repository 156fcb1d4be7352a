// Package main is the courier CLI: a Telegram-facing agent runtime with a
// gated tool-call protocol, managed background processes, and human
// approval for risky actions.
//
// Start the runtime:
//
//	courier serve --config courier.yaml
//
// Inspect state:
//
//	courier approvals list --user 12345
//	courier sessions list --user 12345
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "courier",
		Short:         "Telegram agent runtime with a gated tool-call protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "courier.yaml", "Path to the configuration file")

	rootCmd.AddCommand(
		buildServeCmd(&configPath),
		buildApprovalsCmd(&configPath),
		buildSessionsCmd(&configPath),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("courier %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
