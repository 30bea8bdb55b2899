// Cognitd is a cognitive orchestration layer: it routes each user turn to the
// language model most likely to answer it well, assembles the prompt from
// conversation history and long-term memory, checks the answer, and learns
// from the outcome.
//
// Usage:
//
//	# Serve the HTTP API
//	cognitd serve
//
//	# Serve MCP tools over stdio
//	cognitd mcp
//
//	# Show what the router has learned
//	cognitd stats
//	cognitd stats --local
//
//	# Live dashboard
//	cognitd top
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the --config flag; empty means the default location.
var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cognitd",
	Short: "Route, remember and learn across language model providers",
	Long: `cognitd sits between an application and several language model providers.
Each turn is routed to the candidate with the best learned record for its task
type, the prompt is assembled from history and relevant memory within a token
budget, and every outcome updates the routing ledger.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/cognitd/config.yaml)")
	rootCmd.SetVersionTemplate(fmt.Sprintf("cognitd %s (commit %s, built %s)\n", version, gitCommit, buildDate))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(topCmd)
}
