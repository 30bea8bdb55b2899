package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/cognitd/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	Long: `Serve handle_task, get_decision, submit_feedback, purge_memory and
routing_stats as MCP tools on stdin/stdout. Logs go to stderr.`,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	cfg.Logging.Output.Stdout = false
	cfg.Logging.Output.Stderr = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = a.Close(shutdownCtx)
	}()

	go func() {
		_ = a.orch.Run(ctx)
	}()

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "cognitd",
		Version: version,
		Logger:  a.logger.Underlying(),
	}, a.orch)
	if err != nil {
		return fmt.Errorf("creating mcp server: %w", err)
	}
	return srv.Run(ctx)
}
