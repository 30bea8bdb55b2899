package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/cognitd/internal/config"
	"github.com/fyrsmithlabs/cognitd/internal/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the task, feedback, memory and stats endpoints over HTTP.

Router and ledger settings are reloaded when the config file changes.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}()
	zl := a.logger.Underlying()

	srv, err := http.NewServer(a.orch, zl, &http.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, http.WithHealthCheck("storage", a.store.Ping))
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.orch.Run(gctx)
	})
	g.Go(func() error {
		if err := config.Watch(gctx, path, zl, a.reload); err != nil {
			// Serving continues without hot reload.
			zl.Warn("config watch stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
