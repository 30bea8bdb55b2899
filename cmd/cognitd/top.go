package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/cognitd/internal/monitor"
)

var (
	topServer   string
	topInterval time.Duration
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live routing dashboard",
	Long: `Poll a running cognitd and show per task type throughput, success
rate trends and candidate weights. Press q to quit, r to refresh.`,
	RunE: runTop,
}

func init() {
	topCmd.Flags().StringVar(&topServer, "server", "", "cognitd server URL (default from config)")
	topCmd.Flags().DurationVar(&topInterval, "interval", 5*time.Second, "refresh interval")
}

func runTop(_ *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if topInterval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", topInterval)
	}

	p := tea.NewProgram(monitor.NewModel(serverURL(cfg, topServer), topInterval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running dashboard: %w", err)
	}
	return nil
}
