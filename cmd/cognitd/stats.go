package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/cognitd/internal/config"
	"github.com/fyrsmithlabs/cognitd/internal/ledger"
	"github.com/fyrsmithlabs/cognitd/internal/monitor"
	"github.com/fyrsmithlabs/cognitd/internal/orchestrator"
	"github.com/fyrsmithlabs/cognitd/internal/storage"
)

var (
	statsServer   string
	statsLocal    bool
	statsTaskType string
	statsJSON     bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show learned routing weights per task type",
	Long: `Show each candidate's selection weight, success rate, latency and
average reward per task type.

By default the running server is queried. With --local the ledger is read
straight from the database, which works while the server is stopped.`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsServer, "server", "", "cognitd server URL (default from config)")
	statsCmd.Flags().BoolVar(&statsLocal, "local", false, "read the ledger from the database instead of the server")
	statsCmd.Flags().StringVar(&statsTaskType, "task", "", "only show this task type")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print JSON")
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	var stats orchestrator.Stats
	if statsLocal {
		stats, err = localStats(ctx, cfg)
	} else {
		stats, err = monitor.NewClient(serverURL(cfg, statsServer)).Stats(ctx)
	}
	if err != nil {
		return err
	}
	stats.Reports = filterReports(stats.Reports, statsTaskType)

	out := cmd.OutOrStdout()
	if statsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	fmt.Fprintln(out, monitor.RenderReports(stats.Reports, stats.Health))
	return nil
}

// localStats restores the ledger from the database without starting any
// provider.
func localStats(ctx context.Context, cfg *config.Config) (orchestrator.Stats, error) {
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return orchestrator.Stats{}, fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	l, err := ledger.New(cfg.LedgerSettings(), ledger.WithStore(store))
	if err != nil {
		return orchestrator.Stats{}, err
	}
	if err := l.Load(ctx); err != nil {
		return orchestrator.Stats{}, fmt.Errorf("reading ledger: %w", err)
	}
	stats := orchestrator.Stats{}
	for _, t := range l.TaskTypes() {
		stats.Reports = append(stats.Reports, l.Report(t))
	}
	return stats, nil
}

func filterReports(reports []ledger.Report, taskType string) []ledger.Report {
	if taskType == "" {
		return reports
	}
	out := make([]ledger.Report, 0, 1)
	for _, r := range reports {
		if r.TaskType == taskType {
			out = append(out, r)
		}
	}
	return out
}

// serverURL returns flag when set, otherwise the configured listen address.
func serverURL(cfg *config.Config, flag string) string {
	if flag != "" {
		return flag
	}
	return "http://" + cfg.Server.Addr()
}

