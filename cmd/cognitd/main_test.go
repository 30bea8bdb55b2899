package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/cognitd/internal/config"
	"github.com/fyrsmithlabs/cognitd/internal/ledger"
)

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "mcp", "stats", "top"} {
		assert.True(t, names[want], "missing %s command", want)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestStatsFlags(t *testing.T) {
	for _, name := range []string{"server", "local", "task", "json"} {
		assert.NotNil(t, statsCmd.Flags().Lookup(name), name)
	}
	f := topCmd.Flags().Lookup("interval")
	require.NotNil(t, f)
	assert.Equal(t, (5 * time.Second).String(), f.DefValue)
}

func TestFilterReports(t *testing.T) {
	reports := []ledger.Report{{TaskType: "code"}, {TaskType: "chat"}}

	assert.Len(t, filterReports(reports, ""), 2)
	got := filterReports(reports, "chat")
	require.Len(t, got, 1)
	assert.Equal(t, "chat", got[0].TaskType)
	assert.Empty(t, filterReports(reports, "math"))
}

func TestServerURL(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9191

	assert.Equal(t, "http://127.0.0.1:9191", serverURL(cfg, ""))
	assert.Equal(t, "http://other:1", serverURL(cfg, "http://other:1"))
}
