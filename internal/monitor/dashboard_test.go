package monitor

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/cognitd/internal/ledger"
)

func sampleReports(total int64) []ledger.Report {
	return []ledger.Report{{
		TaskType:       "code",
		TotalRequests:  total,
		TotalSuccesses: total - 1,
		Entries: []ledger.Entry{
			{
				Key:  ledger.Key{Provider: "anthropic", Model: "claude-sonnet", TaskType: "code"},
				Stat: ledger.Stat{RequestCount: total - 2, SuccessCount: total - 3, AvgLatencyMs: 850, AvgReward: 0.62, SelectionWeight: 0.8},
			},
			{
				Key:  ledger.Key{Provider: "ollama", Model: "llama3", TaskType: "code"},
				Stat: ledger.Stat{RequestCount: 2, SuccessCount: 2, AvgLatencyMs: 2400, AvgReward: -0.1, SelectionWeight: 0.2},
			},
		},
	}}
}

func TestNewModel(t *testing.T) {
	model := NewModel("http://127.0.0.1:9090", 5*time.Second)
	assert.Equal(t, "http://127.0.0.1:9090", model.serverURL)
	assert.Equal(t, 5*time.Second, model.interval)
	assert.False(t, model.quitting)
	assert.NotNil(t, model.Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	model := NewModel("http://127.0.0.1:9090", 5*time.Second)

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	assert.True(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, updated.(Model).View())
}

func TestModel_Update_RefreshAndTick(t *testing.T) {
	model := NewModel("http://127.0.0.1:9090", 5*time.Second)

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	assert.False(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)

	_, cmd = model.Update(tickMsg(time.Now()))
	assert.NotNil(t, cmd)
}

func TestModel_Update_Snapshot(t *testing.T) {
	model := NewModel("http://127.0.0.1:9090", time.Minute)

	updated, cmd := model.Update(snapshotMsg(Snapshot{Reports: sampleReports(10), Health: Health{Status: "ok"}}))
	assert.Nil(t, cmd)
	m := updated.(Model)
	assert.False(t, m.lastUpdate.IsZero())
	assert.Empty(t, m.rateHistory, "the first poll has no previous total")
	assert.Len(t, m.successHistory["code"], 1)

	updated, _ = m.Update(snapshotMsg(Snapshot{Reports: sampleReports(16), Health: Health{Status: "ok"}}))
	m = updated.(Model)
	require.Len(t, m.rateHistory, 1)
	assert.InDelta(t, 6.0, m.rateHistory[0], 1e-9, "six decisions resolved in one minute")
	assert.Len(t, m.successHistory["code"], 2)
}

func TestModel_Update_ErrMsg(t *testing.T) {
	model := NewModel("http://127.0.0.1:9090", 5*time.Second)

	updated, cmd := model.Update(errMsg(fmt.Errorf("connection refused")))
	m := updated.(Model)
	require.Error(t, m.err)
	assert.Nil(t, cmd)

	view := m.View()
	assert.Contains(t, view, "Cannot connect to cognitd")
	assert.Contains(t, view, "connection refused")
	assert.Contains(t, view, "http://127.0.0.1:9090")
	assert.Contains(t, view, "[r]")
}

func TestModel_View_WithSnapshot(t *testing.T) {
	model := NewModel("http://127.0.0.1:9090", 5*time.Second)
	updated, _ := model.Update(snapshotMsg(Snapshot{
		Reports: sampleReports(10),
		Health:  Health{Status: "degraded", Providers: map[string]bool{"anthropic": true, "ollama": false}},
	}))

	view := updated.(Model).View()
	assert.Contains(t, view, "cognitd Monitor")
	assert.Contains(t, view, "DEGRADED")
	assert.Contains(t, view, "code")
	assert.Contains(t, view, "anthropic/claude-sonnet")
	assert.Contains(t, view, "90.0%")
	assert.Contains(t, view, "Providers")
	assert.Contains(t, view, "[q]")
}

func TestModel_View_NoData(t *testing.T) {
	view := NewModel("http://127.0.0.1:9090", 5*time.Second).View()
	assert.Contains(t, view, "cognitd Monitor")
	assert.Contains(t, view, "waiting for the first routed task")
}

func TestFetchSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/stats":
			fmt.Fprint(w, `{"reports":[{"task_type":"chat","entries":[],"total_requests":3,"total_successes":3}]}`)
		case "/health":
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"unhealthy","dependencies":{"storage":"database is locked"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	msg := fetchSnapshot(NewClient(srv.URL + "/"))()
	snap, ok := msg.(snapshotMsg)
	require.True(t, ok, "got %T: %v", msg, msg)
	require.Len(t, snap.Reports, 1)
	assert.Equal(t, int64(3), snap.Reports[0].TotalRequests)
	assert.Equal(t, "unhealthy", snap.Health.Status)
	assert.Equal(t, "database is locked", snap.Health.Dependencies["storage"])
}

func TestFetchSnapshot_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	msg := fetchSnapshot(NewClient(srv.URL))()
	_, ok := msg.(errMsg)
	assert.True(t, ok)
}
