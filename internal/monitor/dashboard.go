package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fyrsmithlabs/cognitd/internal/ledger"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
)

// Model is the live routing dashboard.
type Model struct {
	client     *Client
	serverURL  string
	interval   time.Duration
	lastUpdate time.Time
	snapshot   Snapshot
	err        error
	quitting   bool

	// Request throughput per refresh, derived from ledger totals.
	lastTotal   int64
	rateHistory []float64
	// Per task type success rate history.
	successHistory map[string][]float64

	weightBar progress.Model
}

// Snapshot is one poll of the server.
type Snapshot struct {
	Reports []ledger.Report
	Health  Health
}

// NewModel creates a dashboard polling serverURL every interval.
func NewModel(serverURL string, interval time.Duration) Model {
	return Model{
		client:         NewClient(serverURL),
		serverURL:      serverURL,
		interval:       interval,
		rateHistory:    make([]float64, 0, historySize),
		successHistory: make(map[string][]float64),
		weightBar: progress.New(
			progress.WithGradient("#00ffff", "#ff00ff"),
			progress.WithWidth(20),
			progress.WithoutPercentage(),
		),
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg error

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchSnapshot(m.client),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSnapshot(client *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		st, err := client.Stats(ctx)
		if err != nil {
			return errMsg(err)
		}
		h, err := client.Health(ctx)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(Snapshot{Reports: st.Reports, Health: h})
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.client)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchSnapshot(m.client),
		)

	case snapshotMsg:
		snap := Snapshot(msg)
		var total int64
		for _, r := range snap.Reports {
			total += r.TotalRequests
			m.successHistory[r.TaskType] = appendToHistory(m.successHistory[r.TaskType], r.SuccessRate())
		}
		if !m.lastUpdate.IsZero() {
			delta := float64(total - m.lastTotal)
			if delta < 0 {
				delta = 0
			}
			m.rateHistory = appendToHistory(m.rateHistory, delta/m.interval.Minutes())
		}
		m.lastTotal = total
		m.snapshot = snap
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render(" cognitd Monitor ")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot connect to cognitd") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.serverURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += dimStyle.Render("Start the server with: cognitd serve") + "\n"
	content += "\n"
	content += footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

func (m Model) renderDashboard() string {
	var content string

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	status := m.snapshot.Health.Status
	if status == "" {
		status = "unknown"
	}

	content += headerStyle.Render(" cognitd Monitor ") + "\n"
	content += fmt.Sprintf("%s   %s\n", statusBadge(status), dimStyle.Render(lastUpdateStr))

	rate := 0.0
	if n := len(m.rateHistory); n > 0 {
		rate = m.rateHistory[n-1]
	}
	content += "\n" + sectionStyle.Render("┃ Throughput") + "\n"
	content += labelStyle.Render("  Resolved: ") + valueStyle.Render(FormatRate(rate)) +
		"   " + createSparkline(m.rateHistory) + "\n"

	reports := append([]ledger.Report(nil), m.snapshot.Reports...)
	sort.Slice(reports, func(i, j int) bool { return reports[i].TaskType < reports[j].TaskType })
	for _, r := range reports {
		content += "\n" + sectionStyle.Render("┃ "+r.TaskType) + "\n"
		content += labelStyle.Render("  Success: ") + valueStyle.Render(FormatPercentage(r.SuccessRate())) +
			"   " + createSparkline(m.successHistory[r.TaskType]) + "\n"
		for _, e := range r.Entries {
			content += "  " + m.weightBar.ViewAs(e.Stat.SelectionWeight) + " " +
				labelStyle.Render(e.Key.Provider+"/"+e.Key.Model) + " " +
				dimStyle.Render(fmt.Sprintf("%.2f", e.Stat.SelectionWeight)) + " " +
				rewardBadge(e.Stat.AvgReward) + "\n"
		}
	}
	if len(reports) == 0 {
		content += "\n" + dimStyle.Render("  waiting for the first routed task") + "\n"
	}

	if len(m.snapshot.Health.Providers) > 0 {
		content += "\n" + renderHealth(m.snapshot.Health.Providers)
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	content += "\n" + footer

	return containerStyle.Render(content)
}
