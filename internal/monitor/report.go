package monitor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/cognitd/internal/ledger"
)

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))

	cellStyle = lipgloss.NewStyle().PaddingRight(2)
)

// rewardBadge colors a reward by sign.
func rewardBadge(r float64) string {
	switch {
	case r >= 0.3:
		return healthyStyle.Render(FormatReward(r))
	case r >= 0:
		return warningStyle.Render(FormatReward(r))
	default:
		return errorStyle.Render(FormatReward(r))
	}
}

// statusBadge renders a /health status.
func statusBadge(status string) string {
	switch status {
	case "ok":
		return healthyStyle.Render("✓ HEALTHY")
	case "degraded":
		return warningStyle.Render("⚠ DEGRADED")
	default:
		return errorStyle.Render("✗ " + strings.ToUpper(status))
	}
}

// RenderReport renders one task type as a table of candidates, heaviest first.
func RenderReport(r ledger.Report) string {
	var b strings.Builder
	title := r.TaskType
	if title == "" {
		title = "all task types"
	}
	b.WriteString(sectionStyle.Render("┃ "+title) + "\n")
	b.WriteString(labelStyle.Render("  Requests: ") + valueStyle.Render(FormatCount(r.TotalRequests)) +
		labelStyle.Render("  Success: ") + valueStyle.Render(FormatPercentage(r.SuccessRate())) + "\n")

	if len(r.Entries) == 0 {
		b.WriteString(dimStyle.Render("  no decisions yet") + "\n")
		return b.String()
	}

	header := []string{"CANDIDATE", "WEIGHT", "REQ", "OK", "LATENCY", "REWARD"}
	rows := [][]string{header}
	for _, e := range r.Entries {
		success := 0.0
		if e.Stat.RequestCount > 0 {
			success = float64(e.Stat.SuccessCount) / float64(e.Stat.RequestCount)
		}
		rows = append(rows, []string{
			e.Key.Provider + "/" + e.Key.Model,
			fmt.Sprintf("%.3f", e.Stat.SelectionWeight),
			FormatCount(e.Stat.RequestCount),
			FormatPercentage(success),
			FormatLatency(e.Stat.AvgLatencyMs),
			FormatReward(e.Stat.AvgReward),
		})
	}

	widths := make([]int, len(header))
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for ri, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			style := cellStyle.Width(widths[i] + 2)
			switch {
			case ri == 0:
				cells[i] = style.Inherit(dimStyle).Render(cell)
			case i == len(row)-1:
				cells[i] = style.Render(rewardBadge(r.Entries[ri-1].Stat.AvgReward))
			default:
				cells[i] = style.Render(cell)
			}
		}
		b.WriteString("  " + lipgloss.JoinHorizontal(lipgloss.Top, cells...) + "\n")
	}
	return b.String()
}

// RenderReports renders every report plus provider health, boxed.
func RenderReports(reports []ledger.Report, health map[string]bool) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" cognitd Routing ") + "\n")
	if len(reports) == 0 {
		b.WriteString("\n" + dimStyle.Render("No task types have been routed yet.") + "\n")
	}
	for _, r := range reports {
		b.WriteString(RenderReport(r))
	}
	if len(health) > 0 {
		b.WriteString(renderHealth(health))
	}
	return containerStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func renderHealth(health map[string]bool) string {
	names := make([]string, 0, len(health))
	for name := range health {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(sectionStyle.Render("┃ Providers") + "\n")
	for _, name := range names {
		badge := healthyStyle.Render("[✓]")
		if !health[name] {
			badge = errorStyle.Render("[✗]")
		}
		b.WriteString("  " + badge + " " + labelStyle.Render(name) + "\n")
	}
	return b.String()
}
