package monitor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/cognitd/internal/ledger"
)

func TestRenderReport(t *testing.T) {
	out := RenderReport(sampleReports(10)[0])

	assert.Contains(t, out, "code")
	assert.Contains(t, out, "CANDIDATE")
	assert.Contains(t, out, "anthropic/claude-sonnet")
	assert.Contains(t, out, "ollama/llama3")
	assert.Contains(t, out, "0.800")
	assert.Contains(t, out, "850.0ms")
	assert.Contains(t, out, "2.4s")
	assert.Contains(t, out, "+0.620")
	assert.Contains(t, out, "-0.100")
	assert.Less(t, strings.Index(out, "anthropic"), strings.Index(out, "ollama"), "heaviest candidate first")
}

func TestRenderReport_Empty(t *testing.T) {
	out := RenderReport(ledger.Report{TaskType: "chat"})
	assert.Contains(t, out, "no decisions yet")
}

func TestRenderReports(t *testing.T) {
	out := RenderReports(sampleReports(10), map[string]bool{"ollama": false, "anthropic": true})
	assert.Contains(t, out, "cognitd Routing")
	assert.Contains(t, out, "Providers")
	assert.Less(t, strings.Index(out, "[✓] "), strings.Index(out, "[✗] "), "providers are sorted by name")

	out = RenderReports(nil, nil)
	assert.Contains(t, out, "No task types have been routed yet.")
}
