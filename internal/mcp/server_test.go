package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cognitd/internal/ledger"
	"github.com/fyrsmithlabs/cognitd/internal/memory"
	"github.com/fyrsmithlabs/cognitd/internal/orchestrator"
	"github.com/fyrsmithlabs/cognitd/internal/provider"
	"github.com/fyrsmithlabs/cognitd/internal/quality"
	"github.com/fyrsmithlabs/cognitd/internal/router"
)

type fakeService struct {
	taskErr   error
	decisions map[string]*router.Decision
	lastScope memory.Scope
}

func (f *fakeService) HandleTask(_ context.Context, req orchestrator.TaskRequest) (*orchestrator.TaskResponse, error) {
	if f.taskErr != nil {
		return nil, f.taskErr
	}
	if req.Text == "" {
		return nil, fmt.Errorf("%w: text is required", orchestrator.ErrInvalidRequest)
	}
	return &orchestrator.TaskResponse{
		ResponseText: "echo: " + req.Text,
		DecisionID:   "d-1",
		Candidate:    provider.Candidate{Provider: "anthropic", Model: "claude-sonnet"},
		Attempts:     1,
		Quality:      &quality.Assessment{Overall: 0.8},
		Persisted:    true,
	}, nil
}

func (f *fakeService) SubmitFeedback(_ context.Context, id string, fb orchestrator.Feedback) (*router.Decision, error) {
	d, ok := f.decisions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", router.ErrDecisionNotFound, id)
	}
	if d.Resolved() {
		return d, router.ErrAlreadyResolved
	}
	reward := 0.5
	if fb.UserRating != nil {
		reward = float64(*fb.UserRating-3) / 2
	}
	d.Reward = &reward
	return d, nil
}

func (f *fakeService) Decision(_ context.Context, id string) (*router.Decision, error) {
	d, ok := f.decisions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", router.ErrDecisionNotFound, id)
	}
	return d, nil
}

func (f *fakeService) PurgeConversation(_ context.Context, scope memory.Scope) (int, error) {
	f.lastScope = scope
	if err := scope.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", orchestrator.ErrInvalidRequest, err)
	}
	return 2, nil
}

func (f *fakeService) Stats(context.Context) orchestrator.Stats {
	return orchestrator.Stats{
		Reports: []ledger.Report{
			{
				TaskType:       "code",
				TotalRequests:  10,
				TotalSuccesses: 9,
				Entries: []ledger.Entry{{
					Key:  ledger.Key{Provider: "anthropic", Model: "claude-sonnet", TaskType: "code"},
					Stat: ledger.Stat{RequestCount: 10, SuccessCount: 9, SelectionWeight: 0.7, UpdatedAt: time.Now()},
				}},
			},
			{TaskType: "chat"},
		},
		Health: map[string]bool{"anthropic": true},
	}
}

type harness struct {
	session *mcp.ClientSession
	service *fakeService
	reader  *sdkmetric.ManualReader
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	svc := &fakeService{decisions: map[string]*router.Decision{
		"d-1": {
			ID:         "d-1",
			TaskType:   "code",
			Candidates: []provider.Candidate{{Provider: "anthropic", Model: "claude-sonnet"}, {Provider: "ollama", Model: "llama3"}},
			Selected:   provider.Candidate{Provider: "anthropic", Model: "claude-sonnet"},
		},
	}}

	s, err := NewServer(&Config{
		Name:    "cognitd-test",
		Version: "test",
		Logger:  zap.NewNop(),
		Metrics: newMetrics(mp.Meter(instrumentationName), zap.NewNop()),
	}, svc)
	require.NoError(t, err)

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	serverSession, err := s.mcp.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "test"}, nil)
	clientSession, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = clientSession.Close()
		_ = serverSession.Close()
		cancel()
	})
	return &harness{session: clientSession, service: svc, reader: reader}
}

func (h *harness) call(t *testing.T, tool string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := h.session.CallTool(context.Background(), &mcp.CallToolParams{Name: tool, Arguments: args})
	require.NoError(t, err)
	if out != nil && !res.IsError {
		raw, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, out))
	}
	return res
}

func firstText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if txt, ok := c.(*mcp.TextContent); ok {
			return txt.Text
		}
	}
	return ""
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)

	s, err := NewServer(nil, &fakeService{})
	require.NoError(t, err)
	assert.NotNil(t, s.metrics)
}

func TestServer_ListTools(t *testing.T) {
	h := newHarness(t)

	res, err := h.session.ListTools(context.Background(), nil)
	require.NoError(t, err)
	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"handle_task", "get_decision", "submit_feedback", "purge_memory", "routing_stats"}, names)
}

func TestHandleTaskTool(t *testing.T) {
	h := newHarness(t)

	var out handleTaskOutput
	res := h.call(t, "handle_task", map[string]any{"conversation_id": "c1", "text": "hi"}, &out)
	require.False(t, res.IsError, firstText(res))
	assert.Equal(t, "echo: hi", firstText(res))
	assert.Equal(t, "d-1", out.DecisionID)
	assert.Equal(t, "anthropic/claude-sonnet", out.Candidate)
	assert.InDelta(t, 0.8, out.Quality, 1e-9)
	assert.True(t, out.Persisted)
}

func TestHandleTaskTool_Error(t *testing.T) {
	h := newHarness(t)
	h.service.taskErr = router.ErrAllProvidersFailed

	res := h.call(t, "handle_task", map[string]any{"conversation_id": "c1", "text": "hi"}, nil)
	assert.True(t, res.IsError)
	assert.Contains(t, firstText(res), "all providers failed")

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))
	var reasons []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "cognitd.mcp.tool.errors_total" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				r, _ := dp.Attributes.Value("reason")
				reasons = append(reasons, r.AsString())
			}
		}
	}
	assert.Equal(t, []string{"provider_error"}, reasons)
}

func TestGetDecisionTool(t *testing.T) {
	h := newHarness(t)

	var out decisionOutput
	res := h.call(t, "get_decision", map[string]any{"decision_id": "d-1"}, &out)
	require.False(t, res.IsError, firstText(res))
	assert.Equal(t, []string{"anthropic/claude-sonnet", "ollama/llama3"}, out.Candidates)
	assert.False(t, out.Resolved)
	assert.Contains(t, firstText(res), "pending")

	res = h.call(t, "get_decision", map[string]any{"decision_id": "missing"}, nil)
	assert.True(t, res.IsError)
}

func TestSubmitFeedbackTool(t *testing.T) {
	h := newHarness(t)

	var out submitFeedbackOutput
	res := h.call(t, "submit_feedback", map[string]any{"decision_id": "d-1", "user_rating": 5}, &out)
	require.False(t, res.IsError, firstText(res))
	assert.Equal(t, 1.0, out.Reward)
	assert.False(t, out.AlreadyResolved)

	var again submitFeedbackOutput
	res = h.call(t, "submit_feedback", map[string]any{"decision_id": "d-1", "user_rating": 1}, &again)
	require.False(t, res.IsError, "a second resolution reports the first, not an error")
	assert.True(t, again.AlreadyResolved)
	assert.Equal(t, 1.0, again.Reward)

	res = h.call(t, "submit_feedback", map[string]any{"decision_id": "nope"}, nil)
	assert.True(t, res.IsError)
}

func TestPurgeMemoryTool(t *testing.T) {
	h := newHarness(t)

	var out purgeMemoryOutput
	res := h.call(t, "purge_memory", map[string]any{"user_id": "u1"}, &out)
	require.False(t, res.IsError, firstText(res))
	assert.Equal(t, 2, out.Removed)
	assert.Equal(t, memory.Scope{UserID: "u1"}, h.service.lastScope)

	res = h.call(t, "purge_memory", map[string]any{}, nil)
	assert.True(t, res.IsError)
}

func TestRoutingStatsTool(t *testing.T) {
	h := newHarness(t)

	var out routingStatsOutput
	res := h.call(t, "routing_stats", map[string]any{"task_type": "code"}, &out)
	require.False(t, res.IsError, firstText(res))
	require.Len(t, out.Reports, 1)
	r := out.Reports[0]
	assert.Equal(t, "code", r.TaskType)
	assert.InDelta(t, 0.9, r.SuccessRate, 1e-9)
	require.Len(t, r.Candidates, 1)
	assert.Equal(t, "anthropic/claude-sonnet", r.Candidates[0].Candidate)
	assert.True(t, out.Health["anthropic"])

	res = h.call(t, "routing_stats", map[string]any{}, &out)
	require.False(t, res.IsError)
	assert.Len(t, out.Reports, 2)
}
