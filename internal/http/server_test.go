package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cognitd/internal/assembler"
	"github.com/fyrsmithlabs/cognitd/internal/ledger"
	"github.com/fyrsmithlabs/cognitd/internal/memory"
	"github.com/fyrsmithlabs/cognitd/internal/orchestrator"
	"github.com/fyrsmithlabs/cognitd/internal/provider"
	"github.com/fyrsmithlabs/cognitd/internal/router"
)

type fakeService struct {
	taskErr     error
	lastTask    orchestrator.TaskRequest
	decisions   map[string]*router.Decision
	feedbackErr error
	lastScope   memory.Scope
	purged      int
	health      map[string]bool
}

func newFakeService() *fakeService {
	return &fakeService{decisions: make(map[string]*router.Decision)}
}

func (f *fakeService) HandleTask(_ context.Context, req orchestrator.TaskRequest) (*orchestrator.TaskResponse, error) {
	f.lastTask = req
	if f.taskErr != nil {
		return nil, f.taskErr
	}
	return &orchestrator.TaskResponse{
		ResponseText: "hello " + req.Text,
		DecisionID:   "d-1",
		Candidate:    provider.Candidate{Provider: "openai", Model: "gpt-4o"},
		Attempts:     1,
	}, nil
}

func (f *fakeService) SubmitFeedback(_ context.Context, id string, fb orchestrator.Feedback) (*router.Decision, error) {
	d, ok := f.decisions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", router.ErrDecisionNotFound, id)
	}
	if f.feedbackErr != nil {
		return d, f.feedbackErr
	}
	if d.Resolved() {
		return d, router.ErrAlreadyResolved
	}
	reward := 1.0
	if fb.Approved != nil && !*fb.Approved {
		reward = -1
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
		return 0, err
	}
	return f.purged, nil
}

func (f *fakeService) Stats(context.Context) orchestrator.Stats {
	return orchestrator.Stats{
		Reports: []ledger.Report{{TaskType: "chat", TotalRequests: 4, TotalSuccesses: 3}},
		Health:  f.health,
	}
}

func newTestServer(t *testing.T, svc Service, opts ...Option) *Server {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	opts = append([]Option{WithMetrics(newHTTPMetrics(mp.Meter(instrumentationName), zap.NewNop()))}, opts...)
	s, err := NewServer(svc, zap.NewNop(), nil, opts...)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, zap.NewNop(), nil)
	assert.Error(t, err)

	_, err = NewServer(newFakeService(), nil, nil)
	assert.Error(t, err)
}

func TestServer_HandleTask(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(t, svc)

	rec := do(t, s, http.MethodPost, "/v1/tasks", `{"conversation_id":"c1","user_id":"u1","text":"world"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp orchestrator.TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello world", resp.ResponseText)
	assert.Equal(t, "d-1", resp.DecisionID)
	assert.Equal(t, "c1", svc.lastTask.ConversationID)
	assert.Equal(t, "u1", svc.lastTask.UserID)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestServer_HandleTask_MalformedBody(t *testing.T) {
	s := newTestServer(t, newFakeService())

	rec := do(t, s, http.MethodPost, "/v1/tasks", `{"conversation_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid request body", body.Error)
}

func TestServer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid request", fmt.Errorf("%w: text is required", orchestrator.ErrInvalidRequest), http.StatusBadRequest},
		{"budget exceeded", fmt.Errorf("assemble: %w", &assembler.BudgetExceededError{Budget: 2, Minimum: 5}), http.StatusUnprocessableEntity},
		{"no candidates", router.ErrNoCandidates, http.StatusServiceUnavailable},
		{"all providers failed", fmt.Errorf("execute: %w", router.ErrAllProvidersFailed), http.StatusBadGateway},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.taskErr = tt.err
			s := newTestServer(t, svc)

			rec := do(t, s, http.MethodPost, "/v1/tasks", `{"conversation_id":"c1","text":"hi"}`)
			assert.Equal(t, tt.want, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
			if tt.want == http.StatusInternalServerError {
				assert.NotContains(t, body.Error, "disk on fire", "internal errors are not leaked")
			}
		})
	}
}

func TestServer_GetDecision(t *testing.T) {
	svc := newFakeService()
	svc.decisions["d-1"] = &router.Decision{ID: "d-1", TaskType: "chat"}
	s := newTestServer(t, svc)

	rec := do(t, s, http.MethodGet, "/v1/decisions/d-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var d router.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "chat", d.TaskType)

	rec = do(t, s, http.MethodGet, "/v1/decisions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Feedback(t *testing.T) {
	svc := newFakeService()
	svc.decisions["d-1"] = &router.Decision{ID: "d-1", TaskType: "chat"}
	s := newTestServer(t, svc)

	rec := do(t, s, http.MethodPost, "/v1/decisions/d-1/feedback", `{"approved":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var fr FeedbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fr))
	assert.Equal(t, -1.0, fr.Reward)

	rec = do(t, s, http.MethodPost, "/v1/decisions/d-1/feedback", `{"approved":true}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
	require.NotNil(t, er.Decision, "conflict carries the stored decision")
	require.NotNil(t, er.Decision.Reward)
	assert.Equal(t, -1.0, *er.Decision.Reward, "the first resolution wins")

	rec = do(t, s, http.MethodPost, "/v1/decisions/nope/feedback", `{"approved":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Feedback_InvalidRating(t *testing.T) {
	svc := newFakeService()
	svc.decisions["d-1"] = &router.Decision{ID: "d-1"}
	svc.feedbackErr = fmt.Errorf("%w: %w", orchestrator.ErrInvalidRequest, router.ErrInvalidRating)
	s := newTestServer(t, svc)

	rec := do(t, s, http.MethodPost, "/v1/decisions/d-1/feedback", `{"user_rating":9}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Purge(t *testing.T) {
	svc := newFakeService()
	svc.purged = 3
	s := newTestServer(t, svc)

	rec := do(t, s, http.MethodDelete, "/v1/memory?conversation_id=c1&user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pr PurgeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pr))
	assert.Equal(t, 3, pr.Removed)
	assert.Equal(t, memory.Scope{ConversationID: "c1", UserID: "u1"}, svc.lastScope)

	rec = do(t, s, http.MethodDelete, "/v1/memory", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty scope is rejected")
}

func TestServer_Stats(t *testing.T) {
	s := newTestServer(t, newFakeService())

	rec := do(t, s, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st orchestrator.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Len(t, st.Reports, 1)
	assert.Equal(t, int64(4), st.Reports[0].TotalRequests)
}

func TestServer_Health(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		svc := newFakeService()
		svc.health = map[string]bool{"openai": true}
		s := newTestServer(t, svc, WithHealthCheck("storage", func(context.Context) error { return nil }))

		rec := do(t, s, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var hr HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hr))
		assert.Equal(t, "ok", hr.Status)
		assert.Equal(t, "ok", hr.Dependencies["storage"])
	})

	t.Run("provider down is degraded", func(t *testing.T) {
		svc := newFakeService()
		svc.health = map[string]bool{"openai": true, "ollama": false}
		s := newTestServer(t, svc)

		rec := do(t, s, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var hr HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hr))
		assert.Equal(t, "degraded", hr.Status)
	})

	t.Run("dependency failure is unhealthy", func(t *testing.T) {
		s := newTestServer(t, newFakeService(),
			WithHealthCheck("storage", func(context.Context) error { return errors.New("database is locked") }))

		rec := do(t, s, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var hr HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hr))
		assert.Equal(t, "unhealthy", hr.Status)
		assert.Equal(t, "database is locked", hr.Dependencies["storage"])
	})
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t, newFakeService())
	do(t, s, http.MethodGet, "/v1/stats", "")

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cognitd_http_requests_total")
}

func TestServer_UnknownRoute(t *testing.T) {
	s := newTestServer(t, newFakeService())
	rec := do(t, s, http.MethodGet, "/v2/nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
