package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/cognitd/internal/assembler"
	"github.com/fyrsmithlabs/cognitd/internal/embedcache"
	"github.com/fyrsmithlabs/cognitd/internal/ledger"
	"github.com/fyrsmithlabs/cognitd/internal/memory"
	"github.com/fyrsmithlabs/cognitd/internal/provider"
	"github.com/fyrsmithlabs/cognitd/internal/provider/providertest"
	"github.com/fyrsmithlabs/cognitd/internal/quality"
	"github.com/fyrsmithlabs/cognitd/internal/redact"
	"github.com/fyrsmithlabs/cognitd/internal/router"
)

const (
	dim          = 64
	goodAnswer   = "Paris is the capital of France."
	hallucinated = "I think, as far as I know, studies show the city has 123456 bridges according to recent studies."
)

var cand = provider.Candidate{Provider: "llm", Model: "m"}

type harness struct {
	orch      *Orchestrator
	llm       *providertest.Fake
	router    *router.Router
	decisions *router.MemoryStore
	memory    *memory.Store
	history   *assembler.MemoryHistory
	embedder  *providertest.Embedder
}

func newHarness(t *testing.T, mutate func(*Config, *Deps), opts ...Option) *harness {
	t.Helper()
	llm := providertest.NewFake("llm", providertest.Step{Text: goodAnswer, Tokens: 12})

	l, err := ledger.New(ledger.DefaultConfig())
	require.NoError(t, err)
	decisions := router.NewMemoryStore()
	r, err := router.New(router.DefaultConfig(), l, decisions,
		router.WithRegistry(provider.NewRegistry(llm)), router.WithSeed(1))
	require.NoError(t, err)

	emb := providertest.NewEmbedder(dim)
	cache, err := embedcache.New(emb, emb.Model(), embedcache.DefaultConfig(), nil)
	require.NoError(t, err)

	backend, err := memory.NewChromemBackend(memory.ChromemConfig{}, nil)
	require.NoError(t, err)
	mem, err := memory.New(backend, memory.DefaultConfig())
	require.NoError(t, err)

	hist := assembler.NewMemoryHistory()
	asm, err := assembler.New(assembler.DefaultConfig(), hist, assembler.WithRetriever(mem, cache))
	require.NoError(t, err)

	qm, err := quality.New(quality.DefaultConfig())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.DefaultCandidates = []provider.Candidate{cand}
	deps := Deps{Router: r, Assembler: asm, Memory: mem, Embedder: cache, Quality: qm, Cache: cache}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	o, err := New(cfg, deps, opts...)
	require.NoError(t, err)
	return &harness{orch: o, llm: llm, router: r, decisions: decisions, memory: mem, history: hist, embedder: emb}
}

func ptr[T any](v T) *T { return &v }

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "no candidates")

	cfg.DefaultCandidates = []provider.Candidate{cand}
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.TokenBudget = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Routes = map[string][]provider.Candidate{"code": nil}
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.DefaultCandidates = []provider.Candidate{cand, cand}
	assert.ErrorContains(t, bad.Validate(), "duplicate candidate")

	bad = cfg
	bad.Routes = map[string][]provider.Candidate{"code": {cand, {Provider: "x", Model: "y"}, cand}}
	assert.ErrorContains(t, bad.Validate(), "duplicate candidate")

	routed := cfg
	other := provider.Candidate{Provider: "x", Model: "y"}
	routed.Routes = map[string][]provider.Candidate{"code": {other}}
	assert.Equal(t, []provider.Candidate{other}, routed.Candidates("code"))
	assert.Equal(t, []provider.Candidate{cand}, routed.Candidates("chat"))
}

func TestNew_RequiresDeps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultCandidates = []provider.Candidate{cand}
	_, err := New(cfg, Deps{})
	assert.Error(t, err)
}

func TestHandleTask_HappyPath(t *testing.T) {
	ctx := context.Background()
	var stages []Stage
	h := newHarness(t, nil, WithStageCallback(func(e StageEvent) { stages = append(stages, e.Stage) }))

	resp, err := h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c1", UserID: "u1", Text: "What is the capital of France?"})
	require.NoError(t, err)
	assert.Equal(t, goodAnswer, resp.ResponseText)
	assert.NotEmpty(t, resp.DecisionID)
	require.NotNil(t, resp.Quality)
	assert.Equal(t, cand, resp.Candidate)
	assert.True(t, resp.Prompt.FastPath)
	assert.True(t, resp.Persisted)
	assert.NotEmpty(t, resp.FragmentID)
	assert.False(t, resp.Resolved)
	assert.Equal(t, []Stage{StageAssemble, StageExecute, StageAssess, StageObserve, StagePersist}, stages)

	d, err := h.decisions.Get(ctx, resp.DecisionID)
	require.NoError(t, err)
	assert.False(t, d.Resolved(), "decision waits for feedback")
	require.NotNil(t, d.Observation)
	require.NotNil(t, d.Observation.Quality)
	assert.InDelta(t, resp.Quality.Overall, *d.Observation.Quality, 1e-9)
	assert.Equal(t, 12, d.Observation.Tokens)

	turns, err := h.history.Turns(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, assembler.RoleUser, turns[0].Role)
	assert.Equal(t, goodAnswer, turns[1].Text)

	n, err := h.memory.Count(ctx, memory.Scope{ConversationID: "c1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The next turn sees the previous exchange in its prompt.
	_, err = h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c1", UserID: "u1", Text: "And Italy?"})
	require.NoError(t, err)
	prompts := h.llm.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], goodAnswer)
	assert.Contains(t, prompts[1], "And Italy?")
}

func TestHandleTask_HallucinatedResponseNeverReturnedBySearch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	scope := memory.Scope{ConversationID: "c1", UserID: "u1"}

	_, err := h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c1", UserID: "u1", Text: "What is the capital of France?"})
	require.NoError(t, err)

	h.llm.Handler = func(context.Context, string, provider.Params) (*provider.Completion, error) {
		return &provider.Completion{Text: hallucinated, TokensUsed: 20}, nil
	}
	question := "How many bridges does Paris have?"
	resp, err := h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c1", UserID: "u1", Text: question})
	require.NoError(t, err)
	assert.Equal(t, hallucinated, resp.ResponseText)
	assert.Greater(t, resp.Quality.Hallucination, quality.DefaultConfig().HallucinationThreshold)
	assert.False(t, resp.Persisted)

	n, err := h.memory.Count(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, query := range []string{hallucinated, ExchangeText(question, hallucinated), question} {
		matches, err := h.memory.Search(ctx, providertest.Vector(query, dim), scope, 10, 0)
		require.NoError(t, err)
		for _, m := range matches {
			assert.NotContains(t, m.SourceText, "123456")
		}
	}

	// The raw turn is still part of the conversation history.
	turns, err := h.history.Turns(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, turns, 4)
}

func TestHandleTask_AutoResolve(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config, _ *Deps) { c.AutoResolve = true })

	resp, err := h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c1", Text: "What is the capital of France?"})
	require.NoError(t, err)
	assert.True(t, resp.Resolved)

	d, err := h.decisions.Get(ctx, resp.DecisionID)
	require.NoError(t, err)
	require.True(t, d.Resolved())
	assert.Equal(t, router.ReasonAuto, d.Reason)

	_, err = h.orch.SubmitFeedback(ctx, resp.DecisionID, Feedback{Approved: ptr(true)})
	assert.ErrorIs(t, err, router.ErrAlreadyResolved)

	st, ok := h.router.Ledger().Get(ledger.KeyFor(cand, "general"))
	require.True(t, ok)
	assert.Equal(t, int64(1), st.RequestCount)
}

func TestSubmitFeedback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	resp, err := h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c1", TaskType: "chat", Text: "What is the capital of France?"})
	require.NoError(t, err)

	_, err = h.orch.SubmitFeedback(ctx, resp.DecisionID, Feedback{UserRating: ptr(6)})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, router.ErrInvalidRating)

	d, err := h.orch.SubmitFeedback(ctx, resp.DecisionID, Feedback{Approved: ptr(true)})
	require.NoError(t, err)
	require.NotNil(t, d.Reward)
	assert.InDelta(t, 1.0, *d.Reward, 1e-9)
	assert.Equal(t, router.ReasonFeedback, d.Reason)

	_, err = h.orch.SubmitFeedback(ctx, resp.DecisionID, Feedback{Approved: ptr(false)})
	assert.ErrorIs(t, err, router.ErrAlreadyResolved)

	st, ok := h.router.Ledger().Get(ledger.KeyFor(cand, "chat"))
	require.True(t, ok)
	assert.Equal(t, int64(1), st.RequestCount, "reward applied once")
	assert.InDelta(t, 0.05, st.AvgReward, 1e-9)

	_, err = h.orch.SubmitFeedback(ctx, "missing", Feedback{})
	assert.ErrorIs(t, err, router.ErrDecisionNotFound)
	_, err = h.orch.SubmitFeedback(ctx, " ", Feedback{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmitFeedback_ObservationFillsGaps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	resp, err := h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c1", Text: "What is the capital of France?"})
	require.NoError(t, err)

	d, err := h.orch.SubmitFeedback(ctx, resp.DecisionID, Feedback{ObservedLatencyMs: ptr(250.0)})
	require.NoError(t, err)
	assert.True(t, d.Success)
	assert.InDelta(t, 250, d.LatencyMs, 1e-9)
	require.NotNil(t, d.Reward)
	assert.Greater(t, *d.Reward, 0.0)
}

func TestHandleTask_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.orch.HandleTask(ctx, TaskRequest{Text: "hi"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c", Text: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	small := newHarness(t, func(c *Config, _ *Deps) { c.TokenBudget = 3 })
	_, err = small.orch.HandleTask(ctx, TaskRequest{ConversationID: "c", Text: "hi"})
	var budgetErr *assembler.BudgetExceededError
	assert.ErrorAs(t, err, &budgetErr)
	assert.NotErrorIs(t, err, router.ErrAllProvidersFailed)

	h.llm.Handler = func(context.Context, string, provider.Params) (*provider.Completion, error) {
		return nil, providertest.Transient("llm", "overloaded")
	}
	_, err = h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c", Text: "hi"})
	assert.ErrorIs(t, err, router.ErrAllProvidersFailed)
	assert.NotErrorIs(t, err, ErrInvalidRequest)

	turns, err := h.history.Turns(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, turns, "failed tasks leave no history")
}

func TestHandleTask_CanceledResolvesDecision(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.Handler = func(ctx context.Context, _ string, _ provider.Params) (*provider.Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c", Text: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))

	pending, err := h.decisions.Unresolved(context.Background(), time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHandleTask_SerializesConversation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var active, peak atomic.Int32
	h.llm.Handler = func(context.Context, string, provider.Params) (*provider.Completion, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return &provider.Completion{Text: goodAnswer, TokensUsed: 5}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.HandleTask(ctx, TaskRequest{ConversationID: "same", Text: "What is the capital of France?"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())

	turns, err := h.history.Turns(ctx, "same")
	require.NoError(t, err)
	require.Len(t, turns, 12)
	for i, turn := range turns {
		if i%2 == 0 {
			assert.Equal(t, assembler.RoleUser, turn.Role)
		} else {
			assert.Equal(t, assembler.RoleAssistant, turn.Role)
		}
	}
	assert.Zero(t, h.orch.locks.size())
}

type fakeRedactor struct{}

func (fakeRedactor) Redact(text string) redact.Result {
	if !strings.Contains(text, "hunter2") {
		return redact.Result{Text: text}
	}
	return redact.Result{
		Text:     strings.ReplaceAll(text, "hunter2", redact.Marker("password")),
		Findings: []redact.Finding{{RuleID: "password", Secret: "hunter2"}},
	}
}

// cancelingEmbedder cancels the task context on its first call.
type cancelingEmbedder struct {
	cancel context.CancelFunc
}

func (e cancelingEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	e.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHandleTask_CanceledDuringMemoryWriteLeavesNoHistory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, func(_ *Config, d *Deps) { d.Embedder = cancelingEmbedder{cancel: cancel} })

	_, err := h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c", Text: "What is the capital of France?"})
	require.ErrorIs(t, err, context.Canceled)

	turns, err := h.history.Turns(context.Background(), "c")
	require.NoError(t, err)
	assert.Empty(t, turns)

	pending, err := h.decisions.Unresolved(context.Background(), time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHandleTask_RedactsBeforeMemoryWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(_ *Config, d *Deps) { d.Redactor = fakeRedactor{} })
	scope := memory.Scope{ConversationID: "c1"}

	resp, err := h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c1", Text: "my password is hunter2, what is the capital of France?"})
	require.NoError(t, err)
	require.True(t, resp.Persisted)
	assert.Equal(t, 1, resp.Redactions)

	matches, err := h.memory.Search(ctx, providertest.Vector("password capital France", dim), scope, 5, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.NotContains(t, matches[0].SourceText, "hunter2")
	assert.Contains(t, matches[0].SourceText, "[REDACTED:password]")
}

func TestPurgeConversation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	_, err := h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c1", UserID: "u1", Text: "What is the capital of France?"})
	require.NoError(t, err)
	_, err = h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c2", UserID: "u1", Text: "What is the capital of France?"})
	require.NoError(t, err)

	n, err := h.orch.PurgeConversation(ctx, memory.Scope{ConversationID: "c1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	turns, err := h.history.Turns(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, turns)

	n, err = h.orch.PurgeConversation(ctx, memory.Scope{ConversationID: "c1", UserID: "u1"})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.orch.PurgeConversation(ctx, memory.Scope{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.orch.PurgeConversation(ctx, memory.Scope{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPurgeConversation_WithoutUserCoversEveryBucket(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	_, err := h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c1", UserID: "u1", Text: "What is the capital of France?"})
	require.NoError(t, err)
	_, err = h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c1", Text: "What is the capital of France?"})
	require.NoError(t, err)

	n, err := h.orch.PurgeConversation(ctx, memory.Scope{ConversationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := h.memory.Count(ctx, memory.Scope{ConversationID: "c1", UserID: "u1"})
	require.NoError(t, err)
	assert.Zero(t, left)
	turns, err := h.history.Turns(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config, _ *Deps) { c.AutoResolve = true })
	_, err := h.orch.HandleTask(ctx, TaskRequest{ConversationID: "c1", Text: "What is the capital of France?"})
	require.NoError(t, err)

	s := h.orch.Stats(ctx)
	require.Len(t, s.Reports, 1)
	assert.Equal(t, "general", s.Reports[0].TaskType)
	assert.Equal(t, int64(1), s.Reports[0].TotalRequests)
	assert.True(t, s.Health["llm"])
	require.NotNil(t, s.Cache)
	assert.Positive(t, s.Cache.Misses)
}

func TestConversationLocks_ContextCanceled(t *testing.T) {
	locks := newConversationLocks()
	unlock, err := locks.lock(context.Background(), "c")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.lock(ctx, "c")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Zero(t, locks.size())
}
