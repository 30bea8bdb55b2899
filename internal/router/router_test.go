package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/cognitd/internal/ledger"
	"github.com/fyrsmithlabs/cognitd/internal/logging"
	"github.com/fyrsmithlabs/cognitd/internal/provider"
	"github.com/fyrsmithlabs/cognitd/internal/provider/providertest"
)

var (
	candA = provider.Candidate{Provider: "a", Model: "m1"}
	candB = provider.Candidate{Provider: "b", Model: "m2"}
)

func newTestRouter(t *testing.T, cfg Config, opts ...Option) (*Router, *MemoryStore) {
	t.Helper()
	l, err := ledger.New(ledger.DefaultConfig())
	require.NoError(t, err)
	store := NewMemoryStore()
	r, err := New(cfg, l, store, append([]Option{WithSeed(42)}, opts...)...)
	require.NoError(t, err)
	return r, store
}

func ptr[T any](v T) *T { return &v }

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Epsilon = 1.5
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.RetryCap = -1
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Reward.CostRef = 0
	assert.Error(t, bad.Validate())
}

func TestSelect_WritesDecisionBeforeReturning(t *testing.T) {
	r, store := newTestRouter(t, DefaultConfig())

	sel, err := r.Select(context.Background(), "chat", []provider.Candidate{candA, candB})
	require.NoError(t, err)
	require.NotEmpty(t, sel.DecisionID)

	d, err := store.Get(context.Background(), sel.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, "chat", d.TaskType)
	assert.Equal(t, sel.Candidate, d.Selected)
	assert.Equal(t, []provider.Candidate{candA, candB}, d.Candidates)
	assert.Equal(t, 1, d.Attempt)
	assert.False(t, d.Resolved())
}

func TestSelect_NoCandidates(t *testing.T) {
	r, _ := newTestRouter(t, DefaultConfig())
	_, err := r.Select(context.Background(), "chat", nil)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestSelect_DuplicateCandidates(t *testing.T) {
	r, store := newTestRouter(t, DefaultConfig())
	sel, err := r.Select(context.Background(), "chat", []provider.Candidate{candA, candB, candA})
	require.NoError(t, err)

	d, err := store.Get(context.Background(), sel.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, []provider.Candidate{candA, candB}, d.Candidates)
}

func TestUniqueCandidates(t *testing.T) {
	in := []provider.Candidate{candA, candB}
	assert.Equal(t, in, uniqueCandidates(in))
	assert.Equal(t, []provider.Candidate{candA, candB}, uniqueCandidates([]provider.Candidate{candA, candA, candB, candA}))
	assert.Empty(t, uniqueCandidates(nil))
}

func TestSelect_ExploitationFavoursBetterCandidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epsilon = 0.1
	r, _ := newTestRouter(t, cfg)
	r.Ledger().Restore(map[ledger.Key]ledger.Stat{
		ledger.KeyFor(candA, "chat"): {RequestCount: 50, SuccessCount: 45, AvgReward: 0.8},
		ledger.KeyFor(candB, "chat"): {RequestCount: 50, SuccessCount: 20, AvgReward: 0.2},
	})

	counts := map[provider.Candidate]int{}
	explorations := 0
	for i := 0; i < 1000; i++ {
		sel, err := r.Select(context.Background(), "chat", []provider.Candidate{candA, candB})
		require.NoError(t, err)
		counts[sel.Candidate]++
		if sel.Exploration {
			explorations++
		}
	}

	assert.Greater(t, counts[candA], 3*counts[candB], "A should dominate: %v", counts)
	assert.Greater(t, counts[candB], 0, "B must still be selected")
	assert.InDelta(t, 100, explorations, 40)
}

func TestSelect_UnknownCandidateStillExplored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epsilon = 0
	r, _ := newTestRouter(t, cfg)
	r.Ledger().Restore(map[ledger.Key]ledger.Stat{
		ledger.KeyFor(candA, "chat"): {RequestCount: 50, AvgReward: 1},
	})

	seen := false
	for i := 0; i < 500 && !seen; i++ {
		sel, err := r.Select(context.Background(), "chat", []provider.Candidate{candA, candB})
		require.NoError(t, err)
		seen = sel.Candidate == candB
	}
	assert.True(t, seen)
}

func TestResolve_Twice(t *testing.T) {
	r, _ := newTestRouter(t, DefaultConfig())
	ctx := context.Background()
	sel, err := r.Select(ctx, "chat", []provider.Candidate{candA})
	require.NoError(t, err)

	d, err := r.Resolve(ctx, sel.DecisionID, Outcome{Approved: ptr(true), Success: ptr(true)})
	require.NoError(t, err)
	require.NotNil(t, d.Reward)
	assert.InDelta(t, 1, *d.Reward, 1e-12)

	_, err = r.Resolve(ctx, sel.DecisionID, Outcome{Approved: ptr(false)})
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	s, ok := r.Ledger().Get(ledger.KeyFor(candA, "chat"))
	require.True(t, ok)
	assert.Equal(t, int64(1), s.RequestCount)
	assert.InDelta(t, 0.05, s.AvgReward, 1e-12)
}

// flakyStatStore fails SaveStat until healed.
type flakyStatStore struct {
	mu      sync.Mutex
	failing bool
	saved   map[ledger.Key]ledger.Stat
}

func (f *flakyStatStore) SaveStat(_ context.Context, key ledger.Key, stat ledger.Stat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("disk full")
	}
	if f.saved == nil {
		f.saved = map[ledger.Key]ledger.Stat{}
	}
	f.saved[key] = stat
	return nil
}

func (f *flakyStatStore) LoadStats(context.Context) (map[ledger.Key]ledger.Stat, error) {
	return nil, nil
}

func TestResolve_LedgerSaveFailureKeepsReward(t *testing.T) {
	stats := &flakyStatStore{failing: true}
	l, err := ledger.New(ledger.DefaultConfig(), ledger.WithStore(stats))
	require.NoError(t, err)
	r, err := New(DefaultConfig(), l, NewMemoryStore(), WithSeed(42))
	require.NoError(t, err)
	ctx := context.Background()

	sel, err := r.Select(ctx, "chat", []provider.Candidate{candA})
	require.NoError(t, err)
	d, err := r.Resolve(ctx, sel.DecisionID, Outcome{Approved: ptr(true), Success: ptr(true)})
	require.NoError(t, err)
	assert.True(t, d.Resolved())

	key := ledger.KeyFor(candA, "chat")
	s, ok := l.Get(key)
	require.True(t, ok)
	assert.Equal(t, int64(1), s.RequestCount)
	assert.InDelta(t, 0.05, s.AvgReward, 1e-12)
	assert.Equal(t, 1, l.Pending())

	stats.mu.Lock()
	stats.failing = false
	stats.mu.Unlock()
	n, err := l.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, l.Pending())
	assert.InDelta(t, 0.05, stats.saved[key].AvgReward, 1e-12)
}

func TestResolve_ConcurrentAppliesOnce(t *testing.T) {
	r, _ := newTestRouter(t, DefaultConfig())
	ctx := context.Background()
	sel, err := r.Select(ctx, "chat", []provider.Candidate{candA})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(ctx, sel.DecisionID, Outcome{Rating: ptr(5)}); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrAlreadyResolved)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	s, _ := r.Ledger().Get(ledger.KeyFor(candA, "chat"))
	assert.Equal(t, int64(1), s.RequestCount)
}

func TestResolve_UnknownDecision(t *testing.T) {
	r, _ := newTestRouter(t, DefaultConfig())
	_, err := r.Resolve(context.Background(), "missing", Outcome{})
	assert.ErrorIs(t, err, ErrDecisionNotFound)
}

func TestResolve_InvalidRating(t *testing.T) {
	r, _ := newTestRouter(t, DefaultConfig())
	sel, err := r.Select(context.Background(), "chat", []provider.Candidate{candA})
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), sel.DecisionID, Outcome{Rating: ptr(9)})
	assert.ErrorIs(t, err, ErrInvalidRating)

	d, err := r.Decision(context.Background(), sel.DecisionID)
	require.NoError(t, err)
	assert.False(t, d.Resolved())
}

func TestResolve_UsesRecordedObservation(t *testing.T) {
	r, _ := newTestRouter(t, DefaultConfig())
	ctx := context.Background()
	sel, err := r.Select(ctx, "chat", []provider.Candidate{candA})
	require.NoError(t, err)

	require.NoError(t, r.RecordObservation(ctx, sel.DecisionID, Observation{
		Success: true, LatencyMs: 0, Cost: 0, Quality: ptr(1.0),
	}))
	d, err := r.Resolve(ctx, sel.DecisionID, Outcome{Reason: ReasonAuto})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, *d.Reward, 1e-12)
	assert.True(t, d.Success)
	assert.Equal(t, ReasonAuto, d.Reason)

	assert.ErrorIs(t, r.RecordObservation(ctx, sel.DecisionID, Observation{}), ErrAlreadyResolved)
}

func TestResolve_NotifiesListeners(t *testing.T) {
	var got []*Decision
	var mu sync.Mutex
	r, _ := newTestRouter(t, DefaultConfig(), WithListener(func(_ context.Context, d *Decision) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, d)
	}))
	ctx := context.Background()
	sel, err := r.Select(ctx, "chat", []provider.Candidate{candA})
	require.NoError(t, err)
	_, err = r.Resolve(ctx, sel.DecisionID, Outcome{Rating: ptr(4)})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, sel.DecisionID, got[0].ID)
	assert.InDelta(t, 0.5, *got[0].Reward, 1e-12)
}

func registerFakes(r *Router, fakes ...*providertest.Fake) {
	for _, f := range fakes {
		r.Registry().Register(f)
	}
}

func TestExecute_FallbackOnTransient(t *testing.T) {
	cfg := DefaultConfig()
	r, store := newTestRouter(t, cfg)

	var calls atomic.Int32
	handler := func(ctx context.Context, prompt string, params provider.Params) (*provider.Completion, error) {
		if calls.Add(1) == 1 {
			return nil, providertest.Transient(params.Model, "overloaded")
		}
		return &provider.Completion{Text: "answer from " + params.Model, TokensUsed: 100}, nil
	}
	a, b := providertest.NewFake("a"), providertest.NewFake("b")
	a.Handler, b.Handler = handler, handler
	registerFakes(r, a, b)

	res, err := r.Execute(context.Background(), "chat", []provider.Candidate{candA, candB}, "hello", provider.Params{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Contains(t, res.Completion.Text, "answer from")

	final, err := store.Get(context.Background(), res.Selection.DecisionID)
	require.NoError(t, err)
	assert.False(t, final.Resolved())
	assert.Equal(t, 2, final.Attempt)
	require.NotNil(t, final.Observation)
	assert.True(t, final.Observation.Success)
	assert.Equal(t, 100, final.Observation.Tokens)

	first, err := store.Get(context.Background(), final.ParentID)
	require.NoError(t, err)
	require.True(t, first.Resolved())
	assert.False(t, first.Success)
	assert.Equal(t, ReasonFailure, first.Reason)
	assert.InDelta(t, -1, *first.Reward, 1e-12)
	assert.NotEqual(t, first.Selected, final.Selected)
}

func TestExecute_PermanentSurfacesImmediately(t *testing.T) {
	r, _ := newTestRouter(t, DefaultConfig())
	a := providertest.NewFake("a", providertest.Step{Err: providertest.Permanent("a", "invalid request")})
	b := providertest.NewFake("b", providertest.Step{Err: providertest.Permanent("b", "invalid request")})
	registerFakes(r, a, b)

	_, err := r.Execute(context.Background(), "chat", []provider.Candidate{candA, candB}, "hello", provider.Params{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAllProvidersFailed))
	assert.Contains(t, err.Error(), "invalid request")
	assert.Equal(t, 1, a.Calls()+b.Calls())
}

func TestExecute_AllFail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryCap = 2
	r, store := newTestRouter(t, cfg)

	var fakes []*providertest.Fake
	var cands []provider.Candidate
	for _, name := range []string{"a", "b", "c", "d"} {
		f := providertest.NewFake(name, providertest.Step{Err: providertest.Transient(name, "down")})
		fakes = append(fakes, f)
		cands = append(cands, provider.Candidate{Provider: name, Model: "m"})
	}
	registerFakes(r, fakes...)

	_, err := r.Execute(context.Background(), "chat", cands, "hello", provider.Params{})
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.True(t, provider.IsTransient(err))

	total := 0
	for _, f := range fakes {
		assert.LessOrEqual(t, f.Calls(), 1)
		total += f.Calls()
	}
	assert.Equal(t, 3, total)

	pending, err := store.Unresolved(context.Background(), time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExecute_DuplicateCandidates(t *testing.T) {
	r, store := newTestRouter(t, DefaultConfig())
	a := providertest.NewFake("a", providertest.Step{Err: providertest.Transient("a", "down")})
	registerFakes(r, a)

	var res *Result
	var err error
	require.NotPanics(t, func() {
		res, err = r.Execute(context.Background(), "chat", []provider.Candidate{candA, candA}, "hello", provider.Params{})
	})
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, 1, a.Calls())

	pending, err := store.Unresolved(context.Background(), time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExecute_CallTimeoutFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	r, _ := newTestRouter(t, cfg)

	slowA := providertest.NewFake("a", providertest.Step{Text: "late", Delay: time.Second})
	slowB := providertest.NewFake("b", providertest.Step{Text: "late", Delay: time.Second})
	fast := providertest.NewFake("c", providertest.Step{Text: "fast"})
	registerFakes(r, slowA, slowB, fast)

	cands := []provider.Candidate{candA, candB, {Provider: "c", Model: "m3"}}
	res, err := r.Execute(context.Background(), "chat", cands, "hello", provider.Params{})
	require.NoError(t, err)
	assert.Equal(t, "fast", res.Completion.Text)
	assert.Equal(t, 1, fast.Calls())
}

func TestExecute_CancellationResolvesNeutral(t *testing.T) {
	r, store := newTestRouter(t, DefaultConfig())
	slow := providertest.NewFake("a", providertest.Step{Text: "late", Delay: time.Second})
	registerFakes(r, slow)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := r.Execute(ctx, "chat", []provider.Candidate{candA}, "hello", provider.Params{})
	require.ErrorIs(t, err, context.Canceled)

	pending, err := store.Unresolved(context.Background(), time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	s, ok := r.Ledger().Get(ledger.KeyFor(candA, "chat"))
	require.True(t, ok)
	assert.Zero(t, s.AvgReward)
	assert.Zero(t, s.SuccessCount)
}

func TestExecute_UnknownProvider(t *testing.T) {
	r, _ := newTestRouter(t, DefaultConfig())
	_, err := r.Execute(context.Background(), "chat", []provider.Candidate{candA}, "hello", provider.Params{})
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestSweepExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	logger := logging.NewTestLogger()
	r, _ := newTestRouter(t, DefaultConfig(), WithClock(clock), WithLogger(logger.Underlying()))
	ctx := context.Background()

	old, err := r.Select(ctx, "chat", []provider.Candidate{candA})
	require.NoError(t, err)
	now = now.Add(9 * time.Minute)
	fresh, err := r.Select(ctx, "chat", []provider.Candidate{candA})
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)

	n, err := r.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := r.Decision(ctx, old.DecisionID)
	require.NoError(t, err)
	require.True(t, d.Resolved())
	assert.Equal(t, ReasonExpired, d.Reason)
	assert.Zero(t, *d.Reward)

	d, err = r.Decision(ctx, fresh.DecisionID)
	require.NoError(t, err)
	assert.False(t, d.Resolved())
	logger.AssertLogged(t, zapcore.InfoLevel, "expired decisions resolved")
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	r, _ := newTestRouter(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
