// Package router picks a provider and model for each task with an
// epsilon-greedy policy over the performance ledger, records every choice
// as a decision, and folds outcome feedback back into the ledger.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cognitd/internal/ledger"
	"github.com/fyrsmithlabs/cognitd/internal/provider"
)

const instrumentationName = "github.com/fyrsmithlabs/cognitd/internal/router"

// Config holds router tunables.
type Config struct {
	// Epsilon is the probability of a uniform exploratory pick.
	Epsilon float64
	// RetryCap is the number of fallback attempts after the first failure.
	RetryCap int
	// CallTimeout bounds every provider call.
	CallTimeout time.Duration
	// DecisionTimeout is how long a decision may stay unresolved.
	DecisionTimeout time.Duration
	// SweepInterval is how often expired decisions are resolved.
	SweepInterval time.Duration
	Reward        RewardConfig
}

// DefaultConfig returns the default router tunables.
func DefaultConfig() Config {
	return Config{
		Epsilon:         0.05,
		RetryCap:        2,
		CallTimeout:     60 * time.Second,
		DecisionTimeout: 10 * time.Minute,
		SweepInterval:   30 * time.Second,
		Reward:          DefaultRewardConfig(),
	}
}

// Validate checks the tunables.
func (c Config) Validate() error {
	if c.Epsilon < 0 || c.Epsilon > 1 {
		return fmt.Errorf("epsilon %v outside [0, 1]", c.Epsilon)
	}
	if c.RetryCap < 0 {
		return fmt.Errorf("retry cap must be non-negative")
	}
	if c.CallTimeout <= 0 || c.DecisionTimeout <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("call timeout, decision timeout and sweep interval must be positive")
	}
	return c.Reward.Validate()
}

// Selection is the result of Select.
type Selection struct {
	Candidate   provider.Candidate `json:"candidate"`
	DecisionID  string             `json:"decision_id"`
	Exploration bool               `json:"exploration"`
}

// Outcome is feedback for a decision. Nil fields fall back to the recorded
// observation.
type Outcome struct {
	Reason    Reason
	Approved  *bool
	Rating    *int
	Success   *bool
	LatencyMs *float64
	Cost      *float64
	Quality   *float64
}

// Listener is notified after every successful resolution.
type Listener func(ctx context.Context, d *Decision)

// Router is the learning provider selector.
type Router struct {
	cfg       atomic.Pointer[Config]
	ledger    *ledger.Ledger
	decisions DecisionStore
	registry  *provider.Registry
	prices    provider.PriceTable
	logger    *zap.Logger
	now       func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	listenersMu sync.RWMutex
	listeners   []Listener

	tracer          trace.Tracer
	meter           metric.Meter
	selections      metric.Int64Counter
	resolutions     metric.Int64Counter
	rewardHistogram metric.Float64Histogram
	fallbacks       metric.Int64Counter
}

// Option configures a Router.
type Option func(*Router)

// WithRegistry sets the providers Execute calls.
func WithRegistry(reg *provider.Registry) Option {
	return func(r *Router) { r.registry = reg }
}

// WithPrices sets the price table used to cost completions.
func WithPrices(prices provider.PriceTable) Option {
	return func(r *Router) { r.prices = prices }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSeed makes sampling deterministic.
func WithSeed(seed uint64) Option {
	return func(r *Router) { r.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithListener registers a resolution listener.
func WithListener(fn Listener) Option {
	return func(r *Router) { r.listeners = append(r.listeners, fn) }
}

// New creates a router over the given ledger and decision log.
func New(cfg Config, l *ledger.Ledger, decisions DecisionStore, opts ...Option) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errors.New("ledger is required")
	}
	if decisions == nil {
		decisions = NewMemoryStore()
	}
	r := &Router{
		ledger:    l,
		decisions: decisions,
		registry:  provider.NewRegistry(),
		logger:    zap.NewNop(),
		now:       time.Now,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	r.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(r)
	}
	r.initMetrics()
	return r, nil
}

func (r *Router) initMetrics() {
	var err error
	r.selections, err = r.meter.Int64Counter(
		"cognitd.router.selections_total",
		metric.WithDescription("Routing decisions by task type, candidate and whether the pick was exploratory"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		r.logger.Warn("failed to create selections counter", zap.Error(err))
	}
	r.resolutions, err = r.meter.Int64Counter(
		"cognitd.router.resolutions_total",
		metric.WithDescription("Resolved decisions by reason (feedback, auto, failure, canceled, expired)"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		r.logger.Warn("failed to create resolutions counter", zap.Error(err))
	}
	r.rewardHistogram, err = r.meter.Float64Histogram(
		"cognitd.router.reward",
		metric.WithDescription("Distribution of applied rewards"),
		metric.WithExplicitBucketBoundaries(-1, -0.5, -0.25, 0, 0.25, 0.5, 0.75, 1),
	)
	if err != nil {
		r.logger.Warn("failed to create reward histogram", zap.Error(err))
	}
	r.fallbacks, err = r.meter.Int64Counter(
		"cognitd.router.fallbacks_total",
		metric.WithDescription("Fallback attempts after a provider failure"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		r.logger.Warn("failed to create fallbacks counter", zap.Error(err))
	}
}

// Config returns the current tunables.
func (r *Router) Config() Config { return *r.cfg.Load() }

// SetConfig swaps the tunables atomically.
func (r *Router) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.cfg.Store(&cfg)
	return nil
}

// Ledger returns the underlying ledger.
func (r *Router) Ledger() *ledger.Ledger { return r.ledger }

// Registry returns the provider registry.
func (r *Router) Registry() *provider.Registry { return r.registry }

// AddListener registers a resolution listener.
func (r *Router) AddListener(fn Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Select picks a candidate for taskType and writes the decision record
// before returning.
func (r *Router) Select(ctx context.Context, taskType string, candidates []provider.Candidate) (Selection, error) {
	candidates = uniqueCandidates(candidates)
	if len(candidates) == 0 {
		return Selection{}, ErrNoCandidates
	}
	idx, explore := r.pick(taskType, candidates)
	return r.record(ctx, taskType, candidates, candidates[idx], explore, 1, "")
}

// uniqueCandidates drops repeats, keeping first occurrences in order. The
// input is returned as-is when it has none.
func uniqueCandidates(candidates []provider.Candidate) []provider.Candidate {
	seen := make(map[provider.Candidate]struct{}, len(candidates))
	for i, c := range candidates {
		if _, dup := seen[c]; !dup {
			seen[c] = struct{}{}
			continue
		}
		out := append([]provider.Candidate(nil), candidates[:i]...)
		for _, c := range candidates[i+1:] {
			if _, dup := seen[c]; !dup {
				seen[c] = struct{}{}
				out = append(out, c)
			}
		}
		return out
	}
	return candidates
}

// pick chooses an index: uniform with probability epsilon, otherwise
// weighted by the ledger.
func (r *Router) pick(taskType string, candidates []provider.Candidate) (int, bool) {
	weights := r.ledger.Weights(taskType, candidates)
	eps := r.Config().Epsilon

	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	if r.rng.Float64() < eps {
		return r.rng.IntN(len(candidates)), true
	}
	x := r.rng.Float64()
	var acc float64
	for i, w := range weights {
		acc += w
		if x < acc {
			return i, false
		}
	}
	return len(candidates) - 1, false
}

func (r *Router) record(ctx context.Context, taskType string, candidates []provider.Candidate, chosen provider.Candidate, explore bool, attempt int, parent string) (Selection, error) {
	d := &Decision{
		ID:          uuid.NewString(),
		TaskType:    taskType,
		Candidates:  append([]provider.Candidate(nil), candidates...),
		Selected:    chosen,
		Exploration: explore,
		Attempt:     attempt,
		ParentID:    parent,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.decisions.Create(ctx, d); err != nil {
		return Selection{}, fmt.Errorf("recording decision: %w", err)
	}
	if r.selections != nil {
		r.selections.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task_type", taskType),
			attribute.String("candidate", chosen.String()),
			attribute.Bool("exploration", explore),
		))
	}
	r.logger.Debug("candidate selected",
		zap.String("decision_id", d.ID),
		zap.String("task_type", taskType),
		zap.String("candidate", chosen.String()),
		zap.Bool("exploration", explore),
		zap.Int("attempt", attempt),
	)
	return Selection{Candidate: chosen, DecisionID: d.ID, Exploration: explore}, nil
}

// Decision returns a decision from the log.
func (r *Router) Decision(ctx context.Context, id string) (*Decision, error) {
	return r.decisions.Get(ctx, id)
}

// RecordObservation attaches measurements to an unresolved decision.
// Resolve uses them for fields the outcome leaves unset.
func (r *Router) RecordObservation(ctx context.Context, id string, obs Observation) error {
	return r.decisions.Observe(ctx, id, obs)
}

// Resolve computes the reward for a decision, marks it resolved and applies
// the reward to the ledger. Only the first call for an ID succeeds; later
// calls return ErrAlreadyResolved and leave the ledger untouched.
func (r *Router) Resolve(ctx context.Context, id string, out Outcome) (*Decision, error) {
	ctx, span := r.tracer.Start(ctx, "router.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("decision_id", id), attribute.String("reason", string(out.Reason)))

	d, err := r.decisions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Resolved() {
		return d, ErrAlreadyResolved
	}

	in, err := mergeOutcome(d, out)
	if err != nil {
		return nil, err
	}
	cfg := r.Config()
	reward := cfg.Reward.compute(in)
	res := Resolution{
		Success:    in.Success,
		LatencyMs:  in.LatencyMs,
		TokenCost:  in.Cost,
		Reward:     reward,
		Reason:     in.Reason,
		ResolvedAt: r.now().UTC(),
	}

	ok, err := r.decisions.Resolve(ctx, id, res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("resolving decision %s: %w", id, err)
	}
	if !ok {
		return d, ErrAlreadyResolved
	}

	d.Success, d.LatencyMs, d.TokenCost, d.Reason = res.Success, res.LatencyMs, res.TokenCost, res.Reason
	d.Reward = &reward
	d.ResolvedAt = &res.ResolvedAt

	if _, err := r.ledger.Apply(ctx, ledger.Update{
		Key:       ledger.KeyFor(d.Selected, d.TaskType),
		Success:   res.Success,
		LatencyMs: res.LatencyMs,
		Reward:    reward,
	}); err != nil {
		// The reward is in the ledger; the sweeper retries the save.
		r.logger.Warn("ledger entry not persisted, queued for flush",
			zap.String("decision_id", id), zap.Error(err))
		span.RecordError(err)
	}

	span.SetAttributes(attribute.Float64("reward", reward))
	if r.resolutions != nil {
		r.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(res.Reason))))
	}
	if r.rewardHistogram != nil {
		r.rewardHistogram.Record(ctx, reward, metric.WithAttributes(attribute.String("task_type", d.TaskType)))
	}
	r.logger.Info("decision resolved",
		zap.String("decision_id", id),
		zap.String("candidate", d.Selected.String()),
		zap.String("reason", string(res.Reason)),
		zap.Float64("reward", reward),
		zap.Bool("success", res.Success),
	)

	r.listenersMu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, d)
	}
	return d, nil
}

func mergeOutcome(d *Decision, out Outcome) (rewardInput, error) {
	in := rewardInput{Reason: out.Reason}
	if in.Reason == "" {
		in.Reason = ReasonFeedback
	}

	rating, ok, err := NormalizeRating(out.Approved, out.Rating)
	if err != nil {
		return rewardInput{}, err
	}
	if ok {
		in.Rating = &rating
	}

	if obs := d.Observation; obs != nil {
		in.Success = obs.Success
		in.LatencyMs = obs.LatencyMs
		in.Cost = obs.Cost
		in.Quality = obs.Quality
	}
	if out.Success != nil {
		in.Success = *out.Success
	}
	if out.LatencyMs != nil {
		in.LatencyMs = *out.LatencyMs
	}
	if out.Cost != nil {
		in.Cost = *out.Cost
	}
	if out.Quality != nil {
		in.Quality = out.Quality
	}
	if in.Reason == ReasonFailure || in.Reason == ReasonCanceled {
		in.Success = false
	}
	return in, nil
}

// Stats returns the ledger entries for taskType.
func (r *Router) Stats(taskType string) []ledger.Entry {
	return r.ledger.Stats(taskType)
}
