// Package ledger keeps per (provider, model, task type) performance
// statistics and derives the selection weights the router samples from.
//
// Updates for one key are serialized by a sharded lock. An update is always
// applied in memory; if persisting it fails the key is marked dirty and Flush
// writes it later. Readers never lock: they load an immutable snapshot that
// is republished after every update.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cognitd/internal/provider"
)

const shardCount = 16

// ErrInvalidConfig is returned for out-of-range tunables.
var ErrInvalidConfig = errors.New("invalid ledger configuration")

// ErrNotPersisted wraps store failures from Apply. The update itself took
// effect and the entry is queued for Flush.
var ErrNotPersisted = errors.New("ledger entry not persisted")

// Key identifies one ledger entry.
type Key struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	TaskType string `json:"task_type"`
}

// KeyFor builds the key of a candidate for a task type.
func KeyFor(c provider.Candidate, taskType string) Key {
	return Key{Provider: c.Provider, Model: c.Model, TaskType: taskType}
}

// Candidate returns the provider/model part of the key.
func (k Key) Candidate() provider.Candidate {
	return provider.Candidate{Provider: k.Provider, Model: k.Model}
}

func (k Key) String() string {
	return k.Provider + "/" + k.Model + "@" + k.TaskType
}

// Stat is the aggregate for one key.
type Stat struct {
	RequestCount    int64     `json:"request_count"`
	SuccessCount    int64     `json:"success_count"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	AvgReward       float64   `json:"avg_reward"`
	SelectionWeight float64   `json:"selection_weight"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Update is the single mutation applied per resolved decision.
type Update struct {
	Key       Key
	Success   bool
	LatencyMs float64
	Reward    float64
}

// Entry pairs a key with its stat.
type Entry struct {
	Key  Key  `json:"key"`
	Stat Stat `json:"stat"`
}

// Config holds the learning tunables.
type Config struct {
	// LearningRate is the EMA rate, 0.01 to 0.1.
	LearningRate float64
	// Floor is the minimum selection weight of every candidate.
	Floor float64
	// Temperature of the softmax over average rewards.
	Temperature float64
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{LearningRate: 0.05, Floor: 0.05, Temperature: 0.25}
}

// Validate checks the tunables.
func (c Config) Validate() error {
	if c.LearningRate < 0.01 || c.LearningRate > 0.1 {
		return fmt.Errorf("%w: learning rate %v outside [0.01, 0.1]", ErrInvalidConfig, c.LearningRate)
	}
	if c.Floor <= 0 || c.Floor >= 1 {
		return fmt.Errorf("%w: floor %v outside (0, 1)", ErrInvalidConfig, c.Floor)
	}
	if c.Temperature <= 0 {
		return fmt.Errorf("%w: temperature must be positive", ErrInvalidConfig)
	}
	return nil
}

// Store persists ledger entries.
type Store interface {
	SaveStat(ctx context.Context, key Key, stat Stat) error
	LoadStats(ctx context.Context) (map[Key]Stat, error)
}

type shard struct {
	mu    sync.Mutex
	stats map[Key]Stat
}

type snapshot map[Key]Stat

// Ledger is the performance ledger.
type Ledger struct {
	cfg    atomic.Pointer[Config]
	store  Store
	logger *zap.Logger
	now    func() time.Time

	shards [shardCount]shard
	pubMu  sync.Mutex
	snap   atomic.Pointer[snapshot]

	dirtyMu sync.Mutex
	dirty   map[Key]struct{}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore persists every update to s.
func WithStore(s Store) Option {
	return func(l *Ledger) { l.store = s }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty ledger.
func New(cfg Config, opts ...Option) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Ledger{logger: zap.NewNop(), now: time.Now, dirty: make(map[Key]struct{})}
	l.cfg.Store(&cfg)
	for i := range l.shards {
		l.shards[i].stats = make(map[Key]Stat)
	}
	empty := snapshot{}
	l.snap.Store(&empty)
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the current tunables.
func (l *Ledger) Config() Config {
	return *l.cfg.Load()
}

// SetConfig swaps the tunables. Weights are recomputed on the next update or
// read.
func (l *Ledger) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.cfg.Store(&cfg)
	l.pubMu.Lock()
	defer l.pubMu.Unlock()
	next := l.copySnapshot()
	for _, taskType := range taskTypesOf(next) {
		l.reweigh(next, taskType)
	}
	l.snap.Store(&next)
	return nil
}

// Load replaces in-memory state with the persisted entries.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	stats, err := l.store.LoadStats(ctx)
	if err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}
	l.Restore(stats)
	l.logger.Info("ledger loaded", zap.Int("entries", len(stats)))
	return nil
}

// Restore seeds the ledger with the given entries without persisting them.
func (l *Ledger) Restore(stats map[Key]Stat) {
	for k, s := range stats {
		sh := l.shard(k)
		sh.mu.Lock()
		sh.stats[k] = s
		sh.mu.Unlock()
	}

	l.pubMu.Lock()
	defer l.pubMu.Unlock()
	next := l.copySnapshot()
	touched := make(map[string]struct{})
	for k, s := range stats {
		next[k] = s
		touched[k.TaskType] = struct{}{}
	}
	for taskType := range touched {
		l.reweigh(next, taskType)
	}
	l.snap.Store(&next)
}

// Apply folds one resolved decision into the entry for u.Key.
//
// The reward is clamped to [-1, 1]. A missing entry starts at the neutral
// prior, so the first reward r yields avg = lr*r. Latency is only folded in
// when positive; the first observed latency seeds the average.
func (l *Ledger) Apply(ctx context.Context, u Update) (Stat, error) {
	cfg := l.Config()
	sh := l.shard(u.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur := sh.stats[u.Key]
	next := cur
	next.RequestCount++
	if u.Success {
		next.SuccessCount++
	}
	next.AvgReward = EMA(cur.AvgReward, clamp(u.Reward, -1, 1), cfg.LearningRate)
	if u.LatencyMs > 0 {
		if cur.AvgLatencyMs == 0 {
			next.AvgLatencyMs = u.LatencyMs
		} else {
			next.AvgLatencyMs = EMA(cur.AvgLatencyMs, u.LatencyMs, cfg.LearningRate)
		}
	}
	next.UpdatedAt = l.now().UTC()

	next = l.publish(u.Key, next)
	sh.stats[u.Key] = next

	// Persisted weights are advisory; they are recomputed on Load.
	var persistErr error
	if l.store != nil {
		if err := l.store.SaveStat(ctx, u.Key, next); err != nil {
			l.markDirty(u.Key, true)
			persistErr = fmt.Errorf("%w: %s: %w", ErrNotPersisted, u.Key, err)
		} else {
			l.markDirty(u.Key, false)
		}
	}

	updatesTotal.WithLabelValues(u.Key.Provider, u.Key.Model, u.Key.TaskType).Inc()
	l.logger.Debug("ledger updated",
		zap.String("key", u.Key.String()),
		zap.Float64("reward", u.Reward),
		zap.Float64("avg_reward", next.AvgReward),
		zap.Float64("selection_weight", next.SelectionWeight),
		zap.Int64("request_count", next.RequestCount),
	)
	return next, persistErr
}

func (l *Ledger) markDirty(k Key, dirty bool) {
	l.dirtyMu.Lock()
	defer l.dirtyMu.Unlock()
	if dirty {
		l.dirty[k] = struct{}{}
	} else {
		delete(l.dirty, k)
	}
}

// Pending returns the number of entries waiting to be persisted.
func (l *Ledger) Pending() int {
	l.dirtyMu.Lock()
	defer l.dirtyMu.Unlock()
	return len(l.dirty)
}

// Flush persists every entry whose last save failed. It returns how many
// were written; entries that fail again stay queued.
func (l *Ledger) Flush(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	l.dirtyMu.Lock()
	keys := make([]Key, 0, len(l.dirty))
	for k := range l.dirty {
		keys = append(keys, k)
	}
	l.dirtyMu.Unlock()

	var (
		written int
		errs    []error
	)
	for _, k := range keys {
		sh := l.shard(k)
		sh.mu.Lock()
		err := l.store.SaveStat(ctx, k, sh.stats[k])
		if err == nil {
			l.markDirty(k, false)
		}
		sh.mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		written++
	}
	if written > 0 {
		l.logger.Info("pending ledger entries persisted", zap.Int("count", written))
	}
	return written, errors.Join(errs...)
}

// Get returns the entry for k from the current snapshot.
func (l *Ledger) Get(k Key) (Stat, bool) {
	s, ok := (*l.snap.Load())[k]
	return s, ok
}

// Weights returns the selection weight of each candidate for taskType,
// aligned with cands. Unknown candidates use the neutral prior.
func (l *Ledger) Weights(taskType string, cands []provider.Candidate) []float64 {
	snap := *l.snap.Load()
	avgs := make([]float64, len(cands))
	for i, c := range cands {
		avgs[i] = snap[KeyFor(c, taskType)].AvgReward
	}
	cfg := l.Config()
	return Weights(avgs, cfg.Floor, cfg.Temperature)
}

// Stats returns all entries for taskType ordered by weight, heaviest first.
// An empty taskType returns every entry.
func (l *Ledger) Stats(taskType string) []Entry {
	snap := *l.snap.Load()
	out := make([]Entry, 0, len(snap))
	for k, s := range snap {
		if taskType == "" || k.TaskType == taskType {
			out = append(out, Entry{Key: k, Stat: s})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.TaskType != out[j].Key.TaskType {
			return out[i].Key.TaskType < out[j].Key.TaskType
		}
		if out[i].Stat.SelectionWeight != out[j].Stat.SelectionWeight {
			return out[i].Stat.SelectionWeight > out[j].Stat.SelectionWeight
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// TaskTypes lists the task types with at least one entry.
func (l *Ledger) TaskTypes() []string {
	return taskTypesOf(*l.snap.Load())
}

func (l *Ledger) shard(k Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.String()))
	return &l.shards[h.Sum32()%shardCount]
}

// publish installs s for k in a new snapshot, recomputing the weights of k's
// task type, and returns s with its weight filled in.
func (l *Ledger) publish(k Key, s Stat) Stat {
	l.pubMu.Lock()
	defer l.pubMu.Unlock()
	next := l.copySnapshot()
	next[k] = s
	l.reweigh(next, k.TaskType)
	l.snap.Store(&next)
	return next[k]
}

func (l *Ledger) copySnapshot() snapshot {
	cur := *l.snap.Load()
	next := make(snapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

// reweigh recomputes SelectionWeight for every key of taskType in snap.
func (l *Ledger) reweigh(snap snapshot, taskType string) {
	var keys []Key
	for k := range snap {
		if k.TaskType == taskType {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	avgs := make([]float64, len(keys))
	for i, k := range keys {
		avgs[i] = snap[k].AvgReward
	}
	cfg := l.Config()
	for i, w := range Weights(avgs, cfg.Floor, cfg.Temperature) {
		s := snap[keys[i]]
		s.SelectionWeight = w
		snap[keys[i]] = s
		selectionWeight.WithLabelValues(keys[i].Provider, keys[i].Model, taskType).Set(w)
		avgReward.WithLabelValues(keys[i].Provider, keys[i].Model, taskType).Set(s.AvgReward)
	}
}

func taskTypesOf(snap snapshot) []string {
	seen := make(map[string]struct{})
	for k := range snap {
		seen[k.TaskType] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// EMA returns (1-lr)*avg + lr*x.
func EMA(avg, x, lr float64) float64 {
	return (1-lr)*avg + lr*x
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
