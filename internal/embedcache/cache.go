// Package embedcache deduplicates embedding calls behind a TTL-bounded LRU.
//
// Keys are derived from the model name and the SHA-256 of the normalized
// text, so identical inputs map to one provider call and bit-identical
// vectors:
//
//	cache, _ := embedcache.New(embedder, "bge-small", embedcache.DefaultConfig(), logger)
//	v, err := cache.Embed(ctx, "hello  world")
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/cognitd/internal/provider"
)

const instrumentationName = "github.com/fyrsmithlabs/cognitd/internal/embedcache"

// EmbedError is returned when the underlying provider fails. Failed results
// are never cached.
type EmbedError struct {
	Model string
	Texts int
	Err   error
}

func (e *EmbedError) Error() string {
	return fmt.Sprintf("embedding %d text(s) with %s: %v", e.Texts, e.Model, e.Err)
}

func (e *EmbedError) Unwrap() error { return e.Err }

// Config bounds the cache.
type Config struct {
	TTL         time.Duration
	MaxEntries  int
	BatchSize   int
	Concurrency int
	// CallTimeout bounds a shared provider call made on behalf of every
	// caller waiting on the same key.
	CallTimeout time.Duration
}

// DefaultConfig returns a 7 day TTL, 10000 entries, batches of 64 texts,
// 4 concurrent provider calls and a 30 second shared call timeout.
func DefaultConfig() Config {
	return Config{
		TTL:         7 * 24 * time.Hour,
		MaxEntries:  10000,
		BatchSize:   64,
		Concurrency: 4,
		CallTimeout: 30 * time.Second,
	}
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Errors  int64 `json:"errors"`
	Entries int   `json:"entries"`
}

// HitRatio returns hits/(hits+misses), 0 before the first lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache wraps an embedder with deduplicating lookups.
type Cache struct {
	embedder provider.Embedder
	model    string
	cfg      Config
	lru      *expirable.LRU[string, []float32]
	group    singleflight.Group
	logger   *zap.Logger

	hits, misses, errs atomic.Int64

	hitCounter   metric.Int64Counter
	missCounter  metric.Int64Counter
	errorCounter metric.Int64Counter
}

// New creates a cache in front of embedder. model namespaces the keys.
func New(embedder provider.Embedder, model string, cfg Config, logger *zap.Logger) (*Cache, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if model == "" {
		return nil, errors.New("model name is required")
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Cache{
		embedder: embedder,
		model:    model,
		cfg:      cfg,
		lru:      expirable.NewLRU[string, []float32](cfg.MaxEntries, nil, cfg.TTL),
		logger:   logger,
	}
	c.initMetrics()
	return c, nil
}

func (c *Cache) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	c.hitCounter, err = meter.Int64Counter("cognitd.embedcache.hits_total",
		metric.WithDescription("Embedding cache hits"), metric.WithUnit("{lookup}"))
	if err != nil {
		c.logger.Warn("failed to create hit counter", zap.Error(err))
	}
	c.missCounter, err = meter.Int64Counter("cognitd.embedcache.misses_total",
		metric.WithDescription("Embedding cache misses"), metric.WithUnit("{lookup}"))
	if err != nil {
		c.logger.Warn("failed to create miss counter", zap.Error(err))
	}
	c.errorCounter, err = meter.Int64Counter("cognitd.embedcache.errors_total",
		metric.WithDescription("Embedding provider failures seen by the cache"), metric.WithUnit("{error}"))
	if err != nil {
		c.logger.Warn("failed to create error counter", zap.Error(err))
	}
}

// Normalize trims the text and collapses internal whitespace runs.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Key returns "embedding:<model>:<sha256 of normalized text>".
func Key(model, text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return "embedding:" + model + ":" + hex.EncodeToString(sum[:])
}

// Model returns the namespacing model name.
func (c *Cache) Model() string { return c.model }

// Embed returns the vector for text, calling the provider only on a miss.
// Concurrent misses for the same key share one provider call. The shared
// call is detached from any single caller and bounded by CallTimeout; a
// caller whose ctx ends stops waiting without failing the others.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	norm := Normalize(text)
	if norm == "" {
		return nil, &EmbedError{Model: c.model, Texts: 1, Err: provider.ErrEmptyInput}
	}
	key := Key(c.model, norm)
	if v, ok := c.lru.Get(key); ok {
		c.recordHits(ctx, 1)
		return clone(v), nil
	}
	c.recordMisses(ctx, 1)

	ch := c.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
		defer cancel()
		vecs, err := c.embedder.EmbedDocuments(callCtx, []string{norm})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
		}
		c.lru.Add(key, vecs[0])
		return vecs[0], nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, c.fail(ctx, 1, res.Err)
		}
		return clone(res.Val.([]float32)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EmbedBatch embeds texts, calling the provider only for distinct misses.
// Misses are split into chunks of BatchSize fetched concurrently. Output is
// aligned with texts.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, &EmbedError{Model: c.model, Err: provider.ErrEmptyInput}
	}

	out := make([][]float32, len(texts))
	positions := make(map[string][]int)
	var missKeys, missTexts []string
	hits := 0
	for i, t := range texts {
		norm := Normalize(t)
		if norm == "" {
			return nil, &EmbedError{Model: c.model, Texts: len(texts), Err: fmt.Errorf("text %d: %w", i, provider.ErrEmptyInput)}
		}
		key := Key(c.model, norm)
		if v, ok := c.lru.Get(key); ok {
			out[i] = clone(v)
			hits++
			continue
		}
		if _, seen := positions[key]; !seen {
			missKeys = append(missKeys, key)
			missTexts = append(missTexts, norm)
		}
		positions[key] = append(positions[key], i)
	}
	c.recordHits(ctx, hits)
	if len(missKeys) == 0 {
		return out, nil
	}
	c.recordMisses(ctx, len(missKeys))

	fetched := make([][]float32, len(missKeys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for start := 0; start < len(missKeys); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(missKeys))
		g.Go(func() error {
			vecs, err := c.embedder.EmbedDocuments(gctx, missTexts[start:end])
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return fmt.Errorf("expected %d embeddings, got %d", end-start, len(vecs))
			}
			for j, v := range vecs {
				c.lru.Add(missKeys[start+j], v)
				fetched[start+j] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, c.fail(ctx, len(missKeys), err)
	}

	for j, key := range missKeys {
		for _, i := range positions[key] {
			out[i] = clone(fetched[j])
		}
	}
	c.logger.Debug("embedding batch filled",
		zap.Int("texts", len(texts)), zap.Int("hits", hits), zap.Int("fetched", len(missKeys)))
	return out, nil
}

// EmbedDocuments satisfies provider.Embedder.
func (c *Cache) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.EmbedBatch(ctx, texts)
}

// EmbedQuery satisfies provider.Embedder. Queries and documents share keys,
// so both are embedded with the provider's EmbedDocuments and identical text
// always yields one vector.
func (c *Cache) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.Embed(ctx, text)
}

// Stats returns hit and miss counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Errors:  c.errs.Load(),
		Entries: c.lru.Len(),
	}
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}

func (c *Cache) recordHits(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	c.hits.Add(int64(n))
	if c.hitCounter != nil {
		c.hitCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("model", c.model)))
	}
}

func (c *Cache) recordMisses(ctx context.Context, n int) {
	c.misses.Add(int64(n))
	if c.missCounter != nil {
		c.missCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("model", c.model)))
	}
}

func (c *Cache) fail(ctx context.Context, texts int, err error) error {
	c.errs.Add(1)
	if c.errorCounter != nil {
		c.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("model", c.model)))
	}
	var ee *EmbedError
	if errors.As(err, &ee) {
		return ee
	}
	c.logger.Warn("embedding failed", zap.String("model", c.model), zap.Int("texts", texts), zap.Error(err))
	return &EmbedError{Model: c.model, Texts: texts, Err: err}
}

func clone(v []float32) []float32 {
	return append([]float32(nil), v...)
}

var _ provider.Embedder = (*Cache)(nil)
