package embedcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/cognitd/internal/provider"
	"github.com/fyrsmithlabs/cognitd/internal/provider/providertest"
)

func newTestCache(t *testing.T, cfg Config) (*Cache, *providertest.Embedder) {
	t.Helper()
	emb := providertest.NewEmbedder(16)
	c, err := New(emb, emb.Model(), cfg, nil)
	require.NoError(t, err)
	return c, emb
}

func TestNormalizeAndKey(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("  hello \n\t world  "))
	assert.Equal(t, Key("m", "hello world"), Key("m", " hello   world "))
	assert.NotEqual(t, Key("m", "hello"), Key("other", "hello"))
	assert.Regexp(t, `^embedding:m:[0-9a-f]{64}$`, Key("m", "x"))
}

func TestEmbed_RoundTripOneProviderCall(t *testing.T) {
	c, emb := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	v1, err := c.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	v2, err := c.Embed(ctx, "  the quick   brown fox ")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, emb.Calls())

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 0.5, s.HitRatio(), 1e-12)
}

func TestEmbed_ReturnsCopies(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	v1, err := c.Embed(ctx, "stable")
	require.NoError(t, err)
	want := append([]float32(nil), v1...)
	v1[0] = 42

	v2, err := c.Embed(ctx, "stable")
	require.NoError(t, err)
	assert.Equal(t, want, v2)
}

func TestEmbed_FailureNotCached(t *testing.T) {
	c, emb := newTestCache(t, DefaultConfig())
	ctx := context.Background()
	cause := provider.NewTransientError("fake", errors.New("unavailable"))
	emb.FailWith(cause)

	_, err := c.Embed(ctx, "text")
	var ee *EmbedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, emb.Model(), ee.Model)
	assert.True(t, provider.IsTransient(err))
	assert.ErrorIs(t, err, cause)

	emb.FailWith(nil)
	_, err = c.Embed(ctx, "text")
	require.NoError(t, err)
	assert.Equal(t, 2, emb.Calls())
	assert.Equal(t, int64(1), c.Stats().Errors)
}

func TestEmbed_EmptyText(t *testing.T) {
	c, emb := newTestCache(t, DefaultConfig())
	_, err := c.Embed(context.Background(), "   ")
	assert.ErrorIs(t, err, provider.ErrEmptyInput)
	assert.Zero(t, emb.Calls())
}

func TestEmbed_TTLExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = 30 * time.Millisecond
	c, emb := newTestCache(t, cfg)
	ctx := context.Background()

	_, err := c.Embed(ctx, "short lived")
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)
	_, err = c.Embed(ctx, "short lived")
	require.NoError(t, err)
	assert.Equal(t, 2, emb.Calls())
}

func TestEmbed_LRUBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	c, emb := newTestCache(t, cfg)
	ctx := context.Background()

	for _, s := range []string{"a", "b", "c"} {
		_, err := c.Embed(ctx, s)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Stats().Entries)

	_, err := c.Embed(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 4, emb.Calls())
}

func TestEmbedBatch_MissesOnlyAndDeduplicated(t *testing.T) {
	c, emb := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	_, err := c.Embed(ctx, "cached")
	require.NoError(t, err)

	out, err := c.EmbedBatch(ctx, []string{"cached", "new one", "new  one", "another"})
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, out[1], out[2])
	assert.Equal(t, providertest.Vector("another", 16), out[3])

	assert.Equal(t, 2, emb.Calls())
	assert.Equal(t, 3, emb.Texts())

	again, err := c.EmbedBatch(ctx, []string{"new one", "another"})
	require.NoError(t, err)
	assert.Equal(t, out[1], again[0])
	assert.Equal(t, 2, emb.Calls())
}

func TestEmbedBatch_Chunks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	c, emb := newTestCache(t, cfg)

	texts := make([]string, 5)
	for i := range texts {
		texts[i] = fmt.Sprintf("text number %d", i)
	}
	out, err := c.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, out, 5)
	for i, v := range out {
		assert.Equal(t, providertest.Vector(texts[i], 16), v)
	}
	assert.Equal(t, 3, emb.Calls())
}

func TestEmbedBatch_FailureCachesNothingFromFailedChunks(t *testing.T) {
	c, emb := newTestCache(t, DefaultConfig())
	emb.FailWith(errors.New("boom"))

	_, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	var ee *EmbedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 2, ee.Texts)
	assert.Zero(t, c.Stats().Entries)
}

func TestEmbed_Concurrent(t *testing.T) {
	c, emb := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]float32, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Embed(ctx, "shared text")
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		assert.Equal(t, results[0], v)
	}
	assert.LessOrEqual(t, emb.Calls(), len(results))
	assert.Equal(t, 1, c.Stats().Entries)
}

// gatedEmbedder blocks every call until release is closed or its ctx ends.
type gatedEmbedder struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	g.calls.Add(1)
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

func (g *gatedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vs, err := g.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func TestEmbed_CanceledCallerDoesNotFailJoinedCaller(t *testing.T) {
	emb := &gatedEmbedder{started: make(chan struct{}, 1), release: make(chan struct{})}
	c, err := New(emb, "gated", DefaultConfig(), nil)
	require.NoError(t, err)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Embed(ctxA, "shared text")
		errA <- err
	}()
	<-emb.started
	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	type result struct {
		v   []float32
		err error
	}
	resB := make(chan result, 1)
	go func() {
		v, err := c.Embed(context.Background(), "shared text")
		resB <- result{v, err}
	}()
	close(emb.release)

	got := <-resB
	require.NoError(t, got.err)
	assert.Equal(t, []float32{1, 2, 3}, got.v)
	assert.Equal(t, int32(1), emb.calls.Load())
	assert.Zero(t, c.Stats().Errors)
}

func TestEmbed_SharedCallBoundedByTimeout(t *testing.T) {
	emb := &gatedEmbedder{started: make(chan struct{}, 1), release: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	c, err := New(emb, "gated", cfg, nil)
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "never released")
	var ee *EmbedError
	require.ErrorAs(t, err, &ee)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "m", DefaultConfig(), nil)
	assert.Error(t, err)
	_, err = New(providertest.NewEmbedder(4), "", DefaultConfig(), nil)
	assert.Error(t, err)
}
