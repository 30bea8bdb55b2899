package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastHTTPConfig(url string) HTTPConfig {
	return HTTPConfig{
		APIKey:       "test-key",
		BaseURL:      url,
		DefaultModel: "default-model",
		RateLimit:    1000,
		Burst:        100,
		MaxRetries:   2,
		BaseBackoff:  time.Millisecond,
		Timeout:      5 * time.Second,
	}
}

func TestAnthropic_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("Anthropic-Version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-test", req.Model)
		assert.Equal(t, defaultMaxTokens, req.MaxTokens)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)
		assert.Equal(t, "hello", req.Messages[0].Content)

		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"hi there"}],"usage":{"input_tokens":3,"output_tokens":4}}`))
	}))
	defer srv.Close()

	a, err := NewAnthropic(fastHTTPConfig(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "anthropic", a.Name())

	c, err := a.Complete(context.Background(), "hello", Params{Model: "claude-test"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", c.Text)
	assert.Equal(t, 7, c.TokensUsed)
}

func TestAnthropic_RequiresKey(t *testing.T) {
	_, err := NewAnthropic(HTTPConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOpenAI_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"done"}}],"usage":{"total_tokens":12}}`))
	}))
	defer srv.Close()

	o, err := NewOpenAI(fastHTTPConfig(srv.URL))
	require.NoError(t, err)

	c, err := o.Complete(context.Background(), "hello", Params{})
	require.NoError(t, err)
	assert.Equal(t, "done", c.Text)
	assert.Equal(t, 12, c.TokensUsed)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAI_PermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad prompt"}}`))
	}))
	defer srv.Close()

	o, err := NewOpenAI(fastHTTPConfig(srv.URL))
	require.NoError(t, err)

	_, err = o.Complete(context.Background(), "hello", Params{})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "bad prompt")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAI_TransientExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	o, err := NewOpenAI(fastHTTPConfig(srv.URL))
	require.NoError(t, err)

	_, err = o.Complete(context.Background(), "hello", Params{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAI_EmptyPrompt(t *testing.T) {
	o, err := NewOpenAI(fastHTTPConfig("http://127.0.0.1:1"))
	require.NoError(t, err)
	_, err = o.Complete(context.Background(), "", Params{})
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestHTTPBackend_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	o, err := NewOpenAI(fastHTTPConfig(srv.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = o.Complete(ctx, "hello", Params{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" || r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	o, err := NewOpenAI(fastHTTPConfig(srv.URL))
	require.NoError(t, err)
	assert.True(t, o.Health(context.Background()))

	tei, err := NewTEI(TEIConfig{HTTPConfig: fastHTTPConfig(srv.URL)})
	require.NoError(t, err)
	assert.True(t, tei.Health(context.Background()))

	down, err := NewOpenAI(fastHTTPConfig("http://127.0.0.1:1"))
	require.NoError(t, err)
	assert.False(t, down.Health(context.Background()))
}

func TestTEI_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Truncate)
		out := make([][]float32, len(req.Inputs))
		for i := range req.Inputs {
			out[i] = []float32{float32(i), 1}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	tei, err := NewTEI(TEIConfig{HTTPConfig: fastHTTPConfig(srv.URL), Model: "bge", Dimension: 2})
	require.NoError(t, err)
	assert.Equal(t, "bge", tei.Model())
	assert.Equal(t, 2, tei.Dimension())

	vs, err := tei.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1}, {1, 1}}, vs)

	v, err := tei.EmbedQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, v)

	_, err = tei.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestTEI_RequiresBaseURL(t *testing.T) {
	_, err := NewTEI(TEIConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
