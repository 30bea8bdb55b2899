package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultRateLimit   = 50.0 / 60.0
	defaultBurst       = 5
	defaultMaxRetries  = 3
	defaultBaseBackoff = time.Second
	defaultMaxTokens   = 1024
	maxErrorBodyBytes  = 4096
)

// HTTPConfig configures the HTTP-backed language model clients.
type HTTPConfig struct {
	Name         string
	BaseURL      string
	APIKey       string `json:"-"`
	DefaultModel string
	Timeout      time.Duration
	RateLimit    float64 // requests per second
	Burst        int
	MaxRetries   int
	BaseBackoff  time.Duration
}

func (c *HTTPConfig) applyDefaults(defaultBaseURL string) {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
}

// httpBackend carries the transport concerns shared by the HTTP clients:
// rate limiting, retries with exponential backoff, and error classification.
type httpBackend struct {
	name       string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	headers    func(*http.Request)
}

func newHTTPBackend(cfg HTTPConfig, headers func(*http.Request)) *httpBackend {
	return &httpBackend{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.BaseBackoff,
		headers:    headers,
	}
}

// postJSON sends body to path and decodes a 200 response into out, retrying
// transient failures.
func (b *httpBackend) postJSON(ctx context.Context, path string, body, out any, errMessage func([]byte) string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return NewTransientError(b.name, fmt.Errorf("rate limiter: %w", err))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return NewPermanentError(b.name, fmt.Errorf("failed to marshal request: %w", err))
	}

	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			wait := b.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = b.do(ctx, path, payload, out, errMessage)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (b *httpBackend) do(ctx context.Context, path string, payload []byte, out any, errMessage func([]byte) string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return NewPermanentError(b.name, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if b.headers != nil {
		b.headers(req)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return NewTransientError(b.name, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewTransientError(b.name, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		msg := ""
		if errMessage != nil {
			msg = errMessage(raw)
		}
		if msg == "" {
			msg = string(truncateBytes(raw, maxErrorBodyBytes))
		}
		return classifyStatus(b.name, resp.StatusCode, msg)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return NewPermanentError(b.name, fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

// get issues a GET and reports whether it returned 200.
func (b *httpBackend) get(ctx context.Context, path string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return false
	}
	if b.headers != nil {
		b.headers(req)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
