package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/cognitd/internal/orchestrator"
)

// Client reads stats and health from a running cognitd server.
type Client struct {
	baseURL string
	client  *http.Client
}

// Health is the decoded /health body.
type Health struct {
	Status       string            `json:"status"`
	Providers    map[string]bool   `json:"providers,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// NewClient creates a client for baseURL, e.g. http://127.0.0.1:9090.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Stats fetches GET /v1/stats.
func (c *Client) Stats(ctx context.Context) (orchestrator.Stats, error) {
	var st orchestrator.Stats
	if err := c.get(ctx, "/v1/stats", &st, http.StatusOK); err != nil {
		return orchestrator.Stats{}, err
	}
	return st, nil
}

// Health fetches GET /health. An unhealthy server answers 503 with a body,
// which is returned without error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.get(ctx, "/health", &h, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return Health{}, err
	}
	return h, nil
}

func (c *Client) get(ctx context.Context, path string, out any, accept ...int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
