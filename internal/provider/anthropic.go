package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	cfg     HTTPConfig
	backend *httpBackend
}

// NewAnthropic creates an Anthropic client.
func NewAnthropic(cfg HTTPConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: anthropic API key required", ErrInvalidConfig)
	}
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	cfg.applyDefaults(defaultAnthropicBaseURL)

	apiKey := cfg.APIKey
	return &Anthropic{
		cfg: cfg,
		backend: newHTTPBackend(cfg, func(r *http.Request) {
			r.Header.Set("X-API-Key", apiKey)
			r.Header.Set("Anthropic-Version", anthropicVersion)
		}),
	}, nil
}

// Name returns the configured provider name.
func (a *Anthropic) Name() string { return a.cfg.Name }

// Complete sends the prompt as a single user message.
func (a *Anthropic) Complete(ctx context.Context, prompt string, params Params) (*Completion, error) {
	if prompt == "" {
		return nil, NewPermanentError(a.cfg.Name, ErrEmptyInput)
	}
	start := time.Now()

	req := anthropicRequest{
		Model:       firstNonEmpty(params.Model, a.cfg.DefaultModel),
		MaxTokens:   positiveOr(params.MaxTokens, defaultMaxTokens),
		Temperature: params.Temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
	}

	var resp anthropicResponse
	if err := a.backend.postJSON(ctx, "/v1/messages", req, &resp, anthropicErrorMessage); err != nil {
		return nil, err
	}
	if len(resp.Content) == 0 {
		return nil, NewTransientError(a.cfg.Name, ErrEmptyResponse)
	}

	return &Completion{
		Text:       resp.Content[0].Text,
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
		Latency:    time.Since(start),
	}, nil
}

// Health lists models as a cheap authenticated check.
func (a *Anthropic) Health(ctx context.Context) bool {
	return a.backend.get(ctx, "/v1/models")
}

func anthropicErrorMessage(body []byte) string {
	var e anthropicError
	if err := json.Unmarshal(body, &e); err == nil {
		return e.Error.Message
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

var _ Provider = (*Anthropic)(nil)
