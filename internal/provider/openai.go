package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	Messages    []openAIMessage `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// OpenAI calls an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	cfg     HTTPConfig
	backend *httpBackend
}

// NewOpenAI creates an OpenAI-compatible client. The API key may be empty
// for local gateways that do not authenticate.
func NewOpenAI(cfg HTTPConfig) (*OpenAI, error) {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" && cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: openai API key required", ErrInvalidConfig)
	}
	cfg.applyDefaults(defaultOpenAIBaseURL)

	apiKey := cfg.APIKey
	return &OpenAI{
		cfg: cfg,
		backend: newHTTPBackend(cfg, func(r *http.Request) {
			if apiKey != "" {
				r.Header.Set("Authorization", "Bearer "+apiKey)
			}
		}),
	}, nil
}

// Name returns the configured provider name.
func (o *OpenAI) Name() string { return o.cfg.Name }

// Complete sends the prompt as a single user message.
func (o *OpenAI) Complete(ctx context.Context, prompt string, params Params) (*Completion, error) {
	if prompt == "" {
		return nil, NewPermanentError(o.cfg.Name, ErrEmptyInput)
	}
	start := time.Now()

	req := openAIRequest{
		Model:       firstNonEmpty(params.Model, o.cfg.DefaultModel),
		MaxTokens:   positiveOr(params.MaxTokens, defaultMaxTokens),
		Temperature: params.Temperature,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
	}

	var resp openAIResponse
	if err := o.backend.postJSON(ctx, "/v1/chat/completions", req, &resp, openAIErrorMessage); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, NewTransientError(o.cfg.Name, ErrEmptyResponse)
	}

	return &Completion{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
		Latency:    time.Since(start),
	}, nil
}

// Health lists models as a cheap authenticated check.
func (o *OpenAI) Health(ctx context.Context) bool {
	return o.backend.get(ctx, "/v1/models")
}

func openAIErrorMessage(body []byte) string {
	var e openAIError
	if err := json.Unmarshal(body, &e); err == nil {
		return e.Error.Message
	}
	return ""
}

var _ Provider = (*OpenAI)(nil)
