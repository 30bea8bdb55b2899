package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// LangChain adapts any langchaingo llms.Model to the Provider contract.
type LangChain struct {
	name         string
	model        llms.Model
	defaultModel string
	health       func(ctx context.Context) bool
}

// NewLangChain wraps a langchaingo model under the given provider name.
func NewLangChain(name string, model llms.Model, defaultModel string) *LangChain {
	return &LangChain{name: name, model: model, defaultModel: defaultModel}
}

// NewLangChainOpenAI builds a langchaingo OpenAI-compatible model from HTTP
// settings. Useful for gateways that speak the OpenAI protocol.
func NewLangChainOpenAI(cfg HTTPConfig) (*LangChain, error) {
	if cfg.Name == "" {
		cfg.Name = KindLangChain
	}
	llm, err := newLangChainLLM(cfg, cfg.DefaultModel)
	if err != nil {
		return nil, err
	}
	return NewLangChain(cfg.Name, llm, cfg.DefaultModel), nil
}

func newLangChainLLM(cfg HTTPConfig, model string) (*openai.LLM, error) {
	opts := []openai.Option{openai.WithToken(firstNonEmpty(cfg.APIKey, "placeholder"))}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if model != "" {
		opts = append(opts, openai.WithModel(model))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: langchain openai: %v", ErrInvalidConfig, err)
	}
	return llm, nil
}

// Name returns the provider name.
func (l *LangChain) Name() string { return l.name }

// Complete generates a single human-turn completion.
func (l *LangChain) Complete(ctx context.Context, prompt string, params Params) (*Completion, error) {
	if prompt == "" {
		return nil, NewPermanentError(l.name, ErrEmptyInput)
	}
	start := time.Now()

	opts := []llms.CallOption{llms.WithTemperature(params.Temperature)}
	if m := firstNonEmpty(params.Model, l.defaultModel); m != "" {
		opts = append(opts, llms.WithModel(m))
	}
	if params.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(params.MaxTokens))
	}

	resp, err := l.model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeHuman, prompt),
	}, opts...)
	if err != nil {
		return nil, l.classify(ctx, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, NewTransientError(l.name, ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	return &Completion{
		Text:       choice.Content,
		TokensUsed: generationTokens(choice.GenerationInfo),
		Latency:    time.Since(start),
	}, nil
}

// Health runs the configured check. Without one the provider is assumed
// healthy; langchaingo models expose no cheap health call.
func (l *LangChain) Health(ctx context.Context) bool {
	if l.health == nil {
		return true
	}
	return l.health(ctx)
}

// WithHealthCheck sets the function used by Health.
func (l *LangChain) WithHealthCheck(fn func(ctx context.Context) bool) *LangChain {
	l.health = fn
	return l
}

func (l *LangChain) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if IsTransient(err) {
		return NewTransientError(l.name, err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "status code: 5", "timeout", "connection reset"} {
		if strings.Contains(msg, marker) {
			return NewTransientError(l.name, err)
		}
	}
	return NewPermanentError(l.name, err)
}

func generationTokens(info map[string]any) int {
	for _, key := range []string{"TotalTokens", "total_tokens"} {
		switch v := info[key].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}

// LangChainEmbedder adapts a langchaingo embeddings.Embedder.
type LangChainEmbedder struct {
	name      string
	model     string
	dimension int
	embedder  embeddings.Embedder
}

// NewLangChainEmbedder builds an OpenAI-compatible langchaingo embedder.
func NewLangChainEmbedder(cfg HTTPConfig, model string, dimension int) (*LangChainEmbedder, error) {
	llm, err := newLangChainLLM(cfg, model)
	if err != nil {
		return nil, err
	}
	emb, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("%w: langchain embedder: %v", ErrInvalidConfig, err)
	}
	return WrapLangChainEmbedder(firstNonEmpty(cfg.Name, KindLangChain), model, dimension, emb), nil
}

// WrapLangChainEmbedder wraps an existing langchaingo embedder.
func WrapLangChainEmbedder(name, model string, dimension int, emb embeddings.Embedder) *LangChainEmbedder {
	return &LangChainEmbedder{name: name, model: model, dimension: dimension, embedder: emb}
}

func (e *LangChainEmbedder) Model() string  { return e.model }
func (e *LangChainEmbedder) Dimension() int { return e.dimension }

// EmbedDocuments embeds a batch of texts.
func (e *LangChainEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, NewPermanentError(e.name, ErrEmptyInput)
	}
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, e.wrap(ctx, err)
	}
	return vectors, nil
}

// EmbedQuery embeds a single text.
func (e *LangChainEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, NewPermanentError(e.name, ErrEmptyInput)
	}
	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, e.wrap(ctx, err)
	}
	return vector, nil
}

func (e *LangChainEmbedder) wrap(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if IsTransient(err) {
		return NewTransientError(e.name, err)
	}
	return NewPermanentError(e.name, err)
}

var (
	_ Provider      = (*LangChain)(nil)
	_ ModelEmbedder = (*LangChainEmbedder)(nil)
)
