package provider

import (
	"fmt"
)

// FastEmbedConfig configures the local fastembed embedder.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
}

// Kind names accepted by New.
const (
	KindAnthropic = "anthropic"
	KindOpenAI    = "openai"
	KindLangChain = "langchain"
)

// New builds a language model provider for the given kind.
func New(kind string, cfg HTTPConfig) (Provider, error) {
	switch kind {
	case KindAnthropic:
		return NewAnthropic(cfg)
	case KindOpenAI:
		return NewOpenAI(cfg)
	case KindLangChain:
		return NewLangChainOpenAI(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown provider kind %q", ErrInvalidConfig, kind)
	}
}

// Embedding provider kinds accepted by NewEmbedder.
const (
	EmbedderTEI       = "tei"
	EmbedderFastEmbed = "fastembed"
	EmbedderLangChain = "langchain"
)

// ModelEmbedder is an Embedder that knows its model name and vector size.
type ModelEmbedder interface {
	Embedder
	Model() string
	Dimension() int
}

// EmbedderConfig selects and configures the embedding backend.
type EmbedderConfig struct {
	Kind      string
	Model     string
	Dimension int
	CacheDir  string
	HTTP      HTTPConfig
}

// NewEmbedder builds the configured embedding backend.
func NewEmbedder(cfg EmbedderConfig) (ModelEmbedder, error) {
	switch cfg.Kind {
	case EmbedderTEI, "":
		return NewTEI(TEIConfig{HTTPConfig: cfg.HTTP, Model: cfg.Model, Dimension: cfg.Dimension})
	case EmbedderFastEmbed:
		return NewFastEmbed(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
	case EmbedderLangChain:
		return NewLangChainEmbedder(cfg.HTTP, cfg.Model, cfg.Dimension)
	default:
		return nil, fmt.Errorf("%w: unknown embedder kind %q", ErrInvalidConfig, cfg.Kind)
	}
}
