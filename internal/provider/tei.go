package provider

import (
	"context"
	"fmt"
	"net/http"
)

// TEIConfig configures a Text Embeddings Inference server.
type TEIConfig struct {
	HTTPConfig
	Model     string
	Dimension int
}

type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// TEI embeds text through the /embed endpoint of a TEI server.
type TEI struct {
	name      string
	model     string
	dimension int
	backend   *httpBackend
}

// NewTEI creates a TEI embedding client.
func NewTEI(cfg TEIConfig) (*TEI, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: TEI base URL required", ErrInvalidConfig)
	}
	if cfg.Name == "" {
		cfg.Name = "tei"
	}
	httpCfg := cfg.HTTPConfig
	httpCfg.applyDefaults(cfg.BaseURL)

	apiKey := cfg.APIKey
	return &TEI{
		name:      cfg.Name,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		backend: newHTTPBackend(httpCfg, func(r *http.Request) {
			if apiKey != "" {
				r.Header.Set("Authorization", "Bearer "+apiKey)
			}
		}),
	}, nil
}

// Name returns the provider name.
func (t *TEI) Name() string { return t.name }

// Model returns the embedding model name used as part of cache keys.
func (t *TEI) Model() string { return t.model }

// Dimension returns the configured vector size, 0 if unknown.
func (t *TEI) Dimension() int { return t.dimension }

// EmbedDocuments embeds texts in one request.
func (t *TEI) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, NewPermanentError(t.name, ErrEmptyInput)
	}
	var vectors [][]float32
	if err := t.backend.postJSON(ctx, "/embed", teiRequest{Inputs: texts, Truncate: true}, &vectors, nil); err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, NewPermanentError(t.name, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vectors)))
	}
	return vectors, nil
}

// EmbedQuery embeds a single text.
func (t *TEI) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, NewPermanentError(t.name, ErrEmptyInput)
	}
	vectors, err := t.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Health calls the TEI /health endpoint.
func (t *TEI) Health(ctx context.Context) bool {
	return t.backend.get(ctx, "/health")
}

var (
	_ Embedder      = (*TEI)(nil)
	_ HealthChecker = (*TEI)(nil)
)
