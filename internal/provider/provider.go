// Package provider defines the capability contract every model backend
// satisfies and ships the concrete HTTP, langchaingo and local clients.
//
// A backend is addressed by name; the router works with Candidates, which
// pair a provider name with one of its models.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Params tunes a single completion call.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Completion is the result of a completion call.
type Completion struct {
	Text       string
	TokensUsed int
	Latency    time.Duration
}

// Completer produces text completions.
type Completer interface {
	Complete(ctx context.Context, prompt string, params Params) (*Completion, error)
}

// Embedder produces fixed-length vectors for text.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// HealthChecker reports whether a backend is reachable.
type HealthChecker interface {
	Health(ctx context.Context) bool
}

// Provider is a named language-model backend.
type Provider interface {
	Name() string
	Completer
	HealthChecker
}

// Candidate is a (provider, model) pair eligible for a task type.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// String renders the candidate as "provider/model".
func (c Candidate) String() string {
	return c.Provider + "/" + c.Model
}

// ParseCandidate parses "provider/model". The model part may itself contain
// slashes.
func ParseCandidate(s string) (Candidate, error) {
	name, model, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || name == "" || model == "" {
		return Candidate{}, fmt.Errorf("invalid candidate %q: expected provider/model", s)
	}
	return Candidate{Provider: name, Model: model}, nil
}

// Registry holds the configured providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry with the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider with the given name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health checks every provider and returns name -> healthy.
func (r *Registry) Health(ctx context.Context) map[string]bool {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	out := make(map[string]bool, len(providers))
	for _, p := range providers {
		out[p.Name()] = p.Health(ctx)
	}
	return out
}
