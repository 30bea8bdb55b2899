// Package providertest provides scripted providers and embedders for tests.
package providertest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/fyrsmithlabs/cognitd/internal/provider"
)

// Step is one scripted reply. A non-nil Err is returned instead of a completion.
type Step struct {
	Text   string
	Tokens int
	Err    error
	Delay  time.Duration
}

// Fake is a scripted provider.Provider. Steps are consumed in order; once
// exhausted the last step repeats. With no steps it echoes Reply.
type Fake struct {
	name    string
	mu      sync.Mutex
	steps   []Step
	prompts []string
	healthy atomic.Bool
	calls   atomic.Int64

	// Reply is returned when no steps are scripted.
	Reply string
	// Handler, when set, overrides the script.
	Handler func(ctx context.Context, prompt string, params provider.Params) (*provider.Completion, error)
}

// NewFake creates a healthy fake provider.
func NewFake(name string, steps ...Step) *Fake {
	f := &Fake{name: name, steps: steps, Reply: "ok"}
	f.healthy.Store(true)
	return f
}

func (f *Fake) Name() string { return f.name }

// Complete plays the next scripted step.
func (f *Fake) Complete(ctx context.Context, prompt string, params provider.Params) (*provider.Completion, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	handler := f.Handler
	var step Step
	switch {
	case len(f.steps) > 1:
		step = f.steps[0]
		f.steps = f.steps[1:]
	case len(f.steps) == 1:
		step = f.steps[0]
	default:
		step = Step{Text: f.Reply}
	}
	f.mu.Unlock()

	if handler != nil {
		return handler(ctx, prompt, params)
	}

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	tokens := step.Tokens
	if tokens == 0 {
		tokens = len(strings.Fields(prompt)) + len(strings.Fields(step.Text))
	}
	return &provider.Completion{Text: step.Text, TokensUsed: tokens, Latency: step.Delay}, nil
}

// Health reports the value set with SetHealthy.
func (f *Fake) Health(context.Context) bool { return f.healthy.Load() }

// SetHealthy changes the health check result.
func (f *Fake) SetHealthy(v bool) { f.healthy.Store(v) }

// Calls returns the number of Complete calls.
func (f *Fake) Calls() int { return int(f.calls.Load()) }

// Prompts returns every prompt received so far.
func (f *Fake) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// Transient returns a transient provider error for scripting failures.
func Transient(name, msg string) error {
	return provider.NewTransientError(name, errString(msg))
}

// Permanent returns a permanent provider error for scripting failures.
func Permanent(name, msg string) error {
	return provider.NewPermanentError(name, errString(msg))
}

type errString string

func (e errString) Error() string { return string(e) }

// Embedder is a deterministic bag-of-words embedder. Texts sharing words get
// similar vectors, identical texts get identical vectors.
type Embedder struct {
	dim   int
	model string
	calls atomic.Int64
	texts atomic.Int64

	mu  sync.Mutex
	err error
}

// NewEmbedder creates a fake embedder with the given dimension.
func NewEmbedder(dim int) *Embedder {
	return &Embedder{dim: dim, model: "fake-embed"}
}

func (e *Embedder) Model() string  { return e.model }
func (e *Embedder) Dimension() int { return e.dim }

// FailWith makes every subsequent call return err. nil restores success.
func (e *Embedder) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Calls returns the number of provider round-trips.
func (e *Embedder) Calls() int { return int(e.calls.Load()) }

// Texts returns the number of texts embedded across all calls.
func (e *Embedder) Texts() int { return int(e.texts.Load()) }

func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.texts.Add(int64(len(texts)))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = Vector(t, e.dim)
	}
	return out, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vs, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

// Vector hashes lowercased words of text into a unit vector of size dim.
func Vector(text string, dim int) []float32 {
	v := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		sum := sha256.Sum256([]byte(w))
		idx := binary.BigEndian.Uint32(sum[:4]) % uint32(dim)
		v[idx] += 1
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

var (
	_ provider.Provider      = (*Fake)(nil)
	_ provider.ModelEmbedder = (*Embedder)(nil)
)
