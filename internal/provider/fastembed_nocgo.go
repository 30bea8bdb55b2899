//go:build !cgo

package provider

import (
	"context"
	"errors"
)

// ErrFastEmbedNotAvailable is returned when the binary was built without cgo.
var ErrFastEmbedNotAvailable = errors.New("fastembed: not available (built without cgo, use the tei embedder)")

// FastEmbed is unavailable without cgo.
type FastEmbed struct{}

// NewFastEmbed always fails without cgo.
func NewFastEmbed(_ FastEmbedConfig) (*FastEmbed, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (f *FastEmbed) Model() string  { return "" }
func (f *FastEmbed) Dimension() int { return 0 }

func (f *FastEmbed) EmbedDocuments(_ context.Context, _ []string) ([][]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (f *FastEmbed) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (f *FastEmbed) Close() error { return nil }
