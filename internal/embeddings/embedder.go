// Package embeddings provides feature vector generation for scan images
package embeddings

import (
	"context"
	"fmt"

	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// Embedder turns raw image bytes into a feature vector
type Embedder interface {
	// Embed generates the feature vector for one image
	Embed(ctx context.Context, image []byte) ([]float32, error)

	// Dimensions returns the embedding vector dimensions
	Dimensions() int

	// Model returns the model identifier
	Model() string

	// Close releases any resources
	Close() error
}

// Func adapts a function to the Embedder interface
type Func struct {
	Fn    func(ctx context.Context, image []byte) ([]float32, error)
	Dims  int
	Label string
}

// Embed calls Fn and wraps failures as EmbeddingFault
func (f Func) Embed(ctx context.Context, image []byte) ([]float32, error) {
	v, err := f.Fn(ctx, image)
	if err != nil {
		return nil, Fault(err)
	}
	if f.Dims > 0 && len(v) != f.Dims {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", types.ErrEmbeddingFault, len(v), f.Dims)
	}
	return v, nil
}

func (f Func) Dimensions() int { return f.Dims }
func (f Func) Model() string   { return f.Label }
func (f Func) Close() error    { return nil }

// Fault classifies a provider failure as EmbeddingFault, keeping
// cancellation and deadline errors visible to errors.Is
func Fault(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", types.ErrEmbeddingFault, err)
}
