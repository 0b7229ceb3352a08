// Package embedding turns text into fixed-length vectors.
package embedding

import "context"

// Embedder converts free text into a numeric vector representation.
// Implementations must return vectors of length Dimension() for every input.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
}
