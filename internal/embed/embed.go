// Package embed defines the embedding provider interface and the vector
// math used for entity similarity.
package embed

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"github.com/frandata/fddpipe/internal/model"
)

// Provider maps text to a fixed-dimension vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrDimension is returned when a provider yields a vector of the wrong size.
var ErrDimension = eris.New("embed: unexpected vector dimension")

// Normalize scales v to unit L2 norm in place and returns it. A zero vector
// is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Cosine returns the cosine similarity of a and b. Vectors are expected to
// be L2-normalized, so this is just the dot product; mismatched lengths
// yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// Check validates the vector against the model dimension.
func Check(v []float32) error {
	if len(v) != model.EmbeddingDim {
		return eris.Wrapf(ErrDimension, "got %d, want %d", len(v), model.EmbeddingDim)
	}
	return nil
}
