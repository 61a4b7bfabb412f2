// Package embed turns chunk text into vectors for the semantic index.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// MaxBatchSize caps a single embedding request.
	MaxBatchSize = 256

	// DefaultBatchSize is the default batch size for embedding requests.
	DefaultBatchSize = 32

	// DefaultTimeout bounds a single embedding request.
	DefaultTimeout = 30 * time.Second

	// StaticDimensions is the embedding dimension of the static embedder.
	StaticDimensions = 256
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for several texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName identifies the model. Snapshots record it, and a snapshot
	// built by another model is not searched semantically.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool

	Close() error
}

// IsZero reports whether v has no magnitude. Zero vectors have no cosine
// similarity and are never indexed.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Magnitude returns the Euclidean length of v.
func Magnitude(v []float32) float64 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	return math.Sqrt(sumSquares)
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	magnitude := Magnitude(v)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
