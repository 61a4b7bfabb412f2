package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// cosine compares two embeddings the way the semantic index scores them:
// both sides are normalized first, then the dot product is taken.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || IsZero(a) || IsZero(b) {
		return 0
	}
	na, nb := normalizeVector(a), normalizeVector(b)
	var dot float64
	for i := range na {
		dot += float64(na[i]) * float64(nb[i])
	}
	return dot
}

func TestVectorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		a, b   []float32
		cosine float64
	}{
		{"same direction", []float32{3, 4}, []float32{6, 8}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 2}, 0},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.cosine, cosine(tt.a, tt.b), 1e-6)
		})
	}

	assert.InDelta(t, 5.0, Magnitude([]float32{3, 4}), 1e-9)
	assert.InDelta(t, 1.0, Magnitude(normalizeVector([]float32{3, 4})), 1e-6)
	assert.Equal(t, []float32{0, 0}, normalizeVector([]float32{0, 0}))
}
