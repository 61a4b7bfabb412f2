package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedder_Deterministic(t *testing.T) {
	// Given: two embedders
	a, b := NewStaticEmbedder(), NewStaticEmbedder()

	// When: embedding the same text
	va, err := a.Embed(context.Background(), "photosynthesis in C4 plants")
	require.NoError(t, err)
	vb, err := b.Embed(context.Background(), "photosynthesis in C4 plants")
	require.NoError(t, err)

	// Then: the vectors are identical and unit length
	assert.Equal(t, va, vb)
	assert.Len(t, va, StaticDimensions)
	assert.InDelta(t, 1.0, Magnitude(va), 1e-5)
}

func TestStaticEmbedder_SimilarTextScoresHigher(t *testing.T) {
	e := NewStaticEmbedder()
	ctx := context.Background()

	query, err := e.Embed(ctx, "graphene conductivity")
	require.NoError(t, err)
	near, err := e.Embed(ctx, "the conductivity of graphene sheets")
	require.NoError(t, err)
	far, err := e.Embed(ctx, "medieval pottery glazes")
	require.NoError(t, err)

	assert.Greater(t, cosine(query, near), cosine(query, far))
}

func TestStaticEmbedder_CJKBigramsShareFeatures(t *testing.T) {
	// Given: a Chinese query and two documents
	e := NewStaticEmbedder()
	ctx := context.Background()
	query, err := e.Embed(ctx, "导电性能")
	require.NoError(t, err)
	near, err := e.Embed(ctx, "石墨烯的导电性能研究")
	require.NoError(t, err)
	far, err := e.Embed(ctx, "東京大学の発表")
	require.NoError(t, err)

	// Then: the document sharing bigrams is closer
	assert.Greater(t, cosine(query, near), cosine(query, far))
}

func TestStaticEmbedder_BlankTextIsZero(t *testing.T) {
	v, err := NewStaticEmbedder().Embed(context.Background(), "   \n")

	require.NoError(t, err)
	assert.True(t, IsZero(v))
}

func TestStaticEmbedder_EmbedBatchMatchesEmbed(t *testing.T) {
	e := NewStaticEmbedder()
	texts := []string{"alpha", "beta gamma", ""}

	batch, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)

	require.Len(t, batch, 3)
	for i, text := range texts {
		single, err := e.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i])
	}
}

func TestStaticEmbedder_Closed(t *testing.T) {
	e := NewStaticEmbedder()
	require.NoError(t, e.Close())

	_, err := e.Embed(context.Background(), "x")

	assert.Error(t, err)
	assert.False(t, e.Available(context.Background()))
}

func TestSplitRuns_SeparatesScripts(t *testing.T) {
	runs := splitRuns("abc石墨烯 x-1")

	require.Len(t, runs, 4)
	assert.Equal(t, "abc", string(runs[0].runes))
	assert.False(t, runs[0].cjk)
	assert.Equal(t, "石墨烯", string(runs[1].runes))
	assert.True(t, runs[1].cjk)
	assert.Equal(t, "x", string(runs[2].runes))
	assert.Equal(t, "1", string(runs[3].runes))
}
