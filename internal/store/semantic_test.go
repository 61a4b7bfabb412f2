package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSemantic_NearestFirst(t *testing.T) {
	// Given: three orthogonal-ish vectors
	path := filepath.Join(t.TempDir(), SemanticFileName)
	ids := []string{"x", "y", "z"}
	vectors := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	}
	idx, err := BuildSemantic(context.Background(), path, ids, vectors, SemanticConfig{Model: "test"})
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	// When: querying near y
	hits, err := idx.Query(context.Background(), []float32{0.1, 0.9, 0}, 3)
	require.NoError(t, err)

	// Then: y ranks first with the highest cosine similarity
	require.NotEmpty(t, hits)
	assert.Equal(t, "y", hits[0].ID)
	assert.InDelta(t, 0.9939, hits[0].Score, 0.001)
	assert.Equal(t, 3, idx.Dimensions())
	assert.Equal(t, "test", idx.Model())
}

func TestSemanticIndex_PersistAndReopen(t *testing.T) {
	// Given: a built index of 50 vectors
	path := filepath.Join(t.TempDir(), SemanticFileName)
	ids := make([]string, 50)
	vectors := make([][]float32, 50)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%02d", i)
		vectors[i] = []float32{float32(i), float32(50 - i), 1}
	}
	built, err := BuildSemantic(context.Background(), path, ids, vectors, SemanticConfig{Model: "m"})
	require.NoError(t, err)
	want, err := built.Query(context.Background(), vectors[7], 5)
	require.NoError(t, err)
	require.NoError(t, built.Close())

	// When: reopening from disk
	reopened, err := OpenSemantic(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	// Then: the same ids and the same answers come back
	assert.Equal(t, 50, reopened.Count())
	assert.Equal(t, ids, reopened.IDs())
	got, err := reopened.Query(context.Background(), vectors[7], 5)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "c07", got[0].ID)
}

func TestSemanticIndex_Query_DimensionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), SemanticFileName)
	idx, err := BuildSemantic(context.Background(), path, []string{"a"}, [][]float32{{1, 0}}, SemanticConfig{})
	require.NoError(t, err)

	_, err = idx.Query(context.Background(), []float32{1, 0, 0}, 1)

	var dimErr ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 2, dimErr.Expected)
	assert.Equal(t, 3, dimErr.Got)
}

func TestBuildSemantic_MismatchedLengths(t *testing.T) {
	_, err := BuildSemantic(context.Background(), filepath.Join(t.TempDir(), SemanticFileName),
		[]string{"a", "b"}, [][]float32{{1}}, SemanticConfig{})

	assert.Error(t, err)
}

func TestBuildSemantic_Empty(t *testing.T) {
	// Given: an index without vectors
	path := filepath.Join(t.TempDir(), SemanticFileName)
	idx, err := BuildSemantic(context.Background(), path, nil, nil, SemanticConfig{Dimensions: 4})
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	// When: reopening and querying
	reopened, err := OpenSemantic(path)
	require.NoError(t, err)
	hits, err := reopened.Query(context.Background(), []float32{1, 0, 0, 0}, 3)

	// Then: nothing is returned
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestOpenSemantic_MissingMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), SemanticFileName)
	idx, err := BuildSemantic(context.Background(), path, []string{"a"}, [][]float32{{1, 1}}, SemanticConfig{})
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	require.NoError(t, os.Remove(path+".meta"))

	_, err = OpenSemantic(path)

	assert.Error(t, err)
}

func TestSemanticIndex_QueryAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), SemanticFileName)
	idx, err := BuildSemantic(context.Background(), path, []string{"a"}, [][]float32{{1, 1}}, SemanticConfig{})
	require.NoError(t, err)

	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())
	_, err = idx.Query(context.Background(), []float32{1, 1}, 1)

	assert.Error(t, err)
}

func TestSortHits(t *testing.T) {
	hits := []Hit{{"b", 1}, {"c", 2}, {"a", 1}}

	sortHits(hits)

	assert.Equal(t, []string{"c", "a", "b"}, hitIDs(hits))
}
