package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/evidx/internal/store"
)

func hits(ids ...string) []store.Hit {
	out := make([]store.Hit, len(ids))
	for i, id := range ids {
		out[i] = store.Hit{ID: id, Score: float64(len(ids) - i)}
	}
	return out
}

func fusedIDs(results []*FusedResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	return ids
}

func TestRRFFusion_Fuse_FollowsReciprocalRankArithmetic(t *testing.T) {
	// Given: lexical [a,b,c] and semantic [b,a,d]
	f := NewRRFFusion(60)

	// When: fusing
	results := f.Fuse(hits("a", "b", "c"), hits("b", "a", "d"))

	// Then: b (1/61+1/61) > a (1/61+1/62) > d (1/62) > c (1/63)
	require.Len(t, results, 4)
	assert.Equal(t, []string{"b", "a", "d", "c"}, fusedIDs(results))
	assert.InDelta(t, 1.0/61+1.0/62, results[1].Score, 1e-12)
	assert.InDelta(t, 2.0/61, results[0].Score, 1e-12)
	assert.InDelta(t, 1.0/62, results[2].Score, 1e-12)
	assert.InDelta(t, 1.0/63, results[3].Score, 1e-12)
}

func TestRRFFusion_Fuse_RecordsRanks(t *testing.T) {
	results := NewRRFFusion(60).Fuse(hits("a", "b", "c"), hits("b", "a", "d"))

	byID := map[string]*FusedResult{}
	for _, r := range results {
		byID[r.ChunkID] = r
	}

	assert.Equal(t, 1, byID["a"].LexicalRank)
	assert.Equal(t, 2, byID["a"].SemanticRank)
	assert.Equal(t, 3, byID["c"].LexicalRank)
	assert.Equal(t, 0, byID["c"].SemanticRank)
	assert.Equal(t, 0, byID["d"].LexicalRank)
	assert.Equal(t, 3, byID["d"].SemanticRank)
}

func TestRRFFusion_Fuse_TiesBrokenByID(t *testing.T) {
	// Given: two chunks each first in one list
	results := NewRRFFusion(60).Fuse(hits("z"), hits("m"))

	// Then: equal scores are ordered by id
	assert.Equal(t, []string{"m", "z"}, fusedIDs(results))
}

func TestRRFFusion_Fuse_LexicalOnly(t *testing.T) {
	results := NewRRFFusion(60).Fuse(hits("x", "y"), nil)

	assert.Equal(t, []string{"x", "y"}, fusedIDs(results))
	assert.InDelta(t, 1.0/61, results[0].Score, 1e-12)
}

func TestRRFFusion_Fuse_Empty(t *testing.T) {
	results := NewRRFFusion(60).Fuse(nil, nil)

	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestRRFFusion_Fuse_Deterministic(t *testing.T) {
	f := NewRRFFusion(60)
	lex := hits("c1", "c2", "c3", "c4", "c5")
	sem := hits("c5", "c4", "c9", "c1")

	first := fusedIDs(f.Fuse(lex, sem))
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, fusedIDs(f.Fuse(lex, sem)))
	}
}

func TestNewRRFFusion_DefaultsK(t *testing.T) {
	assert.Equal(t, DefaultRRFConstant, NewRRFFusion(0).K)
	assert.Equal(t, 10, NewRRFFusion(10).K)
}
