package search

import (
	"sort"

	"github.com/Aman-CERP/evidx/internal/store"
)

// DefaultRRFConstant is the standard RRF smoothing parameter.
const DefaultRRFConstant = 60

// FusedResult is one candidate after fusion.
type FusedResult struct {
	ChunkID       string
	Score         float64
	LexicalScore  float64
	LexicalRank   int // 1-based, 0 if absent
	SemanticScore float64
	SemanticRank  int // 1-based, 0 if absent
}

// RRFFusion merges ranked lists with Reciprocal Rank Fusion:
//
//	score(d) = Σ 1 / (K + r + 1)
//
// where r is d's 0-based rank in each list containing it. A list that does
// not contain d contributes nothing.
type RRFFusion struct {
	K int
}

// NewRRFFusion creates a fusion with constant k, defaulting to 60 when k <= 0.
func NewRRFFusion(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse combines the lexical and semantic lists. The result is ordered by
// score descending, then chunk id ascending.
func (f *RRFFusion) Fuse(lexical, semantic []store.Hit) []*FusedResult {
	if len(lexical) == 0 && len(semantic) == 0 {
		return []*FusedResult{}
	}

	byID := make(map[string]*FusedResult, len(lexical)+len(semantic))
	get := func(id string) *FusedResult {
		if r, ok := byID[id]; ok {
			return r
		}
		r := &FusedResult{ChunkID: id}
		byID[id] = r
		return r
	}

	for rank, h := range lexical {
		r := get(h.ID)
		if r.LexicalRank != 0 {
			continue
		}
		r.LexicalRank = rank + 1
		r.LexicalScore = h.Score
		r.Score += f.contribution(rank)
	}
	for rank, h := range semantic {
		r := get(h.ID)
		if r.SemanticRank != 0 {
			continue
		}
		r.SemanticRank = rank + 1
		r.SemanticScore = h.Score
		r.Score += f.contribution(rank)
	}

	results := make([]*FusedResult, 0, len(byID))
	for _, r := range byID {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return results
}

func (f *RRFFusion) contribution(rank int) float64 {
	return 1.0 / float64(f.K+rank+1)
}
