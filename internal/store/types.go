// Package store holds the two search indexes of a snapshot generation: the
// BM25 lexical index (bleve) and the optional semantic index (coder/hnsw).
// Both are built once into a staging directory and served read-only.
package store

import (
	"fmt"
	"sort"
)

// File and directory names inside a generation directory.
const (
	LexicalDirName   = "lexical.bleve"
	SemanticFileName = "vectors.hnsw"
)

// Document is one chunk as seen by the indexes.
type Document struct {
	ID      string
	Content string
}

// Hit is a ranked search result. Score semantics depend on the index:
// BM25 for the lexical index, cosine similarity for the semantic one.
type Hit struct {
	ID    string
	Score float64
}

// ErrDimensionMismatch is returned when a vector has the wrong dimensionality.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// sortHits orders hits by score descending, ties broken by id ascending.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}
