// Package search answers queries against a snapshot by fusing the lexical
// and semantic candidate lists with Reciprocal Rank Fusion (RRF).
package search

import (
	"context"

	"github.com/Aman-CERP/evidx/internal/chunk"
	"github.com/Aman-CERP/evidx/internal/store"
)

// EvidenceChunk is a chunk returned by a query, with its fused score and
// the ranks it held in each candidate list.
type EvidenceChunk struct {
	*chunk.Chunk

	// Score is the fused RRF value.
	Score float64

	// LexicalRank and SemanticRank are 1-based positions in the candidate
	// lists, 0 when the chunk was absent from that list.
	LexicalRank  int
	SemanticRank int
}

// LexicalSource answers analyzed term queries.
type LexicalSource interface {
	Query(ctx context.Context, terms []string, limit int) ([]store.Hit, error)
}

// SemanticSource answers vector queries for vectors from Model.
type SemanticSource interface {
	Query(ctx context.Context, vector []float32, limit int) ([]store.Hit, error)
	Model() string
}

// ChunkLoader hydrates chunk ids into chunks.
type ChunkLoader interface {
	ChunksByIDs(ctx context.Context, ids []string) (map[string]*chunk.Chunk, error)
}

// Source is one snapshot's view for retrieval. Semantic is nil when the
// snapshot was built without embeddings.
type Source struct {
	Lexical    LexicalSource
	Semantic   SemanticSource
	Chunks     ChunkLoader
	ChunkCount int
}
