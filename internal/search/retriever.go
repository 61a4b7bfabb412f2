package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/evidx/internal/chunk"
	"github.com/Aman-CERP/evidx/internal/embed"
	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/store"
)

// DefaultCandidateMultiplier is how many candidates each list fetches per
// requested result.
const DefaultCandidateMultiplier = 5

// Config tunes the retriever.
type Config struct {
	RRFConstant         int
	CandidateMultiplier int
}

// Retriever runs fused queries. It holds no snapshot state; the caller
// passes the Source of the snapshot it has acquired.
type Retriever struct {
	fusion     *RRFFusion
	multiplier int
	embedder   embed.Embedder
}

// NewRetriever creates a retriever. embedder may be nil, which makes every
// query lexical only.
func NewRetriever(cfg Config, embedder embed.Embedder) *Retriever {
	m := cfg.CandidateMultiplier
	if m <= 0 {
		m = DefaultCandidateMultiplier
	}
	return &Retriever{
		fusion:     NewRRFFusion(cfg.RRFConstant),
		multiplier: m,
		embedder:   embedder,
	}
}

// Scope is an allow-list of bank-relative paths. An entry admits the file
// of that name and everything under the folder of that name, with or
// without a trailing "/". An empty scope admits everything.
type Scope []string

// Allows reports whether path is admitted.
func (s Scope) Allows(path string) bool {
	if len(s) == 0 {
		return true
	}
	for _, p := range s {
		if p == path {
			return true
		}
		if dir := strings.TrimSuffix(p, "/"); dir != "" && strings.HasPrefix(path, dir+"/") {
			return true
		}
	}
	return false
}

// Retrieve returns at most k evidence chunks for text from src, restricted
// to scope. A blank query yields no results; a snapshot without chunks
// yields EmptyIndexError.
func (r *Retriever) Retrieve(ctx context.Context, src Source, text string, k int, scope Scope) ([]*EvidenceChunk, error) {
	if strings.TrimSpace(text) == "" || k <= 0 {
		return []*EvidenceChunk{}, nil
	}
	if src.ChunkCount == 0 {
		return nil, everrors.EmptyIndexError()
	}

	terms, err := store.Tokenize(text)
	if err != nil {
		return nil, fmt.Errorf("tokenizing query: %w", err)
	}
	vector := r.queryVector(ctx, src, text)

	fetch := k * r.multiplier
	for {
		lex, sem, err := r.candidates(ctx, src, terms, vector, fetch)
		if err != nil {
			return nil, err
		}

		fused := r.fusion.Fuse(lex, sem)
		results, err := r.hydrate(ctx, src, fused, scope)
		if err != nil {
			return nil, err
		}

		saturated := len(lex) >= fetch || len(sem) >= fetch
		if len(results) >= k || len(scope) == 0 || !saturated || fetch >= src.ChunkCount {
			if len(results) > k {
				results = results[:k]
			}
			return results, nil
		}

		slog.Debug("scope_widening",
			slog.Int("fetch", fetch),
			slog.Int("in_scope", len(results)),
			slog.Int("k", k))
		fetch *= 2
	}
}

// queryVector embeds text when the snapshot has a semantic index built by
// the current embedder. Failures degrade the query to lexical only.
func (r *Retriever) queryVector(ctx context.Context, src Source, text string) []float32 {
	if r.embedder == nil || src.Semantic == nil {
		return nil
	}
	if src.Semantic.Model() != r.embedder.ModelName() {
		slog.Debug("semantic_skipped_model_mismatch",
			slog.String("snapshot_model", src.Semantic.Model()),
			slog.String("embedder_model", r.embedder.ModelName()))
		return nil
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		slog.Warn("query_embedding_failed", slog.String("error", err.Error()))
		return nil
	}
	if embed.IsZero(vec) {
		return nil
	}
	return vec
}

// candidates runs both list queries in parallel.
func (r *Retriever) candidates(ctx context.Context, src Source, terms []string, vector []float32, limit int) (lex, sem []store.Hit, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hits, err := src.Lexical.Query(gctx, terms, limit)
		if err != nil {
			return fmt.Errorf("lexical query: %w", err)
		}
		lex = hits
		return nil
	})

	if vector != nil {
		g.Go(func() error {
			hits, err := src.Semantic.Query(gctx, vector, limit)
			if err != nil {
				// Semantic failures never fail the query.
				slog.Warn("semantic_query_failed", slog.String("error", err.Error()))
				return nil
			}
			sem = hits
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return lex, sem, nil
}

// hydrate loads the fused candidates and drops those outside scope, keeping
// fused order.
func (r *Retriever) hydrate(ctx context.Context, src Source, fused []*FusedResult, scope Scope) ([]*EvidenceChunk, error) {
	if len(fused) == 0 {
		return []*EvidenceChunk{}, nil
	}

	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.ChunkID
	}
	chunks, err := src.Chunks.ChunksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}

	out := make([]*EvidenceChunk, 0, len(fused))
	for _, f := range fused {
		c, ok := chunks[f.ChunkID]
		if !ok {
			slog.Warn("chunk_missing_from_manifest", slog.String("chunk_id", f.ChunkID))
			continue
		}
		if !scope.Allows(c.Path) {
			continue
		}
		out = append(out, newEvidence(c, f))
	}
	return out, nil
}

func newEvidence(c *chunk.Chunk, f *FusedResult) *EvidenceChunk {
	return &EvidenceChunk{
		Chunk:        c,
		Score:        f.Score,
		LexicalRank:  f.LexicalRank,
		SemanticRank: f.SemanticRank,
	}
}
