package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/evidx/internal/chunk"
	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/store"
)

type fakeLexical struct {
	mu     sync.Mutex
	ranked []store.Hit
	limits []int
}

func (f *fakeLexical) Query(ctx context.Context, terms []string, limit int) ([]store.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if len(terms) == 0 {
		return []store.Hit{}, nil
	}
	return f.ranked[:min(limit, len(f.ranked))], nil
}

type fakeSemantic struct {
	ranked []store.Hit
	model  string
	err    error
	calls  int
}

func (f *fakeSemantic) Query(ctx context.Context, vector []float32, limit int) ([]store.Hit, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.ranked[:min(limit, len(f.ranked))], nil
}

func (f *fakeSemantic) Model() string { return f.model }

type fakeLoader map[string]*chunk.Chunk

func (f fakeLoader) ChunksByIDs(ctx context.Context, ids []string) (map[string]*chunk.Chunk, error) {
	out := make(map[string]*chunk.Chunk, len(ids))
	for _, id := range ids {
		if c, ok := f[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

type fakeEmbedder struct{ model string }

func (e fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}
func (e fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("unused")
}
func (e fakeEmbedder) Dimensions() int                    { return 2 }
func (e fakeEmbedder) ModelName() string                  { return e.model }
func (e fakeEmbedder) Available(ctx context.Context) bool { return true }
func (e fakeEmbedder) Close() error                       { return nil }

// corpus builds n chunks; pathOf assigns each index a path.
func corpus(n int, pathOf func(i int) string) ([]store.Hit, fakeLoader) {
	ranked := make([]store.Hit, n)
	loader := fakeLoader{}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%03d", i)
		ranked[i] = store.Hit{ID: id, Score: float64(n - i)}
		loader[id] = &chunk.Chunk{ID: id, Path: pathOf(i), Seq: i, Text: "text " + id}
	}
	return ranked, loader
}

func TestRetriever_Retrieve_EmptyIndex(t *testing.T) {
	r := NewRetriever(Config{}, nil)
	src := Source{Lexical: &fakeLexical{}, Chunks: fakeLoader{}, ChunkCount: 0}

	_, err := r.Retrieve(context.Background(), src, "anything", 5, nil)

	assert.ErrorIs(t, err, everrors.ErrEmptyIndex)
}

func TestRetriever_Retrieve_BlankQuery(t *testing.T) {
	lex := &fakeLexical{}
	r := NewRetriever(Config{}, nil)
	src := Source{Lexical: lex, Chunks: fakeLoader{}, ChunkCount: 3}

	results, err := r.Retrieve(context.Background(), src, "   ", 5, nil)

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, lex.limits)
}

func TestRetriever_Retrieve_TruncatesToK(t *testing.T) {
	// Given: twenty lexical matches
	ranked, loader := corpus(20, func(int) string { return "a.txt" })
	lex := &fakeLexical{ranked: ranked}
	r := NewRetriever(Config{RRFConstant: 60, CandidateMultiplier: 5}, nil)

	// When: asking for three
	results, err := r.Retrieve(context.Background(), Source{Lexical: lex, Chunks: loader, ChunkCount: 20}, "membrane", 3, nil)
	require.NoError(t, err)

	// Then: the top three come back with ranks and fused scores
	require.Len(t, results, 3)
	assert.Equal(t, "c000", results[0].ID)
	assert.Equal(t, 1, results[0].LexicalRank)
	assert.Equal(t, 0, results[0].SemanticRank)
	assert.InDelta(t, 1.0/61, results[0].Score, 1e-12)
	assert.Equal(t, []int{15}, lex.limits)
}

func TestRetriever_Retrieve_ScopeWidensWindow(t *testing.T) {
	// Given: 30 chunks where only the last five belong to a.txt
	ranked, loader := corpus(30, func(i int) string {
		if i >= 25 {
			return "a.txt"
		}
		return "b.txt"
	})
	lex := &fakeLexical{ranked: ranked}
	r := NewRetriever(Config{CandidateMultiplier: 5}, nil)
	src := Source{Lexical: lex, Chunks: loader, ChunkCount: 30}

	// When: querying k=2 scoped to a.txt
	results, err := r.Retrieve(context.Background(), src, "membrane", 2, Scope{"a.txt"})
	require.NoError(t, err)

	// Then: the window doubled until a.txt chunks appeared
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, "a.txt", res.Path)
	}
	assert.Equal(t, "c025", results[0].ID)
	assert.Equal(t, []int{10, 20, 40}, lex.limits)
}

func TestRetriever_Retrieve_ScopeExhaustsCorpus(t *testing.T) {
	ranked, loader := corpus(12, func(int) string { return "b.txt" })
	lex := &fakeLexical{ranked: ranked}
	r := NewRetriever(Config{CandidateMultiplier: 5}, nil)

	results, err := r.Retrieve(context.Background(), Source{Lexical: lex, Chunks: loader, ChunkCount: 12}, "x", 2, Scope{"a.txt"})

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, []int{10, 20}, lex.limits)
}

func TestRetriever_Retrieve_FusesSemanticWhenModelMatches(t *testing.T) {
	// Given: lexical [a,b,c] and semantic [b,a,d]
	_, loader := corpus(0, nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		loader[id] = &chunk.Chunk{ID: id, Path: id + ".txt"}
	}
	lex := &fakeLexical{ranked: hits("a", "b", "c")}
	sem := &fakeSemantic{ranked: hits("b", "a", "d"), model: "m1"}
	r := NewRetriever(Config{}, fakeEmbedder{model: "m1"})
	src := Source{Lexical: lex, Semantic: sem, Chunks: loader, ChunkCount: 4}

	// When: querying
	results, err := r.Retrieve(context.Background(), src, "query", 4, nil)
	require.NoError(t, err)

	// Then: the fused order follows RRF
	ids := make([]string, len(results))
	for i, res := range results {
		ids[i] = res.ID
	}
	assert.Equal(t, []string{"b", "a", "d", "c"}, ids)
	assert.Equal(t, 1, sem.calls)
}

func TestRetriever_Retrieve_SkipsSemanticOnModelMismatch(t *testing.T) {
	ranked, loader := corpus(3, func(int) string { return "a.txt" })
	sem := &fakeSemantic{ranked: ranked, model: "old-model"}
	r := NewRetriever(Config{}, fakeEmbedder{model: "new-model"})
	src := Source{Lexical: &fakeLexical{ranked: ranked}, Semantic: sem, Chunks: loader, ChunkCount: 3}

	results, err := r.Retrieve(context.Background(), src, "query", 3, nil)

	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, 0, sem.calls)
}

func TestRetriever_Retrieve_SemanticFailureDegrades(t *testing.T) {
	ranked, loader := corpus(3, func(int) string { return "a.txt" })
	sem := &fakeSemantic{model: "m", err: errors.New("graph unavailable")}
	r := NewRetriever(Config{}, fakeEmbedder{model: "m"})
	src := Source{Lexical: &fakeLexical{ranked: ranked}, Semantic: sem, Chunks: loader, ChunkCount: 3}

	results, err := r.Retrieve(context.Background(), src, "query", 2, nil)

	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRetriever_Retrieve_WithRealLexicalIndex(t *testing.T) {
	// Given: a bleve index over three chunks in two files
	chunks := fakeLoader{
		"1": {ID: "1", Path: "papers/a.pdf", Text: "graphene conductivity at low temperature"},
		"2": {ID: "2", Path: "papers/a.pdf", Text: "sample preparation"},
		"3": {ID: "3", Path: "notes/b.md", Text: "graphene oxide synthesis"},
	}
	docs := make([]store.Document, 0, len(chunks))
	for id, c := range chunks {
		docs = append(docs, store.Document{ID: id, Content: c.Text})
	}
	lex, err := store.BuildLexical(context.Background(), t.TempDir()+"/lexical.bleve", docs)
	require.NoError(t, err)
	defer func() { _ = lex.Close() }()

	r := NewRetriever(Config{}, nil)
	src := Source{Lexical: lex, Chunks: chunks, ChunkCount: 3}

	// When: querying scoped to a directory
	results, err := r.Retrieve(context.Background(), src, "graphene", 5, Scope{"papers/"})
	require.NoError(t, err)

	// Then: only the in-scope match is returned
	require.Len(t, results, 1)
	assert.Equal(t, "1", results[0].ID)
}

func TestScope_Allows(t *testing.T) {
	tests := []struct {
		name  string
		scope Scope
		path  string
		want  bool
	}{
		{"empty admits all", nil, "x.txt", true},
		{"exact match", Scope{"a/b.pdf"}, "a/b.pdf", true},
		{"no partial file match", Scope{"a/b"}, "a/b.pdf", false},
		{"directory prefix", Scope{"a/"}, "a/b.pdf", true},
		{"directory without slash", Scope{"a"}, "a/b.pdf", true},
		{"directory boundary", Scope{"a"}, "ab/c.pdf", false},
		{"other directory", Scope{"c/"}, "a/b.pdf", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.scope.Allows(tt.path))
		})
	}
}
