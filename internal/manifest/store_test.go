package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/evidx/internal/chunk"
	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/extract"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntry(path, hash string) *Entry {
	return &Entry{
		Path:         path,
		ContentHash:  hash,
		Kind:         extract.KindText,
		Format:       "txt",
		Size:         42,
		ModifiedTime: time.Unix(1700000000, 0).UTC(),
		Title:        "Title of " + path,
	}
}

func testChunks(path string, n int) []*chunk.Chunk {
	out := make([]*chunk.Chunk, n)
	for i := range out {
		out[i] = &chunk.Chunk{
			ID:        chunk.GenerateID(path, i),
			Path:      path,
			Seq:       i,
			Text:      fmt.Sprintf("%s chunk %d", path, i),
			Page:      i + 1,
			PageEnd:   i + 1,
			Section:   "Intro",
			Sections:  []string{"Intro"},
			CharStart: i * 10,
			CharEnd:   i*10 + 9,
			Regions:   []extract.Region{{Page: i + 1, X0: 1, Y0: 2, X1: 3, Y1: 4}},
		}
	}
	return out
}

func TestUpsert_InsertsAndUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Given: an entry
	_, err := s.Upsert(ctx, testEntry("a.txt", "h1"))
	require.NoError(t, err)

	// When: the content hash changes
	updated := testEntry("a.txt", "h2")
	updated.Title = "New title"
	_, err = s.Upsert(ctx, updated)
	require.NoError(t, err)

	// Then: there is still one entry, carrying the new hash, and the registry moved
	got, err := s.Get(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.ContentHash)
	assert.Equal(t, "New title", got.Title)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), got.ModifiedTime)

	_, err = s.FindByHash(ctx, "h1")
	assert.ErrorIs(t, err, everrors.ErrNotFound)
	byHash, err := s.FindByHash(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", byHash.Path)
}

func TestUpsert_DuplicateIsFlaggedNotRegistered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Upsert(ctx, testEntry("a.txt", "same"))
	require.NoError(t, err)

	// When: a second path with the same bytes is stored as a duplicate
	dup := testEntry("copy.txt", "same")
	dup.DuplicateOf = "a.txt"
	_, err = s.Upsert(ctx, dup)
	require.NoError(t, err)

	// Then: the registry still points at the canonical entry
	canonical, err := s.FindByHash(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", canonical.Path)

	dups, err := s.Duplicates(ctx, "a.txt")
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, "copy.txt", dups[0].Path)
	assert.True(t, dups[0].IsDuplicate())
}

func TestUpsert_RejectsSecondCanonicalForHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Upsert(ctx, testEntry("a.txt", "same"))
	require.NoError(t, err)

	_, err = s.Upsert(ctx, testEntry("b.txt", "same"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRemove_CascadesAndReportsUnknown(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.ReplaceChunks(ctx, testEntry("a.txt", "h1"), testChunks("a.txt", 3)))
	require.NoError(t, s.ReplaceChunks(ctx, testEntry("b.txt", "h2"), testChunks("b.txt", 2)))

	// When: removing a.txt
	require.NoError(t, s.Remove(ctx, "a.txt"))

	// Then: its chunks and hash claim are gone, b.txt untouched
	files, chunks, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, files)
	assert.Equal(t, 2, chunks)
	_, err = s.FindByHash(ctx, "h1")
	assert.ErrorIs(t, err, everrors.ErrNotFound)

	// And: removing it again is a NotFoundError
	err = s.Remove(ctx, "a.txt")
	assert.ErrorIs(t, err, everrors.ErrNotFound)
}

func TestReplaceChunks_ReplacesWholeSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	e := testEntry("doc.pdf", "h1")
	require.NoError(t, s.ReplaceChunks(ctx, e, testChunks("doc.pdf", 4)))
	assert.Equal(t, 4, e.ChunkCount)

	// When: re-chunked to fewer chunks
	require.NoError(t, s.ReplaceChunks(ctx, testEntry("doc.pdf", "h2"), testChunks("doc.pdf", 2)))

	// Then: only the new set remains with provenance intact
	got, err := s.ChunksByPath(ctx, "doc.pdf")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, chunk.GenerateID("doc.pdf", 1), got[1].ID)
	assert.Equal(t, []string{"Intro"}, got[1].Sections)
	assert.Equal(t, []extract.Region{{Page: 2, X0: 1, Y0: 2, X1: 3, Y1: 4}}, got[1].Regions)

	entry, err := s.Get(ctx, "doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.ChunkCount)
}

func TestReplaceChunks_RejectsForeignChunk(t *testing.T) {
	s := newTestStore(t)

	err := s.ReplaceChunks(context.Background(), testEntry("a.txt", "h"), testChunks("b.txt", 1))

	require.Error(t, err)
	_, getErr := s.Get(context.Background(), "a.txt")
	assert.ErrorIs(t, getErr, everrors.ErrNotFound, "transaction rolled back")
}

func TestChunksByIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.ReplaceChunks(ctx, testEntry("a.txt", "h1"), testChunks("a.txt", 3)))

	got, err := s.ChunksByIDs(ctx, []string{chunk.GenerateID("a.txt", 2), "missing"})

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[chunk.GenerateID("a.txt", 2)].Seq)
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
		ok     bool
	}{
		{"papers/", "papers0", true},
		{"论文/", "论文0", true},
		{"a\xff", "b", true},
		{"\xff\xff", "", false},
	}
	for _, tt := range tests {
		got, ok := prefixUpperBound(tt.prefix)
		assert.Equal(t, tt.ok, ok, tt.prefix)
		assert.Equal(t, tt.want, got, tt.prefix)
	}
}

func TestList_Filters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _ = s.Upsert(ctx, testEntry("papers/a.txt", "h1"))
	pdf := testEntry("papers/b.pdf", "h2")
	pdf.Kind = extract.KindPaginated
	_, _ = s.Upsert(ctx, pdf)
	dup := testEntry("notes/a-copy.txt", "h1")
	dup.DuplicateOf = "papers/a.txt"
	_, _ = s.Upsert(ctx, dup)
	_, _ = s.Upsert(ctx, testEntry("论文/一.txt", "h3"))
	_, _ = s.Upsert(ctx, testEntry("论文集/二.txt", "h4"))

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"notes/a-copy.txt", "papers/a.txt", "papers/b.pdf", "论文/一.txt", "论文集/二.txt"}},
		{"kind", Filter{Kind: extract.KindPaginated}, []string{"papers/b.pdf"}},
		{"prefix", Filter{PathPrefix: "papers/"}, []string{"papers/a.txt", "papers/b.pdf"}},
		{"cjk folder prefix", Filter{PathPrefix: "论文/"}, []string{"论文/一.txt"}},
		{"cjk name prefix", Filter{PathPrefix: "论文"}, []string{"论文/一.txt", "论文集/二.txt"}},
		{"no match", Filter{PathPrefix: "pap/"}, nil},
		{"exclude duplicates", Filter{Duplicates: DuplicatesExclude}, []string{"papers/a.txt", "papers/b.pdf", "论文/一.txt", "论文集/二.txt"}},
		{"only duplicates", Filter{Duplicates: DuplicatesOnly}, []string{"notes/a-copy.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := s.List(ctx, tt.filter)
			require.NoError(t, err)
			var paths []string
			for _, e := range entries {
				paths = append(paths, e.Path)
			}
			assert.Equal(t, tt.want, paths)
		})
	}
}

func TestEmbeddings_PutGetPrune(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chunks := testChunks("a.txt", 1)
	require.NoError(t, s.ReplaceChunks(ctx, testEntry("a.txt", "h"), chunks))
	live := chunk.TextHash(chunks[0].Text)

	require.NoError(t, s.PutEmbeddings(ctx, "static", map[string][]float32{
		live:    {0.5, -0.25},
		"stale": {1, 1},
	}))

	got, err := s.Embeddings(ctx, "static", []string{live, "stale"})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25}, got[live])

	other, err := s.Embeddings(ctx, "other-model", []string{live})
	require.NoError(t, err)
	assert.Empty(t, other)

	pruned, err := s.PruneEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestCopyTo_ProducesReadableCopy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.ReplaceChunks(ctx, testEntry("a.txt", "h"), testChunks("a.txt", 2)))

	dest := filepath.Join(t.TempDir(), "copy", FileName)
	require.NoError(t, ensureDir(dest))
	require.NoError(t, s.CopyTo(ctx, dest))

	ro, err := OpenReadOnly(dest)
	require.NoError(t, err)
	defer ro.Close()
	require.NoError(t, ro.QuickCheck(ctx))
	files, chunks, err := ro.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, files)
	assert.Equal(t, 2, chunks)
}

func TestOpenReadOnly_MissingFile(t *testing.T) {
	_, err := OpenReadOnly(filepath.Join(t.TempDir(), "nope.db"))
	assert.Error(t, err)
}
