package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/evidx/internal/chunk"
	"github.com/Aman-CERP/evidx/internal/embed"
	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/extract"
	"github.com/Aman-CERP/evidx/internal/manifest"
	"github.com/Aman-CERP/evidx/internal/store"
)

// item is one file to ingest.
type item struct {
	path string
	// data is nil when the bytes are read from the bank.
	data []byte
	// force re-extracts even when the content hash is unchanged.
	force bool
}

type outcome int

const (
	outcomeExtracted outcome = iota
	outcomeSkipped
	outcomeDuplicate
	outcomeFailed
)

// fileResult is the product of the parallel extraction stage. Nothing is
// written to the manifest until the sequential apply stage.
type fileResult struct {
	path    string
	outcome outcome
	entry   *manifest.Entry
	chunks  []*chunk.Chunk
	err     error

	// data is retained for duplicates in case their canonical disappears
	// before apply and they must be extracted after all.
	data []byte
}

// progress serializes ProgressFunc calls from workers.
type progress struct {
	mu sync.Mutex
	fn ProgressFunc
}

func (p *progress) report(phase Phase, current, total int) {
	if p == nil || p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn(phase, current, total)
}

// build is one generation being assembled in a staging directory.
type build struct {
	m        *Manager
	id       string
	dir      string
	manifest *manifest.Store
	opts     WriteOptions
	progress *progress
	summary  *Summary

	// firstErr is the first per-file failure, for single-file operations.
	firstErr error
}

// newBuild creates a staging directory seeded with base's manifest. A nil
// base starts from an empty manifest.
func (m *Manager) newBuild(ctx context.Context, base *Snapshot, opts WriteOptions) (*build, error) {
	b := &build{
		m:        m,
		id:       newBuildID(),
		opts:     opts,
		progress: &progress{fn: opts.Progress},
	}
	b.summary = &Summary{BuildID: b.id}
	b.dir = m.layout.stagingDir(b.id)

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	dbPath := filepath.Join(b.dir, manifest.FileName)
	if base != nil {
		if err := base.manifest.CopyTo(ctx, dbPath); err != nil {
			_ = os.RemoveAll(b.dir)
			return nil, fmt.Errorf("seeding manifest from generation %d: %w", base.Meta.Generation, err)
		}
	}
	ms, err := manifest.Open(dbPath)
	if err != nil {
		_ = os.RemoveAll(b.dir)
		return nil, err
	}
	b.manifest = ms
	return b, nil
}

// discard drops the staging directory.
func (b *build) discard() {
	if b.manifest != nil {
		_ = b.manifest.Close()
		b.manifest = nil
	}
	if err := os.RemoveAll(b.dir); err != nil {
		slog.Warn("staging_remove_failed", slog.String("dir", b.dir), slog.String("error", err.Error()))
	}
}

func (b *build) recordFailure(path string, err error) {
	b.summary.fail(path, err)
	if b.firstErr == nil {
		b.firstErr = err
	}
	slog.Warn("file_extract_failed",
		slog.String("build_id", b.id),
		slog.String("path", path),
		slog.String("error", err.Error()))
}

// remove deletes path from the staging manifest.
func (b *build) remove(ctx context.Context, path string) error {
	if err := b.manifest.Remove(ctx, path); err != nil {
		return err
	}
	b.summary.Removed++
	slog.Debug("file_removed", slog.String("build_id", b.id), slog.String("path", path))
	return nil
}

// removeTree removes path, or every entry below it when path is a
// directory. Unknown paths are not an error.
func (b *build) removeTree(ctx context.Context, path string) error {
	err := b.remove(ctx, path)
	if err == nil || !errors.Is(err, everrors.ErrNotFound) {
		return err
	}
	below, err := b.manifest.List(ctx, manifest.Filter{PathPrefix: path + "/"})
	if err != nil {
		return err
	}
	for _, e := range below {
		if err := b.remove(ctx, e.Path); err != nil {
			return err
		}
	}
	return nil
}

// ingest extracts items in parallel, applies the results in path order and
// repairs duplicates whose canonical entry went away.
func (b *build) ingest(ctx context.Context, items []item) error {
	results := make([]*fileResult, len(items))
	total := len(items)
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.m.cfg.ExtractWorkers)
	for i, it := range items {
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := b.process(gctx, it)
			if err != nil {
				return err
			}
			results[i] = r
			b.progress.report(PhaseExtract, int(done.Add(1)), total)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].path < results[j].path })
	for _, r := range results {
		if err := b.apply(ctx, r); err != nil {
			return err
		}
	}
	return b.repairDuplicates(ctx)
}

// process reads, fingerprints and extracts one file. Per-file problems are
// recorded in the result; the returned error is fatal to the build.
func (b *build) process(ctx context.Context, it item) (*fileResult, error) {
	r := &fileResult{path: it.path}
	failed := func(err error) (*fileResult, error) {
		r.outcome = outcomeFailed
		r.err = err
		return r, nil
	}

	data, modTime := it.data, time.Now().UTC()
	if data == nil {
		abs := b.m.bankPath(it.path)
		info, err := os.Stat(abs)
		if err != nil {
			return failed(everrors.ExtractionError(it.path, err))
		}
		modTime = info.ModTime().UTC()
		if data, err = os.ReadFile(abs); err != nil {
			return failed(everrors.ExtractionError(it.path, err))
		}
	}
	if limit := b.m.cfg.MaxFileSize; limit > 0 && int64(len(data)) > limit {
		return failed(everrors.ExtractionError(it.path,
			fmt.Errorf("file size %d exceeds limit %d", len(data), limit)))
	}

	kind, format := extract.DetectKind(it.path)
	if kind == extract.KindUnknown {
		return failed(everrors.UnsupportedKindError(it.path))
	}

	sum := sha256.Sum256(data)
	r.entry = &manifest.Entry{
		Path:         it.path,
		ContentHash:  hex.EncodeToString(sum[:]),
		Kind:         kind,
		Format:       format,
		Size:         int64(len(data)),
		ModifiedTime: modTime,
	}

	existing, err := b.manifest.Get(ctx, it.path)
	switch {
	case err == nil:
		if existing.ContentHash == r.entry.ContentHash && !b.opts.Force && !it.force {
			r.outcome = outcomeSkipped
			return r, nil
		}
	case !errors.Is(err, everrors.ErrNotFound):
		return nil, err
	}

	canonical, err := b.manifest.FindByHash(ctx, r.entry.ContentHash)
	switch {
	case err == nil && canonical.Path != it.path:
		r.outcome = outcomeDuplicate
		r.entry.DuplicateOf = canonical.Path
		r.data = data
		return r, nil
	case err != nil && !errors.Is(err, everrors.ErrNotFound):
		return nil, err
	}

	if err := b.extractInto(ctx, r, data); err != nil {
		if isCanceled(err) {
			return nil, err
		}
		return failed(err)
	}
	r.outcome = outcomeExtracted
	return r, nil
}

// extractInto fills r's chunks and bibliographic fields from data.
func (b *build) extractInto(ctx context.Context, r *fileResult, data []byte) error {
	doc, err := b.m.registry.Extract(ctx, r.path, data, r.entry.Kind)
	if err != nil {
		return err
	}
	chunks, err := b.m.chunker.Chunk(r.path, doc)
	if err != nil {
		return everrors.ExtractionError(r.path, err)
	}
	r.entry.Title = doc.Title
	r.entry.Abstract = doc.Abstract
	r.entry.PageCount = doc.PageCount
	r.chunks = chunks
	return nil
}

// apply writes one result to the staging manifest. Duplicate status is
// re-checked here because earlier results in this build may have claimed or
// released the hash.
func (b *build) apply(ctx context.Context, r *fileResult) error {
	switch r.outcome {
	case outcomeFailed:
		b.recordFailure(r.path, r.err)
		return nil
	case outcomeSkipped:
		b.summary.Skipped++
		return nil
	}

	entry := *r.entry
	canonical, err := b.manifest.FindByHash(ctx, entry.ContentHash)
	switch {
	case err == nil && canonical.Path != entry.Path:
		entry.DuplicateOf = canonical.Path
		if _, err := b.manifest.Upsert(ctx, &entry); err != nil {
			return err
		}
		b.summary.Duplicates++
		slog.Info("duplicate_detected",
			slog.String("path", entry.Path),
			slog.String("duplicate_of", canonical.Path))
		return nil
	case err != nil && !errors.Is(err, everrors.ErrNotFound):
		return err
	}

	entry.DuplicateOf = ""
	if r.outcome == outcomeDuplicate {
		// The canonical went away earlier in this build.
		if err := b.extractInto(ctx, r, r.data); err != nil {
			if isCanceled(err) {
				return err
			}
			b.recordFailure(r.path, err)
			return nil
		}
		entry.Title, entry.Abstract, entry.PageCount = r.entry.Title, r.entry.Abstract, r.entry.PageCount
	}
	if err := b.manifest.ReplaceChunks(ctx, &entry, r.chunks); err != nil {
		return err
	}
	b.summary.Succeeded++
	return nil
}

// repairDuplicates re-points or promotes duplicates whose canonical entry was
// removed or changed. Entries are visited in path order, so the first
// duplicate of a hash is promoted and the rest re-point to it.
func (b *build) repairDuplicates(ctx context.Context) error {
	dups, err := b.manifest.List(ctx, manifest.Filter{Duplicates: manifest.DuplicatesOnly})
	if err != nil {
		return err
	}

	for _, d := range dups {
		canonical, err := b.manifest.Get(ctx, d.DuplicateOf)
		if err == nil && !canonical.IsDuplicate() && canonical.ContentHash == d.ContentHash {
			continue
		}
		if err != nil && !errors.Is(err, everrors.ErrNotFound) {
			return err
		}

		holder, err := b.manifest.FindByHash(ctx, d.ContentHash)
		if err == nil && holder.Path != d.Path {
			d.DuplicateOf = holder.Path
			if _, err := b.manifest.Upsert(ctx, d); err != nil {
				return err
			}
			continue
		}
		if err != nil && !errors.Is(err, everrors.ErrNotFound) {
			return err
		}

		r, err := b.process(ctx, item{path: d.Path, force: true})
		if err != nil {
			return err
		}
		if r.outcome == outcomeFailed {
			// Neither the canonical nor this copy can be indexed.
			if err := b.manifest.Remove(ctx, d.Path); err != nil {
				return err
			}
			if errors.Is(r.err, os.ErrNotExist) {
				b.summary.Removed++
				continue
			}
			b.recordFailure(d.Path, r.err)
			continue
		}
		if err := b.apply(ctx, r); err != nil {
			return err
		}
		slog.Info("duplicate_promoted",
			slog.String("path", d.Path),
			slog.String("previous_canonical", d.DuplicateOf))
	}
	return nil
}

// vectorSet is the semantic side of a generation.
type vectorSet struct {
	ids      []string
	vectors  [][]float32
	excluded []string
}

// embed produces a vector for every chunk, reusing persisted embeddings for
// unchanged text. Chunks whose embedding fails are excluded, not fatal.
func (b *build) embed(ctx context.Context, chunks []*chunk.Chunk) (*vectorSet, error) {
	embedder := b.m.embedder
	model, dims := embedder.ModelName(), embedder.Dimensions()

	texts := make(map[string]string, len(chunks))
	for _, c := range chunks {
		texts[chunk.TextHash(c.Text)] = c.Text
	}
	hashes := make([]string, 0, len(texts))
	for h := range texts {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	known, err := b.manifest.Embeddings(ctx, model, hashes)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, h := range hashes {
		if v, ok := known[h]; !ok || len(v) != dims {
			delete(known, h)
			missing = append(missing, h)
		}
	}

	fresh, err := b.embedMissing(ctx, missing, texts)
	if err != nil {
		return nil, err
	}
	if err := b.manifest.PutEmbeddings(ctx, model, fresh); err != nil {
		return nil, err
	}

	sorted := make([]*chunk.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	vs := &vectorSet{}
	for _, c := range sorted {
		h := chunk.TextHash(c.Text)
		v, ok := known[h]
		if !ok {
			v, ok = fresh[h]
		}
		if !ok || len(v) != dims || embed.IsZero(v) {
			vs.excluded = append(vs.excluded, c.ID)
			slog.Warn("embedding_excluded",
				slog.String("build_id", b.id),
				slog.String("chunk_id", c.ID),
				slog.String("path", c.Path))
			continue
		}
		vs.ids = append(vs.ids, c.ID)
		vs.vectors = append(vs.vectors, v)
	}

	slog.Info("embedding_complete",
		slog.String("build_id", b.id),
		slog.String("model", model),
		slog.Int("reused", len(known)),
		slog.Int("embedded", len(fresh)),
		slog.Int("excluded", len(vs.excluded)))
	return vs, nil
}

// embedMissing embeds texts in batches. A failed batch is retried one chunk
// at a time; chunks that still fail are left out of the result.
func (b *build) embedMissing(ctx context.Context, hashes []string, texts map[string]string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}

	var (
		mu    sync.Mutex
		done  atomic.Int64
		total = len(hashes)
		size  = b.m.cfg.EmbedBatchSize
	)
	embedder, breaker := b.m.embedder, b.m.breaker
	keep := func(h string, v []float32) {
		if embed.IsZero(v) {
			return
		}
		mu.Lock()
		out[h] = v
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.m.cfg.EmbedWorkers)
	for start := 0; start < total; start += size {
		batch := hashes[start:min(start+size, total)]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			batchTexts := make([]string, len(batch))
			for i, h := range batch {
				batchTexts[i] = texts[h]
			}

			vecs, err := everrors.Execute(breaker, func() ([][]float32, error) {
				return embedder.EmbedBatch(gctx, batchTexts)
			})
			if err == nil && len(vecs) == len(batch) {
				for i, h := range batch {
					keep(h, vecs[i])
				}
			} else {
				if isCanceled(err) {
					return err
				}
				slog.Warn("embed_batch_failed",
					slog.Int("size", len(batch)),
					slog.Any("error", err))
				for i, h := range batch {
					v, err := everrors.Execute(breaker, func() ([]float32, error) {
						return embedder.Embed(gctx, batchTexts[i])
					})
					if err != nil {
						if isCanceled(err) {
							return err
						}
						continue
					}
					keep(h, v)
				}
			}
			b.progress.report(PhaseEmbed, int(done.Add(int64(len(batch)))), total)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, ctx.Err()
}

// finish builds the indexes for the staged manifest and writes snapshot.json.
// It returns the metadata of the staged generation; the directory is not yet
// published.
func (b *build) finish(ctx context.Context, gen int64) (*SnapshotMeta, error) {
	if _, err := b.manifest.PruneEmbeddings(ctx); err != nil {
		return nil, err
	}
	chunks, err := b.manifest.Chunks(ctx)
	if err != nil {
		return nil, err
	}
	files, _, err := b.manifest.Counts(ctx)
	if err != nil {
		return nil, err
	}

	meta := &SnapshotMeta{
		Generation: gen,
		BuildID:    b.id,
		BuiltAt:    time.Now().UTC(),
		Files:      files,
		Chunks:     len(chunks),
	}

	var vs *vectorSet
	if b.m.embedder != nil {
		if vs, err = b.embed(ctx, chunks); err != nil {
			return nil, err
		}
	}

	b.progress.report(PhaseIndex, 0, len(chunks))
	docs := make([]store.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = store.Document{ID: c.ID, Content: c.Text}
	}
	lex, err := store.BuildLexical(ctx, filepath.Join(b.dir, store.LexicalDirName), docs)
	if err != nil {
		return nil, fmt.Errorf("building lexical index: %w", err)
	}
	if err := lex.Close(); err != nil {
		return nil, err
	}

	if vs != nil {
		cfg := store.DefaultSemanticConfig()
		cfg.Model = b.m.embedder.ModelName()
		cfg.Dimensions = b.m.embedder.Dimensions()
		sem, err := store.BuildSemantic(ctx, filepath.Join(b.dir, store.SemanticFileName), vs.ids, vs.vectors, cfg)
		if err != nil {
			return nil, fmt.Errorf("building semantic index: %w", err)
		}
		if err := sem.Close(); err != nil {
			return nil, err
		}
		meta.Model = cfg.Model
		meta.Dimensions = cfg.Dimensions
		meta.SemanticExcluded = vs.excluded
	}
	b.progress.report(PhaseIndex, len(chunks), len(chunks))

	if err := b.manifest.Close(); err != nil {
		return nil, fmt.Errorf("closing staged manifest: %w", err)
	}
	b.manifest = nil

	if err := writeMeta(b.dir, meta); err != nil {
		return nil, err
	}
	if err := syncTree(b.dir); err != nil {
		return nil, fmt.Errorf("syncing staging directory: %w", err)
	}
	return meta, nil
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
