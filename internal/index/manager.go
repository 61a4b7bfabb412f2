// Package index owns the persisted index state: it builds immutable snapshot
// generations in staging directories, publishes them atomically and serves
// queries from the current one.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/evidx/internal/chunk"
	"github.com/Aman-CERP/evidx/internal/config"
	"github.com/Aman-CERP/evidx/internal/embed"
	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/extract"
	"github.com/Aman-CERP/evidx/internal/manifest"
	"github.com/Aman-CERP/evidx/internal/search"
)

// Config configures a Manager.
type Config struct {
	// BankRoot is the absolute path of the document bank.
	BankRoot string

	// DataDir holds CURRENT, the writer lock and the snapshots. It must not
	// be the bank root.
	DataDir string

	Search search.Config
	Chunk  chunk.Options

	ExtractWorkers int
	EmbedWorkers   int
	EmbedBatchSize int

	// MaxFileSize skips larger files as failures. Zero means no limit.
	MaxFileSize int64
}

// ConfigFrom derives a manager configuration from the loaded config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		BankRoot: c.Bank.Root,
		DataDir:  c.Bank.DataDir,
		Search: search.Config{
			RRFConstant:         c.Search.RRFConstant,
			CandidateMultiplier: c.Search.CandidateMultiplier,
		},
		Chunk: chunk.Options{
			Size:    c.Chunking.Size,
			Overlap: c.Chunking.Overlap,
		},
		ExtractWorkers: c.Performance.ExtractWorkers,
		EmbedWorkers:   c.Performance.EmbedWorkers,
		EmbedBatchSize: c.Embeddings.BatchSize,
		MaxFileSize:    c.Performance.MaxFileSize,
	}
}

func (c *Config) normalize() error {
	if c.BankRoot == "" {
		return everrors.ConfigError("bank root is required", nil)
	}
	root, err := filepath.Abs(c.BankRoot)
	if err != nil {
		return everrors.ConfigError("resolving bank root", err)
	}
	c.BankRoot = filepath.Clean(root)

	if c.DataDir == "" {
		c.DataDir = filepath.Join(c.BankRoot, config.DefaultDataDirName)
	}
	data, err := filepath.Abs(c.DataDir)
	if err != nil {
		return everrors.ConfigError("resolving data directory", err)
	}
	c.DataDir = filepath.Clean(data)
	if c.DataDir == c.BankRoot {
		return everrors.ConfigError("data directory must not be the bank root", nil).
			WithDetail("data_dir", c.DataDir)
	}

	if c.ExtractWorkers <= 0 {
		c.ExtractWorkers = runtime.NumCPU()
	}
	if c.EmbedWorkers <= 0 {
		c.EmbedWorkers = 2
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = embed.DefaultBatchSize
	}
	return nil
}

// Manager is the single writer of persisted index state and the entry point
// for queries. Queries never block on builds.
type Manager struct {
	cfg    Config
	layout layout

	registry  *extract.Registry
	chunker   *chunk.Chunker
	embedder  embed.Embedder
	breaker   *everrors.CircuitBreaker
	retriever *search.Retriever

	current atomic.Pointer[Snapshot]
	lock    *writerLock

	mu               sync.Mutex
	state            State
	lastErr          string
	needsFullRebuild bool
	diskGen          int64
	lastGen          int64
	retired          map[string]*Snapshot
}

// Open opens the data directory, verifies the current generation and sweeps
// leftovers of interrupted builds. A corrupt generation does not fail Open:
// the manager starts in StateFailed and only accepts a full rebuild.
// embedder may be nil to disable the semantic index.
func Open(ctx context.Context, cfg Config, embedder embed.Embedder) (*Manager, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		layout:    layout{dataDir: cfg.DataDir},
		registry:  extract.NewRegistry(),
		chunker:   chunk.New(cfg.Chunk),
		embedder:  embedder,
		breaker:   everrors.NewCircuitBreaker("embedding"),
		retriever: search.NewRetriever(cfg.Search, embedder),
		state:     StateEmpty,
		retired:   make(map[string]*Snapshot),
	}
	m.lock = newWriterLock(m.layout.lockPath())

	if err := os.MkdirAll(m.layout.snapshotsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	highest, err := m.layout.maxGen()
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	m.lastGen = highest

	if err := m.loadCurrent(ctx); err != nil {
		return nil, err
	}

	// Another process may be mid-build; only sweep when nobody writes.
	if err := m.lock.TryLock(); err == nil {
		m.sweep()
		_ = m.lock.Unlock()
	}
	return m, nil
}

// loadCurrent opens whatever CURRENT names, replacing the in-memory snapshot.
// Corruption is recorded in the manager state rather than returned.
func (m *Manager) loadCurrent(ctx context.Context) error {
	gen, err := m.layout.readCurrent()
	if err != nil {
		m.markCorrupt(everrors.IndexCorruptionError("unreadable CURRENT pointer", err))
		return nil
	}

	m.mu.Lock()
	m.diskGen = gen
	m.lastGen = max(m.lastGen, gen)
	m.mu.Unlock()

	if gen == 0 {
		m.publish(nil)
		m.setState(StateEmpty, "", false)
		return nil
	}

	s, err := openSnapshot(ctx, m.layout.genDir(gen))
	if err != nil {
		if errors.Is(err, everrors.ErrCorruptIndex) {
			m.publish(nil)
			m.markCorrupt(err)
			return nil
		}
		return err
	}
	m.publish(s)
	m.setState(StateReady, "", false)
	slog.Info("snapshot_opened",
		slog.Int64("generation", gen),
		slog.Int("files", s.Meta.Files),
		slog.Int("chunks", s.Meta.Chunks),
		slog.String("model", s.Meta.Model))
	return nil
}

// syncWithDisk adopts a generation published by another process since the
// last load.
func (m *Manager) syncWithDisk(ctx context.Context) error {
	gen, err := m.layout.readCurrent()
	m.mu.Lock()
	same := err == nil && gen == m.diskGen
	m.mu.Unlock()
	if same {
		return nil
	}
	return m.loadCurrent(ctx)
}

func (m *Manager) markCorrupt(err error) {
	slog.Error("index_corrupt", slog.String("error", err.Error()))
	m.setState(StateFailed, err.Error(), true)
}

func (m *Manager) setState(state State, lastErr string, needsFull bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.lastErr = lastErr
	m.needsFullRebuild = needsFull
}

// publish swaps s in as the current snapshot and retires the previous one.
func (m *Manager) publish(s *Snapshot) {
	if s != nil {
		s.onReleased = m.forget
	}
	old := m.current.Swap(s)
	if old == nil || old == s {
		return
	}
	old.retired.Store(true)
	m.mu.Lock()
	m.retired[old.dir] = old
	m.mu.Unlock()
	old.release()
}

func (m *Manager) forget(s *Snapshot) {
	m.mu.Lock()
	delete(m.retired, s.dir)
	m.mu.Unlock()
}

// acquire returns the current snapshot with a reference held, or nil.
func (m *Manager) acquire() *Snapshot {
	for {
		s := m.current.Load()
		if s == nil {
			return nil
		}
		if !s.tryAcquire() {
			continue
		}
		if m.current.Load() == s {
			return s
		}
		s.release()
	}
}

// sweep removes staging directories and generations that are neither current
// nor still held by readers. Callers hold the writer lock.
func (m *Manager) sweep() {
	entries, err := os.ReadDir(m.layout.snapshotsDir())
	if err != nil {
		return
	}

	m.mu.Lock()
	keep := make(map[string]bool, len(m.retired)+1)
	for dir := range m.retired {
		keep[dir] = true
	}
	diskGen := m.diskGen
	m.mu.Unlock()
	if diskGen > 0 {
		keep[m.layout.genDir(diskGen)] = true
	}

	for _, e := range entries {
		dir := filepath.Join(m.layout.snapshotsDir(), e.Name())
		if keep[dir] {
			continue
		}
		_, isGen := parseGen(e.Name())
		if !isGen && !strings.HasPrefix(e.Name(), stagingPrefix) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("sweep_failed", slog.String("dir", dir), slog.String("error", err.Error()))
			continue
		}
		slog.Debug("swept", slog.String("dir", dir))
	}
}

func newBuildID() string {
	return uuid.NewString()
}

// bankPath maps a bank-relative path to the filesystem.
func (m *Manager) bankPath(rel string) string {
	return filepath.Join(m.cfg.BankRoot, filepath.FromSlash(rel))
}

// RelPath converts p (absolute inside the bank, or bank-relative) into the
// cleaned slash-separated relative form used as a manifest key.
func (m *Manager) RelPath(p string) (string, error) {
	if p == "" {
		return "", everrors.ValidationError("empty path", nil)
	}
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(m.cfg.BankRoot, filepath.Clean(p))
		if err != nil {
			return "", everrors.ValidationError(fmt.Sprintf("%s is outside the bank", p), err)
		}
		p = rel
	}
	rel := path.Clean(filepath.ToSlash(p))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || strings.HasPrefix(rel, "/") {
		return "", everrors.ValidationError(fmt.Sprintf("%s is outside the bank", p), nil)
	}
	if dataRel, err := filepath.Rel(m.cfg.BankRoot, m.cfg.DataDir); err == nil {
		dataRel = filepath.ToSlash(dataRel)
		if rel == dataRel || strings.HasPrefix(rel, dataRel+"/") {
			return "", everrors.ValidationError(fmt.Sprintf("%s is inside the data directory", p), nil)
		}
	}
	return rel, nil
}

// write runs plan against a fresh staging generation under the writer lock
// and publishes the result. full selects a full rebuild, the only write
// allowed while the index is corrupt.
func (m *Manager) write(ctx context.Context, op string, full bool, opts WriteOptions, plan func(context.Context, *build) error) (*build, error) {
	if err := m.lock.TryLock(); err != nil {
		return nil, err
	}
	defer func() { _ = m.lock.Unlock() }()

	if err := m.syncWithDisk(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	needsFull, prevState, prevErr := m.needsFullRebuild, m.state, m.lastErr
	m.mu.Unlock()
	if needsFull && !full {
		return nil, everrors.IndexCorruptionError("index is corrupt; incremental writes are refused until a full rebuild", nil)
	}

	base := m.acquire()
	if base != nil {
		defer base.release()
	}
	// The writer lock marks the write in flight; m.state keeps describing
	// the serving snapshot until the build commits or fails.
	inFlight := StateUpdating
	if base == nil {
		inFlight = StateBuilding
	}

	start := time.Now()
	slog.Info("rebuild_start",
		slog.String("op", op),
		slog.String("state", string(inFlight)),
		slog.Bool("force", opts.Force),
		slog.Bool("from_scratch", base == nil))

	b, err := m.newBuild(ctx, base, opts)
	if err == nil {
		err = m.runBuild(ctx, b, base, plan)
	}
	if err != nil {
		if b != nil {
			b.discard()
		}
		return b, m.failed(op, err, prevState, prevErr, needsFull)
	}

	b.summary.Duration = time.Since(start)
	m.setState(StateReady, "", false)
	slog.Info("index_complete",
		slog.String("op", op),
		slog.String("build_id", b.id),
		slog.Int64("generation", b.summary.Generation),
		slog.Int("succeeded", b.summary.Succeeded),
		slog.Int("skipped", b.summary.Skipped),
		slog.Int("failed", b.summary.Failed),
		slog.Int("duplicates", b.summary.Duplicates),
		slog.Int("removed", b.summary.Removed),
		slog.Int64("duration_ms", b.summary.Duration.Milliseconds()))
	return b, nil
}

// failed restores or fails the state after an aborted build and shapes the
// returned error.
func (m *Manager) failed(op string, err error, prevState State, prevErr string, needsFull bool) error {
	switch {
	case isCanceled(err):
		m.setState(prevState, prevErr, needsFull)
		slog.Info("rebuild_canceled", slog.String("op", op))
		return err
	case errors.Is(err, everrors.ErrNotFound), errors.Is(err, everrors.ErrBusy):
		m.setState(prevState, prevErr, needsFull)
		return err
	}

	var typed *everrors.Error
	if !errors.As(err, &typed) {
		err = everrors.IndexBuildError(fmt.Sprintf("%s failed", op), err)
	}
	m.setState(StateFailed, err.Error(), needsFull)
	slog.Error("rebuild_failed", slog.String("op", op), slog.String("error", err.Error()))
	return err
}

// runBuild applies plan, then either discards the staging generation when
// nothing changed or builds, verifies and publishes it.
func (m *Manager) runBuild(ctx context.Context, b *build, base *Snapshot, plan func(context.Context, *build) error) error {
	if err := plan(ctx, b); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if base != nil && !b.summary.changed() && !b.opts.Force && base.Meta.Model == m.embedderModel() {
		b.summary.Generation = base.Meta.Generation
		b.discard()
		slog.Debug("rebuild_noop", slog.String("build_id", b.id))
		return nil
	}

	m.mu.Lock()
	gen := m.lastGen + 1
	m.mu.Unlock()

	meta, err := b.finish(ctx, gen)
	if err != nil {
		return err
	}

	b.progress.report(PhaseCommit, 0, 1)
	if err := ctx.Err(); err != nil {
		return err
	}
	genDir := m.layout.genDir(gen)
	if err := os.Rename(b.dir, genDir); err != nil {
		return fmt.Errorf("publishing generation %d: %w", gen, err)
	}
	b.dir = genDir
	if err := syncDir(m.layout.snapshotsDir()); err != nil {
		return fmt.Errorf("syncing snapshots directory: %w", err)
	}

	s, err := openSnapshot(ctx, genDir)
	if err != nil {
		return everrors.IndexBuildError(fmt.Sprintf("generation %d failed verification", gen), err)
	}
	if err := m.layout.writeCurrent(gen); err != nil {
		s.release()
		return fmt.Errorf("updating %s: %w", CurrentFileName, err)
	}

	m.mu.Lock()
	m.lastGen, m.diskGen = gen, gen
	m.mu.Unlock()
	m.publish(s)
	m.sweep()
	b.summary.Generation = gen
	b.progress.report(PhaseCommit, 1, 1)

	slog.Info("snapshot_swapped",
		slog.Int64("generation", gen),
		slog.Int("files", meta.Files),
		slog.Int("chunks", meta.Chunks),
		slog.Int("semantic_excluded", len(meta.SemanticExcluded)))
	return nil
}

func (m *Manager) embedderModel() string {
	if m.embedder == nil {
		return ""
	}
	return m.embedder.ModelName()
}

// FullRebuild re-ingests exactly paths: entries not listed are removed and
// unchanged files are skipped unless opts.Force. After corruption it starts
// from an empty manifest.
func (m *Manager) FullRebuild(ctx context.Context, paths []string, opts WriteOptions) (*Summary, error) {
	rels, err := m.relPaths(paths)
	if err != nil {
		return nil, err
	}

	b, err := m.write(ctx, "full_rebuild", true, opts, func(ctx context.Context, b *build) error {
		keep := make(map[string]bool, len(rels))
		for _, p := range rels {
			keep[p] = true
		}
		existing, err := b.manifest.List(ctx, manifest.Filter{})
		if err != nil {
			return err
		}
		for _, e := range existing {
			if keep[e.Path] {
				continue
			}
			if err := b.remove(ctx, e.Path); err != nil {
				return err
			}
		}

		items := make([]item, len(rels))
		for i, p := range rels {
			items[i] = item{path: p}
		}
		return b.ingest(ctx, items)
	})
	if err != nil {
		return nil, err
	}
	return b.summary, nil
}

// ReprocessOne re-extracts path from the bank and replaces only its chunks.
func (m *Manager) ReprocessOne(ctx context.Context, p string, opts WriteOptions) (*Summary, error) {
	rel, err := m.RelPath(p)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(m.bankPath(rel)); os.IsNotExist(err) {
		return nil, everrors.NotFoundError(rel)
	}

	b, err := m.write(ctx, "reprocess", false, opts, func(ctx context.Context, b *build) error {
		return b.ingest(ctx, []item{{path: rel}})
	})
	if err != nil {
		return nil, err
	}
	return b.summary, b.firstErr
}

// IngestFile extracts data as the content of path. The returned entry is the
// manifest row as committed; it is nil when extraction failed.
func (m *Manager) IngestFile(ctx context.Context, p string, data []byte, opts WriteOptions) (*manifest.Entry, *Summary, error) {
	rel, err := m.RelPath(p)
	if err != nil {
		return nil, nil, err
	}
	if data == nil {
		data = []byte{}
	}

	var entry *manifest.Entry
	b, err := m.write(ctx, "ingest", false, opts, func(ctx context.Context, b *build) error {
		if err := b.ingest(ctx, []item{{path: rel, data: data}}); err != nil {
			return err
		}
		e, err := b.manifest.Get(ctx, rel)
		switch {
		case err == nil:
			entry = e
		case !errors.Is(err, everrors.ErrNotFound):
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if b.firstErr != nil {
		return nil, b.summary, b.firstErr
	}
	return entry, b.summary, nil
}

// RemoveFile deletes path and its chunks from the index. The bank file is not
// touched. When path was canonical its first duplicate is promoted.
func (m *Manager) RemoveFile(ctx context.Context, p string, opts WriteOptions) (*Summary, error) {
	rel, err := m.RelPath(p)
	if err != nil {
		return nil, err
	}

	b, err := m.write(ctx, "remove", false, opts, func(ctx context.Context, b *build) error {
		if err := b.remove(ctx, rel); err != nil {
			return err
		}
		return b.repairDuplicates(ctx)
	})
	if err != nil {
		return nil, err
	}
	return b.summary, nil
}

// Changes is a batch of bank paths to re-ingest and to drop.
type Changes struct {
	Upserts []string
	// Removes may name directories; every entry below one is dropped.
	// Paths the index does not hold are ignored.
	Removes []string
}

// Apply commits a batch of changes as a single generation. Upserts whose
// bank file has vanished are treated as removals. Per-file failures are
// reported in the Summary only.
func (m *Manager) Apply(ctx context.Context, c Changes, opts WriteOptions) (*Summary, error) {
	upserts, err := m.relPaths(c.Upserts)
	if err != nil {
		return nil, err
	}
	removes, err := m.relPaths(c.Removes)
	if err != nil {
		return nil, err
	}
	present := upserts[:0]
	for _, rel := range upserts {
		if _, err := os.Stat(m.bankPath(rel)); os.IsNotExist(err) {
			removes = append(removes, rel)
			continue
		}
		present = append(present, rel)
	}

	b, err := m.write(ctx, "apply", false, opts, func(ctx context.Context, b *build) error {
		for _, rel := range removes {
			if err := b.removeTree(ctx, rel); err != nil {
				return err
			}
		}
		items := make([]item, len(present))
		for i, rel := range present {
			items[i] = item{path: rel}
		}
		return b.ingest(ctx, items)
	})
	if err != nil {
		return nil, err
	}
	return b.summary, nil
}

// Query retrieves at most k evidence chunks for text, restricted to scope.
// Scope entries name bank files or folders; one outside the bank is a
// validation error.
func (m *Manager) Query(ctx context.Context, text string, k int, scope []string) ([]*search.EvidenceChunk, error) {
	if strings.TrimSpace(text) == "" {
		return []*search.EvidenceChunk{}, nil
	}
	allowed := make(search.Scope, 0, len(scope))
	for _, p := range scope {
		rel, err := m.RelPath(p)
		if err != nil {
			return nil, err
		}
		allowed = append(allowed, rel)
	}

	s := m.acquire()
	if s == nil {
		m.mu.Lock()
		corrupt := m.needsFullRebuild
		m.mu.Unlock()
		if corrupt {
			return nil, everrors.IndexCorruptionError("index is corrupt; run a full rebuild", nil)
		}
		return nil, everrors.EmptyIndexError()
	}
	defer s.release()

	src := search.Source{
		Lexical:    s.lexical,
		Chunks:     s.manifest,
		ChunkCount: s.Meta.Chunks,
	}
	if s.semantic != nil {
		src.Semantic = s.semantic
	}
	return m.retriever.Retrieve(ctx, src, text, k, allowed)
}

// Entries lists the manifest of the current snapshot.
func (m *Manager) Entries(ctx context.Context, f manifest.Filter) ([]*manifest.Entry, error) {
	s := m.acquire()
	if s == nil {
		return []*manifest.Entry{}, nil
	}
	defer s.release()
	return s.manifest.List(ctx, f)
}

// Status reports the last known-good snapshot and the lifecycle state of
// that snapshot. A write in progress is never visible here.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{State: m.state, LastError: m.lastErr}
	m.mu.Unlock()

	s := m.acquire()
	if s == nil {
		return st
	}
	defer s.release()

	st.Indexed = true
	st.TotalFiles = s.Meta.Files
	st.TotalChunks = s.Meta.Chunks
	st.Generation = s.Meta.Generation
	st.Semantic = s.Meta.Model
	st.Excluded = len(s.Meta.SemanticExcluded)
	st.BuiltAt = s.Meta.BuiltAt
	return st
}

// Reset removes every snapshot and CURRENT. Nothing else in the data
// directory, and nothing in the bank, is touched.
func (m *Manager) Reset(ctx context.Context) error {
	if m.cfg.DataDir == m.cfg.BankRoot {
		return everrors.ConfigError("refusing to reset: data directory is the bank root", nil)
	}
	if err := m.lock.TryLock(); err != nil {
		return err
	}
	defer func() { _ = m.lock.Unlock() }()

	m.publish(nil)
	if err := os.Remove(m.layout.currentPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", CurrentFileName, err)
	}
	if err := syncDir(m.cfg.DataDir); err != nil {
		return fmt.Errorf("syncing data directory: %w", err)
	}

	m.mu.Lock()
	m.diskGen = 0
	m.mu.Unlock()
	m.sweep()
	m.setState(StateEmpty, "", false)
	slog.Info("index_reset", slog.String("data_dir", m.cfg.DataDir))
	return ctx.Err()
}

// Close releases the current snapshot. Generations stay on disk.
func (m *Manager) Close() error {
	if s := m.current.Swap(nil); s != nil {
		s.release()
	}
	return nil
}

// BankRoot returns the absolute bank root.
func (m *Manager) BankRoot() string {
	return m.cfg.BankRoot
}

// DataDir returns the absolute data directory.
func (m *Manager) DataDir() string {
	return m.cfg.DataDir
}

func (m *Manager) relPaths(paths []string) ([]string, error) {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := m.RelPath(p)
		if err != nil {
			return nil, err
		}
		if !seen[rel] {
			seen[rel] = true
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out, nil
}
