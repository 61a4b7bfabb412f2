package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/manifest"
	"github.com/Aman-CERP/evidx/internal/store"
)

// SnapshotMeta is persisted as snapshot.json in every generation.
type SnapshotMeta struct {
	Generation int64     `json:"generation"`
	BuildID    string    `json:"build_id"`
	BuiltAt    time.Time `json:"built_at"`
	Files      int       `json:"files"`
	Chunks     int       `json:"chunks"`

	// Model and Dimensions are empty when the generation has no semantic index.
	Model      string `json:"model,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`

	// SemanticExcluded lists chunks that are lexically indexed but whose
	// embedding failed.
	SemanticExcluded []string `json:"semantic_excluded"`
}

func writeMeta(dir string, meta *SnapshotMeta) error {
	if meta.SemanticExcluded == nil {
		meta.SemanticExcluded = []string{}
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", MetaFileName, err)
	}
	return writeFileAtomic(filepath.Join(dir, MetaFileName), data)
}

func readMeta(dir string) (*SnapshotMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFileName))
	if err != nil {
		return nil, err
	}
	var meta SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", MetaFileName, err)
	}
	return &meta, nil
}

// Snapshot is one immutable, opened generation. Readers hold it through
// acquire/release; the manager holds one reference while it is current.
type Snapshot struct {
	Meta SnapshotMeta

	dir      string
	manifest *manifest.Store
	lexical  *store.LexicalIndex
	semantic *store.SemanticIndex

	refs    atomic.Int64
	retired atomic.Bool

	// onReleased runs after a retired snapshot's last release.
	onReleased func(*Snapshot)
}

// openSnapshot opens dir read-only and verifies it. Every verification
// failure is an IndexCorruptionError.
func openSnapshot(ctx context.Context, dir string) (*Snapshot, error) {
	corrupt := func(msg string, cause error) error {
		return everrors.IndexCorruptionError(fmt.Sprintf("%s: %s", filepath.Base(dir), msg), cause)
	}

	meta, err := readMeta(dir)
	if err != nil {
		return nil, corrupt("snapshot metadata unreadable", err)
	}

	s := &Snapshot{Meta: *meta, dir: dir}
	ok := false
	defer func() {
		if !ok {
			s.close()
		}
	}()

	s.manifest, err = manifest.OpenReadOnly(filepath.Join(dir, manifest.FileName))
	if err != nil {
		return nil, corrupt("manifest unreadable", err)
	}
	if err := s.manifest.QuickCheck(ctx); err != nil {
		return nil, corrupt("manifest failed integrity check", err)
	}
	files, chunks, err := s.manifest.Counts(ctx)
	if err != nil {
		return nil, corrupt("manifest unreadable", err)
	}
	if files != meta.Files || chunks != meta.Chunks {
		return nil, corrupt(fmt.Sprintf("manifest holds %d files/%d chunks, metadata says %d/%d",
			files, chunks, meta.Files, meta.Chunks), nil)
	}

	s.lexical, err = store.OpenLexical(filepath.Join(dir, store.LexicalDirName))
	if err != nil {
		return nil, corrupt("lexical index unreadable", err)
	}
	docs, err := s.lexical.DocCount()
	if err != nil {
		return nil, corrupt("lexical index unreadable", err)
	}
	if int(docs) != meta.Chunks {
		return nil, corrupt(fmt.Sprintf("lexical index holds %d chunks, metadata says %d", docs, meta.Chunks), nil)
	}

	if meta.Model != "" {
		s.semantic, err = store.OpenSemantic(filepath.Join(dir, store.SemanticFileName))
		if err != nil {
			return nil, corrupt("semantic index unreadable", err)
		}
		if s.semantic.Model() != meta.Model {
			return nil, corrupt(fmt.Sprintf("semantic index built by %s, metadata says %s",
				s.semantic.Model(), meta.Model), nil)
		}
		if err := s.verifyIDSets(ctx); err != nil {
			return nil, corrupt("index id sets disagree", err)
		}
	}

	s.refs.Store(1)
	ok = true
	return s, nil
}

// verifyIDSets checks lexical ids == semantic ids ∪ semantic_excluded.
func (s *Snapshot) verifyIDSets(ctx context.Context) error {
	lexIDs, err := s.lexical.IDs(ctx)
	if err != nil {
		return err
	}

	expected := make(map[string]bool, len(lexIDs))
	for _, id := range lexIDs {
		expected[id] = true
	}
	seen := make(map[string]bool, len(lexIDs))
	claim := func(id, source string) error {
		if !expected[id] {
			return fmt.Errorf("%s id %s missing from lexical index", source, id)
		}
		if seen[id] {
			return fmt.Errorf("id %s both embedded and excluded", id)
		}
		seen[id] = true
		return nil
	}
	for _, id := range s.semantic.IDs() {
		if err := claim(id, "semantic"); err != nil {
			return err
		}
	}
	for _, id := range s.Meta.SemanticExcluded {
		if err := claim(id, "excluded"); err != nil {
			return err
		}
	}
	if len(seen) != len(expected) {
		var missing []string
		for id := range expected {
			if !seen[id] {
				missing = append(missing, id)
			}
		}
		sort.Strings(missing)
		return fmt.Errorf("%d lexical ids neither embedded nor excluded (first %s)", len(missing), missing[0])
	}
	return nil
}

// release drops one reference. The last release of a retired snapshot
// closes it and deletes its directory.
func (s *Snapshot) release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	s.close()
	if !s.retired.Load() {
		return
	}
	if err := os.RemoveAll(s.dir); err != nil {
		slog.Warn("snapshot_remove_failed",
			slog.String("dir", s.dir),
			slog.String("error", err.Error()))
	} else {
		slog.Info("snapshot_released", slog.Int64("generation", s.Meta.Generation))
	}
	if s.onReleased != nil {
		s.onReleased(s)
	}
}

// tryAcquire adds a reference unless the snapshot is already fully released.
func (s *Snapshot) tryAcquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Snapshot) close() {
	if s.semantic != nil {
		_ = s.semantic.Close()
	}
	if s.lexical != nil {
		_ = s.lexical.Close()
	}
	if s.manifest != nil {
		_ = s.manifest.Close()
	}
}

// Dir returns the generation directory.
func (s *Snapshot) Dir() string {
	return s.dir
}
