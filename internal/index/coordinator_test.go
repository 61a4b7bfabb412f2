package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/evidx/internal/bank"
	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/manifest"
	"github.com/Aman-CERP/evidx/internal/watcher"
)

func newTestCoordinator(t *testing.T, m *Manager) *Coordinator {
	t.Helper()
	scanner, err := bank.New(bank.Options{Root: m.BankRoot(), DataDir: m.DataDir()})
	require.NoError(t, err)
	c := NewCoordinator(m, scanner, WriteOptions{})
	c.retry.InitialDelay = time.Millisecond
	c.retry.MaxDelay = time.Millisecond
	c.retry.MaxRetries = 2
	return c
}

func indexedPaths(t *testing.T, m *Manager) []string {
	t.Helper()
	entries, err := m.Entries(context.Background(), manifest.Filter{})
	require.NoError(t, err)
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}
	return paths
}

func TestCoordinator_HandleEvents(t *testing.T) {
	// Given: a built index
	bankDir := seedBank(t)
	m := openManager(t, testConfig(bankDir), nil)
	ctx := context.Background()
	_, err := m.FullRebuild(ctx, seedPaths, WriteOptions{})
	require.NoError(t, err)
	c := newTestCoordinator(t, m)

	// When: a batch creates one file, deletes another and creates a directory
	writeDoc(t, bankDir, "notes/four.txt", "zeta", 2)
	require.NoError(t, os.Remove(filepath.Join(bankDir, "papers", "two.txt")))
	now := time.Now()
	sum, err := c.HandleEvents(ctx, []watcher.FileEvent{
		{Path: "notes/four.txt", Operation: watcher.OpCreate, Timestamp: now},
		{Path: "papers/two.txt", Operation: watcher.OpDelete, Timestamp: now},
		{Path: "drafts", Operation: watcher.OpCreate, IsDir: true, Timestamp: now},
	})

	// Then: both changes commit in one new generation
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Removed)
	assert.Equal(t, int64(2), sum.Generation)
	assert.ElementsMatch(t, []string{"notes/four.txt", "notes/three.txt", "papers/one.txt"}, indexedPaths(t, m))
}

func TestCoordinator_HandleEvents_DirectoryOnlyBatchIsNoop(t *testing.T) {
	m := openManager(t, testConfig(t.TempDir()), nil)
	c := newTestCoordinator(t, m)

	sum, err := c.HandleEvents(context.Background(), []watcher.FileEvent{
		{Path: "drafts", Operation: watcher.OpCreate, IsDir: true},
	})

	require.NoError(t, err)
	assert.Zero(t, sum.Generation)
	assert.Equal(t, StateEmpty, m.Status().State)
}

func TestCoordinator_HandleEvents_RenamedDirectory(t *testing.T) {
	// Given: a built index
	bankDir := seedBank(t)
	m := openManager(t, testConfig(bankDir), nil)
	ctx := context.Background()
	_, err := m.FullRebuild(ctx, seedPaths, WriteOptions{})
	require.NoError(t, err)
	c := newTestCoordinator(t, m)

	// When: papers/ is moved to archive/
	require.NoError(t, os.Rename(filepath.Join(bankDir, "papers"), filepath.Join(bankDir, "archive")))
	sum, err := c.HandleEvents(ctx, []watcher.FileEvent{
		{Path: "archive/one.txt", Operation: watcher.OpCreate},
		{Path: "archive/two.txt", Operation: watcher.OpCreate},
		{Path: "papers", Operation: watcher.OpRename},
	})

	// Then: entries follow the move
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Removed)
	assert.ElementsMatch(t,
		[]string{"archive/one.txt", "archive/two.txt", "notes/three.txt"},
		indexedPaths(t, m))
}

func TestCoordinator_Reconcile(t *testing.T) {
	// Given: an index built before the bank changed offline
	bankDir := seedBank(t)
	m := openManager(t, testConfig(bankDir), nil)
	ctx := context.Background()
	_, err := m.FullRebuild(ctx, seedPaths, WriteOptions{})
	require.NoError(t, err)
	c := newTestCoordinator(t, m)

	writeDoc(t, bankDir, "notes/new.txt", "eta", 1)
	writeDoc(t, bankDir, "papers/one.txt", "alpha", 12)
	require.NoError(t, os.Remove(filepath.Join(bankDir, "notes", "three.txt")))

	// When: reconciling
	sum, err := c.Reconcile(ctx)

	// Then: additions, modifications and deletions are applied
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Removed)
	assert.ElementsMatch(t, []string{"notes/new.txt", "papers/one.txt", "papers/two.txt"}, indexedPaths(t, m))
	assert.Equal(t, 18, m.Status().TotalChunks)

	// When: reconciling again
	sum, err = c.Reconcile(ctx)

	// Then: nothing is left to do
	require.NoError(t, err)
	assert.Zero(t, sum.Generation)
	assert.Equal(t, int64(2), m.Status().Generation)
}

func TestCoordinator_ReconcileRebuildsCorruptIndex(t *testing.T) {
	// Given: an index whose metadata was destroyed
	bankDir := seedBank(t)
	cfg := testConfig(bankDir)
	ctx := context.Background()
	m, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	_, err = m.FullRebuild(ctx, seedPaths, WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(m.layout.genDir(1), MetaFileName)))
	require.NoError(t, m.Close())
	m = openManager(t, cfg, nil)
	require.Equal(t, StateFailed, m.Status().State)

	// When: reconciling
	sum, err := newTestCoordinator(t, m).Reconcile(ctx)

	// Then: a full rebuild restores the index
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, StateReady, m.Status().State)
}

func TestCoordinator_ApplyGivesUpWhileBusy(t *testing.T) {
	bankDir := seedBank(t)
	m := openManager(t, testConfig(bankDir), nil)
	c := newTestCoordinator(t, m)
	other := newWriterLock(m.layout.lockPath())
	require.NoError(t, other.TryLock())
	defer func() { _ = other.Unlock() }()

	_, err := c.HandleEvents(context.Background(), []watcher.FileEvent{
		{Path: "papers/one.txt", Operation: watcher.OpCreate},
	})

	assert.ErrorIs(t, err, everrors.ErrBusy)
}

func TestDiffBank(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []*manifest.Entry{
		{Path: "same.txt", Size: 10, ModifiedTime: base},
		{Path: "subsecond.txt", Size: 10, ModifiedTime: base},
		{Path: "grown.txt", Size: 10, ModifiedTime: base},
		{Path: "touched.txt", Size: 10, ModifiedTime: base},
		{Path: "gone.txt", Size: 10, ModifiedTime: base},
	}
	files := []bank.File{
		{Path: "same.txt", Size: 10, ModTime: base},
		{Path: "subsecond.txt", Size: 10, ModTime: base.Add(300 * time.Millisecond)},
		{Path: "grown.txt", Size: 11, ModTime: base},
		{Path: "touched.txt", Size: 10, ModTime: base.Add(2 * time.Second)},
		{Path: "added.txt", Size: 1, ModTime: base},
	}

	changes := diffBank(entries, files)

	assert.ElementsMatch(t, []string{"grown.txt", "touched.txt", "added.txt"}, changes.Upserts)
	assert.Equal(t, []string{"gone.txt"}, changes.Removes)
}

// chanWatcher feeds prepared batches to Run.
type chanWatcher struct {
	events chan []watcher.FileEvent
	errs   chan error
}

func (w *chanWatcher) Start(context.Context, string) error { return nil }
func (w *chanWatcher) Stop() error                         { return nil }
func (w *chanWatcher) Events() <-chan []watcher.FileEvent  { return w.events }
func (w *chanWatcher) Errors() <-chan error                { return w.errs }

func TestCoordinator_Run(t *testing.T) {
	// Given: a watcher that delivers one error and one batch, then closes
	bankDir := seedBank(t)
	m := openManager(t, testConfig(bankDir), nil)
	_, err := m.FullRebuild(context.Background(), seedPaths, WriteOptions{})
	require.NoError(t, err)
	c := newTestCoordinator(t, m)

	w := &chanWatcher{events: make(chan []watcher.FileEvent, 1), errs: make(chan error, 1)}
	w.errs <- errors.New("queue overflow")
	close(w.errs)
	w.events <- []watcher.FileEvent{{Path: "papers/two.txt", Operation: watcher.OpDelete}}
	close(w.events)

	// When: running until the watcher closes
	var batches []*Summary
	err = c.Run(context.Background(), w, func(s *Summary, err error) {
		assert.NoError(t, err)
		batches = append(batches, s)
	})

	// Then: the batch was applied and the error did not stop the loop
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 1, batches[0].Removed)
	assert.NotContains(t, indexedPaths(t, m), "papers/two.txt")
}

func TestCoordinator_RunStopsOnCancel(t *testing.T) {
	m := openManager(t, testConfig(t.TempDir()), nil)
	c := newTestCoordinator(t, m)
	w := &chanWatcher{events: make(chan []watcher.FileEvent), errs: make(chan error)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Run(ctx, w, nil)

	assert.ErrorIs(t, err, context.Canceled)
}
