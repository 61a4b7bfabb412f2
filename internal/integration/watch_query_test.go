package integration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/evidx/internal/bank"
	"github.com/Aman-CERP/evidx/internal/chunk"
	"github.com/Aman-CERP/evidx/internal/embed"
	"github.com/Aman-CERP/evidx/internal/index"
	"github.com/Aman-CERP/evidx/internal/watcher"
)

// Watch Integration Tests - a real watcher drives the coordinator and the
// results are checked through queries, the way 'evidx watch' runs.

type liveBank struct {
	root    string
	manager *index.Manager
	mu      sync.Mutex
	batches int
}

func (b *liveBank) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(b.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

// paths returns the distinct paths answering text.
func (b *liveBank) paths(text string) []string {
	hits, err := b.manager.Query(context.Background(), text, 10, nil)
	if err != nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, h := range hits {
		if !seen[h.Path] {
			seen[h.Path] = true
			out = append(out, h.Path)
		}
	}
	return out
}

// startWatching reconciles root and then applies watcher batches until the
// test ends.
func startWatching(t *testing.T, root string, polling bool, embedder embed.Embedder) *liveBank {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	m, err := index.Open(ctx, index.Config{
		BankRoot:       root,
		Chunk:          chunk.Options{Size: 200, Overlap: 20},
		ExtractWorkers: 2,
	}, embedder)
	require.NoError(t, err)

	scanner, err := bank.New(bank.Options{Root: m.BankRoot(), DataDir: m.DataDir()})
	require.NoError(t, err)
	coord := index.NewCoordinator(m, scanner, index.WriteOptions{})
	_, err = coord.Reconcile(ctx)
	require.NoError(t, err)

	w, err := watcher.NewHybridWatcher(watcher.Options{
		DebounceWindow: 50 * time.Millisecond,
		PollInterval:   50 * time.Millisecond,
		Filter:         scanner.Filter(),
		ForcePolling:   polling,
	})
	require.NoError(t, err)

	lb := &liveBank{root: root, manager: m}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = w.Start(ctx, m.BankRoot())
	}()
	go func() {
		defer wg.Done()
		_ = coord.Run(ctx, w, func(*index.Summary, error) {
			lb.mu.Lock()
			lb.batches++
			lb.mu.Unlock()
		})
	}()

	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
		wg.Wait()
		_ = m.Close()
	})

	// Give fsnotify time to register the tree.
	time.Sleep(100 * time.Millisecond)
	return lb
}

func TestWatch_CreateModifyDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	for _, mode := range []struct {
		name    string
		polling bool
	}{{"fsnotify", false}, {"polling", true}} {
		t.Run(mode.name, func(t *testing.T) {
			// Given: a watched bank with one indexed file
			root := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(root, "seed.txt"), []byte("Seed document about wetlands."), 0o644))
			lb := startWatching(t, root, mode.polling, nil)
			require.Equal(t, []string{"seed.txt"}, lb.paths("wetlands"))

			// When: a new file appears in a new folder
			lb.write(t, "inbox/glacier.txt", "Glacier retreat accelerated after 1990.")

			// Then: it becomes searchable
			assert.Eventually(t, func() bool {
				return assert.ObjectsAreEqual([]string{"inbox/glacier.txt"}, lb.paths("glacier"))
			}, 5*time.Second, 50*time.Millisecond)

			// When: the file is rewritten
			lb.write(t, "inbox/glacier.txt", "Permafrost thaw was measured instead.")

			// Then: new content is found and old content is not
			assert.Eventually(t, func() bool {
				return len(lb.paths("permafrost")) == 1 && len(lb.paths("glacier")) == 0
			}, 5*time.Second, 50*time.Millisecond)

			// When: the file is deleted
			require.NoError(t, os.Remove(filepath.Join(root, "inbox", "glacier.txt")))

			// Then: it leaves the index, the seed stays
			assert.Eventually(t, func() bool {
				return len(lb.paths("permafrost")) == 0
			}, 5*time.Second, 50*time.Millisecond)
			assert.Equal(t, []string{"seed.txt"}, lb.paths("wetlands"))

			lb.mu.Lock()
			assert.Positive(t, lb.batches)
			lb.mu.Unlock()
		})
	}
}

func TestWatch_IgnoresDataDirAndUnsupportedFiles(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Given: a watched empty bank
	root := t.TempDir()
	lb := startWatching(t, root, false, nil)

	// When: an unsupported file and a supported one are written
	lb.write(t, "tools/setup.exe", "MZ")
	lb.write(t, "notes/river.md", "# River\n\nThe river flooded twice.")

	// Then: only the supported file is indexed
	assert.Eventually(t, func() bool {
		return lb.manager.Status().TotalFiles == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{"notes/river.md"}, lb.paths("river"))

	// And: index writes inside the data directory never trigger batches of
	// their own, so the generation settles.
	gen := lb.manager.Status().Generation
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, gen, lb.manager.Status().Generation)
}

func TestWatch_QueriesDuringUpdatesNeverFail(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Given: a watched bank with a semantic index
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "base.txt"), []byte("Baseline survey of the estuary."), 0o644))
	lb := startWatching(t, root, false, embed.NewStaticEmbedder())

	// When: files arrive while queries run continuously
	stop := make(chan struct{})
	errs := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				close(errs)
				return
			default:
			}
			if _, err := lb.manager.Query(context.Background(), "estuary survey", 5, nil); err != nil {
				errs <- err
				close(errs)
				return
			}
		}
	}()
	for i := 0; i < 5; i++ {
		lb.write(t, filepath.Join("batch", "f"+string(rune('a'+i))+".txt"), "Estuary salinity sample.")
		time.Sleep(80 * time.Millisecond)
	}
	assert.Eventually(t, func() bool {
		return lb.manager.Status().TotalFiles == 6
	}, 5*time.Second, 50*time.Millisecond)
	close(stop)

	// Then: no query observed an error
	for err := range errs {
		assert.NoError(t, err)
	}
}
