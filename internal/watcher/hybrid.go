package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// HybridWatcher watches with fsnotify and falls back to polling when
// fsnotify is unavailable. Both sources feed one Debouncer.
type HybridWatcher struct {
	fsWatcher   *fsnotify.Watcher
	pollWatcher *PollingWatcher
	debouncer   *Debouncer
	filter      Filter
	opts        Options

	events chan []FileEvent
	errors chan error
	stopCh chan struct{}

	mu      sync.RWMutex
	root    string
	stopped bool

	droppedBatches atomic.Uint64
}

var _ Watcher = (*HybridWatcher)(nil)

// NewHybridWatcher creates a watcher. fsnotify is tried first unless
// opts.ForcePolling is set.
func NewHybridWatcher(opts Options) (*HybridWatcher, error) {
	opts = opts.WithDefaults()

	h := &HybridWatcher{
		debouncer: NewDebouncer(opts.DebounceWindow),
		filter:    opts.Filter,
		opts:      opts,
		events:    make(chan []FileEvent, opts.EventBufferSize),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
	}

	if !opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err == nil {
			h.fsWatcher = fsw
			return h, nil
		}
		slog.Warn("fsnotify_unavailable", slog.String("error", err.Error()))
	}
	h.pollWatcher = NewPollingWatcher(opts.PollInterval, opts.Filter)
	return h, nil
}

// Start watches root until ctx is done or Stop is called.
func (h *HybridWatcher) Start(ctx context.Context, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch root is not a directory: %s", abs)
	}
	h.mu.Lock()
	h.root = abs
	h.mu.Unlock()

	go h.forward(ctx)

	if h.fsWatcher != nil {
		return h.runFsnotify(ctx)
	}
	return h.runPolling(ctx)
}

func (h *HybridWatcher) runFsnotify(ctx context.Context) error {
	if err := h.addRecursive(h.root, false); err != nil {
		return fmt.Errorf("add directories to watcher: %w", err)
	}
	slog.Info("watch_started", slog.String("root", h.root), slog.String("mode", h.WatcherType()))

	for {
		select {
		case <-ctx.Done():
			_ = h.Stop()
			return ctx.Err()
		case <-h.stopCh:
			return nil
		case event, ok := <-h.fsWatcher.Events:
			if !ok {
				return nil
			}
			h.handle(event)
		case err, ok := <-h.fsWatcher.Errors:
			if !ok {
				return nil
			}
			h.emitError(err)
		}
	}
}

func (h *HybridWatcher) runPolling(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case event, ok := <-h.pollWatcher.Events():
				if !ok {
					return
				}
				h.debouncer.Add(event)
			case err, ok := <-h.pollWatcher.Errors():
				if !ok {
					return
				}
				h.emitError(err)
			}
		}
	}()
	slog.Info("watch_started", slog.String("root", h.root), slog.String("mode", h.WatcherType()))
	return h.pollWatcher.Start(ctx, h.root)
}

// handle filters and converts one fsnotify event.
func (h *HybridWatcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(h.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	now := time.Now()

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if h.filter.IgnoreDir(rel) {
			return
		}
		op := OpDelete
		if event.Has(fsnotify.Rename) {
			op = OpRename
		}
		h.debouncer.Add(FileEvent{Path: rel, Operation: op, Timestamp: now})

	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if event.Has(fsnotify.Create) && !h.filter.IgnoreDir(rel) {
				// Files written before the watch was added produce no events.
				if err := h.addRecursive(event.Name, true); err != nil {
					h.emitError(err)
				}
			}
			return
		}
		if !info.Mode().IsRegular() || h.filter.IgnoreFile(rel) {
			return
		}
		op := OpModify
		if event.Has(fsnotify.Create) {
			op = OpCreate
		}
		h.debouncer.Add(FileEvent{Path: rel, Operation: op, Timestamp: now})
	}
}

// addRecursive watches dir and every non-ignored directory below it. With
// announce set, files found along the way are reported as created.
func (h *HybridWatcher) addRecursive(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		rel, err := filepath.Rel(h.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && h.filter.IgnoreDir(rel) {
				return filepath.SkipDir
			}
			return h.fsWatcher.Add(path)
		}
		if announce && d.Type().IsRegular() && !h.filter.IgnoreFile(rel) {
			h.debouncer.Add(FileEvent{Path: rel, Operation: OpCreate, Timestamp: time.Now()})
		}
		return nil
	})
}

func (h *HybridWatcher) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case batch, ok := <-h.debouncer.Output():
			if !ok {
				return
			}
			h.emitBatch(batch)
		}
	}
}

func (h *HybridWatcher) emitBatch(batch []FileEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped || len(batch) == 0 {
		return
	}
	select {
	case h.events <- batch:
	default:
		n := h.droppedBatches.Add(1)
		slog.Warn("watch_batch_dropped",
			slog.Int("batch_size", len(batch)),
			slog.Uint64("total_dropped_batches", n))
	}
}

func (h *HybridWatcher) emitError(err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}
	select {
	case h.errors <- err:
	default:
	}
}

// DroppedBatches counts batches lost to a full consumer buffer.
func (h *HybridWatcher) DroppedBatches() uint64 {
	return h.droppedBatches.Load()
}

// Stop stops the watcher and closes Events and Errors.
func (h *HybridWatcher) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true
	close(h.stopCh)
	h.debouncer.Stop()
	if h.fsWatcher != nil {
		_ = h.fsWatcher.Close()
	}
	if h.pollWatcher != nil {
		_ = h.pollWatcher.Stop()
	}
	close(h.events)
	close(h.errors)
	return nil
}

// Events returns debounced batches.
func (h *HybridWatcher) Events() <-chan []FileEvent {
	return h.events
}

// Errors returns non-fatal errors.
func (h *HybridWatcher) Errors() <-chan error {
	return h.errors
}

// WatcherType returns "fsnotify" or "polling".
func (h *HybridWatcher) WatcherType() string {
	if h.fsWatcher != nil {
		return "fsnotify"
	}
	return "polling"
}

// Root returns the watched root once Start has run.
func (h *HybridWatcher) Root() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.root
}
