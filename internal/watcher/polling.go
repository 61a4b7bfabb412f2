package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PollingWatcher detects changes by rescanning the tree every interval. It
// tracks files only; a removed directory surfaces as deletes of its files.
type PollingWatcher struct {
	interval time.Duration
	filter   Filter
	root     string
	state    map[string]fileStamp
	events   chan FileEvent
	errors   chan error
	stopCh   chan struct{}
	mu       sync.Mutex
	stopped  bool
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

// NewPollingWatcher creates a polling watcher. A nil filter ignores hidden
// paths only.
func NewPollingWatcher(interval time.Duration, filter Filter) *PollingWatcher {
	if filter == nil {
		filter = hiddenFilter{}
	}
	return &PollingWatcher{
		interval: interval,
		filter:   filter,
		state:    make(map[string]fileStamp),
		events:   make(chan FileEvent, 256),
		errors:   make(chan error, 10),
		stopCh:   make(chan struct{}),
	}
}

// Start records a baseline and then polls until ctx is done or Stop is
// called. A root that cannot be scanned is returned as an error.
func (p *PollingWatcher) Start(ctx context.Context, root string) error {
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

	p.mu.Lock()
	p.root = abs
	baseline, err := p.snapshot()
	if err == nil {
		p.state = baseline
	}
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = p.Stop()
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			p.poll()
		}
	}
}

// snapshot walks the tree. Must be called with mu held.
func (p *PollingWatcher) snapshot() (map[string]fileStamp, error) {
	out := make(map[string]fileStamp, len(p.state))
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == p.root {
				return err
			}
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if p.filter.IgnoreDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || p.filter.IgnoreFile(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out[rel] = fileStamp{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	return out, err
}

// poll diffs a fresh snapshot against the previous one.
func (p *PollingWatcher) poll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	current, err := p.snapshot()
	if err != nil {
		select {
		case p.errors <- fmt.Errorf("rescan: %w", err):
		default:
		}
		return
	}

	now := time.Now()
	for rel, stamp := range current {
		prev, seen := p.state[rel]
		switch {
		case !seen:
			p.emit(FileEvent{Path: rel, Operation: OpCreate, Timestamp: now})
		case prev != stamp:
			p.emit(FileEvent{Path: rel, Operation: OpModify, Timestamp: now})
		}
	}
	for rel := range p.state {
		if _, ok := current[rel]; !ok {
			p.emit(FileEvent{Path: rel, Operation: OpDelete, Timestamp: now})
		}
	}
	p.state = current
}

// emit must be called with mu held.
func (p *PollingWatcher) emit(e FileEvent) {
	if p.stopped {
		return
	}
	select {
	case p.events <- e:
	default:
		slog.Warn("watch_event_dropped",
			slog.String("path", e.Path),
			slog.String("op", e.Operation.String()))
	}
}

// Stop halts polling and closes both channels. Safe to call twice.
func (p *PollingWatcher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	close(p.stopCh)
	close(p.events)
	close(p.errors)
	return nil
}

// Events returns individual, undebounced events.
func (p *PollingWatcher) Events() <-chan FileEvent {
	return p.events
}

// Errors returns non-fatal rescan errors.
func (p *PollingWatcher) Errors() <-chan error {
	return p.errors
}
