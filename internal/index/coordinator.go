package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Aman-CERP/evidx/internal/bank"
	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/manifest"
	"github.com/Aman-CERP/evidx/internal/watcher"
)

// Coordinator keeps the index in step with the bank: it reconciles on
// startup and then applies debounced watcher batches.
type Coordinator struct {
	manager *Manager
	scanner *bank.Scanner
	opts    WriteOptions

	// retry applies to BusyError only.
	retry everrors.RetryConfig
}

// NewCoordinator creates a coordinator. scanner may be nil, in which case
// Reconcile is a no-op.
func NewCoordinator(m *Manager, scanner *bank.Scanner, opts WriteOptions) *Coordinator {
	return &Coordinator{
		manager: m,
		scanner: scanner,
		opts:    opts,
		retry: everrors.RetryConfig{
			MaxRetries:   5,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     4 * time.Second,
			Multiplier:   2,
			Jitter:       true,
			ShouldRetry:  func(err error) bool { return errors.Is(err, everrors.ErrBusy) },
		},
	}
}

// HandleEvents turns one batch into a single Apply. Creations and
// modifications become upserts; deletions and renames become removals.
func (c *Coordinator) HandleEvents(ctx context.Context, events []watcher.FileEvent) (*Summary, error) {
	var changes Changes
	for _, e := range events {
		switch {
		case e.Operation.Gone():
			changes.Removes = append(changes.Removes, e.Path)
		case e.IsDir:
		default:
			changes.Upserts = append(changes.Upserts, e.Path)
		}
		slog.Debug("watch_event",
			slog.String("path", e.Path),
			slog.String("op", e.Operation.String()))
	}
	if len(changes.Upserts) == 0 && len(changes.Removes) == 0 {
		return &Summary{}, nil
	}
	return c.apply(ctx, changes)
}

// Reconcile diffs the bank against the current manifest and applies what
// changed while nobody was watching. A corrupt index gets a full rebuild.
func (c *Coordinator) Reconcile(ctx context.Context) (*Summary, error) {
	if c.scanner == nil {
		return &Summary{}, nil
	}
	listing, err := c.scanner.Collect(ctx)
	if err != nil {
		return nil, err
	}

	if c.manager.Status().State == StateFailed {
		slog.Info("reconcile_full_rebuild", slog.Int("files", len(listing.Files)))
		return c.manager.FullRebuild(ctx, listing.Paths(), c.opts)
	}

	entries, err := c.manager.Entries(ctx, manifest.Filter{})
	if err != nil {
		return nil, err
	}
	changes := diffBank(entries, listing.Files)
	if len(changes.Upserts) == 0 && len(changes.Removes) == 0 {
		slog.Debug("reconcile_clean")
		return &Summary{}, nil
	}
	slog.Info("reconcile_changes",
		slog.Int("upserts", len(changes.Upserts)),
		slog.Int("removes", len(changes.Removes)))
	return c.apply(ctx, changes)
}

// diffBank compares indexed entries with files on disk. Modification is
// judged by size and mtime at second precision; content hashing happens
// later, in the build.
func diffBank(entries []*manifest.Entry, files []bank.File) Changes {
	var changes Changes
	onDisk := make(map[string]bank.File, len(files))
	for _, f := range files {
		onDisk[f.Path] = f
	}
	indexed := make(map[string]bool, len(entries))
	for _, e := range entries {
		indexed[e.Path] = true
		f, ok := onDisk[e.Path]
		switch {
		case !ok:
			changes.Removes = append(changes.Removes, e.Path)
		case f.Size != e.Size || !f.ModTime.Truncate(time.Second).Equal(e.ModifiedTime.Truncate(time.Second)):
			changes.Upserts = append(changes.Upserts, e.Path)
		}
	}
	for _, f := range files {
		if !indexed[f.Path] {
			changes.Upserts = append(changes.Upserts, f.Path)
		}
	}
	return changes
}

// apply retries while another writer holds the lock.
func (c *Coordinator) apply(ctx context.Context, changes Changes) (*Summary, error) {
	summary, err := everrors.RetryWithResult(ctx, c.retry, func(ctx context.Context) (*Summary, error) {
		return c.manager.Apply(ctx, changes, c.opts)
	})
	if err != nil {
		return nil, fmt.Errorf("applying %d upserts and %d removals: %w",
			len(changes.Upserts), len(changes.Removes), err)
	}
	for _, f := range summary.Failures {
		slog.Warn("watch_file_failed", slog.String("path", f.Path), slog.String("error", f.Error))
	}
	return summary, nil
}

// Run applies batches from w until its channel closes or ctx is done.
// Failed batches are logged and the loop continues.
func (c *Coordinator) Run(ctx context.Context, w watcher.Watcher, onBatch func(*Summary, error)) error {
	errs := w.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("watch_error", slog.String("error", err.Error()))
		case batch, ok := <-w.Events():
			if !ok {
				return nil
			}
			summary, err := c.HandleEvents(ctx, batch)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("watch_batch_failed", slog.String("error", err.Error()))
			}
			if onBatch != nil {
				onBatch(summary, err)
			}
		}
	}
}
