package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// PlainRenderer writes one line per stage change and per tenth of progress,
// which keeps CI logs readable.
type PlainRenderer struct {
	mu     sync.Mutex
	out    io.Writer
	stage  Stage
	last   int
	errors int
	warns  int
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output, stage: -1}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(ctx context.Context) error {
	return nil
}

// UpdateProgress implements Renderer.
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.Stage != r.stage {
		r.stage = event.Stage
		r.last = -1
	}
	if event.Total <= 0 {
		if event.Message != "" {
			_, _ = fmt.Fprintf(r.out, "[%s] %s\n", event.Stage.Icon(), event.Message)
		}
		return
	}

	decile := event.Current * 10 / event.Total
	if decile == r.last && event.Current != event.Total {
		return
	}
	r.last = decile
	if event.Message != "" {
		_, _ = fmt.Fprintf(r.out, "[%s] %d/%d - %s\n", event.Stage.Icon(), event.Current, event.Total, event.Message)
		return
	}
	_, _ = fmt.Fprintf(r.out, "[%s] %d/%d\n", event.Stage.Icon(), event.Current, event.Total)
}

// AddError implements Renderer.
func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
		r.warns++
	} else {
		r.errors++
	}
	if event.File != "" {
		_, _ = fmt.Fprintf(r.out, "%s: %s: %v\n", prefix, event.File, event.Err)
	} else {
		_, _ = fmt.Fprintf(r.out, "%s: %v\n", prefix, event.Err)
	}
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	writeSummary(r.out, stats)
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	return nil
}

// writeSummary prints the completion block shared by both renderers.
func writeSummary(out io.Writer, stats CompletionStats) {
	_, _ = fmt.Fprintf(out, "Complete: generation %d, %d files, %d chunks in %s\n",
		stats.Generation, stats.Files, stats.Chunks, stats.Duration.Round(100*time.Millisecond))
	_, _ = fmt.Fprintf(out, "  ingested %d, unchanged %d, duplicates %d, removed %d",
		stats.Succeeded, stats.Skipped, stats.Duplicates, stats.Removed)
	if stats.Failed > 0 {
		_, _ = fmt.Fprintf(out, ", failed %d", stats.Failed)
	}
	_, _ = fmt.Fprintln(out)
	if stats.Semantic != "" {
		_, _ = fmt.Fprintf(out, "  semantic index: %s\n", stats.Semantic)
	} else {
		_, _ = fmt.Fprintln(out, "  semantic index: disabled (lexical only)")
	}
}
