package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const barWidth = 30

// LineRenderer redraws a single progress line in place. Errors and the
// final summary are printed below it.
type LineRenderer struct {
	mu         sync.Mutex
	out        io.Writer
	noColor    bool
	bankRoot   string
	stage      Stage
	stageStart time.Time
	drawn      bool
}

// NewLineRenderer creates an interactive renderer.
func NewLineRenderer(cfg Config) *LineRenderer {
	return &LineRenderer{
		out:      cfg.Output,
		noColor:  cfg.NoColor,
		bankRoot: cfg.BankRoot,
		stage:    -1,
	}
}

// Start implements Renderer.
func (r *LineRenderer) Start(ctx context.Context) error {
	if r.bankRoot != "" {
		_, _ = fmt.Fprintf(r.out, "%s %s\n", r.bold("Indexing"), r.bankRoot)
	}
	return nil
}

// UpdateProgress implements Renderer.
func (r *LineRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if event.Stage != r.stage {
		if r.drawn {
			_, _ = fmt.Fprintln(r.out)
		}
		r.stage = event.Stage
		r.stageStart = now
	}

	line := fmt.Sprintf("%-10s", event.Stage.String())
	if event.Total > 0 {
		line += fmt.Sprintf(" [%s] %3.0f%% %d/%d", renderBar(event.Current, event.Total, barWidth),
			float64(event.Current)/float64(event.Total)*100, event.Current, event.Total)
		if eta := estimate(now.Sub(r.stageStart), event.Current, event.Total); eta > 0 {
			line += " ETA " + eta.Round(time.Second).String()
		}
	}
	if event.Message != "" {
		line += " " + event.Message
	}
	_, _ = fmt.Fprintf(r.out, "\r\033[K%s", line)
	r.drawn = true
}

// AddError implements Renderer.
func (r *LineRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clear()
	prefix := r.red("error")
	if event.IsWarn {
		prefix = r.yellow("warn")
	}
	if event.File != "" {
		_, _ = fmt.Fprintf(r.out, "%s %s: %v\n", prefix, event.File, event.Err)
		return
	}
	_, _ = fmt.Fprintf(r.out, "%s %v\n", prefix, event.Err)
}

// Complete implements Renderer.
func (r *LineRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clear()
	writeSummary(r.out, stats)
}

// Stop implements Renderer.
func (r *LineRenderer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drawn {
		_, _ = fmt.Fprintln(r.out)
		r.drawn = false
	}
	return nil
}

func (r *LineRenderer) clear() {
	if r.drawn {
		_, _ = fmt.Fprint(r.out, "\r\033[K")
		r.drawn = false
	}
}

func (r *LineRenderer) style(code, s string) string {
	if r.noColor {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func (r *LineRenderer) bold(s string) string   { return r.style("1", s) }
func (r *LineRenderer) red(s string) string    { return r.style("31", s) }
func (r *LineRenderer) yellow(s string) string { return r.style("33", s) }

// renderBar draws a text progress bar.
func renderBar(current, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}
	filled := min(max(current*width/total, 0), width)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// estimate extrapolates the remaining time from the rate so far.
func estimate(elapsed time.Duration, current, total int) time.Duration {
	if current <= 0 || current >= total || elapsed < time.Second {
		return 0
	}
	return time.Duration(float64(elapsed) / float64(current) * float64(total-current))
}
