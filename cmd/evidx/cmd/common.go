package cmd

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/evidx/internal/bank"
	"github.com/Aman-CERP/evidx/internal/config"
	"github.com/Aman-CERP/evidx/internal/embed"
	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/index"
	"github.com/Aman-CERP/evidx/internal/ui"
)

// session bundles what most commands need: the loaded config, the index
// manager and the embedder behind it.
type session struct {
	cfg      *config.Config
	manager  *index.Manager
	embedder embed.Embedder
}

// embedMode says how a command depends on the configured embedder.
type embedMode int

const (
	// embedNone opens the index without an embedder.
	embedNone embedMode = iota
	// embedOptional falls back to lexical search when the embedder is down.
	embedOptional
	// embedRequired fails when the embedder is down, so writes never
	// silently drop the semantic index.
	embedRequired
)

// openSession opens the index for the configured bank.
func openSession(ctx context.Context, mode embedMode) (*session, error) {
	cfg, err := requireConfig()
	if err != nil {
		return nil, err
	}

	var embedder embed.Embedder
	if mode != embedNone {
		embedder, err = embed.NewFromConfig(ctx, cfg.Embeddings)
		switch {
		case err != nil && mode == embedRequired:
			return nil, everrors.Wrap(everrors.ErrCodeNetworkUnavailable, err).
				WithSuggestion("start the embedding provider or set embeddings.enabled: false")
		case err != nil:
			slog.Warn("embedder_unavailable", slog.String("error", err.Error()))
			embedder = nil
		}
	}

	m, err := index.Open(ctx, index.ConfigFrom(cfg), embedder)
	if err != nil {
		if embedder != nil {
			_ = embedder.Close()
		}
		return nil, err
	}
	return &session{cfg: cfg, manager: m, embedder: embedder}, nil
}

func (s *session) Close() {
	if err := s.manager.Close(); err != nil {
		slog.Warn("manager_close_failed", slog.String("error", err.Error()))
	}
	if s.embedder != nil {
		_ = s.embedder.Close()
	}
}

func (s *session) scanner() (*bank.Scanner, error) {
	return bank.New(bank.OptionsFrom(s.cfg))
}

// newRenderer picks the progress renderer for cmd's error stream, so
// stdout stays clean for --json output.
func newRenderer(cmd *cobra.Command, bankRoot string) ui.Renderer {
	cfg := ui.NewConfig(cmd.ErrOrStderr(),
		ui.WithForcePlain(forcePlain),
		ui.WithBankRoot(bankRoot))
	if noColor {
		cfg.NoColor = true
	}
	return ui.NewRenderer(cfg)
}

var phaseStages = map[index.Phase]ui.Stage{
	index.PhaseExtract: ui.StageExtracting,
	index.PhaseEmbed:   ui.StageEmbedding,
	index.PhaseIndex:   ui.StageIndexing,
	index.PhaseCommit:  ui.StageCommitting,
}

// progressTo adapts manager progress to renderer events.
func progressTo(r ui.Renderer) index.ProgressFunc {
	return func(phase index.Phase, current, total int) {
		stage, ok := phaseStages[phase]
		if !ok {
			return
		}
		r.UpdateProgress(ui.ProgressEvent{Stage: stage, Current: current, Total: total})
	}
}

// runWrite runs one write operation under a renderer and reports the
// outcome: per-file failures as renderer errors, then the completion block.
func runWrite(cmd *cobra.Command, s *session, force bool,
	op func(ctx context.Context, r ui.Renderer, opts index.WriteOptions) (*index.Summary, error),
) (*index.Summary, error) {
	ctx := cmd.Context()
	r := newRenderer(cmd, s.manager.BankRoot())
	if err := r.Start(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = r.Stop() }()

	summary, err := op(ctx, r, index.WriteOptions{Force: force, Progress: progressTo(r)})
	if err != nil {
		return summary, err
	}
	reportSummary(r, s.manager.Status(), summary)
	return summary, nil
}

func reportSummary(r ui.Renderer, st index.Status, summary *index.Summary) {
	for _, f := range summary.Failures {
		r.AddError(ui.ErrorEvent{File: f.Path, Err: errors.New(f.Error)})
	}
	r.Complete(ui.CompletionStats{
		Generation: st.Generation,
		Files:      st.TotalFiles,
		Chunks:     st.TotalChunks,
		Succeeded:  summary.Succeeded,
		Skipped:    summary.Skipped,
		Failed:     summary.Failed,
		Duplicates: summary.Duplicates,
		Removed:    summary.Removed,
		Duration:   summary.Duration,
		Semantic:   st.Semantic,
	})
}

// dirSize sums regular file sizes below dir. Missing dirs count as zero.
func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
