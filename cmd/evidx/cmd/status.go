package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/evidx/internal/embed"
	"github.com/Aman-CERP/evidx/internal/index"
	"github.com/Aman-CERP/evidx/internal/ui"
)

// embedderProbeTimeout bounds the availability check so status stays fast.
const embedderProbeTimeout = 3 * time.Second

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index health and status",
		Long: `Display information about the current index:
  - State and generation of the serving snapshot
  - Number of indexed files and chunks
  - When the snapshot was built and its size on disk
  - Semantic model of the snapshot and of the configured embedder

Counts always describe the last successfully committed generation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, jsonOutput bool) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, embedNone)
	if err != nil {
		return err
	}
	defer s.Close()

	st := s.manager.Status()
	info := ui.StatusInfo{
		BankRoot:         s.manager.BankRoot(),
		DataDir:          s.manager.DataDir(),
		State:            string(st.State),
		Generation:       st.Generation,
		TotalFiles:       st.TotalFiles,
		TotalChunks:      st.TotalChunks,
		BuiltAt:          st.BuiltAt,
		LastError:        st.LastError,
		Semantic:         st.Semantic,
		SemanticExcluded: st.Excluded,
	}
	if st.Indexed {
		info.SnapshotSize = dirSize(index.GenerationDir(s.manager.DataDir(), st.Generation))
	}
	info.EmbedderModel, info.EmbedderAvailable = probeEmbedder(ctx, s)

	r := ui.NewStatusRenderer(cmd.OutOrStdout(), noColor || ui.DetectNoColor() || !ui.IsTTY(cmd.OutOrStdout()))
	if jsonOutput {
		return r.RenderJSON(info)
	}
	return r.Render(info)
}

// probeEmbedder reports the configured model and whether it answers.
// A disabled semantic index reports an empty model.
func probeEmbedder(ctx context.Context, s *session) (string, bool) {
	cfg := s.cfg.Embeddings
	if !cfg.Enabled {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, embedderProbeTimeout)
	defer cancel()

	e, err := embed.NewFromConfig(ctx, cfg)
	if err != nil || e == nil {
		model := cfg.Model
		if model == "" {
			model = cfg.Provider
		}
		return model, false
	}
	defer func() { _ = e.Close() }()
	return e.ModelName(), e.Available(ctx)
}
