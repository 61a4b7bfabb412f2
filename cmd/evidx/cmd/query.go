package cmd

import (
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/output"
	"github.com/Aman-CERP/evidx/internal/telemetry"
)

func newQueryCmd() *cobra.Command {
	var (
		limit      int
		scope      []string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "query <text>",
		Aliases: []string{"search"},
		Short:   "Search the index for evidence",
		Long: `Search the index and print the best matching chunks with their
provenance: file, page range, section and character offsets.

Lexical and semantic rankings are fused by reciprocal rank. --scope limits
results to files or folders of the bank and may be repeated.`,
		Example: `  # Top 10 results
  evidx query "soil moisture sampling"

  # Five results from two folders, as JSON
  evidx query "土壌水分" -k 5 --scope papers/2023 --scope notes --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, strings.Join(args, " "), limit, scope, jsonOutput)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "k", 0, "Maximum results (default: search.default_k)")
	cmd.Flags().StringArrayVar(&scope, "scope", nil, "Restrict to a bank file or folder (repeatable)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	return cmd
}

func runQuery(cmd *cobra.Command, text string, limit int, scope []string, jsonOutput bool) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, embedOptional)
	if err != nil {
		return err
	}
	defer s.Close()

	if limit < 0 {
		return everrors.ValidationError("-k must be positive", nil)
	}
	if limit == 0 {
		limit = s.cfg.Search.DefaultK
	}

	// Scope entries are bank paths; accept working-directory paths too.
	resolved := make([]string, 0, len(scope))
	for _, p := range scope {
		rel, err := bankPath(s.manager, p)
		if err != nil {
			return err
		}
		resolved = append(resolved, rel)
	}

	start := time.Now()
	hits, err := s.manager.Query(ctx, text, limit, resolved)
	if err != nil {
		return err
	}
	recordQuery(s.manager.DataDir(), telemetry.QueryEvent{
		Query:       text,
		ResultCount: len(hits),
		Latency:     time.Since(start),
	})

	out := output.New(cmd.OutOrStdout())
	if jsonOutput {
		return out.JSON(output.ToJSON(hits))
	}
	out.Evidence(text, hits)
	return nil
}

// recordQuery adds one query to the bank's local statistics. Failures are
// logged and never fail the query.
func recordQuery(dataDir string, event telemetry.QueryEvent) {
	store, err := telemetry.OpenSQLiteMetricsStore(filepath.Join(dataDir, telemetry.FileName))
	if err != nil {
		slog.Warn("telemetry_unavailable", slog.String("error", err.Error()))
		return
	}
	defer store.Close()

	metrics := telemetry.NewQueryMetrics(store)
	metrics.Record(event)
	if err := metrics.Close(); err != nil {
		slog.Warn("telemetry_flush_failed", slog.String("error", err.Error()))
	}
}
