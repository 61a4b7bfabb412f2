package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/index"
	"github.com/Aman-CERP/evidx/internal/output"
	"github.com/Aman-CERP/evidx/internal/preflight"
)

func newDoctorCmd() *cobra.Command {
	var (
		jsonOutput bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that this machine can build and serve the index",
		Long: `Run system checks for the bank and its data directory:
  - bank_readable:     the bank can be listed
  - write_permissions: the data directory can be written
  - disk_space:        room to stage a new generation
  - file_descriptors:  enough descriptors for open generations
  - embedder:          the configured embedding provider answers
  - index:             the serving generation passed its integrity checks`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd, jsonOutput, verbose)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show details for each check")

	return cmd
}

func runDoctor(cmd *cobra.Command, jsonOutput, verbose bool) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, embedNone)
	if err != nil {
		return err
	}
	defer s.Close()

	checker := preflight.New(
		preflight.WithOutput(cmd.OutOrStdout()),
		preflight.WithVerbose(verbose),
		preflight.WithEmbedderProbe(func(ctx context.Context) (string, bool) {
			return probeEmbedder(ctx, s)
		}),
	)
	results := checker.RunAll(ctx, preflight.Target{
		BankRoot: s.manager.BankRoot(),
		DataDir:  s.manager.DataDir(),
	})
	results = append(results, indexCheck(s.manager.Status()))

	if jsonOutput {
		if err := output.New(cmd.OutOrStdout()).JSON(map[string]any{
			"status": checker.SummaryStatus(results),
			"checks": results,
		}); err != nil {
			return err
		}
	} else {
		checker.PrintResults(results)
	}

	if checker.HasCriticalFailures(results) {
		return everrors.New(everrors.ErrCodeInternal, "system check failed", nil).
			WithSuggestion("fix the failed checks above, then run 'evidx doctor' again")
	}
	return nil
}

// indexCheck reports the lifecycle state of the serving generation.
func indexCheck(st index.Status) preflight.CheckResult {
	r := preflight.CheckResult{Name: "index", Required: true}
	switch st.State {
	case index.StateFailed:
		r.Status = preflight.StatusFail
		r.Message = "corrupt; run 'evidx rebuild --force'"
		r.Details = st.LastError
	case index.StateEmpty:
		r.Status = preflight.StatusWarn
		r.Message = "empty; run 'evidx rebuild'"
	default:
		r.Status = preflight.StatusPass
		r.Message = fmt.Sprintf("generation %d, %d files, %d chunks", st.Generation, st.TotalFiles, st.TotalChunks)
	}
	return r
}

// ensurePreflight runs the required checks once per data directory.
func ensurePreflight(s *session) error {
	dataDir := s.manager.DataDir()
	if !preflight.NeedsCheck(dataDir) {
		return nil
	}

	checker := preflight.New()
	results := checker.RunRequired(preflight.Target{BankRoot: s.manager.BankRoot(), DataDir: dataDir})
	for _, r := range results {
		if r.IsCritical() {
			return everrors.New(everrors.ErrCodeInternal, fmt.Sprintf("%s: %s", r.Name, r.Message), nil).
				WithSuggestion("run 'evidx doctor' for details")
		}
	}
	return preflight.MarkPassed(dataDir)
}
