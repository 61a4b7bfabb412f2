package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/output"
	"github.com/Aman-CERP/evidx/internal/validation"
)

func newValidateCmd() *cobra.Command {
	var (
		jsonOutput bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "validate <queries.yaml>",
		Short: "Run golden queries against the index",
		Long: `Run a file of golden queries against the current index and report
which expected documents came back.

The file has three sections. tier1 queries must find one of their expected
paths in the top results; tier2 queries are reported but never fail the run;
negative queries must be answered cleanly and must not return any of their
listed paths.`,
		Example: `  tier1:
    - id: T1-01
      query: soil moisture
      expected: [papers/soil.txt]
  negative:
    - id: N-01
      query: river
      scope: [notes]
      expected: [papers/]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0], limit, jsonOutput)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "k", validation.DefaultLimit, "Results inspected per query")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	return cmd
}

func runValidate(cmd *cobra.Command, path string, limit int, jsonOutput bool) error {
	queries, err := validation.LoadQueries(path)
	if err != nil {
		return everrors.ValidationError(err.Error(), err)
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, embedOptional)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := validation.New(s.manager, limit).RunAll(ctx, queries)
	if err != nil {
		return err
	}

	if jsonOutput {
		if err := output.New(cmd.OutOrStdout()).JSON(report); err != nil {
			return err
		}
	} else {
		printValidation(cmd.OutOrStdout(), report)
	}

	if !report.Passed() {
		return everrors.New(everrors.ErrCodeInternal,
			fmt.Sprintf("validation failed: tier1 %d/%d, negative %d/%d",
				report.Tier1Pass, report.Tier1Total, report.NegPass, report.NegTotal), nil).
			WithSuggestion("inspect the failed queries above")
	}
	return nil
}

func printValidation(w io.Writer, r *validation.Report) {
	section := func(title string, results []validation.TestResult) {
		if len(results) == 0 {
			return
		}
		fmt.Fprintln(w, title)
		for _, tr := range results {
			mark := "PASS"
			if !tr.Passed {
				mark = "FAIL"
			}
			fmt.Fprintf(w, "  [%s] %s %q", mark, tr.Spec.ID, tr.Spec.Query)
			if tr.MatchedAt >= 0 {
				fmt.Fprintf(w, " (rank %d)", tr.MatchedAt+1)
			}
			fmt.Fprintln(w)
			if tr.Error != "" {
				fmt.Fprintf(w, "         error: %s\n", tr.Error)
			} else if !tr.Passed && len(tr.TopResults) > 0 {
				fmt.Fprintf(w, "         got: %v\n", tr.TopResults)
			}
		}
		fmt.Fprintln(w)
	}

	section("Tier 1", r.Tier1)
	section("Tier 2", r.Tier2)
	section("Negative", r.Negative)
	fmt.Fprintf(w, "Tier 1: %d/%d  Tier 2: %d/%d  Negative: %d/%d\n",
		r.Tier1Pass, r.Tier1Total, r.Tier2Pass, r.Tier2Total, r.NegPass, r.NegTotal)
}
