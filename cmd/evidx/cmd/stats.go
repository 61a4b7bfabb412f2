package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/output"
	"github.com/Aman-CERP/evidx/internal/telemetry"
)

func newStatsCmd() *cobra.Command {
	var (
		jsonOutput bool
		days       int
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show query statistics for this bank",
		Long: `Display statistics recorded by 'evidx query' on this machine:
  - Query script mix (latin/cjk/mixed)
  - Top query terms
  - Recent zero-result queries
  - Latency distribution

Statistics live in the data directory and survive rebuilds and resets.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days <= 0 {
				return everrors.ValidationError("--days must be positive", nil)
			}
			return runStats(cmd, jsonOutput, days, limit)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().IntVar(&days, "days", 7, "Number of days to include")
	cmd.Flags().IntVar(&limit, "top", 10, "Number of terms and zero-result queries to list")

	return cmd
}

func runStats(cmd *cobra.Command, jsonOutput bool, days, limit int) error {
	cfg, err := requireConfig()
	if err != nil {
		return err
	}

	// Opening the store would create it; a bank never queried has nothing to show.
	path := filepath.Join(cfg.Bank.DataDir, telemetry.FileName)
	if _, err := os.Stat(path); err != nil {
		out := output.New(cmd.OutOrStdout())
		if jsonOutput {
			return out.JSON(&telemetry.QueryMetricsSnapshot{
				QueryTypeCounts:     map[telemetry.QueryType]int64{},
				TopTerms:            []telemetry.TermCount{},
				ZeroResultQueries:   []string{},
				LatencyDistribution: map[telemetry.LatencyBucket]int64{},
			})
		}
		out.Status("📊", "No queries recorded yet")
		return nil
	}

	store, err := telemetry.OpenSQLiteMetricsStore(path)
	if err != nil {
		return fmt.Errorf("failed to open query statistics: %w", err)
	}
	defer store.Close()

	snap, err := telemetry.Report(store, days, time.Now(), limit)
	if err != nil {
		return fmt.Errorf("failed to read query statistics: %w", err)
	}

	if jsonOutput {
		return output.New(cmd.OutOrStdout()).JSON(snap)
	}
	printStats(cmd, snap, days)
	return nil
}

func printStats(cmd *cobra.Command, snap *telemetry.QueryMetricsSnapshot, days int) {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Query Statistics (last %d days)\n", days)
	fmt.Fprintln(w, "===============================")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Total Queries: %d\n", snap.TotalQueries)
	fmt.Fprintf(w, "Zero Results:  %.1f%%\n", snap.ZeroResultPercentage())
	fmt.Fprintln(w)

	if len(snap.QueryTypeCounts) > 0 {
		types := make([]string, 0, len(snap.QueryTypeCounts))
		for qt := range snap.QueryTypeCounts {
			types = append(types, string(qt))
		}
		sort.Strings(types)
		fmt.Fprintln(w, "Query Scripts:")
		for _, qt := range types {
			fmt.Fprintf(w, "  %s: %d\n", qt, snap.QueryTypeCounts[telemetry.QueryType(qt)])
		}
		fmt.Fprintln(w)
	}

	if len(snap.TopTerms) > 0 {
		fmt.Fprintln(w, "Top Query Terms:")
		for i, tc := range snap.TopTerms {
			fmt.Fprintf(w, "  %d. %s (%d)\n", i+1, tc.Term, tc.Count)
		}
	} else {
		fmt.Fprintln(w, "Top Query Terms: (none recorded yet)")
	}
	fmt.Fprintln(w)

	if len(snap.ZeroResultQueries) > 0 {
		fmt.Fprintln(w, "Recent Zero-Result Queries:")
		for _, q := range snap.ZeroResultQueries {
			fmt.Fprintf(w, "  - %q\n", q)
		}
	} else {
		fmt.Fprintln(w, "Recent Zero-Result Queries: (none)")
	}

	if len(snap.LatencyDistribution) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Latency Distribution:")
		for _, b := range telemetry.Buckets {
			if count, ok := snap.LatencyDistribution[b]; ok {
				fmt.Fprintf(w, "  %s: %d\n", b.Label(), count)
			}
		}
	}
}
