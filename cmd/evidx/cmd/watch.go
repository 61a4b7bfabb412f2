package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/evidx/internal/index"
	"github.com/Aman-CERP/evidx/internal/output"
	"github.com/Aman-CERP/evidx/internal/watcher"
)

func newWatchCmd() *cobra.Command {
	var (
		polling bool
		noSync  bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the index in step with the bank",
		Long: `Watch the bank and update the index as files change.

On start the bank is reconciled with the index, so changes made while
nothing was watching are picked up. After that, bursts of file events are
debounced (performance.watch_debounce) and committed as one generation per
batch. Stop with Ctrl-C; an in-flight batch is rolled back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, polling, noSync)
		},
	}

	cmd.Flags().BoolVar(&polling, "poll", false, "Poll the bank instead of using file system notifications")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Skip the startup reconciliation")

	return cmd
}

func runWatch(cmd *cobra.Command, polling, noSync bool) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, embedRequired)
	if err != nil {
		return err
	}
	defer s.Close()

	scanner, err := s.scanner()
	if err != nil {
		return err
	}
	coord := index.NewCoordinator(s.manager, scanner, index.WriteOptions{})
	out := output.New(cmd.OutOrStdout())

	if !noSync {
		summary, err := coord.Reconcile(ctx)
		if err != nil {
			return err
		}
		out.Successf("Reconciled: %s", summary)
	}

	w, err := watcher.NewHybridWatcher(watcher.Options{
		DebounceWindow: s.cfg.Debounce(),
		Filter:         scanner.Filter(),
		ForcePolling:   polling,
	})
	if err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()

	out.Statusf("👀", "Watching %s (%s)", s.manager.BankRoot(), w.WatcherType())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Start(ctx, s.manager.BankRoot())
	})
	g.Go(func() error {
		return coord.Run(ctx, w, func(summary *index.Summary, err error) {
			if err != nil {
				out.Errorf("Batch failed: %v", err)
				return
			}
			if summary.Generation > 0 {
				out.Successf("Updated: %s", summary)
			}
			for _, f := range summary.Failures {
				out.Warningf("%s: %s", f.Path, f.Error)
			}
		})
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		slog.Info("watch_stopped", slog.String("root", s.manager.BankRoot()))
		out.Status("", "Stopped")
		return nil
	}
	return err
}
