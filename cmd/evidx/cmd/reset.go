package cmd

import (
	"github.com/spf13/cobra"

	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/output"
	"github.com/Aman-CERP/evidx/internal/preflight"
)

func newResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every index generation",
		Long: `Delete all snapshots of the index. Files in the bank are not touched,
and configuration in the data directory is kept. The preflight checks
run again on the next rebuild.

The next rebuild starts from an empty index.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return everrors.ValidationError("reset deletes the whole index", nil).
					WithSuggestion("re-run with --yes to confirm")
			}

			ctx := cmd.Context()
			s, err := openSession(ctx, embedNone)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.manager.Reset(ctx); err != nil {
				return err
			}
			// The next rebuild runs the required checks again.
			if err := preflight.ClearMarker(s.manager.DataDir()); err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Index reset (%s)", s.manager.DataDir())
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")

	return cmd
}
