package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/evidx/internal/index"
	"github.com/Aman-CERP/evidx/internal/output"
	"github.com/Aman-CERP/evidx/internal/ui"
)

func newRebuildCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Scan the bank and rebuild the index",
		Long: `Scan the bank and bring the index in line with it.

Unchanged files are kept as they are unless --force is given. Files no
longer in the bank are dropped. The new index is published atomically:
queries keep using the previous generation until the rebuild commits, and
a failed or interrupted rebuild leaves it serving.`,
		Example: `  # Incremental rebuild of the current directory
  evidx rebuild

  # Re-extract everything, e.g. after changing chunk size
  evidx rebuild --force --bank ~/papers`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRebuild(cmd, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Re-extract files even when unchanged")

	return cmd
}

func runRebuild(cmd *cobra.Command, force bool) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, embedRequired)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := ensurePreflight(s); err != nil {
		return err
	}
	scanner, err := s.scanner()
	if err != nil {
		return err
	}

	_, err = runWrite(cmd, s, force, func(ctx context.Context, r ui.Renderer, opts index.WriteOptions) (*index.Summary, error) {
		r.UpdateProgress(ui.ProgressEvent{Stage: ui.StageScanning, Message: s.manager.BankRoot()})
		listing, err := scanner.Collect(ctx)
		if err != nil {
			return nil, err
		}
		return s.manager.FullRebuild(ctx, listing.Paths(), opts)
	})
	return err
}

func newReprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <path>",
		Short: "Re-extract one bank file",
		Long: `Re-extract a single file from the bank and replace its chunks.

Other files are not touched. Use this after editing a document when the
watcher is not running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, embedRequired)
			if err != nil {
				return err
			}
			defer s.Close()

			rel, err := bankPath(s.manager, args[0])
			if err != nil {
				return err
			}
			if _, err := runWrite(cmd, s, true, func(ctx context.Context, _ ui.Renderer, opts index.WriteOptions) (*index.Summary, error) {
				return s.manager.ReprocessOne(ctx, rel, opts)
			}); err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Reprocessed %s", rel)
			return nil
		},
	}
}

func newRemoveCmd() *cobra.Command {
	var deleteFile bool

	cmd := &cobra.Command{
		Use:   "remove <path>",
		Short: "Remove a file from the index",
		Long: `Remove a file and its chunks from the index.

The file itself stays in the bank unless --delete-file is given, in which
case it is deleted only after the removal has been committed. A remaining
copy of the same content becomes canonical.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd, args[0], deleteFile)
		},
	}

	cmd.Flags().BoolVar(&deleteFile, "delete-file", false, "Also delete the file from the bank")

	return cmd
}

func runRemove(cmd *cobra.Command, arg string, deleteFile bool) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, embedRequired)
	if err != nil {
		return err
	}
	defer s.Close()

	rel, err := bankPath(s.manager, arg)
	if err != nil {
		return err
	}
	if _, err := runWrite(cmd, s, false, func(ctx context.Context, _ ui.Renderer, opts index.WriteOptions) (*index.Summary, error) {
		return s.manager.RemoveFile(ctx, rel, opts)
	}); err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	out.Successf("Removed %s from the index", rel)

	if deleteFile {
		p := filepath.Join(s.manager.BankRoot(), filepath.FromSlash(rel))
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting %s: %w", p, err)
		}
		out.Successf("Deleted %s", p)
	}
	return nil
}

// bankPath accepts a path relative to the working directory or to the bank.
func bankPath(m *index.Manager, arg string) (string, error) {
	if !filepath.IsAbs(arg) {
		if abs, err := filepath.Abs(arg); err == nil {
			if _, err := os.Stat(abs); err == nil {
				if rel, err := m.RelPath(abs); err == nil {
					return rel, nil
				}
			}
		}
	}
	return m.RelPath(arg)
}
