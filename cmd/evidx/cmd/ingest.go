package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"

	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/index"
	"github.com/Aman-CERP/evidx/internal/manifest"
	"github.com/Aman-CERP/evidx/internal/output"
	"github.com/Aman-CERP/evidx/internal/ui"
)

func newIngestCmd() *cobra.Command {
	var (
		into      string
		as        string
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Add files to the bank and index them",
		Long: `Index one or more files without rescanning the bank.

Files already inside the bank are indexed in place. Files outside it are
first copied into the bank (under --into) so that later rebuilds and
reprocessing can read them again. Use "-" to read one file from stdin;
it needs --as to name it.

Every file is its own commit: a failure leaves the files before it indexed.`,
		Example: `  # Index a file that is already in the bank
  evidx ingest papers/survey.pdf

  # Copy a download into the bank's inbox folder and index it
  evidx ingest ~/Downloads/report.docx --into inbox

  # Index piped text
  curl -s https://example.org/notes.md | evidx ingest - --as notes/example.md`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, args, into, as, overwrite)
		},
	}

	cmd.Flags().StringVar(&into, "into", "", "Bank folder for files copied from outside the bank")
	cmd.Flags().StringVar(&as, "as", "", "Bank-relative name for stdin input")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing bank file when copying")

	return cmd
}

func runIngest(cmd *cobra.Command, args []string, into, as string, overwrite bool) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, embedRequired)
	if err != nil {
		return err
	}
	defer s.Close()

	out := output.New(cmd.OutOrStdout())
	failed := 0
	for _, arg := range args {
		rel, data, err := stage(cmd, s.manager, arg, into, as, overwrite)
		if err != nil {
			return err
		}

		var entry *manifest.Entry
		summary, err := runWrite(cmd, s, false, func(ctx context.Context, _ ui.Renderer, opts index.WriteOptions) (*index.Summary, error) {
			var sum *index.Summary
			var err error
			entry, sum, err = s.manager.IngestFile(ctx, rel, data, opts)
			return sum, err
		})
		switch {
		case summary == nil && err != nil:
			return err
		case err != nil:
			out.Errorf("%s: %v", rel, err)
			failed++
		case entry != nil && entry.IsDuplicate():
			out.Warningf("%s duplicates %s", rel, entry.DuplicateOf)
		default:
			out.Successf("Indexed %s", rel)
		}
	}

	if failed > 0 {
		return everrors.ExtractionError(fmt.Sprintf("%d of %d files", failed, len(args)), nil)
	}
	return nil
}

// stage resolves arg to a bank-relative path and its bytes, copying it into
// the bank first when it lives outside.
func stage(cmd *cobra.Command, m *index.Manager, arg, into, as string, overwrite bool) (string, []byte, error) {
	if arg == "-" {
		if as == "" {
			return "", nil, everrors.ValidationError("reading from stdin needs --as <bank path>", nil)
		}
		rel, err := m.RelPath(as)
		if err != nil {
			return "", nil, err
		}
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", nil, fmt.Errorf("reading stdin: %w", err)
		}
		if err := writeIntoBank(m, rel, data, overwrite); err != nil {
			return "", nil, err
		}
		return rel, data, nil
	}

	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", nil, fmt.Errorf("resolving %s: %w", arg, err)
	}
	// Relative names missing from the working directory are bank paths.
	if _, err := os.Stat(abs); os.IsNotExist(err) && !filepath.IsAbs(arg) {
		abs = filepath.Join(m.BankRoot(), arg)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, everrors.NotFoundError(arg)
		}
		return "", nil, fmt.Errorf("reading %s: %w", arg, err)
	}

	if rel, err := m.RelPath(abs); err == nil {
		return rel, data, nil
	}

	name := as
	if name == "" {
		name = path.Join(filepath.ToSlash(into), filepath.Base(abs))
	}
	rel, err := m.RelPath(name)
	if err != nil {
		return "", nil, err
	}
	if err := writeIntoBank(m, rel, data, overwrite); err != nil {
		return "", nil, err
	}
	return rel, data, nil
}

// writeIntoBank stores data at rel in the bank.
func writeIntoBank(m *index.Manager, rel string, data []byte, overwrite bool) error {
	dest := filepath.Join(m.BankRoot(), filepath.FromSlash(rel))
	if _, err := os.Stat(dest); err == nil && !overwrite {
		return everrors.ValidationError(fmt.Sprintf("%s already exists in the bank", rel), nil).
			WithSuggestion("pass --overwrite to replace it, or --as to pick another name")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	return nil
}
