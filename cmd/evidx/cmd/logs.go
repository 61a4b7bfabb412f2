package cmd

import (
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/logging"
	"github.com/Aman-CERP/evidx/internal/ui"
)

func newLogsCmd() *cobra.Command {
	var (
		follow  bool
		lines   int
		level   string
		filter  string
		logFile string
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the evidx log",
		Long: `Show the last lines of the evidx log, optionally following new entries.

The log file is logging.file from .evidx.yaml, or ~/.evidx/logs/evidx.log.`,
		Example: `  evidx logs -n 100
  evidx logs -f --level warn
  evidx logs --filter "rebuild_|commit"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var pattern *regexp.Regexp
			if filter != "" {
				var err error
				if pattern, err = regexp.Compile(filter); err != nil {
					return everrors.ValidationError("invalid --filter pattern", err).
						WithDetail("pattern", filter)
				}
			}
			if lines < 0 {
				return everrors.ValidationError("--lines must not be negative", nil)
			}

			path := logFile
			if path == "" {
				path = logging.DefaultLogPath()
				if loadedCfg != nil && loadedCfg.Logging.File != "" {
					path = loadedCfg.Logging.File
				}
			}

			out := cmd.OutOrStdout()
			v := logging.NewViewer(logging.ViewerOptions{
				Level:   level,
				Pattern: pattern,
				NoColor: noColor || ui.DetectNoColor() || !ui.IsTTY(out),
			}, out)

			entries, err := v.Tail(path, lines)
			if err != nil {
				return everrors.New(everrors.ErrCodeFileNotFound, fmt.Sprintf("cannot read log %s", path), err).
					WithSuggestion("run any evidx command first, or pass --file")
			}
			v.Print(entries)
			if !follow {
				return nil
			}

			ch := make(chan logging.Entry, 64)
			done := make(chan error, 1)
			go func() {
				done <- v.Follow(cmd.Context(), path, ch)
				close(ch)
			}()
			for e := range ch {
				v.Print([]logging.Entry{e})
			}
			return <-done
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow new entries (like tail -f)")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().StringVar(&level, "level", "", "Minimum level (debug|info|warn|error)")
	cmd.Flags().StringVar(&filter, "filter", "", "Only lines matching this regex")
	cmd.Flags().StringVar(&logFile, "file", "", "Log file to read")

	return cmd
}
