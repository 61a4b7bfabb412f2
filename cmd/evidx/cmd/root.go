// Package cmd provides the CLI commands for evidx.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/evidx/internal/config"
	everrors "github.com/Aman-CERP/evidx/internal/errors"
	"github.com/Aman-CERP/evidx/internal/logging"
	"github.com/Aman-CERP/evidx/internal/profiling"
	"github.com/Aman-CERP/evidx/pkg/version"
)

// Persistent flags
var (
	bankDir    string
	debugMode  bool
	noColor    bool
	forcePlain bool
	profile    profiling.Options
)

// Per-invocation state set up by the root hooks.
var (
	loadedCfg      *config.Config
	loadErr        error
	profileSession *profiling.Session
	loggingCleanup func()
)

// NewRootCmd creates the root command for the evidx CLI.
func NewRootCmd() *cobra.Command {
	bankDir, debugMode, noColor, forcePlain = "", false, false, false
	profile = profiling.Options{}
	loadedCfg, loadErr = nil, nil

	cmd := &cobra.Command{
		Use:   "evidx",
		Short: "Evidence index over a folder of documents",
		Long: `evidx turns a folder of documents (PDF, Word, spreadsheets, HTML,
Markdown, plain text, images) into a searchable evidence index.

Every result points back to its file, page, section and character range.
Search is lexical (BM25, CJK aware) with an optional semantic index fused
by reciprocal rank.

Run 'evidx rebuild' in the bank directory to build the index, then
'evidx query "..."' to search it.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("evidx version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&bankDir, "bank", "", "Bank directory (default: current directory)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging (mirrored to stderr)")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	cmd.PersistentFlags().BoolVar(&forcePlain, "plain", false, "Plain progress output (no in-place redraw)")

	cmd.PersistentFlags().StringVar(&profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profile.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = setup
	cmd.PersistentPostRunE = teardown

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newRebuildCmd())
	cmd.AddCommand(newReprocessCmd())
	cmd.AddCommand(newRemoveCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newResetCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context, so an interrupted build rolls back cleanly.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewRootCmd().ExecuteContext(ctx)
	// Cobra skips post-run hooks when a command fails.
	if terr := teardown(nil, nil); err == nil {
		err = terr
	}
	return err
}

// setup loads configuration, then starts logging and profiling. A config
// error is kept for the commands that need one, so `version` and
// `config init` still work next to a broken .evidx.yaml.
func setup(_ *cobra.Command, _ []string) error {
	dir, err := resolveBankDir()
	if err != nil {
		return err
	}
	loadedCfg, loadErr = config.Load(dir)

	logCfg := logging.DefaultConfig()
	if loadedCfg != nil {
		logCfg.Level = loadedCfg.Logging.Level
		if loadedCfg.Logging.File != "" {
			logCfg.FilePath = loadedCfg.Logging.File
		}
		logCfg.MaxSizeMB = loadedCfg.Logging.MaxSizeMB
		logCfg.MaxFiles = loadedCfg.Logging.MaxFiles
	}
	if debugMode {
		logCfg.Level = "debug"
		logCfg.WriteToStderr = true
	}

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Debug("cli_start",
		slog.String("version", version.Version),
		slog.String("bank", dir),
		slog.String("log_file", logCfg.FilePath))

	if profile.Enabled() {
		profileSession, err = profiling.Start(profile)
		if err != nil {
			return err
		}
	}
	return nil
}

// teardown flushes profiles and closes the log file.
func teardown(_ *cobra.Command, _ []string) error {
	err := profileSession.Stop()
	profileSession = nil

	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return err
}

func resolveBankDir() (string, error) {
	dir := bankDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving bank directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", everrors.ValidationError("bank directory does not exist", err).
			WithDetail("path", abs).
			WithSuggestion("pass an existing directory with --bank")
	}
	return abs, nil
}

// requireConfig returns the configuration loaded by setup.
func requireConfig() (*config.Config, error) {
	if loadErr != nil {
		return nil, loadErr
	}
	if loadedCfg == nil {
		return nil, everrors.ConfigError("configuration not loaded", nil)
	}
	return loadedCfg, nil
}

// Exit codes, beyond 1 for any other failure.
const (
	ExitUsage   = 2
	ExitBusy    = 3
	ExitCorrupt = 4
	ExitEmpty   = 5
)

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, everrors.ErrBusy):
		return ExitBusy
	case errors.Is(err, everrors.ErrCorruptIndex):
		return ExitCorrupt
	case errors.Is(err, everrors.ErrEmptyIndex):
		return ExitEmpty
	case everrors.GetCategory(err) == everrors.CategoryValidation:
		return ExitUsage
	default:
		return 1
	}
}
