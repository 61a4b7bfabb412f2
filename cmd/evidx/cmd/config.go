package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/evidx/configs"
	"github.com/Aman-CERP/evidx/internal/config"
	"github.com/Aman-CERP/evidx/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create configuration",
		Long: `Show the effective configuration or create configuration files.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. User config (~/.config/evidx/config.yaml)
  3. Bank config (.evidx.yaml in the bank root)
  4. .env in the bank root (never overrides the real environment)
  5. Environment variables (EVIDX_*)`,
		Example: `  # Show merged configuration
  evidx config show

  # Create .evidx.yaml in the bank
  evidx config init

  # Create the user config
  evidx config init --user`,
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())
			if jsonOutput {
				return out.JSON(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		user  bool
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file from a template",
		Long: `Create .evidx.yaml in the bank root, or with --user the user config
at ~/.config/evidx/config.yaml (or $XDG_CONFIG_HOME/evidx/config.yaml).

An existing file is left alone unless --force is given, in which case it
is backed up first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, template := config.GetUserConfigPath(), configs.UserConfigTemplate
			if !user {
				dir, err := resolveBankDir()
				if err != nil {
					return err
				}
				target, template = filepath.Join(dir, config.ProjectConfigName), configs.BankConfigTemplate
			}
			return runConfigInit(cmd, target, template, force)
		},
	}

	cmd.Flags().BoolVar(&user, "user", false, "Create the user config instead of the bank config")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file (a backup is kept)")

	return cmd
}

func runConfigInit(cmd *cobra.Command, target, template string, force bool) error {
	out := output.New(cmd.OutOrStdout())

	if _, err := os.Stat(target); err == nil {
		if !force {
			out.Warning("Configuration already exists")
			out.Statusf("📁", "Location: %s", target)
			out.Status("💡", "Use --force to replace it (a backup is kept)")
			return nil
		}
		backup, err := config.BackupFile(target)
		if err != nil {
			return fmt.Errorf("failed to back up %s: %w", target, err)
		}
		out.Statusf("💾", "Backup: %s", backup)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
	}
	if err := os.WriteFile(target, []byte(template), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out.Success("Created configuration")
	out.Statusf("📁", "Location: %s", target)
	out.Status("💡", "Run 'evidx config show' to verify")
	return nil
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print user config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.GetUserConfigPath())
			return err
		},
	}
}
