package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/helios/internal/config"
)

func newConfigCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the helios configuration file",
	}
	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigShowCommand(opts))
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var (
		format string
		dir    string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var name string
			switch format {
			case "json":
				name = "helios.json"
			case "yaml":
				name = "helios.yaml"
			default:
				return fmt.Errorf("unsupported format %q (use json or yaml)", format)
			}

			if dir == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get working directory: %w", err)
				}
				dir = cwd
			}
			path := filepath.Join(dir, name)

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to check %s: %w", path, err)
			}

			if err := config.GenerateDefault().SaveToFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "File format (json, yaml)")
	cmd.Flags().StringVar(&dir, "dir", "", "Directory to write into (default: current directory)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

func newConfigShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnvironment(cmd, opts, false)
			if err != nil {
				return err
			}
			cfg := *env.cfg
			if cfg.Callback.EncryptKey != "" {
				cfg.Callback.EncryptKey = "<redacted>"
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "# %s\n", env.cfgPath)
			return writeJSON(cmd.OutOrStdout(), cfg)
		},
	}
}
