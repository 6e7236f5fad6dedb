package cli

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X github.com/iambrandonn/helios/internal/cli.Version=..."
var Version = "dev"

// globalOptions holds the persistent flags shared by every subcommand
type globalOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the helios command tree
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "helios",
		Short: "Supervise AI coding tools and answer their questions",
		Long: `helios launches an external AI coding tool (codex, claude_code), records its
output, and pauses for a human whenever the tool asks for input through an
in-band NEED_USER_INPUT signal. Answers are written into the tool's stdin
exactly once, whether they arrive from the terminal, a feed card or a
messaging callback.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to helios.json or helios.yaml (default: search up directory tree)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newRunsCommand(opts))
	rootCmd.AddCommand(newPendingCommand(opts))
	rootCmd.AddCommand(newFeedCommand(opts))
	rootCmd.AddCommand(newEventsCommand(opts))
	rootCmd.AddCommand(newCallbackCommand(opts))
	rootCmd.AddCommand(newConfigCommand(opts))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the helios version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("helios %s\n", Version)
		},
	}
}
