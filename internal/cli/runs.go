package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/helios/internal/protocol"
	"github.com/iambrandonn/helios/internal/transcript"
)

func newRunsCommand(opts *globalOptions) *cobra.Command {
	var (
		status string
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnvironment(cmd, opts, false)
			if err != nil {
				return err
			}
			a, err := env.open(cmd.Context(), true, nil)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			list, err := a.Runs.ListRuns(cmd.Context(), protocol.RunStatus(strings.ToUpper(status)), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}
			formatter := transcript.NewFormatter(terminalWidth(cmd.OutOrStdout()))
			for i := range list {
				fmt.Fprintln(cmd.OutOrStdout(), formatter.FormatRun(&list[i]))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status (active, ended)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of runs (default 100)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of text")

	cmd.AddCommand(newRunOutputCommand(opts))
	return cmd
}

func newRunOutputCommand(opts *globalOptions) *cobra.Command {
	var (
		limit int
		raw   bool
	)

	cmd := &cobra.Command{
		Use:   "output <run-id>",
		Short: "Show the recorded output of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd, opts, false)
			if err != nil {
				return err
			}
			a, err := env.open(cmd.Context(), true, nil)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			if _, err := a.Runs.GetRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			chunks, err := a.Runs.ListOutput(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			formatter := transcript.NewFormatter(terminalWidth(out))
			for _, chunk := range chunks {
				if raw {
					fmt.Fprint(out, chunk.Data)
					continue
				}
				fmt.Fprintln(out, formatter.FormatOutput(chunk))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Number of most recent chunks (default 100)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print chunk data verbatim")

	return cmd
}
