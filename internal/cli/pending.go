package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/helios/internal/protocol"
	"github.com/iambrandonn/helios/internal/store"
	"github.com/iambrandonn/helios/internal/transcript"
)

func newPendingCommand(opts *globalOptions) *cobra.Command {
	var (
		filter store.PendingFilter
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List questions awaiting an answer",
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

			pending, err := a.Interactions.ListPending(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				if pending == nil {
					pending = []protocol.InteractionRequest{}
				}
				return writeJSON(cmd.OutOrStdout(), pending)
			}

			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending questions.")
				return nil
			}
			formatter := transcript.NewFormatter(terminalWidth(cmd.OutOrStdout()))
			now := time.Now()
			for i := range pending {
				fmt.Fprintln(cmd.OutOrStdout(), formatter.FormatInteraction(&pending[i], now))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.RunID, "run", "", "Only questions raised by this run")
	cmd.Flags().StringVar(&filter.CollabSessionID, "collab", "", "Only questions for this collaboration session")
	cmd.Flags().StringVar(&filter.ToolSessionID, "tool-session", "", "Only questions from this tool session")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of text")

	return cmd
}
