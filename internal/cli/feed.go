package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/helios/internal/transcript"
)

func newFeedCommand(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		cursor string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "feed <collab-session-id>",
		Short: "Show the card and message feed of a collaboration session",
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

			page, err := a.Feed.ListFeed(cmd.Context(), args[0], cursor, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), page)
			}

			out := cmd.OutOrStdout()
			if len(page.Items) == 0 {
				fmt.Fprintf(out, "Feed %s is empty.\n", args[0])
				return nil
			}
			formatter := transcript.NewFormatter(terminalWidth(out))
			for _, item := range page.Items {
				fmt.Fprintln(out, formatter.FormatFeedItem(item))
			}
			if page.HasMore {
				fmt.Fprintf(out, "-- more: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of items (default 50)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Continue from a previous page")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of text")

	return cmd
}
