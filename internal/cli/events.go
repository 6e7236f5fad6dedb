package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/helios/internal/eventlog"
	"github.com/iambrandonn/helios/internal/workspace"
)

func newEventsCommand(opts *globalOptions) *cobra.Command {
	var (
		typ    string
		runID  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnvironment(cmd, opts, false)
			if err != nil {
				return err
			}

			path := workspace.Layout{Root: env.cfg.StateRoot(env.cfgPath)}.EventsPath()
			records, err := eventlog.ReadAll(path, env.logger)
			if err != nil {
				return err
			}

			filtered := records[:0]
			for _, rec := range records {
				if typ != "" && string(rec.Type) != typ {
					continue
				}
				if runID != "" && rec.RunID != runID {
					continue
				}
				filtered = append(filtered, rec)
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), filtered)
			}
			for _, rec := range filtered {
				line := fmt.Sprintf("%s %-22s", rec.At.UTC().Format(time.RFC3339), rec.Type)
				if rec.RunID != "" {
					line += " run=" + rec.RunID
				}
				if rec.InteractionRequestID != "" {
					line += " interaction=" + rec.InteractionRequestID
				}
				if rec.CardID != "" {
					line += " card=" + rec.CardID
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&typ, "type", "", "Only records of this type (e.g. run.ended)")
	cmd.Flags().StringVar(&runID, "run", "", "Only records for this run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of text")

	return cmd
}
