package cli

import (
	"errors"
	"fmt"

	"github.com/plaenen/exactlyonce/pkg/observability"
	"github.com/plaenen/exactlyonce/pkg/store/sqlite"
	"github.com/spf13/cobra"
)

// NewTraceCommand creates the trace command.
func NewTraceCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <trace-id>",
		Short: "Print the spans of one trace from the trace database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if opts.Config.TraceDBPath == "" {
				return errors.New("no trace database configured (set --trace-db or EXACTLYONCE_TRACE_DB_PATH)")
			}

			db, err := sqlite.Open(ctx, sqlite.WithDSN(opts.Config.TraceDBPath), sqlite.WithAutoMigrate(false))
			if err != nil {
				return err
			}
			defer db.Close()

			spans, err := observability.NewSpanStore(ctx, db.DB())
			if err != nil {
				return err
			}
			found, err := spans.Trace(ctx, args[0])
			if err != nil {
				return err
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), found)
			}
			if len(found) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No spans found.")
				return nil
			}
			for _, s := range found {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-24s  %8s  %s\n", s.SpanID, s.Name, s.End.Sub(s.Start), s.Status)
			}
			return nil
		},
	}
	return cmd
}
