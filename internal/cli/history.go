package cli

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/plaenen/exactlyonce/pkg/idempotency"
	"github.com/plaenen/exactlyonce/pkg/store/sqlite"
	"github.com/spf13/cobra"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	ScopeID   string
	Operation string
	NodeID    int
}

// HistoryRecord is one attempt as printed.
type HistoryRecord struct {
	CorrelationID  string     `json:"correlation_id"`
	RequestDigest  string     `json:"request_digest"`
	RequestedAt    time.Time  `json:"requested_at"`
	Completed      bool       `json:"completed"`
	ResponseDigest string     `json:"response_digest,omitempty"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
	Version        int64      `json:"version"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List every attempt of one logical command",
		Long: `List the attempts recorded for a scope, operation and node, across all
correlation ids, oldest first.

Examples:
  exactlyonce history --db coordinator.db --scope E1 --operation GENERATE_KEYS --node 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ScopeID, "scope", "", "scope id (required)")
	cmd.Flags().StringVar(&opts.Operation, "operation", "", "operation name (required)")
	cmd.Flags().IntVar(&opts.NodeID, "node", 0, "node id")
	_ = cmd.MarkFlagRequired("scope")
	_ = cmd.MarkFlagRequired("operation")
	return cmd
}

func runHistory(cmd *cobra.Command, opts *HistoryOptions) error {
	ctx := cmd.Context()

	op, err := domain.ParseOperation(opts.Operation)
	if err != nil {
		return err
	}

	st, err := sqlite.Open(ctx, append(opts.storeOptions(), sqlite.WithAutoMigrate(false))...)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := idempotency.NewEngine(st, idempotency.WithLogger(opts.logger))
	if err != nil {
		return err
	}
	records, err := engine.History(ctx, domain.SemanticKey{ScopeID: opts.ScopeID, Operation: op, NodeID: opts.NodeID})
	if err != nil {
		return err
	}

	out := make([]HistoryRecord, 0, len(records))
	for _, r := range records {
		h := HistoryRecord{
			CorrelationID: r.Identity.CorrelationID,
			RequestDigest: hex.EncodeToString(r.RequestDigest),
			RequestedAt:   r.RequestedAt,
			Completed:     r.Completed(),
			Version:       r.Version,
		}
		if h.Completed {
			respondedAt := r.RespondedAt
			h.ResponseDigest = hex.EncodeToString(r.ResponseDigest)
			h.RespondedAt = &respondedAt
		}
		out = append(out, h)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), out)
	}
	if len(out) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No attempts recorded.")
		return nil
	}
	for _, h := range out {
		status := "pending"
		if h.Completed {
			status = "completed"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %-9s  v%d  request=%s\n",
			h.RequestedAt.Format(time.RFC3339), h.CorrelationID, status, h.Version, h.RequestDigest[:16])
	}
	return nil
}
