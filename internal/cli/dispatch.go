package cli

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/plaenen/exactlyonce/pkg/dispatch"
	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/plaenen/exactlyonce/pkg/idgen"
	"github.com/plaenen/exactlyonce/pkg/runtime/coordinator"
	"github.com/spf13/cobra"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	ScopeID       string
	Operation     string
	NodeIDs       []int
	Payload       string
	PayloadBase64 bool
	CorrelationID string
	Timeout       time.Duration
}

// DispatchResult is the outcome for one node.
type DispatchResult struct {
	ScopeID       string `json:"scope_id"`
	Operation     string `json:"operation"`
	CorrelationID string `json:"correlation_id"`
	NodeID        int    `json:"node_id"`
	Response      []byte `json:"response"`
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send one command to one or more nodes and print the responses",
		Long: `Send one command to one or more nodes and wait for their responses.

Reusing a correlation id retries the same attempt: a completed attempt is
answered from the local command store without contacting the node.

Examples:
  exactlyonce dispatch --scope E1 --operation GENERATE_KEYS --node 1 --payload P
  exactlyonce dispatch --scope E1 --operation GENERATE_KEYS --node 1,2,3,4 --correlation-id c1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ScopeID, "scope", "", "scope id, e.g. an election event id (required)")
	cmd.Flags().StringVar(&opts.Operation, "operation", "", "operation name (required)")
	cmd.Flags().IntSliceVar(&opts.NodeIDs, "node", nil, "target node ids (required)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "request payload")
	cmd.Flags().BoolVar(&opts.PayloadBase64, "base64", false, "payload is base64 encoded")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation-id", "", "correlation id; generated when empty")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", rootOpts.Config.ResponseTimeout, "reply timeout per node")
	_ = cmd.MarkFlagRequired("scope")
	_ = cmd.MarkFlagRequired("operation")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

func runDispatch(cmd *cobra.Command, opts *DispatchOptions) error {
	ctx := cmd.Context()

	op, err := domain.ParseOperation(opts.Operation)
	if err != nil {
		return err
	}
	payload := []byte(opts.Payload)
	if opts.PayloadBase64 {
		if payload, err = base64.StdEncoding.DecodeString(opts.Payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}

	tel, shutdown, err := opts.telemetry(ctx, "exactlyonce-coordinator")
	if err != nil {
		return err
	}
	defer shutdown()

	transport, err := opts.transportConfig(ctx)
	if err != nil {
		return err
	}
	coord := coordinator.New(transport,
		coordinator.WithLogger(opts.logger),
		coordinator.WithTelemetry(tel),
		coordinator.WithStoreOptions(opts.storeOptions()...),
		coordinator.WithDispatcherOptions(dispatch.WithTimeout(opts.Timeout)),
	)
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop(ctx)

	d := coord.Dispatcher()
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = idgen.NewCorrelationID()
	}

	responses, err := d.Broadcast(ctx, dispatch.BroadcastCommand{
		ScopeID:       opts.ScopeID,
		Operation:     op,
		NodeIDs:       opts.NodeIDs,
		Payload:       payload,
		CorrelationID: correlationID,
		Timeout:       opts.Timeout,
	})
	if err != nil {
		if domain.IsRetryable(err) {
			return fmt.Errorf("%w (retry with --correlation-id %s)", err, correlationID)
		}
		return err
	}

	results := make([]DispatchResult, 0, len(responses))
	for nodeID, response := range responses {
		results = append(results, DispatchResult{
			ScopeID:       opts.ScopeID,
			Operation:     string(op),
			CorrelationID: correlationID,
			NodeID:        nodeID,
			Response:      response,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].NodeID < results[j].NodeID })

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), results)
	}
	for _, r := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "node %d  %s  %s\n", r.NodeID, r.CorrelationID, hex.EncodeToString(r.Response))
	}
	return nil
}
