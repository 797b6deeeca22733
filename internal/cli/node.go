package cli

import (
	"github.com/plaenen/exactlyonce/pkg/idempotency"
	natstransport "github.com/plaenen/exactlyonce/pkg/nats"
	"github.com/plaenen/exactlyonce/pkg/runner"
	"github.com/plaenen/exactlyonce/pkg/runtime/embeddednats"
	"github.com/plaenen/exactlyonce/pkg/runtime/node"
	"github.com/spf13/cobra"
)

// NewNodeCommand creates the node command.
func NewNodeCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a control-component node",
		Long: `Run a control-component node that answers commands addressed to its node id.

Every command is guarded by the node's own command store: a redelivered
command is answered with the stored response and never computed twice.

Examples:
  exactlyonce node --node-id 1 --db node1.db
  exactlyonce node --node-id 1 --embedded-nats`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := opts.Config

			tel, shutdown, err := opts.telemetry(ctx, "exactlyonce-node")
			if err != nil {
				return err
			}
			defer shutdown()

			transport, err := opts.transportConfig(ctx)
			if err != nil {
				return err
			}

			var services []runner.Service
			nodeOpts := []node.Option{
				node.WithLogger(opts.logger),
				node.WithTelemetry(tel),
				node.WithHandlers(ReferenceHandlers(opts.logger)),
				node.WithStoreOptions(opts.storeOptions()...),
				node.WithEngineOptions(idempotency.WithSemanticReplay(cfg.SemanticReplay)),
			}
			if cfg.EmbeddedNATS {
				var serverOpts []natstransport.Option
				if cfg.EmbeddedNATSDir != "" {
					serverOpts = append(serverOpts, natstransport.WithStoreDir(cfg.EmbeddedNATSDir))
				}
				broker := embeddednats.New(
					embeddednats.WithLogger(opts.logger),
					embeddednats.WithTracer(tel.Tracer()),
					embeddednats.WithNATSOptions(serverOpts...),
				)
				services = append(services, broker)
				nodeOpts = append(nodeOpts, node.WithURL(broker.URL))
			}
			services = append(services, node.New(cfg.NodeID, transport, nodeOpts...))

			return runner.New(services, runner.WithLogger(opts.logger)).Run(ctx)
		},
	}

	cmd.Flags().IntVar(&opts.Config.NodeID, "node-id", opts.Config.NodeID, "node id to answer for")
	cmd.Flags().BoolVar(&opts.Config.EmbeddedNATS, "embedded-nats", opts.Config.EmbeddedNATS, "start an in-process NATS server")
	cmd.Flags().StringVar(&opts.Config.EmbeddedNATSDir, "embedded-nats-dir", opts.Config.EmbeddedNATSDir, "JetStream storage directory of the embedded server")
	cmd.Flags().BoolVar(&opts.Config.SemanticReplay, "semantic-replay", opts.Config.SemanticReplay, "replay a completed attempt to a new correlation id with the same request")
	return cmd
}
