// Package cli implements the exactlyonce command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/plaenen/exactlyonce/pkg/config"
	"github.com/plaenen/exactlyonce/pkg/credentials"
	natstransport "github.com/plaenen/exactlyonce/pkg/nats"
	"github.com/plaenen/exactlyonce/pkg/observability"
	"github.com/plaenen/exactlyonce/pkg/store/sqlite"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// ValidFormats are the output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds the settings shared by every command.
type RootOptions struct {
	Config config.Config
	Format string

	logger *slog.Logger
}

// NewRootCommand creates the root command. Environment variables provide
// defaults that flags override.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cfg, envErr := config.Load()
	opts.Config = cfg

	cmd := &cobra.Command{
		Use:           "exactlyonce",
		Short:         "Exactly-once command execution for control-component nodes",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if err := opts.Config.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			opts.logger = newLogger(cmd.ErrOrStderr(), opts.Config)
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	f.StringVar(&opts.Config.DBPath, "db", opts.Config.DBPath, "path to the SQLite command store")
	f.DurationVar(&opts.Config.DBBusyTimeout, "db-busy-timeout", opts.Config.DBBusyTimeout, "how long a store transaction waits for the lock")
	f.StringVar(&opts.Config.NATSURL, "nats-url", opts.Config.NATSURL, "NATS server URL")
	f.StringVar(&opts.Config.TraceDBPath, "trace-db", opts.Config.TraceDBPath, "SQLite database for exported spans")
	f.StringVar(&opts.Config.LogLevel, "log-level", opts.Config.LogLevel, "log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewNodeCommand(opts),
		NewDispatchCommand(opts),
		NewHistoryCommand(opts),
		NewMigrateCommand(opts),
		NewTraceCommand(opts),
	)
	return cmd
}

// Execute runs the root command.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level, _ := cfg.Level()
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func (o *RootOptions) storeOptions() []sqlite.Option {
	return []sqlite.Option{
		sqlite.WithDSN(o.Config.DBPath),
		sqlite.WithBusyTimeout(o.Config.DBBusyTimeout),
		sqlite.WithLogger(o.logger),
	}
}

// transportConfig builds the NATS settings, resolving broker credentials
// from the configured sources.
func (o *RootOptions) transportConfig(ctx context.Context) (natstransport.Config, error) {
	cfg := natstransport.DefaultConfig()
	cfg.URL = o.Config.NATSURL
	cfg.Stream = o.Config.Stream
	cfg.SubjectPrefix = o.Config.SubjectPrefix
	cfg.MaxDeliver = o.Config.MaxDeliver
	cfg.AckWait = o.Config.AckWait

	var providers []credentials.Provider
	if o.Config.SecretKeeperURL != "" {
		p, err := credentials.NewSecretProvider(ctx, o.Config.SecretKeeperURL, o.Config.SecretFile,
			credentials.WithLogger(o.logger))
		if err != nil {
			return cfg, err
		}
		providers = append(providers, p)
	}
	if o.Config.TokenEnv != "" {
		providers = append(providers, credentials.NewEnvTokenProvider(o.Config.TokenEnv, 0))
	}
	switch len(providers) {
	case 0:
	case 1:
		cfg.Credentials = providers[0]
	default:
		cfg.Credentials = credentials.NewChainProvider(providers...)
	}
	return cfg, nil
}

// telemetry sets up tracing into the trace database when one is configured.
func (o *RootOptions) telemetry(ctx context.Context, service string) (*observability.Telemetry, func(), error) {
	cfg := observability.Config{
		ServiceName:    service,
		ServiceVersion: Version,
		Logger:         o.logger,
	}
	var traceDB *sqlite.Store
	if o.Config.TraceDBPath != "" {
		var err error
		traceDB, err = sqlite.Open(ctx, sqlite.WithDSN(o.Config.TraceDBPath), sqlite.WithAutoMigrate(false), sqlite.WithLogger(o.logger))
		if err != nil {
			return nil, nil, fmt.Errorf("open trace database: %w", err)
		}
		spans, err := observability.NewSpanStore(ctx, traceDB.DB())
		if err != nil {
			traceDB.Close()
			return nil, nil, err
		}
		cfg.TraceExporter = spans
		cfg.TraceSampleRate = 1
	}

	tel, err := observability.Init(ctx, cfg)
	if err != nil {
		if traceDB != nil {
			traceDB.Close()
		}
		return nil, nil, err
	}
	return tel, func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			o.logger.Warn("telemetry shutdown failed", "error", err)
		}
		if traceDB != nil {
			traceDB.Close()
		}
	}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
