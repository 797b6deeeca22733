// Package node runs a control-component node as a runner.Service: its own
// command store and engine, a responder, and a JetStream command consumer.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plaenen/exactlyonce/pkg/dispatch"
	"github.com/plaenen/exactlyonce/pkg/idempotency"
	"github.com/plaenen/exactlyonce/pkg/middleware"
	natstransport "github.com/plaenen/exactlyonce/pkg/nats"
	"github.com/plaenen/exactlyonce/pkg/observability"
	"github.com/plaenen/exactlyonce/pkg/runner"
	"github.com/plaenen/exactlyonce/pkg/store/sqlite"
)

// Service is one node.
type Service struct {
	nodeID    int
	transport natstransport.Config
	url       func() string
	logger    *slog.Logger
	telemetry *observability.Telemetry
	register  func(*dispatch.Responder)

	storeOptions  []sqlite.Option
	engineOptions []idempotency.Option

	store     *sqlite.Store
	bus       *natstransport.Transport
	responder *dispatch.Responder
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTelemetry traces and measures the node's engine.
func WithTelemetry(t *observability.Telemetry) Option {
	return func(s *Service) {
		s.telemetry = t
	}
}

// WithHandlers registers the node's operations on its responder.
func WithHandlers(register func(*dispatch.Responder)) Option {
	return func(s *Service) {
		s.register = register
	}
}

// WithStoreOptions configures the node's command store.
func WithStoreOptions(opts ...sqlite.Option) Option {
	return func(s *Service) {
		s.storeOptions = append(s.storeOptions, opts...)
	}
}

// WithEngineOptions configures the node's engine.
func WithEngineOptions(opts ...idempotency.Option) Option {
	return func(s *Service) {
		s.engineOptions = append(s.engineOptions, opts...)
	}
}

// WithURL resolves the broker URL at start, for brokers started by an
// earlier service.
func WithURL(url func() string) Option {
	return func(s *Service) {
		s.url = url
	}
}

// New creates the node service.
func New(nodeID int, transport natstransport.Config, opts ...Option) *Service {
	s := &Service{
		nodeID:    nodeID,
		transport: transport,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("node_id", nodeID)
	return s
}

func (s *Service) Name() string {
	return fmt.Sprintf("node-%d", s.nodeID)
}

func (s *Service) Start(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, s.telemetry.Tracer(), "node.Start")
	defer func() { observability.EndSpan(span, err) }()

	defer func() {
		if err != nil {
			s.close()
		}
	}()

	s.store, err = sqlite.Open(ctx, append([]sqlite.Option{sqlite.WithLogger(s.logger)}, s.storeOptions...)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	engine, err := idempotency.NewEngine(s.store, append([]idempotency.Option{
		idempotency.WithLogger(s.logger),
		idempotency.WithMetrics(s.telemetry.RecordMetrics()),
		idempotency.WithTracer(s.telemetry.Tracer()),
	}, s.engineOptions...)...)
	if err != nil {
		return err
	}

	cfg := s.transport
	if s.url != nil {
		cfg.URL = s.url()
	}
	if cfg.Name == "" {
		cfg.Name = s.Name()
	}
	cfg.Logger = s.logger
	cfg.Metrics = s.telemetry.RecordMetrics()
	s.bus, err = natstransport.Connect(ctx, cfg)
	if err != nil {
		return err
	}

	s.responder, err = dispatch.NewResponder(s.nodeID, engine, s.bus,
		dispatch.WithResponderLogger(s.logger),
		dispatch.WithMiddleware(
			middleware.Recovery(s.logger),
			middleware.Tracing(s.telemetry.Tracer()),
			middleware.Logging(s.logger),
		))
	if err != nil {
		return err
	}
	if s.register != nil {
		s.register(s.responder)
	}
	if len(s.responder.Operations()) == 0 {
		return errors.New("node has no handlers")
	}

	if err := s.bus.ConsumeCommands(s.nodeID, s.responder.HandleCommand); err != nil {
		return err
	}
	s.logger.Info("node started", "operations", s.responder.Operations(), "nats", s.bus.ConnectedURL())
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	err := s.close()
	s.logger.Info("node stopped")
	return err
}

func (s *Service) close() error {
	var errs []error
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
		s.bus = nil
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
		s.store = nil
	}
	return errors.Join(errs...)
}

// HealthCheck reports a lost broker connection.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.bus == nil || !s.bus.IsConnected() {
		return errors.New("not connected to NATS")
	}
	return nil
}

// Store returns the node's command store once started.
func (s *Service) Store() *sqlite.Store {
	return s.store
}

var _ runner.HealthChecker = (*Service)(nil)
