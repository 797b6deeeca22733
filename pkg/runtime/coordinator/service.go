// Package coordinator runs the coordinator side as a runner.Service: its own
// command store and engine, the correlation registry, a dispatcher, and the
// reply and dead-letter consumers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plaenen/exactlyonce/pkg/correlation"
	"github.com/plaenen/exactlyonce/pkg/dispatch"
	"github.com/plaenen/exactlyonce/pkg/idempotency"
	natstransport "github.com/plaenen/exactlyonce/pkg/nats"
	"github.com/plaenen/exactlyonce/pkg/observability"
	"github.com/plaenen/exactlyonce/pkg/runner"
	"github.com/plaenen/exactlyonce/pkg/store/sqlite"
)

// Service is the coordinator.
type Service struct {
	transport natstransport.Config
	url       func() string
	logger    *slog.Logger
	telemetry *observability.Telemetry

	storeOptions      []sqlite.Option
	engineOptions     []idempotency.Option
	dispatcherOptions []dispatch.Option
	onDeadLetter      natstransport.DeadLetterHandler

	store      *sqlite.Store
	registry   *correlation.Registry
	bus        *natstransport.Transport
	dispatcher *dispatch.Dispatcher
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

// WithTelemetry traces and measures dispatches.
func WithTelemetry(t *observability.Telemetry) Option {
	return func(s *Service) {
		s.telemetry = t
	}
}

// WithStoreOptions configures the coordinator's command store.
func WithStoreOptions(opts ...sqlite.Option) Option {
	return func(s *Service) {
		s.storeOptions = append(s.storeOptions, opts...)
	}
}

// WithEngineOptions configures the coordinator's engine.
func WithEngineOptions(opts ...idempotency.Option) Option {
	return func(s *Service) {
		s.engineOptions = append(s.engineOptions, opts...)
	}
}

// WithDispatcherOptions configures the dispatcher.
func WithDispatcherOptions(opts ...dispatch.Option) Option {
	return func(s *Service) {
		s.dispatcherOptions = append(s.dispatcherOptions, opts...)
	}
}

// WithDeadLetterHandler receives every dead letter. Without it dead letters
// are logged.
func WithDeadLetterHandler(h natstransport.DeadLetterHandler) Option {
	return func(s *Service) {
		s.onDeadLetter = h
	}
}

// WithURL resolves the broker URL at start.
func WithURL(url func() string) Option {
	return func(s *Service) {
		s.url = url
	}
}

// New creates the coordinator service.
func New(transport natstransport.Config, opts ...Option) *Service {
	s := &Service{
		transport: transport,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "coordinator")
	if s.onDeadLetter == nil {
		s.onDeadLetter = s.logDeadLetter
	}
	return s
}

func (s *Service) Name() string {
	return "coordinator"
}

func (s *Service) Start(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, s.telemetry.Tracer(), "coordinator.Start")
	defer func() { observability.EndSpan(span, err) }()

	defer func() {
		if err != nil {
			s.close()
		}
	}()

	metrics := s.telemetry.RecordMetrics()

	s.store, err = sqlite.Open(ctx, append([]sqlite.Option{sqlite.WithLogger(s.logger)}, s.storeOptions...)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	engine, err := idempotency.NewEngine(s.store, append([]idempotency.Option{
		// the reply wait must not hold the store lock
		idempotency.WithDetachedCompute(true),
		idempotency.WithLogger(s.logger),
		idempotency.WithMetrics(metrics),
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
	cfg.Metrics = metrics
	s.bus, err = natstransport.Connect(ctx, cfg)
	if err != nil {
		return err
	}

	s.registry = correlation.NewRegistry(correlation.WithLogger(s.logger), correlation.WithMetrics(metrics))
	s.dispatcher, err = dispatch.NewDispatcher(engine, s.registry, s.bus, append([]dispatch.Option{
		dispatch.WithLogger(s.logger),
		dispatch.WithMetrics(metrics),
		dispatch.WithTracer(s.telemetry.Tracer()),
	}, s.dispatcherOptions...)...)
	if err != nil {
		return err
	}

	if err := s.bus.ConsumeReplies(s.dispatcher.HandleReply); err != nil {
		return err
	}
	if err := s.bus.ConsumeDeadLetters(s.onDeadLetter); err != nil {
		return err
	}
	s.logger.Info("coordinator started", "nats", s.bus.ConnectedURL())
	return nil
}

func (s *Service) logDeadLetter(ctx context.Context, dl dispatch.DeadLetter) error {
	s.logger.WarnContext(ctx, "dead letter",
		"scope_id", dl.Message.Identity.ScopeID,
		"operation", dl.Message.Identity.Operation,
		"correlation_id", dl.Message.Identity.CorrelationID,
		"node_id", dl.Message.Identity.NodeID,
		"kind", dl.Message.Kind,
		"code", dl.Code,
		"reason", dl.Reason)
	return nil
}

// Stop fails the pending dispatches and closes the connection and store.
func (s *Service) Stop(ctx context.Context) error {
	err := s.close()
	s.logger.Info("coordinator stopped")
	return err
}

func (s *Service) close() error {
	if s.registry != nil {
		s.registry.Close()
	}
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

// Dispatcher returns the dispatcher once started.
func (s *Service) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

var _ runner.HealthChecker = (*Service)(nil)
