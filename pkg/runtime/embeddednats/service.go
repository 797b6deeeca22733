// Package embeddednats runs an in-process NATS server as a runner.Service,
// for single-host deployments and tests.
package embeddednats

import (
	"context"
	"fmt"
	"sync/atomic"

	natstransport "github.com/plaenen/exactlyonce/pkg/nats"
	"github.com/plaenen/exactlyonce/pkg/observability"
	"github.com/plaenen/exactlyonce/pkg/runner"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Service wraps an embedded NATS server.
type Service struct {
	server      atomic.Pointer[natstransport.EmbeddedServer]
	logger      runner.Logger
	tracer      trace.Tracer
	natsOptions []natstransport.Option
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger runner.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer traces start, stop and health checks.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithNATSOptions passes server options to StartEmbeddedServer.
func WithNATSOptions(opts ...natstransport.Option) Option {
	return func(s *Service) {
		s.natsOptions = opts
	}
}

// New creates the service. The server starts in Start.
func New(opts ...Option) *Service {
	s := &Service{logger: runner.NewNoopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string {
	return "embedded-nats"
}

func (s *Service) Start(ctx context.Context) (err error) {
	_, span := observability.StartSpan(ctx, s.tracer, "embeddednats.Start")
	defer func() { observability.EndSpan(span, err) }()

	srv, err := natstransport.StartEmbeddedServer(s.natsOptions...)
	if err != nil {
		s.logger.Error("failed to start embedded NATS", "error", err)
		return fmt.Errorf("start embedded NATS: %w", err)
	}
	s.server.Store(srv)

	span.SetAttributes(attribute.String("nats.url", srv.URL()))
	s.logger.Info("embedded NATS server started", "url", srv.URL())
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	_, span := observability.StartSpan(ctx, s.tracer, "embeddednats.Stop")
	defer span.End()

	if srv := s.server.Load(); srv != nil {
		srv.Shutdown()
		s.logger.Info("embedded NATS server stopped")
	}
	return nil
}

// HealthCheck connects to the server.
func (s *Service) HealthCheck(ctx context.Context) (err error) {
	_, span := observability.StartSpan(ctx, s.tracer, "embeddednats.HealthCheck")
	defer func() { observability.EndSpan(span, err) }()

	srv := s.server.Load()
	if srv == nil {
		return fmt.Errorf("nats server not started")
	}
	nc, err := natstransport.ConnectToEmbedded(srv)
	if err != nil {
		return fmt.Errorf("nats server not responsive: %w", err)
	}
	nc.Close()
	return nil
}

// URL returns the client URL once started.
func (s *Service) URL() string {
	if srv := s.server.Load(); srv != nil {
		return srv.URL()
	}
	return ""
}

// Server returns the running server, or nil before Start.
func (s *Service) Server() *natstransport.EmbeddedServer {
	return s.server.Load()
}

var _ runner.HealthChecker = (*Service)(nil)
