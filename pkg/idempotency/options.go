package idempotency

import (
	"log/slog"
	"time"

	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/plaenen/exactlyonce/pkg/hashing"
	"github.com/plaenen/exactlyonce/pkg/observability"
	"go.opentelemetry.io/otel/trace"
)

type config struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	requests  hashing.Hasher
	responses hashing.Hasher

	// maxAttempts bounds how often a guard restarts after losing an insert race.
	maxAttempts int
	backoff     time.Duration

	semanticReplay  bool
	detachedCompute bool
	now             func() time.Time
}

func defaultConfig() config {
	return config{
		logger:      slog.Default(),
		requests:    hashing.Requests(),
		responses:   hashing.Responses(),
		maxAttempts: 4,
		backoff:     10 * time.Millisecond,
		now:         domain.Now,
	}
}

// Option configures an Engine.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records guard outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithTracer wraps every guard in a span.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *config) {
		c.tracer = tracer
	}
}

// WithRequestHasher replaces the request digest function.
func WithRequestHasher(h hashing.Hasher) Option {
	return func(c *config) {
		if h != nil {
			c.requests = h
		}
	}
}

// WithResponseHasher replaces the response digest function.
func WithResponseHasher(h hashing.Hasher) Option {
	return func(c *config) {
		if h != nil {
			c.responses = h
		}
	}
}

// WithMaxAttempts bounds the guard restarts after a duplicate insert.
func WithMaxAttempts(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the first restart delay. It doubles on every restart.
func WithBackoff(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.backoff = d
		}
	}
}

// WithSemanticReplay lets an absent identity reuse the response of a
// completed attempt with the same scope, operation, node and request.
func WithSemanticReplay(enabled bool) Option {
	return func(c *config) {
		c.semanticReplay = enabled
	}
}

// WithDetachedCompute runs caching-mode computations outside the store
// transaction. The identity is claimed in one transaction and completed in a
// second, so a long computation such as a remote round trip does not hold
// the store's write lock. A claim left without a response by a failed
// computation is completed by the next call with the same request.
func WithDetachedCompute(enabled bool) Option {
	return func(c *config) {
		c.detachedCompute = enabled
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}
