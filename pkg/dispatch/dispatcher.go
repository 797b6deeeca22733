package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/exactlyonce/pkg/correlation"
	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/plaenen/exactlyonce/pkg/hashing"
	"github.com/plaenen/exactlyonce/pkg/idempotency"
	"github.com/plaenen/exactlyonce/pkg/idgen"
	"github.com/plaenen/exactlyonce/pkg/observability"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"
)

// DefaultTimeout bounds the wait for a node reply.
const DefaultTimeout = 30 * time.Second

type dispatcherConfig struct {
	timeout          time.Duration
	logger           *slog.Logger
	metrics          *observability.Metrics
	tracer           trace.Tracer
	newCorrelationID func() string
}

// Option configures a Dispatcher.
type Option func(*dispatcherConfig)

// WithTimeout sets the reply timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *dispatcherConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *dispatcherConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records round trips and dead letters on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *dispatcherConfig) {
		c.metrics = m
	}
}

// WithTracer traces every dispatch.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *dispatcherConfig) {
		c.tracer = tracer
	}
}

// WithCorrelationIDs replaces the generator used for commands without a
// correlation id.
func WithCorrelationIDs(gen func() string) Option {
	return func(c *dispatcherConfig) {
		if gen != nil {
			c.newCorrelationID = gen
		}
	}
}

// Dispatcher is the coordinator side of the boundary. Every dispatch is
// guarded by the coordinator's own engine, so a repeated command is answered
// from the store without a second message to the node. The engine should be
// built with idempotency.WithDetachedCompute so that concurrent dispatches do
// not queue behind each other's reply wait.
type Dispatcher struct {
	engine    *idempotency.Engine
	registry  *correlation.Registry
	transport Transport
	config    dispatcherConfig
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(engine *idempotency.Engine, registry *correlation.Registry, transport Transport, opts ...Option) (*Dispatcher, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	cfg := dispatcherConfig{
		timeout:          DefaultTimeout,
		logger:           slog.Default(),
		newCorrelationID: idgen.NewCorrelationID,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Dispatcher{
		engine:    engine,
		registry:  registry,
		transport: transport,
		config:    cfg,
	}, nil
}

// Identity returns the identity cmd will be dispatched under, generating a
// correlation id when the command has none.
func (d *Dispatcher) Identity(cmd Command) domain.CommandIdentity {
	correlationID := cmd.CorrelationID
	if correlationID == "" {
		correlationID = d.config.newCorrelationID()
	}
	return domain.CommandIdentity{
		ScopeID:       cmd.ScopeID,
		Operation:     cmd.Operation,
		CorrelationID: correlationID,
		NodeID:        cmd.NodeID,
	}
}

// Dispatch sends cmd to its node and waits for the reply.
//
// A command whose identity already completed is answered from the store. A
// command that reuses an identity with a different payload is dead-lettered
// and fails with domain.ErrConflictingDuplicate. A missing reply fails with
// domain.ErrResponseTimeout and may be retried.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) ([]byte, error) {
	id := d.Identity(cmd)
	return d.dispatch(ctx, id, cmd.Payload, cmd.Timeout)
}

func (d *Dispatcher) dispatch(ctx context.Context, id domain.CommandIdentity, payload []byte, timeout time.Duration) (response []byte, err error) {
	ctx, span := observability.StartSpan(ctx, d.config.tracer, "dispatch",
		observability.WithAttributes(observability.CommandAttrs(id.ScopeID, string(id.Operation), id.CorrelationID, id.NodeID)...))
	defer func() { observability.EndSpan(span, err) }()

	if timeout <= 0 {
		timeout = d.config.timeout
	}

	response, err = d.engine.Execute(ctx, id, payload, func(ctx context.Context) ([]byte, error) {
		return d.roundTrip(ctx, id, payload, timeout)
	})

	var conflict *domain.ConflictingDuplicateError
	if errors.As(err, &conflict) {
		dl := DeadLetter{
			Message: Message{
				Kind:      KindCommand,
				Identity:  id,
				Payload:   payload,
				MessageID: idgen.NewMessageID(),
				SentAt:    domain.Now(),
			},
			Reason: conflict.Error(),
			Code:   domain.FailureConflictingDuplicate,
		}
		if dlErr := d.deadLetter(ctx, dl); dlErr != nil {
			d.config.logger.ErrorContext(ctx, "dead-letter failed", "correlation_id", id.CorrelationID, "error", dlErr)
		}
	}
	return response, err
}

// roundTrip registers the waiter before sending so that a fast reply cannot
// arrive unobserved.
func (d *Dispatcher) roundTrip(ctx context.Context, id domain.CommandIdentity, payload []byte, timeout time.Duration) ([]byte, error) {
	start := time.Now()
	waiter, err := d.registry.Register(correlation.KeyOf(id))
	if err != nil {
		return nil, err
	}
	defer waiter.Cancel()

	msg := Message{
		Kind:      KindCommand,
		Identity:  id,
		Payload:   payload,
		MessageID: idgen.NewMessageID(),
		SentAt:    domain.Now(),
	}
	if err := d.transport.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("send %s: %w", id, err)
	}
	d.config.logger.DebugContext(ctx, "command sent",
		"scope_id", id.ScopeID, "operation", id.Operation, "correlation_id", id.CorrelationID,
		"node_id", id.NodeID, "message_id", msg.MessageID)

	response, err := waiter.Wait(ctx, timeout)
	d.config.metrics.RecordDispatch(ctx, string(id.Operation), id.NodeID, time.Since(start), errors.Is(err, domain.ErrResponseTimeout))
	return response, err
}

// Call is a dispatch running in the background.
type Call struct {
	Identity domain.CommandIdentity

	done     chan struct{}
	response []byte
	err      error
}

// Done is closed when the call finished.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call finished.
func (c *Call) Wait() ([]byte, error) {
	<-c.done
	return c.response, c.err
}

// DispatchAsync starts Dispatch in the background. The identity is fixed
// before it returns, so the caller can retry with Call.Identity.
func (d *Dispatcher) DispatchAsync(ctx context.Context, cmd Command) *Call {
	call := &Call{
		Identity: d.Identity(cmd),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(call.done)
		call.response, call.err = d.dispatch(ctx, call.Identity, cmd.Payload, cmd.Timeout)
	}()
	return call
}

// DispatchMessage dispatches a protobuf request and decodes the reply into
// resp. The request is encoded deterministically so that a retry produces
// the same digest.
func (d *Dispatcher) DispatchMessage(ctx context.Context, cmd Command, req, resp proto.Message) error {
	payload, err := hashing.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	cmd.Payload = payload

	raw, err := d.Dispatch(ctx, cmd)
	if err != nil {
		return err
	}
	if err := proto.Unmarshal(raw, resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Broadcast dispatches the same request to every node concurrently. Each
// node is guarded under its own identity. The first failure cancels the
// remaining dispatches.
func (d *Dispatcher) Broadcast(ctx context.Context, cmd BroadcastCommand) (map[int][]byte, error) {
	if len(cmd.NodeIDs) == 0 {
		return nil, domain.NewInvalidCommandError("node_id", "broadcast without nodes")
	}
	correlationID := cmd.CorrelationID
	if correlationID == "" {
		correlationID = d.config.newCorrelationID()
	}

	var (
		mu      sync.Mutex
		results = make(map[int][]byte, len(cmd.NodeIDs))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, nodeID := range cmd.NodeIDs {
		id := domain.CommandIdentity{
			ScopeID:       cmd.ScopeID,
			Operation:     cmd.Operation,
			CorrelationID: correlationID,
			NodeID:        nodeID,
		}
		g.Go(func() error {
			response, err := d.dispatch(gctx, id, cmd.Payload, cmd.Timeout)
			if err != nil {
				return fmt.Errorf("node %d: %w", id.NodeID, err)
			}
			mu.Lock()
			results[id.NodeID] = response
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// HandleReply routes a message received from a node to its waiter. Error
// replies are dead-lettered and fail the waiter with *domain.RemoteError.
func (d *Dispatcher) HandleReply(ctx context.Context, msg Message) error {
	key := correlation.KeyOf(msg.Identity)

	switch msg.Kind {
	case KindReply:
		if !d.registry.Complete(key, msg.Payload) {
			d.config.logger.InfoContext(ctx, "late or unknown reply discarded",
				"correlation_id", key.CorrelationID, "node_id", key.NodeID)
		}
		return nil

	case KindError:
		failure := Failure{Code: domain.FailureRemote}
		if msg.Failure != nil {
			failure = *msg.Failure
		}
		remote := &domain.RemoteError{Identity: msg.Identity, Code: failure.Code, Message: failure.Message}

		if err := d.deadLetter(ctx, DeadLetter{Message: msg, Reason: failure.Message, Code: failure.Code}); err != nil {
			d.config.logger.ErrorContext(ctx, "dead-letter failed", "correlation_id", key.CorrelationID, "error", err)
		}
		if !d.registry.Fail(key, remote) {
			d.config.logger.InfoContext(ctx, "late or unknown error reply discarded",
				"correlation_id", key.CorrelationID, "node_id", key.NodeID, "code", failure.Code)
		}
		return nil

	default:
		return domain.NewInvalidCommandError("kind", "coordinator cannot handle %q messages", msg.Kind)
	}
}

// History lists the coordinator's attempts for a semantic key.
func (d *Dispatcher) History(ctx context.Context, key domain.SemanticKey) ([]*domain.CommandRecord, error) {
	return d.engine.History(ctx, key)
}

func (d *Dispatcher) deadLetter(ctx context.Context, dl DeadLetter) error {
	d.config.metrics.RecordDeadLetter(ctx, string(dl.Message.Identity.Operation), dl.Code)
	d.config.logger.WarnContext(ctx, "dead-lettering message",
		"scope_id", dl.Message.Identity.ScopeID,
		"operation", dl.Message.Identity.Operation,
		"correlation_id", dl.Message.Identity.CorrelationID,
		"node_id", dl.Message.Identity.NodeID,
		"code", dl.Code,
		"reason", dl.Reason)
	return d.transport.DeadLetter(ctx, dl)
}
