package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/plaenen/exactlyonce/pkg/idempotency"
	"github.com/plaenen/exactlyonce/pkg/idgen"
)

// HandlerFunc computes the response of one command on a node.
type HandlerFunc func(ctx context.Context, id domain.CommandIdentity, payload []byte) ([]byte, error)

// Middleware wraps a HandlerFunc.
type Middleware func(HandlerFunc) HandlerFunc

type handler struct {
	compute HandlerFunc

	// guard-only handlers
	once   HandlerFunc
	replay HandlerFunc
}

// Responder is the node side of the boundary. It runs each command through
// the node's own engine and answers with a reply or an error reply.
type Responder struct {
	nodeID    int
	engine    *idempotency.Engine
	transport Transport
	logger    *slog.Logger
	wrap      []Middleware

	mu       sync.RWMutex
	handlers map[domain.Operation]handler
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithResponderLogger sets the logger.
func WithResponderLogger(logger *slog.Logger) ResponderOption {
	return func(r *Responder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMiddleware wraps every handler registered afterwards. The first
// middleware is outermost.
func WithMiddleware(mws ...Middleware) ResponderOption {
	return func(r *Responder) {
		r.wrap = append(r.wrap, mws...)
	}
}

// NewResponder creates a responder for nodeID.
func NewResponder(nodeID int, engine *idempotency.Engine, transport Transport, opts ...ResponderOption) (*Responder, error) {
	if nodeID < 0 {
		return nil, fmt.Errorf("node id must not be negative")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	r := &Responder{
		nodeID:    nodeID,
		engine:    engine,
		transport: transport,
		logger:    slog.Default(),
		handlers:  make(map[domain.Operation]handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("node_id", nodeID)
	return r, nil
}

// NodeID returns the node this responder answers for.
func (r *Responder) NodeID() int {
	return r.nodeID
}

// Handle registers a handler whose response is stored and replayed.
func (r *Responder) Handle(op domain.Operation, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[op] = handler{compute: r.wrapped(fn)}
}

// HandleOnce registers a guard-only handler. action runs at most once per
// scope and correlation id; duplicates are answered by replay.
func (r *Responder) HandleOnce(op domain.Operation, action, replay HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := handler{once: r.wrapped(action)}
	if replay != nil {
		h.replay = r.wrapped(replay)
	}
	r.handlers[op] = h
}

func (r *Responder) wrapped(fn HandlerFunc) HandlerFunc {
	for i := len(r.wrap) - 1; i >= 0; i-- {
		fn = r.wrap[i](fn)
	}
	return fn
}

// Operations returns the registered operations.
func (r *Responder) Operations() []domain.Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]domain.Operation, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	return ops
}

// HandleCommand processes one command message. Failures the caller must see
// are sent back as error replies and return nil. Storage and transport
// errors are returned so the message is redelivered.
func (r *Responder) HandleCommand(ctx context.Context, msg Message) error {
	if msg.Kind != KindCommand {
		return r.fail(ctx, msg.Identity, domain.FailureInvalidMessage, fmt.Sprintf("node cannot handle %q messages", msg.Kind))
	}
	if err := msg.Identity.Validate(); err != nil {
		return r.fail(ctx, msg.Identity, domain.FailureInvalidMessage, err.Error())
	}
	if msg.Identity.NodeID != r.nodeID {
		return r.fail(ctx, msg.Identity, domain.FailureWrongNode,
			fmt.Sprintf("command for node %d delivered to node %d", msg.Identity.NodeID, r.nodeID))
	}

	r.mu.RLock()
	h, ok := r.handlers[msg.Identity.Operation]
	r.mu.RUnlock()
	if !ok {
		return r.fail(ctx, msg.Identity, domain.FailureUnknownOperation,
			fmt.Sprintf("no handler for %s", msg.Identity.Operation))
	}

	id := msg.Identity
	var (
		response []byte
		err      error
	)
	if h.compute != nil {
		response, err = r.engine.Execute(ctx, id, msg.Payload, func(ctx context.Context) ([]byte, error) {
			return h.compute(ctx, id, msg.Payload)
		})
	} else {
		var replay idempotency.ReplayFunc
		if h.replay != nil {
			replay = func(ctx context.Context) ([]byte, error) {
				return h.replay(ctx, id, msg.Payload)
			}
		}
		response, err = r.engine.ExecuteOnce(ctx, ExecutionID(id), msg.Payload, func(ctx context.Context) ([]byte, error) {
			return h.once(ctx, id, msg.Payload)
		}, replay)
	}

	switch {
	case err == nil:
		return r.send(ctx, Message{Kind: KindReply, Identity: id, Payload: response})
	case errors.Is(err, domain.ErrConflictingDuplicate):
		return r.fail(ctx, id, domain.FailureConflictingDuplicate, err.Error())
	case errors.Is(err, domain.ErrComputationFailed):
		return r.fail(ctx, id, domain.FailureComputationFailed, err.Error())
	case errors.Is(err, domain.ErrInvalidCommand):
		return r.fail(ctx, id, domain.FailureInvalidMessage, err.Error())
	default:
		r.logger.ErrorContext(ctx, "command not processed, awaiting redelivery",
			"correlation_id", id.CorrelationID, "operation", id.Operation, "error", err)
		return fmt.Errorf("handle %s: %w", id, err)
	}
}

// ExecutionID is the guard-only key of a command: one execution per
// operation, scope and correlation id. The scope is length-prefixed since
// both parts may contain the separator.
func ExecutionID(id domain.CommandIdentity) domain.ExecutionID {
	return domain.ExecutionID{
		Context: string(id.Operation),
		Key:     fmt.Sprintf("%d:%s/%s", len(id.ScopeID), id.ScopeID, id.CorrelationID),
	}
}

func (r *Responder) fail(ctx context.Context, id domain.CommandIdentity, code, reason string) error {
	r.logger.WarnContext(ctx, "answering with error reply",
		"scope_id", id.ScopeID, "operation", id.Operation, "correlation_id", id.CorrelationID,
		"code", code, "reason", reason)
	return r.send(ctx, Message{
		Kind:     KindError,
		Identity: id,
		Failure:  &Failure{Code: code, Message: reason},
	})
}

func (r *Responder) send(ctx context.Context, msg Message) error {
	msg.MessageID = idgen.NewMessageID()
	msg.SentAt = domain.Now()
	if err := r.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg, err)
	}
	return nil
}
