// Package correlation matches asynchronous replies to the callers waiting
// for them.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/plaenen/exactlyonce/pkg/observability"
)

// ErrRegistryClosed is returned to waiters still pending when the registry closes.
var ErrRegistryClosed = errors.New("correlation registry closed")

// DefaultTimeout bounds a wait when neither the caller nor the registry set one.
const DefaultTimeout = 30 * time.Second

// Key identifies one expected reply. A broadcast reuses its correlation id
// across nodes, so the node is part of the key.
type Key struct {
	CorrelationID string
	NodeID        int
}

// KeyOf returns the key under which the reply to id is expected.
func KeyOf(id domain.CommandIdentity) Key {
	return Key{CorrelationID: id.CorrelationID, NodeID: id.NodeID}
}

func (k Key) String() string {
	return fmt.Sprintf("%s@node-%d", k.CorrelationID, k.NodeID)
}

// State of a waiter.
type State int

const (
	StateRegistered State = iota
	StateCompleted
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

type result struct {
	payload []byte
	err     error
}

// Waiter is the single consumer of one expected reply.
type Waiter struct {
	key      Key
	registry *Registry
	done     chan result

	// state is guarded by registry.mu
	state State
}

// Key returns the key the waiter is registered under.
func (w *Waiter) Key() Key {
	return w.key
}

// State returns the current state.
func (w *Waiter) State() State {
	w.registry.mu.Lock()
	defer w.registry.mu.Unlock()
	return w.state
}

// Wait blocks until the reply arrives, the timeout elapses or ctx is done.
// A non-positive timeout uses the registry default. On timeout or
// cancellation the entry is removed and a late reply is discarded.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = w.registry.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-w.done:
		return r.payload, r.err
	case <-timer.C:
		if r, ok := w.abandon(); ok {
			return r.payload, r.err
		}
		w.registry.logger.Warn("no reply before timeout",
			"correlation_id", w.key.CorrelationID, "node_id", w.key.NodeID, "timeout", timeout)
		return nil, fmt.Errorf("waiting for %s: %w", w.key, domain.ErrResponseTimeout)
	case <-ctx.Done():
		if r, ok := w.abandon(); ok {
			return r.payload, r.err
		}
		w.registry.logger.Warn("wait abandoned",
			"correlation_id", w.key.CorrelationID, "node_id", w.key.NodeID, "error", ctx.Err())
		return nil, fmt.Errorf("waiting for %s: %w", w.key, ctx.Err())
	}
}

// Cancel unregisters the waiter. It is a no-op once the waiter resolved.
func (w *Waiter) Cancel() {
	r := w.registry
	r.mu.Lock()
	removed := w.unregisterLocked()
	r.mu.Unlock()
	if removed {
		r.metrics.AddPending(context.Background(), -1)
	}
}

func (w *Waiter) unregisterLocked() bool {
	if w.state != StateRegistered {
		return false
	}
	w.state = StateTimedOut
	if w.registry.waiters[w.key] == w {
		delete(w.registry.waiters, w.key)
	}
	return true
}

// abandon removes the waiter. If a resolution won the race it is returned.
func (w *Waiter) abandon() (result, bool) {
	r := w.registry
	r.mu.Lock()
	removed := w.unregisterLocked()
	r.mu.Unlock()
	if removed {
		r.metrics.AddPending(context.Background(), -1)
		return result{}, false
	}

	// Resolved before we got the lock; the result is already buffered.
	select {
	case res := <-w.done:
		return res, true
	default:
		return result{}, false
	}
}

// Registry maps keys to their single waiter.
type Registry struct {
	mu      sync.Mutex
	waiters map[Key]*Waiter
	closed  bool

	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultTimeout sets the bound used when Wait is given none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics tracks the pending waiter count on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		waiters: make(map[Key]*Waiter),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates the waiter for key. It fails with domain.ErrAlreadyRegistered
// while another waiter holds the key.
func (r *Registry) Register(key Key) (*Waiter, error) {
	if key.CorrelationID == "" {
		return nil, domain.NewInvalidCommandError("correlation_id", "correlation_id must not be empty")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if _, exists := r.waiters[key]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("register %s: %w", key, domain.ErrAlreadyRegistered)
	}
	w := &Waiter{
		key:      key,
		registry: r,
		done:     make(chan result, 1),
		state:    StateRegistered,
	}
	r.waiters[key] = w
	r.mu.Unlock()

	r.metrics.AddPending(context.Background(), 1)
	return w, nil
}

// Complete hands payload to the waiter for key. It returns false for unknown
// keys and keys already resolved; the payload is then dropped.
func (r *Registry) Complete(key Key, payload []byte) bool {
	return r.resolve(key, result{payload: payload})
}

// Fail resolves the waiter for key with err.
func (r *Registry) Fail(key Key, err error) bool {
	if err == nil {
		err = domain.ErrRemoteFailure
	}
	return r.resolve(key, result{err: err})
}

func (r *Registry) resolve(key Key, res result) bool {
	r.mu.Lock()
	w, ok := r.waiters[key]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("discarding reply without waiter",
			"correlation_id", key.CorrelationID, "node_id", key.NodeID)
		return false
	}
	delete(r.waiters, key)
	w.state = StateCompleted
	w.done <- res
	r.mu.Unlock()

	r.metrics.AddPending(context.Background(), -1)
	return true
}

// Pending returns the number of unresolved waiters.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Close fails every pending waiter with ErrRegistryClosed and rejects new
// registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending := r.waiters
	r.waiters = make(map[Key]*Waiter)
	for _, w := range pending {
		w.state = StateCompleted
		w.done <- result{err: ErrRegistryClosed}
	}
	r.mu.Unlock()

	r.metrics.AddPending(context.Background(), -int64(len(pending)))
}
