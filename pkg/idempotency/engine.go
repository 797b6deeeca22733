// Package idempotency guards side-effecting computations so that each command
// identity is executed at most once and duplicates are answered from the store.
package idempotency

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/plaenen/exactlyonce/pkg/observability"
	"github.com/plaenen/exactlyonce/pkg/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// ComputeFunc produces the response of a command. It runs at most once per
// identity unless it fails.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// ActionFunc performs a guarded side effect. Its result is returned to the
// first caller only and is never stored.
type ActionFunc func(ctx context.Context) ([]byte, error)

// ReplayFunc answers a harmless duplicate in guard-only mode, typically by
// reading back what the first ActionFunc persisted.
type ReplayFunc func(ctx context.Context) ([]byte, error)

// Storage is what the engine needs from the command store.
type Storage interface {
	store.UnitOfWork
	FindSemantic(ctx context.Context, key domain.SemanticKey) ([]*domain.CommandRecord, error)
}

// Engine runs the guard for both modes.
type Engine struct {
	storage Storage
	config  config

	// inflight joins detached computations of the same identity and request
	// within this process.
	inflight singleflight.Group
}

// NewEngine creates an engine over storage.
func NewEngine(storage Storage, opts ...Option) (*Engine, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{storage: storage, config: cfg}, nil
}

// Execute runs compute for id unless a record already answers it.
//
// A fresh identity is claimed, computed and completed in one transaction, or
// in two with WithDetachedCompute.
// A duplicate with an equal request digest gets the stored response without
// running compute. A duplicate with a different request digest fails with
// *domain.ConflictingDuplicateError. A failed compute is returned as
// *domain.ComputationFailedError. Nothing is kept, except the claim in
// detached mode, which the next identical call computes again.
func (e *Engine) Execute(ctx context.Context, id domain.CommandIdentity, request []byte, compute ComputeFunc) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if compute == nil {
		return nil, fmt.Errorf("compute function is required")
	}
	t := &cachingTarget{engine: e, id: id, compute: compute}
	if !e.config.detachedCompute {
		return e.guard(ctx, t, request)
	}

	key := id.String() + "#" + hex.EncodeToString(e.config.requests.Digest(request))
	v, err, shared := e.inflight.Do(key, func() (any, error) {
		return e.guard(ctx, t, request)
	})
	if shared {
		e.config.logger.DebugContext(ctx, "joined in-flight command", "correlation_id", id.CorrelationID, "node_id", id.NodeID)
	}
	response, _ := v.([]byte)
	return bytes.Clone(response), err
}

// ExecuteOnce runs action at most once for id without storing its result.
// Harmless duplicates are answered by replay; action never runs twice.
func (e *Engine) ExecuteOnce(ctx context.Context, id domain.ExecutionID, request []byte, action ActionFunc, replay ReplayFunc) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if action == nil {
		return nil, fmt.Errorf("action function is required")
	}
	return e.guard(ctx, &guardTarget{engine: e, id: id, action: action, replay: replay}, request)
}

// History lists every attempt for a semantic key, oldest first.
func (e *Engine) History(ctx context.Context, key domain.SemanticKey) ([]*domain.CommandRecord, error) {
	return e.storage.FindSemantic(ctx, key)
}

// target is one persisted-response strategy plugged into the shared guard.
type target interface {
	mode() string
	operation() string
	attrs() []any
	spanAttrs() []attribute.KeyValue

	// lookup returns the stored request digest or nil when absent.
	lookup(ctx context.Context, repo store.Repository) (*claim, error)
	// first claims an absent identity and produces the result.
	first(ctx context.Context, repo store.Repository, digest []byte) ([]byte, string, error)
	// again answers a duplicate whose request digest matches.
	again(ctx context.Context, repo store.Repository, existing *claim) ([]byte, string, error)
	conflict(stored, requested []byte) error
}

type claim struct {
	digest []byte
	record *domain.CommandRecord
}

// outcomeClaimed marks an attempt that claimed the identity but left the
// computation to finish, outside the transaction.
const outcomeClaimed = "claimed"

// finisher is implemented by targets that can compute after the claim
// transaction committed.
type finisher interface {
	finish(ctx context.Context) ([]byte, string, error)
}

func (e *Engine) guard(ctx context.Context, t target, request []byte) (result []byte, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, e.config.tracer, "idempotency."+t.mode(),
		observability.WithAttributes(t.spanAttrs()...))

	digest := e.config.requests.Digest(request)
	logger := e.config.logger.With(t.attrs()...)
	outcome := observability.OutcomeError

	defer func() {
		span.SetAttributes(observability.AttrOutcome.String(outcome))
		observability.EndSpan(span, err)
		e.config.metrics.RecordGuard(ctx, t.mode(), t.operation(), outcome, time.Since(start))
	}()

	backoff := e.config.backoff
	for attempt := 1; ; attempt++ {
		result, outcome, err = e.attempt(ctx, t, digest)
		if err == nil || !isRace(err) || attempt >= e.config.maxAttempts {
			break
		}

		logger.DebugContext(ctx, "lost insert race, restarting guard", "attempt", attempt, "error", err)
		e.config.metrics.RecordRace(ctx, t.operation())
		if werr := sleep(ctx, backoff); werr != nil {
			return nil, werr
		}
		backoff *= 2
	}

	if err == nil && outcome == outcomeClaimed {
		if f, ok := t.(finisher); ok {
			result, outcome, err = f.finish(ctx)
		}
	}

	switch {
	case err == nil && outcome == observability.OutcomeExecuted:
		logger.InfoContext(ctx, "command executed", "digest", shortDigest(digest))
	case err == nil:
		logger.InfoContext(ctx, "duplicate command replayed", "digest", shortDigest(digest))
	case errors.Is(err, domain.ErrConflictingDuplicate):
		outcome = observability.OutcomeConflict
		logger.WarnContext(ctx, "conflicting duplicate rejected", "digest", shortDigest(digest))
	case errors.Is(err, domain.ErrComputationFailed):
		outcome = observability.OutcomeFailed
		logger.WarnContext(ctx, "computation failed, no response recorded", "error", err)
	default:
		logger.ErrorContext(ctx, "guard failed", "error", err)
	}
	return result, err
}

func (e *Engine) attempt(ctx context.Context, t target, digest []byte) ([]byte, string, error) {
	var (
		result  []byte
		outcome string
	)
	err := e.storage.WithinTx(ctx, func(ctx context.Context, repo store.Repository) error {
		existing, err := t.lookup(ctx, repo)
		if err != nil {
			return err
		}

		if existing == nil {
			result, outcome, err = t.first(ctx, repo, digest)
			return err
		}

		if !bytes.Equal(existing.digest, digest) {
			return t.conflict(existing.digest, digest)
		}

		result, outcome, err = t.again(ctx, repo, existing)
		return err
	})
	if err != nil {
		return nil, observability.OutcomeError, err
	}
	return result, outcome, nil
}

// isRace reports a duplicate insert or lock contention from the store. A
// computation that itself failed on either is not a race of this guard.
func isRace(err error) bool {
	if errors.Is(err, domain.ErrComputationFailed) {
		return false
	}
	return errors.Is(err, domain.ErrDuplicateKey) || errors.Is(err, domain.ErrStorageBusy)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func shortDigest(d []byte) string {
	const n = 8
	if len(d) > n {
		d = d[:n]
	}
	return fmt.Sprintf("%x", d)
}

// cachingTarget stores the response next to the request digest.
type cachingTarget struct {
	engine  *Engine
	id      domain.CommandIdentity
	compute ComputeFunc

	// pending is the claim left for finish in detached mode.
	pending *domain.CommandRecord
}

func (c *cachingTarget) mode() string      { return "caching" }
func (c *cachingTarget) operation() string { return string(c.id.Operation) }

func (c *cachingTarget) attrs() []any {
	return []any{
		slog.String("scope_id", c.id.ScopeID),
		slog.String("operation", string(c.id.Operation)),
		slog.String("correlation_id", c.id.CorrelationID),
		slog.Int("node_id", c.id.NodeID),
	}
}

func (c *cachingTarget) spanAttrs() []attribute.KeyValue {
	return append(
		observability.CommandAttrs(c.id.ScopeID, string(c.id.Operation), c.id.CorrelationID, c.id.NodeID),
		observability.AttrMode.String(c.mode()),
	)
}

func (c *cachingTarget) lookup(ctx context.Context, repo store.Repository) (*claim, error) {
	rec, err := repo.FindExact(ctx, c.id)
	if err != nil || rec == nil {
		return nil, err
	}
	return &claim{digest: rec.RequestDigest, record: rec}, nil
}

func (c *cachingTarget) first(ctx context.Context, repo store.Repository, digest []byte) ([]byte, string, error) {
	cfg := c.engine.config
	rec, err := repo.Save(ctx, c.id, digest, cfg.now())
	if err != nil {
		return nil, "", err
	}

	if cfg.semanticReplay {
		prior, err := c.semanticMatch(ctx, repo, digest)
		if err != nil {
			return nil, "", err
		}
		if prior != nil {
			if err := repo.AttachResponse(ctx, c.id, prior.ResponseDigest, prior.Response, cfg.now(), rec.Version); err != nil {
				return nil, "", err
			}
			cfg.logger.DebugContext(ctx, "answered from earlier attempt",
				"correlation_id", c.id.CorrelationID, "prior_correlation_id", prior.Identity.CorrelationID)
			return prior.Response, observability.OutcomeReplayed, nil
		}
	}

	return c.claimed(ctx, repo, rec)
}

func (c *cachingTarget) again(ctx context.Context, repo store.Repository, existing *claim) ([]byte, string, error) {
	if existing.record.Completed() {
		return existing.record.Response, observability.OutcomeReplayed, nil
	}
	// A claim without a response is left by a detached computation that
	// failed or is still running elsewhere; finish it.
	return c.claimed(ctx, repo, existing.record)
}

func (c *cachingTarget) claimed(ctx context.Context, repo store.Repository, rec *domain.CommandRecord) ([]byte, string, error) {
	if c.engine.config.detachedCompute {
		c.pending = rec
		return nil, outcomeClaimed, nil
	}
	return c.complete(ctx, repo, rec)
}

// finish computes outside any transaction and attaches the response in a
// transaction of its own. When another process completed the claim first,
// its response wins.
func (c *cachingTarget) finish(ctx context.Context) ([]byte, string, error) {
	cfg := c.engine.config
	response, err := c.compute(ctx)
	if err != nil {
		return nil, "", &domain.ComputationFailedError{Err: err}
	}
	if response == nil {
		response = []byte{}
	}

	var stored *domain.CommandRecord
	err = c.engine.storage.WithinTx(ctx, func(ctx context.Context, repo store.Repository) error {
		err := repo.AttachResponse(ctx, c.id, cfg.responses.Digest(response), response, cfg.now(), c.pending.Version)
		if !errors.Is(err, domain.ErrConcurrentUpdate) {
			return err
		}
		stored, err = repo.FindExact(ctx, c.id)
		if err != nil {
			return err
		}
		if stored == nil || !stored.Completed() {
			return fmt.Errorf("complete %s: %w", c.id, domain.ErrConcurrentUpdate)
		}
		return nil
	})
	switch {
	case err != nil:
		return nil, "", err
	case stored != nil:
		return stored.Response, observability.OutcomeReplayed, nil
	default:
		return response, observability.OutcomeExecuted, nil
	}
}

func (c *cachingTarget) complete(ctx context.Context, repo store.Repository, rec *domain.CommandRecord) ([]byte, string, error) {
	cfg := c.engine.config
	response, err := c.compute(ctx)
	if err != nil {
		return nil, "", &domain.ComputationFailedError{Err: err}
	}
	if response == nil {
		response = []byte{}
	}
	if err := repo.AttachResponse(ctx, c.id, cfg.responses.Digest(response), response, cfg.now(), rec.Version); err != nil {
		return nil, "", err
	}
	return response, observability.OutcomeExecuted, nil
}

// semanticMatch returns the latest completed attempt for the same scope,
// operation and node whose request digest equals digest.
func (c *cachingTarget) semanticMatch(ctx context.Context, repo store.Repository, digest []byte) (*domain.CommandRecord, error) {
	records, err := repo.FindSemantic(ctx, c.id.Semantic())
	if err != nil {
		return nil, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Identity == c.id || !rec.Completed() {
			continue
		}
		if bytes.Equal(rec.RequestDigest, digest) {
			return rec, nil
		}
	}
	return nil, nil
}

func (c *cachingTarget) conflict(stored, requested []byte) error {
	return &domain.ConflictingDuplicateError{
		Identity:      c.id,
		StoredDigest:  stored,
		RequestDigest: requested,
	}
}

// guardTarget keeps only the request digest as evidence of execution.
type guardTarget struct {
	engine *Engine
	id     domain.ExecutionID
	action ActionFunc
	replay ReplayFunc
}

func (g *guardTarget) mode() string      { return "guard" }
func (g *guardTarget) operation() string { return g.id.Context }

func (g *guardTarget) attrs() []any {
	return []any{
		slog.String("context", g.id.Context),
		slog.String("execution_key", g.id.Key),
	}
}

func (g *guardTarget) spanAttrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		observability.AttrOperation.String(g.id.Context),
		attribute.String("execution.key", g.id.Key),
		observability.AttrMode.String(g.mode()),
	}
}

func (g *guardTarget) lookup(ctx context.Context, repo store.Repository) (*claim, error) {
	rec, err := repo.FindExecution(ctx, g.id)
	if err != nil || rec == nil {
		return nil, err
	}
	return &claim{digest: rec.Digest}, nil
}

func (g *guardTarget) first(ctx context.Context, repo store.Repository, digest []byte) ([]byte, string, error) {
	if _, err := repo.SaveExecution(ctx, g.id, digest, g.engine.config.now()); err != nil {
		return nil, "", err
	}
	result, err := g.action(ctx)
	if err != nil {
		return nil, "", &domain.ComputationFailedError{Err: err}
	}
	return result, observability.OutcomeExecuted, nil
}

func (g *guardTarget) again(ctx context.Context, _ store.Repository, _ *claim) ([]byte, string, error) {
	if g.replay == nil {
		return nil, observability.OutcomeReplayed, nil
	}
	result, err := g.replay(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("replay %s: %w", g.id, err)
	}
	return result, observability.OutcomeReplayed, nil
}

func (g *guardTarget) conflict(stored, requested []byte) error {
	return &domain.ConflictingDuplicateError{
		Execution:     g.id,
		StoredDigest:  stored,
		RequestDigest: requested,
	}
}
