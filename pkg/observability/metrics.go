package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments of the idempotency layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Guard metrics
	GuardExecuted  metric.Int64Counter
	GuardReplayed  metric.Int64Counter
	GuardConflicts metric.Int64Counter
	GuardFailures  metric.Int64Counter
	GuardRaces     metric.Int64Counter
	GuardDuration  metric.Float64Histogram

	// Dispatch metrics
	DispatchDuration metric.Float64Histogram
	DispatchTimeouts metric.Int64Counter

	// Correlation metrics
	CorrelationPending metric.Int64UpDownCounter

	DeadLetters metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.GuardExecuted, err = meter.Int64Counter(
		"exactlyonce.guard.executed",
		metric.WithDescription("Commands whose computation ran"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating guard.executed: %w", err)
	}

	m.GuardReplayed, err = meter.Int64Counter(
		"exactlyonce.guard.replayed",
		metric.WithDescription("Harmless duplicates answered from the store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating guard.replayed: %w", err)
	}

	m.GuardConflicts, err = meter.Int64Counter(
		"exactlyonce.guard.conflicts",
		metric.WithDescription("Identities reused with a different request"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating guard.conflicts: %w", err)
	}

	m.GuardFailures, err = meter.Int64Counter(
		"exactlyonce.guard.failures",
		metric.WithDescription("Guarded computations that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating guard.failures: %w", err)
	}

	m.GuardRaces, err = meter.Int64Counter(
		"exactlyonce.guard.races",
		metric.WithDescription("Guards restarted after losing an insert race"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating guard.races: %w", err)
	}

	m.GuardDuration, err = meter.Float64Histogram(
		"exactlyonce.guard.duration",
		metric.WithDescription("Guard duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating guard.duration: %w", err)
	}

	m.DispatchDuration, err = meter.Float64Histogram(
		"exactlyonce.dispatch.duration",
		metric.WithDescription("Round trip from dispatch to reply in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch.duration: %w", err)
	}

	m.DispatchTimeouts, err = meter.Int64Counter(
		"exactlyonce.dispatch.timeouts",
		metric.WithDescription("Dispatches that received no reply in time"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch.timeouts: %w", err)
	}

	m.CorrelationPending, err = meter.Int64UpDownCounter(
		"exactlyonce.correlation.pending",
		metric.WithDescription("Waiters registered and not yet resolved"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating correlation.pending: %w", err)
	}

	m.DeadLetters, err = meter.Int64Counter(
		"exactlyonce.deadletters",
		metric.WithDescription("Messages routed to the dead-letter channel"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating deadletters: %w", err)
	}

	return m, nil
}

// Guard outcomes.
const (
	OutcomeExecuted = "executed"
	OutcomeReplayed = "replayed"
	OutcomeConflict = "conflict"
	OutcomeFailed   = "failed"
	OutcomeError    = "error"
)

// RecordGuard records the outcome of one guarded execution.
func (m *Metrics) RecordGuard(ctx context.Context, mode, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("operation", operation),
	)

	switch outcome {
	case OutcomeExecuted:
		m.GuardExecuted.Add(ctx, 1, attrs)
	case OutcomeReplayed:
		m.GuardReplayed.Add(ctx, 1, attrs)
	case OutcomeConflict:
		m.GuardConflicts.Add(ctx, 1, attrs)
	case OutcomeFailed:
		m.GuardFailures.Add(ctx, 1, attrs)
	}

	m.GuardDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

// RecordRace records a guard restarted after a duplicate insert.
func (m *Metrics) RecordRace(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.GuardRaces.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordDispatch records a completed or failed round trip.
func (m *Metrics) RecordDispatch(ctx context.Context, operation string, nodeID int, duration time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Int("node_id", nodeID),
	)
	m.DispatchDuration.Record(ctx, duration.Seconds(), attrs)
	if timedOut {
		m.DispatchTimeouts.Add(ctx, 1, attrs)
	}
}

// AddPending moves the pending waiter gauge by delta.
func (m *Metrics) AddPending(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.CorrelationPending.Add(ctx, delta)
}

// RecordDeadLetter records a message sent to the dead-letter channel.
func (m *Metrics) RecordDeadLetter(ctx context.Context, operation, code string) {
	if m == nil {
		return
	}
	m.DeadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("code", code),
	))
}
