package observability_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/plaenen/exactlyonce/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	_ "modernc.org/sqlite"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *observability.Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordGuard(ctx, "caching", "GENERATE_KEYS", observability.OutcomeExecuted, time.Millisecond)
		m.RecordRace(ctx, "GENERATE_KEYS")
		m.RecordDispatch(ctx, "GENERATE_KEYS", 1, time.Millisecond, true)
		m.AddPending(ctx, 1)
		m.RecordDeadLetter(ctx, "GENERATE_KEYS", "CONFLICTING_DUPLICATE")
	})

	var tel *observability.Telemetry
	assert.Nil(t, tel.RecordMetrics())
	assert.NotNil(t, tel.Tracer())
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestMetricsRecorded(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()

	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:  "exactlyonce-test",
		MetricReader: reader,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(ctx) })
	require.NotNil(t, tel.Metrics)

	tel.Metrics.RecordGuard(ctx, "caching", "GENERATE_KEYS", observability.OutcomeExecuted, time.Millisecond)
	tel.Metrics.RecordGuard(ctx, "caching", "GENERATE_KEYS", observability.OutcomeReplayed, time.Millisecond)
	tel.Metrics.RecordGuard(ctx, "caching", "GENERATE_KEYS", observability.OutcomeReplayed, time.Millisecond)
	tel.Metrics.RecordDeadLetter(ctx, "GENERATE_KEYS", "CONFLICTING_DUPLICATE")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(1), sums["exactlyonce.guard.executed"])
	assert.Equal(t, int64(2), sums["exactlyonce.guard.replayed"])
	assert.Equal(t, int64(1), sums["exactlyonce.deadletters"])
}

func TestSpanStore(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	spans, err := observability.NewSpanStore(ctx, db)
	require.NoError(t, err)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })
	tracer := tp.Tracer("test")

	parentCtx, parent := observability.StartSpan(ctx, tracer, "dispatch",
		observability.WithAttributes(observability.CommandAttrs("E1", "GENERATE_KEYS", "c1", 1)...))
	_, child := observability.StartSpan(parentCtx, tracer, "guard")
	observability.EndSpan(child, errors.New("boom"))
	observability.EndSpan(parent, nil)

	traceID := observability.TraceID(parentCtx)
	require.NotEmpty(t, traceID)

	stored, err := spans.Trace(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	assert.Equal(t, "dispatch", stored[0].Name)
	assert.Equal(t, "OK", stored[0].Status)
	assert.Equal(t, "E1", stored[0].Attributes["command.scope_id"])
	assert.Empty(t, stored[0].ParentID)

	assert.Equal(t, "guard", stored[1].Name)
	assert.Equal(t, "ERROR", stored[1].Status)
	assert.Equal(t, stored[0].SpanID, stored[1].ParentID)
}
