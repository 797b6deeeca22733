package middleware

import (
	"context"
	"fmt"

	"github.com/plaenen/exactlyonce/pkg/dispatch"
	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/plaenen/exactlyonce/pkg/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracing runs each handler in its own span. A nil tracer uses the global
// provider.
func Tracing(tracer trace.Tracer) dispatch.Middleware {
	if tracer == nil {
		tracer = otel.Tracer(observability.InstrumentationName)
	}

	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, id domain.CommandIdentity, payload []byte) (response []byte, err error) {
			ctx, span := observability.StartSpan(ctx, tracer, fmt.Sprintf("handle.%s", id.Operation),
				observability.WithAttributes(observability.CommandAttrs(id.ScopeID, string(id.Operation), id.CorrelationID, id.NodeID)...))
			defer func() { observability.EndSpan(span, err) }()

			response, err = next(ctx, id, payload)
			if err == nil {
				span.SetAttributes(attribute.Int("response.bytes", len(response)))
			}
			return response, err
		}
	}
}
