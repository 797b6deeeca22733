package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/exactlyonce/pkg/dispatch"
	"github.com/plaenen/exactlyonce/pkg/domain"
)

// Logging logs every handler invocation with its duration. Replayed
// commands never reach the handler and are not logged here.
func Logging(logger *slog.Logger) dispatch.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, id domain.CommandIdentity, payload []byte) ([]byte, error) {
			start := time.Now()

			logger.DebugContext(ctx, "executing command",
				slog.String("scope_id", id.ScopeID),
				slog.String("operation", string(id.Operation)),
				slog.String("correlation_id", id.CorrelationID),
				slog.Int("payload_bytes", len(payload)),
			)

			response, err := next(ctx, id, payload)
			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "command execution failed",
					slog.String("operation", string(id.Operation)),
					slog.String("correlation_id", id.CorrelationID),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return nil, err
			}

			logger.InfoContext(ctx, "command executed",
				slog.String("operation", string(id.Operation)),
				slog.String("correlation_id", id.CorrelationID),
				slog.Int("response_bytes", len(response)),
				slog.Int64("duration_ms", duration.Milliseconds()),
			)
			return response, nil
		}
	}
}
