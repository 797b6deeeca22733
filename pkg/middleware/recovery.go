package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/plaenen/exactlyonce/pkg/dispatch"
	"github.com/plaenen/exactlyonce/pkg/domain"
)

// Recovery turns a panicking handler into a handler error.
func Recovery(logger *slog.Logger) dispatch.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, id domain.CommandIdentity, payload []byte) (response []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "command handler panicked",
						slog.String("scope_id", id.ScopeID),
						slog.String("operation", string(id.Operation)),
						slog.String("correlation_id", id.CorrelationID),
						slog.Any("panic", r),
						slog.String("stack_trace", string(debug.Stack())),
					)
					response = nil
					err = fmt.Errorf("command handler panicked: %v", r)
				}
			}()

			return next(ctx, id, payload)
		}
	}
}
