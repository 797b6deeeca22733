// Package middleware wraps node command handlers with cross-cutting
// behavior. Handlers run inside the execution engine, so an error returned
// here is recorded as a failed computation and answered with an error reply.
package middleware

import (
	"github.com/plaenen/exactlyonce/pkg/dispatch"
)

// Chain composes middlewares so that the first one is outermost.
func Chain(mws ...dispatch.Middleware) dispatch.Middleware {
	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
