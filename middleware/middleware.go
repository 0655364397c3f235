// Package middleware provides composable handlers around cache operations.
//
// The same chain type wraps the server's store handler and the client's
// dispatch to the connection pool, so logging, timeouts, retries and rate
// limiting are written once:
//
//	Chain(A, B, C)(h) → A(B(C(h)))
//	A.before → B.before → C.before → h → C.after → B.after → A.after
package middleware

import (
	"context"

	"mini-cache/message"
)

// HandlerFunc handles one cache request and always returns a response.
type HandlerFunc func(ctx context.Context, req *message.CacheMessage) *message.CacheMessage

// Middleware wraps a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
