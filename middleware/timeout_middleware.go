package middleware

import (
	"context"
	"time"

	"mini-cache/message"
)

// TimeOutMiddleware answers TIMEOUT if next does not return within timeout.
// next keeps running with a cancelled context; its late answer is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CacheMessage) *message.CacheMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.CacheMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Errorf(req, message.StatusTimeout, "request timed out")
			}
		}
	}
}
