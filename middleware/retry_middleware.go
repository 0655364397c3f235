package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-cache/message"
)

// RetryMiddleware re-runs a request whose response status is retryable, up to
// maxRetries more times with exponential backoff starting at baseDelay.
// Routing picks the server again on each attempt, so a retry may land on
// another server.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CacheMessage) *message.CacheMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries && resp.Status.Retryable(); i++ {
				delay := baseDelay * time.Duration(1<<i)
				logger.Debug("retrying operation",
					zap.Int("attempt", i+1),
					zap.Stringer("op", req.Op),
					zap.Stringer("status", resp.Status),
					zap.String("error", resp.Error),
					zap.Duration("backoff", delay))

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return resp
				case <-timer.C:
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
