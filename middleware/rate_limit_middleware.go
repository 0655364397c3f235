package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-cache/message"
)

// RateLimitMiddleware rejects requests beyond a token bucket of r per second with the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CacheMessage) *message.CacheMessage {
			if !limiter.Allow() {
				return message.Errorf(req, message.StatusRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
