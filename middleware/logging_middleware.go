package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-cache/message"
)

// LoggingMiddleware logs every operation at debug level, and failed ones at warn.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("request")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CacheMessage) *message.CacheMessage {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.Stringer("op", req.Op),
				zap.String("cache", req.Cache),
				zap.Stringer("status", resp.Status),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Status.IsError() {
				logger.Warn("operation failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				logger.Debug("operation done", fields...)
			}
			return resp
		}
	}
}
