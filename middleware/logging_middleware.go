package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ftrpc/message"
)

// Logging logs every invocation with its duration, and failures at warn level.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) (any, error) {
			start := time.Now()
			reply, err := next(ctx, inv)
			fields := []zap.Field{
				zap.String("method", inv.Method),
				zap.Uint64("id", inv.ID),
				zap.String("peer", inv.Peer),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("invocation failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("invocation", fields...)
			}
			return reply, err
		}
	}
}
