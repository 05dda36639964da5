package middleware

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"ftrpc/message"
)

var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimit rejects invocations beyond r per second with the given burst,
// using a token bucket.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) (any, error) {
			if !limiter.Allow() {
				return nil, errors.Wrap(ErrRateLimited, inv.Method)
			}
			return next(ctx, inv)
		}
	}
}
