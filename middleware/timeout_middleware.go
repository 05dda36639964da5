package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"ftrpc/message"
)

var ErrHandlerTimeout = errors.New("middleware: handler timed out")

type outcome struct {
	reply any
	err   error
}

// Timeout bounds how long the caller of the chain waits for next. The handler
// keeps running in the background with a cancelled context.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				reply, err := next(ctx, inv)
				done <- outcome{reply, err}
			}()

			select {
			case o := <-done:
				return o.reply, o.err
			case <-ctx.Done():
				return nil, errors.Wrapf(ErrHandlerTimeout, "%s after %s", inv.Method, timeout)
			}
		}
	}
}
