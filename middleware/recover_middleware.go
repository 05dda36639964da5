package middleware

import (
	"context"
	"fmt"

	"ftrpc/message"
)

// PanicError carries a recovered handler panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

func (e *PanicError) FailureType() string {
	return "Panic"
}

// Recover turns a panicking handler into a *PanicError.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) (reply any, err error) {
			defer func() {
				if v := recover(); v != nil {
					reply, err = nil, &PanicError{Value: v}
				}
			}()
			return next(ctx, inv)
		}
	}
}
