// Package middleware wraps server-side method invocation.
//
// A HandlerFunc turns an Invocation into a return value or an error. The
// dispatcher builds the chain once at startup:
//
//	Chain(A, B, C)(invoke) → A(B(C(invoke)))
//	A.before → B.before → C.before → invoke → C.after → B.after → A.after
package middleware

import (
	"context"

	"ftrpc/message"
)

type HandlerFunc func(ctx context.Context, inv *message.Invocation) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
