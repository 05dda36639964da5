package transport

import "ftrpc/protocol"

// Handler receives the lifecycle callbacks of a connection. All three are
// invoked from the connection's read goroutine, so OnRead calls for one
// connection never overlap. Handlers must not block for long: a slow OnRead
// stalls every packet behind it.
type Handler interface {
	OnOpen(c *Conn)
	OnRead(c *Conn, p *protocol.Packet)
	OnClose(c *Conn)
}

// Middleware wraps a Handler, e.g. to swallow heartbeats before dispatch.
type Middleware func(next Handler) Handler

// Chain composes middlewares in the onion model:
//
//	Chain(A, B, C)(h) → A(B(C(h)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are no-ops.
type HandlerFuncs struct {
	Open  func(c *Conn)
	Read  func(c *Conn, p *protocol.Packet)
	Close func(c *Conn)
}

func (h HandlerFuncs) OnOpen(c *Conn) {
	if h.Open != nil {
		h.Open(c)
	}
}

func (h HandlerFuncs) OnRead(c *Conn, p *protocol.Packet) {
	if h.Read != nil {
		h.Read(c, p)
	}
}

func (h HandlerFuncs) OnClose(c *Conn) {
	if h.Close != nil {
		h.Close(c)
	}
}
