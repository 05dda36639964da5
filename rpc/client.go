package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ftrpc/message"
	"ftrpc/protocol"
	"ftrpc/serializer"
	"ftrpc/session"
	"ftrpc/transport"
	"ftrpc/waiter"
)

// Conn is what a call needs from a connection.
type Conn interface {
	Identity() string
	Connected() bool
	Send(p *protocol.Packet) error
}

// callKey correlates a response with its call. peer is the connection
// identity, which is the session id for session connections so that a
// response replayed on a new connection still finds its caller.
type callKey struct {
	peer string
	code uint16
	id   uint64
}

// Client turns method calls into request packets and blocks until the
// matching response arrives. One Client can serve many connections; it is
// also the transport.Handler that feeds responses back to callers.
type Client struct {
	registry *serializer.Registry
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	methods map[string]*Method
	byCode  map[uint16]*Method

	seq     atomic.Uint64
	pending *waiter.Waiter[callKey, *protocol.Packet]
}

// NewClient creates a client core. timeout bounds every call.
func NewClient(reg *serializer.Registry, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		registry: reg,
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "rpc-client")),
		methods:  make(map[string]*Method),
		byCode:   make(map[uint16]*Method),
		pending:  waiter.New[callKey, *protocol.Packet](),
	}
}

// Register adds methods to the client's table and their argument
// serializers to the registry.
func (c *Client) Register(methods ...Method) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range methods {
		m := methods[i]
		if err := m.validate(); err != nil {
			return err
		}
		if err := c.registry.Register(m.Args); err != nil {
			return err
		}
		c.methods[m.Name] = &m
		c.byCode[m.Code] = &m
	}
	return nil
}

func (c *Client) lookup(name string) (*Method, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.methods[name]
	return m, ok
}

// Pending returns the number of calls waiting for a response.
func (c *Client) Pending() int {
	return c.pending.Pending()
}

// Call invokes method on the peer behind conn and returns the decoded reply.
func (c *Client) Call(ctx context.Context, conn Conn, method string, args any) (reply any, err error) {
	defer func() { clientCalls.WithLabelValues(callOutcome(err)).Inc() }()

	m, ok := c.lookup(method)
	if !ok {
		return nil, errors.Wrapf(ErrMethodNotFound, "no local binding for %s", method)
	}
	if !conn.Connected() {
		return nil, errors.Wrapf(ErrNotConnected, "call %s", method)
	}

	p, err := c.registry.Encode(m.Code, args)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s args", method)
	}
	id := c.seq.Add(1)
	p.Reserved = protocol.ReservedRequest
	p.Data = message.Wrap(id, p.Data)

	// Register before sending, otherwise a fast response could find no waiter.
	key := callKey{peer: conn.Identity(), code: m.Code, id: id}
	h, err := c.pending.Begin(key)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(p); err != nil {
		h.Cancel()
		return nil, errors.Wrapf(err, "send %s", method)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := h.Wait(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", method)
	}
	return c.decodeResponse(m, resp)
}

func (c *Client) decodeResponse(m *Method, resp *protocol.Packet) (any, error) {
	_, body, err := message.Unwrap(resp.Data)
	if err != nil {
		return nil, err
	}
	switch resp.Reserved {
	case protocol.ReservedOK:
		reply, err := m.Reply.Decode(body)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s reply", m.Name)
		}
		return reply, nil
	case protocol.ReservedFailure:
		f, err := message.UnmarshalFailure(body)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s failure", m.Name)
		}
		return nil, newRemoteError(m.Name, f)
	default:
		return nil, errors.Wrapf(message.ErrMalformed, "%s: response with reserved byte %d", m.Name, resp.Reserved)
	}
}

func (c *Client) OnOpen(conn *transport.Conn) {}

// OnRead releases the caller waiting for p.
func (c *Client) OnRead(conn *transport.Conn, p *protocol.Packet) {
	if p.Reserved == protocol.ReservedRequest {
		c.logger.Debug("client received a request, dropping", zap.Uint16("code", p.Code))
		return
	}
	id, _, err := message.Unwrap(p.Data)
	if err != nil {
		c.logger.Warn("malformed response", zap.Uint16("code", p.Code), zap.Error(err))
		return
	}
	key := callKey{peer: conn.Identity(), code: p.Code, id: id}
	if !c.pending.Release(key, p) {
		c.logger.Debug("response without waiter (timed out or unknown)",
			zap.String("peer", key.peer), zap.Uint16("code", p.Code), zap.Uint64("id", id))
	}
}

// OnClose fails the calls pending on conn at once, unless conn carries a
// session: responses for those may still be replayed on a new connection.
func (c *Client) OnClose(conn *transport.Conn) {
	if session.ID(conn) != "" {
		return
	}
	peer := conn.Identity()
	cause := conn.Err()
	if cause == nil {
		cause = transport.ErrClosed
	} else {
		cause = errors.Wrap(transport.ErrClosed, cause.Error())
	}
	n := c.pending.FailMatching(func(k callKey) bool { return k.peer == peer }, cause)
	if n > 0 {
		c.logger.Info("failed pending calls of closed connection", zap.String("peer", peer), zap.Int("calls", n))
	}
}
