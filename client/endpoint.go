package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ftrpc/failover"
	"ftrpc/heartbeat"
	"ftrpc/protocol"
	"ftrpc/rpc"
	"ftrpc/serializer"
	"ftrpc/session"
	"ftrpc/transport"
)

// Endpoint is one server address. It dials lazily, redials after the
// connection drops and, with a session id, carries unsent requests over to
// the next connection.
type Endpoint struct {
	*failover.Cooldown

	addr           string
	weight         int
	core           *rpc.Client
	serializers    *serializer.Registry
	keeper         *heartbeat.Keeper
	sessionID      string
	connectTimeout time.Duration
	logger         *zap.Logger

	mu     sync.Mutex
	conn   *transport.Conn
	carry  []*protocol.Packet
	closed bool
}

type endpointConfig struct {
	addr           string
	weight         int
	errorBlock     time.Duration
	connectTimeout time.Duration
	sessionID      string
	now            func() time.Time
}

func newEndpoint(cfg endpointConfig, core *rpc.Client, serializers *serializer.Registry, keeper *heartbeat.Keeper, logger *zap.Logger) *Endpoint {
	return &Endpoint{
		Cooldown:       failover.NewCooldown(cfg.errorBlock, cfg.now),
		addr:           cfg.addr,
		weight:         cfg.weight,
		core:           core,
		serializers:    serializers,
		keeper:         keeper,
		sessionID:      cfg.sessionID,
		connectTimeout: cfg.connectTimeout,
		logger:         logger.With(zap.String("url", "tcp://"+cfg.addr)),
	}
}

func (e *Endpoint) URL() string {
	return "tcp://" + e.addr
}

func (e *Endpoint) Addr() string {
	return e.addr
}

func (e *Endpoint) Weight() int {
	return e.weight
}

func (e *Endpoint) Invoke(ctx context.Context, method string, args any) (any, error) {
	conn, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	return e.core.Call(ctx, conn, method, args)
}

// Connected reports whether the endpoint holds a live connection.
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil && e.conn.Connected()
}

func (e *Endpoint) connect(ctx context.Context) (*transport.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.Wrapf(transport.ErrClosed, "endpoint %s", e.addr)
	}
	if e.conn != nil && e.conn.Connected() {
		return e.conn, nil
	}

	var handler transport.Handler = &endpointHandler{e: e, next: e.core}
	if e.keeper != nil {
		handler = e.keeper.Wrap(handler)
	}
	conn, err := transport.Dial(ctx, "tcp", e.addr, e.connectTimeout, handler, e.logger)
	if err != nil {
		return nil, err
	}

	if e.sessionID != "" {
		if err := session.Announce(conn, e.serializers, e.sessionID); err != nil {
			conn.Close()
			return nil, err
		}
		carry := e.carry
		e.carry = nil
		for i, p := range carry {
			if err := conn.Send(p); err != nil {
				// queued ones come back through lost
				e.carry = append(e.carry, carry[i:]...)
				return nil, err
			}
		}
		if len(carry) > 0 {
			e.logger.Info("re-sent requests of the previous connection", zap.Int("packets", len(carry)))
		}
	}
	e.conn = conn
	e.logger.Debug("connected", zap.Uint64("conn", conn.ID()))
	return conn, nil
}

// lost runs when a connection of this endpoint is torn down.
func (e *Endpoint) lost(c *transport.Conn) {
	e.mu.Lock()
	if e.conn == c {
		e.conn = nil
	}
	redial := false
	if e.sessionID != "" && !e.closed {
		for _, p := range c.Undelivered() {
			if protocol.IsUserCode(p.Code) {
				e.carry = append(e.carry, p)
			}
		}
		// Calls still waiting can only complete over a new connection.
		redial = e.core.Pending() > 0
	}
	e.mu.Unlock()

	if redial {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), e.connectTimeout)
			defer cancel()
			if _, err := e.connect(ctx); err != nil {
				e.logger.Info("redial failed, next call retries", zap.Error(err))
			}
		}()
	}
}

// Close drops the connection and refuses further calls.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	conn := e.conn
	e.conn = nil
	e.carry = nil
	e.mu.Unlock()
	if conn != nil {
		conn.Close()
		<-conn.Closed()
	}
	return nil
}

type endpointHandler struct {
	e    *Endpoint
	next transport.Handler
}

func (h *endpointHandler) OnOpen(c *transport.Conn) {
	h.next.OnOpen(c)
}

func (h *endpointHandler) OnRead(c *transport.Conn, p *protocol.Packet) {
	h.next.OnRead(c, p)
}

func (h *endpointHandler) OnClose(c *transport.Conn) {
	h.next.OnClose(c)
	h.e.lost(c)
}
