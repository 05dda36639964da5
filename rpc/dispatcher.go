package rpc

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"ftrpc/message"
	"ftrpc/middleware"
	"ftrpc/protocol"
	"ftrpc/serializer"
	"ftrpc/transport"
)

var ErrShuttingDown = errors.New("rpc: server is shutting down")

// stage tracks how far one request got, for logs and metrics.
type stage uint8

const (
	stageReceived stage = iota
	stageParamsPrepared
	stageInvoked
	stageResultEncoded
	stageSent
	stageError
)

func (s stage) String() string {
	switch s {
	case stageReceived:
		return "received"
	case stageParamsPrepared:
		return "params_prepared"
	case stageInvoked:
		return "invoked"
	case stageResultEncoded:
		return "result_encoded"
	case stageSent:
		return "sent"
	default:
		return "error"
	}
}

type DispatcherOptions struct {
	// Workers bounds concurrent invocations. Zero or less runs every
	// invocation inline on the connection's read goroutine.
	Workers int64
	Logger  *zap.Logger
	// Orphan receives a response whose connection closed before it could be
	// queued, e.g. to keep it for a reconnecting session.
	Orphan func(c *transport.Conn, p *protocol.Packet)
}

// Dispatcher turns request packets into invocations of registered bindings
// and sends back a response packet for each. It is a transport.Handler.
type Dispatcher struct {
	registry *serializer.Registry
	logger   *zap.Logger
	sem      *semaphore.Weighted
	orphan   func(c *transport.Conn, p *protocol.Packet)

	mu          sync.RWMutex
	bindings    map[uint16]*Binding
	middlewares []middleware.Middleware

	buildOnce sync.Once
	handler   middleware.HandlerFunc

	ctx    context.Context
	cancel context.CancelFunc

	inflight sync.WaitGroup
	drainMu  sync.Mutex
	draining bool
}

func NewDispatcher(reg *serializer.Registry, opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		registry: reg,
		logger:   logger.With(zap.String("component", "dispatcher")),
		orphan:   opts.Orphan,
		bindings: make(map[uint16]*Binding),
	}
	if opts.Workers > 0 {
		d.sem = semaphore.NewWeighted(opts.Workers)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Use appends an invocation middleware. Middlewares must be added before the
// first request is dispatched.
func (d *Dispatcher) Use(mw middleware.Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, mw)
}

// Register adds b to the dispatch table and its argument serializer to the registry.
func (d *Dispatcher) Register(b Binding) error {
	if err := b.Method.validate(); err != nil {
		return err
	}
	if b.Invoke == nil {
		return errors.Errorf("rpc: %s: binding without invoke func", b.Name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.bindings[b.Code]; ok && old.Name != b.Name {
		return errors.Errorf("rpc: code %d already bound to %s", b.Code, old.Name)
	}
	if err := d.registry.Register(b.Args); err != nil {
		return err
	}
	d.bindings[b.Code] = &b
	return nil
}

// RegisterService registers every binding of svc.
func (d *Dispatcher) RegisterService(svc Service) error {
	for _, b := range svc.Bindings() {
		if err := d.Register(b); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) binding(code uint16) (*Binding, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.bindings[code]
	return b, ok
}

// chain is built once, on first use.
func (d *Dispatcher) chain() middleware.HandlerFunc {
	d.buildOnce.Do(func() {
		d.mu.RLock()
		mws := append([]middleware.Middleware(nil), d.middlewares...)
		d.mu.RUnlock()
		d.handler = middleware.Chain(mws...)(d.invoke)
	})
	return d.handler
}

func (d *Dispatcher) invoke(ctx context.Context, inv *message.Invocation) (any, error) {
	b, ok := d.binding(inv.Code)
	if !ok {
		return nil, errors.Wrapf(ErrMethodNotFound, "code %d", inv.Code)
	}
	return b.Invoke(ctx, inv.Args)
}

// Handle processes one request packet and returns the response, or nil when
// the packet is not a request that can be answered.
func (d *Dispatcher) Handle(ctx context.Context, peer string, p *protocol.Packet) *protocol.Packet {
	resp, st, name := d.handle(ctx, peer, p)
	if resp == nil {
		return nil
	}
	outcome := "ok"
	if resp.Reserved == protocol.ReservedFailure {
		outcome = "failure"
	}
	dispatchTotal.WithLabelValues(name, outcome).Inc()
	if st == stageError {
		d.logger.Debug("request failed", zap.String("method", name), zap.String("peer", peer))
	}
	return resp
}

func (d *Dispatcher) handle(ctx context.Context, peer string, p *protocol.Packet) (*protocol.Packet, stage, string) {
	st := stageReceived
	id, body, err := message.Unwrap(p.Data)
	if err != nil {
		d.logger.Warn("dropping request without envelope", zap.Uint16("code", p.Code), zap.String("peer", peer), zap.Error(err))
		return nil, stageError, ""
	}

	b, ok := d.binding(p.Code)
	if !ok {
		f := &message.Failure{
			Kind:    message.KindMethodNotFound,
			Type:    message.KindMethodNotFound.String(),
			Message: errors.Wrapf(ErrMethodNotFound, "code %d", p.Code).Error(),
		}
		return failureResponse(p.Code, id, f), stageError, "unknown"
	}

	args, err := d.registry.DecodeData(p.Code, body)
	if err != nil {
		d.logger.Info("cannot decode arguments", zap.String("method", b.Name), zap.Stringer("stage", st), zap.Error(err))
		return failureResponse(p.Code, id, newFailure(message.KindSerialization, err)), stageError, b.Name
	}
	st = stageParamsPrepared

	inv := &message.Invocation{Method: b.Name, Code: p.Code, ID: id, Peer: peer, Args: args}
	reply, err := d.chain()(ctx, inv)
	if err != nil {
		return failureResponse(p.Code, id, newFailure(classify(err), err)), stageError, b.Name
	}
	st = stageInvoked

	data, err := b.Reply.Encode(reply)
	if err != nil {
		d.logger.Warn("cannot encode result", zap.String("method", b.Name), zap.Stringer("stage", st), zap.Error(err))
		return failureResponse(p.Code, id, newFailure(message.KindSerialization, err)), stageError, b.Name
	}
	return &protocol.Packet{
		Code:     p.Code,
		Version:  protocol.Version,
		Reserved: protocol.ReservedOK,
		Data:     message.Wrap(id, data),
	}, stageResultEncoded, b.Name
}

func failureResponse(code uint16, id uint64, f *message.Failure) *protocol.Packet {
	return &protocol.Packet{
		Code:     code,
		Version:  protocol.Version,
		Reserved: protocol.ReservedFailure,
		Data:     message.Wrap(id, f.Marshal()),
	}
}

// newFailure names infrastructure failures after their kind unless the error
// brings its own type name.
func newFailure(kind message.FailureKind, err error) *message.Failure {
	f := message.NewFailure(kind, err)
	var typed message.Typed
	if kind != message.KindApplication && !errors.As(err, &typed) {
		f.Type = kind.String()
	}
	return f
}

func classify(err error) message.FailureKind {
	var panicked *middleware.PanicError
	switch {
	case errors.As(err, &panicked):
		return message.KindInternal
	case errors.Is(err, middleware.ErrRateLimited), errors.Is(err, ErrShuttingDown):
		return message.KindRejected
	case errors.Is(err, middleware.ErrHandlerTimeout):
		return message.KindDeadline
	case errors.Is(err, serializer.ErrSerialization):
		return message.KindSerialization
	case errors.Is(err, ErrMethodNotFound):
		return message.KindMethodNotFound
	default:
		return message.KindApplication
	}
}

func (d *Dispatcher) OnOpen(c *transport.Conn) {}

// OnRead dispatches requests. Responses, heartbeats and system packets are
// not ours and are ignored.
func (d *Dispatcher) OnRead(c *transport.Conn, p *protocol.Packet) {
	if !protocol.IsUserCode(p.Code) || p.Reserved != protocol.ReservedRequest {
		return
	}

	d.drainMu.Lock()
	if d.draining {
		d.drainMu.Unlock()
		d.reject(c, p)
		return
	}
	d.inflight.Add(1)
	d.drainMu.Unlock()

	peer := c.Identity()
	if d.sem == nil {
		d.serve(c, peer, p)
		return
	}
	// Blocking here pushes back on the peer once every worker is busy.
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		d.inflight.Done()
		d.reject(c, p)
		return
	}
	go func() {
		defer d.sem.Release(1)
		d.serve(c, peer, p)
	}()
}

func (d *Dispatcher) serve(c *transport.Conn, peer string, p *protocol.Packet) {
	defer d.inflight.Done()
	resp := d.Handle(d.ctx, peer, p)
	if resp != nil && d.send(c, resp) {
		d.logger.Debug("response queued", zap.Uint16("code", resp.Code), zap.String("peer", peer), zap.Stringer("stage", stageSent))
	}
}

func (d *Dispatcher) reject(c *transport.Conn, p *protocol.Packet) {
	id, _, err := message.Unwrap(p.Data)
	if err != nil {
		return
	}
	d.send(c, failureResponse(p.Code, id, newFailure(message.KindRejected, ErrShuttingDown)))
}

// send reports whether resp was queued on c.
func (d *Dispatcher) send(c *transport.Conn, resp *protocol.Packet) bool {
	err := c.Send(resp)
	if err == nil {
		return true
	}
	if d.orphan != nil {
		d.orphan(c, resp)
		return false
	}
	d.logger.Debug("response lost, connection closed", zap.Uint16("code", resp.Code), zap.String("peer", c.Identity()))
	return false
}

func (d *Dispatcher) OnClose(c *transport.Conn) {}

// Shutdown rejects new requests and waits for the ones in flight. If ctx ends
// first, running invocations see their context cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.drainMu.Lock()
	d.draining = true
	d.drainMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return errors.Wrap(ctx.Err(), "waiting for in-flight requests")
	}
}
