// Package heartbeat keeps idle connections alive and prunes dead ones.
//
// A Keeper tracks connections that have shown signs of life (or every
// connection, in force mode). A background sweep, woken every interval/4,
// sends a heartbeat to each tracked connection that has written nothing,
// heartbeat or application frame, for interval minus an allowed error of
// interval/8. Connections whose
// tracking marker was cleared by a close event drop out of the scan set.
package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ftrpc/protocol"
	"ftrpc/transport"
)

// Conn is the part of a transport connection the keeper needs.
type Conn interface {
	ID() uint64
	Send(p *protocol.Packet) error
	Close() error
	LastRead() time.Time
	LastWrite() time.Time
	Attach(key, value any)
	Value(key any) any
	Detach(key any)
}

// markerKey is per keeper so several keepers can watch one connection.
type markerKey struct{ k *Keeper }

type entry struct {
	conn     Conn
	lastSend atomic.Int64 // unix nanos of the last heartbeat sent
	marked   atomic.Bool  // marker attached to conn
}

// Keeper is safe for concurrent use.
type Keeper struct {
	interval  time.Duration
	deadAfter time.Duration
	force     bool
	now       func() time.Time
	logger    *zap.Logger

	conns sync.Map // uint64 -> *entry
}

type Option func(k *Keeper)

// WithForce registers every connection on open instead of waiting for the
// peer's first packet.
func WithForce() Option {
	return func(k *Keeper) { k.force = true }
}

// WithDeadAfter closes tracked connections that received nothing for d.
func WithDeadAfter(d time.Duration) Option {
	return func(k *Keeper) { k.deadAfter = d }
}

func WithClock(now func() time.Time) Option {
	return func(k *Keeper) { k.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(k *Keeper) { k.logger = l }
}

func NewKeeper(interval time.Duration, opts ...Option) *Keeper {
	k := &Keeper{
		interval: interval,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(k)
	}
	k.logger = k.logger.With(zap.String("component", "heartbeat"))
	return k
}

func (k *Keeper) Interval() time.Duration {
	return k.interval
}

// Register starts tracking c. It is idempotent and reports whether c was newly tracked.
func (k *Keeper) Register(c Conn) bool {
	e := &entry{conn: c}
	e.lastSend.Store(k.now().UnixNano())
	if _, loaded := k.conns.LoadOrStore(c.ID(), e); loaded {
		return false
	}
	c.Attach(markerKey{k}, e)
	e.marked.Store(true)
	trackedConns.Inc()
	return true
}

// Unregister clears the tracking marker of c; the next sweep forgets it.
func (k *Keeper) Unregister(c Conn) {
	c.Detach(markerKey{k})
}

// Tracked returns the number of connections in the scan set.
func (k *Keeper) Tracked() int {
	n := 0
	k.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep runs one maintenance pass and returns the number of heartbeats sent.
func (k *Keeper) Sweep() int {
	now := k.now()
	threshold := k.interval - k.interval/8
	sent := 0

	k.conns.Range(func(id, v any) bool {
		e := v.(*entry)
		if e.marked.Load() && e.conn.Value(markerKey{k}) != e {
			k.conns.Delete(id)
			trackedConns.Dec()
			return true
		}

		if k.deadAfter > 0 && now.Sub(e.conn.LastRead()) > k.deadAfter {
			k.logger.Info("closing silent connection", zap.Uint64("conn", e.conn.ID()),
				zap.Duration("silent_for", now.Sub(e.conn.LastRead())))
			e.conn.Close()
			return true
		}

		last := time.Unix(0, e.lastSend.Load())
		if w := e.conn.LastWrite(); w.After(last) {
			last = w
		}
		if now.Sub(last) < threshold {
			return true
		}
		// Send errors surface through the transport's own close handling.
		if err := e.conn.Send(protocol.Heartbeat()); err != nil {
			k.logger.Debug("heartbeat not queued", zap.Uint64("conn", e.conn.ID()), zap.Error(err))
			return true
		}
		e.lastSend.Store(now.UnixNano())
		heartbeatsSent.Inc()
		sent++
		return true
	})
	return sent
}

// Run sweeps every interval/4 until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	tick := k.interval / 4
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			k.Sweep()
		}
	}
}

// Wrap returns transport middleware that registers connections on first
// contact and keeps heartbeats away from next.
func (k *Keeper) Wrap(next transport.Handler) transport.Handler {
	return &keeperHandler{k: k, next: next}
}

type keeperHandler struct {
	k    *Keeper
	next transport.Handler
}

func (h *keeperHandler) OnOpen(c *transport.Conn) {
	if h.k.force {
		h.k.Register(c)
	}
	h.next.OnOpen(c)
}

func (h *keeperHandler) OnRead(c *transport.Conn, p *protocol.Packet) {
	if c.Value(markerKey{h.k}) == nil {
		h.k.Register(c)
	}
	if p.IsHeartbeat() {
		return
	}
	h.next.OnRead(c, p)
}

func (h *keeperHandler) OnClose(c *transport.Conn) {
	h.k.Unregister(c)
	h.next.OnClose(c)
}
