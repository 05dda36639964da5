// Package transport implements the framed, event-driven connection layer.
//
// A Conn owns one net.Conn and two goroutines:
//
//	readLoop:  protocol.Decode ──→ Handler.OnRead (sequential, in arrival order)
//	writeLoop: Send() queue ──→ protocol.Encode (one frame at a time)
//
// Send never blocks on the network: it appends to an in-memory queue. When the
// connection dies, whatever is still queued (plus a frame whose write failed)
// is kept and exposed through Undelivered, so upper layers such as the session
// buffer can recover it.
package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ftrpc/protocol"
)

var (
	ErrClosed       = errors.New("transport: connection closed")
	ErrNotConnected = errors.New("transport: not connected")
)

var connIDs atomic.Uint64

// Conn is a framed connection with an asynchronous write queue and
// per-connection attribute storage.
type Conn struct {
	id      uint64
	nc      net.Conn
	handler Handler
	logger  *zap.Logger

	mu          sync.Mutex
	queue       []*protocol.Packet
	closed      bool
	undelivered []*protocol.Packet
	wake        chan struct{} // buffered(1), nudges writeLoop

	identity  atomic.Value // string
	attrs     sync.Map
	lastRead  atomic.Int64 // unix nanos
	lastWrite atomic.Int64 // unix nanos, 0 until the first frame is written

	done       chan struct{} // closed when shutdown starts
	terminated chan struct{} // closed after OnClose returned
	writerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// NewConn wraps nc. Nothing is read or written until Start.
func NewConn(nc net.Conn, handler Handler, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Conn{
		id:         connIDs.Add(1),
		nc:         nc,
		handler:    handler,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		terminated: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.logger = logger.With(zap.Uint64("conn", c.id))
	return c
}

// Start invokes OnOpen and launches the read and write goroutines.
func (c *Conn) Start() {
	c.lastRead.Store(time.Now().UnixNano())
	c.handler.OnOpen(c)
	go c.writeLoop()
	go c.readLoop()
}

func (c *Conn) ID() uint64 {
	return c.id
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Identity names the logical peer of this connection. It defaults to
// "conn-<id>" and is replaced by the session id once a session is registered.
func (c *Conn) Identity() string {
	if v, ok := c.identity.Load().(string); ok {
		return v
	}
	return fmt.Sprintf("conn-%d", c.id)
}

func (c *Conn) SetIdentity(id string) {
	c.identity.Store(id)
}

// LastRead returns when the last packet arrived (or Start, if none has).
func (c *Conn) LastRead() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

// LastWrite returns when the last frame was written, or the zero time.
func (c *Conn) LastWrite() time.Time {
	v := c.lastWrite.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Send queues p for asynchronous writing.
func (c *Conn) Send(p *protocol.Packet) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.queue = append(c.queue, p)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close starts teardown and returns immediately. Use Closed to wait for OnClose.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// Closed is closed once the connection is torn down and OnClose has returned.
func (c *Conn) Closed() <-chan struct{} {
	return c.terminated
}

// Err returns the error that ended the connection, nil for a local Close.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Undelivered returns the packets that were queued but never written, in
// enqueue order. It is only meaningful once the connection is torn down
// (from OnClose or after Closed).
func (c *Conn) Undelivered() []*protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Packet, len(c.undelivered))
	copy(out, c.undelivered)
	return out
}

// Attach stores a per-connection value under key.
func (c *Conn) Attach(key, value any) {
	c.attrs.Store(key, value)
}

// Value returns the value attached under key, or nil.
func (c *Conn) Value(key any) any {
	v, _ := c.attrs.Load(key)
	return v
}

func (c *Conn) Detach(key any) {
	c.attrs.Delete(key)
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.closeErr = err
		close(c.done)
		c.nc.Close()
	})
}

func (c *Conn) readLoop() {
	var err error
	defer func() {
		c.shutdown(err)
		<-c.writerDone

		c.mu.Lock()
		c.undelivered = c.queue
		c.queue = nil
		c.mu.Unlock()

		if err != nil {
			c.logger.Debug("connection closed", zap.Error(err), zap.Int("undelivered", len(c.undelivered)))
		}
		c.handler.OnClose(c)
		close(c.terminated)
	}()

	for {
		var p *protocol.Packet
		p, err = protocol.Decode(c.nc)
		if err != nil {
			select {
			case <-c.done:
				// local close; the read error is just the closed socket
				err = c.closeErr
			default:
			}
			return
		}
		c.lastRead.Store(time.Now().UnixNano())
		c.handler.OnRead(c, p)
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.mu.Unlock()
			select {
			case <-c.wake:
			case <-c.done:
			}
			c.mu.Lock()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		p := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := protocol.Encode(c.nc, p); err != nil {
			c.mu.Lock()
			c.queue = append([]*protocol.Packet{p}, c.queue...)
			c.mu.Unlock()
			c.shutdown(errors.Wrap(err, "write"))
			return
		}
		c.lastWrite.Store(time.Now().UnixNano())
	}
}
