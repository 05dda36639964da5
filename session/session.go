// Package session keeps undelivered packets of a dropped connection so a
// client that reconnects with the same session id can recover them.
//
// The buffer is an in-memory, single-process safety net: it is bounded by an
// LRU of sessions, and when it is full the least recently touched session's
// packets are evicted and lost. Nothing survives a process restart.
package session

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ftrpc/protocol"
	"ftrpc/serializer"
	"ftrpc/transport"
)

// Conn is the part of a transport connection the buffer needs.
type Conn interface {
	ID() uint64
	Send(p *protocol.Packet) error
	Undelivered() []*protocol.Packet
	SetIdentity(id string)
	Attach(key, value any)
	Value(key any) any
}

type (
	seenKey    struct{}
	sessionKey struct{}
)

// NewSerializer returns the serializer for session registration packets.
func NewSerializer() serializer.Serializer {
	return serializer.NewString(protocol.CodeSessionRegister)
}

// ID returns the session id registered on c, or "".
func ID(c Conn) string {
	id, _ := c.Value(sessionKey{}).(string)
	return id
}

// Announce registers id on c and sends the registration packet. It must be
// the first packet sent on a fresh connection.
func Announce(c Conn, reg *serializer.Registry, id string) error {
	if id == "" {
		return errors.New("session: empty session id")
	}
	p, err := reg.Encode(protocol.CodeSessionRegister, id)
	if err != nil {
		return errors.Wrap(err, "session: encode registration")
	}
	c.Attach(sessionKey{}, id)
	c.SetIdentity(id)
	return c.Send(p)
}

// Buffer maps session ids to the ordered packets that were queued but never
// written when their connection died. It also knows the live connection of
// each registered session, so packets produced for a session after its old
// connection dropped can follow it to the new one.
type Buffer struct {
	reg    *serializer.Registry
	logger *zap.Logger

	mu       sync.Mutex // makes take, replay and handover atomic across reconnecting conns
	cache    *lru.Cache[string, []*protocol.Packet]
	live     map[string]Conn
	removing string // set while take removes an entry, which also fires the evict callback
}

// NewBuffer returns a buffer holding at most capacity sessions. reg must have
// the registration serializer (see NewSerializer) registered.
func NewBuffer(capacity int, reg *serializer.Registry, logger *zap.Logger) (*Buffer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Buffer{
		reg:    reg,
		logger: logger.With(zap.String("component", "session")),
		live:   make(map[string]Conn),
	}
	cache, err := lru.NewWithEvict(capacity, b.onEvict)
	if err != nil {
		return nil, errors.Wrap(err, "session: create buffer")
	}
	b.cache = cache
	return b, nil
}

func (b *Buffer) onEvict(id string, packets []*protocol.Packet) {
	if id == b.removing {
		return
	}
	evictions.Inc()
	b.logger.Warn("session buffer full, dropping buffered packets",
		zap.String("session", id), zap.Int("packets", len(packets)))
}

// Len returns the number of buffered sessions.
func (b *Buffer) Len() int {
	return b.cache.Len()
}

// Store appends packets to the entry of id, creating it if needed.
func (b *Buffer) Store(id string, packets []*protocol.Packet) {
	if len(packets) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store(id, packets)
}

func (b *Buffer) store(id string, packets []*protocol.Packet) {
	existing, _ := b.cache.Get(id)
	merged := make([]*protocol.Packet, 0, len(existing)+len(packets))
	merged = append(merged, existing...)
	merged = append(merged, packets...)
	b.cache.Add(id, merged)
}

// Take removes and returns the packets buffered for id.
func (b *Buffer) Take(id string) ([]*protocol.Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.take(id)
}

func (b *Buffer) take(id string) ([]*protocol.Packet, bool) {
	packets, ok := b.cache.Peek(id)
	if !ok {
		return nil, false
	}
	b.removing = id
	b.cache.Remove(id)
	b.removing = ""
	return packets, true
}

// Deliver sends p to the live connection of session id. Without one, or when
// that connection is already closing, p is buffered for the next reconnect.
func (b *Buffer) Deliver(id string, p *protocol.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.live[id]; ok {
		if err := c.Send(p); err == nil {
			return
		}
	}
	b.store(id, []*protocol.Packet{p})
}

// Live reports whether session id currently has a connection.
func (b *Buffer) Live(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.live[id]
	return ok
}

// OnFirstPacket handles the first packet of a new connection. It reports
// whether p was a session registration (which is consumed, not forwarded).
func (b *Buffer) OnFirstPacket(c Conn, p *protocol.Packet) bool {
	if p.Code != protocol.CodeSessionRegister {
		return false
	}
	v, err := b.reg.Decode(p)
	if err != nil {
		b.logger.Warn("bad session registration", zap.Uint64("conn", c.ID()), zap.Error(err))
		return true
	}
	id, _ := v.(string)
	if id == "" {
		b.logger.Warn("empty session id", zap.Uint64("conn", c.ID()))
		return true
	}
	c.Attach(sessionKey{}, id)
	c.SetIdentity(id)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.live[id] = c
	packets, ok := b.take(id)
	if !ok {
		return true
	}
	for i, bp := range packets {
		if err := c.Send(bp); err != nil {
			// the new connection died too; keep the rest for the next attempt
			b.store(id, packets[i:])
			b.logger.Info("replay interrupted", zap.String("session", id), zap.Int("replayed", i), zap.Error(err))
			return true
		}
	}
	replayed.Add(float64(len(packets)))
	b.logger.Info("replayed buffered packets", zap.String("session", id),
		zap.Uint64("conn", c.ID()), zap.Int("packets", len(packets)))
	return true
}

// OnLost keeps whatever c could not flush for its session. If the session
// already reconnected, the packets go straight to the new connection.
func (b *Buffer) OnLost(c Conn) {
	id := ID(c)
	if id == "" {
		return
	}
	var undelivered []*protocol.Packet
	for _, p := range c.Undelivered() {
		if !p.IsHeartbeat() {
			undelivered = append(undelivered, p)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	live, ok := b.live[id]
	if ok && live.ID() == c.ID() {
		delete(b.live, id)
		ok = false
	}
	forwarded := 0
	if ok {
		for _, p := range undelivered {
			if live.Send(p) != nil {
				break
			}
			forwarded++
		}
	}
	undelivered = undelivered[forwarded:]
	if len(undelivered) == 0 {
		return
	}
	b.store(id, undelivered)
	b.logger.Info("buffered undelivered packets", zap.String("session", id),
		zap.Uint64("conn", c.ID()), zap.Int("packets", len(undelivered)))
}

// Wrap returns transport middleware that applies the buffer to a connection's
// lifecycle.
func (b *Buffer) Wrap(next transport.Handler) transport.Handler {
	return &bufferHandler{b: b, next: next}
}

type bufferHandler struct {
	b    *Buffer
	next transport.Handler
}

func (h *bufferHandler) OnOpen(c *transport.Conn) {
	h.next.OnOpen(c)
}

func (h *bufferHandler) OnRead(c *transport.Conn, p *protocol.Packet) {
	if c.Value(seenKey{}) == nil {
		c.Attach(seenKey{}, true)
		if h.b.OnFirstPacket(c, p) {
			return
		}
	}
	if p.Code == protocol.CodeSessionRegister {
		h.b.logger.Debug("ignoring late session registration", zap.Uint64("conn", c.ID()))
		return
	}
	h.next.OnRead(c, p)
}

func (h *bufferHandler) OnClose(c *transport.Conn) {
	h.b.OnLost(c)
	h.next.OnClose(c)
}
