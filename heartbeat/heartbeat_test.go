package heartbeat

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ftrpc/protocol"
	"ftrpc/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeConn struct {
	id        uint64
	clock     *fakeClock
	mu        sync.Mutex
	sent      []time.Time
	closed    bool
	lastRead  time.Time
	lastWrite time.Time
	attrs     sync.Map
}

func (c *fakeConn) ID() uint64 { return c.id }

func (c *fakeConn) Send(p *protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if p.IsHeartbeat() {
		c.sent = append(c.sent, c.clock.Now())
	}
	c.lastWrite = c.clock.Now()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) LastRead() time.Time { return c.lastRead }

func (c *fakeConn) LastWrite() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWrite
}

func (c *fakeConn) Attach(k, v any) { c.attrs.Store(k, v) }
func (c *fakeConn) Value(k any) any { v, _ := c.attrs.Load(k); return v }
func (c *fakeConn) Detach(k any)    { c.attrs.Delete(k) }

func (c *fakeConn) beats() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.sent...)
}

func TestOneHeartbeatPerInterval(t *testing.T) {
	const interval = 8 * time.Second
	clock := &fakeClock{now: time.Unix(1000, 0)}
	k := NewKeeper(interval, WithClock(clock.Now), WithLogger(zaptest.NewLogger(t)))

	conns := []*fakeConn{
		{id: 1, clock: clock, lastRead: clock.Now()},
		{id: 2, clock: clock, lastRead: clock.Now()},
	}
	for _, c := range conns {
		require.True(t, k.Register(c))
	}

	// Ten intervals, sweeping at interval/4 like Run does.
	for i := 0; i < 40; i++ {
		clock.Advance(interval / 4)
		k.Sweep()
	}

	for _, c := range conns {
		beats := c.beats()
		assert.Len(t, beats, 10, "conn %d", c.id)
		for i := 1; i < len(beats); i++ {
			gap := beats[i].Sub(beats[i-1])
			assert.GreaterOrEqual(t, gap, interval-interval/8, "conn %d beat %d", c.id, i)
			assert.LessOrEqual(t, gap, interval+interval/8, "conn %d beat %d", c.id, i)
		}
	}
}

func TestApplicationWritesSuppressHeartbeats(t *testing.T) {
	const interval = 8 * time.Second
	clock := &fakeClock{now: time.Unix(1000, 0)}
	k := NewKeeper(interval, WithClock(clock.Now))

	busy := &fakeConn{id: 1, clock: clock, lastRead: clock.Now()}
	idle := &fakeConn{id: 2, clock: clock, lastRead: clock.Now()}
	k.Register(busy)
	k.Register(idle)

	for i := 0; i < 40; i++ {
		clock.Advance(interval / 4)
		require.NoError(t, busy.Send(&protocol.Packet{Code: 5}))
		k.Sweep()
	}
	assert.Empty(t, busy.beats())
	assert.Len(t, idle.beats(), 10)

	// Once the traffic stops the keeper takes over again.
	clock.Advance(interval)
	k.Sweep()
	assert.Len(t, busy.beats(), 1)
}

func TestRegisterIsIdempotent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	k := NewKeeper(time.Second, WithClock(clock.Now))
	c := &fakeConn{id: 9, clock: clock}

	assert.True(t, k.Register(c))
	assert.False(t, k.Register(c))
	assert.Equal(t, 1, k.Tracked())
}

func TestClearedMarkerLeavesScanSet(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	k := NewKeeper(time.Second, WithClock(clock.Now))
	c := &fakeConn{id: 3, clock: clock, lastRead: clock.Now()}
	k.Register(c)

	k.Unregister(c)
	clock.Advance(2 * time.Second)
	assert.Equal(t, 0, k.Sweep())
	assert.Equal(t, 0, k.Tracked())
	assert.Empty(t, c.beats())
}

func TestDeadAfterClosesSilentConnection(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	k := NewKeeper(time.Second, WithClock(clock.Now), WithDeadAfter(3*time.Second))
	silent := &fakeConn{id: 1, clock: clock, lastRead: clock.Now()}
	k.Register(silent)

	clock.Advance(2 * time.Second)
	k.Sweep()
	assert.False(t, silent.closed)

	clock.Advance(2 * time.Second)
	k.Sweep()
	assert.True(t, silent.closed)
}

// Over a real connection pair: heartbeats never reach the next handler, the
// first packet registers the connection and force mode registers on open.
func TestWrapSwallowsHeartbeats(t *testing.T) {
	k := NewKeeper(time.Hour)
	forced := NewKeeper(time.Hour, WithForce())

	var mu sync.Mutex
	var forwarded []uint16
	next := transport.HandlerFuncs{
		Read: func(_ *transport.Conn, p *protocol.Packet) {
			mu.Lock()
			forwarded = append(forwarded, p.Code)
			mu.Unlock()
		},
	}

	local, remote := net.Pipe()
	c := transport.NewConn(local, transport.Chain(forced.Wrap, k.Wrap)(next), zaptest.NewLogger(t))
	c.Start()
	assert.Equal(t, 1, forced.Tracked())
	assert.Equal(t, 0, k.Tracked())

	require.NoError(t, protocol.Encode(remote, protocol.Heartbeat()))
	require.NoError(t, protocol.Encode(remote, &protocol.Packet{Code: 17}))
	require.NoError(t, protocol.Encode(remote, protocol.Heartbeat()))
	require.NoError(t, protocol.Encode(remote, &protocol.Packet{Code: 18}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(forwarded) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint16{17, 18}, forwarded)
	assert.Equal(t, 1, k.Tracked())

	remote.Close()
	<-c.Closed()
	k.Sweep()
	forced.Sweep()
	assert.Equal(t, 0, k.Tracked())
	assert.Equal(t, 0, forced.Tracked())
}
