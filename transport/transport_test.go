package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ftrpc/protocol"
)

func echoServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer(HandlerFuncs{
		Read: func(c *Conn, p *protocol.Packet) {
			c.Send(&protocol.Packet{Code: p.Code, Reserved: protocol.ReservedOK, Data: p.Data})
		},
	}, zaptest.NewLogger(t))
	_, err := srv.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Close(ctx)
	})
	return srv
}

func TestSendAndReceiveInOrder(t *testing.T) {
	srv := echoServer(t)

	received := make(chan *protocol.Packet, 16)
	c, err := Dial(context.Background(), "tcp", srv.Addr().String(), time.Second, HandlerFuncs{
		Read: func(_ *Conn, p *protocol.Packet) { received <- p },
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	for i := 1; i <= 10; i++ {
		require.NoError(t, c.Send(&protocol.Packet{Code: uint16(i), Data: []byte{byte(i)}}))
	}
	for i := 1; i <= 10; i++ {
		select {
		case p := <-received:
			assert.Equal(t, uint16(i), p.Code)
			assert.Equal(t, protocol.ReservedOK, p.Reserved)
		case <-time.After(2 * time.Second):
			t.Fatalf("packet %d not echoed", i)
		}
	}
	assert.Equal(t, 1, srv.ConnCount())
}

func TestConcurrentSenders(t *testing.T) {
	srv := echoServer(t)

	var mu sync.Mutex
	seen := map[uint16]bool{}
	all := make(chan struct{})
	c, err := Dial(context.Background(), "tcp", srv.Addr().String(), time.Second, HandlerFuncs{
		Read: func(_ *Conn, p *protocol.Packet) {
			mu.Lock()
			defer mu.Unlock()
			seen[p.Code] = true
			if len(seen) == 50 {
				close(all)
			}
		},
	}, nil)
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(code uint16) {
			defer wg.Done()
			assert.NoError(t, c.Send(&protocol.Packet{Code: code, Data: make([]byte, 512)}))
		}(uint16(i))
	}
	wg.Wait()

	select {
	case <-all:
	case <-time.After(2 * time.Second):
		t.Fatal("not every frame came back intact")
	}
}

func TestUndeliveredAfterClose(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	closed := make(chan []*protocol.Packet, 1)
	c := NewConn(local, HandlerFuncs{
		Close: func(c *Conn) { closed <- c.Undelivered() },
	}, zaptest.NewLogger(t))
	c.Start()

	// Nobody reads the remote end, so nothing can be flushed.
	for i := 1; i <= 3; i++ {
		require.NoError(t, c.Send(&protocol.Packet{Code: uint16(i)}))
	}
	require.NoError(t, c.Close())

	select {
	case undelivered := <-closed:
		require.Len(t, undelivered, 3)
		for i, p := range undelivered {
			assert.Equal(t, uint16(i+1), p.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}

	<-c.Closed()
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Send(&protocol.Packet{Code: 4}), ErrClosed)
}

func TestPeerCloseTriggersOnClose(t *testing.T) {
	local, remote := net.Pipe()
	var opened, closedCalls int
	c := NewConn(local, HandlerFuncs{
		Open:  func(*Conn) { opened++ },
		Close: func(*Conn) { closedCalls++ },
	}, nil)
	c.Start()

	remote.Close()
	select {
	case <-c.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not torn down after peer close")
	}
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closedCalls)
	assert.Error(t, c.Err())
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	local, remote := net.Pipe()
	c := NewConn(local, HandlerFuncs{}, nil)
	c.Start()

	go remote.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	select {
	case <-c.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("bad magic did not close the connection")
	}
	assert.ErrorIs(t, c.Err(), protocol.ErrBadMagic)
	remote.Close()
}

func TestLastWriteFollowsFlushedFrames(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	c := NewConn(local, HandlerFuncs{}, nil)
	c.Start()
	defer c.Close()

	assert.True(t, c.LastWrite().IsZero())

	before := time.Now()
	require.NoError(t, c.Send(&protocol.Packet{Code: 3}))
	_, err := protocol.Decode(remote)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !c.LastWrite().Before(before) }, time.Second, time.Millisecond)
}

func TestAttributesAndIdentity(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	c := NewConn(local, HandlerFuncs{}, nil)

	assert.Contains(t, c.Identity(), "conn-")
	c.SetIdentity("session-a")
	assert.Equal(t, "session-a", c.Identity())

	type key struct{}
	assert.Nil(t, c.Value(key{}))
	c.Attach(key{}, 42)
	assert.Equal(t, 42, c.Value(key{}))
	c.Detach(key{})
	assert.Nil(t, c.Value(key{}))
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFuncs{
				Read: func(c *Conn, p *protocol.Packet) {
					order = append(order, name)
					next.OnRead(c, p)
				},
			}
		}
	}
	h := Chain(mw("a"), mw("b"))(HandlerFuncs{
		Read: func(*Conn, *protocol.Packet) { order = append(order, "handler") },
	})
	h.OnRead(nil, &protocol.Packet{})
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}
