package arith

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ftrpc/client"
	"ftrpc/config"
	"ftrpc/message"
	"ftrpc/rpc"
	"ftrpc/server"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := config.Default().Server
	cfg.Listen = "127.0.0.1:0"
	cfg.Workers = 4

	srv, err := server.New(cfg, server.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, srv.Register(Service{}))
	_, err = srv.Listen()
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func newClient(t *testing.T, addrs ...string) (Client, *client.Client) {
	t.Helper()
	cfg := config.Default().Client
	cfg.ReadTimeout = 2 * time.Second
	for _, a := range addrs {
		cfg.Servers = append(cfg.Servers, config.Endpoint{Addr: a, Weight: 1})
	}
	c, err := client.New(context.Background(), cfg, Methods(), client.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return Client{Invoker: c}, c
}

func TestAdd(t *testing.T) {
	srv := startServer(t)
	stub, _ := newClient(t, srv.Addr().String())

	sum, err := stub.Add(context.Background(), 3, 4, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(12), sum)

	sum, err = stub.Add(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)
}

func TestDivideByZeroIsRemoteFailure(t *testing.T) {
	srv := startServer(t)
	stub, c := newClient(t, srv.Addr().String())

	_, err := stub.Divide(context.Background(), 1, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpc.ErrRemoteInvocation))
	assert.False(t, errors.Is(err, rpc.ErrTimeout))

	var remote *rpc.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, message.KindApplication, remote.Kind)
	assert.Equal(t, "DivideByZero", remote.Type)

	// Not an I/O failure, so the server was not parked.
	for _, e := range c.Endpoints() {
		assert.True(t, e.Ready())
	}

	q, err := stub.Divide(context.Background(), 12, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(3), q)

	_, err = stub.Divide(context.Background(), 1, 2)
	require.NoError(t, err)
}

func TestWrongOperandCountKeepsCause(t *testing.T) {
	srv := startServer(t)
	stub, _ := newClient(t, srv.Addr().String())

	_, err := stub.Invoker.Invoke(context.Background(), MethodDivide, []int64{1, 2, 3})
	var remote *rpc.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, ErrOperands.Error(), remote.Cause)
}

func TestEchoOverProtobuf(t *testing.T) {
	srv := startServer(t)
	stub, _ := newClient(t, srv.Addr().String())

	out, err := stub.Echo(context.Background(), "héllo")
	require.NoError(t, err)
	assert.Equal(t, "héllo", out)
}

func TestFailoverToLiveServer(t *testing.T) {
	live := startServer(t)
	dead := startServer(t)
	deadAddr := dead.Addr().String()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, dead.Shutdown(ctx))

	stub, c := newClient(t, deadAddr, live.Addr().String())
	for i := 0; i < 4; i++ {
		sum, err := stub.Add(context.Background(), int64(i), 1)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), sum)
	}

	for _, e := range c.Endpoints() {
		assert.Equal(t, e.Addr() != deadAddr, e.Ready(), e.URL())
	}
}
