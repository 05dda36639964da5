package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ftrpc/message"
	"ftrpc/middleware"
	"ftrpc/protocol"
	"ftrpc/serializer"
	"ftrpc/transport"
)

type divideByZero struct{}

func (divideByZero) Error() string       { return "division by zero" }
func (divideByZero) FailureType() string { return "DivideByZero" }

var (
	addMethod    = Method{Name: "Calc.Add", Code: 1, Args: serializer.NewInt64s(1), Reply: serializer.NewInt64(1)}
	divideMethod = Method{Name: "Calc.Divide", Code: 2, Args: serializer.NewInt64s(2), Reply: serializer.NewInt64(2)}
	sleepMethod  = Method{Name: "Calc.Sleep", Code: 3, Args: serializer.NewInt64(3), Reply: serializer.NewInt64(3)}
	panicMethod  = Method{Name: "Calc.Panic", Code: 4, Args: serializer.NewString(4), Reply: serializer.NewString(4)}
	// registered on clients only
	missingMethod = Method{Name: "Calc.Missing", Code: 5, Args: serializer.NewString(5), Reply: serializer.NewString(5)}
)

type calc struct{}

func (calc) Bindings() []Binding {
	return []Binding{
		Bind(addMethod, func(_ context.Context, xs []int64) (int64, error) {
			var sum int64
			for _, x := range xs {
				sum += x
			}
			return sum, nil
		}),
		Bind(divideMethod, func(_ context.Context, xs []int64) (int64, error) {
			if len(xs) != 2 {
				return 0, errors.New("divide needs two operands")
			}
			if xs[1] == 0 {
				return 0, divideByZero{}
			}
			return xs[0] / xs[1], nil
		}),
		Bind(sleepMethod, func(ctx context.Context, ms int64) (int64, error) {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
			}
			return ms, nil
		}),
		Bind(panicMethod, func(context.Context, string) (string, error) {
			panic("boom")
		}),
	}
}

type harness struct {
	client *Client
	conn   *transport.Conn
	server *transport.Server
	disp   *Dispatcher
}

func newHarness(t *testing.T, workers int64, timeout time.Duration, mws ...middleware.Middleware) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	disp := NewDispatcher(serializer.NewRegistry(), DispatcherOptions{Workers: workers, Logger: logger})
	for _, mw := range mws {
		disp.Use(mw)
	}
	require.NoError(t, disp.RegisterService(calc{}))

	srv := transport.NewServer(disp, logger)
	_, err := srv.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve()

	client := NewClient(serializer.NewRegistry(), timeout, logger)
	require.NoError(t, client.Register(addMethod, divideMethod, sleepMethod, panicMethod, missingMethod))
	conn, err := transport.Dial(context.Background(), "tcp", srv.Addr().String(), time.Second, client, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		disp.Shutdown(ctx)
		srv.Close(ctx)
	})
	return &harness{client: client, conn: conn, server: srv, disp: disp}
}

func TestAddEndToEnd(t *testing.T) {
	h := newHarness(t, 0, time.Second)

	reply, err := h.client.Call(context.Background(), h.conn, "Calc.Add", []int64{3, 4, 5})
	require.NoError(t, err)
	assert.Equal(t, int64(12), reply)
	assert.Equal(t, 0, h.client.Pending())
}

func TestApplicationFailureIsRemoteError(t *testing.T) {
	h := newHarness(t, 0, time.Second)

	_, err := h.client.Call(context.Background(), h.conn, "Calc.Divide", []int64{1, 0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteInvocation))
	assert.False(t, errors.Is(err, ErrTimeout))

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, message.KindApplication, remote.Kind)
	assert.Equal(t, "DivideByZero", remote.Type)
	assert.Equal(t, "division by zero", remote.Message)

	// The connection is still usable.
	reply, err := h.client.Call(context.Background(), h.conn, "Calc.Divide", []int64{9, 3})
	require.NoError(t, err)
	assert.Equal(t, int64(3), reply)
}

func TestUnknownCodeGetsMethodNotFound(t *testing.T) {
	h := newHarness(t, 0, time.Second)

	_, err := h.client.Call(context.Background(), h.conn, "Calc.Missing", "x")
	assert.True(t, errors.Is(err, ErrMethodNotFound))
	assert.True(t, errors.Is(err, ErrRemoteInvocation))
	assert.True(t, h.conn.Connected(), "unknown code must not drop the connection")
}

func TestUnknownLocalMethod(t *testing.T) {
	h := newHarness(t, 0, time.Second)

	_, err := h.client.Call(context.Background(), h.conn, "Calc.Nope", nil)
	assert.True(t, errors.Is(err, ErrMethodNotFound))
	assert.False(t, errors.Is(err, ErrRemoteInvocation))
}

func TestPanicBecomesInternalFailure(t *testing.T) {
	h := newHarness(t, 2, time.Second, middleware.Recover())

	_, err := h.client.Call(context.Background(), h.conn, "Calc.Panic", "x")
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, message.KindInternal, remote.Kind)
	assert.Equal(t, "Panic", remote.Type)
}

func TestRateLimitedIsRejected(t *testing.T) {
	h := newHarness(t, 0, time.Second, middleware.RateLimit(0.001, 1))

	_, err := h.client.Call(context.Background(), h.conn, "Calc.Add", []int64{1})
	require.NoError(t, err)

	_, err = h.client.Call(context.Background(), h.conn, "Calc.Add", []int64{1})
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, message.KindRejected, remote.Kind)
}

func TestCallTimeout(t *testing.T) {
	h := newHarness(t, 4, 30*time.Millisecond)

	start := time.Now()
	_, err := h.client.Call(context.Background(), h.conn, "Calc.Sleep", int64(300))
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, 0, h.client.Pending())
}

func TestNotConnected(t *testing.T) {
	h := newHarness(t, 0, time.Second)
	h.conn.Close()
	<-h.conn.Closed()

	_, err := h.client.Call(context.Background(), h.conn, "Calc.Add", []int64{1})
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestCloseFailsPendingCalls(t *testing.T) {
	h := newHarness(t, 4, 5*time.Second)

	errc := make(chan error, 1)
	go func() {
		_, err := h.client.Call(context.Background(), h.conn, "Calc.Sleep", int64(2000))
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.client.Pending() == 1 }, time.Second, time.Millisecond)

	h.conn.Close()
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, transport.ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("pending call not failed by close")
	}
}

func TestConcurrentCallsOnOneConnection(t *testing.T) {
	h := newHarness(t, 4, 2*time.Second)

	var wg sync.WaitGroup
	for i := int64(0); i < 50; i++ {
		wg.Add(1)
		go func(i int64) {
			defer wg.Done()
			reply, err := h.client.Call(context.Background(), h.conn, "Calc.Add", []int64{i, i})
			if assert.NoError(t, err) {
				assert.Equal(t, 2*i, reply)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, h.client.Pending())
}

func TestHandleIgnoresWhatIsNotARequest(t *testing.T) {
	d := NewDispatcher(serializer.NewRegistry(), DispatcherOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, d.RegisterService(calc{}))

	// envelope too short
	assert.Nil(t, d.Handle(context.Background(), "p", &protocol.Packet{Code: 1, Data: []byte{1, 2}}))

	resp := d.Handle(context.Background(), "p", &protocol.Packet{Code: 1, Data: message.Wrap(9, []byte{0, 0})})
	require.NotNil(t, resp)
	assert.Equal(t, protocol.ReservedFailure, resp.Reserved)
	id, body, err := message.Unwrap(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), id)
	f, err := message.UnmarshalFailure(body)
	require.NoError(t, err)
	assert.Equal(t, message.KindSerialization, f.Kind)
	assert.Equal(t, "Serialization", f.Type)
}

func TestArgumentsDecodedThroughRegistry(t *testing.T) {
	reg := serializer.NewRegistry()
	d := NewDispatcher(reg, DispatcherOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, d.RegisterService(calc{}))

	// A later registration for the code replaces the binding's serializer.
	reg.MustRegister(serializer.NewJSON[[]int64](addMethod.Code))

	resp := d.Handle(context.Background(), "p", &protocol.Packet{Code: addMethod.Code, Data: message.Wrap(3, []byte("[3,4]"))})
	require.NotNil(t, resp)
	require.Equal(t, protocol.ReservedOK, resp.Reserved)
	id, body, err := message.Unwrap(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id)
	sum, err := addMethod.Reply.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, int64(7), sum)
}

func TestShutdownRejectsNewRequests(t *testing.T) {
	h := newHarness(t, 2, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.disp.Shutdown(ctx))

	_, err := h.client.Call(context.Background(), h.conn, "Calc.Add", []int64{1})
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, message.KindRejected, remote.Kind)
}

func TestRegisterRejectsBadMethods(t *testing.T) {
	d := NewDispatcher(serializer.NewRegistry(), DispatcherOptions{})
	bad := addMethod
	bad.Code = protocol.CodeSessionRegister
	assert.Error(t, d.Register(Bind(bad, func(context.Context, []int64) (int64, error) { return 0, nil })))

	clash := divideMethod
	clash.Name = "Other.Thing"
	clash.Code = addMethod.Code
	clash.Args = serializer.NewInt64s(addMethod.Code)
	require.NoError(t, d.Register(calc{}.Bindings()[0]))
	assert.Error(t, d.Register(Bind(clash, func(context.Context, []int64) (int64, error) { return 0, nil })))
}
