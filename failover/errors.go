package failover

import (
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"

	"ftrpc/rpc"
	"ftrpc/transport"
	"ftrpc/waiter"
)

var (
	ErrAllHandlersUnavailable = errors.New("failover: all handlers unavailable")
	ErrRetriesExhausted       = errors.New("failover: retries exhausted")
)

// RouteError is the terminal failure of a routed call. It matches its Kind
// with errors.Is and unwraps to the last attempt's error, if any.
type RouteError struct {
	Kind     error
	Method   string
	Attempts int
	Last     error
}

func (e *RouteError) Error() string {
	s := fmt.Sprintf("%s: %s after %d attempt(s)", e.Kind, e.Method, e.Attempts)
	if e.Last != nil {
		s += ": " + e.Last.Error()
	}
	return s
}

func (e *RouteError) Is(target error) bool {
	return target == e.Kind
}

func (e *RouteError) Unwrap() error {
	return e.Last
}

func (e *RouteError) Cause() error {
	return e.Last
}

// IsIOError reports whether err is connection-class: the server may be fine
// but could not be reached, so another server is worth a try. Failures the
// server reported itself never are.
func IsIOError(err error) bool {
	if err == nil {
		return false
	}
	var remote *rpc.RemoteError
	if errors.As(err, &remote) {
		return false
	}
	for _, target := range []error{
		transport.ErrClosed,
		transport.ErrNotConnected,
		waiter.ErrTimeout,
		io.EOF,
		io.ErrUnexpectedEOF,
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
		syscall.EPIPE,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var ne net.Error
	return errors.As(err, &ne)
}
