package rpc

import (
	"fmt"

	"github.com/pkg/errors"

	"ftrpc/message"
	"ftrpc/serializer"
	"ftrpc/transport"
	"ftrpc/waiter"
)

var (
	ErrMethodNotFound   = errors.New("rpc: method not found")
	ErrRemoteInvocation = errors.New("rpc: remote invocation failed")

	// Re-exported so callers need one import to classify call failures.
	ErrTimeout      = waiter.ErrTimeout
	ErrNotConnected = transport.ErrNotConnected
	ErrNoSerializer = serializer.ErrUnknownCode
)

// RemoteError is a failure reported by the server, reconstructed from its
// wire record. It matches ErrRemoteInvocation, and ErrMethodNotFound when
// the server did not know the method.
type RemoteError struct {
	Method  string
	Kind    message.FailureKind
	Type    string
	Message string
	Cause   string
}

func newRemoteError(method string, f *message.Failure) *RemoteError {
	return &RemoteError{Method: method, Kind: f.Kind, Type: f.Type, Message: f.Message, Cause: f.Cause}
}

func (e *RemoteError) Error() string {
	s := fmt.Sprintf("rpc: %s failed remotely: %s (%s)", e.Method, e.Message, e.Type)
	if e.Cause != "" && e.Cause != e.Message {
		s += ": caused by " + e.Cause
	}
	return s
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrRemoteInvocation:
		return true
	case ErrMethodNotFound:
		return e.Kind == message.KindMethodNotFound
	}
	return false
}

// FailureType makes a RemoteError keep its type when relayed by another server.
func (e *RemoteError) FailureType() string {
	return e.Type
}
