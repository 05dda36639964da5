package rpc

import (
	"context"

	"github.com/pkg/errors"

	"ftrpc/protocol"
	"ftrpc/serializer"
)

// Method binds a method name to its wire code and the serializers of its
// arguments and return value. Clients and servers must agree on the table.
type Method struct {
	Name  string // "Service.Method"
	Code  uint16
	Args  serializer.Serializer
	Reply serializer.Serializer
}

func (m *Method) validate() error {
	switch {
	case m.Name == "":
		return errors.New("rpc: method without name")
	case !protocol.IsUserCode(m.Code):
		return errors.Errorf("rpc: %s: code %d outside user range %d..%d", m.Name, m.Code, protocol.MinUserCode, protocol.MaxUserCode)
	case m.Args == nil || m.Reply == nil:
		return errors.Errorf("rpc: %s: missing serializer", m.Name)
	case m.Args.Code() != m.Code:
		return errors.Errorf("rpc: %s: args serializer has code %d, want %d", m.Name, m.Args.Code(), m.Code)
	}
	return nil
}

// InvokeFunc executes one call against a service implementation.
type InvokeFunc func(ctx context.Context, args any) (any, error)

// Binding is one row of the server's dispatch table.
type Binding struct {
	Method
	Invoke InvokeFunc
}

// Service is implemented by every service that can be registered on a
// server. It lists its dispatch table explicitly.
type Service interface {
	Bindings() []Binding
}

// Bind adapts a typed function to a Binding.
func Bind[A, R any](m Method, fn func(ctx context.Context, args A) (R, error)) Binding {
	return Binding{
		Method: m,
		Invoke: func(ctx context.Context, args any) (any, error) {
			a, ok := args.(A)
			if !ok {
				return nil, errors.Wrapf(serializer.ErrSerialization, "%s: decoded %T, handler wants %T", m.Name, args, a)
			}
			return fn(ctx, a)
		},
	}
}
