// Package arith is a small example service: integer sums and division plus
// an echo that travels as protobuf.
package arith

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"ftrpc/rpc"
	"ftrpc/serializer"
)

const (
	CodeAdd    uint16 = 1
	CodeDivide uint16 = 2
	CodeEcho   uint16 = 3
)

const (
	MethodAdd    = "Arith.Add"
	MethodDivide = "Arith.Divide"
	MethodEcho   = "Arith.Echo"
)

func newStringValue() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }

// Methods is the method table shared by clients and servers.
func Methods() []rpc.Method {
	return []rpc.Method{
		{Name: MethodAdd, Code: CodeAdd, Args: serializer.NewInt64s(CodeAdd), Reply: serializer.NewInt64(CodeAdd)},
		{Name: MethodDivide, Code: CodeDivide, Args: serializer.NewInt64s(CodeDivide), Reply: serializer.NewInt64(CodeDivide)},
		{
			Name:  MethodEcho,
			Code:  CodeEcho,
			Args:  serializer.NewProto(CodeEcho, newStringValue),
			Reply: serializer.NewProto(CodeEcho, newStringValue),
		},
	}
}

// DivideByZeroError is returned by Divide for a zero divisor.
type DivideByZeroError struct {
	Dividend int64
}

func (e *DivideByZeroError) Error() string {
	return "divide by zero"
}

func (e *DivideByZeroError) FailureType() string {
	return "DivideByZero"
}

var ErrOperands = errors.New("arith: wrong number of operands")

// Service implements the methods.
type Service struct{}

func (Service) Add(_ context.Context, xs []int64) (int64, error) {
	var sum int64
	for _, x := range xs {
		sum += x
	}
	return sum, nil
}

// Divide divides xs[0] by xs[1].
func (Service) Divide(_ context.Context, xs []int64) (int64, error) {
	if len(xs) != 2 {
		return 0, errors.Wrapf(ErrOperands, "divide takes 2, got %d", len(xs))
	}
	if xs[1] == 0 {
		return 0, &DivideByZeroError{Dividend: xs[0]}
	}
	return xs[0] / xs[1], nil
}

func (Service) Echo(_ context.Context, s *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(s.GetValue()), nil
}

func (s Service) Bindings() []rpc.Binding {
	m := Methods()
	return []rpc.Binding{
		rpc.Bind(m[0], s.Add),
		rpc.Bind(m[1], s.Divide),
		rpc.Bind(m[2], s.Echo),
	}
}

// Invoker is satisfied by *client.Client and failover.Router.
type Invoker interface {
	Invoke(ctx context.Context, method string, args any) (any, error)
}

// Client is a typed stub over any Invoker.
type Client struct {
	Invoker Invoker
}

func (c Client) Add(ctx context.Context, xs ...int64) (int64, error) {
	reply, err := c.Invoker.Invoke(ctx, MethodAdd, xs)
	if err != nil {
		return 0, err
	}
	return reply.(int64), nil
}

func (c Client) Divide(ctx context.Context, a, b int64) (int64, error) {
	reply, err := c.Invoker.Invoke(ctx, MethodDivide, []int64{a, b})
	if err != nil {
		return 0, err
	}
	return reply.(int64), nil
}

func (c Client) Echo(ctx context.Context, s string) (string, error) {
	reply, err := c.Invoker.Invoke(ctx, MethodEcho, wrapperspb.String(s))
	if err != nil {
		return "", err
	}
	return reply.(*wrapperspb.StringValue).GetValue(), nil
}
