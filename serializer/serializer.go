// Package serializer maps packet codes to the strategies that turn payloads
// into application objects and back.
//
// A Registry is process-wide by convention but never global: it is created
// once with NewRegistry, populated before any connection starts reading and
// then passed explicitly to every client and server that needs it.
package serializer

import (
	"sync"

	"github.com/pkg/errors"

	"ftrpc/protocol"
)

var (
	// ErrUnknownCode is returned when no serializer is registered for a code.
	ErrUnknownCode = errors.New("serializer: unknown code")
	// ErrSerialization marks encode and decode failures of a plugin.
	ErrSerialization = errors.New("serializer: serialization failed")
)

// Serializer converts between an application object and payload bytes for
// exactly one packet code.
type Serializer interface {
	Code() uint16
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Registry holds one Serializer per code. Registration is expected to happen
// before first use; reads are safe from any number of goroutines.
type Registry struct {
	serializers sync.Map // uint16 -> Serializer
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register associates s with its code. A later registration for the same code
// wins. The heartbeat code cannot carry a serializer.
func (r *Registry) Register(s Serializer) error {
	if s.Code() == protocol.CodeHeartbeat {
		return errors.Errorf("serializer: code %d is reserved for heartbeat", protocol.CodeHeartbeat)
	}
	r.serializers.Store(s.Code(), s)
	return nil
}

// MustRegister is Register for static initialization paths.
func (r *Registry) MustRegister(serializers ...Serializer) {
	for _, s := range serializers {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) CanHandle(code uint16) bool {
	_, ok := r.serializers.Load(code)
	return ok
}

func (r *Registry) Lookup(code uint16) (Serializer, bool) {
	s, ok := r.serializers.Load(code)
	if !ok {
		return nil, false
	}
	return s.(Serializer), true
}

// Encode serializes v with the serializer registered for code and wraps the
// result in a fresh packet.
func (r *Registry) Encode(code uint16, v any) (*protocol.Packet, error) {
	s, ok := r.Lookup(code)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCode, "encode code %d", code)
	}
	data, err := s.Encode(v)
	if err != nil {
		return nil, err
	}
	return &protocol.Packet{Code: code, Version: protocol.Version, Data: data}, nil
}

// Decode deserializes the payload of p with the serializer registered for its code.
func (r *Registry) Decode(p *protocol.Packet) (any, error) {
	return r.DecodeData(p.Code, p.Data)
}

// DecodeData is Decode for a payload that has already been taken out of its packet.
func (r *Registry) DecodeData(code uint16, data []byte) (any, error) {
	s, ok := r.Lookup(code)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCode, "decode code %d", code)
	}
	return s.Decode(data)
}

func typeMismatch(name string, want string, v any) error {
	return errors.Wrapf(ErrSerialization, "%s: expected %s, got %T", name, want, v)
}
