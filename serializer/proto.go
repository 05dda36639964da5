package serializer

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

// Proto serializes protocol buffer messages of type T. newMsg must return a
// fresh, empty message on every call.
type Proto[T proto.Message] struct {
	code   uint16
	newMsg func() T
}

func NewProto[T proto.Message](code uint16, newMsg func() T) *Proto[T] {
	return &Proto[T]{code: code, newMsg: newMsg}
}

func (s *Proto[T]) Code() uint16 {
	return s.code
}

func (s *Proto[T]) Encode(v any) ([]byte, error) {
	msg, ok := v.(T)
	if !ok {
		return nil, typeMismatch("proto", typeName(s.newMsg()), v)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(ErrSerialization, "proto: %v", err)
	}
	return data, nil
}

func (s *Proto[T]) Decode(data []byte) (any, error) {
	msg := s.newMsg()
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrapf(ErrSerialization, "proto: %v", err)
	}
	return msg, nil
}
