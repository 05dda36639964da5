package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Int64 encodes a single int64 as 8 big-endian bytes.
type Int64 struct {
	code uint16
}

func NewInt64(code uint16) *Int64 {
	return &Int64{code: code}
}

func (s *Int64) Code() uint16 {
	return s.code
}

func (s *Int64) Encode(v any) ([]byte, error) {
	n, ok := v.(int64)
	if !ok {
		return nil, typeMismatch("int64", "int64", v)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf, nil
}

func (s *Int64) Decode(data []byte) (any, error) {
	if len(data) != 8 {
		return nil, errors.Wrapf(ErrSerialization, "int64: expected 8 bytes, got %d", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

// Int64s encodes a []int64 as a 4-byte count followed by 8 bytes per element.
type Int64s struct {
	code uint16
}

func NewInt64s(code uint16) *Int64s {
	return &Int64s{code: code}
}

func (s *Int64s) Code() uint16 {
	return s.code
}

func (s *Int64s) Encode(v any) ([]byte, error) {
	nums, ok := v.([]int64)
	if !ok {
		return nil, typeMismatch("int64s", "[]int64", v)
	}
	buf := make([]byte, 4+8*len(nums))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(nums)))
	offset := 4
	for _, n := range nums {
		binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(n))
		offset += 8
	}
	return buf, nil
}

func (s *Int64s) Decode(data []byte) (any, error) {
	if len(data) < 4 {
		return nil, errors.Wrap(ErrSerialization, "int64s: missing count")
	}
	count := binary.BigEndian.Uint32(data[0:4])
	if uint64(len(data)-4) != uint64(count)*8 {
		return nil, errors.Wrapf(ErrSerialization, "int64s: count %d does not match %d payload bytes", count, len(data)-4)
	}
	nums := make([]int64, count)
	offset := 4
	for i := range nums {
		nums[i] = int64(binary.BigEndian.Uint64(data[offset : offset+8]))
		offset += 8
	}
	return nums, nil
}

// String carries raw UTF-8 bytes, e.g. session identifiers.
type String struct {
	code uint16
}

func NewString(code uint16) *String {
	return &String{code: code}
}

func (s *String) Code() uint16 {
	return s.code
}

func (s *String) Encode(v any) ([]byte, error) {
	str, ok := v.(string)
	if !ok {
		return nil, typeMismatch("string", "string", v)
	}
	return []byte(str), nil
}

func (s *String) Decode(data []byte) (any, error) {
	return string(data), nil
}

// Bytes passes pre-encoded payloads through unchanged.
type Bytes struct {
	code uint16
}

func NewBytes(code uint16) *Bytes {
	return &Bytes{code: code}
}

func (s *Bytes) Code() uint16 {
	return s.code
}

func (s *Bytes) Encode(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, typeMismatch("bytes", "[]byte", v)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *Bytes) Decode(data []byte) (any, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
