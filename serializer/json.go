package serializer

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// JSON serializes values of type T with encoding/json.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection, larger payload (field names repeated).
type JSON[T any] struct {
	code uint16
}

func NewJSON[T any](code uint16) *JSON[T] {
	return &JSON[T]{code: code}
}

func (s *JSON[T]) Code() uint16 {
	return s.code
}

// Encode accepts either T or *T.
func (s *JSON[T]) Encode(v any) ([]byte, error) {
	switch v.(type) {
	case T, *T:
	default:
		var zero T
		return nil, typeMismatch("json", typeName(zero), v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(ErrSerialization, "json: %v", err)
	}
	return data, nil
}

// Decode always returns a T value.
func (s *JSON[T]) Decode(data []byte) (any, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrapf(ErrSerialization, "json: %v", err)
	}
	return out, nil
}
