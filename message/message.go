// Package message defines the RPC payloads carried inside protocol packets.
//
// Every RPC packet payload starts with an 8-byte request id (the envelope).
// The rest is either the serialized arguments (request), the serialized
// return value (response with ReservedOK) or a Failure record (response with
// ReservedFailure).
package message

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const IDSize = 8

// ErrMalformed marks a payload that cannot be a valid RPC envelope or failure
// record. It is fatal to the single packet, never to the connection.
var ErrMalformed = errors.New("message: malformed payload")

// Wrap prefixes body with the request id.
func Wrap(id uint64, body []byte) []byte {
	buf := make([]byte, IDSize+len(body))
	binary.BigEndian.PutUint64(buf[0:IDSize], id)
	copy(buf[IDSize:], body)
	return buf
}

// Unwrap splits an envelope into request id and body. The body aliases data.
func Unwrap(data []byte) (uint64, []byte, error) {
	if len(data) < IDSize {
		return 0, nil, errors.Wrapf(ErrMalformed, "envelope of %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data[0:IDSize]), data[IDSize:], nil
}

// Invocation is what the dispatch middleware chain sees for one request.
type Invocation struct {
	Method string // e.g. "Arith.Add"
	Code   uint16
	ID     uint64
	Peer   string // identity of the connection the request arrived on
	Args   any
}
