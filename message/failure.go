package message

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// FailureKind classifies a server-side failure so that any client can
// reconstruct a typed error without parsing messages.
type FailureKind uint8

const (
	KindUnknown        FailureKind = 0
	KindApplication    FailureKind = 1 // the invoked method returned an error
	KindMethodNotFound FailureKind = 2
	KindSerialization  FailureKind = 3
	KindRejected       FailureKind = 4 // refused before invocation, e.g. rate limited
	KindDeadline       FailureKind = 5 // handler exceeded the server-side timeout
	KindInternal       FailureKind = 6 // handler panicked
)

func (k FailureKind) String() string {
	switch k {
	case KindApplication:
		return "Application"
	case KindMethodNotFound:
		return "MethodNotFound"
	case KindSerialization:
		return "Serialization"
	case KindRejected:
		return "Rejected"
	case KindDeadline:
		return "Deadline"
	case KindInternal:
		return "Internal"
	default:
		return fmt.Sprintf("FailureKind(%d)", uint8(k))
	}
}

// Typed lets application errors choose the type name that travels to the client.
type Typed interface {
	FailureType() string
}

// Failure is the structured record sent instead of a return value.
//
// Wire format: kind (1 byte), then type, message and cause, each as a 2-byte
// big-endian length followed by UTF-8 bytes.
type Failure struct {
	Kind    FailureKind
	Type    string
	Message string
	Cause   string
}

const maxFieldLen = 1<<16 - 1

func (f *Failure) Marshal() []byte {
	fields := []string{truncate(f.Type), truncate(f.Message), truncate(f.Cause)}
	total := 1
	for _, s := range fields {
		total += 2 + len(s)
	}
	buf := make([]byte, total)
	buf[0] = byte(f.Kind)
	offset := 1
	for _, s := range fields {
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(s)))
		offset += 2
		copy(buf[offset:offset+len(s)], s)
		offset += len(s)
	}
	return buf
}

func UnmarshalFailure(data []byte) (*Failure, error) {
	if len(data) < 1 {
		return nil, errors.Wrap(ErrMalformed, "empty failure record")
	}
	f := &Failure{Kind: FailureKind(data[0])}
	offset := 1
	var fields [3]string
	for i := range fields {
		if len(data) < offset+2 {
			return nil, errors.Wrapf(ErrMalformed, "failure record truncated at field %d", i)
		}
		n := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if len(data) < offset+n {
			return nil, errors.Wrapf(ErrMalformed, "failure field %d needs %d bytes", i, n)
		}
		fields[i] = string(data[offset : offset+n])
		offset += n
	}
	f.Type, f.Message, f.Cause = fields[0], fields[1], fields[2]
	return f, nil
}

// NewFailure describes err with the given kind. The type name comes from
// Typed when err implements it, otherwise from the dynamic Go type of the
// innermost wrapped error. The cause is recorded only when err wraps something.
func NewFailure(kind FailureKind, err error) *Failure {
	f := &Failure{Kind: kind, Message: err.Error()}

	var typed Typed
	if errors.As(err, &typed) {
		f.Type = typed.FailureType()
	}

	root, wrapped := err, false
	for next := errors.Unwrap(root); next != nil; next = errors.Unwrap(root) {
		root, wrapped = next, true
	}
	if f.Type == "" {
		f.Type = strings.TrimPrefix(fmt.Sprintf("%T", root), "*")
	}
	if wrapped {
		f.Cause = root.Error()
	}
	return f
}

// truncate cuts s to maxFieldLen bytes without splitting a rune.
func truncate(s string) string {
	if len(s) <= maxFieldLen {
		return s
	}
	n := maxFieldLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
