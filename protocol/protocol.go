// Package protocol implements the binary packet framing shared by every ftrpc peer.
//
// A packet is an operation code, a version byte, a reserved byte and an opaque
// payload. On the wire each packet is prefixed with an 11-byte header so the
// receiver can read the header first and then exactly Length bytes of data.
//
// Frame format:
//
//	0      3      5  6  7         11
//	┌──────┬──────┬──┬──┬─────────┬───────────────┐
//	│magic │ code │v │rs│ length  │    data ...    │
//	│ ftr  │uint16│  │  │ uint32  │ length bytes   │
//	└──────┴──────┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Magic bytes: "ftr". Used to reject non-protocol peers (e.g. an HTTP client
// hitting the wrong port) before trusting the length field.
const (
	MagicByte1 byte = 0x66 // 'f'
	MagicByte2 byte = 0x74 // 't'
	MagicByte3 byte = 0x72 // 'r'
	HeaderSize int  = 11   // 3 (magic) + 2 (code) + 1 (version) + 1 (reserved) + 4 (length)
)

// Version is the packet version written by this implementation.
const Version byte = 0x01

// MaxDataSize bounds a single packet payload. Anything larger is treated as
// malformed framing, which is fatal to the connection.
const MaxDataSize = 16 << 20

// Code space partition. Changing it breaks interoperability with every peer.
const (
	CodeHeartbeat       uint16 = 0
	MinUserCode         uint16 = 1
	MaxUserCode         uint16 = 65500
	CodeSessionRegister uint16 = 65501
)

// Values of the reserved byte used by RPC dispatch.
const (
	ReservedRequest byte = 0
	ReservedOK      byte = 1
	ReservedFailure byte = 2
)

var (
	ErrBadMagic      = errors.New("protocol: invalid magic number")
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum data size")
)

// Packet is the atomic unit exchanged on a connection. Treat it as immutable
// once built; use Copy before handing the same packet to several writers.
type Packet struct {
	Code     uint16
	Version  byte
	Reserved byte
	Data     []byte
}

// Length is derived from the payload.
func (p *Packet) Length() int {
	return len(p.Data)
}

// IsHeartbeat reports whether p is a keep-alive packet.
func (p *Packet) IsHeartbeat() bool {
	return p.Code == CodeHeartbeat
}

// Copy returns a deep copy of p.
func (p *Packet) Copy() *Packet {
	cp := *p
	if p.Data != nil {
		cp.Data = make([]byte, len(p.Data))
		copy(cp.Data, p.Data)
	}
	return &cp
}

// Heartbeat builds a zero-payload keep-alive packet.
func Heartbeat() *Packet {
	return &Packet{Code: CodeHeartbeat, Version: Version}
}

func IsUserCode(code uint16) bool {
	return code >= MinUserCode && code <= MaxUserCode
}

func IsSystemCode(code uint16) bool {
	return code > MaxUserCode
}

// Encode writes one complete frame (header + data) to w with a single Write.
// Callers sharing a writer must serialize calls, otherwise frames interleave.
func Encode(w io.Writer, p *Packet) error {
	if len(p.Data) > MaxDataSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, HeaderSize+len(p.Data))

	buf[0], buf[1], buf[2] = MagicByte1, MagicByte2, MagicByte3
	binary.BigEndian.PutUint16(buf[3:5], p.Code)
	buf[5] = p.Version
	buf[6] = p.Reserved
	binary.BigEndian.PutUint32(buf[7:11], uint32(len(p.Data)))
	copy(buf[HeaderSize:], p.Data)

	_, err := w.Write(buf)
	return err
}

// Decode reads one complete frame from r. io.ReadFull guarantees that a
// packet is never handed out partially.
func Decode(r io.Reader) (*Packet, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	if header[0] != MagicByte1 || header[1] != MagicByte2 || header[2] != MagicByte3 {
		return nil, errors.Wrapf(ErrBadMagic, "got %x", header[0:3])
	}

	length := binary.BigEndian.Uint32(header[7:11])
	if length > MaxDataSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "length %d", length)
	}

	p := &Packet{
		Code:     binary.BigEndian.Uint16(header[3:5]),
		Version:  header[5],
		Reserved: header[6],
	}
	if length > 0 {
		p.Data = make([]byte, length)
		if _, err := io.ReadFull(r, p.Data); err != nil {
			return nil, err
		}
	}
	return p, nil
}
