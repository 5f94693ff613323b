// Package frame implements the UART frame protocol: a six byte header with
// sync byte, type, sequence, length, flags and XOR checksum followed by up to
// 250 payload bytes. Payloads carry control requests, CAN batches, status and
// error reports, and chunks of transfers too large for a single frame.
package frame

import (
	"errors"
	"fmt"
)

const (
	Sync       byte = 0xAA
	HeaderSize      = 6
	MaxPayload      = 250
	// MaxFrameSize is a header plus a full payload.
	MaxFrameSize = HeaderSize + MaxPayload

	// ProtocolVersion is reported by GET_VERSION.
	ProtocolVersion uint16 = 0x0100
)

// Type selects how the payload is interpreted. The first four values double
// as the emulated USB endpoint numbers.
type Type uint8

const (
	TypeControl Type = 0x00
	TypeBulkIn  Type = 0x01
	TypeSerial  Type = 0x02
	TypeBulkOut Type = 0x03
	TypeStatus  Type = 0x04
	TypeError   Type = 0x05
	TypeChunk   Type = 0x06
	TypeAck     Type = 0x07
)

func (t Type) String() string {
	switch t {
	case TypeControl:
		return "control"
	case TypeBulkIn:
		return "bulk_in"
	case TypeSerial:
		return "serial"
	case TypeBulkOut:
		return "bulk_out"
	case TypeStatus:
		return "status"
	case TypeError:
		return "error"
	case TypeChunk:
		return "chunk"
	case TypeAck:
		return "ack"
	default:
		return fmt.Sprintf("type(0x%02X)", uint8(t))
	}
}

// Flags is the frame flag bit set.
type Flags uint8

const (
	FlagFirst       Flags = 0x01
	FlagLast        Flags = 0x02
	FlagAckRequired Flags = 0x04
	FlagPriority    Flags = 0x08
	FlagCompressed  Flags = 0x10
	FlagEncrypted   Flags = 0x20
)

// Per-frame errors. None of them is fatal for the link; the bad bytes are
// dropped and decoding continues at the next sync byte.
var (
	ErrInvalidSync      = errors.New("frame: invalid sync")
	ErrOversizePayload  = errors.New("frame: oversize payload")
	ErrChecksumMismatch = errors.New("frame: checksum mismatch")
	ErrShortFrame       = errors.New("frame: short frame")
)

// Frame is one transport unit.
type Frame struct {
	Type     Type
	Seq      uint8
	Flags    Flags
	Checksum uint8
	Payload  []byte
}

// Build validates the payload size and computes the checksum.
func Build(t Type, seq uint8, payload []byte, flags Flags) (Frame, error) {
	if len(payload) > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrOversizePayload, len(payload), MaxPayload)
	}
	f := Frame{Type: t, Seq: seq, Flags: flags, Payload: payload}
	f.Checksum = f.computeChecksum()
	return f, nil
}

func (f Frame) header() [HeaderSize - 1]byte {
	return [HeaderSize - 1]byte{Sync, byte(f.Type), f.Seq, byte(len(f.Payload)), byte(f.Flags)}
}

func (f Frame) computeChecksum() uint8 {
	var c uint8
	for _, b := range f.header() {
		c ^= b
	}
	for _, b := range f.Payload {
		c ^= b
	}
	return c
}

// Size is the encoded length.
func (f Frame) Size() int { return HeaderSize + len(f.Payload) }

// AppendTo appends the wire form of f to dst.
func (f Frame) AppendTo(dst []byte) []byte {
	h := f.header()
	dst = append(dst, h[:]...)
	dst = append(dst, f.Checksum)
	return append(dst, f.Payload...)
}

// Encode returns the wire form of f.
func (f Frame) Encode() []byte { return f.AppendTo(make([]byte, 0, f.Size())) }

// Validate parses one frame from the front of raw. It returns the frame and
// the number of bytes it occupied. The payload is copied.
func Validate(raw []byte) (Frame, int, error) {
	if len(raw) < HeaderSize {
		return Frame{}, 0, ErrShortFrame
	}
	if raw[0] != Sync {
		return Frame{}, 0, fmt.Errorf("%w: 0x%02X", ErrInvalidSync, raw[0])
	}
	ln := int(raw[3])
	if ln > MaxPayload {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrOversizePayload, ln)
	}
	n := HeaderSize + ln
	if len(raw) < n {
		return Frame{}, 0, ErrShortFrame
	}
	f := Frame{
		Type:     Type(raw[1]),
		Seq:      raw[2],
		Flags:    Flags(raw[4]),
		Checksum: raw[5],
		Payload:  append([]byte(nil), raw[HeaderSize:n]...),
	}
	if want := f.computeChecksum(); want != f.Checksum {
		return Frame{}, 0, fmt.Errorf("%w: got 0x%02X want 0x%02X", ErrChecksumMismatch, f.Checksum, want)
	}
	return f, n, nil
}
