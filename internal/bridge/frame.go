// Package bridge implements the TCP wire format of the panda bridge: a 14
// byte little endian header followed by the payload, plus the optional
// challenge/response client authentication.
package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic       uint32 = 0x50414E44 // "PAND"
	HeaderSize         = 14
	MaxPayload         = 16384
	DefaultPort        = 8080
	MaxClients         = 4
)

// Stream identifies one of the four logical endpoints of a connection.
type Stream uint8

const (
	StreamControl Stream = 0
	StreamCANIn   Stream = 1
	StreamSerial  Stream = 2
	StreamCANOut  Stream = 3
	NumStreams           = 4
)

func (s Stream) String() string {
	switch s {
	case StreamControl:
		return "control"
	case StreamCANIn:
		return "can_in"
	case StreamSerial:
		return "serial"
	case StreamCANOut:
		return "can_out"
	}
	return fmt.Sprintf("stream(%d)", uint8(s))
}

// Type is the frame type carried in the header.
type Type uint8

const (
	TypeControl Type = 0x01
	TypeBulkIn  Type = 0x02
	TypeBulkOut Type = 0x03
	TypeSerial  Type = 0x04
	TypeStatus  Type = 0x05
	TypeAuth    Type = 0x06
)

func (t Type) String() string {
	switch t {
	case TypeControl:
		return "control"
	case TypeBulkIn:
		return "bulk_in"
	case TypeBulkOut:
		return "bulk_out"
	case TypeSerial:
		return "serial"
	case TypeStatus:
		return "status"
	case TypeAuth:
		return "auth"
	}
	return fmt.Sprintf("type(0x%02X)", uint8(t))
}

var (
	ErrBadMagic  = errors.New("bridge: bad magic")
	ErrBadStream = errors.New("bridge: bad stream id")
	ErrChecksum  = errors.New("bridge: checksum mismatch")
	ErrOversize  = errors.New("bridge: payload too large")
	ErrTruncated = errors.New("bridge: truncated frame")
)

// Frame is one bridge frame.
type Frame struct {
	Stream  Stream
	Type    Type
	Seq     uint32
	Payload []byte
}

func (f Frame) putHeader(h []byte) {
	binary.LittleEndian.PutUint32(h[0:4], Magic)
	h[4] = uint8(f.Stream)
	h[5] = uint8(f.Type)
	binary.LittleEndian.PutUint16(h[6:8], uint16(len(f.Payload)))
	binary.LittleEndian.PutUint32(h[8:12], f.Seq)
}

// Checksum is the CRC over header bytes 0..11 and the payload.
func (f Frame) Checksum() uint16 {
	var h [HeaderSize]byte
	f.putHeader(h[:])
	return crc16(crc16(0, h[:12]), f.Payload)
}

// AppendTo appends the wire form of f to dst.
func (f Frame) AppendTo(dst []byte) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return dst, fmt.Errorf("%w: %d bytes", ErrOversize, len(f.Payload))
	}
	if f.Stream >= NumStreams {
		return dst, fmt.Errorf("%w: %d", ErrBadStream, f.Stream)
	}
	var h [HeaderSize]byte
	f.putHeader(h[:])
	binary.LittleEndian.PutUint16(h[12:14], crc16(crc16(0, h[:12]), f.Payload))
	dst = append(dst, h[:]...)
	return append(dst, f.Payload...), nil
}

// EncodeTo writes f to w in a single Write.
func EncodeTo(w io.Writer, f Frame) (int, error) {
	buf, err := f.AppendTo(make([]byte, 0, HeaderSize+len(f.Payload)))
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

// Decode reads one frame from r. io.EOF is returned only at a clean frame
// boundary. On ErrChecksum the frame is still returned so the caller can
// decide between dropping it and dropping the connection; the stream stays
// in sync either way.
func Decode(r io.Reader) (Frame, error) {
	var h [HeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: header", ErrTruncated)
		}
		return Frame{}, err
	}
	if m := binary.LittleEndian.Uint32(h[0:4]); m != Magic {
		return Frame{}, fmt.Errorf("%w: 0x%08X", ErrBadMagic, m)
	}
	f := Frame{Stream: Stream(h[4]), Type: Type(h[5]), Seq: binary.LittleEndian.Uint32(h[8:12])}
	if f.Stream >= NumStreams {
		return f, fmt.Errorf("%w: %d", ErrBadStream, h[4])
	}
	n := int(binary.LittleEndian.Uint16(h[6:8]))
	if n > MaxPayload {
		return f, fmt.Errorf("%w: %d bytes", ErrOversize, n)
	}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return f, fmt.Errorf("%w: payload: %v", ErrTruncated, err)
		}
	}
	want := binary.LittleEndian.Uint16(h[12:14])
	if got := crc16(crc16(0, h[:12]), f.Payload); got != want {
		return f, fmt.Errorf("%w: got 0x%04X want 0x%04X", ErrChecksum, got, want)
	}
	return f, nil
}
