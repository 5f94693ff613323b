package can

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidChecksum is returned by Unpack when the checksum byte does not match.
	ErrInvalidChecksum = errors.New("can: invalid checksum")
	// ErrInvalidLength is returned for buffers shorter than the declared packet
	// and for data lengths outside 0..64.
	ErrInvalidLength = errors.New("can: invalid length")
	ErrInvalidDLC    = errors.New("can: invalid dlc")
	ErrInvalidBus    = errors.New("can: invalid bus")
	ErrInvalidAddr   = errors.New("can: invalid address")
)

var dlcToLen = [16]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// LenToDLC returns the smallest DLC whose length holds n bytes.
func LenToDLC(n int) (uint8, error) {
	if n < 0 || n > MaxDataLen {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	if n <= 8 {
		return uint8(n), nil
	}
	for dlc := 9; dlc < len(dlcToLen); dlc++ {
		if int(dlcToLen[dlc]) >= n {
			return uint8(dlc), nil
		}
	}
	return 15, nil
}

// DLCToLen maps a DLC (0..15) to its data length.
func DLCToLen(dlc uint8) (int, error) {
	if dlc > 15 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDLC, dlc)
	}
	return int(dlcToLen[dlc]), nil
}

// header encodes the five checksummed header bytes.
//
//	byte0    dlc:4 | bus:3 | fd:1
//	byte1-4  little endian addr:29 | extended:1 | returned:1 | rejected:1
func header(p *Packet) [5]byte {
	var h [5]byte
	h[0] = p.DLC<<4 | (p.Bus&0x07)<<1 | b2u(p.FD)
	w := p.Addr<<3 | uint32(b2u(p.Extended))<<2 | uint32(b2u(p.Returned))<<1 | uint32(b2u(p.Rejected))
	binary.LittleEndian.PutUint32(h[1:], w)
	return h
}

// Checksum is the XOR of the five header bytes and the valid data bytes.
func Checksum(p Packet) uint8 {
	h := header(&p)
	var c uint8
	for _, b := range h {
		c ^= b
	}
	for _, b := range p.Data[:p.Len()] {
		c ^= b
	}
	return c
}

// Pack writes p into buf and returns the number of bytes written.
// The checksum byte is recomputed from the packet contents.
func Pack(p Packet, buf []byte) (int, error) {
	if p.DLC > 15 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDLC, p.DLC)
	}
	n := p.Size()
	if len(buf) < n {
		return 0, fmt.Errorf("%w: buffer %d < %d", ErrInvalidLength, len(buf), n)
	}
	h := header(&p)
	copy(buf, h[:])
	buf[5] = Checksum(p)
	copy(buf[HeaderSize:n], p.Data[:p.Len()])
	return n, nil
}

// Append packs p onto dst.
func Append(dst []byte, p Packet) ([]byte, error) {
	if p.DLC > 15 {
		return dst, fmt.Errorf("%w: %d", ErrInvalidDLC, p.DLC)
	}
	start := len(dst)
	dst = append(dst, make([]byte, p.Size())...)
	if _, err := Pack(p, dst[start:]); err != nil {
		return dst[:start], err
	}
	return dst, nil
}

// Unpack decodes one packet from the front of buf and returns it with the
// number of bytes consumed. On ErrInvalidChecksum the packet length is still
// returned so stream readers can skip past it.
func Unpack(buf []byte) (Packet, int, error) {
	var p Packet
	if len(buf) < HeaderSize {
		return p, 0, fmt.Errorf("%w: %d byte header", ErrInvalidLength, len(buf))
	}
	p.DLC = buf[0] >> 4
	p.Bus = (buf[0] >> 1) & 0x07
	p.FD = buf[0]&0x01 != 0
	w := binary.LittleEndian.Uint32(buf[1:5])
	p.Addr = w >> 3
	p.Extended = w&0x04 != 0
	p.Returned = w&0x02 != 0
	p.Rejected = w&0x01 != 0
	p.Checksum = buf[5]
	n := HeaderSize + p.Len()
	if len(buf) < n {
		return p, 0, fmt.Errorf("%w: have %d need %d", ErrInvalidLength, len(buf), n)
	}
	copy(p.Data[:], buf[HeaderSize:n])
	if Checksum(p) != p.Checksum {
		return p, n, fmt.Errorf("%w: bus=%d addr=0x%X", ErrInvalidChecksum, p.Bus, p.Addr)
	}
	return p, n, nil
}

func b2u(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
