package can

import "fmt"

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

const (
	// HeaderSize is the fixed wire header in front of the data bytes.
	HeaderSize = 6
	// MaxDataLen is the largest CAN-FD payload.
	MaxDataLen = 64
	// MaxPacketSize is a packed packet with a full FD payload.
	MaxPacketSize = HeaderSize + MaxDataLen
	// NumBuses is the number of CAN buses a gateway exposes.
	NumBuses = 3
)

// Packet is one CAN or CAN-FD message as carried by the vehicle protocol.
// Only the first Len() bytes of Data are valid; the rest is zero padding.
type Packet struct {
	Addr     uint32 // 11 or 29 bit identifier, no flag bits
	Bus      uint8
	DLC      uint8
	FD       bool
	Extended bool
	Returned bool // echo of a packet this gateway transmitted
	Rejected bool // dropped by the safety gate
	Checksum uint8
	Data     [MaxDataLen]byte
}

// NewPacket builds a packet for data, choosing the smallest DLC that fits.
// Bytes between len(data) and the DLC length are zero. The checksum is set.
func NewPacket(bus uint8, addr uint32, data []byte, extended, fd bool) (Packet, error) {
	var p Packet
	dlc, err := LenToDLC(len(data))
	if err != nil {
		return p, err
	}
	p.Bus, p.Addr, p.DLC, p.Extended, p.FD = bus, addr, dlc, extended, fd
	copy(p.Data[:], data)
	if err := p.Validate(); err != nil {
		return p, err
	}
	p.SetChecksum()
	return p, nil
}

// Len is the payload length derived from the DLC.
func (p Packet) Len() int { return int(dlcToLen[p.DLC&0x0F]) }

// Payload returns the valid data bytes.
func (p *Packet) Payload() []byte { return p.Data[:p.Len()] }

// Size is the packed size on the wire.
func (p Packet) Size() int { return HeaderSize + p.Len() }

// SetChecksum recomputes and stores the checksum.
func (p *Packet) SetChecksum() { p.Checksum = Checksum(*p) }

// Valid reports whether the stored checksum matches the packet contents.
func (p Packet) Valid() bool { return p.Checksum == Checksum(p) }

// Validate checks field ranges the wire layout cannot express.
func (p Packet) Validate() error {
	if p.DLC > 15 {
		return fmt.Errorf("%w: %d", ErrInvalidDLC, p.DLC)
	}
	if p.Bus >= NumBuses {
		return fmt.Errorf("%w: %d", ErrInvalidBus, p.Bus)
	}
	if !p.FD && p.Len() > 8 {
		return fmt.Errorf("%w: classic frame with %d bytes", ErrInvalidLength, p.Len())
	}
	if p.Extended {
		if p.Addr > CAN_EFF_MASK {
			return fmt.Errorf("%w: extended id 0x%X", ErrInvalidAddr, p.Addr)
		}
	} else if p.Addr > CAN_SFF_MASK {
		return fmt.Errorf("%w: standard id 0x%X", ErrInvalidAddr, p.Addr)
	}
	return nil
}

// Equal compares two packets including flags and the valid data bytes.
func (p Packet) Equal(o Packet) bool {
	if p.Addr != o.Addr || p.Bus != o.Bus || p.DLC != o.DLC || p.FD != o.FD ||
		p.Extended != o.Extended || p.Returned != o.Returned || p.Rejected != o.Rejected ||
		p.Checksum != o.Checksum {
		return false
	}
	return p.Data == o.Data
}

func (p Packet) String() string {
	return fmt.Sprintf("bus=%d addr=0x%X ext=%t fd=%t len=%d data=% X", p.Bus, p.Addr, p.Extended, p.FD, p.Len(), p.Data[:p.Len()])
}

// SocketCANID returns the can_id as used by SocketCAN (EFF flag for 29 bit ids).
func (p Packet) SocketCANID() uint32 {
	if p.Extended {
		return (p.Addr & CAN_EFF_MASK) | CAN_EFF_FLAG
	}
	return p.Addr & CAN_SFF_MASK
}

// FromSocketCAN converts a SocketCAN id and payload into a packet on bus.
func FromSocketCAN(bus uint8, canID uint32, data []byte, fd bool) (Packet, error) {
	ext := canID&CAN_EFF_FLAG != 0
	addr := canID & CAN_SFF_MASK
	if ext {
		addr = canID & CAN_EFF_MASK
	}
	return NewPacket(bus, addr, data, ext, fd)
}
