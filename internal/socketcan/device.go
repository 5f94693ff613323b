//go:build linux

// Package socketcan is a raw SocketCAN bus with CAN-FD support.
package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/canbus"
)

const (
	// sizeof(struct canfd_frame)
	canfdMTU = 72
	// struct canfd_frame flags
	fdBRS = 0x01
)

type Device struct {
	iface string
	bus   uint8
	fd    int
	canFD bool

	closeOnce sync.Once
}

// Open binds a raw socket on iface for bus. With fd set the socket accepts
// CAN-FD frames and classic frames alike.
func Open(iface string, bus uint8, fd bool) (*Device, error) {
	sock, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	on := 0
	if fd {
		on = 1
	}
	if err := unix.SetsockoptInt(sock, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, on); err != nil {
		if fd || err != unix.ENOPROTOOPT {
			_ = unix.Close(sock)
			return nil, fmt.Errorf("CAN_RAW_FD_FRAMES=%d: %w", on, err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(sock)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(sock, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(sock)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{iface: iface, bus: bus, fd: sock, canFD: fd}, nil
}

func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() { err = unix.Close(d.fd) })
	return err
}

// ReadPacket reads one classic or FD frame. Error and RTR frames are
// skipped.
func (d *Device) ReadPacket(p *can.Packet) error {
	var buf [canfdMTU]byte
	for {
		n, err := unix.Read(d.fd, buf[:])
		if err != nil {
			if errors.Is(err, unix.EBADF) {
				return canbus.ErrClosed
			}
			return err
		}
		// can_frame and canfd_frame share the layout:
		//   can_id u32 [0:4], len u8 [4], flags u8 [5], res [6:8], data [8:]
		// in host byte order.
		var fdFrame bool
		switch n {
		case unix.CAN_MTU:
		case canfdMTU:
			fdFrame = true
		default:
			return fmt.Errorf("short read: %d", n)
		}
		id := binary.LittleEndian.Uint32(buf[0:4])
		if id&(can.CAN_ERR_FLAG|can.CAN_RTR_FLAG) != 0 {
			continue
		}
		size := int(buf[4])
		if limit := n - 8; size > limit {
			size = limit
		}
		pk, err := can.FromSocketCAN(d.bus, id, buf[8:8+size], fdFrame)
		if err != nil {
			return err
		}
		*p = pk
		return nil
	}
}

// WritePacket writes p as a classic frame, or as an FD frame with bit rate
// switching when p.FD is set.
func (d *Device) WritePacket(p can.Packet) error {
	if p.FD && !d.canFD {
		return fmt.Errorf("%w: CAN-FD on %s", canbus.ErrUnsupported, d.iface)
	}
	var buf [canfdMTU]byte
	size := unix.CAN_MTU
	binary.LittleEndian.PutUint32(buf[0:4], p.SocketCANID())
	buf[4] = uint8(p.Len())
	if p.FD {
		size = canfdMTU
		buf[5] = fdBRS
	}
	copy(buf[8:], p.Payload())
	_, err := unix.Write(d.fd, buf[:size])
	return err
}

// Configure only checks that the requested mode fits the socket; bitrates
// belong to the netlink configuration of the interface.
func (d *Device) Configure(nominal, data uint32, fd bool) error {
	if fd && !d.canFD {
		return fmt.Errorf("%w: CAN-FD on %s", canbus.ErrUnsupported, d.iface)
	}
	return nil
}
