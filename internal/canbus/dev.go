// Package canbus defines the vehicle bus collaborator used by the gateway
// and provides an in-memory bus and a brutella/can backed SocketCAN bus.
package canbus

import (
	"errors"

	"github.com/kstaniek/go-panda-gateway/internal/can"
)

var (
	ErrClosed      = errors.New("canbus: closed")
	ErrUnsupported = errors.New("canbus: not supported")
)

// Dev is one vehicle CAN bus. ReadPacket blocks until a packet arrives or
// the device is closed, in which case it returns ErrClosed.
type Dev interface {
	ReadPacket(p *can.Packet) error
	WritePacket(p can.Packet) error
	// Configure sets the nominal and data phase bitrates in bit/s.
	Configure(nominal, data uint32, fd bool) error
	Close() error
}

// Config is the last bitrate configuration applied to a bus.
type Config struct {
	Nominal uint32
	Data    uint32
	FD      bool
}
