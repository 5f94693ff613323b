//go:build !linux

package socketcan

import (
	"fmt"

	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/canbus"
)

type Device struct{}

func Open(iface string, bus uint8, fd bool) (*Device, error) {
	return nil, fmt.Errorf("%w: socketcan needs linux", canbus.ErrUnsupported)
}

func (d *Device) Close() error                         { return nil }
func (d *Device) ReadPacket(*can.Packet) error         { return canbus.ErrUnsupported }
func (d *Device) WritePacket(can.Packet) error         { return canbus.ErrUnsupported }
func (d *Device) Configure(uint32, uint32, bool) error { return canbus.ErrUnsupported }
