//go:build !linux

package canbus

import (
	"fmt"

	"github.com/kstaniek/go-panda-gateway/internal/can"
)

// Brutella is only available on linux.
type Brutella struct{}

func OpenBrutella(iface string, bus uint8, buf int) (*Brutella, error) {
	return nil, fmt.Errorf("%w: brutella backend needs linux", ErrUnsupported)
}

func (d *Brutella) ReadPacket(*can.Packet) error         { return ErrUnsupported }
func (d *Brutella) WritePacket(can.Packet) error         { return ErrUnsupported }
func (d *Brutella) Configure(uint32, uint32, bool) error { return ErrUnsupported }
func (d *Brutella) Dropped() uint64                      { return 0 }
func (d *Brutella) Close() error                         { return nil }
