//go:build linux

package canbus

import (
	"fmt"
	"sync"

	bcan "github.com/brutella/can"

	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/logging"
)

// Brutella is a classic CAN bus on a SocketCAN interface driven by
// brutella/can. The library pushes frames to Handle from its own read loop;
// they are queued for ReadPacket.
type Brutella struct {
	iface string
	bus   uint8
	b     *bcan.Bus
	ch    chan can.Packet
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	dropped uint64
}

// OpenBrutella binds iface and starts the library's receive loop.
func OpenBrutella(iface string, bus uint8, buf int) (*Brutella, error) {
	b, err := bcan.NewBusForInterfaceWithName(iface)
	if err != nil {
		return nil, fmt.Errorf("brutella %s: %w", iface, err)
	}
	if buf <= 0 {
		buf = defaultVirtualBuffer
	}
	d := &Brutella{iface: iface, bus: bus, b: b, ch: make(chan can.Packet, buf), done: make(chan struct{})}
	b.Subscribe(d)
	go func() {
		if err := b.ConnectAndPublish(); err != nil {
			select {
			case <-d.done:
			default:
				logging.L().Warn("brutella_rx_end", "if", iface, "error", err)
			}
		}
		d.shutdown()
	}()
	return d, nil
}

// Handle implements the brutella/can handler.
func (d *Brutella) Handle(fr bcan.Frame) {
	if fr.ID&(can.CAN_ERR_FLAG|can.CAN_RTR_FLAG) != 0 {
		return
	}
	n := min(int(fr.Length), len(fr.Data))
	p, err := can.FromSocketCAN(d.bus, fr.ID, fr.Data[:n], false)
	if err != nil {
		logging.L().Debug("brutella_frame_invalid", "if", d.iface, "error", err)
		return
	}
	select {
	case d.ch <- p:
	case <-d.done:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
	}
}

func (d *Brutella) ReadPacket(p *can.Packet) error {
	select {
	case pk := <-d.ch:
		*p = pk
		return nil
	case <-d.done:
		return ErrClosed
	}
}

func (d *Brutella) WritePacket(p can.Packet) error {
	if p.FD || p.Len() > 8 {
		return fmt.Errorf("%w: CAN-FD on %s", ErrUnsupported, d.iface)
	}
	fr := bcan.Frame{ID: p.SocketCANID(), Length: uint8(p.Len())}
	copy(fr.Data[:], p.Payload())
	return d.b.Publish(fr)
}

// Configure is not available through a raw socket; bitrates are set on the
// interface with ip-link.
func (d *Brutella) Configure(nominal, data uint32, fd bool) error {
	if fd {
		return fmt.Errorf("%w: CAN-FD on %s", ErrUnsupported, d.iface)
	}
	logging.L().Info("brutella_configure_ignored", "if", d.iface, "nominal", nominal)
	return nil
}

// Dropped counts frames lost because ReadPacket fell behind.
func (d *Brutella) Dropped() uint64 { d.mu.Lock(); defer d.mu.Unlock(); return d.dropped }

func (d *Brutella) Close() error {
	d.shutdown()
	return d.b.Disconnect()
}

func (d *Brutella) shutdown() { d.once.Do(func() { close(d.done) }) }
