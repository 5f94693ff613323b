package canbus

import (
	"sync"

	"github.com/kstaniek/go-panda-gateway/internal/can"
)

const defaultVirtualBuffer = 256

// Network is an in-memory CAN wire. Every packet written by one endpoint is
// delivered to all other endpoints opened on the same network.
type Network struct {
	mu        sync.RWMutex
	closed    bool
	endpoints map[*Virtual]struct{}
	buf       int
}

// NewNetwork creates a network whose endpoints buffer buf packets each; a
// non positive buf selects the default.
func NewNetwork(buf int) *Network {
	if buf <= 0 {
		buf = defaultVirtualBuffer
	}
	return &Network{endpoints: make(map[*Virtual]struct{}), buf: buf}
}

// Open attaches a new endpoint that stamps received packets with bus.
func (n *Network) Open(bus uint8) *Virtual {
	v := &Virtual{net: n, bus: bus, ch: make(chan can.Packet, n.buf), done: make(chan struct{})}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(v.done)
		return v
	}
	n.endpoints[v] = struct{}{}
	n.mu.Unlock()
	return v
}

// Close detaches and closes every endpoint.
func (n *Network) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for v := range n.endpoints {
		v.shutdown()
	}
	n.endpoints = nil
	return nil
}

// Virtual is an endpoint of a Network. Packets that cannot be queued on a
// full endpoint are dropped and counted, as a controller would lose them.
type Virtual struct {
	net  *Network
	bus  uint8
	ch   chan can.Packet
	once sync.Once
	done chan struct{}

	mu      sync.Mutex
	cfg     Config
	dropped uint64
}

// NewVirtual returns an endpoint on a private network, handy when only the
// gateway side of a bus matters.
func NewVirtual(bus uint8) *Virtual { return NewNetwork(0).Open(bus) }

func (v *Virtual) ReadPacket(p *can.Packet) error {
	select {
	case pk := <-v.ch:
		*p = pk
		return nil
	case <-v.done:
		return ErrClosed
	}
}

func (v *Virtual) WritePacket(p can.Packet) error {
	select {
	case <-v.done:
		return ErrClosed
	default:
	}
	if err := p.Validate(); err != nil {
		return err
	}
	v.net.mu.RLock()
	defer v.net.mu.RUnlock()
	if v.net.closed {
		return ErrClosed
	}
	for t := range v.net.endpoints {
		if t != v {
			t.deliver(p)
		}
	}
	return nil
}

func (v *Virtual) deliver(p can.Packet) {
	p.Bus = v.bus
	p.Returned, p.Rejected = false, false
	p.SetChecksum()
	select {
	case v.ch <- p:
	case <-v.done:
	default:
		v.mu.Lock()
		v.dropped++
		v.mu.Unlock()
	}
}

func (v *Virtual) Configure(nominal, data uint32, fd bool) error {
	v.mu.Lock()
	v.cfg = Config{Nominal: nominal, Data: data, FD: fd}
	v.mu.Unlock()
	return nil
}

// Config reports the last configuration applied.
func (v *Virtual) Config() Config { v.mu.Lock(); defer v.mu.Unlock(); return v.cfg }

// Dropped is the number of packets lost because the endpoint was full.
func (v *Virtual) Dropped() uint64 { v.mu.Lock(); defer v.mu.Unlock(); return v.dropped }

func (v *Virtual) Close() error {
	v.net.mu.Lock()
	delete(v.net.endpoints, v)
	v.net.mu.Unlock()
	v.shutdown()
	return nil
}

func (v *Virtual) shutdown() { v.once.Do(func() { close(v.done) }) }
