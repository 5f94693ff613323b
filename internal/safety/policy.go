package safety

import (
	"fmt"

	"github.com/kstaniek/go-panda-gateway/internal/can"
)

// TxPolicy decides whether a host packet may be written to the vehicle.
// Implementations run under the gate lock and must not block or do I/O.
type TxPolicy interface {
	AllowTx(p can.Packet) (bool, error)
}

// RxPolicy decides whether a vehicle packet is passed to the host.
type RxPolicy interface {
	AllowRx(p can.Packet) (bool, error)
}

// ForwardPolicy picks the bus a received packet is relayed to, if any.
type ForwardPolicy interface {
	Forward(bus uint8, addr uint32) (target uint8, ok bool, err error)
}

// TxFunc adapts a function to TxPolicy.
type TxFunc func(can.Packet) (bool, error)

func (f TxFunc) AllowTx(p can.Packet) (bool, error) { return f(p) }

// RxFunc adapts a function to RxPolicy.
type RxFunc func(can.Packet) (bool, error)

func (f RxFunc) AllowRx(p can.Packet) (bool, error) { return f(p) }

// ForwardFunc adapts a function to ForwardPolicy.
type ForwardFunc func(bus uint8, addr uint32) (uint8, bool, error)

func (f ForwardFunc) Forward(bus uint8, addr uint32) (uint8, bool, error) { return f(bus, addr) }

// AllowAll passes every packet and forwards nothing.
type AllowAll struct{}

func (AllowAll) AllowTx(can.Packet) (bool, error)           { return true, nil }
func (AllowAll) AllowRx(can.Packet) (bool, error)           { return true, nil }
func (AllowAll) Forward(uint8, uint32) (uint8, bool, error) { return 0, false, nil }

const anyAddr = ^uint32(0)

// AllowList passes packets whose bus and address were added. A bus entry
// added with AllowBus passes any address on that bus.
type AllowList struct {
	all     bool
	entries map[uint8]map[uint32]struct{}
}

func NewAllowList() *AllowList { return &AllowList{entries: make(map[uint8]map[uint32]struct{})} }

// Allow adds one address on bus.
func (a *AllowList) Allow(bus uint8, addr uint32) *AllowList {
	m := a.entries[bus]
	if m == nil {
		m = make(map[uint32]struct{})
		a.entries[bus] = m
	}
	m[addr] = struct{}{}
	return a
}

// AllowBus passes every address on bus.
func (a *AllowList) AllowBus(bus uint8) *AllowList { return a.Allow(bus, anyAddr) }

// AllowAny passes everything.
func (a *AllowList) AllowAny() *AllowList { a.all = true; return a }

func (a *AllowList) allowed(bus uint8, addr uint32) bool {
	if a.all {
		return true
	}
	m := a.entries[bus]
	if m == nil {
		return false
	}
	if _, ok := m[anyAddr]; ok {
		return true
	}
	_, ok := m[addr]
	return ok
}

func (a *AllowList) AllowTx(p can.Packet) (bool, error) { return a.allowed(p.Bus, p.Addr), nil }
func (a *AllowList) AllowRx(p can.Packet) (bool, error) { return a.allowed(p.Bus, p.Addr), nil }

// StaticForward relays whole buses to fixed targets, except for blocked
// addresses.
type StaticForward struct {
	routes  map[uint8]uint8
	blocked map[uint8]map[uint32]struct{}
}

func NewStaticForward() *StaticForward {
	return &StaticForward{routes: make(map[uint8]uint8), blocked: make(map[uint8]map[uint32]struct{})}
}

// Route relays traffic seen on from to bus to.
func (s *StaticForward) Route(from, to uint8) (*StaticForward, error) {
	if from >= can.NumBuses || to >= can.NumBuses || from == to {
		return s, fmt.Errorf("%w: route %d->%d", ErrPolicy, from, to)
	}
	s.routes[from] = to
	return s, nil
}

// Block keeps addr on bus from being relayed.
func (s *StaticForward) Block(bus uint8, addr uint32) *StaticForward {
	m := s.blocked[bus]
	if m == nil {
		m = make(map[uint32]struct{})
		s.blocked[bus] = m
	}
	m[addr] = struct{}{}
	return s
}

func (s *StaticForward) Forward(bus uint8, addr uint32) (uint8, bool, error) {
	to, ok := s.routes[bus]
	if !ok {
		return 0, false, nil
	}
	if _, blocked := s.blocked[bus][addr]; blocked {
		return 0, false, nil
	}
	return to, true, nil
}
