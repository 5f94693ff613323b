// Package safety implements the gate every CAN packet passes before it is
// written to a vehicle bus, handed to the host, or relayed between buses.
// Vehicle specific rules are plugged in per mode as TxPolicy, RxPolicy and
// ForwardPolicy values; the gate itself only enforces the fail-safe rules.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/go-panda-gateway/internal/can"
)

// Mode identifies the active safety policy.
type Mode uint8

const (
	ModeNone     Mode = 0x00
	ModeNoOutput Mode = 0x01
	ModeHonda    Mode = 0x02
	ModeToyota   Mode = 0x03
	ModeGM       Mode = 0x04
	ModeTesla    Mode = 0x05
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeNoOutput:
		return "no_output"
	case ModeHonda:
		return "honda"
	case ModeToyota:
		return "toyota"
	case ModeGM:
		return "gm"
	case ModeTesla:
		return "tesla"
	default:
		return fmt.Sprintf("mode(0x%02X)", uint8(m))
	}
}

const (
	DefaultHeartbeatTimeout = 1000 * time.Millisecond
	DefaultCheckInterval    = 100 * time.Millisecond
)

var (
	// ErrBlocked is returned by callers that reject a packet the gate blocked.
	ErrBlocked = errors.New("safety: blocked")
	// ErrPolicy reports an invalid policy definition.
	ErrPolicy = errors.New("safety: invalid policy")
	// ErrUnknownMode reports a mode name or number that cannot be parsed.
	ErrUnknownMode = errors.New("safety: unknown mode")
)

// Reason explains a mode transition.
type Reason string

const (
	ReasonCommand   Reason = "command"
	ReasonHeartbeat Reason = "heartbeat_timeout"
)

// Stats is a point in time copy of the gate state.
type Stats struct {
	Mode          Mode
	Violations    uint64
	Blocked       uint64
	LastHeartbeat time.Time
	// FailSafe is set while the gate sits in NO_OUTPUT because of a
	// heartbeat timeout and no mode has been set since.
	FailSafe bool
}

// Gate holds the safety state. All methods are safe for concurrent use.
type Gate struct {
	mu               sync.Mutex
	mode             Mode
	violations       uint64
	blocked          uint64
	lastHeartbeat    time.Time
	failSafe         bool
	heartbeatTimeout time.Duration
	tx               map[Mode]TxPolicy
	rx               map[Mode]RxPolicy
	fwd              map[Mode]ForwardPolicy
	now              func() time.Time
	onTransition     func(from, to Mode, why Reason)
}

type Option func(*Gate)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.heartbeatTimeout = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithInitialMode sets the start-up mode. The default is NO_OUTPUT.
func WithInitialMode(m Mode) Option { return func(g *Gate) { g.mode = m } }

// WithTransitionHook registers fn to run after every mode change. It is
// called without the gate lock held.
func WithTransitionHook(fn func(from, to Mode, why Reason)) Option {
	return func(g *Gate) { g.onTransition = fn }
}

// New returns a gate in NO_OUTPUT with permissive policies registered for
// NONE and an allow-all receive policy for NO_OUTPUT.
func New(opts ...Option) *Gate {
	g := &Gate{
		mode:             ModeNoOutput,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		tx:               make(map[Mode]TxPolicy),
		rx:               make(map[Mode]RxPolicy),
		fwd:              make(map[Mode]ForwardPolicy),
		now:              time.Now,
	}
	g.tx[ModeNone] = AllowAll{}
	g.rx[ModeNone] = AllowAll{}
	g.rx[ModeNoOutput] = AllowAll{}
	for _, o := range opts {
		o(g)
	}
	g.lastHeartbeat = g.now()
	return g
}

func (g *Gate) RegisterTxPolicy(m Mode, p TxPolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p == nil {
		delete(g.tx, m)
		return
	}
	g.tx[m] = p
}

func (g *Gate) RegisterRxPolicy(m Mode, p RxPolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p == nil {
		delete(g.rx, m)
		return
	}
	g.rx[m] = p
}

func (g *Gate) RegisterForwardPolicy(m Mode, p ForwardPolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p == nil {
		delete(g.fwd, m)
		return
	}
	g.fwd[m] = p
}

// SetMode switches the active mode and clears a latched fail-safe. Counters
// are kept. Setting a mode is host activity, so it also refreshes the
// heartbeat time.
func (g *Gate) SetMode(m Mode) {
	g.mu.Lock()
	from := g.mode
	g.mode = m
	g.failSafe = false
	g.lastHeartbeat = g.now()
	hook := g.onTransition
	g.mu.Unlock()
	if hook != nil && from != m {
		hook(from, m, ReasonCommand)
	}
}

func (g *Gate) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// OnHeartbeat records host liveness. It never leaves NO_OUTPUT on its own.
func (g *Gate) OnHeartbeat() {
	g.mu.Lock()
	g.lastHeartbeat = g.now()
	g.mu.Unlock()
}

// CheckHeartbeat forces NO_OUTPUT when the last heartbeat is older than the
// timeout. It reports whether it changed the mode; the violation count grows
// by one per forced transition.
func (g *Gate) CheckHeartbeat(now time.Time) bool {
	g.mu.Lock()
	if g.mode == ModeNoOutput || now.Sub(g.lastHeartbeat) <= g.heartbeatTimeout {
		g.mu.Unlock()
		return false
	}
	from := g.mode
	g.mode = ModeNoOutput
	g.failSafe = true
	g.violations++
	hook := g.onTransition
	g.mu.Unlock()
	if hook != nil {
		hook(from, ModeNoOutput, ReasonHeartbeat)
	}
	return true
}

// Run checks the heartbeat every interval until ctx is done.
func (g *Gate) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.CheckHeartbeat(g.now())
		}
	}
}

// CheckTx reports whether p may be written to the vehicle. NO_OUTPUT blocks
// everything; a missing, failing or panicking policy blocks too.
func (g *Gate) CheckTx(p can.Packet) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mode == ModeNoOutput {
		g.blocked++
		return false
	}
	pol := g.tx[g.mode]
	if pol == nil {
		g.blocked++
		return false
	}
	ok := guard(func() (bool, error) { return pol.AllowTx(p) })
	if !ok {
		g.blocked++
	}
	return ok
}

// CheckRx reports whether p may be passed to the host.
func (g *Gate) CheckRx(p can.Packet) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	pol := g.rx[g.mode]
	if pol == nil {
		g.blocked++
		return false
	}
	ok := guard(func() (bool, error) { return pol.AllowRx(p) })
	if !ok {
		g.blocked++
	}
	return ok
}

// CheckForward returns the bus a packet seen on bus should be relayed to.
// Modes without a forward policy relay nothing; a failing policy relays
// nothing and counts as a block.
func (g *Gate) CheckForward(bus uint8, addr uint32) (uint8, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mode == ModeNoOutput {
		return 0, false
	}
	pol := g.fwd[g.mode]
	if pol == nil {
		return 0, false
	}
	target, route, failed := forward(pol, bus, addr)
	if failed || (route && (target >= can.NumBuses || target == bus)) {
		g.blocked++
		return 0, false
	}
	if !route {
		return 0, false
	}
	return target, true
}

func forward(pol ForwardPolicy, bus uint8, addr uint32) (target uint8, route, failed bool) {
	defer func() {
		if recover() != nil {
			target, route, failed = 0, false, true
		}
	}()
	t, ok, err := pol.Forward(bus, addr)
	if err != nil {
		return 0, false, true
	}
	return t, ok, false
}

func guard(fn func() (bool, error)) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	allowed, err := fn()
	return err == nil && allowed
}

func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Mode:          g.mode,
		Violations:    g.violations,
		Blocked:       g.blocked,
		LastHeartbeat: g.lastHeartbeat,
		FailSafe:      g.failSafe,
	}
}

// ResetStats zeroes the violation and block counters.
func (g *Gate) ResetStats() {
	g.mu.Lock()
	g.violations = 0
	g.blocked = 0
	g.mu.Unlock()
}

// HeartbeatAlive reports whether a heartbeat arrived within the timeout.
func (g *Gate) HeartbeatAlive(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return now.Sub(g.lastHeartbeat) <= g.heartbeatTimeout
}
