// Package gateway ties the vehicle buses to the host transports. It owns
// the shared CAN TX queue, one receive task per bus, the heartbeat monitor
// and the control command set, and hands CAN-in traffic to the broadcast
// hub and any extra sinks such as the UART link.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/canbus"
	"github.com/kstaniek/go-panda-gateway/internal/frame"
	"github.com/kstaniek/go-panda-gateway/internal/hub"
	"github.com/kstaniek/go-panda-gateway/internal/logging"
	"github.com/kstaniek/go-panda-gateway/internal/metrics"
	"github.com/kstaniek/go-panda-gateway/internal/safety"
	"github.com/kstaniek/go-panda-gateway/internal/transport"
)

const (
	DefaultTxQueue        = 64
	DefaultQueueTimeout   = 10 * time.Millisecond
	DefaultStatusInterval = time.Second

	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

var (
	ErrNotStarted = errors.New("gateway: not started")
	ErrNoBus      = errors.New("gateway: bus not attached")
	// ErrTxOverflow is returned when the shared TX queue stayed full.
	ErrTxOverflow = fmt.Errorf("can tx: %w", transport.ErrBufferFull)
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

type txItem struct {
	p   can.Packet
	fwd bool
}

type busCounters struct {
	rx, tx, fwd         atomic.Uint64
	rxErr, txErr        atomic.Uint64
	rxBlocked           atomic.Uint64
	txBlocked, checksum atomic.Uint64
	txLost              atomic.Uint64
}

// Gateway is the process wide CAN state. Create it with New, attach sinks,
// then Start it.
type Gateway struct {
	buses [can.NumBuses]canbus.Dev
	cfg   [can.NumBuses]canbus.Config
	cfgMu sync.Mutex
	gate  *safety.Gate
	hub   *hub.Hub

	sinkMu   sync.RWMutex
	sinks    transport.Fanout
	notices  []func([]byte)
	statuses []func(frame.Status)

	tx       atomic.Pointer[transport.AsyncTx[txItem]]
	counters [can.NumBuses]busCounters
	started  time.Time
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	version        string
	txQueue        int
	queueTimeout   time.Duration
	checkInterval  time.Duration
	statusInterval time.Duration
	echo           bool
	log            *slog.Logger
}

type Option func(*Gateway)

// WithTxQueue sets the capacity of the shared TX queue.
func WithTxQueue(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.txQueue = n
		}
	}
}

// WithQueueTimeout sets how long Transmit waits for TX queue room before
// it reports a full buffer.
func WithQueueTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.queueTimeout = d
		}
	}
}

func WithHeartbeatCheck(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.checkInterval = d
		}
	}
}

func WithStatusInterval(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.statusInterval = d
		}
	}
}

func WithVersion(v string) Option { return func(g *Gateway) { g.version = v } }

// WithEcho controls whether transmitted host packets are returned to the
// host with the Returned flag. On by default.
func WithEcho(on bool) Option { return func(g *Gateway) { g.echo = on } }

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// New builds a gateway for buses, indexed by bus number. Missing or nil
// entries leave that bus detached.
func New(buses []canbus.Dev, gate *safety.Gate, h *hub.Hub, opts ...Option) *Gateway {
	g := &Gateway{
		gate:           gate,
		hub:            h,
		version:        "dev",
		txQueue:        DefaultTxQueue,
		queueTimeout:   DefaultQueueTimeout,
		checkInterval:  safety.DefaultCheckInterval,
		statusInterval: DefaultStatusInterval,
		echo:           true,
		log:            logging.L(),
		started:        time.Now(),
	}
	for i := 0; i < len(buses) && i < can.NumBuses; i++ {
		g.buses[i] = buses[i]
	}
	if g.gate == nil {
		g.gate = safety.New()
	}
	if g.hub == nil {
		g.hub = hub.New()
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gateway) Gate() *safety.Gate { return g.gate }
func (g *Gateway) Hub() *hub.Hub      { return g.hub }

// AddSink registers an extra receiver of CAN-in traffic.
func (g *Gateway) AddSink(s transport.PacketSink) {
	g.sinkMu.Lock()
	g.sinks = append(g.sinks, s)
	g.sinkMu.Unlock()
}

// AddNoticeSink registers a receiver of debug text for the serial endpoint.
func (g *Gateway) AddNoticeSink(fn func([]byte)) {
	g.sinkMu.Lock()
	g.notices = append(g.notices, fn)
	g.sinkMu.Unlock()
}

// AddStatusSink registers a receiver of the periodic status report.
func (g *Gateway) AddStatusSink(fn func(frame.Status)) {
	g.sinkMu.Lock()
	g.statuses = append(g.statuses, fn)
	g.sinkMu.Unlock()
}

// Start launches the TX queue, one receive task per attached bus, the
// heartbeat monitor and the status ticker. Close stops them.
func (g *Gateway) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	g.cancel = cancel
	g.started = time.Now()
	hooks := transport.Hooks{
		OnDrop: func() error {
			metrics.IncError(metrics.ErrCANOverflow)
			metrics.IncQueueFull()
			return ErrTxOverflow
		},
	}
	g.tx.Store(transport.NewAsyncTx(ctx, g.txQueue, g.write, hooks, transport.WithEnqueueTimeout(g.queueTimeout)))
	for i, d := range g.buses {
		if d == nil {
			continue
		}
		g.wg.Add(1)
		go g.rxLoop(ctx, uint8(i), d)
	}
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.gate.Run(ctx, g.checkInterval)
	}()
	go g.monitor(ctx)
	metrics.SetSafetyMode(uint8(g.gate.Mode()))
	g.log.Info("gateway_start", "buses", g.attached(), "mode", g.gate.Mode().String(), "tx_queue", g.txQueue)
}

// Close stops all tasks and closes the buses.
func (g *Gateway) Close() {
	if g.cancel != nil {
		g.cancel()
	}
	for _, d := range g.buses {
		if d != nil {
			_ = d.Close()
		}
	}
	if tx := g.tx.Load(); tx != nil {
		tx.Close()
	}
	g.wg.Wait()
}

func (g *Gateway) attached() []int {
	var out []int
	for i, d := range g.buses {
		if d != nil {
			out = append(out, i)
		}
	}
	return out
}

func (g *Gateway) rxLoop(ctx context.Context, bus uint8, d canbus.Dev) {
	defer g.wg.Done()
	defer g.log.Info("can_rx_end", "bus", bus)
	c := &g.counters[bus]
	backoff := rxBackoffMin
	for {
		var p can.Packet
		if err := d.ReadPacket(&p); err != nil {
			if ctx.Err() != nil || errors.Is(err, canbus.ErrClosed) {
				return
			}
			c.rxErr.Add(1)
			metrics.IncError(metrics.ErrCANRead)
			g.log.Warn("can_read_error", "bus", bus, "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = min(backoff*2, rxBackoffMax)
			continue
		}
		backoff = rxBackoffMin
		g.receive(bus, p)
	}
}

// receive runs one packet read from bus through forwarding and the RX gate.
func (g *Gateway) receive(bus uint8, p can.Packet) {
	c := &g.counters[bus]
	p.Bus = bus
	p.Returned, p.Rejected = false, false
	p.SetChecksum()
	c.rx.Add(1)
	metrics.IncCANRx(bus)

	if target, ok := g.gate.CheckForward(bus, p.Addr); ok {
		fp := p
		fp.Bus = target
		fp.SetChecksum()
		if err := g.enqueue(txItem{p: fp, fwd: true}); err != nil {
			g.counters[target].txLost.Add(1)
			g.log.Debug("can_forward_drop", "from", bus, "to", target, "error", err)
		} else {
			c.fwd.Add(1)
			metrics.IncCANFwd()
		}
	}
	if !g.gate.CheckRx(p) {
		c.rxBlocked.Add(1)
		metrics.IncSafetyBlocked()
		return
	}
	g.deliver(p)
}

func (g *Gateway) deliver(p can.Packet) {
	g.hub.Broadcast(p)
	g.sinkMu.RLock()
	sinks := g.sinks
	g.sinkMu.RUnlock()
	if err := sinks.SendPacket(p); err != nil {
		g.log.Debug("can_in_sink_error", "error", err)
	}
}

func (g *Gateway) enqueue(it txItem) error {
	tx := g.tx.Load()
	if tx == nil {
		return ErrNotStarted
	}
	return tx.Send(it)
}

// write is the only writer of the buses.
func (g *Gateway) write(it txItem) error {
	p := it.p
	c := &g.counters[p.Bus]
	d := g.buses[p.Bus]
	if d == nil {
		c.txErr.Add(1)
		return fmt.Errorf("%w: %d", ErrNoBus, p.Bus)
	}
	if err := d.WritePacket(p); err != nil {
		c.txErr.Add(1)
		metrics.IncError(metrics.ErrCANWrite)
		g.log.Warn("can_write_error", "bus", p.Bus, "addr", fmt.Sprintf("0x%X", p.Addr), "error", err)
		return err
	}
	c.tx.Add(1)
	metrics.IncCANTx(p.Bus)
	if g.echo && !it.fwd {
		p.Returned = true
		p.SetChecksum()
		g.deliver(p)
	}
	return nil
}

// Transmit validates a host packet, runs it through the TX gate and queues
// it for its bus. Rejections carry a frame.ErrorInfo for the host. A packet
// the gate blocks is echoed back with Rejected set.
func (g *Gateway) Transmit(p can.Packet) error {
	if int(p.Bus) >= can.NumBuses {
		return reject(frame.ErrCodeInvalidFrame, p, "bad bus", can.ErrInvalidBus)
	}
	c := &g.counters[p.Bus]
	if !p.Valid() {
		c.checksum.Add(1)
		metrics.IncChecksumError()
		return reject(frame.ErrCodeChecksum, p, "packet checksum", can.ErrInvalidChecksum)
	}
	if err := p.Validate(); err != nil {
		return reject(frame.ErrCodeInvalidFrame, p, "invalid packet", err)
	}
	if g.buses[p.Bus] == nil {
		return reject(frame.ErrCodeCANFailed, p, "bus not attached", ErrNoBus)
	}
	p.Returned, p.Rejected = false, false
	if !g.gate.CheckTx(p) {
		c.txBlocked.Add(1)
		metrics.IncSafetyBlocked()
		if g.echo {
			e := p
			e.Returned, e.Rejected = true, true
			e.SetChecksum()
			g.deliver(e)
		}
		return reject(frame.ErrCodeCANFailed, p, "blocked by safety", safety.ErrBlocked)
	}
	if err := g.enqueue(txItem{p: p}); err != nil {
		c.txLost.Add(1)
		return err
	}
	return nil
}

// Serial receives debug text written by the host.
func (g *Gateway) Serial(data []byte) {
	g.log.Debug("host_serial", "bytes", len(data), "text", string(data))
}

// Notice sends debug text to every serial endpoint.
func (g *Gateway) Notice(format string, args ...any) {
	msg := []byte(fmt.Sprintf(format, args...) + "\n")
	g.sinkMu.RLock()
	fns := g.notices
	g.sinkMu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// monitor mirrors gate transitions into metrics and notices and emits the
// periodic status report.
func (g *Gateway) monitor(ctx context.Context) {
	defer g.wg.Done()
	check := time.NewTicker(g.checkInterval)
	defer check.Stop()
	status := time.NewTicker(g.statusInterval)
	defer status.Stop()
	last := g.gate.Stats()
	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			st := g.gate.Stats()
			for i := last.Violations; i < st.Violations; i++ {
				metrics.IncSafetyViolation()
			}
			if st.FailSafe && !last.FailSafe {
				g.log.Warn("safety_heartbeat_lost", "last_heartbeat", st.LastHeartbeat, "violations", st.Violations)
				g.Notice("fail-safe: heartbeat lost, mode %s", st.Mode)
			}
			if st.Mode != last.Mode {
				metrics.SetSafetyMode(uint8(st.Mode))
			}
			last = st
		case <-status.C:
			s := g.Status()
			g.sinkMu.RLock()
			fns := g.statuses
			g.sinkMu.RUnlock()
			for _, fn := range fns {
				fn(s)
			}
		}
	}
}

// reject wraps err with the error report for the host.
func reject(code frame.ErrorCode, p can.Packet, msg string, err error) error {
	return &TxError{Info: frame.ErrorInfo{Code: code, Source: uint8(frame.TypeBulkOut), Data: uint16(p.Addr), Message: msg}, Err: err}
}

// TxError is a rejected host packet. errors.As to frame.ErrorInfo yields
// the report sent to the host.
type TxError struct {
	Info frame.ErrorInfo
	Err  error
}

func (e *TxError) Error() string { return fmt.Sprintf("%s: %v", e.Info.Message, e.Err) }
func (e *TxError) Unwrap() error { return e.Err }

func (e *TxError) As(target any) bool {
	if t, ok := target.(*frame.ErrorInfo); ok {
		*t = e.Info
		return true
	}
	return false
}

// ErrorInfoFor converts an error from Transmit or Control into the report
// sent to the host.
func ErrorInfoFor(err error, source uint8, data uint16) frame.ErrorInfo {
	var info frame.ErrorInfo
	switch {
	case errors.As(err, &info):
		return info
	case errors.Is(err, transport.ErrBufferFull):
		return frame.ErrorInfo{Code: frame.ErrCodeBufferFull, Source: source, Data: data, Message: "queue full"}
	case errors.Is(err, transport.ErrAsyncTxClosed), errors.Is(err, ErrNotStarted):
		return frame.ErrorInfo{Code: frame.ErrCodeCANFailed, Source: source, Data: data, Message: "gateway stopped"}
	default:
		return frame.ErrorInfo{Code: frame.ErrCodeCANFailed, Source: source, Data: data, Message: err.Error()}
	}
}
