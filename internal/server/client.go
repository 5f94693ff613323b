package server

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-panda-gateway/internal/bridge"
	"github.com/kstaniek/go-panda-gateway/internal/hub"
)

// State is the lifecycle state of one bridge client.
type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

const defaultStreamBuffer = 4096

// EndpointStream is the per-connection state of one logical stream: a byte
// FIFO for streams whose content may straddle frames, and counters.
type EndpointStream struct {
	ID bridge.Stream

	mu       sync.Mutex
	ring     *ring
	rxFrames atomic.Uint64
	txFrames atomic.Uint64
	rxBytes  atomic.Uint64
	txBytes  atomic.Uint64
	overflow atomic.Uint64
}

func newEndpointStream(id bridge.Stream, size int) *EndpointStream {
	return &EndpointStream{ID: id, ring: newRing(size)}
}

// StreamStats is a copy of an EndpointStream's counters.
type StreamStats struct {
	RxFrames, TxFrames uint64
	RxBytes, TxBytes   uint64
	Overflow           uint64
	Buffered           int
}

func (e *EndpointStream) Stats() StreamStats {
	e.mu.Lock()
	buffered := e.ring.Len()
	e.mu.Unlock()
	return StreamStats{
		RxFrames: e.rxFrames.Load(), TxFrames: e.txFrames.Load(),
		RxBytes: e.rxBytes.Load(), TxBytes: e.txBytes.Load(),
		Overflow: e.overflow.Load(), Buffered: buffered,
	}
}

func (e *EndpointStream) countTx(n int) {
	e.txFrames.Add(1)
	e.txBytes.Add(uint64(n))
}

// client is one accepted connection.
type client struct {
	id        uint64
	conn      net.Conn
	remote    string
	hc        *hub.Client
	log       *slog.Logger
	state     atomic.Uint32
	streams   [bridge.NumStreams]*EndpointStream
	out       chan bridge.Frame
	txSeq     atomic.Uint32
	connected time.Time
	closeOnce sync.Once
}

func newClient(id uint64, conn net.Conn, hc *hub.Client, outBuf, streamBuf int, log *slog.Logger) *client {
	c := &client{
		id:        id,
		conn:      conn,
		remote:    conn.RemoteAddr().String(),
		hc:        hc,
		log:       log,
		out:       make(chan bridge.Frame, outBuf),
		connected: time.Now(),
	}
	for i := range c.streams {
		c.streams[i] = newEndpointStream(bridge.Stream(i), streamBuf)
	}
	c.setState(StateConnecting)
	return c
}

func (c *client) State() State                           { return State(c.state.Load()) }
func (c *client) setState(s State)                       { c.state.Store(uint32(s)) }
func (c *client) nextSeq() uint32                        { return c.txSeq.Add(1) - 1 }
func (c *client) ready() bool                            { s := c.State(); return s == StateConnected || s == StateAuthenticated }
func (c *client) stream(s bridge.Stream) *EndpointStream { return c.streams[s] }

// enqueue queues a non CAN frame for the writer; a full queue drops it.
func (c *client) enqueue(f bridge.Frame) bool {
	select {
	case <-c.hc.Closed:
		return false
	default:
	}
	select {
	case c.out <- f:
		return true
	default:
		c.stream(f.Stream).overflow.Add(1)
		return false
	}
}

// close tears the connection down once; reader and writer both observe it.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.setState(StateDisconnected)
		c.hc.Close()
		_ = c.conn.Close()
	})
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID        uint64
	Remote    string
	State     State
	Connected time.Time
	Streams   [bridge.NumStreams]StreamStats
}

func (c *client) info() ClientInfo {
	ci := ClientInfo{ID: c.id, Remote: c.remote, State: c.State(), Connected: c.connected}
	for i, s := range c.streams {
		ci.Streams[i] = s.Stats()
	}
	return ci
}
