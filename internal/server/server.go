// Package server implements the TCP side of the panda bridge: it accepts up
// to a fixed number of clients, optionally authenticates them, broadcasts
// received CAN traffic on the CAN-in stream and hands host requests to a
// Handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-panda-gateway/internal/bridge"
	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/frame"
	"github.com/kstaniek/go-panda-gateway/internal/hub"
	"github.com/kstaniek/go-panda-gateway/internal/logging"
	"github.com/kstaniek/go-panda-gateway/internal/metrics"
)

// Handler serves the requests bridge clients make.
type Handler interface {
	// Control executes a control request and returns the response data.
	Control(req frame.ControlRequest) ([]byte, error)
	// Transmit queues a host packet for a vehicle bus.
	Transmit(p can.Packet) error
	// Serial receives debug text written by a client.
	Serial(data []byte)
}

// Server owns the TCP listener and coordinates client lifecycle.
type Server struct {
	mu      sync.RWMutex
	addr    string
	Hub     *hub.Hub
	Handler Handler

	auth             *bridge.Authenticator
	flushInterval    time.Duration
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	outBuf           int
	streamBuf        int

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error
	listener  net.Listener
	clientsMu sync.RWMutex
	clients   map[uint64]*client
	wg        sync.WaitGroup
	logger    *slog.Logger

	nextConnID         atomic.Uint64
	totalAccepted      atomic.Uint64
	totalRejected      atomic.Uint64
	totalHandshakeFail atomic.Uint64
	totalConnected     atomic.Uint64
	totalDisconnected  atomic.Uint64
	totalProtocolErr   atomic.Uint64
	totalChecksumErr   atomic.Uint64
	totalIdle          atomic.Uint64
	totalBackendDrop   atomic.Uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultOutBuf           = 64
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		flushInterval:    defaultFlushInterval,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		maxClients:       bridge.MaxClients,
		outBuf:           defaultOutBuf,
		streamBuf:        defaultStreamBuffer,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[uint64]*client),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	if s.Hub == nil {
		s.Hub = hub.New()
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption     { return func(s *Server) { s.Hub = hb } }
func WithHandler(h Handler) ServerOption   { return func(s *Server) { s.Handler = h } }

// WithAuth requires clients to answer an AES-CMAC challenge. A nil
// authenticator leaves authentication off.
func WithAuth(a *bridge.Authenticator) ServerOption { return func(s *Server) { s.auth = a } }

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithReadDeadline sets the idle timeout after which a silent client is
// dropped.
func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

// WithStreamBuffer sets the ring buffer size of each endpoint stream.
func WithStreamBuffer(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.streamBuf = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }
func (s *Server) AuthRequired() bool     { return s.auth != nil }
func (s *Server) MaxClients() int        { return s.maxClients }
func (s *Server) LastError() error       { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

// Serve accepts TCP clients until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if s.Handler == nil {
		return errors.New("server: no handler")
	}
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr(), "max_clients", s.maxClients, "auth", s.AuthRequired())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	id := s.nextConnID.Add(1)
	log := s.logger.With("conn_id", id, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	c := newClient(id, conn, s.Hub.NewClient(id), s.outBuf, s.streamBuf, log)
	if !s.register(c) {
		s.totalRejected.Add(1)
		metrics.IncHubReject()
		log.Warn("client_reject_max", "max_clients", s.maxClients)
		c.close()
		return nil
	}
	s.wg.Add(1)
	go s.serveClient(ctx, c)
	return nil
}

// register reserves a client slot; slots are held from accept until
// disconnect so handshaking clients count toward the limit.
func (s *Server) register(c *client) bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if len(s.clients) >= s.maxClients {
		return false
	}
	s.clients[c.id] = c
	return true
}

func (s *Server) unregister(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()
}

func (s *Server) serveClient(ctx context.Context, c *client) {
	defer s.wg.Done()
	stop := context.AfterFunc(ctx, c.close)
	defer stop()
	if s.auth != nil {
		if err := bridge.ServerHandshake(ctx, c.conn, s.auth, s.handshakeTimeout); err != nil {
			wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			s.totalHandshakeFail.Add(1)
			c.log.Warn("handshake_failed", "error", wrap)
			c.close()
			s.unregister(c)
			return
		}
		c.setState(StateAuthenticated)
	} else {
		c.setState(StateConnected)
	}
	s.Hub.Add(c.hc)
	s.totalConnected.Add(1)
	c.log.Info("client_connected", "state", c.State())

	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.writeLoop(ctx, c)
	}()
	s.readLoop(ctx, c)
	c.close()
	<-done
	s.Hub.Remove(c.hc)
	s.unregister(c)
	s.totalDisconnected.Add(1)
	c.log.Info("client_disconnected")
}

// Notify queues a frame for every ready client, e.g. status or debug text.
func (s *Server) Notify(stream bridge.Stream, t bridge.Type, payload []byte) int {
	n := 0
	for _, c := range s.snapshot() {
		if c.ready() && c.enqueue(bridge.Frame{Stream: stream, Type: t, Payload: payload}) {
			n++
		}
	}
	return n
}

func (s *Server) snapshot() []*client {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// Clients describes the current connections.
func (s *Server) Clients() []ClientInfo {
	cs := s.snapshot()
	out := make([]ClientInfo, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.info())
	}
	return out
}

// Disconnect drops the client with the given id.
func (s *Server) Disconnect(id uint64) bool {
	s.clientsMu.RLock()
	c, ok := s.clients[id]
	s.clientsMu.RUnlock()
	if ok {
		c.close()
	}
	return ok
}

// Stats are the server's lifetime counters.
type Stats struct {
	Accepted, Rejected, HandshakeFailed uint64
	Connected, Disconnected             uint64
	ProtocolErrors, ChecksumErrors      uint64
	IdleTimeouts, BackendDrops          uint64
	Active                              int
}

func (s *Server) Stats() Stats {
	s.clientsMu.RLock()
	active := len(s.clients)
	s.clientsMu.RUnlock()
	return Stats{
		Accepted:        s.totalAccepted.Load(),
		Rejected:        s.totalRejected.Load(),
		HandshakeFailed: s.totalHandshakeFail.Load(),
		Connected:       s.totalConnected.Load(),
		Disconnected:    s.totalDisconnected.Load(),
		ProtocolErrors:  s.totalProtocolErr.Load(),
		ChecksumErrors:  s.totalChecksumErr.Load(),
		IdleTimeouts:    s.totalIdle.Load(),
		BackendDrops:    s.totalBackendDrop.Load(),
		Active:          active,
	}
}

// ResetStats zeroes the lifetime counters.
func (s *Server) ResetStats() {
	for _, c := range []*atomic.Uint64{&s.totalAccepted, &s.totalRejected, &s.totalHandshakeFail,
		&s.totalConnected, &s.totalDisconnected, &s.totalProtocolErr, &s.totalChecksumErr,
		&s.totalIdle, &s.totalBackendDrop} {
		c.Store(0)
	}
}

// Shutdown closes the listener and every client, then waits for their
// goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range s.snapshot() {
		c.close()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		st := s.Stats()
		s.logger.Info("shutdown_summary", "accepted", st.Accepted, "rejected", st.Rejected,
			"handshake_fail", st.HandshakeFailed, "connected", st.Connected, "disconnected", st.Disconnected,
			"protocol_errors", st.ProtocolErrors, "checksum_errors", st.ChecksumErrors, "idle", st.IdleTimeouts)
		return nil
	}
}
