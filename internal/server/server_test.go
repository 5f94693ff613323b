package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-panda-gateway/internal/bridge"
	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/frame"
	"github.com/kstaniek/go-panda-gateway/internal/hub"
	"github.com/kstaniek/go-panda-gateway/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu       sync.Mutex
	tx       []can.Packet
	serial   []byte
	controls []frame.ControlRequest
	txErr    error
}

func (f *fakeHandler) Control(req frame.ControlRequest) ([]byte, error) {
	f.mu.Lock()
	f.controls = append(f.controls, req)
	f.mu.Unlock()
	if req.Request == frame.CmdGetVersion {
		return []byte("v-test"), nil
	}
	return nil, errors.New("not supported")
}

func (f *fakeHandler) Transmit(p can.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.txErr != nil {
		return f.txErr
	}
	f.tx = append(f.tx, p)
	return nil
}

func (f *fakeHandler) Serial(data []byte) {
	f.mu.Lock()
	f.serial = append(f.serial, data...)
	f.mu.Unlock()
}

func (f *fakeHandler) transmitted() []can.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]can.Packet(nil), f.tx...)
}

func (f *fakeHandler) serialData() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.serial)
}

func startServer(t *testing.T, h Handler, opts ...ServerOption) (*Server, context.CancelFunc) {
	t.Helper()
	opts = append([]ServerOption{WithListenAddr("127.0.0.1:0"), WithHandler(h), WithFlushInterval(time.Millisecond)}, opts...)
	s := NewServer(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Serve(ctx) }()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("server not ready")
	}
	t.Cleanup(func() {
		cancel()
		sctx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		_ = s.Shutdown(sctx)
	})
	return s, cancel
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func readFrame(t *testing.T, c net.Conn) bridge.Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := bridge.Decode(c)
	require.NoError(t, err)
	return f
}

func send(t *testing.T, c net.Conn, f bridge.Frame) {
	t.Helper()
	_, err := bridge.EncodeTo(c, f)
	require.NoError(t, err)
}

func bulkOut(data []byte) bridge.Frame {
	return bridge.Frame{Stream: bridge.StreamCANOut, Type: bridge.TypeBulkOut,
		Payload: frame.Bulk{Endpoint: uint8(frame.TypeBulkOut), Data: data}.Marshal()}
}

func mustPacket(t *testing.T, bus uint8, addr uint32, data []byte) can.Packet {
	t.Helper()
	p, err := can.NewPacket(bus, addr, data, false, false)
	require.NoError(t, err)
	return p
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	h := hub.New()
	s, _ := startServer(t, &fakeHandler{}, WithHub(h))
	a, b := dial(t, s), dial(t, s)
	waitFor(t, "two hub clients", func() bool { return h.Count() == 2 })

	p := mustPacket(t, 1, 0x1A4, []byte{1, 2, 3, 4, 5})
	h.Broadcast(p)

	want, err := can.Append(nil, p)
	require.NoError(t, err)
	for _, c := range []net.Conn{a, b} {
		f := readFrame(t, c)
		assert.Equal(t, bridge.StreamCANIn, f.Stream)
		assert.Equal(t, bridge.TypeBulkIn, f.Type)
		b, err := frame.ParseBulk(f.Payload)
		require.NoError(t, err)
		assert.Equal(t, uint8(frame.TypeBulkIn), b.Endpoint)
		assert.Equal(t, want, b.Data)
		got, err := frame.UnpackCanBatch(b.Data)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Equal(p))
	}
}

func TestChecksumErrorDropsFrameWithoutAuth(t *testing.T) {
	fh := &fakeHandler{}
	s, _ := startServer(t, fh)
	c := dial(t, s)
	waitFor(t, "client", func() bool { return s.Stats().Active == 1 })

	p := mustPacket(t, 0, 0x123, []byte{0xAA})
	payload, err := can.Append(nil, p)
	require.NoError(t, err)
	wire, err := bulkOut(payload).AppendTo(nil)
	require.NoError(t, err)
	wire[len(wire)-1] ^= 0xFF
	_, err = c.Write(wire)
	require.NoError(t, err)

	send(t, c, bulkOut(payload))
	waitFor(t, "good packet", func() bool { return len(fh.transmitted()) == 1 })
	assert.True(t, fh.transmitted()[0].Equal(p))
	assert.Equal(t, uint64(1), s.Stats().ChecksumErrors)
	assert.Equal(t, 1, s.Stats().Active)
}

func TestChecksumErrorDisconnectsWithAuth(t *testing.T) {
	a, err := bridge.NewAuthenticator([]byte("0123456789abcdef"))
	require.NoError(t, err)
	s, _ := startServer(t, &fakeHandler{}, WithAuth(a))
	c := dial(t, s)
	require.NoError(t, bridge.ClientHandshake(c, a, time.Second))
	waitFor(t, "authenticated", func() bool {
		cs := s.Clients()
		return len(cs) == 1 && cs[0].State == StateAuthenticated
	})

	wire, err := bridge.Frame{Stream: bridge.StreamSerial, Type: bridge.TypeSerial, Payload: []byte("x")}.AppendTo(nil)
	require.NoError(t, err)
	wire[len(wire)-1] ^= 0x01
	_, err = c.Write(wire)
	require.NoError(t, err)
	waitFor(t, "disconnect", func() bool { return s.Stats().Active == 0 })
	assert.Equal(t, uint64(1), s.Stats().ChecksumErrors)
}

func TestAuthFailureRejectsClient(t *testing.T) {
	good, err := bridge.NewAuthenticator([]byte("0123456789abcdef"))
	require.NoError(t, err)
	bad, err := bridge.NewAuthenticator([]byte("fedcba9876543210"))
	require.NoError(t, err)
	s, _ := startServer(t, &fakeHandler{}, WithAuth(good), WithHandshakeTimeout(500*time.Millisecond))
	c := dial(t, s)
	_ = bridge.ClientHandshake(c, bad, time.Second)
	waitFor(t, "handshake failure", func() bool { return s.Stats().HandshakeFailed == 1 })
	waitFor(t, "slot released", func() bool { return s.Stats().Active == 0 })
	assert.Equal(t, uint64(0), s.Stats().Connected)
}

func TestMaxClientsRejectsExtra(t *testing.T) {
	s, _ := startServer(t, &fakeHandler{}, WithMaxClients(1))
	dial(t, s)
	waitFor(t, "first client", func() bool { return s.Stats().Active == 1 })
	extra := dial(t, s)
	_ = extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	var buf [1]byte
	_, err := extra.Read(buf[:])
	assert.Error(t, err)
	assert.Equal(t, uint64(1), s.Stats().Rejected)
	assert.Equal(t, 1, s.Stats().Active)
}

func TestControlReplyAndError(t *testing.T) {
	fh := &fakeHandler{}
	s, _ := startServer(t, fh)
	c := dial(t, s)

	req := frame.ControlRequest{RequestType: frame.RequestTypeIn, Request: frame.CmdGetVersion, Length: 64}
	send(t, c, bridge.Frame{Stream: bridge.StreamControl, Type: bridge.TypeControl, Payload: req.Marshal()})
	f := readFrame(t, c)
	assert.Equal(t, bridge.StreamControl, f.Stream)
	assert.Equal(t, bridge.TypeControl, f.Type)
	assert.Equal(t, "v-test", string(f.Payload))

	send(t, c, bridge.Frame{Stream: bridge.StreamControl, Type: bridge.TypeControl, Payload: frame.NewControl(0x77, 0, 0, nil).Marshal()})
	f = readFrame(t, c)
	assert.Equal(t, bridge.TypeStatus, f.Type)
	info, err := frame.ParseErrorInfo(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, frame.ErrCodeUnsupported, info.Code)
	assert.Equal(t, uint16(0x77), info.Data)

	// short request
	send(t, c, bridge.Frame{Stream: bridge.StreamControl, Type: bridge.TypeControl, Payload: []byte{1, 2}})
	f = readFrame(t, c)
	info, err = frame.ParseErrorInfo(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, frame.ErrCodeInvalidFrame, info.Code)
}

func TestCANOutPacketSplitAcrossFrames(t *testing.T) {
	fh := &fakeHandler{}
	s, _ := startServer(t, fh)
	c := dial(t, s)

	p1 := mustPacket(t, 0, 0x100, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	p2 := mustPacket(t, 2, 0x200, []byte{9})
	batch, err := can.Append(nil, p1)
	require.NoError(t, err)
	batch, err = can.Append(batch, p2)
	require.NoError(t, err)

	cut := 10
	send(t, c, bulkOut(batch[:cut]))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fh.transmitted())
	send(t, c, bulkOut(batch[cut:]))
	waitFor(t, "two packets", func() bool { return len(fh.transmitted()) == 2 })
	got := fh.transmitted()
	assert.True(t, got[0].Equal(p1))
	assert.True(t, got[1].Equal(p2))
}

func TestCANOutBulkHeaderStripped(t *testing.T) {
	fh := &fakeHandler{}
	s, _ := startServer(t, fh)
	c := dial(t, s)

	p1 := mustPacket(t, 0, 0x123, []byte{1, 2})
	p2 := mustPacket(t, 1, 0x456, []byte{3})
	for _, p := range []can.Packet{p1, p2} {
		data, err := can.Append(nil, p)
		require.NoError(t, err)
		send(t, c, bulkOut(data))
	}
	waitFor(t, "two packets", func() bool { return len(fh.transmitted()) == 2 })
	got := fh.transmitted()
	assert.True(t, got[0].Equal(p1))
	assert.True(t, got[1].Equal(p2))

	send(t, c, bridge.Frame{Stream: bridge.StreamCANOut, Type: bridge.TypeBulkOut, Payload: []byte{3, 0}})
	f := readFrame(t, c)
	assert.Equal(t, bridge.TypeStatus, f.Type)
	info, err := frame.ParseErrorInfo(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, frame.ErrCodeInvalidFrame, info.Code)
	assert.Equal(t, 1, s.Stats().Active)
}

func TestTransmitRejectionReportsError(t *testing.T) {
	fh := &fakeHandler{txErr: transport.ErrBufferFull}
	s, _ := startServer(t, fh)
	c := dial(t, s)

	payload, err := can.Append(nil, mustPacket(t, 0, 0x33, []byte{1}))
	require.NoError(t, err)
	send(t, c, bulkOut(payload))
	f := readFrame(t, c)
	info, err := frame.ParseErrorInfo(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, frame.ErrCodeBufferFull, info.Code)
	assert.Equal(t, uint16(0x33), info.Data)
	assert.Equal(t, uint64(1), s.Stats().BackendDrops)
}

func TestSerialForwarded(t *testing.T) {
	fh := &fakeHandler{}
	s, _ := startServer(t, fh)
	c := dial(t, s)
	send(t, c, bridge.Frame{Stream: bridge.StreamSerial, Type: bridge.TypeSerial, Payload: []byte("hello ")})
	send(t, c, bridge.Frame{Stream: bridge.StreamSerial, Type: bridge.TypeSerial, Payload: []byte("panda")})
	waitFor(t, "serial", func() bool { return fh.serialData() == "hello panda" })
}

func TestProtocolViolationDisconnects(t *testing.T) {
	s, _ := startServer(t, &fakeHandler{})
	c := dial(t, s)
	waitFor(t, "client", func() bool { return s.Stats().Active == 1 })
	send(t, c, bridge.Frame{Stream: bridge.StreamCANIn, Type: bridge.TypeBulkIn, Payload: []byte{0}})
	waitFor(t, "disconnect", func() bool { return s.Stats().Active == 0 })
	assert.Equal(t, uint64(1), s.Stats().ProtocolErrors)
}

func TestIdleClientDropped(t *testing.T) {
	s, _ := startServer(t, &fakeHandler{}, WithReadDeadline(50*time.Millisecond))
	dial(t, s)
	waitFor(t, "idle drop", func() bool { return s.Stats().IdleTimeouts == 1 })
	waitFor(t, "slot released", func() bool { return s.Stats().Active == 0 })
}

func TestNotifyAndDisconnect(t *testing.T) {
	s, _ := startServer(t, &fakeHandler{})
	c := dial(t, s)
	waitFor(t, "ready client", func() bool {
		cs := s.Clients()
		return len(cs) == 1 && cs[0].State == StateConnected
	})
	assert.Equal(t, 1, s.Notify(bridge.StreamSerial, bridge.TypeSerial, []byte("dbg")))
	f := readFrame(t, c)
	assert.Equal(t, bridge.StreamSerial, f.Stream)
	assert.Equal(t, "dbg", string(f.Payload))

	id := s.Clients()[0].ID
	assert.True(t, s.Disconnect(id))
	waitFor(t, "disconnect", func() bool { return s.Stats().Active == 0 })
	assert.False(t, s.Disconnect(id))
}

func TestServeRequiresHandler(t *testing.T) {
	s := NewServer(WithListenAddr("127.0.0.1:0"))
	assert.Error(t, s.Serve(context.Background()))
}

func TestRingWrapAround(t *testing.T) {
	r := newRing(8)
	assert.Equal(t, 6, r.Write([]byte("abcdef")))
	out := make([]byte, 4)
	assert.Equal(t, 4, r.Read(out))
	assert.Equal(t, "abcd", string(out))
	assert.Equal(t, 6, r.Write([]byte("ghijklm")))
	assert.Equal(t, 0, r.Free())
	all := make([]byte, r.Len())
	r.Peek(all)
	assert.Equal(t, "efghijkl", string(all))
	r.Discard(3)
	assert.Equal(t, 5, r.Len())
}
