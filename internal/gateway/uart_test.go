package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/frame"
	"github.com/kstaniek/go-panda-gateway/internal/safety"
	"github.com/kstaniek/go-panda-gateway/internal/serial"
	"github.com/kstaniek/go-panda-gateway/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memPort is one end of an in-memory UART.
type memPort struct {
	in     chan []byte
	out    chan []byte
	mu     sync.Mutex
	rest   []byte
	closed chan struct{}
	once   sync.Once
}

func memPorts() (*memPort, *memPort) {
	a2b, b2a := make(chan []byte, 512), make(chan []byte, 512)
	return &memPort{in: b2a, out: a2b, closed: make(chan struct{})},
		&memPort{in: a2b, out: b2a, closed: make(chan struct{})}
}

func (p *memPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rest) == 0 {
		select {
		case d := <-p.in:
			p.rest = d
		case <-p.closed:
			return 0, io.ErrClosedPipe
		case <-time.After(5 * time.Millisecond):
			return 0, io.EOF
		}
	}
	n := copy(b, p.rest)
	p.rest = p.rest[n:]
	return n, nil
}

func (p *memPort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	case p.out <- append([]byte(nil), b...):
		return len(b), nil
	}
}

func (p *memPort) Close() error { p.once.Do(func() { close(p.closed) }); return nil }

// startUART serves a rig over an in-memory port and returns the host side.
func startUART(t *testing.T, r *rig) *serial.Link {
	t.Helper()
	dev, host := memPorts()
	u := NewUART(r.gw, serial.NewLink(dev), WithUARTFlush(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("uart service did not stop")
		}
		_ = host.Close()
	})
	select {
	case <-u.Ready():
	case <-time.After(time.Second):
		t.Fatal("uart service not ready")
	}
	return serial.NewLink(host, serial.WithReceiveTimeout(500*time.Millisecond))
}

// recvBulkIn reads bulk-in frames until one carries a packet matching fn.
func recvBulkIn(t *testing.T, host *serial.Link, fn func(can.Packet) bool) can.Packet {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m, err := host.Receive(100 * time.Millisecond)
		if errors.Is(err, serial.ErrTimeout) {
			continue
		}
		require.NoError(t, err)
		if m.Type != frame.TypeBulkIn {
			continue
		}
		b, err := frame.ParseBulk(m.Payload)
		require.NoError(t, err)
		pkts, err := frame.UnpackCanBatch(b.Data)
		require.NoError(t, err)
		for _, p := range pkts {
			if fn(p) {
				return p
			}
		}
	}
	t.Fatal("no matching bulk-in packet")
	return can.Packet{}
}

func recvError(t *testing.T, host *serial.Link) frame.ErrorInfo {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m, err := host.Receive(100 * time.Millisecond)
		if errors.Is(err, serial.ErrTimeout) {
			continue
		}
		require.NoError(t, err)
		if m.Type == frame.TypeError {
			info, err := frame.ParseErrorInfo(m.Payload)
			require.NoError(t, err)
			return info
		}
	}
	t.Fatal("no error frame")
	return frame.ErrorInfo{}
}

func sendBulkOut(t *testing.T, host *serial.Link, pkts ...can.Packet) {
	t.Helper()
	data, n := frame.PackCanBatch(nil, pkts, frame.BulkCapacity)
	require.Equal(t, len(pkts), n)
	b := frame.Bulk{Endpoint: uint8(frame.TypeBulkOut), Data: data}
	require.NoError(t, host.Send(frame.TypeBulkOut, 0, b.Marshal()))
}

func TestUARTControl(t *testing.T) {
	r := newRig(t, nil, WithVersion("uart-test"))
	host := startUART(t, r)

	resp, err := host.Control(frame.NewControl(frame.CmdGetVersion, 0, 0, nil))
	require.NoError(t, err)
	assert.Equal(t, frame.ProtocolVersion, binary.LittleEndian.Uint16(resp))
	assert.Equal(t, "uart-test", string(resp[2:]))

	_, err = host.Control(frame.NewControl(frame.CmdSetSafetyMode, uint16(safety.ModeNone), 0, nil))
	require.NoError(t, err)
	assert.Equal(t, safety.ModeNone, r.gate.Mode())

	// the health reply does not fit one frame and comes back chunked
	resp, err = host.Control(frame.ControlRequest{RequestType: frame.RequestTypeIn, Request: frame.CmdGetHealth})
	require.NoError(t, err)
	assert.Len(t, resp, frame.StatusSize+can.NumBuses*can.HealthSize)

	_, err = host.Control(frame.NewControl(0x33, 0, 0, nil))
	var info frame.ErrorInfo
	require.True(t, errors.As(err, &info))
	assert.Equal(t, frame.ErrCodeUnsupported, info.Code)
}

func TestUARTBulkOutReachesBus(t *testing.T) {
	r := newRig(t, nil)
	r.gate.SetMode(safety.ModeNone)
	host := startUART(t, r)

	sendBulkOut(t, host, pkt(t, 1, 0x321, 0xDE, 0xAD), pkt(t, 1, 0x322, 0xBE))
	first := recvBus(t, r.peers[1])
	second := recvBus(t, r.peers[1])
	assert.Equal(t, uint32(0x321), first.Addr)
	assert.Equal(t, []byte{0xDE, 0xAD}, first.Payload())
	assert.Equal(t, uint32(0x322), second.Addr)

	echo := recvBulkIn(t, host, func(p can.Packet) bool { return p.Addr == 0x321 })
	assert.True(t, echo.Returned)
	assert.True(t, echo.Valid())
}

func TestUARTBulkOutBlocked(t *testing.T) {
	r := newRig(t, nil)
	host := startUART(t, r)

	sendBulkOut(t, host, pkt(t, 0, 0x200, 1))
	info := recvError(t, host)
	assert.Equal(t, frame.ErrCodeCANFailed, info.Code)
	assert.Equal(t, uint8(frame.TypeBulkOut), info.Source)
	assert.Equal(t, uint16(0x200), info.Data)
}

func TestUARTBulkOutBadChecksum(t *testing.T) {
	r := newRig(t, nil)
	r.gate.SetMode(safety.ModeNone)
	host := startUART(t, r)

	data, _ := frame.PackCanBatch(nil, []can.Packet{pkt(t, 0, 0x10, 1, 2)}, frame.BulkCapacity)
	data[len(data)-3] ^= 0xFF // checksum byte of the only packet
	b := frame.Bulk{Endpoint: uint8(frame.TypeBulkOut), Data: data}
	require.NoError(t, host.Send(frame.TypeBulkOut, 0, b.Marshal()))
	info := recvError(t, host)
	assert.Equal(t, frame.ErrCodeChecksum, info.Code)
}

func TestUARTStreamsCANIn(t *testing.T) {
	r := newRig(t, nil)
	host := startUART(t, r)

	require.NoError(t, r.peers[2].WritePacket(pkt(t, 2, 0x6F1, 3, 2, 1)))
	got := recvBulkIn(t, host, func(p can.Packet) bool { return p.Bus == 2 })
	assert.False(t, got.Returned)
	assert.Equal(t, []byte{3, 2, 1}, got.Payload())
}

func TestUARTStopsOnCancel(t *testing.T) {
	r := newRig(t, nil)
	dev, _ := memPorts()
	u := NewUART(r.gw, serial.NewLink(dev))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()
	<-u.Ready()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestUARTCANInQueueWaitsBeforeDrop(t *testing.T) {
	r := newRig(t, nil)
	dev, _ := memPorts()
	u := NewUART(r.gw, serial.NewLink(dev), WithUARTQueue(1), WithUARTQueueTimeout(20*time.Millisecond))

	require.NoError(t, u.SendPacket(pkt(t, 0, 0x1)))
	start := time.Now()
	err := u.SendPacket(pkt(t, 0, 0x2))
	assert.ErrorIs(t, err, transport.ErrBufferFull)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// room freed within the timeout is taken
	go func() {
		time.Sleep(5 * time.Millisecond)
		<-u.in
	}()
	require.NoError(t, u.SendPacket(pkt(t, 0, 0x3)))
	assert.Equal(t, uint32(0x3), (<-u.in).Addr)

	require.NoError(t, u.SendPacket(pkt(t, 0, 0x4)))
	close(u.done)
	assert.ErrorIs(t, u.SendPacket(pkt(t, 0, 0x5)), transport.ErrAsyncTxClosed)
}
