package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/frame"
	"github.com/kstaniek/go-panda-gateway/internal/metrics"
	"github.com/kstaniek/go-panda-gateway/internal/serial"
	"github.com/kstaniek/go-panda-gateway/internal/transport"
)

const (
	defaultUARTQueue   = 128
	defaultUARTFlush   = 2 * time.Millisecond
	defaultUARTTxQueue = 64
)

// UART serves the host over a serial link: it answers control requests,
// feeds bulk-out packets to the gateway and streams CAN-in traffic as
// bulk-in frames.
type UART struct {
	gw    *Gateway
	link  *serial.Link
	in    chan can.Packet
	inTO  time.Duration
	flush time.Duration
	txBuf int
	txTO  time.Duration
	tx    *serial.TXWriter
	ready chan struct{}
	done  chan struct{}
	log   *slog.Logger
}

type UARTOption func(*UART)

// WithUARTQueue sets how many CAN-in packets may wait for the batcher.
func WithUARTQueue(n int) UARTOption {
	return func(u *UART) {
		if n > 0 {
			u.in = make(chan can.Packet, n)
		}
	}
}

// WithUARTQueueTimeout sets how long a bus receive task waits for room in a
// full CAN-in queue before the packet is dropped. Zero drops at once.
func WithUARTQueueTimeout(d time.Duration) UARTOption {
	return func(u *UART) {
		if d >= 0 {
			u.inTO = d
		}
	}
}

// WithUARTFlush sets how long CAN-in packets are coalesced.
func WithUARTFlush(d time.Duration) UARTOption {
	return func(u *UART) {
		if d > 0 {
			u.flush = d
		}
	}
}

// WithUARTTx sizes the frame TX queue and its enqueue timeout.
func WithUARTTx(buf int, timeout time.Duration) UARTOption {
	return func(u *UART) {
		if buf > 0 {
			u.txBuf = buf
		}
		u.txTO = timeout
	}
}

// NewUART attaches link to gw. Run starts it.
func NewUART(gw *Gateway, link *serial.Link, opts ...UARTOption) *UART {
	u := &UART{
		gw:    gw,
		link:  link,
		in:    make(chan can.Packet, defaultUARTQueue),
		inTO:  DefaultQueueTimeout,
		flush: defaultUARTFlush,
		txBuf: defaultUARTTxQueue,
		txTO:  DefaultQueueTimeout,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
		log:   gw.log.With("transport", "uart"),
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// SendPacket queues a CAN-in packet for the host. When the queue is full it
// waits up to the queue timeout before dropping the packet.
func (u *UART) SendPacket(p can.Packet) error {
	select {
	case u.in <- p:
		return nil
	default:
	}
	if u.inTO > 0 {
		t := time.NewTimer(u.inTO)
		defer t.Stop()
		select {
		case u.in <- p:
			return nil
		case <-u.done:
			return fmt.Errorf("uart can-in: %w", transport.ErrAsyncTxClosed)
		case <-t.C:
		}
	}
	metrics.IncQueueFull()
	return fmt.Errorf("uart can-in: %w", transport.ErrBufferFull)
}

// Ready is closed once Run has its writer in place.
func (u *UART) Ready() <-chan struct{} { return u.ready }

// Run serves the link until ctx is done or the port closes. Closing the
// link on return aborts any half received transfer.
func (u *UART) Run(ctx context.Context) error {
	u.tx = serial.NewTXWriter(ctx, u.link, u.txBuf, u.txTO)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		u.batch(ctx)
	}()
	stop := context.AfterFunc(ctx, func() { _ = u.link.Close() })
	defer func() {
		close(u.done)
		stop()
		cancel()
		<-done
		_ = u.link.Close()
		u.tx.Close()
	}()
	u.gw.AddSink(u)
	u.gw.AddNoticeSink(func(b []byte) { u.send(frame.TypeSerial, b) })
	u.gw.AddStatusSink(func(s frame.Status) { u.send(frame.TypeStatus, s.Marshal()) })
	close(u.ready)
	u.log.Info("uart_service_start")

	backoff := rxBackoffMin
	for {
		m, err := u.link.Receive(0)
		switch {
		case err == nil:
			backoff = rxBackoffMin
			u.dispatch(m)
		case errors.Is(err, serial.ErrTimeout):
		case errors.Is(err, serial.ErrClosed), ctx.Err() != nil:
			u.log.Info("uart_service_end")
			return nil
		case isChunkError(err):
			u.log.Warn("chunk_order_error", "error", err)
			u.sendError(frame.ErrorInfo{Code: frame.ErrCodeInvalidFrame, Source: uint8(frame.TypeChunk), Message: "chunk order"})
		default:
			u.log.Warn("uart_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = min(backoff*2, rxBackoffMax)
		}
	}
}

func isChunkError(err error) bool {
	return errors.Is(err, frame.ErrChunkOrder) || errors.Is(err, frame.ErrChunkOverflow) ||
		errors.Is(err, frame.ErrChunkIncomplete) || errors.Is(err, frame.ErrShortFrame)
}

func (u *UART) dispatch(m serial.Message) {
	switch m.Type {
	case frame.TypeControl:
		req, err := frame.ParseControl(m.Payload)
		if err != nil {
			u.sendError(frame.ErrorInfo{Code: frame.ErrCodeInvalidFrame, Source: uint8(frame.TypeControl), Message: "short control request"})
			return
		}
		resp, err := u.gw.Control(req)
		if err != nil {
			metrics.IncError(metrics.ErrControl)
			u.sendError(ErrorInfoFor(err, uint8(frame.TypeControl), uint16(req.Request)))
			return
		}
		u.send(frame.TypeControl, resp)
	case frame.TypeBulkOut:
		b, err := frame.ParseBulk(m.Payload)
		if err != nil {
			u.sendError(frame.ErrorInfo{Code: frame.ErrCodeInvalidFrame, Source: uint8(frame.TypeBulkOut), Message: "short bulk"})
			return
		}
		pkts, err := frame.UnpackCanBatch(b.Data)
		for _, p := range pkts {
			if terr := u.gw.Transmit(p); terr != nil {
				u.sendError(ErrorInfoFor(terr, uint8(frame.TypeBulkOut), uint16(p.Addr)))
			}
		}
		if err != nil {
			metrics.IncMalformed()
			u.log.Debug("uart_bulk_malformed", "error", err, "decoded", len(pkts))
			u.sendError(frame.ErrorInfo{Code: frame.ErrCodeChecksum, Source: uint8(frame.TypeBulkOut), Message: "bad packet in batch"})
		}
	case frame.TypeSerial:
		u.gw.Serial(m.Payload)
	case frame.TypeStatus:
		// host keepalive
	case frame.TypeError:
		if info, err := frame.ParseErrorInfo(m.Payload); err == nil {
			u.log.Warn("uart_host_error", "code", info.Code.String(), "source", info.Source, "message", info.Message)
		}
	default:
		u.sendError(frame.ErrorInfo{Code: frame.ErrCodeUnsupported, Source: uint8(m.Type), Message: "unexpected frame"})
	}
}

func (u *UART) send(t frame.Type, payload []byte) {
	if err := u.tx.Send(t, payload); err != nil {
		u.log.Debug("uart_send_drop", "type", t.String(), "error", err)
	}
}

func (u *UART) sendError(info frame.ErrorInfo) {
	if err := u.tx.SendError(info); err != nil {
		u.log.Debug("uart_send_drop", "type", frame.TypeError.String(), "error", err)
	}
}

// batch coalesces CAN-in packets into bulk-in frames of at most one frame's
// capacity.
func (u *UART) batch(ctx context.Context) {
	t := time.NewTicker(u.flush)
	defer t.Stop()
	limit := frame.BulkCapacity / can.HeaderSize
	var (
		pending []can.Packet
		payload []byte
	)
	flush := func() {
		for len(pending) > 0 {
			var n int
			payload, n = frame.PackCanBatch(payload[:0], pending, frame.BulkCapacity)
			pending = pending[n:]
			if len(payload) == 0 {
				continue
			}
			u.send(frame.TypeBulkIn, frame.Bulk{Endpoint: uint8(frame.TypeBulkIn), Data: payload}.Marshal())
		}
		pending = pending[:0]
	}
	for {
		select {
		case p := <-u.in:
			pending = append(pending, p)
			if len(pending) >= limit {
				flush()
			}
		case <-t.C:
			flush()
		case <-ctx.Done():
			return
		}
	}
}
