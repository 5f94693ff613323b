package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-panda-gateway/internal/frame"
	"github.com/kstaniek/go-panda-gateway/internal/logging"
	"github.com/kstaniek/go-panda-gateway/internal/metrics"
)

var (
	// ErrTimeout means no complete frame arrived in time. It is not fatal.
	ErrTimeout          = errors.New("uart: receive timeout")
	ErrClosed           = errors.New("uart: link closed")
	ErrRetriesExhausted = errors.New("uart: retries exhausted")
)

const (
	DefaultReceiveTimeout = 100 * time.Millisecond
	DefaultRetries        = 3
	readBufSize           = 4096
	// accumulator is dropped and reallocated once drained past this size
	reclaimThreshold = 16 * 1024
	emptyReadPause   = time.Millisecond
)

// sleepFn allows tests to intercept pauses.
var sleepFn = time.Sleep

// Message is one frame or one reassembled chunked transfer. For a transfer
// Type is the endpoint the sender named in the chunk header.
type Message struct {
	Type    frame.Type
	Flags   frame.Flags
	Seq     uint8
	Payload []byte
}

// Link runs the frame protocol over a Port. Sending is safe from any
// goroutine; receiving is owned by one goroutine.
type Link struct {
	port    Port
	timeout time.Duration
	retries int
	now     func() time.Time

	txMu  sync.Mutex
	txSeq frame.SeqCounter
	wbuf  []byte

	rxSeq   frame.SeqTracker
	acc     *bytes.Buffer
	rbuf    []byte
	frames  []frame.Frame
	msgs    []Message
	reasm   *frame.Reassembler
	onError func(error)
	lost    atomic.Uint64
	dups    atomic.Uint64
	acks    atomic.Uint64
	closed  atomic.Bool
}

type LinkOption func(*Link)

// WithReceiveTimeout sets the default timeout of Receive and ReadFrame.
func WithReceiveTimeout(d time.Duration) LinkOption {
	return func(l *Link) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithRetries sets how many times Control re-sends a request.
func WithRetries(n int) LinkOption {
	return func(l *Link) {
		if n > 0 {
			l.retries = n
		}
	}
}

// WithChunkIdleTimeout bounds how long a stalled chunked transfer is kept.
func WithChunkIdleTimeout(d time.Duration) LinkOption {
	return func(l *Link) { l.reasm = frame.NewReassembler(d) }
}

// WithFrameErrorHook observes per-frame decode errors (bad sync, checksum).
func WithFrameErrorHook(fn func(error)) LinkOption { return func(l *Link) { l.onError = fn } }

func NewLink(p Port, opts ...LinkOption) *Link {
	l := &Link{
		port:    p,
		timeout: DefaultReceiveTimeout,
		retries: DefaultRetries,
		now:     time.Now,
		acc:     bytes.NewBuffer(nil),
		rbuf:    make([]byte, readBufSize),
		reasm:   frame.NewReassembler(frame.DefaultChunkIdleTimeout),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Send writes one frame with the next TX sequence number.
func (l *Link) Send(t frame.Type, flags frame.Flags, payload []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.txMu.Lock()
	defer l.txMu.Unlock()
	return l.sendLocked(t, flags, payload)
}

func (l *Link) sendLocked(t frame.Type, flags frame.Flags, payload []byte) error {
	f, err := frame.Build(t, l.txSeq.Next(), payload, flags)
	if err != nil {
		return err
	}
	l.wbuf = f.AppendTo(l.wbuf[:0])
	if _, err := l.port.Write(l.wbuf); err != nil {
		metrics.IncError(metrics.ErrUARTWrite)
		return fmt.Errorf("uart write: %w", err)
	}
	metrics.IncUARTTx()
	return nil
}

// SendLarge writes data as a single frame when it fits, otherwise as a
// chunked transfer addressed to endpoint t. The chunks go out back to back
// so no other frame is interleaved.
func (l *Link) SendLarge(t frame.Type, data []byte) error {
	if len(data) <= frame.MaxPayload {
		return l.Send(t, 0, data)
	}
	chunks, err := frame.Split(data, uint8(t), frame.ChunkCapacity)
	if err != nil {
		return err
	}
	if l.closed.Load() {
		return ErrClosed
	}
	l.txMu.Lock()
	defer l.txMu.Unlock()
	var buf []byte
	for _, c := range chunks {
		buf = c.AppendTo(buf[:0])
		if err := l.sendLocked(frame.TypeChunk, c.FrameFlags(), buf); err != nil {
			return err
		}
	}
	return nil
}

// SendError reports err to the peer as an error frame.
func (l *Link) SendError(info frame.ErrorInfo) error {
	return l.Send(frame.TypeError, frame.FlagPriority, info.Marshal())
}

// ReadFrame returns the next valid frame. It returns ErrTimeout when none
// completes within timeout (zero selects the link default).
func (l *Link) ReadFrame(timeout time.Duration) (frame.Frame, error) {
	if timeout <= 0 {
		timeout = l.timeout
	}
	deadline := l.now().Add(timeout)
	for {
		if l.closed.Load() {
			l.reasm.Abort()
			return frame.Frame{}, ErrClosed
		}
		if len(l.frames) > 0 {
			f := l.frames[0]
			l.frames = l.frames[1:]
			return f, nil
		}
		if !l.now().Before(deadline) {
			return frame.Frame{}, ErrTimeout
		}
		n, err := l.port.Read(l.rbuf)
		if n > 0 {
			l.acc.Write(l.rbuf[:n])
			frame.DecodeStream(l.acc, l.onFrame, l.onError)
			if l.acc.Len() == 0 && cap(l.acc.Bytes()) > reclaimThreshold {
				l.acc = bytes.NewBuffer(nil)
			}
			continue
		}
		switch {
		case err == nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			// tarm reports an expired VTIME read as EOF
			sleepFn(emptyReadPause)
		default:
			if l.closed.Load() {
				return frame.Frame{}, ErrClosed
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				return frame.Frame{}, fmt.Errorf("%w: %v", ErrClosed, err)
			}
			metrics.IncError(metrics.ErrUARTRead)
			return frame.Frame{}, fmt.Errorf("uart read: %w", err)
		}
	}
}

func (l *Link) onFrame(f frame.Frame) {
	metrics.IncUARTRx()
	lost, dup := l.rxSeq.Observe(f.Seq)
	if dup {
		l.dups.Add(1)
	}
	if lost > 0 {
		l.lost.Add(uint64(lost))
		metrics.AddFrameLoss(lost)
		logging.L().Debug("uart_frame_loss", "lost", lost, "seq", f.Seq)
	}
	l.frames = append(l.frames, f)
}

// Receive returns the next message. ACK frames are consumed, frames that
// ask for an acknowledgement are acknowledged, and chunked transfers are
// reassembled. Chunk errors are returned but leave the link usable.
func (l *Link) Receive(timeout time.Duration) (Message, error) {
	if len(l.msgs) > 0 {
		m := l.msgs[0]
		l.msgs = l.msgs[1:]
		return m, nil
	}
	if timeout <= 0 {
		timeout = l.timeout
	}
	deadline := l.now().Add(timeout)
	for {
		l.reasm.Expire(l.now())
		left := deadline.Sub(l.now())
		if left <= 0 {
			return Message{}, ErrTimeout
		}
		f, err := l.ReadFrame(left)
		if err != nil {
			return Message{}, err
		}
		if f.Flags&frame.FlagAckRequired != 0 && f.Type != frame.TypeAck {
			if err := l.Send(frame.TypeAck, 0, []byte{f.Seq}); err != nil {
				logging.L().Warn("uart_ack_send_error", "error", err)
			}
		}
		switch f.Type {
		case frame.TypeAck:
			l.acks.Add(1)
			continue
		case frame.TypeChunk:
			c, err := frame.ParseChunk(f.Payload)
			if err != nil {
				metrics.IncChunkError()
				return Message{}, err
			}
			res, data, err := l.reasm.Receive(c, l.now())
			if err != nil {
				metrics.IncChunkError()
				return Message{}, err
			}
			if res == frame.Complete {
				return Message{Type: frame.Type(c.Endpoint), Flags: frame.FlagFirst | frame.FlagLast, Seq: f.Seq, Payload: data}, nil
			}
		default:
			return Message{Type: f.Type, Flags: f.Flags, Seq: f.Seq, Payload: f.Payload}, nil
		}
	}
}

// Control sends a control request and waits for the matching control or
// error reply, re-sending on timeout. Other messages that arrive meanwhile
// are kept for Receive. It must run on the receiving goroutine.
func (l *Link) Control(req frame.ControlRequest) ([]byte, error) {
	raw := req.Marshal()
	var held []Message
	defer func() { l.msgs = append(l.msgs, held...) }()
	for attempt := 0; attempt < l.retries; attempt++ {
		if err := l.SendLarge(frame.TypeControl, raw); err != nil {
			return nil, err
		}
		deadline := l.now().Add(l.timeout)
		for l.now().Before(deadline) {
			m, err := l.receiveFresh(deadline.Sub(l.now()))
			if errors.Is(err, ErrTimeout) {
				break
			}
			if err != nil {
				if errors.Is(err, ErrClosed) {
					return nil, err
				}
				continue
			}
			switch m.Type {
			case frame.TypeControl:
				return m.Payload, nil
			case frame.TypeError:
				info, perr := frame.ParseErrorInfo(m.Payload)
				if perr != nil {
					return nil, perr
				}
				return nil, info
			default:
				held = append(held, m)
			}
		}
		logging.L().Debug("uart_control_retry", "request", fmt.Sprintf("0x%02X", req.Request), "attempt", attempt+1)
	}
	return nil, fmt.Errorf("%w: request 0x%02X after %d attempts", ErrRetriesExhausted, req.Request, l.retries)
}

// receiveFresh is Receive without the held message queue.
func (l *Link) receiveFresh(timeout time.Duration) (Message, error) {
	saved := l.msgs
	l.msgs = nil
	m, err := l.Receive(timeout)
	l.msgs = saved
	return m, err
}

// Reset clears sequence state and any partial transfer.
func (l *Link) Reset() {
	l.txSeq.Reset()
	l.rxSeq.Reset()
	l.reasm.Abort()
	l.acc.Reset()
	l.frames = nil
	l.msgs = nil
}

// Stats reports receive sequence statistics. Safe from any goroutine.
type Stats struct {
	Lost       uint64
	Duplicates uint64
	Acks       uint64
}

func (l *Link) Stats() Stats {
	return Stats{Lost: l.lost.Load(), Duplicates: l.dups.Load(), Acks: l.acks.Load()}
}

// Close closes the port. A pending partial transfer is discarded by the
// receiving goroutine on its next read.
func (l *Link) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.port.Close()
}
