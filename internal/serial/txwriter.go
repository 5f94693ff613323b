package serial

import (
	"context"
	"fmt"
	"time"

	"github.com/kstaniek/go-panda-gateway/internal/frame"
	"github.com/kstaniek/go-panda-gateway/internal/logging"
	"github.com/kstaniek/go-panda-gateway/internal/metrics"
	"github.com/kstaniek/go-panda-gateway/internal/transport"
)

var ErrTxOverflow = fmt.Errorf("uart tx: %w", transport.ErrBufferFull)

// TXWriter funnels all UART writes through one goroutine so sequence
// numbers go out in order and chunked transfers are never interleaved.
type TXWriter struct {
	link *Link
	base *transport.AsyncTx[Message]
}

// NewTXWriter queues up to buf messages; a producer waits at most
// enqueueTimeout for room before ErrTxOverflow.
func NewTXWriter(parent context.Context, l *Link, buf int, enqueueTimeout time.Duration) *TXWriter {
	send := func(m Message) error {
		if m.Flags == 0 {
			return l.SendLarge(m.Type, m.Payload)
		}
		return l.Send(m.Type, m.Flags, m.Payload)
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			logging.L().Error("uart_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrUARTOverflow)
			metrics.IncQueueFull()
			return ErrTxOverflow
		},
	}
	return &TXWriter{link: l, base: transport.NewAsyncTx(parent, buf, send, hooks, transport.WithEnqueueTimeout(enqueueTimeout))}
}

// Send queues payload as a frame of type t, chunked when it does not fit.
func (w *TXWriter) Send(t frame.Type, payload []byte) error {
	return w.base.Send(Message{Type: t, Payload: payload})
}

// SendFlags queues a single frame with explicit flags.
func (w *TXWriter) SendFlags(t frame.Type, flags frame.Flags, payload []byte) error {
	return w.base.Send(Message{Type: t, Flags: flags, Payload: payload})
}

// SendError queues an error frame.
func (w *TXWriter) SendError(info frame.ErrorInfo) error {
	return w.SendFlags(frame.TypeError, frame.FlagPriority, info.Marshal())
}

// Pending returns the number of queued messages.
func (w *TXWriter) Pending() int { return w.base.Len() }

// Close stops the writer and waits for the goroutine to exit.
func (w *TXWriter) Close() { w.base.Close() }
