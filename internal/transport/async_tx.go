package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrAsyncTxClosed = errors.New("async tx closed")
	// ErrBufferFull is returned by Send when no OnDrop hook is set and the
	// queue stayed full for the enqueue timeout.
	ErrBufferFull = errors.New("tx buffer full")
)

// AsyncTx funnels writes of T through a single goroutine. Send waits at
// most the enqueue timeout (zero means not at all) for room in the queue;
// after that the OnDrop hook decides the error returned to the producer.
//
//	a := NewAsyncTx[can.Packet](ctx, 64, dev.WritePacket, hooks, WithEnqueueTimeout(10*time.Millisecond))
//	a.Send(pkt)
//	a.Close()
//
// Items still queued at Close are discarded.
type AsyncTx[T any] struct {
	ch      chan T
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	send    func(T) error
	hooks   Hooks
	timeout time.Duration
	closed  atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (item not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the queue is full; its returned error is returned
	// from Send.
	OnDrop func() error
}

type Option func(*options)

type options struct {
	timeout time.Duration
}

// WithEnqueueTimeout makes Send wait up to d for queue space.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func NewAsyncTx[T any](parent context.Context, buf int, send func(T) error, hooks Hooks, opts ...Option) *AsyncTx[T] {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if buf < 1 {
		buf = 1
	}
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx[T]{
		ch:      make(chan T, buf),
		ctx:     ctx,
		cancel:  cancel,
		send:    send,
		hooks:   hooks,
		timeout: o.timeout,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx[T]) loop() {
	defer a.wg.Done()
	for {
		select {
		case v := <-a.ch:
			if a.ctx.Err() != nil {
				return
			}
			if err := a.send(v); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues v for transmission.
func (a *AsyncTx[T]) Send(v T) error {
	if a.closed.Load() || a.ctx.Err() != nil {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- v:
		return nil
	default:
	}
	if a.timeout > 0 {
		t := time.NewTimer(a.timeout)
		defer t.Stop()
		select {
		case a.ch <- v:
			return nil
		case <-a.ctx.Done():
			return ErrAsyncTxClosed
		case <-t.C:
		}
	}
	if a.hooks.OnDrop != nil {
		return a.hooks.OnDrop()
	}
	return ErrBufferFull
}

// Len returns the number of queued items.
func (a *AsyncTx[T]) Len() int { return len(a.ch) }

// Cap returns the queue capacity.
func (a *AsyncTx[T]) Cap() int { return cap(a.ch) }

// Close stops the worker and waits for an in-flight send to finish.
func (a *AsyncTx[T]) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.wg.Wait()
}
