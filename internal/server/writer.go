package server

import (
	"context"
	"fmt"
	"time"

	"github.com/kstaniek/go-panda-gateway/internal/bridge"
	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/frame"
	"github.com/kstaniek/go-panda-gateway/internal/metrics"
)

// bulkCapacity is the room for packed packets in one CAN-in frame.
const bulkCapacity = bridge.MaxPayload - frame.BulkHeaderSize

// writeLoop is the only writer of c.conn. Hub packets are coalesced into
// bulk-in frames on the CAN-in stream; other frames are written as queued.
func (s *Server) writeLoop(ctx context.Context, c *client) {
	defer c.close()
	t := time.NewTicker(s.flushInterval)
	defer t.Stop()
	var (
		pending []can.Packet
		batch   []byte
		payload []byte
		wire    []byte
	)
	write := func(f bridge.Frame) error {
		f.Seq = c.nextSeq()
		var err error
		wire, err = f.AppendTo(wire[:0])
		if err != nil {
			return err
		}
		if _, err := c.conn.Write(wire); err != nil {
			wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			return wrap
		}
		c.stream(f.Stream).countTx(len(f.Payload))
		metrics.AddTCPTx(1)
		return nil
	}
	flush := func() error {
		for len(pending) > 0 {
			var n int
			batch, n = frame.PackCanBatch(batch[:0], pending, bulkCapacity)
			pending = pending[n:]
			if len(batch) == 0 {
				continue
			}
			payload = frame.Bulk{Endpoint: uint8(frame.TypeBulkIn), Data: batch}.AppendTo(payload[:0])
			if err := write(bridge.Frame{Stream: bridge.StreamCANIn, Type: bridge.TypeBulkIn, Payload: payload}); err != nil {
				return err
			}
		}
		pending = pending[:0]
		return nil
	}
	limit := bulkCapacity / can.HeaderSize
	for {
		select {
		case p := <-c.hc.Out:
			pending = append(pending, p)
			if len(pending) >= limit {
				if err := flush(); err != nil {
					return
				}
			}
		case f := <-c.out:
			if err := flush(); err != nil {
				return
			}
			if err := write(f); err != nil {
				c.log.Debug("client_write_error", "error", err)
				return
			}
		case <-t.C:
			if err := flush(); err != nil {
				return
			}
		case <-c.hc.Closed:
			_ = flush()
			return
		case <-ctx.Done():
			_ = flush()
			return
		}
	}
}
