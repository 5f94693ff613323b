package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kstaniek/go-panda-gateway/internal/bridge"
	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/frame"
	"github.com/kstaniek/go-panda-gateway/internal/metrics"
	"github.com/kstaniek/go-panda-gateway/internal/transport"
)

// readLoop decodes frames until the connection fails, the client violates
// the protocol or it stays silent past the read deadline.
func (s *Server) readLoop(ctx context.Context, c *client) {
	for ctx.Err() == nil {
		_ = c.conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		f, err := bridge.Decode(c.conn)
		if err != nil {
			if !s.readError(c, err) {
				return
			}
			continue
		}
		metrics.IncTCPRx()
		st := c.stream(f.Stream)
		st.rxFrames.Add(1)
		st.rxBytes.Add(uint64(len(f.Payload)))
		if err := s.dispatch(c, f); err != nil {
			s.totalProtocolErr.Add(1)
			metrics.IncError(mapErrToMetric(err))
			c.log.Warn("client_protocol_violation", "error", err)
			return
		}
	}
}

// readError classifies a decode error and reports whether reading goes on.
func (s *Server) readError(c *client, err error) bool {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return false
	case errors.As(err, &ne) && ne.Timeout():
		s.totalIdle.Add(1)
		c.log.Info("client_idle_timeout", "timeout", s.readDeadline)
		return false
	case errors.Is(err, bridge.ErrChecksum):
		s.totalChecksumErr.Add(1)
		metrics.IncChecksumError()
		if s.auth != nil {
			metrics.IncError(metrics.ErrProtocol)
			c.log.Warn("client_checksum_error_disconnect", "error", err)
			return false
		}
		c.log.Debug("client_checksum_error_drop", "error", err)
		return true
	case errors.Is(err, bridge.ErrBadMagic), errors.Is(err, bridge.ErrBadStream),
		errors.Is(err, bridge.ErrOversize), errors.Is(err, bridge.ErrTruncated):
		s.totalProtocolErr.Add(1)
		wrap := fmt.Errorf("%w: %v", ErrProtocol, err)
		metrics.IncError(mapErrToMetric(wrap))
		c.log.Warn("client_protocol_violation", "error", wrap)
		return false
	default:
		wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return false
	}
}

func (s *Server) dispatch(c *client, f bridge.Frame) error {
	switch f.Stream {
	case bridge.StreamControl:
		return s.handleControl(c, f)
	case bridge.StreamCANOut:
		if f.Type != bridge.TypeBulkOut {
			return fmt.Errorf("%w: %s frame on %s", ErrProtocol, f.Type, f.Stream)
		}
		b, err := frame.ParseBulk(f.Payload)
		if err != nil {
			s.replyError(c, frame.ErrorInfo{Code: frame.ErrCodeInvalidFrame, Source: uint8(frame.TypeBulkOut), Message: "short bulk"})
			return nil
		}
		s.handleCANOut(c, b.Data)
	case bridge.StreamSerial:
		if f.Type != bridge.TypeSerial {
			return fmt.Errorf("%w: %s frame on %s", ErrProtocol, f.Type, f.Stream)
		}
		s.handleSerial(c, f.Payload)
	case bridge.StreamCANIn:
		return fmt.Errorf("%w: client wrote to %s", ErrProtocol, f.Stream)
	}
	return nil
}

func (s *Server) handleControl(c *client, f bridge.Frame) error {
	switch f.Type {
	case bridge.TypeControl:
	case bridge.TypeStatus:
		// keepalive
		return nil
	case bridge.TypeAuth:
		c.log.Debug("client_auth_ignored", "state", c.State())
		return nil
	default:
		return fmt.Errorf("%w: %s frame on %s", ErrProtocol, f.Type, f.Stream)
	}
	req, err := frame.ParseControl(f.Payload)
	if err != nil {
		s.replyError(c, frame.ErrorInfo{Code: frame.ErrCodeInvalidFrame, Source: uint8(frame.TypeControl), Message: "short control request"})
		return nil
	}
	resp, err := s.Handler.Control(req)
	if err != nil {
		metrics.IncError(metrics.ErrControl)
		var info frame.ErrorInfo
		if !errors.As(err, &info) {
			info = frame.ErrorInfo{Code: frame.ErrCodeUnsupported, Source: uint8(frame.TypeControl), Data: uint16(req.Request), Message: err.Error()}
		}
		s.replyError(c, info)
		return nil
	}
	c.enqueue(bridge.Frame{Stream: bridge.StreamControl, Type: bridge.TypeControl, Payload: resp})
	return nil
}

func (s *Server) replyError(c *client, info frame.ErrorInfo) {
	c.enqueue(bridge.Frame{Stream: bridge.StreamControl, Type: bridge.TypeStatus, Payload: info.Marshal()})
}

// handleCANOut appends the bulk data to the stream FIFO and submits every
// whole packet in it. A packet may be split across frames.
func (s *Server) handleCANOut(c *client, payload []byte) {
	st := c.stream(bridge.StreamCANOut)
	st.mu.Lock()
	defer st.mu.Unlock()
	if n := st.ring.Write(payload); n < len(payload) {
		st.overflow.Add(1)
		metrics.IncError(metrics.ErrCANOverflow)
		c.log.Warn("can_out_stream_overflow", "dropped", len(payload)-n)
	}
	var buf [can.MaxPacketSize]byte
	for st.ring.Len() >= can.HeaderSize {
		st.ring.Peek(buf[:1])
		dataLen, _ := can.DLCToLen(buf[0] >> 4)
		need := can.HeaderSize + dataLen
		if st.ring.Len() < need {
			return
		}
		st.ring.Peek(buf[:need])
		p, n, err := can.Unpack(buf[:need])
		if err != nil {
			metrics.IncChecksumError()
			c.log.Debug("can_out_packet_invalid", "error", err)
			st.ring.Discard(max(n, 1))
			continue
		}
		st.ring.Discard(n)
		if err := s.Handler.Transmit(p); err != nil {
			s.rejectPacket(c, p, err)
		}
	}
}

func (s *Server) rejectPacket(c *client, p can.Packet, err error) {
	s.totalBackendDrop.Add(1)
	var info frame.ErrorInfo
	switch {
	case errors.As(err, &info):
		s.replyError(c, info)
	case errors.Is(err, transport.ErrBufferFull):
		s.replyError(c, frame.ErrorInfo{Code: frame.ErrCodeBufferFull, Source: uint8(frame.TypeBulkOut), Data: uint16(p.Addr), Message: "tx queue full"})
	default:
		s.replyError(c, frame.ErrorInfo{Code: frame.ErrCodeCANFailed, Source: uint8(frame.TypeBulkOut), Data: uint16(p.Addr), Message: err.Error()})
	}
	c.log.Debug("can_out_rejected", "bus", p.Bus, "addr", fmt.Sprintf("0x%X", p.Addr), "error", err)
}

func (s *Server) handleSerial(c *client, payload []byte) {
	st := c.stream(bridge.StreamSerial)
	st.mu.Lock()
	if n := st.ring.Write(payload); n < len(payload) {
		st.overflow.Add(1)
	}
	buf := make([]byte, st.ring.Len())
	st.ring.Read(buf)
	st.mu.Unlock()
	if len(buf) > 0 {
		s.Handler.Serial(buf)
	}
}
