// Package transport holds the single-writer queue shared by the UART, CAN
// and TCP writers, plus the small sink interfaces that connect them.
package transport

import "github.com/kstaniek/go-panda-gateway/internal/can"

// PacketSink accepts CAN packets for transmission.
type PacketSink interface {
	SendPacket(can.Packet) error
}

// PacketSinkFunc adapts a function to PacketSink.
type PacketSinkFunc func(can.Packet) error

func (f PacketSinkFunc) SendPacket(p can.Packet) error { return f(p) }

// Fanout delivers to every sink and returns the first error.
type Fanout []PacketSink

func (f Fanout) SendPacket(p can.Packet) error {
	var first error
	for _, s := range f {
		if err := s.SendPacket(p); err != nil && first == nil {
			first = err
		}
	}
	return first
}
