// Package serial carries the frame protocol over a UART: the port itself,
// the link that sequences, acknowledges and reassembles frames, and the
// single-writer transmit queue.
package serial

import (
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// DefaultBaud matches the FT232RL link rate.
const DefaultBaud = 3000000

// Open opens the UART in 8N1. readTimeout bounds each Read so the receive
// task can notice shutdown.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	cfg := &serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	return serial.OpenPort(cfg)
}
