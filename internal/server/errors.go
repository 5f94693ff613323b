package server

import (
	"errors"

	"github.com/kstaniek/go-panda-gateway/internal/bridge"
	"github.com/kstaniek/go-panda-gateway/internal/metrics"
)

// Sentinels wrapped by the server; classify with errors.Is.
var (
	ErrListen    = errors.New("server: listen")
	ErrAccept    = errors.New("server: accept")
	ErrHandshake = errors.New("server: auth handshake")
	ErrConnRead  = errors.New("server: conn read")
	ErrConnWrite = errors.New("server: conn write")
	ErrProtocol  = errors.New("server: protocol violation")
	ErrContext   = errors.New("server: context done")
)

// mapErrToMetric picks the errors_total label for a wrapped error.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrHandshake), errors.Is(err, bridge.ErrAuth):
		return metrics.ErrAuth
	case errors.Is(err, ErrProtocol), errors.Is(err, bridge.ErrBadMagic), errors.Is(err, bridge.ErrBadStream):
		return metrics.ErrProtocol
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrContext):
		return "context"
	}
	return "other"
}
