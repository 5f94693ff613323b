package frame

import (
	"bytes"
	"errors"

	"github.com/kstaniek/go-panda-gateway/internal/metrics"
)

// CompactBuffer reclaims consumed prefix capacity when the underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// DecodeStream consumes every complete frame at the front of in and passes it
// to out. Bytes that do not form a valid frame are dropped one at a time until
// the next sync byte, so a corrupted frame never desynchronises the stream.
// Incomplete trailing frames stay in in. onErr, if set, sees each per-frame
// error.
func DecodeStream(in *bytes.Buffer, out func(Frame), onErr func(error)) {
	report := func(err error) {
		if errors.Is(err, ErrChecksumMismatch) {
			metrics.IncChecksumError()
		} else {
			metrics.IncMalformed()
		}
		if onErr != nil {
			onErr(err)
		}
	}
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) == 0 {
			return
		}
		i := bytes.IndexByte(data, Sync)
		if i < 0 {
			in.Reset()
			report(ErrInvalidSync)
			return
		}
		if i > 0 {
			in.Next(i)
			report(ErrInvalidSync)
			continue
		}
		f, n, err := Validate(data)
		switch {
		case err == nil:
			in.Next(n)
			out(f)
		case errors.Is(err, ErrShortFrame):
			return
		default:
			report(err)
			in.Next(1)
		}
	}
}
