package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	ChunkHeaderSize = 6
	// ChunkCapacity is the data carried by one chunk frame.
	ChunkCapacity = MaxPayload - ChunkHeaderSize
	// MaxTransfer is the largest transfer a 16 bit total length can describe.
	MaxTransfer = 0xFFFF

	DefaultChunkIdleTimeout = 2 * time.Second
)

// ChunkFlags mark the position of a chunk in its transfer.
type ChunkFlags uint8

const (
	ChunkFirst      ChunkFlags = 0x01
	ChunkLast       ChunkFlags = 0x02
	ChunkRetransmit ChunkFlags = 0x04
)

var (
	ErrChunkOrder      = errors.New("frame: chunk out of order")
	ErrChunkOverflow   = errors.New("frame: chunk exceeds transfer length")
	ErrChunkIncomplete = errors.New("frame: transfer ended short")
	ErrTransferTooLong = errors.New("frame: transfer too long")
)

// Chunk is one piece of a chunked transfer. Endpoint travels in the
// reserved header byte and names where the reassembled data goes.
type Chunk struct {
	Total    uint16
	Offset   uint16
	Flags    ChunkFlags
	Endpoint uint8
	Data     []byte
}

func (c Chunk) AppendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, c.Total)
	dst = binary.LittleEndian.AppendUint16(dst, c.Offset)
	dst = append(dst, byte(c.Flags), c.Endpoint)
	return append(dst, c.Data...)
}

func (c Chunk) Marshal() []byte { return c.AppendTo(make([]byte, 0, ChunkHeaderSize+len(c.Data))) }

// FrameFlags maps chunk position onto the frame header flags.
func (c Chunk) FrameFlags() Flags {
	var f Flags
	if c.Flags&ChunkFirst != 0 {
		f |= FlagFirst
	}
	if c.Flags&ChunkLast != 0 {
		f |= FlagLast
	}
	return f
}

// ParseChunk decodes a chunk sub-frame. Data aliases p.
func ParseChunk(p []byte) (Chunk, error) {
	if len(p) < ChunkHeaderSize {
		return Chunk{}, fmt.Errorf("%w: chunk header %d bytes", ErrShortFrame, len(p))
	}
	return Chunk{
		Total:    binary.LittleEndian.Uint16(p[0:2]),
		Offset:   binary.LittleEndian.Uint16(p[2:4]),
		Flags:    ChunkFlags(p[4]),
		Endpoint: p[5],
		Data:     p[ChunkHeaderSize:],
	}, nil
}

// Split cuts data into ceil(len/size) chunks with increasing offsets. The
// first chunk carries ChunkFirst, the final one ChunkLast; a transfer that
// fits in one chunk carries both.
func Split(data []byte, endpoint uint8, size int) ([]Chunk, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", size)
	}
	if len(data) > MaxTransfer {
		return nil, fmt.Errorf("%w: %d bytes", ErrTransferTooLong, len(data))
	}
	total := uint16(len(data))
	chunks := make([]Chunk, 0, (len(data)+size-1)/size+1)
	for off := 0; off < len(data) || off == 0; off += size {
		end := min(off+size, len(data))
		c := Chunk{Total: total, Offset: uint16(off), Endpoint: endpoint, Data: data[off:end]}
		if off == 0 {
			c.Flags |= ChunkFirst
		}
		if end == len(data) {
			c.Flags |= ChunkLast
		}
		chunks = append(chunks, c)
		if end == len(data) {
			break
		}
	}
	return chunks, nil
}

// Result of feeding a chunk to a Reassembler.
type Result int

const (
	Continue Result = iota
	Complete
)

// Reassembler collects chunks of one transfer direction. It is not safe for
// concurrent use; the receive task owns it.
type Reassembler struct {
	// IdleTimeout bounds how long a stalled transfer keeps its buffer.
	IdleTimeout time.Duration

	inProgress   bool
	total        int
	received     int
	endpoint     uint8
	buf          []byte
	lastActivity time.Time
}

func NewReassembler(idle time.Duration) *Reassembler {
	if idle <= 0 {
		idle = DefaultChunkIdleTimeout
	}
	return &Reassembler{IdleTimeout: idle}
}

// Receive appends c if its offset matches the bytes received so far. A
// mismatching chunk is dropped with ErrChunkOrder and leaves the state
// untouched. On Complete the assembled data is returned and the state reset.
func (r *Reassembler) Receive(c Chunk, now time.Time) (Result, []byte, error) {
	if c.Flags&ChunkFirst != 0 {
		if c.Offset != 0 {
			return Continue, nil, fmt.Errorf("%w: first chunk at offset %d", ErrChunkOrder, c.Offset)
		}
		r.reset()
		r.inProgress = true
		r.total = int(c.Total)
		r.endpoint = c.Endpoint
		r.buf = make([]byte, 0, r.total)
	}
	if !r.inProgress {
		return Continue, nil, fmt.Errorf("%w: no transfer in progress (offset %d)", ErrChunkOrder, c.Offset)
	}
	if int(c.Offset) != r.received || int(c.Total) != r.total {
		return Continue, nil, fmt.Errorf("%w: offset %d total %d, expected offset %d total %d",
			ErrChunkOrder, c.Offset, c.Total, r.received, r.total)
	}
	if r.received+len(c.Data) > r.total {
		r.reset()
		return Continue, nil, fmt.Errorf("%w: %d+%d > %d", ErrChunkOverflow, c.Offset, len(c.Data), c.Total)
	}
	r.buf = append(r.buf, c.Data...)
	r.received += len(c.Data)
	r.lastActivity = now
	if c.Flags&ChunkLast == 0 {
		return Continue, nil, nil
	}
	if r.received != r.total {
		got, want := r.received, r.total
		r.reset()
		return Continue, nil, fmt.Errorf("%w: %d of %d bytes", ErrChunkIncomplete, got, want)
	}
	data := r.buf
	r.reset()
	return Complete, data, nil
}

// Expire drops a transfer that has been idle longer than IdleTimeout.
func (r *Reassembler) Expire(now time.Time) bool {
	if !r.inProgress || now.Sub(r.lastActivity) <= r.IdleTimeout {
		return false
	}
	r.reset()
	return true
}

// Abort discards any partial transfer.
func (r *Reassembler) Abort() { r.reset() }

func (r *Reassembler) InProgress() bool   { return r.inProgress }
func (r *Reassembler) BytesReceived() int { return r.received }
func (r *Reassembler) Endpoint() uint8    { return r.endpoint }

func (r *Reassembler) reset() {
	r.inProgress = false
	r.total = 0
	r.received = 0
	r.endpoint = 0
	r.buf = nil
}
