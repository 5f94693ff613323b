package frame

import (
	"fmt"

	"github.com/kstaniek/go-panda-gateway/internal/can"
)

// BulkCapacity is the room for packed CAN packets in one bulk frame.
const BulkCapacity = MaxPayload - BulkHeaderSize

// PackCanBatch appends packed packets to dst in order until the next one
// would exceed capacity bytes. It returns the payload and how many packets
// were consumed; the caller sends the rest in a later batch.
func PackCanBatch(dst []byte, pkts []can.Packet, capacity int) ([]byte, int) {
	used := 0
	for i, p := range pkts {
		if used+p.Size() > capacity {
			return dst, i
		}
		var err error
		dst, err = can.Append(dst, p)
		if err != nil {
			// unencodable packets are skipped
			continue
		}
		used += p.Size()
	}
	return dst, len(pkts)
}

// UnpackCanBatch walks payload packet by packet, deriving each length from its
// own DLC. It returns the packets decoded before the first error.
func UnpackCanBatch(payload []byte) ([]can.Packet, error) {
	var out []can.Packet
	for off := 0; off < len(payload); {
		p, n, err := can.Unpack(payload[off:])
		if err != nil {
			return out, fmt.Errorf("packet at offset %d: %w", off, err)
		}
		out = append(out, p)
		off += n
	}
	return out, nil
}
