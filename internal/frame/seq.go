package frame

import "sync/atomic"

// SeqCounter hands out 8 bit transmit sequence numbers, wrapping at 256.
type SeqCounter struct{ n atomic.Uint32 }

// Next returns the sequence for the next frame.
func (s *SeqCounter) Next() uint8 { return uint8(s.n.Add(1) - 1) }

// Reset restarts numbering at zero.
func (s *SeqCounter) Reset() { s.n.Store(0) }

// SeqTracker follows the peer's sequence numbers. Gaps and duplicates are
// recorded but never hold back delivery.
type SeqTracker struct {
	expected   uint8
	started    bool
	lost       uint64
	duplicates uint64
}

// Observe records seq and reports how many frames were skipped before it and
// whether it repeats an already seen number. A jump of 128 or more is read as
// a stale frame rather than a loss.
func (t *SeqTracker) Observe(seq uint8) (lost int, dup bool) {
	if !t.started {
		t.started = true
		t.expected = seq + 1
		return 0, false
	}
	diff := seq - t.expected
	switch {
	case diff == 0:
	case diff < 128:
		lost = int(diff)
		t.lost += uint64(diff)
	default:
		t.duplicates++
		return 0, true
	}
	t.expected = seq + 1
	return lost, false
}

func (t *SeqTracker) Lost() uint64       { return t.lost }
func (t *SeqTracker) Duplicates() uint64 { return t.duplicates }

// Reset forgets the expected sequence, e.g. after the peer restarts.
func (t *SeqTracker) Reset() { *t = SeqTracker{} }
