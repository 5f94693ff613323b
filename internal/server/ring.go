package server

// ring is a fixed size byte FIFO. One slot stays empty so full and empty
// are distinguishable. Not safe for concurrent use.
type ring struct {
	buf  []byte
	r, w int
}

func newRing(size int) *ring { return &ring{buf: make([]byte, size+1)} }

func (b *ring) Len() int {
	n := b.w - b.r
	if n < 0 {
		n += len(b.buf)
	}
	return n
}

func (b *ring) Free() int { return len(b.buf) - 1 - b.Len() }

func (b *ring) Reset() { b.r, b.w = 0, 0 }

// Write stores as much of p as fits and returns the count.
func (b *ring) Write(p []byte) int {
	n := 0
	for _, c := range p {
		next := b.w + 1
		if next == len(b.buf) {
			next = 0
		}
		if next == b.r {
			break
		}
		b.buf[b.w] = c
		b.w = next
		n++
	}
	return n
}

// Peek copies up to len(p) bytes without consuming them.
func (b *ring) Peek(p []byte) int {
	n, pos := 0, b.r
	for n < len(p) && pos != b.w {
		p[n] = b.buf[pos]
		n++
		pos++
		if pos == len(b.buf) {
			pos = 0
		}
	}
	return n
}

// Discard drops up to n bytes from the front.
func (b *ring) Discard(n int) int {
	n = min(n, b.Len())
	b.r = (b.r + n) % len(b.buf)
	return n
}

// Read consumes up to len(p) bytes.
func (b *ring) Read(p []byte) int { return b.Discard(b.Peek(p)) }
