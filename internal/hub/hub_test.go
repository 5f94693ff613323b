package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/metrics"
)

func packet(addr uint32) can.Packet {
	p, _ := can.NewPacket(0, addr, []byte{0xDE, 0xAD}, false, false)
	return p
}

func TestBroadcastDropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(1, 4)
	h.Add(cl)
	defer h.Remove(cl)

	before := metrics.Snap().HubDrops
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(packet(0x123))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, cap(cl.Out), len(cl.Out))
	assert.Equal(t, uint64(996), metrics.Snap().HubDrops-before)
}

func TestBroadcastSlowClientKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := NewClient(1, 1)
	fast := NewClient(2, 16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	for i := 0; i < 10; i++ {
		h.Broadcast(packet(uint32(0x100 + i)))
	}
	require.Len(t, fast.Out, 10)
	for i := 0; i < 10; i++ {
		p := <-fast.Out
		assert.Equal(t, uint32(0x100+i), p.Addr, "order")
	}
	assert.Len(t, slow.Out, 1)
}

func TestBroadcastKickPolicy(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	cl := NewClient(7, 1)
	h.Add(cl)
	defer h.Remove(cl)

	h.Broadcast(packet(1))
	h.Broadcast(packet(2))
	select {
	case <-cl.Closed:
	default:
		t.Fatal("slow client not kicked")
	}
	// kicked clients are skipped until removed
	h.Broadcast(packet(3))
	assert.Len(t, cl.Out, 1)
}

func TestAddRemoveCount(t *testing.T) {
	h := New()
	h.OutBufSize = 8
	a, b := h.NewClient(1), h.NewClient(2)
	assert.Equal(t, 8, cap(a.Out))
	h.Add(a)
	h.Add(b)
	assert.Equal(t, 2, h.Count())
	h.Remove(a)
	h.Remove(a)
	assert.Equal(t, 1, h.Count())
	select {
	case <-a.Closed:
	default:
		t.Fatal("removed client not closed")
	}
	assert.Len(t, h.Snapshot(), 1)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("KICK")
	require.NoError(t, err)
	assert.Equal(t, PolicyKick, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyDrop, p)
	_, err = ParsePolicy("block")
	assert.Error(t, err)
}
