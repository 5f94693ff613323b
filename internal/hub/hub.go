// Package hub fans received CAN packets out to the connected TCP clients.
package hub

import (
	"fmt"
	"strings"
	"sync"

	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/logging"
	"github.com/kstaniek/go-panda-gateway/internal/metrics"
)

// BackpressurePolicy selects what happens when a client queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// ParsePolicy maps "drop" or "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("unknown hub policy %q", s)
}

// DefaultOutBufSize is the per-client queue length when none is set.
const DefaultOutBufSize = 512

// Client is one subscriber. Out carries packets to its writer; Closed is
// closed when the hub gives up on it.
type Client struct {
	ID        uint64
	Out       chan can.Packet
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient returns a client with a queue of buf packets.
func NewClient(id uint64, buf int) *Client {
	if buf <= 0 {
		buf = DefaultOutBufSize
	}
	return &Client{ID: id, Out: make(chan can.Packet, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.Closed) })
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

func New() *Hub { return &Hub{clients: make(map[*Client]struct{}), OutBufSize: DefaultOutBufSize} }

// NewClient returns a client sized by the hub's OutBufSize. It is not
// registered until Add.
func (h *Hub) NewClient(id uint64) *Client { return NewClient(id, h.OutBufSize) }

func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if cur == 1 {
		logging.L().Info("clients_first_connected", "client", c.ID)
	}
}

// Remove unregisters a client and closes it; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected", "client", c.ID)
	}
}

// Broadcast queues p on every client without blocking.
func (h *Hub) Broadcast(p can.Packet) {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	if len(clients) == 0 {
		return
	}
	maxDepth, sum := 0, 0
	for _, c := range clients {
		l := len(c.Out)
		maxDepth = max(maxDepth, l)
		sum += l
	}
	metrics.SetQueueDepth(maxDepth, sum/len(clients))
	for _, c := range clients {
		select {
		case <-c.Closed:
			continue
		default:
		}
		select {
		case c.Out <- p:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				logging.L().Warn("hub_kick_slow_client", "client", c.ID, "queued", len(c.Out))
				c.Close()
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Snapshot returns a copy of the current client set.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
