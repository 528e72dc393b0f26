// Package hub fans accepted bus traffic out to connected TCP clients.
package hub

import (
	"fmt"
	"strings"
	"sync"

	"github.com/kstaniek/go-secure-can/internal/can"
	"github.com/kstaniek/go-secure-can/internal/logging"
	"github.com/kstaniek/go-secure-can/internal/metrics"
)

// BackpressurePolicy decides what happens when a client queue is full.
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

// DefaultOutBufSize is used when Hub.OutBufSize is not positive.
const DefaultOutBufSize = 512

type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// NewClient allocates a client with the hub's queue size. It is not registered.
func (h *Hub) NewClient() *Client {
	n := h.OutBufSize
	if n <= 0 {
		n = DefaultOutBufSize
	}
	return &Client{Out: make(chan can.Frame, n), Closed: make(chan struct{})}
}

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast queues fr on every client honoring the backpressure policy and
// returns how many clients received it. It never blocks.
func (h *Hub) Broadcast(fr can.Frame) int {
	delivered := 0
	for _, c := range h.Snapshot() {
		select {
		case <-c.Closed:
			continue
		default:
		}
		select {
		case c.Out <- fr:
			delivered++
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // writer exits; server will Remove on disconnect
			} else {
				metrics.IncHubDrop()
			}
		}
	}
	return delivered
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
