package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-posture/internal/log"
)

// Policy decides what happens to a client whose send buffer is full.
type Policy int

const (
	// EvictSlow disconnects the client.
	EvictSlow Policy = iota
	// SkipSlow drops the message for that client and keeps it connected.
	// Suits streams where the next message supersedes the last.
	SkipSlow
)

const (
	broadcastBuffer = 256
	clientBuffer    = 64
)

// Stats counts hub activity.
type Stats struct {
	Clients   int    `json:"clients"`
	Broadcast uint64 `json:"broadcast"` // Messages accepted for fan-out
	Dropped   uint64 `json:"dropped"`   // Messages refused because the hub was backed up
	Delivered uint64 `json:"delivered"` // Per-client enqueues
	Skipped   uint64 `json:"skipped"`   // Per-client drops under SkipSlow
	Evicted   uint64 `json:"evicted"`   // Clients disconnected under EvictSlow
}

// Hub owns a set of clients. A single goroutine (Run) mutates the set;
// everything else talks to it over channels.
type Hub struct {
	name   string
	policy Policy
	logger *slog.Logger

	clients    map[*Client]struct{}
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client

	// OnMessage handles text messages read from clients. Set before Run.
	OnMessage func(c *Client, data []byte)

	mu      sync.RWMutex
	running bool
	done    chan struct{}

	accepted  atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	skipped   atomic.Uint64
	evicted   atomic.Uint64
}

// New creates a hub. The name only appears in logs.
func New(name string, policy Policy) *Hub {
	return &Hub{
		name:       name,
		policy:     policy,
		logger:     log.With("component", "hub", "hub", name),
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan Message, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c, "client disconnected")
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client connected", "clients", n)
}

func (h *Hub) remove(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Debug(reason, "clients", n)
	}
}

func (h *Hub) fanOut(msg Message) {
	h.mu.RLock()
	var slow []*Client
	for c := range h.clients {
		select {
		case c.send <- msg:
			h.delivered.Add(1)
		default:
			if h.policy == SkipSlow {
				h.skipped.Add(1)
				continue
			}
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.evicted.Add(1)
		h.remove(c, "evicted slow client")
	}
	if len(slow) > 0 {
		h.logger.Warn("evicted slow clients", "count", len(slow))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.running = false
	h.mu.Unlock()
	close(h.done)
}

// Broadcast queues msg for every client. It never blocks; when the hub is
// backed up the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
		h.accepted.Add(1)
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast queue full, dropping message")
	}
}

// BroadcastJSON encodes v and broadcasts it as text.
func (h *Hub) BroadcastJSON(v any) error {
	msg, err := JSONMessage(v)
	if err != nil {
		return err
	}
	h.Broadcast(msg)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:   h.ClientCount(),
		Broadcast: h.accepted.Load(),
		Dropped:   h.dropped.Load(),
		Delivered: h.delivered.Load(),
		Skipped:   h.skipped.Load(),
		Evicted:   h.evicted.Load(),
	}
}

// IsRunning reports whether Run is active.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
