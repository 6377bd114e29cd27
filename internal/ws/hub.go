package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"snapshot-renderer/internal/models"
	"snapshot-renderer/internal/queue"
)

// Hub pushes live queue statistics to connected dashboard clients. Each
// client gets the current counts on connect, then periodic updates from
// Run until it disconnects.
type Hub struct {
	queue    *queue.Queue
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	clients map[*client]bool
}

// client serializes writes to one connection; gorilla/websocket allows
// only a single concurrent writer per conn.
type client struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

type update struct {
	Counts models.JobCounts `json:"counts"`
	At     time.Time        `json:"at"`
}

func New(q *queue.Queue, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		queue: q,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:     log,
		clients: make(map[*client]bool),
	}
}

// ServeHTTP upgrades the connection and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws: upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn}

	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Info("ws: client connected", "clients", total)

	h.sendUpdate(r.Context(), c)

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Run broadcasts queue counts on the given interval until the context is
// cancelled.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *Hub) broadcast(ctx context.Context) {
	h.mu.Lock()
	conns := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.sendUpdate(ctx, c)
	}
}

func (h *Hub) sendUpdate(ctx context.Context, c *client) {
	counts, err := h.queue.Counts(ctx)
	if err != nil {
		h.log.Warn("ws: counts read failed", "error", err)
		return
	}
	if err := c.writeJSON(update{Counts: counts, At: time.Now().UTC()}); err != nil {
		h.log.Warn("ws: update write failed", "error", err)
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
