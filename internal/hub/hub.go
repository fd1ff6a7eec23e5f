package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"aoidash/internal/metrics"
	"aoidash/internal/model"
)

// ErrHubClosed is returned when a subscribe arrives after shutdown began.
var ErrHubClosed = errors.New("hub is closed")

// Sink mirrors broadcast events to a secondary transport (e.g. Kafka).
type Sink interface {
	Publish(ctx context.Context, ev model.Event) error
	Close() error
}

// Hub owns the set of connected dashboard clients and fans the change
// signal out to all of them. It carries no dashboard data itself; clients
// re-fetch full state when they receive an update event.
type Hub struct {
	logger    *slog.Logger
	metrics   *metrics.Set
	heartbeat time.Duration

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	sinks   []Sink
}

type client struct {
	id string

	mu    sync.Mutex
	w     io.Writer
	flush func()

	closeOnce sync.Once
	done      chan struct{}
}

func New(heartbeat time.Duration, logger *slog.Logger, mset *metrics.Set) *Hub {
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}
	return &Hub{
		logger:    logger,
		metrics:   mset,
		heartbeat: heartbeat,
		clients:   make(map[string]*client),
	}
}

// AddSink registers a mirror transport. Call before serving traffic.
func (h *Hub) AddSink(s Sink) {
	if s == nil {
		return
	}
	h.mu.Lock()
	h.sinks = append(h.sinks, s)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request to a server-sent event stream and holds
// it open until the peer disconnects or the hub shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	// Register before committing the response so a subscribe racing
	// shutdown gets a real error status, not an empty 200 stream.
	c, err := h.register(w, flusher.Flush)
	if err != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := c.sendEvent(mustMarshal(model.Event{Type: model.EventConnected})); err != nil {
		h.drop(c.id)
		return
	}
	go h.heartbeatLoop(c)

	select {
	case <-r.Context().Done():
	case <-c.done:
	}
	h.drop(c.id)
}

// register adds a connection to the active set. Split from ServeHTTP so
// tests can attach arbitrary writers.
func (h *Hub) register(w io.Writer, flush func()) (*client, error) {
	c := &client{
		id:    uuid.NewString(),
		w:     w,
		flush: flush,
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()
	h.metrics.ClientConnected()
	if h.logger != nil {
		h.logger.Info("sse client connected", "client_id", c.id, "total", total)
	}
	return c, nil
}

// Broadcast writes ev to every connected client. Writes are independent:
// one failing connection is reaped without affecting the rest. The event
// is also mirrored to any registered sinks.
func (h *Hub) Broadcast(ev model.Event) {
	payload := mustMarshal(ev)

	h.mu.RLock()
	snapshot := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		snapshot = append(snapshot, c)
	}
	sinks := h.sinks
	h.mu.RUnlock()

	for _, c := range snapshot {
		if err := c.sendEvent(payload); err != nil {
			if h.logger != nil {
				h.logger.Warn("sse write failed, dropping client", "client_id", c.id, "err", err)
			}
			h.metrics.ClientDropped()
			h.drop(c.id)
		}
	}
	h.metrics.Broadcast()

	for _, s := range sinks {
		go func(s Sink) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Publish(ctx, ev); err != nil && h.logger != nil {
				h.logger.Warn("event sink publish failed", "err", err)
			}
		}(s)
	}
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	total := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	h.metrics.ClientGone()
	if h.logger != nil {
		h.logger.Info("sse client disconnected", "client_id", id, "total", total)
	}
}

// Shutdown closes every open connection and all sinks. Idempotent; no new
// connection can be accepted once it returns.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*client)
	sinks := h.sinks
	h.sinks = nil
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		h.metrics.ClientGone()
	}
	for _, s := range sinks {
		if err := s.Close(); err != nil && h.logger != nil {
			h.logger.Warn("event sink close failed", "err", err)
		}
	}
	if h.logger != nil {
		h.logger.Info("sse hub shut down", "clients_closed", len(clients))
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) heartbeatLoop(c *client) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.sendComment("keep-alive"); err != nil {
				h.metrics.ClientDropped()
				h.drop(c.id)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) sendEvent(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if c.flush != nil {
		c.flush()
	}
	return nil
}

func (c *client) sendComment(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.w, ": %s\n\n", text); err != nil {
		return err
	}
	if c.flush != nil {
		c.flush()
	}
	return nil
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func mustMarshal(ev model.Event) []byte {
	data, _ := json.Marshal(ev)
	return data
}
