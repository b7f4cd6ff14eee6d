package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Event is a single task-lifecycle notification broadcast to every SSE
// subscriber.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type client struct {
	ch chan []byte
}

// Hub fans a stream of Events out to any number of SSE subscribers. A slow
// or stalled subscriber is dropped rather than allowed to block Broadcast
// for everyone else.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  *slog.Logger
}

// NewHub builds an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[*client]struct{}), logger: logger}
}

// Broadcast encodes event as JSON and delivers it to every current
// subscriber, dropping any subscriber whose buffer is full instead of
// blocking.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("api: marshal event failed", "type", event.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.ch <- data:
		default:
			h.logger.Warn("api: dropping slow SSE subscriber")
			delete(h.clients, c)
			close(c.ch)
		}
	}
}

// ServeSSE streams Broadcast events to the caller as server-sent events
// until the request context is cancelled.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	c := &client{ch: make(chan []byte, 32)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-c.ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
