package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// EventHub fans scheduler dispatch events out to WebSocket subscribers. A
// subscriber that cannot keep up is disconnected rather than allowed to block
// the broadcast path.
type EventHub struct {
	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
	closed      bool
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subscribers: make(map[chan []byte]struct{})}
}

// Broadcast marshals v and sends it to every subscriber. Full subscriber
// buffers are dropped and the subscriber removed.
func (h *EventHub) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("server: failed to marshal event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for ch := range h.subscribers {
		select {
		case ch <- data:
		default:
			delete(h.subscribers, ch)
			close(ch)
		}
	}
}

// Stop disconnects all subscribers. Further broadcasts are no-ops.
func (h *EventHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		delete(h.subscribers, ch)
		close(ch)
	}
}

func (h *EventHub) subscribe() (chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan []byte, 64)
	h.subscribers[ch] = struct{}{}
	return ch, true
}

func (h *EventHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
}

// subscriberCount is used by tests and the stats endpoint.
func (h *EventHub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects or the hub stops.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}

	ch, ok := h.subscribe()
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.unsubscribe(ch)
	log.Printf("server: websocket client connected")

	// Drain reads so client-initiated close is noticed.
	readCtx, cancelRead := context.WithCancel(r.Context())
	defer cancelRead()
	go func() {
		defer cancelRead()
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, open := <-ch:
			if !open {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(readCtx, 10*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-readCtx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}
