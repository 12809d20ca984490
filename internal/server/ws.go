package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ayusman/jetcam/internal/log"
	"github.com/ayusman/jetcam/internal/session"
	"github.com/gorilla/websocket"
)

const (
	clientBuffer = 32
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// EventSource publishes session lifecycle events.
type EventSource interface {
	Subscribe(fn func(session.Event)) (unsubscribe func())
}

// EventsHandler broadcasts session events to WebSocket clients.
type EventsHandler struct {
	unsubscribe func()
	clients     map[*websocket.Conn]chan []byte
	mu          sync.RWMutex
}

// NewEventsHandler creates an EventsHandler subscribed to src.
func NewEventsHandler(src EventSource) *EventsHandler {
	h := &EventsHandler{
		clients: make(map[*websocket.Conn]chan []byte),
	}
	h.unsubscribe = src.Subscribe(h.broadcast)
	return h
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	send := make(chan []byte, clientBuffer)

	h.mu.Lock()
	h.clients[conn] = send
	h.mu.Unlock()

	defer h.remove(conn)

	go h.writeLoop(conn, send)

	// Keep connection alive by reading messages
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *EventsHandler) writeLoop(conn *websocket.Conn, send <-chan []byte) {
	for msg := range send {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			conn.Close()
			return
		}
	}
}

func (h *EventsHandler) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if send, ok := h.clients[conn]; ok {
		close(send)
		delete(h.clients, conn)
	}
}

// broadcast queues ev for every client. Slow clients drop events.
func (h *EventsHandler) broadcast(ev session.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, send := range h.clients {
		select {
		case send <- msg:
		default:
			log.Warn("dropping event for slow client", "remote", conn.RemoteAddr().String(), "kind", string(ev.Kind))
		}
	}
}

// Clients returns the number of connected clients.
func (h *EventsHandler) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the source and disconnects all clients.
func (h *EventsHandler) Close() {
	h.unsubscribe()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.Close()
	}
}
