package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event types pushed on /events.
const (
	EventSession = "session"
	EventAlert   = "alert"
)

const (
	clientBufferSize = 64
	writeWait        = 10 * time.Second
)

// Event is one message sent to WebSocket clients.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// wsConn is the part of a WebSocket connection the hub needs.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// client is one connected event subscriber.
type client struct {
	id   string
	send chan []byte
}

// Hub fans events out to connected clients. Slow clients miss events rather
// than block the broadcaster.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// register adds a client with initial queued, or reports false once the hub is closed.
func (h *Hub) register(initial []byte) (*client, bool) {
	c := &client{id: uuid.NewString(), send: make(chan []byte, clientBufferSize)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	if initial != nil {
		c.send <- initial
	}
	h.clients[c] = struct{}{}
	slog.Debug("Hub.register: client connected", "client_id", c.id, "clients", len(h.clients))
	return c, true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	slog.Debug("Hub.unregister: client disconnected", "client_id", c.id, "clients", len(h.clients))
}

// Broadcast sends ev to every client.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Hub.Broadcast: failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slog.Warn("Hub.Broadcast: client buffer full, dropping event", "client_id", c.id, "type", ev.Type)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects all clients and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The UI is served from the station itself or a kiosk shell on another origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventsHandler upgrades to a WebSocket and streams events, starting with
// the current session snapshot.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.eventsHandler: upgrade failed", "error", err)
		return
	}
	snap := s.station.Snapshot()
	initial, err := json.Marshal(Event{Type: EventSession, Time: snap.UpdatedAt, Data: snap})
	if err != nil {
		slog.Error("Server.eventsHandler: failed to marshal snapshot", "error", err)
		initial = nil
	}
	c, ok := s.hub.register(initial)
	if !ok {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}

	go writePump(c, ws)
	go readPump(s.hub, c, ws)
}

// writePump writes queued events until the client is unregistered.
func writePump(c *client, conn wsConn) {
	defer conn.Close()
	for msg := range c.send {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			slog.Debug("writePump: write failed", "client_id", c.id, "error", err)
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump discards inbound messages and unregisters the client on close.
func readPump(h *Hub, c *client, conn wsConn) {
	defer func() {
		h.unregister(c)
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
