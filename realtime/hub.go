package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// sendBuffer bounds per-connection backlog; a client that falls further
	// behind starts losing events rather than stalling the orchestrator.
	sendBuffer = 256
)

// controlFrame is what clients send us; the only verb is selecting the
// active conversation.
type controlFrame struct {
	Type string `json:"type"`
	CID  string `json:"cid"`
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	userID string

	mu        sync.Mutex
	activeCID string
}

func (c *conn) setActive(cid string) {
	c.mu.Lock()
	c.activeCID = cid
	c.mu.Unlock()
}

func (c *conn) active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCID
}

// Hub fans events out to each user's connections. Publishing never blocks:
// events to slow or disconnected clients are dropped, and no backlog is kept
// for clients that are not connected.
type Hub struct {
	upgrader websocket.Upgrader
	logf     func(string)

	mu      sync.Mutex
	conns   map[*conn]struct{}
	dropped int64
}

// NewHub creates an empty hub.
func NewHub(logf func(string)) *Hub {
	if logf == nil {
		logf = func(string) {}
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logf:  logf,
		conns: make(map[*conn]struct{}),
	}
}

// ServeHTTP lets the hub be mounted directly on a router.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket connection. The user id
// comes from the `user` query parameter; session authentication happens
// upstream of the hub.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf(fmt.Sprintf("[realtime] upgrade failed: %v", err))
		return
	}

	c := &conn{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.logf(fmt.Sprintf("[realtime] user %s connected", userID))

	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop consumes client control frames until the connection dies.
func (h *Hub) readLoop(c *conn) {
	defer h.remove(c)

	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame controlFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Type == "set_active" {
			c.setActive(frame.CID)
		}
	}
}

// writeLoop owns all writes to the socket, serializing event delivery in
// emission order for this connection.
func (h *Hub) writeLoop(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.ws.Close()
	h.logf(fmt.Sprintf("[realtime] user %s disconnected", c.userID))
}

// Publish delivers an event to every matching connection of the user.
// Connections whose active conversation doesn't match are skipped, and full
// send buffers lose the event instead of blocking the caller.
func (h *Hub) Publish(userID string, ev *Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logf(fmt.Sprintf("[realtime] failed to encode event: %v", err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if c.userID != userID {
			continue
		}
		if !ShouldDeliver(c.active(), ev) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.dropped++
		}
	}
}

// Broadcast sends a global event to every connection of the user regardless
// of active conversation.
func (h *Hub) Broadcast(userID string, typ EventType, payload any) {
	h.Publish(userID, &Event{Type: typ, Payload: payload})
}

// DroppedEvents reports how many events were lost to slow clients.
func (h *Hub) DroppedEvents() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close tears down all connections.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.remove(c)
	}
}
