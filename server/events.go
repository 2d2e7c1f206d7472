package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/herald/pulse/dispatch"
)

// WebSocket timeouts follow the gorilla chat example
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 4096
	sendBuffer     = 64
)

// OutcomeEvent is what /api/events subscribers receive for every recorded attempt
type OutcomeEvent struct {
	Type           string `json:"type"` // always "outcome"
	PostID         string `json:"post_id"`
	Platform       string `json:"platform"`
	Engine         string `json:"engine"`
	Attempt        int    `json:"attempt"`
	Status         string `json:"status"`
	Class          string `json:"class,omitempty"`
	RetryCount     int    `json:"retry_count"`
	ExternalPostID string `json:"external_post_id,omitempty"`
	Error          string `json:"error,omitempty"`
	DurationMS     int64  `json:"duration_ms"`
	Timestamp      int64  `json:"timestamp"`
}

func eventFor(o *dispatch.Outcome) OutcomeEvent {
	return OutcomeEvent{
		Type:           "outcome",
		PostID:         o.PostID,
		Platform:       string(o.Platform),
		Engine:         o.Engine,
		Attempt:        o.Attempt,
		Status:         string(o.Status),
		Class:          string(o.Class),
		RetryCount:     o.RetryCount,
		ExternalPostID: o.ExternalPostID,
		Error:          o.Error,
		DurationMS:     o.Duration.Milliseconds(),
		Timestamp:      o.At.Unix(),
	}
}

// Hub fans dispatch outcomes out to websocket clients. It is a
// dispatch.Observer; slow clients drop events rather than stall dispatch.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	origins []string
	logger  *zap.SugaredLogger
}

var _ dispatch.Observer = (*Hub)(nil)

// NewHub creates an empty hub. allowedOrigins are origin prefixes accepted
// on upgrade; requests without an Origin header are always accepted.
func NewHub(allowedOrigins []string, log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		origins: allowedOrigins,
		logger:  log,
	}
}

// OnOutcome implements dispatch.Observer
func (h *Hub) OnOutcome(o *dispatch.Outcome) {
	h.broadcast(eventFor(o))
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast returns how many clients accepted the message
func (h *Hub) broadcast(msg interface{}) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for c := range h.clients {
		select {
		case c.send <- msg:
			sent++
		default:
			// channel full, skip
		}
	}
	return sent
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debugw("Event subscriber connected", "client_id", c.id)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Debugw("Event subscriber disconnected", "client_id", c.id)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and streams events until the peer goes away
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 2048,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan interface{}, sendBuffer),
		id:   uuid.NewString(),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan interface{}
	id   string
}

// readPump discards client messages; it exists to process pongs and notice
// the peer closing.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.logger.Warnw("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
