// Package realtime serves the WebSocket transport for behavioral clients and
// risk monitors.
//
// Every connection gets its own ID. Inbound frames are handed to a
// MessageHandler in arrival order and the single reply is written back on
// the same connection. Risk alerts are pushed to connections that
// subscribed to them.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/typeguard/internal/idgen"
	"github.com/mbd888/typeguard/internal/metrics"
	"github.com/mbd888/typeguard/internal/session"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

const (
	// MaxClients is the default limit on concurrent WebSocket connections.
	MaxClients = 10000

	sendBufferSize = 256
	alertQueueSize = 256
	maxFrameSize   = 512 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
	messageTimeout = 10 * time.Second
)

// MessageHandler processes client frames. session.Coordinator implements it.
type MessageHandler interface {
	Connect(conn session.ConnID)
	Disconnect(conn session.ConnID)
	Handle(ctx context.Context, conn session.ConnID, raw []byte) *session.Outbound
	Subscribed(conn session.ConnID) bool
}

var _ MessageHandler = (*session.Coordinator)(nil)

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	id   session.ConnID
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// enqueue queues msg for the write pump without blocking. It reports false
// when the buffer is full or the client is gone.
func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close closes the send channel once; the write pump then sends a close frame.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub manages all WebSocket connections
type Hub struct {
	handler    MessageHandler
	clients    map[*Client]bool
	alerts     chan session.AlertNotice
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	origins    []string
	upgrader   websocket.Upgrader

	// Stats
	totalMessages atomic.Int64
	totalAlerts   atomic.Int64
	droppedAlerts atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

var _ session.AlertNotifier = (*Hub)(nil)

// NewHub creates a new WebSocket hub. A handler must be attached with
// WithHandler before connections are accepted.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:    make(map[*Client]bool),
		alerts:     make(chan session.AlertNotice, alertQueueSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithHandler sets the handler that processes client frames.
func (h *Hub) WithHandler(m MessageHandler) *Hub {
	h.handler = m
	return h
}

// WithMaxClients overrides the connection limit.
func (h *Hub) WithMaxClients(n int) *Hub {
	if n > 0 {
		h.maxClients = n
	}
	return h
}

// WithAllowedOrigins accepts browser connections from the given origins in
// addition to the serving host. "*" allows any origin.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	h.origins = origins
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // Allow non-browser clients
	}
	host := r.Host
	if origin == "http://"+host || origin == "https://"+host {
		return true
	}
	return slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
				h.disconnect(client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			if h.handler != nil {
				h.handler.Connect(client.id)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "conn", string(client.id), "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.disconnect(client)
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "conn", string(client.id), "total", n)

		case notice := <-h.alerts:
			h.pushAlert(notice)
		}
	}
}

// pushAlert fans an alert out to subscribed clients. Clients whose buffers
// are full are disconnected.
func (h *Hub) pushAlert(notice session.AlertNotice) {
	h.totalAlerts.Add(1)
	if h.handler == nil {
		return
	}
	payload := notice.Outbound().Encode()

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !h.handler.Subscribed(client.id) {
			continue
		}
		if !client.enqueue(payload) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			if _, ok := h.clients[client]; ok {
				client.close()
				delete(h.clients, client)
				h.disconnect(client)
			}
		}
		n := len(h.clients)
		h.mu.Unlock()
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Warn("dropped slow alert subscribers", "count", len(slow))
	}
}

func (h *Hub) disconnect(client *Client) {
	if h.handler != nil {
		h.handler.Disconnect(client.id)
	}
}

// NotifyAlert queues an alert for subscribed clients. It never blocks; when
// the queue is full the alert is dropped.
func (h *Hub) NotifyAlert(n session.AlertNotice) {
	select {
	case h.alerts <- n:
	default:
		h.droppedAlerts.Add(1)
		h.logger.Warn("alert queue full, dropping alert", "session_id", n.SessionID, "user_id", n.UserID)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalMessages":    h.totalMessages.Load(),
		"totalAlerts":      h.totalAlerts.Load(),
		"droppedAlerts":    h.droppedAlerts.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.handler == nil {
		http.Error(w, "realtime handler not configured", http.StatusServiceUnavailable)
		return
	}

	// Enforce connection limit
	if h.ClientCount() >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		id:   session.ConnID(idgen.WithPrefix("conn_")),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads client frames and queues one reply per frame.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "conn", string(c.id), "error", err)
			}
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.totalMessages.Add(1)

		ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
		reply := c.hub.handler.Handle(ctx, c.id, message)
		cancel()

		if !c.enqueue(reply.Encode()) {
			c.hub.logger.Warn("client send buffer full, dropping reply", "conn", string(c.id), "type", string(reply.Type))
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "conn", string(c.id), "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "conn", string(c.id), "error", err)
				return
			}
		}
	}
}
