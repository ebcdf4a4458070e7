// Package websocket pushes recorded delivery attempts to connected admin clients.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Priya8975/integration-hub/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// DeliveryUpdate is one attempt result as sent to feed clients.
type DeliveryUpdate struct {
	Type        string               `json:"type"` // "delivery_succeeded", "delivery_failed", "delivery_retrying", "delivery_exhausted", "delivery_cancelled"
	DeliveryID  string               `json:"delivery_id"`
	EventID     string               `json:"event_id"`
	WebhookID   string               `json:"webhook_id"`
	WebhookName string               `json:"webhook_name"`
	EventType   domain.EventType     `json:"event_type"`
	State       domain.DeliveryState `json:"state"`
	Attempt     int                  `json:"attempt"`
	StatusCode  *int                 `json:"status_code,omitempty"`
	DurationMs  int64                `json:"duration_ms"`
	Error       string               `json:"error,omitempty"`
	NextRetryAt *time.Time           `json:"next_retry_at,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
}

// UpdateType maps a delivery state to the feed message type.
func UpdateType(state domain.DeliveryState) string {
	switch state {
	case domain.DeliverySucceeded:
		return "delivery_succeeded"
	case domain.DeliveryRetryScheduled:
		return "delivery_retrying"
	case domain.DeliveryExhausted:
		return "delivery_exhausted"
	case domain.DeliveryCancelled:
		return "delivery_cancelled"
	}
	return "delivery_failed"
}

// Hub fans delivery updates out to feed clients. A client connected with
// ?webhook_id= only receives updates for that subscription.
type Hub struct {
	clients    map[*client]struct{}
	mu         sync.RWMutex
	broadcast  chan feedMessage
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     *slog.Logger
}

type feedMessage struct {
	webhookID string
	data      []byte
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	webhookID string
}

func (c *client) wants(m feedMessage) bool {
	return c.webhookID == "" || c.webhookID == m.webhookID
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan feedMessage, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "total_clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "total_clients", n)

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(message) {
					continue
				}
				select {
				case c.send <- message.data:
				default:
					// Slow client: drop it rather than stall the feed.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an update for every connected client. It never blocks.
func (h *Hub) Broadcast(update DeliveryUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		h.logger.Error("failed to marshal websocket update", "error", err)
		return
	}

	select {
	case h.broadcast <- feedMessage{webhookID: update.WebhookID, data: data}:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping update", "delivery_id", update.DeliveryID)
	}
}

// HandleWebSocket upgrades the request and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, 256),
		webhookID: r.URL.Query().Get("webhook_id"),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump drains the connection to process pongs and detect disconnects.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
