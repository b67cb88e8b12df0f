package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// Message types understood by the hub.
const (
	TypeQueueGet   = "queue:get"
	TypeQueueState = "queue:state"
	TypeError      = "error"
)

// ErrBacklog is returned when the broadcast buffer is full.
var ErrBacklog = errors.New("websocket broadcast backlog full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// incomingMessage wraps a message from a client.
type incomingMessage struct {
	client  *Client
	message []byte
}

// SnapshotFunc returns the current queue state sent to clients that ask.
type SnapshotFunc func() any

// Hub manages WebSocket connections and broadcasts.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	incoming   chan incomingMessage
	mu         sync.RWMutex
	snapshot   SnapshotFunc
	logger     zerolog.Logger
}

// Client represents a WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Message represents a WebSocket message.
type Message struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewHub creates a new WebSocket hub. snapshot may be nil.
func NewHub(snapshot SnapshotFunc, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan incomingMessage, 256),
		snapshot:   snapshot,
		logger:     logger.With().Str("component", "websocket").Logger(),
	}
}

// SetSnapshot replaces the queue state provider.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case incoming := <-h.incoming:
			h.handleIncoming(incoming)
		}
	}
}

// handleIncoming answers requests from a single client.
func (h *Hub) handleIncoming(incoming incomingMessage) {
	var msg Message
	if err := json.Unmarshal(incoming.message, &msg); err != nil {
		h.reply(incoming.client, TypeError, map[string]string{"error": "malformed message"})
		return
	}

	switch msg.Type {
	case TypeQueueGet:
		h.mu.RLock()
		fn := h.snapshot
		h.mu.RUnlock()
		if fn == nil {
			h.reply(incoming.client, TypeError, map[string]string{"error": "queue state unavailable"})
			return
		}
		h.reply(incoming.client, TypeQueueState, fn())
	default:
		h.reply(incoming.client, TypeError, map[string]string{"error": "unknown message type " + msg.Type})
	}
}

// reply sends a message to one client, dropping it if the client is slow.
func (h *Hub) reply(c *Client, msgType string, payload any) {
	data, err := encode(msgType, payload)
	if err != nil {
		h.logger.Warn().Err(err).Str("type", msgType).Msg("Failed to encode reply")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func encode(msgType string, payload any) ([]byte, error) {
	return json.Marshal(Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Broadcast sends a message to all connected clients. It never blocks; a
// full buffer returns ErrBacklog.
func (h *Hub) Broadcast(msgType string, payload any) error {
	data, err := encode(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
		return nil
	default:
		return ErrBacklog
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles WebSocket connection upgrade.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()

	return nil
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("WebSocket closed unexpectedly")
			}
			break
		}

		c.hub.incoming <- incomingMessage{
			client:  c,
			message: message,
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Send any queued messages as separate frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
