package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// inboundFrame is the control message a UI client sends on the socket.
type inboundFrame struct {
	Type      string `json:"type"`
	ContextID string `json:"contextId"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]bool // context ids this client is subscribed to

	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// wants reports whether an event frame should be delivered to this client:
// exact context-id match, or the client subscribed to the event's session.
func (c *Client) wants(contextID, partitionKey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions[contextID] || c.subscriptions[partitionKey]
}

// subscribe records the context; false means it was already present.
func (c *Client) subscribe(contextID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriptions[contextID] {
		return false
	}
	c.subscriptions[contextID] = true
	return true
}

func (c *Client) unsubscribe(contextID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subscriptions[contextID] {
		return false
	}
	delete(c.subscriptions, contextID)
	return true
}

func (c *Client) contexts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, id)
	}
	return out
}

// ReadPump pumps control messages from the WebSocket connection to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var frame inboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendControl("error", "", "invalid message format")
			continue
		}
		c.handleFrame(&frame)
	}
}

func (c *Client) handleFrame(frame *inboundFrame) {
	switch frame.Type {
	case "subscribe":
		if frame.ContextID == "" {
			c.sendControl("error", "", "contextId is required")
			return
		}
		c.hub.Subscribe(c, frame.ContextID)
		c.sendControl("subscribed", frame.ContextID, "")
	case "unsubscribe":
		if frame.ContextID == "" {
			c.sendControl("error", "", "contextId is required")
			return
		}
		c.hub.UnsubscribeContext(c, frame.ContextID)
		c.sendControl("unsubscribed", frame.ContextID, "")
	case "ping":
		c.sendControl("pong", "", "")
	default:
		c.logger.Debug("Ignoring unknown frame type", zap.String("type", frame.Type))
	}
}

// sendControl sends a protocol-level acknowledgment or error to the client.
func (c *Client) sendControl(frameType, contextID, errMsg string) {
	payload := map[string]string{"type": frameType}
	if contextID != "" {
		payload["contextId"] = contextID
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue queues bytes for the write pump without blocking the caller.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full, dropping frame")
	}
}

// WritePump pumps queued frames from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
