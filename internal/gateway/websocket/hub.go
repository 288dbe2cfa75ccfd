// Package websocket bridges the event bus to UI clients over a WebSocket
// gateway with per-context subscriptions.
package websocket

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

// Frame is the outbound event envelope delivered to subscribed clients.
type Frame struct {
	EventType string                 `json:"eventType"`
	ContextID string                 `json:"contextId"`
	Data      map[string]interface{} `json:"data"`
}

// sessionBridge is one bus subscription shared by every client context
// under the same session.
type sessionBridge struct {
	sub  bus.Subscription
	refs int
}

// Hub manages WebSocket client connections and fans bus events out to the
// clients whose subscriptions match.
type Hub struct {
	bus bus.EventBus

	mu      sync.RWMutex
	clients map[*Client]bool
	bridges map[string]*sessionBridge // session id -> shared bus subscription

	logger *logger.Logger
}

// NewHub creates a hub reading from the given bus.
func NewHub(b bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:     b,
		clients: make(map[*Client]bool),
		bridges: make(map[string]*sessionBridge),
		logger:  log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Debug("Client registered", zap.String("client_id", client.ID))
}

// Unregister removes a client and releases its session bridges.
func (h *Hub) Unregister(client *Client) {
	contexts := client.contexts()

	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	var drop []bus.Subscription
	for _, contextID := range contexts {
		if sub := h.releaseLocked(bus.SessionOf(contextID)); sub != nil {
			drop = append(drop, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range drop {
		sub.Unsubscribe()
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// Subscribe binds a client to a context id. The first subscription for a
// session opens the shared bus bridge.
func (h *Hub) Subscribe(client *Client, contextID string) {
	sessionID := bus.SessionOf(contextID)

	h.mu.Lock()
	defer h.mu.Unlock()

	if !client.subscribe(contextID) {
		return
	}
	if bridge, ok := h.bridges[sessionID]; ok {
		bridge.refs++
		return
	}
	sub, err := h.bus.Subscribe(sessionID)
	if err != nil {
		h.logger.Error("Bus subscription failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	h.bridges[sessionID] = &sessionBridge{sub: sub, refs: 1}
	go h.forward(sub)

	h.logger.Debug("Session bridge opened",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionID))
}

// UnsubscribeContext unbinds a client from a context id.
func (h *Hub) UnsubscribeContext(client *Client, contextID string) {
	if !client.unsubscribe(contextID) {
		return
	}
	h.mu.Lock()
	sub := h.releaseLocked(bus.SessionOf(contextID))
	h.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// releaseLocked drops one reference on a session bridge and returns the
// bus subscription to close once no references remain.
func (h *Hub) releaseLocked(sessionID string) bus.Subscription {
	bridge, ok := h.bridges[sessionID]
	if !ok {
		return nil
	}
	bridge.refs--
	if bridge.refs > 0 {
		return nil
	}
	delete(h.bridges, sessionID)
	return bridge.sub
}

// forward reads one bus subscription until it closes and delivers each
// event to the matching clients.
func (h *Hub) forward(sub bus.Subscription) {
	for ev := range sub.C() {
		h.deliver(ev)
	}
}

func (h *Hub) deliver(ev *bus.Event) {
	data, err := json.Marshal(Frame{
		EventType: ev.Type,
		ContextID: ev.ContextID,
		Data:      ev.Data,
	})
	if err != nil {
		h.logger.Error("Failed to marshal event frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.wants(ev.ContextID, ev.PartitionKey) {
			client.enqueue(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and closes all session bridges.
func (h *Hub) Close() {
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	bridges := h.bridges
	h.bridges = make(map[string]*sessionBridge)
	h.mu.Unlock()

	for _, bridge := range bridges {
		bridge.sub.Unsubscribe()
	}
}
