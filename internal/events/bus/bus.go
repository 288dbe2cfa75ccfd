// Package bus provides event bus abstractions for Agentmesh.
package bus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus. Routing is by partition key
// (the session id) or by context id prefix.
type Event struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	ContextID    string                 `json:"contextId"`
	PartitionKey string                 `json:"partitionKey"`
	Timestamp    time.Time              `json:"timestamp"`
	Data         map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp. The
// partition key is derived from the context id when not set explicitly:
// everything before the "::" separator.
func NewEvent(eventType, contextID string, data map[string]interface{}) *Event {
	return &Event{
		ID:           uuid.New().String(),
		Type:         eventType,
		ContextID:    contextID,
		PartitionKey: SessionOf(contextID),
		Timestamp:    time.Now().UTC(),
		Data:         data,
	}
}

// SessionOf extracts the session id from a context id of the form
// "<session>::<conversation>". A bare session id maps to itself.
func SessionOf(contextID string) string {
	if i := strings.Index(contextID, "::"); i >= 0 {
		return contextID[:i]
	}
	return contextID
}

// RoutesTo reports whether the event should be delivered to a subscriber
// bound to the given session id.
func (e *Event) RoutesTo(sessionID string) bool {
	if e.PartitionKey == sessionID {
		return true
	}
	return strings.HasPrefix(e.ContextID, sessionID+"::")
}

// Subscription is an active subscriber handle. Events arrive on C in
// publication order per context. Calling Unsubscribe closes C.
type Subscription interface {
	C() <-chan *Event
	Unsubscribe()
	SessionID() string
}

// EventBus fans typed events out to per-session subscribers.
type EventBus interface {
	// Publish delivers the event to every subscriber whose session matches.
	// It never blocks on slow subscribers.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a subscriber for all events routed to sessionID.
	Subscribe(sessionID string) (Subscription, error)

	// CloseSession drains and disconnects every subscriber for the session.
	CloseSession(sessionID string)

	// Close shuts the bus down and disconnects all subscribers.
	Close()
}
