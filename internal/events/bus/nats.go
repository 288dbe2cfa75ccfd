package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// subjectPrefix namespaces all bus traffic on the NATS side. Events for a
// session are published to events.<session_id>, so cross-process
// subscribers can bind a single session without seeing the rest.
const subjectPrefix = "events."

// NATSEventBus implements EventBus over a NATS connection, so multiple host
// processes can share one event fabric. Delivery-side queueing and the
// coalescing drop policy are delegated to an embedded MemoryEventBus: NATS
// hands us the firehose, the memory bus shapes it per subscriber.
type NATSEventBus struct {
	conn   *nats.Conn
	local  *MemoryEventBus
	sub    *nats.Subscription
	logger *logger.Logger
	config config.NATSConfig
}

// NewNATSEventBus connects to NATS and bridges all session events into the
// local delivery queues.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	bus := &NATSEventBus{
		local:  NewMemoryEventBus(log),
		logger: log.WithFields(zap.String("component", "nats_bus")),
		config: cfg,
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	bus.conn = conn

	sub, err := conn.Subscribe(subjectPrefix+">", bus.handleMsg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to event subjects: %w", err)
	}
	bus.sub = sub

	log.Info("Connected to NATS", zap.String("url", cfg.URL))
	return bus, nil
}

func (b *NATSEventBus) handleMsg(msg *nats.Msg) {
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		b.logger.Error("failed to unmarshal event",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}
	_ = b.local.Publish(context.Background(), &event)
}

// Publish marshals the event and sends it to the session's subject. Local
// subscribers receive it through the NATS loopback like everyone else, so
// ordering is uniform across processes.
func (b *NATSEventBus) Publish(ctx context.Context, event *Event) error {
	if event.PartitionKey == "" {
		event.PartitionKey = SessionOf(event.ContextID)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.conn.Publish(subjectPrefix+event.PartitionKey, data); err != nil {
		b.logger.Error("failed to publish event",
			zap.String("event_type", event.Type),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe registers a local subscriber for the session.
func (b *NATSEventBus) Subscribe(sessionID string) (Subscription, error) {
	return b.local.Subscribe(sessionID)
}

// CloseSession disconnects local subscribers for the session.
func (b *NATSEventBus) CloseSession(sessionID string) {
	b.local.CloseSession(sessionID)
}

// Close drains the NATS connection and shuts down local delivery.
func (b *NATSEventBus) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
	}
	b.local.Close()
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
