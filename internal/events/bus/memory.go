package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
)

const (
	// defaultQueueCap bounds the per-subscriber backlog before coalescing
	// kicks in.
	defaultQueueCap = 256

	// defaultSlowTimeout is how long a delivery may block before the
	// subscriber is evicted.
	defaultSlowTimeout = 10 * time.Second
)

// MemoryEventBus implements EventBus with per-subscriber bounded queues.
// Publish appends to each matching subscriber's queue under that
// subscriber's lock; a dedicated pump goroutine per subscriber drains the
// queue into the outbound channel, so a slow consumer never blocks
// publishers or sibling subscribers.
type MemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]*memorySubscription // keyed by session id
	closed      bool

	queueCap    int
	slowTimeout time.Duration
	logger      *logger.Logger
}

// MemoryOption tweaks bus behavior, used by tests.
type MemoryOption func(*MemoryEventBus)

// WithQueueCap overrides the per-subscriber queue capacity.
func WithQueueCap(n int) MemoryOption {
	return func(b *MemoryEventBus) { b.queueCap = n }
}

// WithSlowTimeout overrides the slow-subscriber eviction timeout.
func WithSlowTimeout(d time.Duration) MemoryOption {
	return func(b *MemoryEventBus) { b.slowTimeout = d }
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger, opts ...MemoryOption) *MemoryEventBus {
	b := &MemoryEventBus{
		subscribers: make(map[string][]*memorySubscription),
		queueCap:    defaultQueueCap,
		slowTimeout: defaultSlowTimeout,
		logger:      log.WithFields(zap.String("component", "event_bus")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type memorySubscription struct {
	bus       *MemoryEventBus
	sessionID string

	mu     sync.Mutex
	queue  []*Event
	wake   chan struct{}
	done   chan struct{}
	out    chan *Event
	closed bool
}

func (s *memorySubscription) C() <-chan *Event { return s.out }

func (s *memorySubscription) SessionID() string { return s.sessionID }

func (s *memorySubscription) Unsubscribe() {
	s.bus.remove(s)
	s.shutdown()
}

// shutdown stops the pump and closes the outbound channel. Safe to call
// more than once.
func (s *memorySubscription) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
}

// enqueue appends the event, applying the coalescing drop policy when the
// queue is at capacity. Terminal events are always appended; the queue may
// exceed its cap to hold them.
func (s *memorySubscription) enqueue(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if len(s.queue) >= s.bus.queueCap && !events.Terminal(e.Type) {
		if !s.dropOldest(e.Type) {
			// Nothing coalescible to evict; non-terminal overflow is dropped.
			if !events.Coalescible(e.Type) {
				s.queue = append(s.queue, e)
			}
			s.signal()
			return
		}
	}

	s.queue = append(s.queue, e)
	s.signal()
}

// dropOldest removes the oldest queued event of the given type when that
// type is coalescible, or the oldest coalescible event of any type
// otherwise. Returns false when nothing could be dropped.
func (s *memorySubscription) dropOldest(eventType string) bool {
	if events.Coalescible(eventType) {
		for i, queued := range s.queue {
			if queued.Type == eventType {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				return true
			}
		}
	}
	for i, queued := range s.queue {
		if events.Coalescible(queued.Type) {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (s *memorySubscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the queue into the outbound channel in FIFO order. A write
// that blocks for longer than the slow timeout evicts the subscriber.
func (s *memorySubscription) pump() {
	defer close(s.out)
	timer := time.NewTimer(s.bus.slowTimeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var next *Event
		if len(s.queue) > 0 {
			next = s.queue[0]
			s.queue = s.queue[1:]
		}
		closed := s.closed
		s.mu.Unlock()

		if closed && next == nil {
			return
		}

		if next == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				continue
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.bus.slowTimeout)

		select {
		case s.out <- next:
		case <-timer.C:
			s.bus.logger.Error("evicting slow subscriber",
				zap.String("session_id", s.sessionID),
				zap.String("event_type", next.Type))
			s.bus.remove(s)
			s.shutdown()
			return
		case <-s.done:
			return
		}
	}
}

// Publish delivers the event to every subscriber whose session matches the
// partition key or context prefix.
func (b *MemoryEventBus) Publish(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("nil event")
	}
	if event.PartitionKey == "" {
		event.PartitionKey = SessionOf(event.ContextID)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for sessionID, subs := range b.subscribers {
		if !event.RoutesTo(sessionID) {
			continue
		}
		for _, sub := range subs {
			sub.enqueue(event)
		}
	}

	b.logger.Debug("published event",
		zap.String("event_type", event.Type),
		zap.String("context_id", event.ContextID))
	return nil
}

// Subscribe registers a subscriber bound to the session.
func (b *MemoryEventBus) Subscribe(sessionID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:       b,
		sessionID: sessionID,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		out:       make(chan *Event, 16),
	}
	b.subscribers[sessionID] = append(b.subscribers[sessionID], sub)
	go sub.pump()

	b.logger.Debug("subscriber added", zap.String("session_id", sessionID))
	return sub, nil
}

// CloseSession disconnects all subscribers for the session.
func (b *MemoryEventBus) CloseSession(sessionID string) {
	b.mu.Lock()
	subs := b.subscribers[sessionID]
	delete(b.subscribers, sessionID)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
}

// Close shuts down the bus and all subscribers.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := b.subscribers
	b.subscribers = make(map[string][]*memorySubscription)
	b.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.shutdown()
		}
	}
	b.logger.Info("memory event bus closed")
}

func (b *MemoryEventBus) remove(target *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[target.sessionID]
	for i, sub := range subs {
		if sub == target {
			b.subscribers[target.sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[target.sessionID]) == 0 {
		delete(b.subscribers, target.sessionID)
	}
}
