package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// MemoryEventBus implements EventBus with in-process delivery.
//
// Delivery is synchronous on the publisher's goroutine, in subscriber
// registration order. Within one topic this preserves the publish order a
// single producer observes; there are no ordering guarantees across topics.
// A handler that returns an error or panics never prevents delivery to the
// remaining subscribers.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// memorySubscription represents an in-memory subscription.
type memorySubscription struct {
	bus     *MemoryEventBus
	topic   string
	handler EventHandler
	active  bool
	mu      sync.Mutex
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish delivers an event to all current subscribers of the topic, in
// registration order, before returning.
func (b *MemoryEventBus) Publish(ctx context.Context, topic string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	// Snapshot so handlers can subscribe/unsubscribe without deadlocking.
	subs := make([]*memorySubscription, len(b.subscriptions[topic]))
	copy(subs, b.subscriptions[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		b.deliver(ctx, topic, sub, event)
	}

	b.logger.Debug("Published event",
		zap.String("topic", topic),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// deliver invokes one handler, containing errors and panics.
func (b *MemoryEventBus) deliver(ctx context.Context, topic string, sub *memorySubscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panic",
				zap.String("topic", topic),
				zap.Any("panic", r))
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("Event handler error",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

// Subscribe registers a handler for a topic.
func (b *MemoryEventBus) Subscribe(topic string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		topic:   topic,
		handler: handler,
		active:  true,
	}
	b.subscriptions[topic] = append(b.subscriptions[topic], sub)

	b.logger.Debug("Subscribed to topic", zap.String("topic", topic))
	return sub, nil
}

// Close closes the event bus.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)

	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
