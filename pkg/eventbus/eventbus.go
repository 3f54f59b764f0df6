package eventbus

import (
	"sync"
)

// Wildcard subscribes a handler to every topic.
const Wildcard = "*"

// Handler is a function that handles an event
type Handler[T any] func(topic string, event T)

// Bus provides in-process pub/sub keyed by topic
type Bus[T any] struct {
	handlers map[string][]Handler[T]
	mu       sync.RWMutex
}

// New creates a new Bus
func New[T any]() *Bus[T] {
	return &Bus[T]{
		handlers: make(map[string][]Handler[T]),
	}
}

// Subscribe registers a handler for a topic, or for all topics with Wildcard
func (b *Bus[T]) Subscribe(topic string, handler Handler[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

func (b *Bus[T]) matching(topic string) []Handler[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Handler[T], 0, len(b.handlers[topic])+len(b.handlers[Wildcard]))
	out = append(out, b.handlers[topic]...)
	if topic != Wildcard {
		out = append(out, b.handlers[Wildcard]...)
	}
	return out
}

// Publish delivers an event to all subscribers, each on its own goroutine
func (b *Bus[T]) Publish(topic string, event T) {
	for _, h := range b.matching(topic) {
		go h(topic, event)
	}
}

// PublishSync delivers an event to all subscribers before returning
func (b *Bus[T]) PublishSync(topic string, event T) {
	for _, h := range b.matching(topic) {
		h(topic, event)
	}
}

// HasSubscribers returns true if any handler would receive events on topic
func (b *Bus[T]) HasSubscribers(topic string) bool {
	return b.SubscriberCount(topic) > 0
}

// SubscriberCount returns the number of handlers that would receive events on topic
func (b *Bus[T]) SubscriberCount(topic string) int {
	return len(b.matching(topic))
}
