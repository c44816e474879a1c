// Package bus is the fire-and-forget notification fan-out for lifecycle and
// approval events. Dispatch is synchronous; each handler runs behind its own
// error and panic isolation so one misbehaving subscriber never blocks the
// business action. This is best-effort delivery, not a durable transport.
package bus

import (
	"runtime"
	"sync"

	lifecycle "github.com/goliatone/go-lifecycle"
)

// Handler consumes one published event.
type Handler func(evt lifecycle.Event)

// Subscription detaches a registered handler.
type Subscription interface {
	Unsubscribe()
}

// Bus dispatches events to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[int64]Handler
	nextID   int64
	logger   lifecycle.Logger
}

// Option customizes bus construction.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger lifecycle.Logger) Option {
	return func(b *Bus) {
		b.logger = lifecycle.NormalizeLogger(logger)
	}
}

// New constructs an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string]map[int64]Handler),
		logger:   lifecycle.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers a handler for a topic. The wildcard topic "*" receives
// every event.
func (b *Bus) Subscribe(topic string, handler Handler) Subscription {
	if handler == nil {
		return nopSubscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int64]Handler)
	}
	b.handlers[topic][id] = handler
	return &subscription{bus: b, topic: topic, id: id}
}

// Publish dispatches synchronously to topic and wildcard subscribers.
// Handler panics are recovered and logged, never propagated.
func (b *Bus) Publish(evt lifecycle.Event) {
	b.mu.RLock()
	targets := make([]Handler, 0, 4)
	for _, h := range b.handlers[evt.Topic] {
		targets = append(targets, h)
	}
	for _, h := range b.handlers["*"] {
		targets = append(targets, h)
	}
	b.mu.RUnlock()

	for _, handler := range targets {
		b.dispatch(handler, evt)
	}
}

func (b *Bus) dispatch(handler Handler, evt lifecycle.Event) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 4096)
			n := runtime.Stack(stack, false)
			b.logger.Error("bus handler panic on topic %s: %v\n%s", evt.Topic, r, stack[:n])
		}
	}()
	handler(evt)
}

type subscription struct {
	bus   *Bus
	topic string
	id    int64
	once  sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if handlers := s.bus.handlers[s.topic]; handlers != nil {
			delete(handlers, s.id)
		}
	})
}

type nopSubscription struct{}

func (nopSubscription) Unsubscribe() {}
