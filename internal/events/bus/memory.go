package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// queueDepth is the per-subscription delivery queue. A subscriber that falls
// this far behind loses further events; delivery is best-effort and clients
// resynchronize from the store.
const queueDepth = 1024

var errBusClosed = errors.New("event bus is closed")

// MemoryEventBus is the default single-binary bus. Every subscription owns a
// buffered queue drained by one goroutine, so a subscriber sees events in
// publish order without ever blocking a publisher.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	closed bool
	logger *logger.Logger
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{logger: log}
}

// Publish fans the event out to every matching subscription. A full
// subscriber queue drops the event for that subscriber only.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	tokens := strings.Split(subject, ".")

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errBusClosed
	}

	for _, sub := range b.subs {
		if !sub.alive() || !matchTokens(sub.pattern, tokens) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				zap.String("subject", subject),
				zap.String("pattern", sub.subject),
				zap.String("event_type", event.Type))
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers a handler for a subject or wildcard pattern and starts
// its delivery goroutine.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: strings.Split(subject, "."),
		handler: handler,
		queue:   make(chan *Event, queueDepth),
		done:    make(chan struct{}),
		active:  true,
	}
	b.subs = append(b.subs, sub)
	go sub.pump()

	b.logger.Debug("subscribed", zap.String("subject", subject))
	return sub, nil
}

// Close stops every subscription and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.stop()
	}
	b.subs = nil
	b.logger.Info("memory event bus closed")
}

// IsConnected reports whether the bus is still open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) remove(target *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern []string
	handler EventHandler
	queue   chan *Event
	done    chan struct{}

	mu     sync.Mutex
	active bool
}

// pump drains the queue one event at a time, preserving publish order for
// this subscriber.
func (s *memorySubscription) pump() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.queue:
			if err := s.handler(context.Background(), event); err != nil {
				s.bus.logger.Error("event handler error",
					zap.String("subject", s.subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}
	}
}

// Unsubscribe stops delivery and detaches the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	if s.stop() {
		s.bus.remove(s)
	}
	return nil
}

// IsValid reports whether the subscription still delivers.
func (s *memorySubscription) IsValid() bool {
	return s.alive()
}

func (s *memorySubscription) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// stop deactivates the subscription once. Reports whether this call was the
// one that stopped it.
func (s *memorySubscription) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.active = false
	close(s.done)
	return true
}

// matchTokens applies NATS wildcard semantics token by token: * matches
// exactly one token, a trailing > matches one or more.
func matchTokens(pattern, subject []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(subject) == len(pattern)
}
