package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
)

// Broadcaster relays bus events to the hub. Event payloads are already
// wire frames (or their JSON decoding when they crossed NATS), so they pass
// through unmodified.
type Broadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterNotifications subscribes the hub to every broadcast subject. The
// broadcaster closes itself when ctx is cancelled.
func RegisterNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *Broadcaster {
	b := &Broadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.BuildProcessStateWildcardSubject())
	b.subscribe(eventBus, events.BuildSessionItemsAddedWildcardSubject())
	b.subscribe(eventBus, events.BuildSessionAddedWildcardSubject())
	b.subscribe(eventBus, events.BuildSessionUpdatedWildcardSubject())
	b.subscribe(eventBus, events.BuildSessionRemovedWildcardSubject())

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close unsubscribes from all subjects.
func (b *Broadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *Broadcaster) subscribe(eventBus bus.EventBus, subject string) {
	sub, err := eventBus.Subscribe(subject, func(_ context.Context, event *bus.Event) error {
		if event.Data == nil {
			return nil
		}
		b.hub.Broadcast(event.Data)
		return nil
	})
	if err != nil {
		b.logger.Error("Failed to subscribe to events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}
