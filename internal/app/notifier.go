package app

import (
	"context"

	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/carrymate/delivery-service/pkg/rabbitmq"
)

// Notifier is the boundary to the chat/notification channel.
type Notifier interface {
	Notify(ctx context.Context, event domain.NotificationEvent) error
}

// EventNotifier publishes notifications to the events exchange, routed by event type.
type EventNotifier struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewEventNotifier(publisher rabbitmq.Publisher, exchange string) *EventNotifier {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	return &EventNotifier{publisher: publisher, exchange: exchange}
}

func (n *EventNotifier) Notify(ctx context.Context, event domain.NotificationEvent) error {
	return n.publisher.Publish(ctx, n.exchange, event.RoutingKey(), event)
}
