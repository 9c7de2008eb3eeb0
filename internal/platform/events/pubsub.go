package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/fastfood-order/api/internal/services"
)

// OrderStatusChanged is the event type attribute attached to every published message.
const OrderStatusChanged = "order.status_changed"

// PubSubPublisher publishes order status events to a Pub/Sub topic. Messages carry the
// order id as ordering key so consumers see the transitions of one order in sequence.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubPublisher)(nil)

// NewPubSubPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent sends the event and waits for the server acknowledgement.
func (p *PubSubPublisher) PublishOrderEvent(ctx context.Context, event services.OrderStatusEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  eventAttributes(event),
		OrderingKey: event.OrderID,
	})
	if _, err := result.Get(ctx); err != nil {
		p.topic.ResumePublish(event.OrderID)
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (p *PubSubPublisher) Close() error {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
	return nil
}

func eventAttributes(event services.OrderStatusEvent) map[string]string {
	attrs := map[string]string{"eventType": OrderStatusChanged}
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "paymentId", event.PaymentID)
	setAttr(attrs, "from", string(event.From))
	setAttr(attrs, "to", string(event.To))
	setAttr(attrs, "source", event.Source)
	return attrs
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
