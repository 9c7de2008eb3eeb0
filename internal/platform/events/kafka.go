package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/fastfood-order/api/internal/services"
)

// messageWriter is the subset of *kafka.Writer used by the publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes order status events to a Kafka topic keyed by order id.
type KafkaPublisher struct {
	writer  messageWriter
	marshal func(any) ([]byte, error)
	now     func() time.Time
	newID   func() string
}

var _ services.OrderEventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher builds a hash balanced writer so every event of an order lands on the
// same partition.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	addrs := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("kafka order publisher: at least one broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka order publisher: topic is required")
	}
	return newKafkaPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}), nil
}

func newKafkaPublisher(writer messageWriter) *KafkaPublisher {
	return &KafkaPublisher{
		writer:  writer,
		marshal: json.Marshal,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// PublishOrderEvent writes one message per event.
func (p *KafkaPublisher) PublishOrderEvent(ctx context.Context, event services.OrderStatusEvent) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka order publisher: not initialised")
	}
	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := eventAttributes(event)
	headers := make([]kafka.Header, 0, len(attrs))
	for _, key := range []string{"eventType", "orderId", "paymentId", "from", "to", "source"} {
		if v, ok := attrs[key]; ok {
			headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
		}
	}
	// Consumers dedupe redeliveries on eventId.
	headers = append(headers, kafka.Header{Key: "eventId", Value: []byte(p.newID())})

	ts := event.OccurredAt
	if ts.IsZero() {
		ts = p.now()
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(event.OrderID),
		Value:   data,
		Headers: headers,
		Time:    ts.UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
