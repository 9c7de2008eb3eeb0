package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/fastfood-order/api/internal/services"
)

// LogPublisher records events in the log only. It backs the "none" events backend.
type LogPublisher struct {
	logger *zap.Logger
}

var _ services.OrderEventPublisher = LogPublisher{}

// NewLogPublisher returns a publisher that writes a debug line per event.
func NewLogPublisher(logger *zap.Logger) LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return LogPublisher{logger: logger.Named("events")}
}

func (p LogPublisher) PublishOrderEvent(_ context.Context, event services.OrderStatusEvent) error {
	p.logger.Debug("order status changed",
		zap.String("orderId", event.OrderID),
		zap.String("from", string(event.From)),
		zap.String("to", string(event.To)),
		zap.String("source", event.Source),
	)
	return nil
}

func (LogPublisher) Close() error { return nil }
