package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/platform/textutil"
	"github.com/fastfood-order/api/internal/repositories"
)

const (
	// OrderEventSourceAPI marks transitions requested through the order API.
	OrderEventSourceAPI = "order.api"
	// OrderEventSourceCreate marks the initial transition performed on creation.
	OrderEventSourceCreate = "order.create"
	// OrderEventSourceReconcile marks transitions driven by gateway reconciliation.
	OrderEventSourceReconcile = "payment.reconcile"
	// OrderEventSourceFailurePolicy marks cancellations applied by the payment failure policy.
	OrderEventSourceFailurePolicy = "payment.failure_policy"
)

var (
	// ErrInvalidTransition indicates the requested status change is not in the lifecycle table.
	ErrInvalidTransition = errors.New("order: invalid status transition")
	// ErrInvalidStatusValue indicates a status string outside the lifecycle vocabulary.
	ErrInvalidStatusValue = errors.New("order: invalid status value")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusCreated:         {domain.OrderStatusAwaitingPayment, domain.OrderStatusCanceled},
	domain.OrderStatusAwaitingPayment: {domain.OrderStatusReceived, domain.OrderStatusCanceled},
	domain.OrderStatusReceived:        {domain.OrderStatusInPreparation, domain.OrderStatusCanceled},
	domain.OrderStatusInPreparation:   {domain.OrderStatusReady, domain.OrderStatusCanceled},
	domain.OrderStatusReady:           {domain.OrderStatusCompleted, domain.OrderStatusCanceled},
}

var knownOrderStatuses = []domain.OrderStatus{
	domain.OrderStatusCreated,
	domain.OrderStatusAwaitingPayment,
	domain.OrderStatusReceived,
	domain.OrderStatusInPreparation,
	domain.OrderStatusReady,
	domain.OrderStatusCompleted,
	domain.OrderStatusCanceled,
}

// ParseOrderStatus normalises a caller supplied status string.
func ParseOrderStatus(value string) (OrderStatus, error) {
	status := domain.OrderStatus(textutil.UpperToken(value))
	if status == "" || !slices.Contains(knownOrderStatuses, status) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatusValue, value)
	}
	return status, nil
}

// IsTerminalOrderStatus reports whether no transition leaves the status.
func IsTerminalOrderStatus(status OrderStatus) bool {
	return status == domain.OrderStatusCompleted || status == domain.OrderStatusCanceled
}

func canTransition(current, target domain.OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

type orderTransition struct {
	Target    domain.OrderStatus
	Reason    string
	Source    string
	PaymentID string
}

// orderLifecycle applies validated transitions through the conditional repository update.
// Callers hold the per-order lock.
type orderLifecycle struct {
	orders repositories.OrderRepository
	events OrderEventPublisher
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

func (l *orderLifecycle) apply(ctx context.Context, order Order, tr orderTransition) (Order, error) {
	from := order.Status
	if !canTransition(from, tr.Target) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, tr.Target)
	}

	now := l.clock()
	update := repositories.OrderStatusUpdate{
		OrderID:   order.ID,
		Expected:  from,
		Status:    tr.Target,
		UpdatedAt: now,
	}
	switch tr.Target {
	case domain.OrderStatusReceived:
		update.PaidAt = &now
	case domain.OrderStatusCompleted:
		update.CompletedAt = &now
	case domain.OrderStatusCanceled:
		update.CanceledAt = &now
		update.CancelReason = optionalString(tr.Reason)
	}

	updated, err := l.orders.UpdateStatus(ctx, update)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	l.publish(ctx, OrderStatusEvent{
		OrderID:    updated.ID,
		PaymentID:  tr.PaymentID,
		From:       from,
		To:         updated.Status,
		Source:     tr.Source,
		OccurredAt: now,
	})
	return updated, nil
}

func (l *orderLifecycle) publish(ctx context.Context, event OrderStatusEvent) {
	if l.events == nil {
		return
	}
	if err := l.events.PublishOrderEvent(ctx, event); err != nil {
		l.logger(ctx, "order.event.publish.failed", map[string]any{
			"order":  event.OrderID,
			"from":   string(event.From),
			"to":     string(event.To),
			"source": event.Source,
			"error":  err.Error(),
		})
	}
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

func orderLockKey(orderID string) string {
	return "order:" + orderID
}
