package memory

import (
	"context"
	"slices"
	"sort"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/repositories"
)

type orderRepository struct {
	r *Registry
}

func (o *orderRepository) Insert(ctx context.Context, order domain.Order) error {
	defer o.r.write(ctx)()
	o.r.mu.Lock()
	defer o.r.mu.Unlock()

	if _, exists := o.r.orders[order.ID]; exists {
		return repositories.Conflict("orders.insert", "order %s already exists", order.ID)
	}
	o.r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (o *orderRepository) Update(ctx context.Context, order domain.Order) error {
	defer o.r.write(ctx)()
	o.r.mu.Lock()
	defer o.r.mu.Unlock()

	current, exists := o.r.orders[order.ID]
	if !exists {
		return repositories.NotFound("orders.update", "order %s not found", order.ID)
	}
	current.ClientID = cloneString(order.ClientID)
	current.Notes = order.Notes
	current.UpdatedAt = order.UpdatedAt
	o.r.orders[order.ID] = current
	return nil
}

func (o *orderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	o.r.mu.RLock()
	defer o.r.mu.RUnlock()

	order, exists := o.r.orders[orderID]
	if !exists {
		return domain.Order{}, repositories.NotFound("orders.find", "order %s not found", orderID)
	}
	return cloneOrder(order), nil
}

func (o *orderRepository) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	defer o.r.write(ctx)()
	o.r.mu.Lock()
	defer o.r.mu.Unlock()

	order, exists := o.r.orders[update.OrderID]
	if !exists {
		return domain.Order{}, repositories.NotFound("orders.update_status", "order %s not found", update.OrderID)
	}
	if order.Status != update.Expected {
		return domain.Order{}, repositories.Conflict("orders.update_status", "order %s is %s, expected %s", update.OrderID, order.Status, update.Expected)
	}

	order.Status = update.Status
	order.UpdatedAt = update.UpdatedAt
	if update.PaidAt != nil {
		order.PaidAt = cloneTime(update.PaidAt)
	}
	if update.CompletedAt != nil {
		order.CompletedAt = cloneTime(update.CompletedAt)
	}
	if update.CanceledAt != nil {
		order.CanceledAt = cloneTime(update.CanceledAt)
		order.CancelReason = cloneString(update.CancelReason)
	}
	o.r.orders[order.ID] = order
	return cloneOrder(order), nil
}

func (o *orderRepository) AttachPayment(ctx context.Context, link repositories.OrderPaymentLink) error {
	defer o.r.write(ctx)()
	o.r.mu.Lock()
	defer o.r.mu.Unlock()

	order, exists := o.r.orders[link.OrderID]
	if !exists {
		return repositories.NotFound("orders.attach_payment", "order %s not found", link.OrderID)
	}
	paymentID := link.PaymentID
	reference := link.PaymentReference
	order.PaymentID = &paymentID
	order.PaymentReference = &reference
	order.UpdatedAt = link.UpdatedAt
	o.r.orders[order.ID] = order
	return nil
}

func (o *orderRepository) ListActive(context.Context) ([]domain.Order, error) {
	return o.collect(func(order domain.Order) bool {
		return slices.Contains(repositories.ActiveOrderStatuses, order.Status) && order.HasPaymentReference()
	}), nil
}

func (o *orderRepository) List(_ context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	return o.collect(func(order domain.Order) bool {
		if filter.ClientID != "" && (order.ClientID == nil || *order.ClientID != filter.ClientID) {
			return false
		}
		return len(filter.Status) == 0 || slices.Contains(filter.Status, order.Status)
	}), nil
}

func (o *orderRepository) Delete(ctx context.Context, orderID string) error {
	defer o.r.write(ctx)()
	o.r.mu.Lock()
	defer o.r.mu.Unlock()

	if _, exists := o.r.orders[orderID]; !exists {
		return repositories.NotFound("orders.delete", "order %s not found", orderID)
	}
	delete(o.r.orders, orderID)
	return nil
}

func (o *orderRepository) collect(match func(domain.Order) bool) []domain.Order {
	o.r.mu.RLock()
	defer o.r.mu.RUnlock()

	out := make([]domain.Order, 0, len(o.r.orders))
	for _, order := range o.r.orders {
		if match(order) {
			out = append(out, cloneOrder(order))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
