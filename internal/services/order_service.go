package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/platform/locks"
	"github.com/fastfood-order/api/internal/platform/textutil"
	"github.com/fastfood-order/api/internal/repositories"
)

const (
	maxOrderIDLength  = 64
	maxOrderNoteRunes = 500
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderAlreadyExists indicates an explicit order id is already taken.
	ErrOrderAlreadyExists = errors.New("order: already exists")
	// ErrOrderConflict indicates the stored order changed concurrently.
	ErrOrderConflict = errors.New("order: conflict")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Clients     repositories.ClientRepository
	Pricing     PricingEngine
	Locker      OrderLocker
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders    repositories.OrderRepository
	clients   repositories.ClientRepository
	pricing   PricingEngine
	locker    OrderLocker
	lifecycle *orderLifecycle
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing engine is required")
	}

	locker := deps.Locker
	if locker == nil {
		locker = locks.NewLocal()
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	utc := func() time.Time {
		return clock().UTC()
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:  deps.Orders,
		clients: deps.Clients,
		pricing: deps.Pricing,
		locker:  locker,
		lifecycle: &orderLifecycle{
			orders: deps.Orders,
			events: deps.Events,
			clock:  utc,
			logger: logger,
		},
		clock:  utc,
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if len(cmd.Items) == 0 {
		return Order{}, ErrEmptyOrder
	}

	orderID := strings.TrimSpace(cmd.ID)
	explicitID := orderID != ""
	if explicitID {
		if err := validateOrderID(orderID); err != nil {
			return Order{}, err
		}
	} else {
		orderID = s.newID()
	}

	var clientID *string
	if trimmed := strings.TrimSpace(cmd.ClientID); trimmed != "" {
		if err := s.ensureClient(ctx, trimmed); err != nil {
			return Order{}, err
		}
		clientID = &trimmed
	}

	priced, err := s.pricing.Price(ctx, cmd.Items)
	if err != nil {
		return Order{}, err
	}

	now := s.clock()
	order := Order{
		ID:        orderID,
		ClientID:  clientID,
		Status:    domain.OrderStatusCreated,
		Items:     priced.Items,
		Value:     priced.Total,
		Notes:     textutil.PlainText(cmd.Notes, maxOrderNoteRunes),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !canTransition(order.Status, domain.OrderStatusAwaitingPayment) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, domain.OrderStatusAwaitingPayment)
	}
	order.Status = domain.OrderStatusAwaitingPayment

	if err := s.orders.Insert(ctx, order); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderAlreadyExists, orderID)
		}
		return Order{}, mapOrderRepositoryError(err)
	}

	s.lifecycle.publish(ctx, OrderStatusEvent{
		OrderID:    order.ID,
		From:       domain.OrderStatusCreated,
		To:         order.Status,
		Source:     OrderEventSourceCreate,
		OccurredAt: now,
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderNotFound)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) ([]Order, error) {
	normalised := OrderListFilter{ClientID: strings.TrimSpace(filter.ClientID)}
	for _, raw := range filter.Status {
		status, err := ParseOrderStatus(string(raw))
		if err != nil {
			return nil, err
		}
		if !slices.Contains(normalised.Status, status) {
			normalised.Status = append(normalised.Status, status)
		}
	}

	orders, err := s.orders.List(ctx, normalised)
	if err != nil {
		return nil, mapOrderRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderNotFound)
	}
	if cmd.ClientID == nil && cmd.Notes == nil {
		return Order{}, fmt.Errorf("%w: nothing to update", ErrOrderInvalidInput)
	}

	var clientID *string
	if cmd.ClientID != nil {
		if trimmed := strings.TrimSpace(*cmd.ClientID); trimmed != "" {
			if err := s.ensureClient(ctx, trimmed); err != nil {
				return Order{}, err
			}
			clientID = &trimmed
		}
	}

	unlock, err := s.locker.Lock(ctx, orderLockKey(orderID))
	if err != nil {
		return Order{}, fmt.Errorf("order: acquire lock: %w", err)
	}
	defer unlock()

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	if cmd.ClientID != nil {
		order.ClientID = clientID
	}
	if cmd.Notes != nil {
		order.Notes = textutil.PlainText(*cmd.Notes, maxOrderNoteRunes)
	}
	order.UpdatedAt = s.clock()

	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) DeleteOrder(ctx context.Context, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderNotFound)
	}

	unlock, err := s.locker.Lock(ctx, orderLockKey(orderID))
	if err != nil {
		return fmt.Errorf("order: acquire lock: %w", err)
	}
	defer unlock()

	if err := s.orders.Delete(ctx, orderID); err != nil {
		return mapOrderRepositoryError(err)
	}
	return nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderNotFound)
	}
	target, err := ParseOrderStatus(cmd.TargetStatus)
	if err != nil {
		return Order{}, err
	}

	var expected *OrderStatus
	if cmd.ExpectedStatus != nil {
		status, err := ParseOrderStatus(*cmd.ExpectedStatus)
		if err != nil {
			return Order{}, err
		}
		expected = &status
	}

	unlock, err := s.locker.Lock(ctx, orderLockKey(orderID))
	if err != nil {
		return Order{}, fmt.Errorf("order: acquire lock: %w", err)
	}
	defer unlock()

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	if expected != nil && order.Status != *expected {
		return Order{}, fmt.Errorf("%w: expected status %q but was %q", ErrOrderConflict, *expected, order.Status)
	}

	source := strings.TrimSpace(cmd.Source)
	if source == "" {
		source = OrderEventSourceAPI
	}

	return s.lifecycle.apply(ctx, order, orderTransition{
		Target:    target,
		Reason:    textutil.PlainText(cmd.Reason, maxOrderNoteRunes),
		Source:    source,
		PaymentID: strings.TrimSpace(cmd.PaymentID),
	})
}

func (s *orderService) ListActive(ctx context.Context) ([]Order, error) {
	orders, err := s.orders.ListActive(ctx)
	if err != nil {
		return nil, mapOrderRepositoryError(err)
	}

	active := make([]Order, 0, len(orders))
	for _, order := range orders {
		if !slices.Contains(repositories.ActiveOrderStatuses, order.Status) || !order.HasPaymentReference() {
			continue
		}
		active = append(active, order)
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

func (s *orderService) ensureClient(ctx context.Context, clientID string) error {
	if s.clients == nil {
		return nil
	}
	if _, err := s.clients.FindByID(ctx, clientID); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
		}
		return fmt.Errorf("order: resolve client: %w", err)
	}
	return nil
}

// validateOrderID accepts ASCII letters and digits only. Separators are rejected rather
// than stripped so two distinct caller ids cannot collapse into one.
func validateOrderID(id string) error {
	if len(id) > maxOrderIDLength {
		return fmt.Errorf("%w: order id exceeds %d characters", ErrOrderInvalidInput, maxOrderIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return fmt.Errorf("%w: order id contains %q", ErrOrderInvalidInput, r)
		}
	}
	return nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}
