package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/repositories"
	"github.com/fastfood-order/api/internal/repositories/memory"
)

type stubOrderRepo struct {
	repositories.OrderRepository
	insertFn       func(context.Context, domain.Order) error
	findFn         func(context.Context, string) (domain.Order, error)
	updateStatusFn func(context.Context, repositories.OrderStatusUpdate) (domain.Order, error)
	listActiveFn   func(context.Context) ([]domain.Order, error)
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, repositories.NotFound("orders.find", "order %s not found", orderID)
}

func (s *stubOrderRepo) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	if s.updateStatusFn != nil {
		return s.updateStatusFn(ctx, update)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) ListActive(ctx context.Context) ([]domain.Order, error) {
	if s.listActiveFn != nil {
		return s.listActiveFn(ctx)
	}
	return nil, nil
}

func TestOrderServiceCreateOrderPricesAndAwaitsPayment(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	order, err := f.orders.CreateOrder(ctx, CreateOrderCommand{
		Items: []LineItemRequest{{ProductID: "burger", Quantity: 2, Note: "no onions"}},
		Notes: " <script>x</script>table 4 ",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if order.ID != "O001" {
		t.Fatalf("expected generated id O001, got %s", order.ID)
	}
	if order.Status != domain.OrderStatusAwaitingPayment {
		t.Fatalf("expected AWAITING_PAYMENT, got %s", order.Status)
	}
	if order.Value.StringFixed(2) != "29.90" {
		t.Fatalf("expected value 29.90, got %s", order.Value.StringFixed(2))
	}
	if order.Notes != "table 4" {
		t.Fatalf("expected sanitized notes, got %q", order.Notes)
	}
	if !order.CreatedAt.Equal(f.now) {
		t.Fatalf("expected createdAt %s, got %s", f.now, order.CreatedAt)
	}
	if order.PaymentID != nil || order.HasPaymentReference() {
		t.Fatalf("new order must not carry payment data")
	}

	stored := f.order(t, order.ID)
	if stored.Value.StringFixed(2) != "29.90" || len(stored.Items) != 1 {
		t.Fatalf("unexpected stored order %+v", stored)
	}

	events := f.events.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].From != domain.OrderStatusCreated || events[0].To != domain.OrderStatusAwaitingPayment || events[0].Source != OrderEventSourceCreate {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestOrderServiceCreateOrderKeepsPlainTextVerbatim(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	order, err := f.orders.CreateOrder(ctx, CreateOrderCommand{
		Items: []LineItemRequest{{ProductID: "soda", Quantity: 1, Note: `no ice & "light" sugar, don't shake`}},
		Notes: "Tom & Jerry's table",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	stored := f.order(t, order.ID)
	if stored.Notes != "Tom & Jerry's table" {
		t.Fatalf("expected notes unescaped, got %q", stored.Notes)
	}
	if note := stored.Items[0].Note; note != `no ice & "light" sugar, don't shake` {
		t.Fatalf("expected item note unescaped, got %q", note)
	}
}

func TestOrderServiceDefaultIDHasNoSeparators(t *testing.T) {
	reg := memory.NewRegistry()
	pricing, err := NewCatalogPricingEngine(newStubCatalog(soda))
	if err != nil {
		t.Fatalf("NewCatalogPricingEngine: %v", err)
	}
	svc, err := NewOrderService(OrderServiceDeps{Orders: reg.Orders(), Pricing: pricing})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	alphanumeric := regexp.MustCompile(`^[0-9A-Za-z]+$`)
	for range 3 {
		order, err := svc.CreateOrder(context.Background(), CreateOrderCommand{Items: []LineItemRequest{{ProductID: "soda", Quantity: 1}}})
		if err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
		if !alphanumeric.MatchString(order.ID) {
			t.Fatalf("generated id %q contains separators", order.ID)
		}
	}
}

func TestOrderServiceCreateOrderRejectsUnknownProduct(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	_, err := f.orders.CreateOrder(ctx, CreateOrderCommand{
		ID:    "order1",
		Items: []LineItemRequest{{ProductID: "burger", Quantity: 1}, {ProductID: "ghost", Quantity: 1}},
	})
	if !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
	if _, err := f.orders.GetOrder(ctx, "order1"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected nothing persisted, got %v", err)
	}
	if len(f.events.snapshot()) != 0 {
		t.Fatalf("expected no events for rejected order")
	}
}

func TestOrderServiceCreateOrderValidation(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  CreateOrderCommand
		want error
	}{
		{name: "no items", cmd: CreateOrderCommand{}, want: ErrEmptyOrder},
		{name: "bad quantity", cmd: CreateOrderCommand{Items: []LineItemRequest{{ProductID: "burger"}}}, want: ErrInvalidQuantity},
		{name: "id with slash", cmd: CreateOrderCommand{ID: "a/b", Items: []LineItemRequest{{ProductID: "burger", Quantity: 1}}}, want: ErrOrderInvalidInput},
		{name: "id with dash", cmd: CreateOrderCommand{ID: "a-b", Items: []LineItemRequest{{ProductID: "burger", Quantity: 1}}}, want: ErrOrderInvalidInput},
		{name: "id with underscore", cmd: CreateOrderCommand{ID: "b_c", Items: []LineItemRequest{{ProductID: "burger", Quantity: 1}}}, want: ErrOrderInvalidInput},
		{name: "id too long", cmd: CreateOrderCommand{ID: strings.Repeat("a", 65), Items: []LineItemRequest{{ProductID: "burger", Quantity: 1}}}, want: ErrOrderInvalidInput},
		{name: "unknown client", cmd: CreateOrderCommand{ClientID: "cli_missing", Items: []LineItemRequest{{ProductID: "burger", Quantity: 1}}}, want: ErrClientNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.orders.CreateOrder(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOrderServiceCreateOrderDuplicateID(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	cmd := CreateOrderCommand{ID: "order1", Items: []LineItemRequest{{ProductID: "soda", Quantity: 1}}}

	if _, err := f.orders.CreateOrder(ctx, cmd); err != nil {
		t.Fatalf("first CreateOrder: %v", err)
	}
	if _, err := f.orders.CreateOrder(ctx, cmd); !errors.Is(err, ErrOrderAlreadyExists) {
		t.Fatalf("expected ErrOrderAlreadyExists, got %v", err)
	}
}

func TestOrderServiceCreateOrderWithClient(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	if err := f.registry.Clients().Insert(ctx, domain.Client{ID: "cli_1", Email: "ana@example.com"}); err != nil {
		t.Fatalf("seed client: %v", err)
	}

	order, err := f.orders.CreateOrder(ctx, CreateOrderCommand{ClientID: "cli_1", Items: []LineItemRequest{{ProductID: "soda", Quantity: 1}}})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.ClientID == nil || *order.ClientID != "cli_1" {
		t.Fatalf("expected client cli_1, got %v", order.ClientID)
	}

	listed, err := f.orders.ListOrders(ctx, OrderListFilter{ClientID: "cli_1"})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != order.ID {
		t.Fatalf("unexpected listing %+v", listed)
	}
}

func TestOrderServiceTransitionStatusFollowsLifecycle(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order, handle := f.placeAndCharge(t)
	if err := f.sandbox.SetStatus(handle.Payment.ExternalReference, "approved"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	f.notify(t, handle.Payment.ExternalReference)

	steps := []domain.OrderStatus{
		domain.OrderStatusInPreparation,
		domain.OrderStatusReady,
		domain.OrderStatusCompleted,
	}
	for _, target := range steps {
		f.now = f.now.Add(time.Minute)
		updated, err := f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: strings.ToLower(string(target))})
		if err != nil {
			t.Fatalf("TransitionStatus(%s): %v", target, err)
		}
		if updated.Status != target {
			t.Fatalf("expected %s, got %s", target, updated.Status)
		}
	}

	completed := f.order(t, order.ID)
	if completed.CompletedAt == nil || !completed.CompletedAt.Equal(f.now) {
		t.Fatalf("expected completedAt %s, got %v", f.now, completed.CompletedAt)
	}
	if completed.PaidAt == nil {
		t.Fatalf("expected paidAt to be set by reconciliation")
	}

	if _, err := f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: "CANCELED"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal status to reject cancel, got %v", err)
	}
}

func TestOrderServiceTransitionStatusRejectsInvalidMoves(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order, err := f.orders.CreateOrder(ctx, CreateOrderCommand{Items: []LineItemRequest{{ProductID: "soda", Quantity: 1}}})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	tests := []struct {
		name   string
		target string
		want   error
	}{
		{name: "skip payment", target: "IN_PREPARATION", want: ErrInvalidTransition},
		{name: "jump to ready", target: "READY", want: ErrInvalidTransition},
		{name: "complete unpaid order", target: "COMPLETED", want: ErrInvalidTransition},
		{name: "same status", target: "AWAITING_PAYMENT", want: ErrInvalidTransition},
		{name: "back to created", target: "CREATED", want: ErrInvalidTransition},
		{name: "unknown", target: "DELIVERED", want: ErrInvalidStatusValue},
		{name: "empty", target: "", want: ErrInvalidStatusValue},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: tc.target})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if got := f.order(t, order.ID).Status; got != domain.OrderStatusAwaitingPayment {
		t.Fatalf("rejected transitions must not change status, got %s", got)
	}
}

func TestOrderServiceCancelRecordsReason(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order, err := f.orders.CreateOrder(ctx, CreateOrderCommand{Items: []LineItemRequest{{ProductID: "soda", Quantity: 1}}})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	expected := "awaiting_payment"
	canceled, err := f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{
		OrderID:        order.ID,
		TargetStatus:   "canceled",
		ExpectedStatus: &expected,
		Reason:         "client left",
	})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if canceled.Status != domain.OrderStatusCanceled {
		t.Fatalf("expected CANCELED, got %s", canceled.Status)
	}
	if canceled.CancelReason == nil || *canceled.CancelReason != "client left" {
		t.Fatalf("expected cancel reason, got %v", canceled.CancelReason)
	}
	if canceled.CanceledAt == nil {
		t.Fatalf("expected canceledAt")
	}

	events := f.events.snapshot()
	last := events[len(events)-1]
	if last.To != domain.OrderStatusCanceled || last.Source != OrderEventSourceAPI {
		t.Fatalf("unexpected event %+v", last)
	}
}

func TestOrderServiceTransitionStatusExpectedMismatch(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order, err := f.orders.CreateOrder(ctx, CreateOrderCommand{Items: []LineItemRequest{{ProductID: "soda", Quantity: 1}}})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	expected := "READY"
	_, err = f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: "CANCELED", ExpectedStatus: &expected})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict, got %v", err)
	}
}

func TestOrderServiceTransitionStatusLosesRace(t *testing.T) {
	current := domain.Order{ID: "ord_1", Status: domain.OrderStatusAwaitingPayment}
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return current, nil },
		updateStatusFn: func(_ context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
			if update.Expected != domain.OrderStatusAwaitingPayment {
				t.Fatalf("expected conditional update on AWAITING_PAYMENT, got %s", update.Expected)
			}
			return domain.Order{}, repositories.Conflict("orders.update_status", "status changed")
		},
	}
	svc, err := NewOrderService(OrderServiceDeps{Orders: repo, Pricing: &CatalogPricingEngine{catalog: newStubCatalog()}})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	_, err = svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{OrderID: "ord_1", TargetStatus: "CANCELED"})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict, got %v", err)
	}
}

func TestOrderServiceEventPublishFailureIsLogged(t *testing.T) {
	f := newOrderFixture(t)
	f.events.err = errors.New("broker down")

	if _, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{Items: []LineItemRequest{{ProductID: "soda", Quantity: 1}}}); err != nil {
		t.Fatalf("CreateOrder must not fail on publish errors: %v", err)
	}
	if !f.logger.has("order.event.publish.failed") {
		t.Fatalf("expected publish failure to be logged")
	}
}

func TestOrderServiceUpdateOrderKeepsItemsAndValue(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order, err := f.orders.CreateOrder(ctx, CreateOrderCommand{Items: []LineItemRequest{{ProductID: "burger", Quantity: 2}}})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	notes := "extra napkins"
	updated, err := f.orders.UpdateOrder(ctx, UpdateOrderCommand{OrderID: order.ID, Notes: &notes})
	if err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}
	if updated.Notes != notes {
		t.Fatalf("expected notes updated, got %q", updated.Notes)
	}

	stored := f.order(t, order.ID)
	if stored.Notes != notes || stored.Value.StringFixed(2) != "29.90" || len(stored.Items) != 1 {
		t.Fatalf("unexpected stored order %+v", stored)
	}

	if _, err := f.orders.UpdateOrder(ctx, UpdateOrderCommand{OrderID: order.ID}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for empty update, got %v", err)
	}
	missing := "cli_missing"
	if _, err := f.orders.UpdateOrder(ctx, UpdateOrderCommand{OrderID: order.ID, ClientID: &missing}); !errors.Is(err, ErrClientNotFound) {
		t.Fatalf("expected ErrClientNotFound, got %v", err)
	}
}

func TestOrderServiceDeleteOrder(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order, err := f.orders.CreateOrder(ctx, CreateOrderCommand{Items: []LineItemRequest{{ProductID: "soda", Quantity: 1}}})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if err := f.orders.DeleteOrder(ctx, order.ID); err != nil {
		t.Fatalf("DeleteOrder: %v", err)
	}
	if err := f.orders.DeleteOrder(ctx, order.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := f.orders.GetOrder(ctx, ""); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected empty id to be not found, got %v", err)
	}
}

func TestOrderServiceListActive(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	first, firstHandle := f.placeAndCharge(t)
	f.now = f.now.Add(time.Minute)
	second, secondHandle := f.placeAndCharge(t, LineItemRequest{ProductID: "soda", Quantity: 1})
	f.now = f.now.Add(time.Minute)
	_, _ = f.placeAndCharge(t)
	f.now = f.now.Add(time.Minute)
	if _, err := f.orders.CreateOrder(ctx, CreateOrderCommand{Items: []LineItemRequest{{ProductID: "soda", Quantity: 1}}}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	for _, ref := range []string{secondHandle.Payment.ExternalReference, firstHandle.Payment.ExternalReference} {
		if err := f.sandbox.SetStatus(ref, "approved"); err != nil {
			t.Fatalf("SetStatus: %v", err)
		}
		f.notify(t, ref)
	}
	if _, err := f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: second.ID, TargetStatus: "IN_PREPARATION"}); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}

	active, err := f.orders.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected two active orders, got %d", len(active))
	}
	if active[0].ID != first.ID || active[1].ID != second.ID {
		t.Fatalf("expected oldest first, got %s, %s", active[0].ID, active[1].ID)
	}
}

func TestOrderServiceListActiveFiltersUnlinkedOrders(t *testing.T) {
	ref := "qr"
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	repo := &stubOrderRepo{
		listActiveFn: func(context.Context) ([]domain.Order, error) {
			return []domain.Order{
				{ID: "b", Status: domain.OrderStatusReady, PaymentReference: &ref, CreatedAt: base.Add(time.Minute)},
				{ID: "unlinked", Status: domain.OrderStatusReady, CreatedAt: base},
				{ID: "a", Status: domain.OrderStatusReceived, PaymentReference: &ref, CreatedAt: base},
				{ID: "done", Status: domain.OrderStatusCompleted, PaymentReference: &ref, CreatedAt: base},
			}, nil
		},
	}
	svc, err := NewOrderService(OrderServiceDeps{Orders: repo, Pricing: &CatalogPricingEngine{catalog: newStubCatalog()}})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	active, err := svc.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 || active[0].ID != "a" || active[1].ID != "b" {
		t.Fatalf("unexpected active orders %+v", active)
	}
}

func TestOrderServiceListOrdersRejectsUnknownStatus(t *testing.T) {
	f := newOrderFixture(t)
	_, err := f.orders.ListOrders(context.Background(), OrderListFilter{Status: []domain.OrderStatus{"LOST"}})
	if !errors.Is(err, ErrInvalidStatusValue) {
		t.Fatalf("expected ErrInvalidStatusValue, got %v", err)
	}
}

func TestNewOrderServiceRequiresDependencies(t *testing.T) {
	if _, err := NewOrderService(OrderServiceDeps{}); err == nil {
		t.Fatalf("expected error without repository")
	}
	if _, err := NewOrderService(OrderServiceDeps{Orders: &stubOrderRepo{}}); err == nil {
		t.Fatalf("expected error without pricing engine")
	}
}
