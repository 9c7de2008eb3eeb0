package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fastfood-order/api/internal/payments"
	"github.com/fastfood-order/api/internal/repositories/memory"
)

type stubCatalog struct {
	products map[string]Product
	calls    map[string]int
	findFn   func(context.Context, string) (Product, error)
}

func newStubCatalog(products ...Product) *stubCatalog {
	c := &stubCatalog{products: make(map[string]Product), calls: make(map[string]int)}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

func (c *stubCatalog) FindProduct(ctx context.Context, productID string) (Product, error) {
	c.calls[productID]++
	if c.findFn != nil {
		return c.findFn(ctx, productID)
	}
	product, ok := c.products[productID]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return product, nil
}

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderStatusEvent
	err    error
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderStatusEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *captureOrderEvents) snapshot() []OrderStatusEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]OrderStatusEvent(nil), c.events...)
}

type captureLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *captureLogger) log(_ context.Context, event string, _ map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, event)
}

func (l *captureLogger) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.entries {
		if entry == event {
			return true
		}
	}
	return false
}

type stubQREncoder struct {
	err error
}

func (s stubQREncoder) Encode(payload string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "qr:" + payload, nil
}

func sequenceIDs(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%03d", prefix, n)
	}
}

var (
	burger = Product{ID: "burger", Name: "X-Burger", Category: "Lanche", UnitPrice: decimal.RequireFromString("14.95")}
	soda   = Product{ID: "soda", Name: "Cola", Category: "Bebida", UnitPrice: decimal.RequireFromString("6.50")}
)

// orderFixture wires the order, payment and reconciliation services over one memory registry
// and a sandbox gateway.
type orderFixture struct {
	registry       *memory.Registry
	sandbox        *payments.SandboxGateway
	events         *captureOrderEvents
	logger         *captureLogger
	orders         OrderService
	payments       PaymentService
	reconciliation PaymentReconciliationService
	now            time.Time
}

type fixtureOption func(*ReconciliationServiceDeps)

func withFailurePolicy(policy PaymentFailurePolicy) fixtureOption {
	return func(deps *ReconciliationServiceDeps) { deps.FailurePolicy = policy }
}

func withLocker(locker OrderLocker) fixtureOption {
	return func(deps *ReconciliationServiceDeps) { deps.Locker = locker }
}

func newOrderFixture(t *testing.T, opts ...fixtureOption) *orderFixture {
	t.Helper()

	f := &orderFixture{
		registry: memory.NewRegistry(),
		sandbox:  payments.NewSandboxGateway(),
		events:   &captureOrderEvents{},
		logger:   &captureLogger{},
		now:      time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	pricing, err := NewCatalogPricingEngine(newStubCatalog(burger, soda))
	if err != nil {
		t.Fatalf("NewCatalogPricingEngine: %v", err)
	}
	manager, err := payments.NewManager([]payments.Gateway{f.sandbox})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	f.orders, err = NewOrderService(OrderServiceDeps{
		Orders:      f.registry.Orders(),
		Clients:     f.registry.Clients(),
		Pricing:     pricing,
		Events:      f.events,
		Clock:       clock,
		IDGenerator: sequenceIDs("O"),
		Logger:      f.logger.log,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	f.payments, err = NewPaymentService(PaymentServiceDeps{
		Orders:      f.registry.Orders(),
		Payments:    f.registry.Payments(),
		UnitOfWork:  f.registry,
		Gateways:    manager,
		QR:          stubQREncoder{},
		Clock:       clock,
		IDGenerator: sequenceIDs("P"),
		Logger:      f.logger.log,
	})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}

	recDeps := ReconciliationServiceDeps{
		Orders:        f.registry.Orders(),
		Payments:      f.registry.Payments(),
		Discrepancies: f.registry.Discrepancies(),
		Gateways:      manager,
		Events:        f.events,
		Clock:         clock,
		IDGenerator:   sequenceIDs("D"),
		Logger:        f.logger.log,
	}
	for _, opt := range opts {
		opt(&recDeps)
	}
	f.reconciliation, err = NewReconciliationService(recDeps)
	if err != nil {
		t.Fatalf("NewReconciliationService: %v", err)
	}
	return f
}

// placeAndCharge creates an order and requests its payment.
func (f *orderFixture) placeAndCharge(t *testing.T, items ...LineItemRequest) (Order, PaymentHandle) {
	t.Helper()
	ctx := context.Background()
	if len(items) == 0 {
		items = []LineItemRequest{{ProductID: burger.ID, Quantity: 2}}
	}
	order, err := f.orders.CreateOrder(ctx, CreateOrderCommand{Items: items})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	handle, err := f.payments.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("RequestPayment: %v", err)
	}
	return order, handle
}

func (f *orderFixture) notify(t *testing.T, reference string) ReconciliationResult {
	t.Helper()
	result, err := f.reconciliation.HandleNotification(context.Background(), PaymentNotification{
		Provider: payments.SandboxName,
		Topic:    payments.SandboxTopic,
		Resource: reference,
	})
	if err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	return result
}

func (f *orderFixture) order(t *testing.T, id string) Order {
	t.Helper()
	order, err := f.orders.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("GetOrder(%s): %v", id, err)
	}
	return order
}

func (f *orderFixture) payment(t *testing.T, id string) Payment {
	t.Helper()
	payment, err := f.payments.GetPayment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPayment(%s): %v", id, err)
	}
	return payment
}
