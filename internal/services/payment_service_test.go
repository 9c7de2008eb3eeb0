package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/payments"
	"github.com/fastfood-order/api/internal/repositories"
	"github.com/fastfood-order/api/internal/repositories/memory"
)

type stubGateway struct {
	name     string
	authFn   func(context.Context) (payments.Credential, error)
	chargeFn func(context.Context, payments.Credential, payments.ChargeRequest) (payments.Charge, error)
	statusFn func(context.Context, payments.Credential, payments.ChargeLookup) (payments.ChargeStatus, error)
	authN    int
}

func (g *stubGateway) Name() string {
	if g.name == "" {
		return "stub"
	}
	return g.name
}

func (g *stubGateway) Authenticate(ctx context.Context) (payments.Credential, error) {
	g.authN++
	if g.authFn != nil {
		return g.authFn(ctx)
	}
	return payments.Credential{AccessToken: "token"}, nil
}

func (g *stubGateway) CreateCharge(ctx context.Context, cred payments.Credential, req payments.ChargeRequest) (payments.Charge, error) {
	if g.chargeFn != nil {
		return g.chargeFn(ctx, cred, req)
	}
	return payments.Charge{ExternalReference: req.Reference, QRPayload: "payload-" + req.Reference}, nil
}

func (g *stubGateway) GetChargeStatus(ctx context.Context, cred payments.Credential, lookup payments.ChargeLookup) (payments.ChargeStatus, error) {
	if g.statusFn != nil {
		return g.statusFn(ctx, cred, lookup)
	}
	return payments.ChargeStatus{}, payments.ErrChargeNotFound
}

func (g *stubGateway) ParseNotification(topic, resource string) (payments.ChargeLookup, bool) {
	if topic != "charge" {
		return payments.ChargeLookup{}, false
	}
	return payments.ChargeLookup{Resource: resource}, true
}

type staticResolver struct {
	gateway payments.Gateway
}

func (r staticResolver) Resolve(provider string) (payments.Gateway, error) {
	if provider != "" && provider != r.gateway.Name() {
		return nil, payments.ErrUnsupportedProvider
	}
	return r.gateway, nil
}

type stubArchiver struct {
	location string
	err      error
	calls    int
}

func (a *stubArchiver) ArchiveQR(context.Context, string, string) (string, error) {
	a.calls++
	return a.location, a.err
}

type failingAttachRepo struct {
	repositories.OrderRepository
}

func (failingAttachRepo) AttachPayment(context.Context, repositories.OrderPaymentLink) error {
	return repositories.NewStoreError("orders.attach_payment", repositories.StoreErrorUnavailable, "write failed", nil)
}

func seedAwaitingOrder(t *testing.T, reg *memory.Registry, id string) Order {
	t.Helper()
	line := OrderLineItem{ProductID: "burger", Name: "X-Burger", Quantity: 2, UnitPrice: burger.UnitPrice}
	order := Order{
		ID:        id,
		Status:    domain.OrderStatusAwaitingPayment,
		Items:     []OrderLineItem{line},
		Value:     line.LineTotal(),
		CreatedAt: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := reg.Orders().Insert(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

func newStubPaymentService(t *testing.T, reg *memory.Registry, gateway payments.Gateway, mutate func(*PaymentServiceDeps)) PaymentService {
	t.Helper()
	deps := PaymentServiceDeps{
		Orders:      reg.Orders(),
		Payments:    reg.Payments(),
		UnitOfWork:  reg,
		Gateways:    staticResolver{gateway: gateway},
		QR:          stubQREncoder{},
		IDGenerator: sequenceIDs("P"),
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc, err := NewPaymentService(deps)
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	return svc
}

func TestPaymentServiceRequestPaymentLinksOrder(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	order, err := f.orders.CreateOrder(ctx, CreateOrderCommand{Items: []LineItemRequest{{ProductID: "burger", Quantity: 2}}})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	handle, err := f.payments.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("RequestPayment: %v", err)
	}

	if handle.Payment.ID != "pay_P001" {
		t.Fatalf("expected payment id pay_P001, got %s", handle.Payment.ID)
	}
	if handle.Payment.Status != domain.PaymentStatusAwaiting {
		t.Fatalf("expected AWAITING, got %s", handle.Payment.Status)
	}
	if !handle.Payment.Amount.Equal(order.Value) {
		t.Fatalf("expected amount %s, got %s", order.Value, handle.Payment.Amount)
	}
	if handle.Payment.ExternalReference != "sbx_000001" || handle.Payment.Provider != payments.SandboxName {
		t.Fatalf("unexpected gateway data %+v", handle.Payment)
	}
	if !strings.HasPrefix(handle.Artifact, "qr:sandbox://charge/sbx_000001") {
		t.Fatalf("unexpected artifact %q", handle.Artifact)
	}

	stored := f.order(t, order.ID)
	if stored.PaymentID == nil || *stored.PaymentID != handle.Payment.ID {
		t.Fatalf("expected order linked to payment, got %v", stored.PaymentID)
	}
	if !stored.HasPaymentReference() || *stored.PaymentReference != handle.Artifact {
		t.Fatalf("expected payment reference on order")
	}
	if stored.Status != domain.OrderStatusAwaitingPayment {
		t.Fatalf("payment request must not change order status, got %s", stored.Status)
	}

	byRef, err := f.registry.Payments().FindByExternalReference(ctx, payments.SandboxName, "sbx_000001")
	if err != nil || byRef.ID != handle.Payment.ID {
		t.Fatalf("expected payment findable by reference, got %+v, %v", byRef, err)
	}
}

func TestPaymentServiceRequestPaymentReusesPendingCharge(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order, first := f.placeAndCharge(t)

	second, err := f.payments.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("RequestPayment: %v", err)
	}
	if second.Payment.ID != first.Payment.ID {
		t.Fatalf("expected pending payment reused, got %s and %s", first.Payment.ID, second.Payment.ID)
	}
}

func TestPaymentServiceRequestPaymentAfterFailedChargeCreatesNewOne(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order, first := f.placeAndCharge(t)

	if err := f.sandbox.SetStatus(first.Payment.ExternalReference, "rejected"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	f.notify(t, first.Payment.ExternalReference)

	second, err := f.payments.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("RequestPayment: %v", err)
	}
	if second.Payment.ID == first.Payment.ID {
		t.Fatalf("expected a fresh payment after failure")
	}
	if got := f.order(t, order.ID); got.PaymentID == nil || *got.PaymentID != second.Payment.ID {
		t.Fatalf("expected order relinked to %s, got %v", second.Payment.ID, got.PaymentID)
	}
}

func TestPaymentServiceRequestPaymentRejectsOrderState(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order, err := f.orders.CreateOrder(ctx, CreateOrderCommand{Items: []LineItemRequest{{ProductID: "soda", Quantity: 1}}})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: "CANCELED"}); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}

	if _, err := f.payments.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.payments.RequestPayment(ctx, RequestPaymentCommand{OrderID: "missing"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := f.payments.RequestPayment(ctx, RequestPaymentCommand{OrderID: ""}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for empty id, got %v", err)
	}
	if _, err := f.payments.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID, Provider: "paypal"}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected ErrPaymentInvalidInput for unknown provider, got %v", err)
	}
}

func TestPaymentServiceGatewayFailures(t *testing.T) {
	tests := []struct {
		name    string
		gateway *stubGateway
		timeout time.Duration
		want    error
	}{
		{
			name: "authentication refused",
			gateway: &stubGateway{authFn: func(context.Context) (payments.Credential, error) {
				return payments.Credential{}, errors.New("invalid_client")
			}},
			want: ErrGatewayAuth,
		},
		{
			name: "charge rejected",
			gateway: &stubGateway{chargeFn: func(context.Context, payments.Credential, payments.ChargeRequest) (payments.Charge, error) {
				return payments.Charge{}, errors.New("400 bad request")
			}},
			want: ErrGatewayRequest,
		},
		{
			name: "charge timeout",
			gateway: &stubGateway{chargeFn: func(ctx context.Context, _ payments.Credential, _ payments.ChargeRequest) (payments.Charge, error) {
				<-ctx.Done()
				return payments.Charge{}, ctx.Err()
			}},
			timeout: 20 * time.Millisecond,
			want:    ErrGatewayRequest,
		},
		{
			name: "missing reference",
			gateway: &stubGateway{chargeFn: func(context.Context, payments.Credential, payments.ChargeRequest) (payments.Charge, error) {
				return payments.Charge{QRPayload: "x"}, nil
			}},
			want: ErrGatewayRequest,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reg := memory.NewRegistry()
			order := seedAwaitingOrder(t, reg, "ord_1")
			svc := newStubPaymentService(t, reg, tc.gateway, func(deps *PaymentServiceDeps) {
				deps.GatewayTimeout = tc.timeout
			})

			_, err := svc.RequestPayment(context.Background(), RequestPaymentCommand{OrderID: order.ID})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}

			stored, err := reg.Orders().FindByID(context.Background(), order.ID)
			if err != nil {
				t.Fatalf("FindByID: %v", err)
			}
			if stored.PaymentID != nil || stored.Status != domain.OrderStatusAwaitingPayment {
				t.Fatalf("failed request must leave the order untouched, got %+v", stored)
			}
			pending, _ := reg.Payments().ListByStatus(context.Background(), domain.PaymentStatusAwaiting, 0)
			if len(pending) != 0 {
				t.Fatalf("failed request must not persist a payment")
			}
		})
	}
}

func TestPaymentServicePassesIdempotencyKeyAndItems(t *testing.T) {
	reg := memory.NewRegistry()
	order := seedAwaitingOrder(t, reg, "ord_1")
	var captured payments.ChargeRequest
	gateway := &stubGateway{chargeFn: func(_ context.Context, _ payments.Credential, req payments.ChargeRequest) (payments.Charge, error) {
		captured = req
		return payments.Charge{ExternalReference: req.Reference, QRPayload: "p"}, nil
	}}
	svc := newStubPaymentService(t, reg, gateway, nil)

	if _, err := svc.RequestPayment(context.Background(), RequestPaymentCommand{OrderID: order.ID, IdempotencyKey: "key-1"}); err != nil {
		t.Fatalf("RequestPayment: %v", err)
	}
	if captured.IdempotencyKey != "key-1" {
		t.Fatalf("expected idempotency key forwarded, got %q", captured.IdempotencyKey)
	}
	if captured.Reference != "pay_P001" || captured.OrderID != order.ID {
		t.Fatalf("unexpected charge request %+v", captured)
	}
	if len(captured.Items) != 1 || captured.Items[0].Quantity != 2 || !captured.Amount.Equal(order.Value) {
		t.Fatalf("unexpected charge lines %+v", captured)
	}
}

func TestPaymentServiceArchivesArtifact(t *testing.T) {
	reg := memory.NewRegistry()
	order := seedAwaitingOrder(t, reg, "ord_1")
	archiver := &stubArchiver{location: "gs://bucket/qr/pay_P001.png"}
	svc := newStubPaymentService(t, reg, &stubGateway{}, func(deps *PaymentServiceDeps) {
		deps.Archiver = archiver
	})

	handle, err := svc.RequestPayment(context.Background(), RequestPaymentCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("RequestPayment: %v", err)
	}
	if handle.Order.PaymentReference == nil || *handle.Order.PaymentReference != archiver.location {
		t.Fatalf("expected archived location as payment reference, got %v", handle.Order.PaymentReference)
	}
	if handle.Artifact != "qr:payload-pay_P001" {
		t.Fatalf("expected inline artifact returned, got %q", handle.Artifact)
	}
}

func TestPaymentServiceArchiveFailureFallsBackToInlineArtifact(t *testing.T) {
	reg := memory.NewRegistry()
	order := seedAwaitingOrder(t, reg, "ord_1")
	logs := &captureLogger{}
	svc := newStubPaymentService(t, reg, &stubGateway{}, func(deps *PaymentServiceDeps) {
		deps.Archiver = &stubArchiver{err: errors.New("bucket missing")}
		deps.Logger = logs.log
	})

	handle, err := svc.RequestPayment(context.Background(), RequestPaymentCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("RequestPayment: %v", err)
	}
	if *handle.Order.PaymentReference != handle.Artifact {
		t.Fatalf("expected inline artifact as reference")
	}
	if !logs.has("payment.qr.archive.failed") {
		t.Fatalf("expected archive failure logged")
	}
}

func TestPaymentServiceOrderWriteFailureRollsBackPayment(t *testing.T) {
	reg := memory.NewRegistry()
	order := seedAwaitingOrder(t, reg, "ord_1")
	logs := &captureLogger{}
	svc := newStubPaymentService(t, reg, &stubGateway{}, func(deps *PaymentServiceDeps) {
		deps.Orders = failingAttachRepo{OrderRepository: reg.Orders()}
		deps.Logger = logs.log
	})

	if _, err := svc.RequestPayment(context.Background(), RequestPaymentCommand{OrderID: order.ID}); err == nil {
		t.Fatalf("expected error when order link fails")
	}
	if _, err := reg.Payments().FindByID(context.Background(), "pay_P001"); err == nil {
		t.Fatalf("expected payment rolled back with the order write")
	}
	if !logs.has("payment.persist.failed") {
		t.Fatalf("expected persist failure logged")
	}
}

func TestPaymentServiceQREncodingFailure(t *testing.T) {
	reg := memory.NewRegistry()
	order := seedAwaitingOrder(t, reg, "ord_1")
	svc := newStubPaymentService(t, reg, &stubGateway{}, func(deps *PaymentServiceDeps) {
		deps.QR = stubQREncoder{err: errors.New("payload too large")}
	})

	if _, err := svc.RequestPayment(context.Background(), RequestPaymentCommand{OrderID: order.ID}); err == nil {
		t.Fatalf("expected qr failure to surface")
	}
}

func TestPaymentServiceGetPayment(t *testing.T) {
	f := newOrderFixture(t)
	_, handle := f.placeAndCharge(t)

	got := f.payment(t, handle.Payment.ID)
	if got.OrderID != handle.Order.ID {
		t.Fatalf("unexpected payment %+v", got)
	}
	if _, err := f.payments.GetPayment(context.Background(), "pay_missing"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestNewPaymentServiceRequiresDependencies(t *testing.T) {
	reg := memory.NewRegistry()
	cases := []PaymentServiceDeps{
		{},
		{Orders: reg.Orders()},
		{Orders: reg.Orders(), Payments: reg.Payments()},
		{Orders: reg.Orders(), Payments: reg.Payments(), Gateways: staticResolver{gateway: &stubGateway{}}},
	}
	for i, deps := range cases {
		if _, err := NewPaymentService(deps); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
