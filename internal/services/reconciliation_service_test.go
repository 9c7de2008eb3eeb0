package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/payments"
	"github.com/fastfood-order/api/internal/repositories"
	"github.com/fastfood-order/api/internal/repositories/memory"
)

func TestMapGatewayStatus(t *testing.T) {
	tests := map[string]PaymentStatus{
		"paid":               domain.PaymentStatusPaid,
		" Approved ":         domain.PaymentStatusPaid,
		"closed":             domain.PaymentStatusPaid,
		"opened":             domain.PaymentStatusAwaiting,
		"payment_required":   domain.PaymentStatusAwaiting,
		"unpaid":             domain.PaymentStatusAwaiting,
		"rejected":           domain.PaymentStatusFailed,
		"cancelled":          domain.PaymentStatusFailed,
		"expired":            domain.PaymentStatusExpired,
		"partially_reverted": domain.PaymentStatusFailed,
	}
	for raw, want := range tests {
		got, err := MapGatewayStatus(raw)
		if err != nil {
			t.Fatalf("MapGatewayStatus(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("MapGatewayStatus(%q) = %s, want %s", raw, got, want)
		}
	}

	if _, err := MapGatewayStatus("on_hold"); !errors.Is(err, ErrUnknownGatewayStatus) {
		t.Fatalf("expected ErrUnknownGatewayStatus, got %v", err)
	}
}

func TestReconciliationPaidMovesOrderToReceived(t *testing.T) {
	f := newOrderFixture(t)
	order, handle := f.placeAndCharge(t)
	if order.Value.StringFixed(2) != "29.90" {
		t.Fatalf("expected 29.90, got %s", order.Value.StringFixed(2))
	}

	if err := f.sandbox.SetStatus(handle.Payment.ExternalReference, "approved"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	result := f.notify(t, handle.Payment.ExternalReference)

	if result.Outcome != ReconciliationApplied {
		t.Fatalf("expected applied, got %s", result.Outcome)
	}
	if result.PaymentStatus != domain.PaymentStatusPaid || result.OrderStatus != domain.OrderStatusReceived {
		t.Fatalf("unexpected result %+v", result)
	}

	payment := f.payment(t, handle.Payment.ID)
	if payment.Status != domain.PaymentStatusPaid || payment.PaidAt == nil {
		t.Fatalf("expected payment PAID with paidAt, got %+v", payment)
	}
	stored := f.order(t, order.ID)
	if stored.Status != domain.OrderStatusReceived || stored.PaidAt == nil {
		t.Fatalf("expected order RECEIVED with paidAt, got %+v", stored)
	}

	events := f.events.snapshot()
	last := events[len(events)-1]
	if last.Source != OrderEventSourceReconcile || last.PaymentID != payment.ID || last.To != domain.OrderStatusReceived {
		t.Fatalf("unexpected event %+v", last)
	}
}

func TestReconciliationIsIdempotent(t *testing.T) {
	f := newOrderFixture(t)
	order, handle := f.placeAndCharge(t)
	if err := f.sandbox.SetStatus(handle.Payment.ExternalReference, "approved"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	f.notify(t, handle.Payment.ExternalReference)
	eventsAfterFirst := len(f.events.snapshot())

	result := f.notify(t, handle.Payment.ExternalReference)
	if result.Outcome != ReconciliationUnchanged {
		t.Fatalf("expected unchanged on redelivery, got %s", result.Outcome)
	}
	if got := len(f.events.snapshot()); got != eventsAfterFirst {
		t.Fatalf("redelivery must not publish events, got %d want %d", got, eventsAfterFirst)
	}
	if got := f.order(t, order.ID).Status; got != domain.OrderStatusReceived {
		t.Fatalf("expected RECEIVED, got %s", got)
	}
}

func TestReconciliationPendingStatusIsUnchanged(t *testing.T) {
	f := newOrderFixture(t)
	_, handle := f.placeAndCharge(t)

	result := f.notify(t, handle.Payment.ExternalReference)
	if result.Outcome != ReconciliationUnchanged || result.PaymentStatus != domain.PaymentStatusAwaiting {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestReconciliationPaidAfterCancelRecordsDiscrepancy(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	order, handle := f.placeAndCharge(t)

	if _, err := f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: "CANCELED"}); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if err := f.sandbox.SetStatus(handle.Payment.ExternalReference, "approved"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	result := f.notify(t, handle.Payment.ExternalReference)
	if result.Outcome != ReconciliationDiscrepancy {
		t.Fatalf("expected discrepancy, got %s", result.Outcome)
	}
	if got := f.order(t, order.ID).Status; got != domain.OrderStatusCanceled {
		t.Fatalf("cancellation must win, got %s", got)
	}
	if got := f.payment(t, handle.Payment.ID).Status; got != domain.PaymentStatusPaid {
		t.Fatalf("payment must still record the gateway status, got %s", got)
	}

	discrepancies, err := f.registry.Discrepancies().ListByOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("ListByOrder: %v", err)
	}
	if len(discrepancies) != 1 {
		t.Fatalf("expected one discrepancy, got %d", len(discrepancies))
	}
	d := discrepancies[0]
	if d.PaymentID != handle.Payment.ID || d.OrderStatus != domain.OrderStatusCanceled || d.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("unexpected discrepancy %+v", d)
	}
	if !f.logger.has("payment.reconcile.discrepancy") {
		t.Fatalf("expected discrepancy logged")
	}
}

func TestReconciliationFailureLeavesOrderByDefault(t *testing.T) {
	f := newOrderFixture(t)
	order, handle := f.placeAndCharge(t)
	if err := f.sandbox.SetStatus(handle.Payment.ExternalReference, "expired"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	result := f.notify(t, handle.Payment.ExternalReference)
	if result.Outcome != ReconciliationApplied || result.PaymentStatus != domain.PaymentStatusExpired {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := f.order(t, order.ID).Status; got != domain.OrderStatusAwaitingPayment {
		t.Fatalf("expected order to keep waiting, got %s", got)
	}
}

func TestReconciliationFailurePolicyCancelsOrder(t *testing.T) {
	f := newOrderFixture(t, withFailurePolicy(AlwaysCancelOnFailure))
	order, handle := f.placeAndCharge(t)
	if err := f.sandbox.SetStatus(handle.Payment.ExternalReference, "rejected"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	result := f.notify(t, handle.Payment.ExternalReference)
	if result.OrderStatus != domain.OrderStatusCanceled {
		t.Fatalf("expected order canceled, got %+v", result)
	}
	stored := f.order(t, order.ID)
	if stored.CancelReason == nil || *stored.CancelReason != "payment failed" {
		t.Fatalf("expected cancel reason, got %v", stored.CancelReason)
	}
}

func TestReconciliationLatePaidAfterExpiry(t *testing.T) {
	f := newOrderFixture(t)
	order, handle := f.placeAndCharge(t)
	ref := handle.Payment.ExternalReference

	if err := f.sandbox.SetStatus(ref, "expired"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	f.notify(t, ref)
	if err := f.sandbox.SetStatus(ref, "paid"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	result := f.notify(t, ref)

	if result.Outcome != ReconciliationApplied {
		t.Fatalf("expected applied, got %s", result.Outcome)
	}
	if got := f.order(t, order.ID).Status; got != domain.OrderStatusReceived {
		t.Fatalf("expected RECEIVED, got %s", got)
	}
}

func TestReconciliationStaleFailureAfterPaidIsIgnored(t *testing.T) {
	f := newOrderFixture(t)
	_, handle := f.placeAndCharge(t)
	ref := handle.Payment.ExternalReference

	if err := f.sandbox.SetStatus(ref, "approved"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	f.notify(t, ref)
	if err := f.sandbox.SetStatus(ref, "rejected"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	result := f.notify(t, ref)

	if result.Outcome != ReconciliationUnchanged {
		t.Fatalf("expected unchanged, got %s", result.Outcome)
	}
	if got := f.payment(t, handle.Payment.ID).Status; got != domain.PaymentStatusPaid {
		t.Fatalf("PAID must not regress, got %s", got)
	}
	if !f.logger.has("payment.reconcile.stale") {
		t.Fatalf("expected stale update logged")
	}
}

func TestReconciliationIgnoresUnknownTopic(t *testing.T) {
	f := newOrderFixture(t)
	result, err := f.reconciliation.HandleNotification(context.Background(), PaymentNotification{
		Provider: payments.SandboxName,
		Topic:    "payment",
		Resource: "123",
	})
	if err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if result.Outcome != ReconciliationIgnored {
		t.Fatalf("expected ignored, got %s", result.Outcome)
	}
}

func TestReconciliationErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown charge", func(t *testing.T) {
		f := newOrderFixture(t)
		_, err := f.reconciliation.HandleNotification(ctx, PaymentNotification{Provider: payments.SandboxName, Topic: payments.SandboxTopic, Resource: "sbx_999999"})
		if !errors.Is(err, ErrPaymentNotFound) {
			t.Fatalf("expected ErrPaymentNotFound, got %v", err)
		}
	})

	t.Run("unknown status", func(t *testing.T) {
		f := newOrderFixture(t)
		_, handle := f.placeAndCharge(t)
		if err := f.sandbox.SetStatus(handle.Payment.ExternalReference, "on_hold"); err != nil {
			t.Fatalf("SetStatus: %v", err)
		}
		_, err := f.reconciliation.HandleNotification(ctx, PaymentNotification{Provider: payments.SandboxName, Topic: payments.SandboxTopic, Resource: handle.Payment.ExternalReference})
		if !errors.Is(err, ErrUnknownGatewayStatus) {
			t.Fatalf("expected ErrUnknownGatewayStatus, got %v", err)
		}
		if got := f.payment(t, handle.Payment.ID).Status; got != domain.PaymentStatusAwaiting {
			t.Fatalf("unknown status must not write, got %s", got)
		}
	})

	t.Run("charge without local payment", func(t *testing.T) {
		reg := memory.NewRegistry()
		gateway := &stubGateway{statusFn: func(context.Context, payments.Credential, payments.ChargeLookup) (payments.ChargeStatus, error) {
			return payments.ChargeStatus{ExternalReference: "pay_foreign", Status: "paid"}, nil
		}}
		svc, err := NewReconciliationService(ReconciliationServiceDeps{Orders: reg.Orders(), Payments: reg.Payments(), Gateways: staticResolver{gateway: gateway}})
		if err != nil {
			t.Fatalf("NewReconciliationService: %v", err)
		}
		_, err = svc.HandleNotification(ctx, PaymentNotification{Topic: "charge", Resource: "1"})
		if !errors.Is(err, ErrPaymentNotFound) {
			t.Fatalf("expected ErrPaymentNotFound, got %v", err)
		}
	})

	t.Run("gateway auth", func(t *testing.T) {
		reg := memory.NewRegistry()
		gateway := &stubGateway{authFn: func(context.Context) (payments.Credential, error) {
			return payments.Credential{}, errors.New("expired secret")
		}}
		svc, err := NewReconciliationService(ReconciliationServiceDeps{Orders: reg.Orders(), Payments: reg.Payments(), Gateways: staticResolver{gateway: gateway}})
		if err != nil {
			t.Fatalf("NewReconciliationService: %v", err)
		}
		_, err = svc.HandleNotification(ctx, PaymentNotification{Topic: "charge", Resource: "1"})
		if !errors.Is(err, ErrGatewayAuth) {
			t.Fatalf("expected ErrGatewayAuth, got %v", err)
		}
	})

	t.Run("gateway request", func(t *testing.T) {
		reg := memory.NewRegistry()
		gateway := &stubGateway{statusFn: func(context.Context, payments.Credential, payments.ChargeLookup) (payments.ChargeStatus, error) {
			return payments.ChargeStatus{}, errors.New("502 bad gateway")
		}}
		svc, err := NewReconciliationService(ReconciliationServiceDeps{Orders: reg.Orders(), Payments: reg.Payments(), Gateways: staticResolver{gateway: gateway}})
		if err != nil {
			t.Fatalf("NewReconciliationService: %v", err)
		}
		_, err = svc.HandleNotification(ctx, PaymentNotification{Topic: "charge", Resource: "1"})
		if !errors.Is(err, ErrGatewayRequest) {
			t.Fatalf("expected ErrGatewayRequest, got %v", err)
		}
	})
}

func TestReconciliationRacesWithCancel(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newOrderFixture(t)
		ctx := context.Background()
		order, handle := f.placeAndCharge(t)
		if err := f.sandbox.SetStatus(handle.Payment.ExternalReference, "approved"); err != nil {
			t.Fatalf("SetStatus: %v", err)
		}

		var (
			wg        sync.WaitGroup
			cancelErr error
			result    ReconciliationResult
			notifyErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = f.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: "CANCELED"})
		}()
		go func() {
			defer wg.Done()
			result, notifyErr = f.reconciliation.HandleNotification(ctx, PaymentNotification{
				Provider: payments.SandboxName,
				Topic:    payments.SandboxTopic,
				Resource: handle.Payment.ExternalReference,
			})
		}()
		wg.Wait()

		if notifyErr != nil {
			t.Fatalf("HandleNotification: %v", notifyErr)
		}
		if cancelErr != nil {
			t.Fatalf("cancel is legal from both AWAITING_PAYMENT and RECEIVED, got %v", cancelErr)
		}
		if got := f.order(t, order.ID).Status; got != domain.OrderStatusCanceled {
			t.Fatalf("expected CANCELED, got %s", got)
		}
		if got := f.payment(t, handle.Payment.ID).Status; got != domain.PaymentStatusPaid {
			t.Fatalf("expected payment PAID, got %s", got)
		}

		discrepancies, err := f.registry.Discrepancies().ListByOrder(ctx, order.ID)
		if err != nil {
			t.Fatalf("ListByOrder: %v", err)
		}
		switch result.Outcome {
		case ReconciliationDiscrepancy:
			if len(discrepancies) != 1 {
				t.Fatalf("expected a discrepancy when cancel ran first, got %d", len(discrepancies))
			}
		case ReconciliationApplied:
			if len(discrepancies) != 0 {
				t.Fatalf("expected no discrepancy when payment ran first, got %d", len(discrepancies))
			}
			if !passedThrough(f.events.snapshot(), domain.OrderStatusReceived) {
				t.Fatalf("expected RECEIVED event before cancel")
			}
		default:
			t.Fatalf("unexpected outcome %s", result.Outcome)
		}
	}
}

func passedThrough(events []OrderStatusEvent, status OrderStatus) bool {
	for _, event := range events {
		if event.To == status {
			return true
		}
	}
	return false
}

func TestReconciliationConcurrentDeliveriesApplyOnce(t *testing.T) {
	f := newOrderFixture(t)
	order, handle := f.placeAndCharge(t)
	if err := f.sandbox.SetStatus(handle.Payment.ExternalReference, "approved"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	before := len(f.events.snapshot())

	const deliveries = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	wg.Add(deliveries)
	for i := 0; i < deliveries; i++ {
		go func() {
			defer wg.Done()
			result, err := f.reconciliation.HandleNotification(context.Background(), PaymentNotification{
				Provider: payments.SandboxName,
				Topic:    payments.SandboxTopic,
				Resource: handle.Payment.ExternalReference,
			})
			if err != nil {
				t.Errorf("HandleNotification: %v", err)
				return
			}
			if result.Outcome == ReconciliationApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("expected exactly one applied delivery, got %d", applied)
	}
	if got := len(f.events.snapshot()) - before; got != 1 {
		t.Fatalf("expected one status event, got %d", got)
	}
	if got := f.order(t, order.ID).Status; got != domain.OrderStatusReceived {
		t.Fatalf("expected RECEIVED, got %s", got)
	}
}

func TestReconcilePendingSweep(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	paidOrder, paid := f.placeAndCharge(t)
	_, waiting := f.placeAndCharge(t)
	_, expired := f.placeAndCharge(t)

	for ref, status := range map[string]string{
		paid.Payment.ExternalReference:    "approved",
		expired.Payment.ExternalReference: "expired",
	} {
		if err := f.sandbox.SetStatus(ref, status); err != nil {
			t.Fatalf("SetStatus: %v", err)
		}
	}

	summary, err := f.reconciliation.ReconcilePending(ctx, ReconcilePendingCommand{})
	if err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if summary.Checked != 3 || summary.Applied != 2 || summary.Unchanged != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := f.order(t, paidOrder.ID).Status; got != domain.OrderStatusReceived {
		t.Fatalf("expected RECEIVED, got %s", got)
	}
	if got := f.payment(t, waiting.Payment.ID).Status; got != domain.PaymentStatusAwaiting {
		t.Fatalf("expected AWAITING, got %s", got)
	}
	if !f.logger.has("payment.reconcile.sweep.completed") {
		t.Fatalf("expected sweep summary logged")
	}
}

func TestReconcilePendingRelinksOrphanedPayment(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()

	order, err := f.orders.CreateOrder(ctx, CreateOrderCommand{Items: []LineItemRequest{{ProductID: "soda", Quantity: 1}}})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	charge, err := f.sandbox.CreateCharge(ctx, payments.Credential{}, payments.ChargeRequest{Reference: "pay_orphan", OrderID: order.ID, Amount: order.Value})
	if err != nil {
		t.Fatalf("CreateCharge: %v", err)
	}
	if err := f.registry.Payments().Insert(ctx, domain.Payment{
		ID:                "pay_orphan",
		OrderID:           order.ID,
		Provider:          payments.SandboxName,
		Amount:            order.Value,
		Status:            domain.PaymentStatusAwaiting,
		ExternalReference: charge.ExternalReference,
		Artifact:          "qr:orphan",
		CreatedAt:         f.now,
	}); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	summary, err := f.reconciliation.ReconcilePending(ctx, ReconcilePendingCommand{Limit: 10})
	if err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if summary.Relinked != 1 {
		t.Fatalf("expected one relinked order, got %+v", summary)
	}
	stored := f.order(t, order.ID)
	if stored.PaymentID == nil || *stored.PaymentID != "pay_orphan" || !stored.HasPaymentReference() {
		t.Fatalf("expected order relinked, got %+v", stored)
	}
}

// racingLocker links another payment to the order just before handing out the first lock,
// the way a concurrent RequestPayment would.
type racingLocker struct {
	orders    repositories.OrderRepository
	orderID   string
	paymentID string
	raced     bool
}

func (l *racingLocker) Lock(ctx context.Context, key string) (func(), error) {
	if !l.raced {
		l.raced = true
		if err := l.orders.AttachPayment(ctx, repositories.OrderPaymentLink{
			OrderID:          l.orderID,
			PaymentID:        l.paymentID,
			PaymentReference: "qr:" + l.paymentID,
		}); err != nil {
			return nil, err
		}
	}
	return func() {}, nil
}

func TestReconcilePendingKeepsPaymentLinkedWhileWaitingForLock(t *testing.T) {
	locker := &racingLocker{paymentID: "pay_newer"}
	f := newOrderFixture(t, withLocker(locker))
	locker.orders = f.registry.Orders()
	ctx := context.Background()

	order, err := f.orders.CreateOrder(ctx, CreateOrderCommand{Items: []LineItemRequest{{ProductID: "soda", Quantity: 1}}})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	locker.orderID = order.ID
	if err := f.registry.Payments().Insert(ctx, domain.Payment{
		ID:                "pay_stale",
		OrderID:           order.ID,
		Provider:          payments.SandboxName,
		Amount:            order.Value,
		Status:            domain.PaymentStatusAwaiting,
		ExternalReference: "sbx_stale",
		Artifact:          "qr:stale",
		CreatedAt:         f.now,
	}); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	summary, err := f.reconciliation.ReconcilePending(ctx, ReconcilePendingCommand{Limit: 10})
	if err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if !locker.raced {
		t.Fatalf("expected the sweep to take the order lock")
	}
	if summary.Relinked != 0 {
		t.Fatalf("expected no relink, got %+v", summary)
	}
	stored := f.order(t, order.ID)
	if stored.PaymentID == nil || *stored.PaymentID != "pay_newer" {
		t.Fatalf("expected newer payment kept, got %+v", stored.PaymentID)
	}
}

func TestReconcilePendingContinuesAfterFailures(t *testing.T) {
	reg := memory.NewRegistry()
	ctx := context.Background()
	seedAwaitingOrder(t, reg, "ord_1")
	seedAwaitingOrder(t, reg, "ord_2")
	for _, p := range []domain.Payment{
		{ID: "pay_1", OrderID: "ord_1", Provider: "stub", ExternalReference: "ext_1", Status: domain.PaymentStatusAwaiting},
		{ID: "pay_2", OrderID: "ord_2", Provider: "stub", ExternalReference: "ext_2", Status: domain.PaymentStatusAwaiting},
	} {
		if err := reg.Payments().Insert(ctx, p); err != nil {
			t.Fatalf("seed payment: %v", err)
		}
	}
	gateway := &stubGateway{statusFn: func(_ context.Context, _ payments.Credential, lookup payments.ChargeLookup) (payments.ChargeStatus, error) {
		if lookup.ExternalReference == "ext_1" {
			return payments.ChargeStatus{}, errors.New("timeout")
		}
		return payments.ChargeStatus{ExternalReference: lookup.ExternalReference, Status: "paid"}, nil
	}}
	svc, err := NewReconciliationService(ReconciliationServiceDeps{
		Orders:   reg.Orders(),
		Payments: reg.Payments(),
		Gateways: staticResolver{gateway: gateway},
	})
	if err != nil {
		t.Fatalf("NewReconciliationService: %v", err)
	}

	summary, err := svc.ReconcilePending(ctx, ReconcilePendingCommand{})
	if err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if summary.Failed != 1 || summary.Applied != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if gateway.authN != 1 {
		t.Fatalf("expected one credential exchange per sweep, got %d", gateway.authN)
	}
}

func TestNewReconciliationServiceRequiresDependencies(t *testing.T) {
	reg := memory.NewRegistry()
	cases := []ReconciliationServiceDeps{
		{},
		{Orders: reg.Orders()},
		{Orders: reg.Orders(), Payments: reg.Payments()},
	}
	for i, deps := range cases {
		if _, err := NewReconciliationService(deps); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
