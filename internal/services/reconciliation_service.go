package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/payments"
	"github.com/fastfood-order/api/internal/platform/locks"
	"github.com/fastfood-order/api/internal/platform/textutil"
	"github.com/fastfood-order/api/internal/repositories"
)

const (
	discrepancyIDPrefix      = "dsc_"
	defaultReconcileLimit    = 100
	discrepancyOrderState    = "order_not_awaiting_payment"
	discrepancyOrderMissing  = "order_missing"
	discrepancyOrderConflict = "order_transition_rejected"
)

// ErrUnknownGatewayStatus indicates the gateway reported a status outside the known vocabulary.
var ErrUnknownGatewayStatus = errors.New("payment: unknown gateway status")

var gatewayStatusVocabulary = map[string]domain.PaymentStatus{
	"PAID":                domain.PaymentStatusPaid,
	"APPROVED":            domain.PaymentStatusPaid,
	"CLOSED":              domain.PaymentStatusPaid,
	"NO_PAYMENT_REQUIRED": domain.PaymentStatusPaid,
	"AWAITING":            domain.PaymentStatusAwaiting,
	"PENDING":             domain.PaymentStatusAwaiting,
	"OPEN":                domain.PaymentStatusAwaiting,
	"OPENED":              domain.PaymentStatusAwaiting,
	"UNPAID":              domain.PaymentStatusAwaiting,
	"IN_PROCESS":          domain.PaymentStatusAwaiting,
	"PAYMENT_REQUIRED":    domain.PaymentStatusAwaiting,
	"PAYMENT_IN_PROCESS":  domain.PaymentStatusAwaiting,
	"PARTIALLY_PAID":      domain.PaymentStatusAwaiting,
	"FAILED":              domain.PaymentStatusFailed,
	"REJECTED":            domain.PaymentStatusFailed,
	"CANCELED":            domain.PaymentStatusFailed,
	"CANCELLED":           domain.PaymentStatusFailed,
	"REVERTED":            domain.PaymentStatusFailed,
	"PARTIALLY_REVERTED":  domain.PaymentStatusFailed,
	"EXPIRED":             domain.PaymentStatusExpired,
}

// paymentTransitions lists the payment status changes reconciliation may apply. A late PAID
// after FAILED or EXPIRED is accepted because the gateway collected the money.
var paymentTransitions = map[domain.PaymentStatus][]domain.PaymentStatus{
	domain.PaymentStatusAwaiting: {domain.PaymentStatusPaid, domain.PaymentStatusFailed, domain.PaymentStatusExpired},
	domain.PaymentStatusFailed:   {domain.PaymentStatusPaid},
	domain.PaymentStatusExpired:  {domain.PaymentStatusPaid},
}

// MapGatewayStatus normalises a gateway status token to the payment vocabulary.
func MapGatewayStatus(raw string) (PaymentStatus, error) {
	status, ok := gatewayStatusVocabulary[textutil.UpperToken(raw)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownGatewayStatus, raw)
	}
	return status, nil
}

// NeverCancelOnFailure leaves orders awaiting payment when their charge fails or expires.
var NeverCancelOnFailure PaymentFailurePolicy = PaymentFailurePolicyFunc(func(Order, Payment) bool { return false })

// AlwaysCancelOnFailure cancels orders whose current charge fails or expires.
var AlwaysCancelOnFailure PaymentFailurePolicy = PaymentFailurePolicyFunc(func(Order, Payment) bool { return true })

// ReconciliationServiceDeps bundles collaborators required by the reconciliation handler.
type ReconciliationServiceDeps struct {
	Orders         repositories.OrderRepository
	Payments       repositories.PaymentRepository
	Discrepancies  repositories.PaymentDiscrepancyRepository
	Gateways       GatewayResolver
	Locker         OrderLocker
	Events         OrderEventPublisher
	FailurePolicy  PaymentFailurePolicy
	GatewayTimeout time.Duration
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type reconciliationService struct {
	orders        repositories.OrderRepository
	payments      repositories.PaymentRepository
	discrepancies repositories.PaymentDiscrepancyRepository
	gateways      GatewayResolver
	locker        OrderLocker
	lifecycle     *orderLifecycle
	policy        PaymentFailurePolicy
	timeout       time.Duration
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

// NewReconciliationService validates dependencies and returns the reconciliation handler.
func NewReconciliationService(deps ReconciliationServiceDeps) (PaymentReconciliationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciliation service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("reconciliation service: payment repository is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("reconciliation service: gateway resolver is required")
	}

	locker := deps.Locker
	if locker == nil {
		locker = locks.NewLocal()
	}
	policy := deps.FailurePolicy
	if policy == nil {
		policy = NeverCancelOnFailure
	}
	timeout := deps.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	utc := func() time.Time { return clock().UTC() }
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &reconciliationService{
		orders:        deps.Orders,
		payments:      deps.Payments,
		discrepancies: deps.Discrepancies,
		gateways:      deps.Gateways,
		locker:        locker,
		lifecycle: &orderLifecycle{
			orders: deps.Orders,
			events: deps.Events,
			clock:  utc,
			logger: logger,
		},
		policy:  policy,
		timeout: timeout,
		clock:   utc,
		newID:   idGen,
		logger:  logger,
	}, nil
}

func (s *reconciliationService) HandleNotification(ctx context.Context, notification PaymentNotification) (ReconciliationResult, error) {
	gateway, err := s.gateways.Resolve(notification.Provider)
	if err != nil {
		return ReconciliationResult{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	}

	lookup, ok := gateway.ParseNotification(notification.Topic, notification.Resource)
	if !ok {
		return ReconciliationResult{Outcome: ReconciliationIgnored}, nil
	}

	charge, err := s.chargeStatus(ctx, gateway, nil, lookup)
	if err != nil {
		return ReconciliationResult{}, err
	}
	target, err := MapGatewayStatus(charge.Status)
	if err != nil {
		return ReconciliationResult{}, err
	}

	reference := strings.TrimSpace(charge.ExternalReference)
	if reference == "" {
		return ReconciliationResult{}, fmt.Errorf("%w: gateway returned no charge reference", ErrPaymentNotFound)
	}
	payment, err := s.payments.FindByExternalReference(ctx, gateway.Name(), reference)
	if err != nil {
		return ReconciliationResult{}, mapPaymentRepositoryError(err)
	}

	return s.apply(ctx, payment.ID, payment.OrderID, target)
}

func (s *reconciliationService) ReconcilePending(ctx context.Context, cmd ReconcilePendingCommand) (ReconcileSummary, error) {
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}

	pending, err := s.payments.ListByStatus(ctx, domain.PaymentStatusAwaiting, limit)
	if err != nil {
		return ReconcileSummary{}, mapPaymentRepositoryError(err)
	}

	summary := ReconcileSummary{}
	credentials := make(map[string]*payments.Credential)

	for _, payment := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Checked++

		relinked, err := s.relink(ctx, payment)
		if err != nil {
			summary.Failed++
			s.logSweepFailure(ctx, payment, err)
			continue
		}
		if relinked {
			summary.Relinked++
		}

		gateway, err := s.gateways.Resolve(payment.Provider)
		if err != nil {
			summary.Failed++
			s.logSweepFailure(ctx, payment, err)
			continue
		}
		cred := credentials[gateway.Name()]
		if cred == nil {
			cred = &payments.Credential{}
			credentials[gateway.Name()] = cred
		}

		charge, err := s.chargeStatus(ctx, gateway, cred, payments.ChargeLookup{ExternalReference: payment.ExternalReference})
		if err != nil {
			summary.Failed++
			s.logSweepFailure(ctx, payment, err)
			continue
		}
		target, err := MapGatewayStatus(charge.Status)
		if err != nil {
			summary.Failed++
			s.logSweepFailure(ctx, payment, err)
			continue
		}

		result, err := s.apply(ctx, payment.ID, payment.OrderID, target)
		if err != nil {
			summary.Failed++
			s.logSweepFailure(ctx, payment, err)
			continue
		}
		switch result.Outcome {
		case ReconciliationApplied:
			summary.Applied++
		case ReconciliationDiscrepancy:
			summary.Discrepancy++
		default:
			summary.Unchanged++
		}
	}

	s.logger(ctx, "payment.reconcile.sweep.completed", map[string]any{
		"checked":     summary.Checked,
		"applied":     summary.Applied,
		"unchanged":   summary.Unchanged,
		"relinked":    summary.Relinked,
		"discrepancy": summary.Discrepancy,
		"failed":      summary.Failed,
	})
	return summary, nil
}

// chargeStatus queries the gateway under the configured timeout. A non-nil cred is reused
// across calls and filled on first use.
func (s *reconciliationService) chargeStatus(ctx context.Context, gateway payments.Gateway, cred *payments.Credential, lookup payments.ChargeLookup) (payments.ChargeStatus, error) {
	gwCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var credential payments.Credential
	if cred != nil && cred.AccessToken != "" && (cred.ExpiresAt.IsZero() || s.clock().Before(cred.ExpiresAt)) {
		credential = *cred
	} else {
		fresh, err := gateway.Authenticate(gwCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return payments.ChargeStatus{}, fmt.Errorf("%w: authenticate timed out after %s", ErrGatewayRequest, s.timeout)
			}
			return payments.ChargeStatus{}, fmt.Errorf("%w: %v", ErrGatewayAuth, err)
		}
		credential = fresh
		if cred != nil {
			*cred = fresh
		}
	}

	status, err := gateway.GetChargeStatus(gwCtx, credential, lookup)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrChargeNotFound):
			return payments.ChargeStatus{}, fmt.Errorf("%w: gateway has no charge for %+v", ErrPaymentNotFound, lookup)
		case errors.Is(err, context.DeadlineExceeded):
			return payments.ChargeStatus{}, fmt.Errorf("%w: status lookup timed out after %s", ErrGatewayRequest, s.timeout)
		default:
			return payments.ChargeStatus{}, fmt.Errorf("%w: %v", ErrGatewayRequest, err)
		}
	}
	return status, nil
}

// apply moves the payment to target and drives its order, holding the order lock so webhook
// deliveries and manual status changes for the same order never interleave.
func (s *reconciliationService) apply(ctx context.Context, paymentID, orderID string, target domain.PaymentStatus) (ReconciliationResult, error) {
	unlock, err := s.locker.Lock(ctx, orderLockKey(orderID))
	if err != nil {
		return ReconciliationResult{}, fmt.Errorf("payment: acquire lock: %w", err)
	}
	defer unlock()

	payment, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		return ReconciliationResult{}, mapPaymentRepositoryError(err)
	}
	result := ReconciliationResult{
		Outcome:       ReconciliationUnchanged,
		PaymentID:     payment.ID,
		OrderID:       payment.OrderID,
		PaymentStatus: payment.Status,
	}

	if payment.Status == target {
		if target != domain.PaymentStatusPaid {
			return result, nil
		}
		// A previous delivery may have stopped between the payment and the order write.
		order, err := s.orders.FindByID(ctx, payment.OrderID)
		if err != nil || order.Status != domain.OrderStatusAwaitingPayment {
			if err == nil {
				result.OrderStatus = order.Status
			}
			return result, nil
		}
		return s.applyPaid(ctx, payment, order, result)
	}

	if !slices.Contains(paymentTransitions[payment.Status], target) {
		s.logger(ctx, "payment.reconcile.stale", map[string]any{
			"paymentId": payment.ID,
			"current":   string(payment.Status),
			"reported":  string(target),
		})
		return result, nil
	}

	now := s.clock()
	update := repositories.PaymentStatusUpdate{
		PaymentID: payment.ID,
		Expected:  payment.Status,
		Status:    target,
		UpdatedAt: now,
	}
	if target == domain.PaymentStatusPaid {
		update.PaidAt = &now
	}
	payment, err = s.payments.UpdateStatus(ctx, update)
	if err != nil {
		return ReconciliationResult{}, mapPaymentRepositoryError(err)
	}
	result.Outcome = ReconciliationApplied
	result.PaymentStatus = payment.Status

	order, err := s.orders.FindByID(ctx, payment.OrderID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			if target == domain.PaymentStatusPaid {
				s.recordDiscrepancy(ctx, payment, "", discrepancyOrderMissing)
				result.Outcome = ReconciliationDiscrepancy
			}
			return result, nil
		}
		return result, mapOrderRepositoryError(err)
	}
	result.OrderStatus = order.Status

	switch target {
	case domain.PaymentStatusPaid:
		return s.applyPaid(ctx, payment, order, result)
	case domain.PaymentStatusFailed, domain.PaymentStatusExpired:
		return s.applyFailure(ctx, payment, order, result)
	}
	return result, nil
}

func (s *reconciliationService) applyPaid(ctx context.Context, payment Payment, order Order, result ReconciliationResult) (ReconciliationResult, error) {
	result.OrderStatus = order.Status
	if order.Status != domain.OrderStatusAwaitingPayment {
		s.recordDiscrepancy(ctx, payment, order.Status, discrepancyOrderState)
		result.Outcome = ReconciliationDiscrepancy
		return result, nil
	}

	if order.PaymentID == nil || *order.PaymentID != payment.ID {
		if err := s.orders.AttachPayment(ctx, repositories.OrderPaymentLink{
			OrderID:          order.ID,
			PaymentID:        payment.ID,
			PaymentReference: payment.Artifact,
			UpdatedAt:        s.clock(),
		}); err != nil {
			return result, mapOrderRepositoryError(err)
		}
	}

	updated, err := s.lifecycle.apply(ctx, order, orderTransition{
		Target:    domain.OrderStatusReceived,
		Source:    OrderEventSourceReconcile,
		PaymentID: payment.ID,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrOrderConflict) {
			s.recordDiscrepancy(ctx, payment, order.Status, discrepancyOrderConflict)
			result.Outcome = ReconciliationDiscrepancy
			return result, nil
		}
		return result, err
	}
	result.Outcome = ReconciliationApplied
	result.OrderStatus = updated.Status
	return result, nil
}

func (s *reconciliationService) applyFailure(ctx context.Context, payment Payment, order Order, result ReconciliationResult) (ReconciliationResult, error) {
	if order.Status != domain.OrderStatusAwaitingPayment {
		return result, nil
	}
	if order.PaymentID != nil && *order.PaymentID != payment.ID {
		return result, nil
	}
	if !s.policy.CancelOnFailure(order, payment) {
		return result, nil
	}

	updated, err := s.lifecycle.apply(ctx, order, orderTransition{
		Target:    domain.OrderStatusCanceled,
		Reason:    "payment " + strings.ToLower(string(payment.Status)),
		Source:    OrderEventSourceFailurePolicy,
		PaymentID: payment.ID,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrOrderConflict) {
			return result, nil
		}
		return result, err
	}
	result.OrderStatus = updated.Status
	return result, nil
}

// relink attaches an awaiting payment to its order when the order lost the link, which happens
// when the payment write succeeded but the order write did not. The order is read again under
// the lock because RequestPayment may link a newer payment in between.
func (s *reconciliationService) relink(ctx context.Context, payment Payment) (bool, error) {
	order, found, err := s.unlinkedOrder(ctx, payment.OrderID)
	if err != nil || !found {
		return false, err
	}

	unlock, err := s.locker.Lock(ctx, orderLockKey(order.ID))
	if err != nil {
		return false, fmt.Errorf("payment: acquire lock: %w", err)
	}
	defer unlock()

	if _, found, err = s.unlinkedOrder(ctx, order.ID); err != nil || !found {
		return false, err
	}
	if err := s.orders.AttachPayment(ctx, repositories.OrderPaymentLink{
		OrderID:          order.ID,
		PaymentID:        payment.ID,
		PaymentReference: payment.Artifact,
		UpdatedAt:        s.clock(),
	}); err != nil {
		return false, mapOrderRepositoryError(err)
	}
	return true, nil
}

// unlinkedOrder reports the order only while it still awaits payment without a linked payment.
func (s *reconciliationService) unlinkedOrder(ctx context.Context, orderID string) (Order, bool, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return Order{}, false, nil
		}
		return Order{}, false, mapOrderRepositoryError(err)
	}
	if order.PaymentID != nil && *order.PaymentID != "" {
		return Order{}, false, nil
	}
	return order, order.Status == domain.OrderStatusAwaitingPayment, nil
}

func (s *reconciliationService) recordDiscrepancy(ctx context.Context, payment Payment, orderStatus domain.OrderStatus, reason string) {
	discrepancy := PaymentDiscrepancy{
		ID:            discrepancyIDPrefix + s.newID(),
		PaymentID:     payment.ID,
		OrderID:       payment.OrderID,
		OrderStatus:   orderStatus,
		PaymentStatus: payment.Status,
		Reason:        reason,
		CreatedAt:     s.clock(),
	}
	fields := map[string]any{
		"paymentId":     payment.ID,
		"orderId":       payment.OrderID,
		"orderStatus":   string(orderStatus),
		"paymentStatus": string(payment.Status),
		"reason":        reason,
	}
	s.logger(ctx, "payment.reconcile.discrepancy", fields)
	if s.discrepancies == nil {
		return
	}
	if err := s.discrepancies.Insert(ctx, discrepancy); err != nil {
		fields["error"] = err.Error()
		s.logger(ctx, "payment.reconcile.discrepancy.persist_failed", fields)
	}
}

func (s *reconciliationService) logSweepFailure(ctx context.Context, payment Payment, err error) {
	s.logger(ctx, "payment.reconcile.sweep.failed", map[string]any{
		"paymentId": payment.ID,
		"orderId":   payment.OrderID,
		"provider":  payment.Provider,
		"error":     err.Error(),
	})
}
