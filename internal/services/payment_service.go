package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/payments"
	"github.com/fastfood-order/api/internal/platform/locks"
	"github.com/fastfood-order/api/internal/repositories"
)

const (
	paymentIDPrefix       = "pay_"
	defaultGatewayTimeout = 10 * time.Second
)

var (
	// ErrPaymentInvalidInput indicates a malformed payment request.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates the payment could not be located.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrGatewayAuth indicates the gateway refused or failed the credential exchange.
	ErrGatewayAuth = errors.New("payment: gateway authentication failed")
	// ErrGatewayRequest indicates a failed or timed out gateway call. Callers may retry.
	ErrGatewayRequest = errors.New("payment: gateway request failed")
	// ErrPaymentConflict indicates the payment changed concurrently or its id is taken.
	ErrPaymentConflict = errors.New("payment: conflict")
)

// PaymentServiceDeps bundles collaborators required by the payment orchestrator.
type PaymentServiceDeps struct {
	Orders         repositories.OrderRepository
	Payments       repositories.PaymentRepository
	UnitOfWork     repositories.UnitOfWork
	Gateways       GatewayResolver
	QR             payments.QREncoder
	Archiver       ArtifactArchiver
	Locker         OrderLocker
	GatewayTimeout time.Duration
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	unitOfWork repositories.UnitOfWork
	gateways   GatewayResolver
	qr         payments.QREncoder
	archiver   ArtifactArchiver
	locker     OrderLocker
	timeout    time.Duration
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewPaymentService validates dependencies and returns the payment orchestrator.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("payment service: gateway resolver is required")
	}
	if deps.QR == nil {
		return nil, errors.New("payment service: qr encoder is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	locker := deps.Locker
	if locker == nil {
		locker = locks.NewLocal()
	}
	timeout := deps.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		orders:     deps.Orders,
		payments:   deps.Payments,
		unitOfWork: unit,
		gateways:   deps.Gateways,
		qr:         deps.QR,
		archiver:   deps.Archiver,
		locker:     locker,
		timeout:    timeout,
		clock:      func() time.Time { return clock().UTC() },
		newID:      idGen,
		logger:     logger,
	}, nil
}

func (s *paymentService) RequestPayment(ctx context.Context, cmd RequestPaymentCommand) (PaymentHandle, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentHandle{}, fmt.Errorf("%w: order id is required", ErrOrderNotFound)
	}

	gateway, err := s.gateways.Resolve(cmd.Provider)
	if err != nil {
		return PaymentHandle{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	}

	unlock, err := s.locker.Lock(ctx, orderLockKey(orderID))
	if err != nil {
		return PaymentHandle{}, fmt.Errorf("payment: acquire lock: %w", err)
	}
	defer unlock()

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentHandle{}, mapOrderRepositoryError(err)
	}
	if order.Status != domain.OrderStatusAwaitingPayment {
		return PaymentHandle{}, fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, order.ID, order.Status)
	}

	if existing, ok := s.pendingPayment(ctx, order); ok {
		return PaymentHandle{Payment: existing, Order: order, Artifact: existing.Artifact}, nil
	}

	paymentID := paymentIDPrefix + s.newID()
	charge, err := s.createCharge(ctx, gateway, order, paymentID, cmd.IdempotencyKey)
	if err != nil {
		return PaymentHandle{}, err
	}

	artifact, err := s.qr.Encode(charge.QRPayload)
	if err != nil {
		return PaymentHandle{}, fmt.Errorf("payment: render qr: %w", err)
	}

	reference := artifact
	if s.archiver != nil {
		location, archiveErr := s.archiver.ArchiveQR(ctx, paymentID, artifact)
		if archiveErr != nil {
			s.logger(ctx, "payment.qr.archive.failed", map[string]any{
				"paymentId": paymentID,
				"error":     archiveErr.Error(),
			})
		} else if location != "" {
			reference = location
		}
	}

	now := s.clock()
	provider := charge.Provider
	if provider == "" {
		provider = gateway.Name()
	}
	payment := Payment{
		ID:                paymentID,
		OrderID:           order.ID,
		Provider:          provider,
		Amount:            order.Value,
		Status:            domain.PaymentStatusAwaiting,
		ExternalReference: charge.ExternalReference,
		QRPayload:         charge.QRPayload,
		Artifact:          artifact,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.payments.Insert(txCtx, payment); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.orders.AttachPayment(txCtx, repositories.OrderPaymentLink{
			OrderID:          order.ID,
			PaymentID:        payment.ID,
			PaymentReference: reference,
			UpdatedAt:        now,
		}); err != nil {
			return mapOrderRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		s.logger(ctx, "payment.persist.failed", map[string]any{
			"paymentId":         payment.ID,
			"orderId":           order.ID,
			"externalReference": payment.ExternalReference,
			"error":             err.Error(),
		})
		return PaymentHandle{}, err
	}

	order.PaymentID = &payment.ID
	order.PaymentReference = &reference
	order.UpdatedAt = now

	return PaymentHandle{
		Payment:   payment,
		Order:     order,
		Artifact:  artifact,
		ExpiresAt: charge.ExpiresAt,
	}, nil
}

func (s *paymentService) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return Payment{}, fmt.Errorf("%w: payment id is required", ErrPaymentNotFound)
	}
	payment, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		return Payment{}, s.mapRepositoryError(err)
	}
	return payment, nil
}

// createCharge performs the credential exchange and the charge request under one deadline.
func (s *paymentService) createCharge(ctx context.Context, gateway payments.Gateway, order Order, paymentID, idempotencyKey string) (payments.Charge, error) {
	gwCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	credential, err := gateway.Authenticate(gwCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return payments.Charge{}, fmt.Errorf("%w: authenticate timed out after %s", ErrGatewayRequest, s.timeout)
		}
		return payments.Charge{}, fmt.Errorf("%w: %v", ErrGatewayAuth, err)
	}

	items := make([]payments.ChargeItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, payments.ChargeItem{
			SKU:       item.ProductID,
			Name:      item.Name,
			Category:  item.Category,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		key = paymentID
	}

	charge, err := gateway.CreateCharge(gwCtx, credential, payments.ChargeRequest{
		Reference:      paymentID,
		OrderID:        order.ID,
		Title:          "Order " + order.ID,
		Amount:         order.Value,
		Items:          items,
		IdempotencyKey: key,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return payments.Charge{}, fmt.Errorf("%w: create charge timed out after %s", ErrGatewayRequest, s.timeout)
		}
		return payments.Charge{}, fmt.Errorf("%w: %v", ErrGatewayRequest, err)
	}
	if strings.TrimSpace(charge.ExternalReference) == "" {
		return payments.Charge{}, fmt.Errorf("%w: gateway returned no charge reference", ErrGatewayRequest)
	}
	return charge, nil
}

// pendingPayment returns the order's current payment when it is still awaiting the gateway,
// so a repeated request reuses the existing QR instead of opening a second charge.
func (s *paymentService) pendingPayment(ctx context.Context, order Order) (Payment, bool) {
	if order.PaymentID == nil || *order.PaymentID == "" {
		return Payment{}, false
	}
	payment, err := s.payments.FindByID(ctx, *order.PaymentID)
	if err != nil {
		return Payment{}, false
	}
	return payment, payment.Status == domain.PaymentStatusAwaiting
}

func (s *paymentService) mapRepositoryError(err error) error {
	return mapPaymentRepositoryError(err)
}

func mapPaymentRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPaymentNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrPaymentConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("payment: repository unavailable: %w", err)
		}
	}
	return err
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
