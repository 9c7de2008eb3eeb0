package repositories

import (
	"context"
	"time"

	domain "github.com/fastfood-order/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
// Each storage backend provides one implementation; callers never branch on the backend.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Payments() PaymentRepository
	Discrepancies() PaymentDiscrepancyRepository
	Products() ProductRepository
	Clients() ClientRepository
	Ping(ctx context.Context) error
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order aggregates.
type OrderRepository interface {
	// Insert stores a new order. A duplicate id yields a conflict error.
	Insert(ctx context.Context, order domain.Order) error
	// Update replaces the mutable fields of an existing order.
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// UpdateStatus moves the order to update.Status only when its stored status equals
	// update.Expected. A mismatch yields a conflict error.
	UpdateStatus(ctx context.Context, update OrderStatusUpdate) (domain.Order, error)
	// AttachPayment links the order to a payment without reading it first, so it can be
	// combined with other writes inside RunInTx.
	AttachPayment(ctx context.Context, link OrderPaymentLink) error
	// ListActive returns paid orders in a kitchen facing status, oldest first.
	ListActive(ctx context.Context) ([]domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) ([]domain.Order, error)
	Delete(ctx context.Context, orderID string) error
}

// PaymentRepository stores gateway charge attempts. Payments are never deleted.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	FindByID(ctx context.Context, paymentID string) (domain.Payment, error)
	FindByExternalReference(ctx context.Context, provider, reference string) (domain.Payment, error)
	// UpdateStatus is conditional on update.Expected, like OrderRepository.UpdateStatus.
	UpdateStatus(ctx context.Context, update PaymentStatusUpdate) (domain.Payment, error)
	ListByStatus(ctx context.Context, status domain.PaymentStatus, limit int) ([]domain.Payment, error)
}

// PaymentDiscrepancyRepository keeps reconciliation conflicts for operators to review.
type PaymentDiscrepancyRepository interface {
	Insert(ctx context.Context, discrepancy domain.PaymentDiscrepancy) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentDiscrepancy, error)
}

// ProductRepository persists the product catalog.
type ProductRepository interface {
	Insert(ctx context.Context, product domain.Product) error
	Update(ctx context.Context, product domain.Product) error
	Delete(ctx context.Context, productID string) error
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	List(ctx context.Context, filter ProductListFilter) ([]domain.Product, error)
}

// ClientRepository persists customer records.
type ClientRepository interface {
	Insert(ctx context.Context, client domain.Client) error
	Update(ctx context.Context, client domain.Client) error
	Delete(ctx context.Context, clientID string) error
	FindByID(ctx context.Context, clientID string) (domain.Client, error)
	FindByEmail(ctx context.Context, email string) (domain.Client, error)
	List(ctx context.Context) ([]domain.Client, error)
}

// HealthRepository reports dependency health for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

// OrderStatusUpdate describes a conditional status change.
type OrderStatusUpdate struct {
	OrderID      string
	Expected     domain.OrderStatus
	Status       domain.OrderStatus
	UpdatedAt    time.Time
	PaidAt       *time.Time
	CompletedAt  *time.Time
	CanceledAt   *time.Time
	CancelReason *string
}

// OrderPaymentLink carries the payment fields written onto an order.
type OrderPaymentLink struct {
	OrderID          string
	PaymentID        string
	PaymentReference string
	UpdatedAt        time.Time
}

// PaymentStatusUpdate describes a conditional payment status change.
type PaymentStatusUpdate struct {
	PaymentID string
	Expected  domain.PaymentStatus
	Status    domain.PaymentStatus
	UpdatedAt time.Time
	PaidAt    *time.Time
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	ClientID string
	Status   []domain.OrderStatus
}

// ProductListFilter narrows product listings.
type ProductListFilter struct {
	Category string
}

// ActiveOrderStatuses lists the kitchen facing statuses returned by ListActive.
var ActiveOrderStatuses = []domain.OrderStatus{
	domain.OrderStatusReceived,
	domain.OrderStatusInPreparation,
	domain.OrderStatusReady,
}
