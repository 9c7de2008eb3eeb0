package services

import (
	"context"
	"time"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/payments"
	"github.com/fastfood-order/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderLineItem      = domain.OrderLineItem
	LineItemRequest    = domain.LineItemRequest
	PricingResult      = domain.PricingResult
	Product            = domain.Product
	Client             = domain.Client
	Payment            = domain.Payment
	PaymentStatus      = domain.PaymentStatus
	PaymentDiscrepancy = domain.PaymentDiscrepancy
	OrderStatusEvent   = domain.OrderStatusEvent
	SystemHealthReport = domain.SystemHealthReport
)

// PricingEngine resolves requested lines against the catalog and computes the order total.
type PricingEngine interface {
	Price(ctx context.Context, items []LineItemRequest) (PricingResult, error)
}

// ProductCatalog is the lookup the pricing engine depends on.
type ProductCatalog interface {
	FindProduct(ctx context.Context, productID string) (Product, error)
}

// OrderService exposes order CRUD and the lifecycle state machine.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) ([]Order, error)
	UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (Order, error)
	DeleteOrder(ctx context.Context, orderID string) error
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	ListActive(ctx context.Context) ([]Order, error)
}

// PaymentService requests gateway charges for orders awaiting payment.
type PaymentService interface {
	RequestPayment(ctx context.Context, cmd RequestPaymentCommand) (PaymentHandle, error)
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
}

// PaymentReconciliationService applies authoritative gateway state to payments and orders.
type PaymentReconciliationService interface {
	HandleNotification(ctx context.Context, notification PaymentNotification) (ReconciliationResult, error)
	ReconcilePending(ctx context.Context, cmd ReconcilePendingCommand) (ReconcileSummary, error)
}

// CatalogService manages products and serves as the pricing catalog.
type CatalogService interface {
	ProductCatalog
	CreateProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error)
	GetProduct(ctx context.Context, productID string) (Product, error)
	ListProducts(ctx context.Context, filter ProductListFilter) ([]Product, error)
	UpdateProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error)
	DeleteProduct(ctx context.Context, productID string) error
}

// ClientService manages customer records.
type ClientService interface {
	CreateClient(ctx context.Context, cmd UpsertClientCommand) (Client, error)
	GetClient(ctx context.Context, clientID string) (Client, error)
	FindClientByEmail(ctx context.Context, email string) (Client, error)
	ListClients(ctx context.Context) ([]Client, error)
	UpdateClient(ctx context.Context, cmd UpsertClientCommand) (Client, error)
	DeleteClient(ctx context.Context, clientID string) error
}

// SystemService exposes health diagnostics.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderLocker serialises status writes per order.
type OrderLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// OrderEventPublisher publishes order status changes for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderStatusEvent) error
}

// GatewayResolver selects the payment gateway for a provider key. *payments.Manager satisfies it.
type GatewayResolver interface {
	Resolve(provider string) (payments.Gateway, error)
}

// ArtifactArchiver stores rendered QR artifacts and returns a retrievable location.
type ArtifactArchiver interface {
	ArchiveQR(ctx context.Context, paymentID string, artifact string) (string, error)
}

// PaymentFailurePolicy decides whether a failed or expired payment cancels its order.
type PaymentFailurePolicy interface {
	CancelOnFailure(order Order, payment Payment) bool
}

// PaymentFailurePolicyFunc adapts a function to PaymentFailurePolicy.
type PaymentFailurePolicyFunc func(order Order, payment Payment) bool

// CancelOnFailure implements PaymentFailurePolicy.
func (f PaymentFailurePolicyFunc) CancelOnFailure(order Order, payment Payment) bool {
	return f(order, payment)
}

// Order commands ------------------------------------------------------------

// CreateOrderCommand carries a client supplied order. ID is optional.
type CreateOrderCommand struct {
	ID       string
	ClientID string
	Items    []LineItemRequest
	Notes    string
}

// UpdateOrderCommand changes the mutable fields of an order. Items and value are immutable.
type UpdateOrderCommand struct {
	OrderID  string
	ClientID *string
	Notes    *string
}

// OrderStatusTransitionCommand requests a lifecycle transition.
type OrderStatusTransitionCommand struct {
	OrderID        string
	TargetStatus   string
	ExpectedStatus *string
	Reason         string
	Source         string
	PaymentID      string
}

// OrderListFilter narrows order listings.
type OrderListFilter = repositories.OrderListFilter

// Payment commands ----------------------------------------------------------

// RequestPaymentCommand asks for a gateway charge for an order.
type RequestPaymentCommand struct {
	OrderID        string
	Provider       string
	IdempotencyKey string
}

// PaymentHandle is returned to the caller after a charge was created.
type PaymentHandle struct {
	Payment   Payment
	Order     Order
	Artifact  string
	ExpiresAt *time.Time
}

// PaymentNotification is an inbound gateway notification.
type PaymentNotification struct {
	Provider string
	Topic    string
	Resource string
}

// ReconciliationOutcome summarises what a notification did.
type ReconciliationOutcome string

const (
	// ReconciliationIgnored means the notification topic is not handled.
	ReconciliationIgnored ReconciliationOutcome = "ignored"
	// ReconciliationUnchanged means the payment already had the reported status.
	ReconciliationUnchanged ReconciliationOutcome = "unchanged"
	// ReconciliationApplied means the payment (and possibly its order) changed.
	ReconciliationApplied ReconciliationOutcome = "applied"
	// ReconciliationDiscrepancy means the payment changed but its order could not follow.
	ReconciliationDiscrepancy ReconciliationOutcome = "discrepancy"
)

// ReconciliationResult reports the effect of a notification.
type ReconciliationResult struct {
	Outcome       ReconciliationOutcome
	PaymentID     string
	OrderID       string
	PaymentStatus PaymentStatus
	OrderStatus   OrderStatus
}

// ReconcilePendingCommand configures a sweep over awaiting payments.
type ReconcilePendingCommand struct {
	Limit int
}

// ReconcileSummary reports the result of a sweep.
type ReconcileSummary struct {
	Checked     int
	Applied     int
	Unchanged   int
	Relinked    int
	Discrepancy int
	Failed      int
}

// Catalog commands ----------------------------------------------------------

// UpsertProductCommand creates or partially updates a product. Nil fields are left untouched on update.
type UpsertProductCommand struct {
	ProductID   string
	Name        *string
	Description *string
	Category    *string
	UnitPrice   *string
	Quantity    *int
}

// ProductListFilter narrows product listings.
type ProductListFilter = repositories.ProductListFilter

// Client commands -----------------------------------------------------------

// UpsertClientCommand creates or partially updates a client.
type UpsertClientCommand struct {
	ClientID string
	CPF      *string
	Name     *string
	Email    *string
	Status   *string
}
