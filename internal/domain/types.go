package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusCreated indicates pricing succeeded but the order has not been persisted yet.
	OrderStatusCreated OrderStatus = "CREATED"
	// OrderStatusAwaitingPayment indicates the order is persisted and waiting for the gateway charge.
	OrderStatusAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	// OrderStatusReceived indicates payment was confirmed and the kitchen can pick the order up.
	OrderStatusReceived OrderStatus = "RECEIVED"
	// OrderStatusInPreparation indicates the kitchen is preparing the order.
	OrderStatusInPreparation OrderStatus = "IN_PREPARATION"
	// OrderStatusReady indicates the order is ready for pickup.
	OrderStatusReady OrderStatus = "READY"
	// OrderStatusCompleted indicates the order was handed over to the client.
	OrderStatusCompleted OrderStatus = "COMPLETED"
	// OrderStatusCanceled indicates the order has been canceled.
	OrderStatusCanceled OrderStatus = "CANCELED"
)

// Order captures the aggregate root persisted by the order store.
type Order struct {
	ID               string
	ClientID         *string
	Status           OrderStatus
	Items            []OrderLineItem
	Value            decimal.Decimal
	PaymentReference *string
	PaymentID        *string
	Notes            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PaidAt           *time.Time
	CompletedAt      *time.Time
	CanceledAt       *time.Time
	CancelReason     *string
}

// HasPaymentReference reports whether the order is linked to a gateway artifact.
func (o Order) HasPaymentReference() bool {
	return o.PaymentReference != nil && *o.PaymentReference != ""
}

// OrderLineItem snapshots the product name and price at the time the order was placed.
type OrderLineItem struct {
	ProductID string
	Name      string
	Category  string
	Quantity  int
	UnitPrice decimal.Decimal
	Note      string
}

// LineTotal returns unit price multiplied by quantity.
func (i OrderLineItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Product is a catalog entry that orders borrow a price snapshot from.
type Product struct {
	ID          string
	Name        string
	Description string
	Category    string
	UnitPrice   decimal.Decimal
	Quantity    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ClientStatus describes whether a client can place orders.
type ClientStatus string

const (
	// ClientStatusActive marks a client that can place orders.
	ClientStatusActive ClientStatus = "ACTIVE"
	// ClientStatusInactive marks a client that was deactivated.
	ClientStatusInactive ClientStatus = "INACTIVE"
)

// Client identifies a customer that can be attached to orders.
type Client struct {
	ID        string
	CPF       string
	Name      string
	Email     string
	Status    ClientStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentStatus enumerates the reconciliation states of a gateway charge.
type PaymentStatus string

const (
	// PaymentStatusAwaiting indicates the charge was created and no final status was received yet.
	PaymentStatusAwaiting PaymentStatus = "AWAITING"
	// PaymentStatusPaid indicates the gateway confirmed the charge.
	PaymentStatusPaid PaymentStatus = "PAID"
	// PaymentStatusFailed indicates the gateway rejected the charge.
	PaymentStatusFailed PaymentStatus = "FAILED"
	// PaymentStatusExpired indicates the charge artifact expired before being paid.
	PaymentStatusExpired PaymentStatus = "EXPIRED"
)

// Payment records one charge attempt against the payment gateway.
type Payment struct {
	ID                string
	OrderID           string
	Provider          string
	Amount            decimal.Decimal
	Status            PaymentStatus
	ExternalReference string
	QRPayload         string
	Artifact          string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PaidAt            *time.Time
}

// PaymentDiscrepancy records a gateway update that could not be applied to its order.
type PaymentDiscrepancy struct {
	ID            string
	PaymentID     string
	OrderID       string
	OrderStatus   OrderStatus
	PaymentStatus PaymentStatus
	Reason        string
	CreatedAt     time.Time
}

// OrderStatusEvent is published whenever an order changes status.
type OrderStatusEvent struct {
	OrderID    string      `json:"orderId"`
	PaymentID  string      `json:"paymentId,omitempty"`
	From       OrderStatus `json:"from"`
	To         OrderStatus `json:"to"`
	Source     string      `json:"source"`
	OccurredAt time.Time   `json:"occurredAt"`
}

const (
	// HealthStatusOK indicates a dependency responded as expected.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates a dependency responded with an error but remains reachable.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a dependency check failed.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency check.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints. Ready is false only
// when a critical dependency failed; a degraded optional one keeps the instance in rotation.
type SystemHealthReport struct {
	Status      string
	Ready       bool
	Checks      map[string]SystemHealthCheck
	Components  map[string]string
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
