package payments

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a gateway.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrChargeNotFound is returned when the gateway does not know the requested charge.
	ErrChargeNotFound = errors.New("payments: charge not found")
)

// Credential is the opaque access token obtained from a gateway before a charge is requested.
type Credential struct {
	AccessToken string
	TokenType   string
	AccountID   string
	ExpiresAt   time.Time
}

// Authorization renders the credential as an HTTP Authorization header value.
func (c Credential) Authorization() string {
	if c.TokenType == "" {
		return "Bearer " + c.AccessToken
	}
	return c.TokenType + " " + c.AccessToken
}

// ChargeItem describes one priced line forwarded to the gateway for display on the payer side.
type ChargeItem struct {
	SKU       string
	Name      string
	Category  string
	Quantity  int
	UnitPrice decimal.Decimal
}

// ChargeRequest carries the data required to create a QR charge.
type ChargeRequest struct {
	// Reference is echoed back by the gateway on status lookups and correlates the charge
	// with the local payment record.
	Reference      string
	OrderID        string
	Title          string
	Amount         decimal.Decimal
	Items          []ChargeItem
	IdempotencyKey string
}

// Charge is the gateway side artifact created for an order.
type Charge struct {
	Provider          string
	ExternalReference string
	QRPayload         string
	ExpiresAt         *time.Time
}

// ChargeLookup addresses a charge either by the resource a notification points to or by the
// external reference stored on the payment.
type ChargeLookup struct {
	Resource          string
	ExternalReference string
}

// ChargeStatus is the authoritative state reported by the gateway. Status keeps the gateway
// vocabulary; callers normalise it.
type ChargeStatus struct {
	ID                string
	ExternalReference string
	Status            string
}

// Gateway abstracts a QR payment provider.
type Gateway interface {
	Name() string
	Authenticate(ctx context.Context) (Credential, error)
	CreateCharge(ctx context.Context, credential Credential, req ChargeRequest) (Charge, error)
	GetChargeStatus(ctx context.Context, credential Credential, lookup ChargeLookup) (ChargeStatus, error)
	// ParseNotification maps an inbound notification onto a charge lookup. It reports false
	// for topics the gateway does not emit for charges.
	ParseNotification(topic, resource string) (ChargeLookup, bool)
}

// QREncoder renders a QR payload into a displayable artifact.
type QREncoder interface {
	Encode(payload string) (string, error)
}

// Logger matches the structured logging adapter used across the service.
type Logger func(ctx context.Context, event string, fields map[string]any)

func noopLogger(context.Context, string, map[string]any) {}

func decimalFromInt(v int) decimal.Decimal {
	return decimal.NewFromInt(int64(v))
}
