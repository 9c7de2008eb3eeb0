package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeName is the provider key used for Stripe Checkout charges.
const StripeName = "stripe"

var stripeTopics = map[string]bool{
	"checkout.session.completed":               true,
	"checkout.session.expired":                 true,
	"checkout.session.async_payment_succeeded": true,
	"checkout.session.async_payment_failed":    true,
}

var hundred = decimal.NewFromInt(100)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeGatewayConfig configures the Stripe Checkout gateway.
type StripeGatewayConfig struct {
	APIKey     string
	AccountID  string
	Currency   string
	SuccessURL string
	CancelURL  string
	Backends   *stripe.Backends
	Logger     Logger
	Clock      func() time.Time

	sessions stripeSessionAPI
}

// StripeGateway renders Stripe Checkout session URLs as QR payloads.
type StripeGateway struct {
	sessions   stripeSessionAPI
	account    string
	currency   string
	successURL string
	cancelURL  string
	clock      func() time.Time
	logger     Logger
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway constructs a Stripe backed Gateway.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.sessions == nil {
		return nil, errors.New("stripe: api key is required")
	}
	if strings.TrimSpace(cfg.SuccessURL) == "" {
		return nil, errors.New("stripe: success url is required")
	}

	sessions := cfg.sessions
	if sessions == nil {
		sc := client.New(apiKey, cfg.Backends)
		sessions = sc.CheckoutSessions
	}

	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "brl"
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &StripeGateway{
		sessions:   sessions,
		account:    strings.TrimSpace(cfg.AccountID),
		currency:   currency,
		successURL: strings.TrimSpace(cfg.SuccessURL),
		cancelURL:  strings.TrimSpace(cfg.CancelURL),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Name implements Gateway.
func (g *StripeGateway) Name() string { return StripeName }

// Authenticate is a no-op: the API key is attached by the Stripe client.
func (g *StripeGateway) Authenticate(context.Context) (Credential, error) {
	if g == nil || g.sessions == nil {
		return Credential{}, errors.New("stripe: gateway is not configured")
	}
	return Credential{TokenType: "Bearer", AccountID: g.account}, nil
}

// CreateCharge creates a Checkout session and returns its hosted URL as the QR payload.
func (g *StripeGateway) CreateCharge(ctx context.Context, _ Credential, req ChargeRequest) (Charge, error) {
	if g == nil {
		return Charge{}, errors.New("stripe: gateway is nil")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(g.successURL),
		ClientReferenceID: stripe.String(req.Reference),
		Metadata: map[string]string{
			"order_id":          req.OrderID,
			"payment_reference": req.Reference,
		},
	}
	if g.cancelURL != "" {
		params.CancelURL = stripe.String(g.cancelURL)
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		line := &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(int64(max(item.Quantity, 1))),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(g.currency),
				UnitAmount: stripe.Int64(minorUnits(item.UnitPrice)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		}
		if item.SKU != "" {
			line.PriceData.ProductData.Metadata = map[string]string{"sku": item.SKU}
		}
		lineItems = append(lineItems, line)
	}
	if len(lineItems) == 0 {
		title := req.Title
		if title == "" {
			title = "Order"
		}
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(g.currency),
				UnitAmount: stripe.Int64(minorUnits(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(title),
				},
			},
		})
	}
	params.LineItems = lineItems

	session, err := g.sessions.New(params)
	if err != nil {
		return Charge{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	if session.URL == "" {
		return Charge{}, errors.New("stripe: checkout session has no url")
	}

	g.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"orderId":   req.OrderID,
	})

	charge := Charge{
		Provider:          StripeName,
		ExternalReference: session.ID,
		QRPayload:         session.URL,
	}
	if session.ExpiresAt != 0 {
		expiresAt := time.Unix(session.ExpiresAt, 0).UTC()
		charge.ExpiresAt = &expiresAt
	}
	return charge, nil
}

// GetChargeStatus retrieves the Checkout session. Expired sessions report "expired", all other
// sessions report their payment status.
func (g *StripeGateway) GetChargeStatus(ctx context.Context, _ Credential, lookup ChargeLookup) (ChargeStatus, error) {
	if g == nil {
		return ChargeStatus{}, errors.New("stripe: gateway is nil")
	}
	id := strings.TrimSpace(lookup.Resource)
	if id == "" {
		id = strings.TrimSpace(lookup.ExternalReference)
	}
	if id == "" {
		return ChargeStatus{}, errors.New("stripe: session id is required")
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	session, err := g.sessions.Get(id, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			return ChargeStatus{}, ErrChargeNotFound
		}
		return ChargeStatus{}, fmt.Errorf("stripe: get checkout session: %w", err)
	}

	status := string(session.PaymentStatus)
	if session.Status == stripe.CheckoutSessionStatusExpired {
		status = string(stripe.CheckoutSessionStatusExpired)
	}
	return ChargeStatus{
		ID:                session.ID,
		ExternalReference: session.ID,
		Status:            status,
	}, nil
}

// ParseNotification accepts checkout session events whose resource is the session id.
func (g *StripeGateway) ParseNotification(topic, resource string) (ChargeLookup, bool) {
	if !stripeTopics[strings.TrimSpace(topic)] {
		return ChargeLookup{}, false
	}
	resource = strings.TrimSpace(resource)
	if !strings.HasPrefix(resource, "cs_") {
		return ChargeLookup{}, false
	}
	return ChargeLookup{Resource: resource}, true
}

func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}
