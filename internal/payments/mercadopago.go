package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	// MercadoPagoName is the provider key used for MercadoPago charges.
	MercadoPagoName = "mercadopago"

	mercadoPagoDefaultBaseURL = "https://api.mercadopago.com"
	mercadoPagoTopicOrder     = "merchant_order"
	mercadoPagoMaxBody        = 1 << 20
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// MercadoPagoConfig configures the MercadoPago QR gateway.
type MercadoPagoConfig struct {
	BaseURL         string
	ClientID        string
	ClientSecret    string
	ExternalPOSID   string
	NotificationURL string
	ChargeTTL       time.Duration
	HTTPClient      HTTPDoer
	Clock           func() time.Time
	Logger          Logger
}

// MercadoPagoGateway creates in-store QR orders through the MercadoPago REST API.
type MercadoPagoGateway struct {
	baseURL         *url.URL
	clientID        string
	clientSecret    string
	posID           string
	notificationURL string
	chargeTTL       time.Duration
	http            HTTPDoer
	clock           func() time.Time
	logger          Logger
}

var _ Gateway = (*MercadoPagoGateway)(nil)

// NewMercadoPagoGateway validates configuration and returns a gateway.
func NewMercadoPagoGateway(cfg MercadoPagoConfig) (*MercadoPagoGateway, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("mercadopago: client id and secret are required")
	}
	if strings.TrimSpace(cfg.ExternalPOSID) == "" {
		return nil, errors.New("mercadopago: external pos id is required")
	}
	rawBase := strings.TrimSpace(cfg.BaseURL)
	if rawBase == "" {
		rawBase = mercadoPagoDefaultBaseURL
	}
	base, err := url.Parse(rawBase)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("mercadopago: invalid base url %q", rawBase)
	}

	doer := cfg.HTTPClient
	if doer == nil {
		doer = &http.Client{Timeout: 15 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}
	ttl := cfg.ChargeTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	return &MercadoPagoGateway{
		baseURL:         base,
		clientID:        strings.TrimSpace(cfg.ClientID),
		clientSecret:    strings.TrimSpace(cfg.ClientSecret),
		posID:           strings.TrimSpace(cfg.ExternalPOSID),
		notificationURL: strings.TrimSpace(cfg.NotificationURL),
		chargeTTL:       ttl,
		http:            doer,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Name implements Gateway.
func (g *MercadoPagoGateway) Name() string { return MercadoPagoName }

type mercadoPagoTokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
}

type mercadoPagoTokenResponse struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	ExpiresIn   int64           `json:"expires_in"`
	UserID      json.RawMessage `json:"user_id"`
}

// Authenticate exchanges the client credentials for an access token.
func (g *MercadoPagoGateway) Authenticate(ctx context.Context) (Credential, error) {
	var resp mercadoPagoTokenResponse
	err := g.do(ctx, http.MethodPost, "/oauth/token", nil, mercadoPagoTokenRequest{
		ClientID:     g.clientID,
		ClientSecret: g.clientSecret,
		GrantType:    "client_credentials",
	}, &resp)
	if err != nil {
		return Credential{}, fmt.Errorf("mercadopago: fetch token: %w", err)
	}
	if resp.AccessToken == "" {
		return Credential{}, errors.New("mercadopago: fetch token: empty access token")
	}
	accountID := strings.Trim(string(resp.UserID), `"`)
	if accountID == "" || accountID == "null" {
		return Credential{}, errors.New("mercadopago: fetch token: missing user id")
	}

	cred := Credential{
		AccessToken: resp.AccessToken,
		TokenType:   strings.TrimSpace(resp.TokenType),
		AccountID:   accountID,
	}
	if resp.ExpiresIn > 0 {
		cred.ExpiresAt = g.clock().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return cred, nil
}

type mercadoPagoQRItem struct {
	SKUNumber   string      `json:"sku_number,omitempty"`
	Category    string      `json:"category,omitempty"`
	Title       string      `json:"title"`
	UnitPrice   json.Number `json:"unit_price"`
	Quantity    int         `json:"quantity"`
	UnitMeasure string      `json:"unit_measure"`
	TotalAmount json.Number `json:"total_amount"`
}

type mercadoPagoQRRequest struct {
	ExternalReference string              `json:"external_reference"`
	Title             string              `json:"title"`
	Description       string              `json:"description"`
	NotificationURL   string              `json:"notification_url,omitempty"`
	ExpirationDate    string              `json:"expiration_date,omitempty"`
	TotalAmount       json.Number         `json:"total_amount"`
	Items             []mercadoPagoQRItem `json:"items"`
}

type mercadoPagoQRResponse struct {
	InStoreOrderID string `json:"in_store_order_id"`
	QRData         string `json:"qr_data"`
}

// CreateCharge registers a dynamic QR order on the configured point of sale.
func (g *MercadoPagoGateway) CreateCharge(ctx context.Context, credential Credential, req ChargeRequest) (Charge, error) {
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return Charge{}, errors.New("mercadopago: charge reference is required")
	}
	if credential.AccountID == "" {
		return Charge{}, errors.New("mercadopago: credential has no account id")
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Order " + req.OrderID
	}
	expiresAt := g.clock().Add(g.chargeTTL)

	body := mercadoPagoQRRequest{
		ExternalReference: reference,
		Title:             title,
		Description:       title,
		NotificationURL:   g.notificationURL,
		ExpirationDate:    expiresAt.Format("2006-01-02T15:04:05.000Z07:00"),
		TotalAmount:       json.Number(req.Amount.StringFixed(2)),
		Items:             make([]mercadoPagoQRItem, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		body.Items = append(body.Items, mercadoPagoQRItem{
			SKUNumber:   item.SKU,
			Category:    item.Category,
			Title:       item.Name,
			UnitPrice:   json.Number(item.UnitPrice.StringFixed(2)),
			Quantity:    item.Quantity,
			UnitMeasure: "unit",
			TotalAmount: json.Number(item.UnitPrice.Mul(decimalFromInt(item.Quantity)).StringFixed(2)),
		})
	}

	endpoint := path.Join("/instore/orders/qr/seller/collectors", credential.AccountID, "pos", g.posID, "qrs")
	headers := http.Header{}
	headers.Set("Authorization", credential.Authorization())
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers.Set("X-Idempotency-Key", key)
	}

	var resp mercadoPagoQRResponse
	if err := g.do(ctx, http.MethodPost, endpoint, headers, body, &resp); err != nil {
		return Charge{}, fmt.Errorf("mercadopago: create qr order: %w", err)
	}
	if resp.QRData == "" {
		return Charge{}, errors.New("mercadopago: create qr order: empty qr data")
	}

	g.logger(ctx, "payments.mercadopago.qr.created", map[string]any{
		"reference":      reference,
		"inStoreOrderId": resp.InStoreOrderID,
		"orderId":        req.OrderID,
	})

	return Charge{
		Provider:          MercadoPagoName,
		ExternalReference: reference,
		QRPayload:         resp.QRData,
		ExpiresAt:         &expiresAt,
	}, nil
}

type mercadoPagoMerchantOrder struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	OrderStatus       string      `json:"order_status"`
	ExternalReference string      `json:"external_reference"`
}

type mercadoPagoMerchantOrderSearch struct {
	Elements []mercadoPagoMerchantOrder `json:"elements"`
}

// GetChargeStatus fetches the merchant order behind a notification resource or, when only the
// external reference is known, searches for it.
func (g *MercadoPagoGateway) GetChargeStatus(ctx context.Context, credential Credential, lookup ChargeLookup) (ChargeStatus, error) {
	headers := http.Header{}
	headers.Set("Authorization", credential.Authorization())

	var order mercadoPagoMerchantOrder
	switch {
	case strings.TrimSpace(lookup.Resource) != "":
		id := merchantOrderID(lookup.Resource)
		if id == "" {
			return ChargeStatus{}, fmt.Errorf("mercadopago: unrecognised resource %q", lookup.Resource)
		}
		if err := g.do(ctx, http.MethodGet, path.Join("/merchant_orders", id), headers, nil, &order); err != nil {
			return ChargeStatus{}, fmt.Errorf("mercadopago: get merchant order: %w", err)
		}
	case strings.TrimSpace(lookup.ExternalReference) != "":
		query := url.Values{"external_reference": []string{strings.TrimSpace(lookup.ExternalReference)}}
		var result mercadoPagoMerchantOrderSearch
		if err := g.do(ctx, http.MethodGet, "/merchant_orders/search?"+query.Encode(), headers, nil, &result); err != nil {
			return ChargeStatus{}, fmt.Errorf("mercadopago: search merchant orders: %w", err)
		}
		if len(result.Elements) == 0 {
			return ChargeStatus{}, ErrChargeNotFound
		}
		order = result.Elements[len(result.Elements)-1]
	default:
		return ChargeStatus{}, errors.New("mercadopago: resource or external reference is required")
	}

	return ChargeStatus{
		ID:                order.ID.String(),
		ExternalReference: order.ExternalReference,
		Status:            order.effectiveStatus(),
	}, nil
}

// effectiveStatus prefers order_status, which tracks payment progress, except once the order
// itself has expired: order_status can still read payment_required then.
func (o mercadoPagoMerchantOrder) effectiveStatus() string {
	if strings.EqualFold(strings.TrimSpace(o.Status), "expired") || o.OrderStatus == "" {
		return o.Status
	}
	return o.OrderStatus
}

// ParseNotification accepts merchant order notifications only.
func (g *MercadoPagoGateway) ParseNotification(topic, resource string) (ChargeLookup, bool) {
	if strings.TrimSpace(topic) != mercadoPagoTopicOrder {
		return ChargeLookup{}, false
	}
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return ChargeLookup{}, false
	}
	return ChargeLookup{Resource: resource}, true
}

// merchantOrderID accepts either a bare id or a resource URL ending in the id.
func merchantOrderID(resource string) string {
	resource = strings.TrimSpace(resource)
	if u, err := url.Parse(resource); err == nil && u.Path != "" {
		resource = u.Path
	}
	resource = strings.TrimRight(resource, "/")
	if idx := strings.LastIndex(resource, "/"); idx >= 0 {
		resource = resource[idx+1:]
	}
	for _, r := range resource {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return resource
}

// HTTPStatusError reports a non-2xx response from a gateway.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (g *MercadoPagoGateway) do(ctx context.Context, method, endpoint string, headers http.Header, payload any, out any) error {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	target := g.baseURL.ResolveReference(ref)

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return err
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, mercadoPagoMaxBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrChargeNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
