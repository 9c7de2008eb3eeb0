package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fastfood-order/api/internal/platform/httpx"
	"github.com/fastfood-order/api/internal/platform/locks"
	"github.com/fastfood-order/api/internal/platform/requestctx"
	"github.com/fastfood-order/api/internal/services"
)

const (
	maxPaymentBodySize = 4 * 1024
	maxWebhookBodySize = 64 * 1024

	gatewayAuthRetryAfter    = 30 * time.Second
	gatewayRequestRetryAfter = 5 * time.Second
)

// PaymentMetrics records payment request and notification outcomes. *observability.Metrics satisfies it.
type PaymentMetrics interface {
	ObservePaymentRequest(provider, outcome string)
	ObserveNotification(provider, outcome string)
}

type createPaymentRequest struct {
	OrderID  string `json:"order_id"`
	Provider string `json:"provider"`
}

// PaymentHandlers exposes payment creation, retrieval and the gateway webhook.
type PaymentHandlers struct {
	payments        services.PaymentService
	reconciler      services.PaymentReconciliationService
	metrics         PaymentMetrics
	limiter         rateLimiter
	defaultProvider string

	createMiddleware  func(http.Handler) http.Handler
	webhookMiddleware func(http.Handler) http.Handler
}

// PaymentHandlerOption customises payment handlers.
type PaymentHandlerOption func(*PaymentHandlers)

// WithPaymentMetrics records payment outcomes.
func WithPaymentMetrics(metrics PaymentMetrics) PaymentHandlerOption {
	return func(h *PaymentHandlers) {
		h.metrics = metrics
	}
}

// WithPaymentCreateMiddleware wraps POST /payment, typically with the idempotency middleware.
func WithPaymentCreateMiddleware(mw func(http.Handler) http.Handler) PaymentHandlerOption {
	return func(h *PaymentHandlers) {
		h.createMiddleware = mw
	}
}

// WithWebhookMiddleware wraps POST /payment/webhook, typically with signature verification.
func WithWebhookMiddleware(mw func(http.Handler) http.Handler) PaymentHandlerOption {
	return func(h *PaymentHandlers) {
		h.webhookMiddleware = mw
	}
}

// WithWebhookRateLimit caps webhook deliveries per provider and minute. Zero disables the limit.
func WithWebhookRateLimit(perMinute int, clock func() time.Time) PaymentHandlerOption {
	return func(h *PaymentHandlers) {
		h.limiter = newKeyedLimiter(perMinute, time.Minute, clock)
	}
}

// WithDefaultPaymentProvider sets the provider assumed when a request or webhook names none.
func WithDefaultPaymentProvider(provider string) PaymentHandlerOption {
	return func(h *PaymentHandlers) {
		h.defaultProvider = strings.ToLower(strings.TrimSpace(provider))
	}
}

// NewPaymentHandlers constructs payment handlers.
func NewPaymentHandlers(payments services.PaymentService, reconciler services.PaymentReconciliationService, opts ...PaymentHandlerOption) *PaymentHandlers {
	h := &PaymentHandlers{
		payments:   payments,
		reconciler: reconciler,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /payment endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	create := http.Handler(http.HandlerFunc(h.createPayment))
	if h.createMiddleware != nil {
		create = h.createMiddleware(create)
	}
	webhook := http.Handler(http.HandlerFunc(h.handleWebhook))
	if h.webhookMiddleware != nil {
		webhook = h.webhookMiddleware(webhook)
	}
	if h.limiter != nil {
		webhook = h.rateLimit(webhook)
	}

	r.Method(http.MethodPost, "/", create)
	r.Method(http.MethodPost, "/webhook", webhook)
	r.Get("/{paymentID}", h.getPayment)
}

// WebhookProvider resolves the gateway a webhook delivery belongs to.
func (h *PaymentHandlers) WebhookProvider(r *http.Request) string {
	if r == nil {
		return h.defaultProvider
	}
	if provider := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider"))); provider != "" {
		return provider
	}
	return h.defaultProvider
}

func (h *PaymentHandlers) createPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		serviceUnavailable(ctx, w, "payment_service_unavailable", "payment service")
		return
	}

	var req createPaymentRequest
	if !decodeJSONBody(w, r, maxPaymentBodySize, &req) {
		return
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		provider = h.defaultProvider
	}

	handle, err := h.payments.RequestPayment(ctx, services.RequestPaymentCommand{
		OrderID:        strings.TrimSpace(req.OrderID),
		Provider:       provider,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		h.observePaymentRequest(provider, paymentOutcome(err))
		writePaymentError(ctx, w, err)
		return
	}
	h.observePaymentRequest(handle.Payment.Provider, "created")

	w.Header().Set("Location", "/payment/"+handle.Payment.ID)
	httpx.WriteJSON(w, http.StatusCreated, paymentHandleResponse{
		Payment:   buildPaymentPayload(handle.Payment),
		Order:     buildOrderPayload(handle.Order),
		QRCode:    handle.Artifact,
		ExpiresAt: formatTime(pointerTime(handle.ExpiresAt)),
	})
}

func (h *PaymentHandlers) getPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		serviceUnavailable(ctx, w, "payment_service_unavailable", "payment service")
		return
	}
	payment, err := h.payments.GetPayment(ctx, pathParam(r, "paymentID"))
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentResponse{Payment: buildPaymentPayload(payment)})
}

// handleWebhook acknowledges notifications the service cannot act on so the gateway stops
// redelivering them, and asks for redelivery when the failure is transient.
func (h *PaymentHandlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		serviceUnavailable(ctx, w, "reconciliation_unavailable", "payment reconciliation")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read body", http.StatusBadRequest))
		return
	}
	if len(body) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	notification := parseNotification(r, body)
	notification.Provider = h.WebhookProvider(r)
	logger := requestctx.Logger(ctx).With(
		zap.String("provider", notification.Provider),
		zap.String("topic", notification.Topic),
		zap.String("resource", notification.Resource),
	)

	result, err := h.reconciler.HandleNotification(ctx, notification)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownGatewayStatus):
			logger.Warn("webhook: unknown gateway status", zap.Error(err))
			h.observeNotification(notification.Provider, "unknown_status")
			httpx.WriteJSON(w, http.StatusOK, webhookResponse{Outcome: "unknown_status"})
		case errors.Is(err, services.ErrPaymentNotFound):
			logger.Warn("webhook: payment not found", zap.Error(err))
			h.observeNotification(notification.Provider, "payment_not_found")
			httpx.WriteJSON(w, http.StatusOK, webhookResponse{Outcome: "payment_not_found"})
		case errors.Is(err, services.ErrPaymentInvalidInput):
			h.observeNotification(notification.Provider, "invalid")
			httpx.WriteError(ctx, w, httpx.NewError("invalid_notification", err.Error(), http.StatusBadRequest))
		default:
			logger.Error("webhook: reconciliation failed", zap.Error(err))
			h.observeNotification(notification.Provider, "error")
			writePaymentError(ctx, w, err)
		}
		return
	}

	h.observeNotification(notification.Provider, string(result.Outcome))
	if result.Outcome == services.ReconciliationDiscrepancy {
		logger.Warn("webhook: payment could not be applied to order",
			zap.String("paymentId", result.PaymentID),
			zap.String("orderId", result.OrderID),
			zap.String("orderStatus", string(result.OrderStatus)))
	}
	httpx.WriteJSON(w, http.StatusOK, webhookResponse{
		Outcome:       string(result.Outcome),
		PaymentID:     result.PaymentID,
		OrderID:       result.OrderID,
		PaymentStatus: string(result.PaymentStatus),
		OrderStatus:   string(result.OrderStatus),
	})
}

func (h *PaymentHandlers) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow("webhook:" + h.WebhookProvider(r)) {
			httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many webhook deliveries", http.StatusTooManyRequests).
				WithRetryAfter(time.Minute))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *PaymentHandlers) observePaymentRequest(provider, outcome string) {
	if h.metrics != nil {
		h.metrics.ObservePaymentRequest(provider, outcome)
	}
}

func (h *PaymentHandlers) observeNotification(provider, outcome string) {
	if h.metrics != nil {
		h.metrics.ObserveNotification(provider, outcome)
	}
}

// webhookBody covers the MercadoPago IPN, MercadoPago webhook and Stripe event shapes.
type webhookBody struct {
	Topic    string `json:"topic"`
	Type     string `json:"type"`
	Resource string `json:"resource"`
	Data     struct {
		ID     string `json:"id"`
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

func parseNotification(r *http.Request, body []byte) services.PaymentNotification {
	query := r.URL.Query()
	var payload webhookBody
	if len(body) > 0 {
		_ = json.Unmarshal(body, &payload)
	}
	return services.PaymentNotification{
		Topic: firstNonEmpty(query.Get("topic"), query.Get("type"), payload.Topic, payload.Type),
		Resource: firstNonEmpty(
			query.Get("id"),
			query.Get("data.id"),
			payload.Resource,
			payload.Data.ID,
			payload.Data.Object.ID,
		),
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

type paymentResponse struct {
	Payment paymentPayload `json:"payment"`
}

type paymentHandleResponse struct {
	Payment   paymentPayload `json:"payment"`
	Order     orderPayload   `json:"order"`
	QRCode    string         `json:"qr_code"`
	ExpiresAt string         `json:"expires_at,omitempty"`
}

type paymentPayload struct {
	ID                string `json:"id"`
	OrderID           string `json:"order_id"`
	Provider          string `json:"provider"`
	Amount            string `json:"amount"`
	Status            string `json:"status"`
	ExternalReference string `json:"external_reference"`
	QRPayload         string `json:"qr_payload,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at,omitempty"`
	PaidAt            string `json:"paid_at,omitempty"`
}

type webhookResponse struct {
	Outcome       string `json:"outcome"`
	PaymentID     string `json:"payment_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	PaymentStatus string `json:"payment_status,omitempty"`
	OrderStatus   string `json:"order_status,omitempty"`
}

func buildPaymentPayload(payment services.Payment) paymentPayload {
	return paymentPayload{
		ID:                payment.ID,
		OrderID:           payment.OrderID,
		Provider:          payment.Provider,
		Amount:            payment.Amount.StringFixed(2),
		Status:            string(payment.Status),
		ExternalReference: payment.ExternalReference,
		QRPayload:         payment.QRPayload,
		CreatedAt:         formatTime(payment.CreatedAt),
		UpdatedAt:         formatTime(payment.UpdatedAt),
		PaidAt:            formatTime(pointerTime(payment.PaidAt)),
	}
}

func paymentOutcome(err error) string {
	switch {
	case errors.Is(err, services.ErrGatewayAuth):
		return "gateway_auth_error"
	case errors.Is(err, services.ErrGatewayRequest):
		return "gateway_error"
	case errors.Is(err, services.ErrInvalidTransition), errors.Is(err, services.ErrOrderNotFound):
		return "rejected"
	default:
		return "error"
	}
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, services.ErrGatewayAuth):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_auth_failed", "payment gateway rejected our credentials", http.StatusBadGateway).
			WithRetryAfter(gatewayAuthRetryAfter))
	case errors.Is(err, services.ErrGatewayRequest):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment gateway request failed, retry later", http.StatusServiceUnavailable).
			WithRetryAfter(gatewayRequestRetryAfter))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "payment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_payable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentConflict), errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("payment_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, locks.ErrLockTimeout):
		httpx.WriteError(ctx, w, httpx.NewError("order_busy", "order is being updated, retry shortly", http.StatusServiceUnavailable).
			WithRetryAfter(time.Second))
	default:
		writeRepositoryFailure(ctx, w, err, "payment_error")
	}
}
