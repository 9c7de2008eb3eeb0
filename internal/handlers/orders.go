package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fastfood-order/api/internal/platform/auth"
	"github.com/fastfood-order/api/internal/platform/httpx"
	"github.com/fastfood-order/api/internal/platform/locks"
	"github.com/fastfood-order/api/internal/services"
)

const (
	maxOrderBodySize       = 32 * 1024
	maxOrderStatusBodySize = 4 * 1024
)

type createOrderRequest struct {
	ID       string                   `json:"id"`
	ClientID string                   `json:"client_id"`
	Items    []createOrderItemRequest `json:"items"`
	Notes    string                   `json:"notes"`
}

type createOrderItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Note      string `json:"note"`
}

type updateOrderRequest struct {
	ClientID *string `json:"client_id"`
	Notes    *string `json:"notes"`
}

type orderStatusRequest struct {
	Status         string  `json:"status"`
	ExpectedStatus *string `json:"expected_status"`
	Reason         string  `json:"reason"`
}

// OrderHandlers exposes the order CRUD endpoints and the lifecycle transition endpoint.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
	writes func(http.Handler) http.Handler
}

// OrderHandlerOption customises order handlers.
type OrderHandlerOption func(*OrderHandlers)

// WithOrderCreateMiddleware wraps POST /order, typically with the idempotency middleware.
func WithOrderCreateMiddleware(mw func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.writes = mw
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /order endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	create := http.Handler(http.HandlerFunc(h.createOrder))
	if h.writes != nil {
		create = h.writes(create)
	}
	r.Method(http.MethodPost, "/", create)
	r.Get("/", h.listOrders)
	r.Get("/status/active", h.listActiveOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Put("/{orderID}", h.updateOrder)
	r.With(h.authn.RequireStaff(auth.RoleManager)).Delete("/{orderID}", h.deleteOrder)
	r.With(h.authn.RequireStaff(auth.RoleKitchen, auth.RoleAttendant)).Patch("/{orderID}/status", h.transitionStatus)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order_service_unavailable", "order service")
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}

	cmd := services.CreateOrderCommand{
		ID:       strings.TrimSpace(req.ID),
		ClientID: strings.TrimSpace(req.ClientID),
		Notes:    req.Notes,
		Items:    make([]services.LineItemRequest, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.LineItemRequest{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
			Note:      item.Note,
		})
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/order/"+order.ID)
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order_service_unavailable", "order service")
		return
	}

	query := r.URL.Query()
	filter := services.OrderListFilter{ClientID: strings.TrimSpace(query.Get("client_id"))}
	for _, raw := range parseFilterValues(query["status"]) {
		status, err := services.ParseOrderStatus(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
			return
		}
		filter.Status = append(filter.Status, status)
	}

	orders, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderList(orders))
}

func (h *OrderHandlers) listActiveOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order_service_unavailable", "order service")
		return
	}
	orders, err := h.orders.ListActive(ctx)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderList(orders))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order_service_unavailable", "order service")
		return
	}

	order, err := h.orders.GetOrder(ctx, pathParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order_service_unavailable", "order service")
		return
	}

	var req updateOrderRequest
	if !decodeJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}

	order, err := h.orders.UpdateOrder(ctx, services.UpdateOrderCommand{
		OrderID:  pathParam(r, "orderID"),
		ClientID: req.ClientID,
		Notes:    req.Notes,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order_service_unavailable", "order service")
		return
	}
	if err := h.orders.DeleteOrder(ctx, pathParam(r, "orderID")); err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrderHandlers) transitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order_service_unavailable", "order service")
		return
	}

	var req orderStatusRequest
	if !decodeJSONBody(w, r, maxOrderStatusBodySize, &req) {
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	source := services.OrderEventSourceAPI
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		source = services.OrderEventSourceAPI + ":" + identity.Actor()
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:        pathParam(r, "orderID"),
		TargetStatus:   req.Status,
		ExpectedStatus: req.ExpectedStatus,
		Reason:         req.Reason,
		Source:         source,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type orderListResponse struct {
	Items []orderPayload `json:"items"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID               string             `json:"id"`
	ClientID         string             `json:"client_id,omitempty"`
	Status           string             `json:"status"`
	Value            string             `json:"value"`
	Items            []orderItemPayload `json:"items"`
	Notes            string             `json:"notes,omitempty"`
	PaymentID        string             `json:"payment_id,omitempty"`
	PaymentReference string             `json:"payment_reference,omitempty"`
	CreatedAt        string             `json:"created_at"`
	UpdatedAt        string             `json:"updated_at,omitempty"`
	PaidAt           string             `json:"paid_at,omitempty"`
	CompletedAt      string             `json:"completed_at,omitempty"`
	CanceledAt       string             `json:"canceled_at,omitempty"`
	CancelReason     *string            `json:"cancel_reason,omitempty"`
}

type orderItemPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Category  string `json:"category,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Total     string `json:"total"`
	Note      string `json:"note,omitempty"`
}

func buildOrderList(orders []services.Order) orderListResponse {
	items := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		items = append(items, buildOrderPayload(order))
	}
	return orderListResponse{Items: items}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:               strings.TrimSpace(order.ID),
		ClientID:         stringValue(order.ClientID),
		Status:           string(order.Status),
		Value:            order.Value.StringFixed(2),
		Items:            make([]orderItemPayload, 0, len(order.Items)),
		Notes:            order.Notes,
		PaymentID:        stringValue(order.PaymentID),
		PaymentReference: stringValue(order.PaymentReference),
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),
		PaidAt:           formatTime(pointerTime(order.PaidAt)),
		CompletedAt:      formatTime(pointerTime(order.CompletedAt)),
		CanceledAt:       formatTime(pointerTime(order.CanceledAt)),
		CancelReason:     cloneStringPointer(order.CancelReason),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			Category:  item.Category,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
			Total:     item.LineTotal().StringFixed(2),
			Note:      item.Note,
		})
	}
	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderAlreadyExists):
		httpx.WriteError(ctx, w, httpx.NewError("order_already_exists", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrClientNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("client_not_found", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrEmptyOrder),
		errors.Is(err, services.ErrInvalidQuantity),
		errors.Is(err, services.ErrInvalidStatusValue),
		errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, locks.ErrLockTimeout):
		httpx.WriteError(ctx, w, httpx.NewError("order_busy", "order is being updated, retry shortly", http.StatusServiceUnavailable).
			WithRetryAfter(time.Second))
	default:
		writeRepositoryFailure(ctx, w, err, "order_error")
	}
}
