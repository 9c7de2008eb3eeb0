package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/platform/auth"
	"github.com/fastfood-order/api/internal/platform/locks"
	"github.com/fastfood-order/api/internal/repositories"
	"github.com/fastfood-order/api/internal/services"
)

type stubOrderService struct {
	createFn     func(context.Context, services.CreateOrderCommand) (services.Order, error)
	getFn        func(context.Context, string) (services.Order, error)
	listFn       func(context.Context, services.OrderListFilter) ([]services.Order, error)
	updateFn     func(context.Context, services.UpdateOrderCommand) (services.Order, error)
	deleteFn     func(context.Context, string) error
	transitionFn func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error)
	activeFn     func(context.Context) ([]services.Order, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) ([]services.Order, error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return nil, nil
}

func (s *stubOrderService) UpdateOrder(ctx context.Context, cmd services.UpdateOrderCommand) (services.Order, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) DeleteOrder(ctx context.Context, orderID string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, orderID)
	}
	return errors.New("not implemented")
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListActive(ctx context.Context) ([]services.Order, error) {
	if s.activeFn != nil {
		return s.activeFn(ctx)
	}
	return nil, nil
}

var _ services.OrderService = (*stubOrderService)(nil)

type stubTokenVerifier struct {
	claims map[string]any
}

func (s stubTokenVerifier) VerifyIDToken(_ context.Context, token string) (*firebaseauth.Token, error) {
	if token != "staff-token" {
		return nil, auth.ErrTokenInvalid
	}
	return &firebaseauth.Token{UID: "staff-1", Claims: s.claims}, nil
}

func sampleOrder(id string, status domain.OrderStatus) services.Order {
	created := time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)
	price := decimal.RequireFromString("14.95")
	item := domain.OrderLineItem{ProductID: "burger", Name: "X-Burger", Category: "Lanche", Quantity: 2, UnitPrice: price, Note: "no onion"}
	return services.Order{
		ID:        id,
		Status:    status,
		Items:     []domain.OrderLineItem{item},
		Value:     item.LineTotal(),
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func orderRouter(h *OrderHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/order", h.Routes)
	return router
}

func TestOrderHandlersCreateOrder(t *testing.T) {
	var captured services.CreateOrderCommand
	service := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder("ord_1", domain.OrderStatusAwaitingPayment), nil
		},
	}
	router := orderRouter(NewOrderHandlers(nil, service))

	body := `{"client_id":" cli_1 ","items":[{"product_id":"burger","quantity":2,"note":"no onion"}],"notes":"table 4"}`
	req := httptest.NewRequest(http.MethodPost, "/order", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ClientID != "cli_1" || len(captured.Items) != 1 || captured.Items[0].Quantity != 2 {
		t.Fatalf("unexpected command %+v", captured)
	}
	if loc := rr.Header().Get("Location"); loc != "/order/ord_1" {
		t.Fatalf("expected location header, got %q", loc)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Order.Status != "AWAITING_PAYMENT" || resp.Order.Value != "29.90" {
		t.Fatalf("unexpected order payload %+v", resp.Order)
	}
	if len(resp.Order.Items) != 1 || resp.Order.Items[0].UnitPrice != "14.95" || resp.Order.Items[0].Total != "29.90" {
		t.Fatalf("unexpected items %+v", resp.Order.Items)
	}
}

func TestOrderHandlersCreateOrderErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown product", fmt.Errorf("%w: fries", services.ErrProductNotFound), http.StatusUnprocessableEntity, "product_not_found"},
		{"unknown client", services.ErrClientNotFound, http.StatusUnprocessableEntity, "client_not_found"},
		{"empty order", services.ErrEmptyOrder, http.StatusBadRequest, "invalid_request"},
		{"bad quantity", services.ErrInvalidQuantity, http.StatusBadRequest, "invalid_request"},
		{"duplicate id", services.ErrOrderAlreadyExists, http.StatusConflict, "order_already_exists"},
		{"store down", fmt.Errorf("order: repository unavailable: %w", repositories.NewStoreError("orders.insert", repositories.StoreErrorUnavailable, "down", nil)), http.StatusServiceUnavailable, "service_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubOrderService{
				createFn: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}
			router := orderRouter(NewOrderHandlers(nil, service))
			req := httptest.NewRequest(http.MethodPost, "/order", bytes.NewBufferString(`{"items":[{"product_id":"x","quantity":1}]}`))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			assertErrorCode(t, rr, tc.code)
		})
	}
}

func TestOrderHandlersCreateOrderInvalidJSON(t *testing.T) {
	router := orderRouter(NewOrderHandlers(nil, &stubOrderService{}))
	req := httptest.NewRequest(http.MethodPost, "/order", bytes.NewBufferString(`{"items":`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestOrderHandlersCreateOrderMiddleware(t *testing.T) {
	wrapped := false
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped = true
			next.ServeHTTP(w, r)
		})
	}
	service := &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			return sampleOrder("ord_1", domain.OrderStatusAwaitingPayment), nil
		},
	}
	router := orderRouter(NewOrderHandlers(nil, service, WithOrderCreateMiddleware(mw)))
	req := httptest.NewRequest(http.MethodPost, "/order", bytes.NewBufferString(`{"items":[{"product_id":"burger","quantity":1}]}`))
	router.ServeHTTP(httptest.NewRecorder(), req)

	if !wrapped {
		t.Fatal("expected create middleware to run")
	}
}

func TestOrderHandlersListOrdersParsesFilters(t *testing.T) {
	var captured services.OrderListFilter
	service := &stubOrderService{
		listFn: func(_ context.Context, filter services.OrderListFilter) ([]services.Order, error) {
			captured = filter
			return []services.Order{sampleOrder("ord_1", domain.OrderStatusReceived)}, nil
		},
	}
	router := orderRouter(NewOrderHandlers(nil, service))

	req := httptest.NewRequest(http.MethodGet, "/order?client_id=cli_1&status=received,ready&status=READY", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if captured.ClientID != "cli_1" {
		t.Fatalf("expected client filter, got %q", captured.ClientID)
	}
	if len(captured.Status) != 2 || captured.Status[0] != domain.OrderStatusReceived || captured.Status[1] != domain.OrderStatusReady {
		t.Fatalf("unexpected status filter %v", captured.Status)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != "ord_1" {
		t.Fatalf("unexpected list %+v", resp.Items)
	}
}

func TestOrderHandlersListOrdersRejectsUnknownStatus(t *testing.T) {
	router := orderRouter(NewOrderHandlers(nil, &stubOrderService{}))
	req := httptest.NewRequest(http.MethodGet, "/order?status=shipped", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestOrderHandlersListActive(t *testing.T) {
	service := &stubOrderService{
		activeFn: func(context.Context) ([]services.Order, error) {
			return []services.Order{
				sampleOrder("ord_a", domain.OrderStatusReceived),
				sampleOrder("ord_b", domain.OrderStatusReady),
			}, nil
		},
		getFn: func(context.Context, string) (services.Order, error) {
			t.Fatal("status/active must not be routed to get order")
			return services.Order{}, nil
		},
	}
	router := orderRouter(NewOrderHandlers(nil, service))
	req := httptest.NewRequest(http.MethodGet, "/order/status/active", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rr.Code != http.StatusOK || len(resp.Items) != 2 || resp.Items[0].ID != "ord_a" {
		t.Fatalf("unexpected response %d %+v", rr.Code, resp)
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	service := &stubOrderService{
		getFn: func(_ context.Context, id string) (services.Order, error) {
			if id != "ord_missing" {
				t.Fatalf("unexpected id %q", id)
			}
			return services.Order{}, services.ErrOrderNotFound
		},
	}
	router := orderRouter(NewOrderHandlers(nil, service))
	req := httptest.NewRequest(http.MethodGet, "/order/ord_missing", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "order_not_found")
}

func TestOrderHandlersUpdateOrder(t *testing.T) {
	var captured services.UpdateOrderCommand
	service := &stubOrderService{
		updateFn: func(_ context.Context, cmd services.UpdateOrderCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(cmd.OrderID, domain.OrderStatusAwaitingPayment)
			order.Notes = *cmd.Notes
			return order, nil
		},
	}
	router := orderRouter(NewOrderHandlers(nil, service))
	req := httptest.NewRequest(http.MethodPut, "/order/ord_1", bytes.NewBufferString(`{"notes":"to go"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if captured.OrderID != "ord_1" || captured.ClientID != nil || captured.Notes == nil || *captured.Notes != "to go" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestOrderHandlersDeleteRequiresManager(t *testing.T) {
	deleted := ""
	service := &stubOrderService{
		deleteFn: func(_ context.Context, id string) error {
			deleted = id
			return nil
		},
	}

	kitchen := auth.NewAuthenticator(stubTokenVerifier{claims: map[string]any{"role": "kitchen"}})
	router := orderRouter(NewOrderHandlers(kitchen, service))
	req := httptest.NewRequest(http.MethodDelete, "/order/ord_1", nil)
	req.Header.Set("Authorization", "Bearer staff-token")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden || deleted != "" {
		t.Fatalf("expected 403 for kitchen role, got %d (deleted %q)", rr.Code, deleted)
	}

	manager := auth.NewAuthenticator(stubTokenVerifier{claims: map[string]any{"role": "manager"}})
	router = orderRouter(NewOrderHandlers(manager, service))
	req = httptest.NewRequest(http.MethodDelete, "/order/ord_1", nil)
	req.Header.Set("Authorization", "Bearer staff-token")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || deleted != "ord_1" {
		t.Fatalf("expected 204 for manager, got %d (deleted %q)", rr.Code, deleted)
	}
}

func TestOrderHandlersTransitionStatus(t *testing.T) {
	var captured services.OrderStatusTransitionCommand
	service := &stubOrderService{
		transitionFn: func(_ context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(cmd.OrderID, domain.OrderStatusInPreparation), nil
		},
	}
	authn := auth.NewAuthenticator(stubTokenVerifier{claims: map[string]any{"role": "kitchen", "email": "grill@example.com"}})
	router := orderRouter(NewOrderHandlers(authn, service))

	req := httptest.NewRequest(http.MethodPatch, "/order/ord_1/status", bytes.NewBufferString(`{"status":"in_preparation","expected_status":"RECEIVED"}`))
	req.Header.Set("Authorization", "Bearer staff-token")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.TargetStatus != "in_preparation" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.ExpectedStatus == nil || *captured.ExpectedStatus != "RECEIVED" {
		t.Fatalf("expected status precondition, got %v", captured.ExpectedStatus)
	}
	if captured.Source != services.OrderEventSourceAPI+":staff:grill@example.com" {
		t.Fatalf("unexpected source %q", captured.Source)
	}
}

func TestOrderHandlersTransitionStatusErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"illegal transition", services.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{"stale expectation", services.ErrOrderConflict, http.StatusConflict, "order_conflict"},
		{"unknown status", services.ErrInvalidStatusValue, http.StatusBadRequest, "invalid_request"},
		{"lock timeout", fmt.Errorf("order: acquire lock: %w", locks.ErrLockTimeout), http.StatusServiceUnavailable, "order_busy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubOrderService{
				transitionFn: func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}
			router := orderRouter(NewOrderHandlers(nil, service))
			req := httptest.NewRequest(http.MethodPatch, "/order/ord_1/status", bytes.NewBufferString(`{"status":"READY"}`))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			assertErrorCode(t, rr, tc.code)
		})
	}
}

func TestOrderHandlersTransitionStatusRequiresStatus(t *testing.T) {
	router := orderRouter(NewOrderHandlers(nil, &stubOrderService{}))
	req := httptest.NewRequest(http.MethodPatch, "/order/ord_1/status", bytes.NewBufferString(`{"reason":"x"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestOrderHandlersServiceUnavailable(t *testing.T) {
	router := orderRouter(NewOrderHandlers(nil, nil))
	req := httptest.NewRequest(http.MethodGet, "/order/ord_1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, expected string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rr.Body.String())
	}
	if body.Error != expected {
		t.Fatalf("expected error code %q, got %q", expected, body.Error)
	}
}
