package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/fastfood-order/api/internal/services"
)

func internalRouter(h *InternalHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/internal", h.Routes)
	return router
}

func TestInternalHandlersReconcile(t *testing.T) {
	var captured services.ReconcilePendingCommand
	reconciler := &stubReconciler{
		reconcileFn: func(_ context.Context, cmd services.ReconcilePendingCommand) (services.ReconcileSummary, error) {
			captured = cmd
			return services.ReconcileSummary{Checked: 4, Applied: 2, Unchanged: 1, Discrepancy: 1}, nil
		},
	}
	router := internalRouter(NewInternalHandlers(reconciler))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/payments/reconcile", bytes.NewBufferString(`{"limit":50}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Limit != 50 {
		t.Fatalf("expected limit 50, got %d", captured.Limit)
	}
	var resp reconcileResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Checked != 4 || resp.Applied != 2 || resp.Discrepancy != 1 {
		t.Fatalf("unexpected summary %+v", resp)
	}
}

func TestInternalHandlersReconcileWithoutBody(t *testing.T) {
	captured := -1
	reconciler := &stubReconciler{
		reconcileFn: func(_ context.Context, cmd services.ReconcilePendingCommand) (services.ReconcileSummary, error) {
			captured = cmd.Limit
			return services.ReconcileSummary{}, nil
		},
	}
	router := internalRouter(NewInternalHandlers(reconciler))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/payments/reconcile", nil))

	if rr.Code != http.StatusOK || captured != 0 {
		t.Fatalf("expected default sweep, got %d (limit %d)", rr.Code, captured)
	}
}

func TestInternalHandlersReconcileValidation(t *testing.T) {
	router := internalRouter(NewInternalHandlers(&stubReconciler{}))
	for _, body := range []string{`{"limit":-1}`, `{"limit":5000}`, `{"limit":`} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/payments/reconcile", bytes.NewBufferString(body)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, rr.Code)
		}
	}
}

func TestInternalHandlersReconcileFailure(t *testing.T) {
	reconciler := &stubReconciler{
		reconcileFn: func(context.Context, services.ReconcilePendingCommand) (services.ReconcileSummary, error) {
			return services.ReconcileSummary{}, errors.New("boom")
		},
	}
	router := internalRouter(NewInternalHandlers(reconciler))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/payments/reconcile", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}
