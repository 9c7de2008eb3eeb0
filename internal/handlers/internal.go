package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fastfood-order/api/internal/platform/httpx"
	"github.com/fastfood-order/api/internal/platform/requestctx"
	"github.com/fastfood-order/api/internal/services"
)

const (
	maxReconcileBodySize = 1024
	maxReconcileLimit    = 1000
)

type reconcileRequest struct {
	Limit int `json:"limit"`
}

// InternalHandlers exposes maintenance jobs invoked by the scheduler.
type InternalHandlers struct {
	reconciler services.PaymentReconciliationService
}

// NewInternalHandlers constructs internal job handlers.
func NewInternalHandlers(reconciler services.PaymentReconciliationService) *InternalHandlers {
	return &InternalHandlers{reconciler: reconciler}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/reconcile", h.reconcilePayments)
}

func (h *InternalHandlers) reconcilePayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		serviceUnavailable(ctx, w, "reconciliation_unavailable", "payment reconciliation")
		return
	}

	var req reconcileRequest
	if r.ContentLength != 0 {
		body, err := readLimitedBody(r, maxReconcileBodySize)
		if err != nil && !errors.Is(err, errEmptyBody) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
				return
			}
		}
	}
	if req.Limit < 0 || req.Limit > maxReconcileLimit {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be between 0 and 1000", http.StatusBadRequest))
		return
	}

	summary, err := h.reconciler.ReconcilePending(ctx, services.ReconcilePendingCommand{Limit: req.Limit})
	if err != nil {
		requestctx.Logger(ctx).Error("reconcile sweep failed", zap.Error(err))
		writePaymentError(ctx, w, err)
		return
	}
	requestctx.Logger(ctx).Info("reconcile sweep finished",
		zap.Int("checked", summary.Checked),
		zap.Int("applied", summary.Applied),
		zap.Int("relinked", summary.Relinked),
		zap.Int("discrepancy", summary.Discrepancy),
		zap.Int("failed", summary.Failed))

	httpx.WriteJSON(w, http.StatusOK, reconcileResponse{
		Checked:     summary.Checked,
		Applied:     summary.Applied,
		Unchanged:   summary.Unchanged,
		Relinked:    summary.Relinked,
		Discrepancy: summary.Discrepancy,
		Failed:      summary.Failed,
	})
}

type reconcileResponse struct {
	Checked     int `json:"checked"`
	Applied     int `json:"applied"`
	Unchanged   int `json:"unchanged"`
	Relinked    int `json:"relinked"`
	Discrepancy int `json:"discrepancy"`
	Failed      int `json:"failed"`
}
