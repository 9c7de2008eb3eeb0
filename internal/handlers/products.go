package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fastfood-order/api/internal/platform/auth"
	"github.com/fastfood-order/api/internal/platform/httpx"
	"github.com/fastfood-order/api/internal/services"
)

const maxProductBodySize = 16 * 1024

// productRequest accepts unit_price as a JSON number or a numeric string.
type productRequest struct {
	ID          string       `json:"id"`
	Name        *string      `json:"name"`
	Description *string      `json:"description"`
	Category    *string      `json:"category"`
	UnitPrice   *json.Number `json:"unit_price"`
	Quantity    *int         `json:"quantity"`
}

func (req productRequest) toCommand(productID string) services.UpsertProductCommand {
	cmd := services.UpsertProductCommand{
		ProductID:   productID,
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Quantity:    req.Quantity,
	}
	if req.UnitPrice != nil {
		price := req.UnitPrice.String()
		cmd.UnitPrice = &price
	}
	return cmd
}

// ProductHandlers exposes catalog management. Reads are public, writes need a manager.
type ProductHandlers struct {
	authn   *auth.Authenticator
	catalog services.CatalogService
}

// NewProductHandlers constructs product handlers.
func NewProductHandlers(authn *auth.Authenticator, catalog services.CatalogService) *ProductHandlers {
	return &ProductHandlers{authn: authn, catalog: catalog}
}

// Routes registers the /product endpoints.
func (h *ProductHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listProducts)
	r.Get("/{productID}", h.getProduct)
	r.Group(func(staff chi.Router) {
		staff.Use(h.authn.RequireStaff(auth.RoleManager))
		staff.Post("/", h.createProduct)
		staff.Put("/{productID}", h.updateProduct)
		staff.Delete("/{productID}", h.deleteProduct)
	})
}

func (h *ProductHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		serviceUnavailable(ctx, w, "catalog_service_unavailable", "catalog service")
		return
	}
	products, err := h.catalog.ListProducts(ctx, services.ProductListFilter{
		Category: strings.TrimSpace(r.URL.Query().Get("category")),
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	items := make([]productPayload, 0, len(products))
	for _, product := range products {
		items = append(items, buildProductPayload(product))
	}
	httpx.WriteJSON(w, http.StatusOK, productListResponse{Items: items})
}

func (h *ProductHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		serviceUnavailable(ctx, w, "catalog_service_unavailable", "catalog service")
		return
	}
	product, err := h.catalog.GetProduct(ctx, pathParam(r, "productID"))
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

func (h *ProductHandlers) createProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		serviceUnavailable(ctx, w, "catalog_service_unavailable", "catalog service")
		return
	}
	var req productRequest
	if !decodeJSONBody(w, r, maxProductBodySize, &req) {
		return
	}
	product, err := h.catalog.CreateProduct(ctx, req.toCommand(strings.TrimSpace(req.ID)))
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/product/"+product.ID)
	httpx.WriteJSON(w, http.StatusCreated, productResponse{Product: buildProductPayload(product)})
}

func (h *ProductHandlers) updateProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		serviceUnavailable(ctx, w, "catalog_service_unavailable", "catalog service")
		return
	}
	var req productRequest
	if !decodeJSONBody(w, r, maxProductBodySize, &req) {
		return
	}
	product, err := h.catalog.UpdateProduct(ctx, req.toCommand(pathParam(r, "productID")))
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

func (h *ProductHandlers) deleteProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		serviceUnavailable(ctx, w, "catalog_service_unavailable", "catalog service")
		return
	}
	if err := h.catalog.DeleteProduct(ctx, pathParam(r, "productID")); err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type productListResponse struct {
	Items []productPayload `json:"items"`
}

type productResponse struct {
	Product productPayload `json:"product"`
}

type productPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	UnitPrice   string `json:"unit_price"`
	Quantity    int    `json:"quantity"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

func buildProductPayload(product services.Product) productPayload {
	return productPayload{
		ID:          product.ID,
		Name:        product.Name,
		Description: product.Description,
		Category:    product.Category,
		UnitPrice:   product.UnitPrice.StringFixed(2),
		Quantity:    product.Quantity,
		CreatedAt:   formatTime(product.CreatedAt),
		UpdatedAt:   formatTime(product.UpdatedAt),
	}
}

func writeCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrProductConflict):
		httpx.WriteError(ctx, w, httpx.NewError("product_conflict", "product already exists", http.StatusConflict))
	case errors.Is(err, services.ErrCatalogInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		writeRepositoryFailure(ctx, w, err, "catalog_error")
	}
}
