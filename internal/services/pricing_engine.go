package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fastfood-order/api/internal/platform/textutil"
)

const maxLineNoteRunes = 280

var (
	// ErrProductNotFound indicates a requested product could not be resolved by the catalog.
	ErrProductNotFound = errors.New("pricing: product not found")
	// ErrInvalidQuantity indicates a line requested a non-positive quantity.
	ErrInvalidQuantity = errors.New("pricing: invalid quantity")
	// ErrEmptyOrder indicates an order without line items.
	ErrEmptyOrder = errors.New("order: at least one item is required")
)

// CatalogPricingEngine prices order lines from current catalog data. It performs no writes.
type CatalogPricingEngine struct {
	catalog ProductCatalog
}

var _ PricingEngine = (*CatalogPricingEngine)(nil)

// NewCatalogPricingEngine wires the catalog collaborator.
func NewCatalogPricingEngine(catalog ProductCatalog) (*CatalogPricingEngine, error) {
	if catalog == nil {
		return nil, errors.New("pricing engine: product catalog is required")
	}
	return &CatalogPricingEngine{catalog: catalog}, nil
}

// Price resolves every requested line. Any unresolvable product rejects the whole request,
// so the returned total always matches the returned lines.
func (e *CatalogPricingEngine) Price(ctx context.Context, items []LineItemRequest) (PricingResult, error) {
	if len(items) == 0 {
		return PricingResult{}, ErrEmptyOrder
	}

	resolved := make(map[string]Product, len(items))
	lines := make([]OrderLineItem, 0, len(items))
	total := decimal.Zero

	for i, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return PricingResult{}, fmt.Errorf("%w: item %d has no product id", ErrOrderInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return PricingResult{}, fmt.Errorf("%w: item %d quantity %d", ErrInvalidQuantity, i, item.Quantity)
		}

		product, ok := resolved[productID]
		if !ok {
			found, err := e.catalog.FindProduct(ctx, productID)
			if err != nil {
				if errors.Is(err, ErrProductNotFound) {
					return PricingResult{}, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
				}
				return PricingResult{}, fmt.Errorf("pricing: resolve product %s: %w", productID, err)
			}
			if found.UnitPrice.IsNegative() {
				return PricingResult{}, fmt.Errorf("pricing: product %s has a negative price", productID)
			}
			product = found
			resolved[productID] = product
		}

		line := OrderLineItem{
			ProductID: product.ID,
			Name:      product.Name,
			Category:  product.Category,
			Quantity:  item.Quantity,
			UnitPrice: product.UnitPrice,
			Note:      textutil.PlainText(item.Note, maxLineNoteRunes),
		}
		if line.ProductID == "" {
			line.ProductID = productID
		}
		lines = append(lines, line)
		total = total.Add(line.LineTotal())
	}

	return PricingResult{Items: lines, Total: total}, nil
}
