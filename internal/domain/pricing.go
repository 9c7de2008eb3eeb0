package domain

import "github.com/shopspring/decimal"

// LineItemRequest is a client supplied order line before the catalog resolves it.
type LineItemRequest struct {
	ProductID string
	Quantity  int
	Note      string
}

// PricingResult carries the priced line items and the order grand total.
type PricingResult struct {
	Items []OrderLineItem
	Total decimal.Decimal
}
