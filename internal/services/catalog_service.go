package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/fastfood-order/api/internal/platform/textutil"
	"github.com/fastfood-order/api/internal/repositories"
)

const (
	productIDPrefix          = "prd_"
	maxProductNameRunes      = 120
	maxProductCategoryRunes  = 60
	maxProductDescriptionLen = 1000
)

var (
	// ErrCatalogInvalidInput indicates the caller supplied invalid data to a catalog mutation.
	ErrCatalogInvalidInput = errors.New("catalog service: invalid input")
	// ErrProductConflict indicates a product id is already taken.
	ErrProductConflict = errors.New("catalog service: product conflict")
)

// CatalogServiceDeps bundles constructor inputs for the catalog service.
type CatalogServiceDeps struct {
	Products    repositories.ProductRepository
	Clock       func() time.Time
	IDGenerator func() string
}

type catalogService struct {
	products repositories.ProductRepository
	clock    func() time.Time
	newID    func() string
}

// NewCatalogService constructs the catalog service with the supplied dependencies.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Products == nil {
		return nil, errors.New("catalog service: product repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &catalogService{
		products: deps.Products,
		clock:    func() time.Time { return clock().UTC() },
		newID:    idGen,
	}, nil
}

// FindProduct implements ProductCatalog.
func (s *catalogService) FindProduct(ctx context.Context, productID string) (Product, error) {
	return s.GetProduct(ctx, productID)
}

func (s *catalogService) GetProduct(ctx context.Context, productID string) (Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrProductNotFound)
	}
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	return product, nil
}

func (s *catalogService) ListProducts(ctx context.Context, filter ProductListFilter) ([]Product, error) {
	products, err := s.products.List(ctx, ProductListFilter{Category: strings.TrimSpace(filter.Category)})
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return products, nil
}

func (s *catalogService) CreateProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error) {
	if cmd.Name == nil || cmd.UnitPrice == nil || cmd.Category == nil {
		return Product{}, fmt.Errorf("%w: name, unit price and category are required", ErrCatalogInvalidInput)
	}

	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		productID = productIDPrefix + s.newID()
	} else if err := validateOrderID(productID); err != nil {
		return Product{}, fmt.Errorf("%w: invalid product id", ErrCatalogInvalidInput)
	}

	now := s.clock()
	product := Product{ID: productID, CreatedAt: now, UpdatedAt: now}
	if err := applyProductChanges(&product, cmd); err != nil {
		return Product{}, err
	}

	if err := s.products.Insert(ctx, product); err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	return product, nil
}

func (s *catalogService) UpdateProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrProductNotFound)
	}
	if cmd.Name == nil && cmd.Description == nil && cmd.Category == nil && cmd.UnitPrice == nil && cmd.Quantity == nil {
		return Product{}, fmt.Errorf("%w: nothing to update", ErrCatalogInvalidInput)
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	if err := applyProductChanges(&product, cmd); err != nil {
		return Product{}, err
	}
	product.UpdatedAt = s.clock()

	if err := s.products.Update(ctx, product); err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	return product, nil
}

func (s *catalogService) DeleteProduct(ctx context.Context, productID string) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return fmt.Errorf("%w: product id is required", ErrProductNotFound)
	}
	if err := s.products.Delete(ctx, productID); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *catalogService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrProductNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrProductConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("catalog service: repository unavailable: %w", err)
		}
	}
	return err
}

func applyProductChanges(product *Product, cmd UpsertProductCommand) error {
	if cmd.Name != nil {
		name := textutil.PlainText(*cmd.Name, maxProductNameRunes)
		if name == "" {
			return fmt.Errorf("%w: name is required", ErrCatalogInvalidInput)
		}
		product.Name = name
	}
	if cmd.Description != nil {
		product.Description = textutil.PlainText(*cmd.Description, maxProductDescriptionLen)
	}
	if cmd.Category != nil {
		category := textutil.PlainText(*cmd.Category, maxProductCategoryRunes)
		if category == "" {
			return fmt.Errorf("%w: category is required", ErrCatalogInvalidInput)
		}
		product.Category = category
	}
	if cmd.UnitPrice != nil {
		price, err := parseMoney(*cmd.UnitPrice)
		if err != nil {
			return err
		}
		product.UnitPrice = price
	}
	if cmd.Quantity != nil {
		if *cmd.Quantity < 0 {
			return fmt.Errorf("%w: quantity must not be negative", ErrCatalogInvalidInput)
		}
		product.Quantity = *cmd.Quantity
	}
	return nil
}

func parseMoney(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: unit price %q is not a decimal", ErrCatalogInvalidInput, raw)
	}
	if value.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: unit price must not be negative", ErrCatalogInvalidInput)
	}
	if value.Exponent() < -2 && !value.Equal(value.Round(2)) {
		return decimal.Decimal{}, fmt.Errorf("%w: unit price has more than two decimal places", ErrCatalogInvalidInput)
	}
	return value, nil
}
