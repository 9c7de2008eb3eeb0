//go:build integration

package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/platform/config"
	"github.com/fastfood-order/api/internal/repositories"
)

// Runs against the database named by API_POSTGRES_TEST_DSN, for example a local
// `docker run -e POSTGRES_PASSWORD=postgres -p 5432:5432 postgres:16`.
func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dsn := os.Getenv("API_POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("API_POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	reg, err := Open(ctx, config.PostgresConfig{DSN: dsn, Migrate: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	_, err = reg.pool.Exec(ctx, `TRUNCATE order_items, orders, payments, payment_discrepancies, products, clients`)
	require.NoError(t, err)
	return reg
}

func TestRegistryIntegration(t *testing.T) {
	reg := openTestRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

	item := domain.OrderLineItem{ProductID: "burger", Name: "X-Burger", Category: "Lanche", Quantity: 2, UnitPrice: decimal.RequireFromString("14.95")}
	order := domain.Order{ID: "ord-1", Status: domain.OrderStatusAwaitingPayment, Items: []domain.OrderLineItem{item}, Value: item.LineTotal(), CreatedAt: now, UpdatedAt: now}
	require.NoError(t, reg.Orders().Insert(ctx, order))

	var repoErr repositories.RepositoryError
	err := reg.Orders().Insert(ctx, order)
	require.ErrorAs(t, err, &repoErr)
	require.True(t, repoErr.IsConflict())

	found, err := reg.Orders().FindByID(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, "29.90", found.Value.StringFixed(2))
	require.Len(t, found.Items, 1)
	require.Equal(t, "14.95", found.Items[0].UnitPrice.StringFixed(2))

	payment := domain.Payment{ID: "pay-1", OrderID: "ord-1", Provider: "sandbox", Amount: order.Value, Status: domain.PaymentStatusAwaiting, ExternalReference: "sbx_000001", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, reg.RunInTx(ctx, func(ctx context.Context) error {
		if err := reg.Payments().Insert(ctx, payment); err != nil {
			return err
		}
		return reg.Orders().AttachPayment(ctx, repositories.OrderPaymentLink{OrderID: "ord-1", PaymentID: "pay-1", PaymentReference: "qr", UpdatedAt: now})
	}))

	err = reg.RunInTx(ctx, func(ctx context.Context) error {
		ghost := payment
		ghost.ID, ghost.ExternalReference = "pay-ghost", "sbx_000002"
		if err := reg.Payments().Insert(ctx, ghost); err != nil {
			return err
		}
		return reg.Orders().AttachPayment(ctx, repositories.OrderPaymentLink{OrderID: "missing", PaymentID: "pay-ghost", UpdatedAt: now})
	})
	require.Error(t, err)
	_, err = reg.Payments().FindByID(ctx, "pay-ghost")
	require.ErrorAs(t, err, &repoErr)
	require.True(t, repoErr.IsNotFound())

	byRef, err := reg.Payments().FindByExternalReference(ctx, "sandbox", "sbx_000001")
	require.NoError(t, err)
	require.Equal(t, "pay-1", byRef.ID)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			paidAt := now.Add(time.Minute)
			_, err := reg.Orders().UpdateStatus(ctx, repositories.OrderStatusUpdate{
				OrderID: "ord-1", Expected: domain.OrderStatusAwaitingPayment, Status: domain.OrderStatusReceived,
				UpdatedAt: paidAt, PaidAt: &paidAt,
			})
			var conflictErr repositories.RepositoryError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.As(err, &conflictErr) && conflictErr.IsConflict():
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, winners)

	active, err := reg.Orders().ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.NotNil(t, active[0].PaidAt)
}
