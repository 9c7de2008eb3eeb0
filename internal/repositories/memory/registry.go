// Package memory implements the repository registry in process. It backs local runs and
// service tests; state is lost on restart.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/repositories"
)

type txKey struct{}

// Registry holds every collection behind one mutex. RunInTx serialises writers and restores
// a snapshot when the callback fails.
type Registry struct {
	mu            sync.RWMutex
	writer        sync.Mutex
	orders        map[string]domain.Order
	payments      map[string]domain.Payment
	discrepancies []domain.PaymentDiscrepancy
	products      map[string]domain.Product
	clients       map[string]domain.Client
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		orders:   make(map[string]domain.Order),
		payments: make(map[string]domain.Payment),
		products: make(map[string]domain.Product),
		clients:  make(map[string]domain.Client),
	}
}

// Close implements repositories.Registry.
func (r *Registry) Close(context.Context) error { return nil }

// Ping implements repositories.Registry.
func (r *Registry) Ping(context.Context) error { return nil }

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return &orderRepository{r: r} }

// Payments returns the payment repository.
func (r *Registry) Payments() repositories.PaymentRepository { return &paymentRepository{r: r} }

// Discrepancies returns the discrepancy repository.
func (r *Registry) Discrepancies() repositories.PaymentDiscrepancyRepository {
	return &discrepancyRepository{r: r}
}

// Products returns the product repository.
func (r *Registry) Products() repositories.ProductRepository { return &productRepository{r: r} }

// Clients returns the client repository.
func (r *Registry) Clients() repositories.ClientRepository { return &clientRepository{r: r} }

// RunInTx runs fn with exclusive write access. Writes made by fn are rolled back when it
// returns an error. Nested calls join the outer transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) == r {
		return fn(ctx)
	}

	r.writer.Lock()
	defer r.writer.Unlock()

	snap := r.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, r)); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

// write acquires the writer lock unless ctx already runs inside RunInTx.
func (r *Registry) write(ctx context.Context) func() {
	if ctx.Value(txKey{}) == r {
		return func() {}
	}
	r.writer.Lock()
	return r.writer.Unlock
}

type snapshot struct {
	orders        map[string]domain.Order
	payments      map[string]domain.Payment
	discrepancies []domain.PaymentDiscrepancy
	products      map[string]domain.Product
	clients       map[string]domain.Client
}

func (r *Registry) snapshot() snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot{
		orders:        maps.Clone(r.orders),
		payments:      maps.Clone(r.payments),
		discrepancies: slices.Clone(r.discrepancies),
		products:      maps.Clone(r.products),
		clients:       maps.Clone(r.clients),
	}
}

func (r *Registry) restore(s snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = s.orders
	r.payments = s.payments
	r.discrepancies = s.discrepancies
	r.products = s.products
	r.clients = s.clients
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	order.ClientID = cloneString(order.ClientID)
	order.PaymentID = cloneString(order.PaymentID)
	order.PaymentReference = cloneString(order.PaymentReference)
	order.CancelReason = cloneString(order.CancelReason)
	order.PaidAt = cloneTime(order.PaidAt)
	order.CompletedAt = cloneTime(order.CompletedAt)
	order.CanceledAt = cloneTime(order.CanceledAt)
	return order
}

func clonePayment(payment domain.Payment) domain.Payment {
	payment.PaidAt = cloneTime(payment.PaidAt)
	return payment
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
