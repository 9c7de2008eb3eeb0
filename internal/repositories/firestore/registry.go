package firestore

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	pfirestore "github.com/fastfood-order/api/internal/platform/firestore"
	"github.com/fastfood-order/api/internal/repositories"
)

type txKey struct{}

// Registry bundles the Firestore backed repositories behind repositories.Registry.
type Registry struct {
	provider      *pfirestore.Provider
	orders        *OrderRepository
	payments      *PaymentRepository
	discrepancies *DiscrepancyRepository
	products      *ProductRepository
	clients       *ClientRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every repository on top of the shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	payments, err := NewPaymentRepository(provider)
	if err != nil {
		return nil, err
	}
	discrepancies, err := NewDiscrepancyRepository(provider)
	if err != nil {
		return nil, err
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	clients, err := NewClientRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:      provider,
		orders:        orders,
		payments:      payments,
		discrepancies: discrepancies,
		products:      products,
		clients:       clients,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Payments() repositories.PaymentRepository { return r.payments }

func (r *Registry) Discrepancies() repositories.PaymentDiscrepancyRepository {
	return r.discrepancies
}

func (r *Registry) Products() repositories.ProductRepository { return r.products }

func (r *Registry) Clients() repositories.ClientRepository { return r.clients }

// Ping reads at most one order document to prove the backend answers.
func (r *Registry) Ping(ctx context.Context) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	iter := client.Collection(orderCollection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return pfirestore.Wrap("firestore.ping", err)
	}
	return nil
}

// RunInTx runs fn inside a Firestore transaction. Repository calls made with the
// supplied context join the transaction. Firestore requires every read to happen
// before the first write, so fn must order its calls accordingly.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("firestore registry: transaction function is nil")
	}
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func txFromContext(ctx context.Context) *firestore.Transaction {
	tx, _ := ctx.Value(txKey{}).(*firestore.Transaction)
	return tx
}

// inTx runs fn inside the caller's transaction when there is one, or a new one otherwise.
func inTx(ctx context.Context, provider *pfirestore.Provider, fn func(ctx context.Context, tx *firestore.Transaction) error) error {
	if tx := txFromContext(ctx); tx != nil {
		return fn(ctx, tx)
	}
	return provider.RunTransaction(ctx, fn)
}

// indexKey builds a document id for lookup documents whose natural key may contain slashes.
func indexKey(parts ...string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strings.Join(parts, "\x00")))
}

// classify converts Firestore and repository errors into repositories.RepositoryError values.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	return pfirestore.Wrap(op, err)
}
