package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/fastfood-order/api/internal/domain"
	pfirestore "github.com/fastfood-order/api/internal/platform/firestore"
	"github.com/fastfood-order/api/internal/repositories"
)

const (
	productCollection     = "products"
	clientCollection      = "clients"
	clientEmailCollection = "clientEmails"
)

// ProductRepository persists the product catalog.
type ProductRepository struct {
	base *pfirestore.Collection[productDocument]
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		base: pfirestore.NewCollection[productDocument](provider, productCollection),
	}, nil
}

func (r *ProductRepository) Insert(ctx context.Context, product domain.Product) error {
	ref, err := r.base.Ref(ctx, product.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newProductDocument(product)); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return repositories.Conflict("products.insert", "product %s already exists", product.ID)
		}
		return classify("products.insert", err)
	}
	return nil
}

func (r *ProductRepository) Update(ctx context.Context, product domain.Product) error {
	ref, err := r.base.Ref(ctx, product.ID)
	if err != nil {
		return err
	}
	doc := newProductDocument(product)
	updates := []firestore.Update{
		{Path: "name", Value: doc.Name},
		{Path: "description", Value: doc.Description},
		{Path: "category", Value: doc.Category},
		{Path: "categoryKey", Value: doc.CategoryKey},
		{Path: "unitPrice", Value: doc.UnitPrice},
		{Path: "quantity", Value: doc.Quantity},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	}
	if _, err := ref.Update(ctx, updates); err != nil {
		return missing("products.update", "product", product.ID, err)
	}
	return nil
}

func (r *ProductRepository) Delete(ctx context.Context, productID string) error {
	ref, err := r.base.Ref(ctx, productID)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx, firestore.Exists); err != nil {
		return missing("products.delete", "product", productID, err)
	}
	return nil
}

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, missing("products.find", "product", productID, err)
	}
	return doc.Data.toDomain(doc.ID)
}

func (r *ProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) ([]domain.Product, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if category := strings.TrimSpace(filter.Category); category != "" {
			q = q.Where("categoryKey", "==", strings.ToLower(category))
		}
		return q
	})
	if err != nil {
		return nil, classify("products.list", err)
	}
	products := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		product, err := doc.Data.toDomain(doc.ID)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	sort.SliceStable(products, func(i, j int) bool {
		if products[i].Category != products[j].Category {
			return products[i].Category < products[j].Category
		}
		return products[i].Name < products[j].Name
	})
	return products, nil
}

type productDocument struct {
	Name        string    `firestore:"name"`
	Description string    `firestore:"description"`
	Category    string    `firestore:"category"`
	CategoryKey string    `firestore:"categoryKey"`
	UnitPrice   string    `firestore:"unitPrice"`
	Quantity    int       `firestore:"quantity"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func newProductDocument(product domain.Product) productDocument {
	return productDocument{
		Name:        product.Name,
		Description: product.Description,
		Category:    product.Category,
		CategoryKey: strings.ToLower(strings.TrimSpace(product.Category)),
		UnitPrice:   product.UnitPrice.String(),
		Quantity:    product.Quantity,
		CreatedAt:   product.CreatedAt.UTC(),
		UpdatedAt:   product.UpdatedAt.UTC(),
	}
}

func (d productDocument) toDomain(id string) (domain.Product, error) {
	price, err := decimal.NewFromString(d.UnitPrice)
	if err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s price: %w", id, err)
	}
	return domain.Product{
		ID:          id,
		Name:        d.Name,
		Description: d.Description,
		Category:    d.Category,
		UnitPrice:   price,
		Quantity:    d.Quantity,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}, nil
}

// ClientRepository persists clients. Emails are kept unique through a lookup
// document written in the same transaction as the client.
type ClientRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[clientDocument]
	emails   *pfirestore.Collection[clientEmailDocument]
}

var _ repositories.ClientRepository = (*ClientRepository)(nil)

// NewClientRepository constructs a Firestore-backed client repository.
func NewClientRepository(provider *pfirestore.Provider) (*ClientRepository, error) {
	if provider == nil {
		return nil, errors.New("client repository requires firestore provider")
	}
	return &ClientRepository{
		provider: provider,
		base:     pfirestore.NewCollection[clientDocument](provider, clientCollection),
		emails:   pfirestore.NewCollection[clientEmailDocument](provider, clientEmailCollection),
	}, nil
}

func (r *ClientRepository) Insert(ctx context.Context, client domain.Client) error {
	ref, err := r.base.Ref(ctx, client.ID)
	if err != nil {
		return err
	}
	emailRef, err := r.emails.Ref(ctx, indexKey(client.Email))
	if err != nil {
		return err
	}
	err = inTx(ctx, r.provider, func(_ context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(ref, newClientDocument(client)); err != nil {
			return err
		}
		return tx.Create(emailRef, clientEmailDocument{ClientID: client.ID})
	})
	if status.Code(err) == codes.AlreadyExists {
		return repositories.NewStoreError("clients.insert", repositories.StoreErrorConflict, fmt.Sprintf("client %s or email already exists", client.ID), err)
	}
	return classify("clients.insert", err)
}

func (r *ClientRepository) Update(ctx context.Context, client domain.Client) error {
	ref, err := r.base.Ref(ctx, client.ID)
	if err != nil {
		return err
	}
	newEmailRef, err := r.emails.Ref(ctx, indexKey(client.Email))
	if err != nil {
		return err
	}
	err = inTx(ctx, r.provider, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return missing("clients.update", "client", client.ID, err)
		}
		var current clientDocument
		if err := snap.DataTo(&current); err != nil {
			return fmt.Errorf("decode client %s: %w", client.ID, err)
		}
		if current.Email != client.Email {
			oldEmailRef, err := r.emails.Ref(ctx, indexKey(current.Email))
			if err != nil {
				return err
			}
			if err := tx.Create(newEmailRef, clientEmailDocument{ClientID: client.ID}); err != nil {
				return err
			}
			if err := tx.Delete(oldEmailRef); err != nil {
				return err
			}
		}
		doc := newClientDocument(client)
		doc.CreatedAt = current.CreatedAt
		return tx.Set(ref, doc)
	})
	if status.Code(err) == codes.AlreadyExists {
		return repositories.NewStoreError("clients.update", repositories.StoreErrorConflict, fmt.Sprintf("email for client %s already taken", client.ID), err)
	}
	return classify("clients.update", err)
}

func (r *ClientRepository) Delete(ctx context.Context, clientID string) error {
	ref, err := r.base.Ref(ctx, clientID)
	if err != nil {
		return err
	}
	err = inTx(ctx, r.provider, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return missing("clients.delete", "client", clientID, err)
		}
		var current clientDocument
		if err := snap.DataTo(&current); err != nil {
			return fmt.Errorf("decode client %s: %w", clientID, err)
		}
		emailRef, err := r.emails.Ref(ctx, indexKey(current.Email))
		if err != nil {
			return err
		}
		if err := tx.Delete(emailRef); err != nil {
			return err
		}
		return tx.Delete(ref)
	})
	return classify("clients.delete", err)
}

func (r *ClientRepository) FindByID(ctx context.Context, clientID string) (domain.Client, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(clientID))
	if err != nil {
		return domain.Client{}, missing("clients.find", "client", clientID, err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *ClientRepository) FindByEmail(ctx context.Context, email string) (domain.Client, error) {
	lookup, err := r.emails.Get(ctx, indexKey(email))
	if err != nil {
		return domain.Client{}, missing("clients.findByEmail", "client with email", email, err)
	}
	return r.FindByID(ctx, lookup.Data.ClientID)
}

func (r *ClientRepository) List(ctx context.Context) ([]domain.Client, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("name", firestore.Asc)
	})
	if err != nil {
		return nil, classify("clients.list", err)
	}
	clients := make([]domain.Client, 0, len(docs))
	for _, doc := range docs {
		clients = append(clients, doc.Data.toDomain(doc.ID))
	}
	return clients, nil
}

type clientDocument struct {
	CPF       string    `firestore:"cpf"`
	Name      string    `firestore:"name"`
	Email     string    `firestore:"email"`
	Status    string    `firestore:"status"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type clientEmailDocument struct {
	ClientID string `firestore:"clientId"`
}

func newClientDocument(client domain.Client) clientDocument {
	return clientDocument{
		CPF:       client.CPF,
		Name:      client.Name,
		Email:     client.Email,
		Status:    string(client.Status),
		CreatedAt: client.CreatedAt.UTC(),
		UpdatedAt: client.UpdatedAt.UTC(),
	}
}

func (d clientDocument) toDomain(id string) domain.Client {
	return domain.Client{
		ID:        id,
		CPF:       d.CPF,
		Name:      d.Name,
		Email:     d.Email,
		Status:    domain.ClientStatus(d.Status),
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

func missing(op, kind, key string, err error) error {
	var repoErr repositories.RepositoryError
	if status.Code(err) == codes.NotFound || (errors.As(err, &repoErr) && repoErr.IsNotFound()) {
		return repositories.NewStoreError(op, repositories.StoreErrorNotFound, fmt.Sprintf("%s %s not found", kind, key), err)
	}
	return classify(op, err)
}
