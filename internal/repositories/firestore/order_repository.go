package firestore

import (
	"context"
	"errors"
	"fmt"
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

const orderCollection = "orders"

// OrderRepository persists orders in Firestore. Status changes run inside a
// transaction that re-reads the stored status before writing.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewCollection[orderDocument](provider, orderCollection)
	return &OrderRepository{provider: provider, base: base}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	ref, err := r.base.Ref(ctx, order.ID)
	if err != nil {
		return err
	}
	doc := newOrderDocument(order)
	if tx := txFromContext(ctx); tx != nil {
		return tx.Create(ref, doc)
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return repositories.Conflict("orders.insert", "order %s already exists", order.ID)
		}
		return pfirestore.Wrap("orders.insert", err)
	}
	return nil
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	updates := []firestore.Update{
		{Path: "clientId", Value: order.ClientID},
		{Path: "notes", Value: order.Notes},
		{Path: "updatedAt", Value: order.UpdatedAt.UTC()},
	}
	return r.update(ctx, "orders.update", order.ID, updates)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	ref, err := r.base.Ref(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	var snap *firestore.DocumentSnapshot
	if tx := txFromContext(ctx); tx != nil {
		snap, err = tx.Get(ref)
	} else {
		snap, err = ref.Get(ctx)
	}
	if err != nil {
		return domain.Order{}, missing("orders.find", "order", orderID, err)
	}
	return decodeOrder(snap)
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	ref, err := r.base.Ref(ctx, update.OrderID)
	if err != nil {
		return domain.Order{}, err
	}

	var saved domain.Order
	err = inTx(ctx, r.provider, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return missing("orders.updateStatus", "order", update.OrderID, err)
		}
		current, err := decodeOrder(snap)
		if err != nil {
			return err
		}
		if current.Status != update.Expected {
			return repositories.Conflict("orders.updateStatus", "order %s is %s, expected %s", update.OrderID, current.Status, update.Expected)
		}

		updates := []firestore.Update{
			{Path: "status", Value: string(update.Status)},
			{Path: "updatedAt", Value: update.UpdatedAt.UTC()},
		}
		current.Status = update.Status
		current.UpdatedAt = update.UpdatedAt.UTC()
		if update.PaidAt != nil {
			updates = append(updates, firestore.Update{Path: "paidAt", Value: update.PaidAt.UTC()})
			current.PaidAt = utcPtr(update.PaidAt)
		}
		if update.CompletedAt != nil {
			updates = append(updates, firestore.Update{Path: "completedAt", Value: update.CompletedAt.UTC()})
			current.CompletedAt = utcPtr(update.CompletedAt)
		}
		if update.CanceledAt != nil {
			updates = append(updates, firestore.Update{Path: "canceledAt", Value: update.CanceledAt.UTC()})
			current.CanceledAt = utcPtr(update.CanceledAt)
		}
		if update.CancelReason != nil {
			updates = append(updates, firestore.Update{Path: "cancelReason", Value: *update.CancelReason})
			reason := *update.CancelReason
			current.CancelReason = &reason
		}
		saved = current
		return tx.Update(ref, updates)
	})
	if err != nil {
		return domain.Order{}, classify("orders.updateStatus", err)
	}
	return saved, nil
}

func (r *OrderRepository) AttachPayment(ctx context.Context, link repositories.OrderPaymentLink) error {
	updates := []firestore.Update{
		{Path: "paymentId", Value: link.PaymentID},
		{Path: "paymentReference", Value: link.PaymentReference},
		{Path: "updatedAt", Value: link.UpdatedAt.UTC()},
	}
	return r.update(ctx, "orders.attachPayment", link.OrderID, updates)
}

// ListActive relies on the composite index (status ASC, createdAt ASC).
func (r *OrderRepository) ListActive(ctx context.Context) ([]domain.Order, error) {
	statuses := make([]string, 0, len(repositories.ActiveOrderStatuses))
	for _, s := range repositories.ActiveOrderStatuses {
		statuses = append(statuses, string(s))
	}
	orders, err := r.query(ctx, "orders.listActive", func(q firestore.Query) firestore.Query {
		return q.Where("status", "in", statuses).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	active := orders[:0]
	for _, order := range orders {
		if order.HasPaymentReference() {
			active = append(active, order)
		}
	}
	return active, nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	return r.query(ctx, "orders.list", func(q firestore.Query) firestore.Query {
		if clientID := strings.TrimSpace(filter.ClientID); clientID != "" {
			q = q.Where("clientId", "==", clientID)
		}
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		return q.OrderBy("createdAt", firestore.Asc)
	})
}

func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	ref, err := r.base.Ref(ctx, orderID)
	if err != nil {
		return err
	}
	if tx := txFromContext(ctx); tx != nil {
		return tx.Delete(ref, firestore.Exists)
	}
	if _, err := ref.Delete(ctx, firestore.Exists); err != nil {
		return missing("orders.delete", "order", orderID, err)
	}
	return nil
}

func (r *OrderRepository) update(ctx context.Context, op, orderID string, updates []firestore.Update) error {
	ref, err := r.base.Ref(ctx, orderID)
	if err != nil {
		return err
	}
	if tx := txFromContext(ctx); tx != nil {
		return tx.Update(ref, updates)
	}
	if _, err := ref.Update(ctx, updates); err != nil {
		return missing(op, "order", orderID, err)
	}
	return nil
}

func (r *OrderRepository) query(ctx context.Context, op string, build pfirestore.QueryBuilder) ([]domain.Order, error) {
	docs, err := r.base.Query(ctx, build)
	if err != nil {
		return nil, classify(op, err)
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order, err := doc.Data.toDomain(doc.ID)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

type orderDocument struct {
	ClientID         *string             `firestore:"clientId"`
	Status           string              `firestore:"status"`
	Items            []orderItemDocument `firestore:"items"`
	Value            string              `firestore:"value"`
	PaymentID        *string             `firestore:"paymentId"`
	PaymentReference *string             `firestore:"paymentReference"`
	Notes            string              `firestore:"notes"`
	CreatedAt        time.Time           `firestore:"createdAt"`
	UpdatedAt        time.Time           `firestore:"updatedAt"`
	PaidAt           *time.Time          `firestore:"paidAt,omitempty"`
	CompletedAt      *time.Time          `firestore:"completedAt,omitempty"`
	CanceledAt       *time.Time          `firestore:"canceledAt,omitempty"`
	CancelReason     *string             `firestore:"cancelReason,omitempty"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Category  string `firestore:"category"`
	Quantity  int    `firestore:"quantity"`
	UnitPrice string `firestore:"unitPrice"`
	Note      string `firestore:"note,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			Category:  item.Category,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.String(),
			Note:      item.Note,
		})
	}
	return orderDocument{
		ClientID:         order.ClientID,
		Status:           string(order.Status),
		Items:            items,
		Value:            order.Value.String(),
		PaymentID:        order.PaymentID,
		PaymentReference: order.PaymentReference,
		Notes:            order.Notes,
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
		PaidAt:           utcPtr(order.PaidAt),
		CompletedAt:      utcPtr(order.CompletedAt),
		CanceledAt:       utcPtr(order.CanceledAt),
		CancelReason:     order.CancelReason,
	}
}

func (d orderDocument) toDomain(id string) (domain.Order, error) {
	value, err := decimal.NewFromString(d.Value)
	if err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s value: %w", id, err)
	}
	items := make([]domain.OrderLineItem, 0, len(d.Items))
	for _, item := range d.Items {
		price, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s item %s price: %w", id, item.ProductID, err)
		}
		items = append(items, domain.OrderLineItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Category:  item.Category,
			Quantity:  item.Quantity,
			UnitPrice: price,
			Note:      item.Note,
		})
	}
	return domain.Order{
		ID:               id,
		ClientID:         d.ClientID,
		Status:           domain.OrderStatus(d.Status),
		Items:            items,
		Value:            value,
		PaymentReference: d.PaymentReference,
		PaymentID:        d.PaymentID,
		Notes:            d.Notes,
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
		PaidAt:           utcPtr(d.PaidAt),
		CompletedAt:      utcPtr(d.CompletedAt),
		CanceledAt:       utcPtr(d.CanceledAt),
		CancelReason:     d.CancelReason,
	}, nil
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
