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

const (
	paymentCollection          = "payments"
	paymentReferenceCollection = "paymentReferences"
	discrepancyCollection      = "paymentDiscrepancies"
)

// PaymentRepository stores charge attempts. A lookup document keyed by provider and
// external reference keeps gateway charge ids unique.
type PaymentRepository struct {
	provider   *pfirestore.Provider
	base       *pfirestore.Collection[paymentDocument]
	references *pfirestore.Collection[paymentReferenceDocument]
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	return &PaymentRepository{
		provider:   provider,
		base:       pfirestore.NewCollection[paymentDocument](provider, paymentCollection),
		references: pfirestore.NewCollection[paymentReferenceDocument](provider, paymentReferenceCollection),
	}, nil
}

func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	ref, err := r.base.Ref(ctx, payment.ID)
	if err != nil {
		return err
	}
	var referenceRef *firestore.DocumentRef
	if strings.TrimSpace(payment.ExternalReference) != "" {
		referenceRef, err = r.references.Ref(ctx, indexKey(payment.Provider, payment.ExternalReference))
		if err != nil {
			return err
		}
	}

	err = inTx(ctx, r.provider, func(_ context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(ref, newPaymentDocument(payment)); err != nil {
			return err
		}
		if referenceRef != nil {
			return tx.Create(referenceRef, paymentReferenceDocument{PaymentID: payment.ID})
		}
		return nil
	})
	if status.Code(err) == codes.AlreadyExists {
		return repositories.NewStoreError("payments.insert", repositories.StoreErrorConflict, fmt.Sprintf("payment %s or reference %s already exists", payment.ID, payment.ExternalReference), err)
	}
	return classify("payments.insert", err)
}

func (r *PaymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(paymentID))
	if err != nil {
		return domain.Payment{}, missing("payments.find", "payment", paymentID, err)
	}
	return doc.Data.toDomain(doc.ID)
}

func (r *PaymentRepository) FindByExternalReference(ctx context.Context, provider, reference string) (domain.Payment, error) {
	lookup, err := r.references.Get(ctx, indexKey(provider, reference))
	if err != nil {
		return domain.Payment{}, missing("payments.findByReference", "payment", provider+":"+reference, err)
	}
	return r.FindByID(ctx, lookup.Data.PaymentID)
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, update repositories.PaymentStatusUpdate) (domain.Payment, error) {
	ref, err := r.base.Ref(ctx, update.PaymentID)
	if err != nil {
		return domain.Payment{}, err
	}

	var saved domain.Payment
	err = inTx(ctx, r.provider, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return missing("payments.updateStatus", "payment", update.PaymentID, err)
		}
		var doc paymentDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode payment %s: %w", update.PaymentID, err)
		}
		if domain.PaymentStatus(doc.Status) != update.Expected {
			return repositories.Conflict("payments.updateStatus", "payment %s is %s, expected %s", update.PaymentID, doc.Status, update.Expected)
		}
		doc.Status = string(update.Status)
		doc.UpdatedAt = update.UpdatedAt.UTC()
		updates := []firestore.Update{
			{Path: "status", Value: doc.Status},
			{Path: "updatedAt", Value: doc.UpdatedAt},
		}
		if update.PaidAt != nil {
			doc.PaidAt = utcPtr(update.PaidAt)
			updates = append(updates, firestore.Update{Path: "paidAt", Value: *doc.PaidAt})
		}
		saved, err = doc.toDomain(update.PaymentID)
		if err != nil {
			return err
		}
		return tx.Update(ref, updates)
	})
	if err != nil {
		return domain.Payment{}, classify("payments.updateStatus", err)
	}
	return saved, nil
}

// ListByStatus relies on the composite index (status ASC, createdAt ASC).
func (r *PaymentRepository) ListByStatus(ctx context.Context, paymentStatus domain.PaymentStatus, limit int) ([]domain.Payment, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("status", "==", string(paymentStatus)).OrderBy("createdAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, classify("payments.listByStatus", err)
	}
	payments := make([]domain.Payment, 0, len(docs))
	for _, doc := range docs {
		payment, err := doc.Data.toDomain(doc.ID)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

type paymentDocument struct {
	OrderID           string     `firestore:"orderId"`
	Provider          string     `firestore:"provider"`
	Amount            string     `firestore:"amount"`
	Status            string     `firestore:"status"`
	ExternalReference string     `firestore:"externalReference"`
	QRPayload         string     `firestore:"qrPayload"`
	Artifact          string     `firestore:"artifact"`
	CreatedAt         time.Time  `firestore:"createdAt"`
	UpdatedAt         time.Time  `firestore:"updatedAt"`
	PaidAt            *time.Time `firestore:"paidAt,omitempty"`
}

type paymentReferenceDocument struct {
	PaymentID string `firestore:"paymentId"`
}

func newPaymentDocument(payment domain.Payment) paymentDocument {
	return paymentDocument{
		OrderID:           payment.OrderID,
		Provider:          payment.Provider,
		Amount:            payment.Amount.String(),
		Status:            string(payment.Status),
		ExternalReference: payment.ExternalReference,
		QRPayload:         payment.QRPayload,
		Artifact:          payment.Artifact,
		CreatedAt:         payment.CreatedAt.UTC(),
		UpdatedAt:         payment.UpdatedAt.UTC(),
		PaidAt:            utcPtr(payment.PaidAt),
	}
}

func (d paymentDocument) toDomain(id string) (domain.Payment, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("decode payment %s amount: %w", id, err)
	}
	return domain.Payment{
		ID:                id,
		OrderID:           d.OrderID,
		Provider:          d.Provider,
		Amount:            amount,
		Status:            domain.PaymentStatus(d.Status),
		ExternalReference: d.ExternalReference,
		QRPayload:         d.QRPayload,
		Artifact:          d.Artifact,
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
		PaidAt:            utcPtr(d.PaidAt),
	}, nil
}

// DiscrepancyRepository appends reconciliation conflicts.
type DiscrepancyRepository struct {
	base *pfirestore.Collection[discrepancyDocument]
}

var _ repositories.PaymentDiscrepancyRepository = (*DiscrepancyRepository)(nil)

func NewDiscrepancyRepository(provider *pfirestore.Provider) (*DiscrepancyRepository, error) {
	if provider == nil {
		return nil, errors.New("discrepancy repository requires firestore provider")
	}
	return &DiscrepancyRepository{
		base: pfirestore.NewCollection[discrepancyDocument](provider, discrepancyCollection),
	}, nil
}

func (r *DiscrepancyRepository) Insert(ctx context.Context, discrepancy domain.PaymentDiscrepancy) error {
	ref, err := r.base.Ref(ctx, discrepancy.ID)
	if err != nil {
		return err
	}
	doc := discrepancyDocument{
		PaymentID:     discrepancy.PaymentID,
		OrderID:       discrepancy.OrderID,
		OrderStatus:   string(discrepancy.OrderStatus),
		PaymentStatus: string(discrepancy.PaymentStatus),
		Reason:        discrepancy.Reason,
		CreatedAt:     discrepancy.CreatedAt.UTC(),
	}
	if tx := txFromContext(ctx); tx != nil {
		return tx.Create(ref, doc)
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return classify("discrepancies.insert", err)
	}
	return nil
}

func (r *DiscrepancyRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentDiscrepancy, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, classify("discrepancies.listByOrder", err)
	}
	result := make([]domain.PaymentDiscrepancy, 0, len(docs))
	for _, doc := range docs {
		result = append(result, domain.PaymentDiscrepancy{
			ID:            doc.ID,
			PaymentID:     doc.Data.PaymentID,
			OrderID:       doc.Data.OrderID,
			OrderStatus:   domain.OrderStatus(doc.Data.OrderStatus),
			PaymentStatus: domain.PaymentStatus(doc.Data.PaymentStatus),
			Reason:        doc.Data.Reason,
			CreatedAt:     doc.Data.CreatedAt.UTC(),
		})
	}
	return result, nil
}

type discrepancyDocument struct {
	PaymentID     string    `firestore:"paymentId"`
	OrderID       string    `firestore:"orderId"`
	OrderStatus   string    `firestore:"orderStatus"`
	PaymentStatus string    `firestore:"paymentStatus"`
	Reason        string    `firestore:"reason"`
	CreatedAt     time.Time `firestore:"createdAt"`
}
