package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/repositories"
)

const paymentColumns = `id, order_id, provider, amount::text, status, external_reference, qr_payload, artifact,
	created_at, updated_at, paid_at`

type paymentRepository struct {
	db *Registry
}

func (r *paymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	_, err := r.db.q(ctx).Exec(ctx, `INSERT INTO payments (id, order_id, provider, amount, status, external_reference,
		qr_payload, artifact, created_at, updated_at, paid_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11)`,
		payment.ID, payment.OrderID, payment.Provider, payment.Amount.String(), string(payment.Status),
		payment.ExternalReference, payment.QRPayload, payment.Artifact, payment.CreatedAt.UTC(), payment.UpdatedAt.UTC(),
		payment.PaidAt)
	return classify("payments.insert", err)
}

func (r *paymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	row := r.db.q(ctx).QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, strings.TrimSpace(paymentID))
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, repositories.NotFound("payments.find", "payment %s not found", paymentID)
	}
	if err != nil {
		return domain.Payment{}, classify("payments.find", err)
	}
	return payment, nil
}

func (r *paymentRepository) FindByExternalReference(ctx context.Context, provider, reference string) (domain.Payment, error) {
	row := r.db.q(ctx).QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider = $1 AND external_reference = $2`,
		provider, reference)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, repositories.NotFound("payments.findByReference", "payment %s:%s not found", provider, reference)
	}
	if err != nil {
		return domain.Payment{}, classify("payments.findByReference", err)
	}
	return payment, nil
}

func (r *paymentRepository) UpdateStatus(ctx context.Context, update repositories.PaymentStatusUpdate) (domain.Payment, error) {
	row := r.db.q(ctx).QueryRow(ctx, `UPDATE payments SET status = $3, updated_at = $4, paid_at = COALESCE($5, paid_at)
		WHERE id = $1 AND status = $2 RETURNING `+paymentColumns,
		update.PaymentID, string(update.Expected), string(update.Status), update.UpdatedAt.UTC(), update.PaidAt)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var current string
		if err := r.db.q(ctx).QueryRow(ctx, `SELECT status FROM payments WHERE id = $1`, update.PaymentID).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.Payment{}, repositories.NotFound("payments.updateStatus", "payment %s not found", update.PaymentID)
			}
			return domain.Payment{}, classify("payments.updateStatus", err)
		}
		return domain.Payment{}, repositories.Conflict("payments.updateStatus", "payment %s is %s, expected %s", update.PaymentID, current, update.Expected)
	}
	if err != nil {
		return domain.Payment{}, classify("payments.updateStatus", err)
	}
	return payment, nil
}

func (r *paymentRepository) ListByStatus(ctx context.Context, status domain.PaymentStatus, limit int) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE status = $1 ORDER BY created_at, id`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.db.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, classify("payments.listByStatus", err)
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, classify("payments.listByStatus", err)
		}
		payments = append(payments, payment)
	}
	return payments, classify("payments.listByStatus", rows.Err())
}

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		payment domain.Payment
		amount  string
		status  string
	)
	err := row.Scan(&payment.ID, &payment.OrderID, &payment.Provider, &amount, &status, &payment.ExternalReference,
		&payment.QRPayload, &payment.Artifact, &payment.CreatedAt, &payment.UpdatedAt, &payment.PaidAt)
	if err != nil {
		return domain.Payment{}, err
	}
	payment.Status = domain.PaymentStatus(status)
	payment.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("decode payment %s amount: %w", payment.ID, err)
	}
	payment.CreatedAt = payment.CreatedAt.UTC()
	payment.UpdatedAt = payment.UpdatedAt.UTC()
	payment.PaidAt = utc(payment.PaidAt)
	return payment, nil
}

type discrepancyRepository struct {
	db *Registry
}

func (r *discrepancyRepository) Insert(ctx context.Context, d domain.PaymentDiscrepancy) error {
	_, err := r.db.q(ctx).Exec(ctx, `INSERT INTO payment_discrepancies (id, payment_id, order_id, order_status, payment_status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.PaymentID, d.OrderID, string(d.OrderStatus), string(d.PaymentStatus), d.Reason, d.CreatedAt.UTC())
	return classify("discrepancies.insert", err)
}

func (r *discrepancyRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentDiscrepancy, error) {
	rows, err := r.db.q(ctx).Query(ctx, `SELECT id, payment_id, order_id, order_status, payment_status, reason, created_at
		FROM payment_discrepancies WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, classify("discrepancies.listByOrder", err)
	}
	defer rows.Close()

	var result []domain.PaymentDiscrepancy
	for rows.Next() {
		var (
			d             domain.PaymentDiscrepancy
			orderStatus   string
			paymentStatus string
		)
		if err := rows.Scan(&d.ID, &d.PaymentID, &d.OrderID, &orderStatus, &paymentStatus, &d.Reason, &d.CreatedAt); err != nil {
			return nil, classify("discrepancies.listByOrder", err)
		}
		d.OrderStatus = domain.OrderStatus(orderStatus)
		d.PaymentStatus = domain.PaymentStatus(paymentStatus)
		d.CreatedAt = d.CreatedAt.UTC()
		result = append(result, d)
	}
	return result, classify("discrepancies.listByOrder", rows.Err())
}
