package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/repositories"
)

const orderColumns = `id, client_id, status, value::text, payment_id, payment_reference, notes,
	created_at, updated_at, paid_at, completed_at, canceled_at, cancel_reason`

type orderRepository struct {
	db *Registry
}

func (r *orderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.db.RunInTx(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)
		_, err := q.Exec(ctx, `INSERT INTO orders (id, client_id, status, value, payment_id, payment_reference, notes,
			created_at, updated_at, paid_at, completed_at, canceled_at, cancel_reason)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			order.ID, order.ClientID, string(order.Status), order.Value.String(), order.PaymentID, order.PaymentReference,
			order.Notes, order.CreatedAt.UTC(), order.UpdatedAt.UTC(), order.PaidAt, order.CompletedAt, order.CanceledAt,
			order.CancelReason)
		if err != nil {
			return classify("orders.insert", err)
		}
		batch := &pgx.Batch{}
		for i, item := range order.Items {
			batch.Queue(`INSERT INTO order_items (order_id, position, product_id, name, category, quantity, unit_price, note)
				VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8)`,
				order.ID, i, item.ProductID, item.Name, item.Category, item.Quantity, item.UnitPrice.String(), item.Note)
		}
		if batch.Len() == 0 {
			return nil
		}
		tx, ok := q.(pgx.Tx)
		if !ok {
			return fmt.Errorf("orders.insert: items require a transaction")
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return classify("orders.insertItems", err)
		}
		return nil
	})
}

func (r *orderRepository) Update(ctx context.Context, order domain.Order) error {
	tag, err := r.db.q(ctx).Exec(ctx, `UPDATE orders SET client_id = $2, notes = $3, updated_at = $4 WHERE id = $1`,
		order.ID, order.ClientID, order.Notes, order.UpdatedAt.UTC())
	if err != nil {
		return classify("orders.update", err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NotFound("orders.update", "order %s not found", order.ID)
	}
	return nil
}

func (r *orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	row := r.db.q(ctx).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, strings.TrimSpace(orderID))
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, repositories.NotFound("orders.find", "order %s not found", orderID)
		}
		return domain.Order{}, classify("orders.find", err)
	}
	if err := r.loadItems(ctx, []*domain.Order{&order}); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// UpdateStatus performs a compare-and-set on the status column.
func (r *orderRepository) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	row := r.db.q(ctx).QueryRow(ctx, `UPDATE orders SET
			status = $3,
			updated_at = $4,
			paid_at = COALESCE($5, paid_at),
			completed_at = COALESCE($6, completed_at),
			canceled_at = COALESCE($7, canceled_at),
			cancel_reason = COALESCE($8, cancel_reason)
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		update.OrderID, string(update.Expected), string(update.Status), update.UpdatedAt.UTC(),
		update.PaidAt, update.CompletedAt, update.CanceledAt, update.CancelReason)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var current string
		lookup := r.db.q(ctx).QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, update.OrderID)
		if err := lookup.Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.Order{}, repositories.NotFound("orders.updateStatus", "order %s not found", update.OrderID)
			}
			return domain.Order{}, classify("orders.updateStatus", err)
		}
		return domain.Order{}, repositories.Conflict("orders.updateStatus", "order %s is %s, expected %s", update.OrderID, current, update.Expected)
	}
	if err != nil {
		return domain.Order{}, classify("orders.updateStatus", err)
	}
	if err := r.loadItems(ctx, []*domain.Order{&order}); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *orderRepository) AttachPayment(ctx context.Context, link repositories.OrderPaymentLink) error {
	tag, err := r.db.q(ctx).Exec(ctx, `UPDATE orders SET payment_id = $2, payment_reference = $3, updated_at = $4 WHERE id = $1`,
		link.OrderID, link.PaymentID, link.PaymentReference, link.UpdatedAt.UTC())
	if err != nil {
		return classify("orders.attachPayment", err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NotFound("orders.attachPayment", "order %s not found", link.OrderID)
	}
	return nil
}

func (r *orderRepository) ListActive(ctx context.Context) ([]domain.Order, error) {
	statuses := make([]string, 0, len(repositories.ActiveOrderStatuses))
	for _, s := range repositories.ActiveOrderStatuses {
		statuses = append(statuses, string(s))
	}
	return r.list(ctx, "orders.listActive", `SELECT `+orderColumns+` FROM orders
		WHERE status = ANY($1) AND COALESCE(payment_reference, '') <> ''
		ORDER BY created_at, id`, statuses)
}

func (r *orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	var (
		clauses []string
		args    []any
	)
	if clientID := strings.TrimSpace(filter.ClientID); clientID != "" {
		args = append(args, clientID)
		clauses = append(clauses, fmt.Sprintf("client_id = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, s := range filter.Status {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	return r.list(ctx, "orders.list", query, args...)
}

func (r *orderRepository) Delete(ctx context.Context, orderID string) error {
	tag, err := r.db.q(ctx).Exec(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	if err != nil {
		return classify("orders.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NotFound("orders.delete", "order %s not found", orderID)
	}
	return nil
}

func (r *orderRepository) list(ctx context.Context, op, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	rows.Close()

	ptrs := make([]*domain.Order, len(orders))
	for i := range orders {
		ptrs[i] = &orders[i]
	}
	if err := r.loadItems(ctx, ptrs); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *orderRepository) loadItems(ctx context.Context, orders []*domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	byID := make(map[string]*domain.Order, len(orders))
	for i, order := range orders {
		ids[i] = order.ID
		byID[order.ID] = order
	}
	rows, err := r.db.q(ctx).Query(ctx, `SELECT order_id, product_id, name, category, quantity, unit_price::text, note
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`, ids)
	if err != nil {
		return classify("orders.items", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			orderID string
			price   string
			item    domain.OrderLineItem
		)
		if err := rows.Scan(&orderID, &item.ProductID, &item.Name, &item.Category, &item.Quantity, &price, &item.Note); err != nil {
			return classify("orders.items", err)
		}
		item.UnitPrice, err = decimal.NewFromString(price)
		if err != nil {
			return fmt.Errorf("decode order %s item price: %w", orderID, err)
		}
		if order, ok := byID[orderID]; ok {
			order.Items = append(order.Items, item)
		}
	}
	return classify("orders.items", rows.Err())
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order  domain.Order
		status string
		value  string
	)
	err := row.Scan(&order.ID, &order.ClientID, &status, &value, &order.PaymentID, &order.PaymentReference, &order.Notes,
		&order.CreatedAt, &order.UpdatedAt, &order.PaidAt, &order.CompletedAt, &order.CanceledAt, &order.CancelReason)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.Value, err = decimal.NewFromString(value)
	if err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s value: %w", order.ID, err)
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.PaidAt = utc(order.PaidAt)
	order.CompletedAt = utc(order.CompletedAt)
	order.CanceledAt = utc(order.CanceledAt)
	return order, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
