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

const productColumns = `id, name, description, category, unit_price::text, quantity, created_at, updated_at`

type productRepository struct {
	db *Registry
}

func (r *productRepository) Insert(ctx context.Context, p domain.Product) error {
	_, err := r.db.q(ctx).Exec(ctx, `INSERT INTO products (id, name, description, category, unit_price, quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)`,
		p.ID, p.Name, p.Description, p.Category, p.UnitPrice.String(), p.Quantity, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	return classify("products.insert", err)
}

func (r *productRepository) Update(ctx context.Context, p domain.Product) error {
	tag, err := r.db.q(ctx).Exec(ctx, `UPDATE products SET name = $2, description = $3, category = $4,
		unit_price = $5::numeric, quantity = $6, updated_at = $7 WHERE id = $1`,
		p.ID, p.Name, p.Description, p.Category, p.UnitPrice.String(), p.Quantity, p.UpdatedAt.UTC())
	if err != nil {
		return classify("products.update", err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NotFound("products.update", "product %s not found", p.ID)
	}
	return nil
}

func (r *productRepository) Delete(ctx context.Context, productID string) error {
	tag, err := r.db.q(ctx).Exec(ctx, `DELETE FROM products WHERE id = $1`, productID)
	if err != nil {
		return classify("products.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NotFound("products.delete", "product %s not found", productID)
	}
	return nil
}

func (r *productRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	row := r.db.q(ctx).QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, strings.TrimSpace(productID))
	product, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, repositories.NotFound("products.find", "product %s not found", productID)
	}
	if err != nil {
		return domain.Product{}, classify("products.find", err)
	}
	return product, nil
}

func (r *productRepository) List(ctx context.Context, filter repositories.ProductListFilter) ([]domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	var args []any
	if category := strings.TrimSpace(filter.Category); category != "" {
		query += ` WHERE lower(category) = lower($1)`
		args = append(args, category)
	}
	query += ` ORDER BY category, name, id`

	rows, err := r.db.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, classify("products.list", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, classify("products.list", err)
		}
		products = append(products, product)
	}
	return products, classify("products.list", rows.Err())
}

func scanProduct(row pgx.Row) (domain.Product, error) {
	var (
		p     domain.Product
		price string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Category, &price, &p.Quantity, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	var err error
	p.UnitPrice, err = decimal.NewFromString(price)
	if err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s price: %w", p.ID, err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

const clientColumns = `id, cpf, name, email, status, created_at, updated_at`

type clientRepository struct {
	db *Registry
}

func (r *clientRepository) Insert(ctx context.Context, c domain.Client) error {
	_, err := r.db.q(ctx).Exec(ctx, `INSERT INTO clients (id, cpf, name, email, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.CPF, c.Name, c.Email, string(c.Status), c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	return classify("clients.insert", err)
}

func (r *clientRepository) Update(ctx context.Context, c domain.Client) error {
	tag, err := r.db.q(ctx).Exec(ctx, `UPDATE clients SET cpf = $2, name = $3, email = $4, status = $5, updated_at = $6
		WHERE id = $1`, c.ID, c.CPF, c.Name, c.Email, string(c.Status), c.UpdatedAt.UTC())
	if err != nil {
		return classify("clients.update", err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NotFound("clients.update", "client %s not found", c.ID)
	}
	return nil
}

func (r *clientRepository) Delete(ctx context.Context, clientID string) error {
	tag, err := r.db.q(ctx).Exec(ctx, `DELETE FROM clients WHERE id = $1`, clientID)
	if err != nil {
		return classify("clients.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NotFound("clients.delete", "client %s not found", clientID)
	}
	return nil
}

func (r *clientRepository) FindByID(ctx context.Context, clientID string) (domain.Client, error) {
	return r.findOne(ctx, "clients.find", `WHERE id = $1`, strings.TrimSpace(clientID))
}

func (r *clientRepository) FindByEmail(ctx context.Context, email string) (domain.Client, error) {
	return r.findOne(ctx, "clients.findByEmail", `WHERE email = $1`, email)
}

func (r *clientRepository) List(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.db.q(ctx).Query(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY name, id`)
	if err != nil {
		return nil, classify("clients.list", err)
	}
	defer rows.Close()

	var clients []domain.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, classify("clients.list", err)
		}
		clients = append(clients, client)
	}
	return clients, classify("clients.list", rows.Err())
}

func (r *clientRepository) findOne(ctx context.Context, op, where string, arg string) (domain.Client, error) {
	client, err := scanClient(r.db.q(ctx).QueryRow(ctx, `SELECT `+clientColumns+` FROM clients `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Client{}, repositories.NotFound(op, "client %s not found", arg)
	}
	if err != nil {
		return domain.Client{}, classify(op, err)
	}
	return client, nil
}

func scanClient(row pgx.Row) (domain.Client, error) {
	var (
		c      domain.Client
		status string
	)
	if err := row.Scan(&c.ID, &c.CPF, &c.Name, &c.Email, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Client{}, err
	}
	c.Status = domain.ClientStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}
