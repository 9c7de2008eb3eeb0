package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fastfood-order/api/internal/platform/config"
	"github.com/fastfood-order/api/internal/repositories"
)

//go:embed schema.sql
var schema string

const (
	defaultConnectTimeout = 10 * time.Second
	codeUniqueViolation   = "23505"
	codeSerialization     = "40001"
	codeDeadlock          = "40P01"
)

type txKey struct{}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Registry exposes the PostgreSQL repositories backed by one connection pool.
type Registry struct {
	pool *pgxpool.Pool
}

var _ repositories.Registry = (*Registry)(nil)

// Open connects to PostgreSQL and optionally applies the embedded schema.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Registry, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	reg := NewRegistry(pool)
	if cfg.Migrate {
		if err := reg.Migrate(connectCtx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return reg, nil
}

// NewRegistry wraps an existing pool.
func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (r *Registry) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}

func (r *Registry) Close(context.Context) error {
	r.pool.Close()
	return nil
}

func (r *Registry) Ping(ctx context.Context) error {
	return classify("postgres.ping", r.pool.Ping(ctx))
}

func (r *Registry) Orders() repositories.OrderRepository { return &orderRepository{db: r} }

func (r *Registry) Payments() repositories.PaymentRepository { return &paymentRepository{db: r} }

func (r *Registry) Discrepancies() repositories.PaymentDiscrepancyRepository {
	return &discrepancyRepository{db: r}
}

func (r *Registry) Products() repositories.ProductRepository { return &productRepository{db: r} }

func (r *Registry) Clients() repositories.ClientRepository { return &clientRepository{db: r} }

// RunInTx runs fn in a transaction. Nested calls join the outer transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if fn == nil {
		return errors.New("postgres: transaction function is nil")
	}
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify("postgres.begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return classify("postgres.commit", err)
	}
	return nil
}

// q returns the transaction carried by ctx, or the pool.
func (r *Registry) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}

// classify maps pgx errors onto repositories.StoreError kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repositories.NewStoreError(op, repositories.StoreErrorNotFound, "record not found", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation, codeSerialization, codeDeadlock:
			return repositories.NewStoreError(op, repositories.StoreErrorConflict, pgErr.Message, err)
		}
		return repositories.NewStoreError(op, repositories.StoreErrorUnknown, pgErr.Message, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) {
		return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, err.Error(), err)
	}
	return repositories.NewStoreError(op, repositories.StoreErrorUnknown, err.Error(), err)
}
