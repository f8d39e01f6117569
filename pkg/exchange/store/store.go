// Package store is the pgx-backed persistence layer of the exchange.
// All matching-path mutations run inside a single transaction per order
// request; serialization between concurrent matchers is entirely by
// row-level FOR UPDATE locks, never by in-process state.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/exstack/exchange/pkg/exchange"
)

// Store wraps the process-wide connection pool. It is handed to the
// exchange as an injected dependency so tests can substitute fakes.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.SugaredLogger
}

// Connect builds the process-wide pool and verifies connectivity.
func Connect(ctx context.Context, url string, minConns, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MinConns = minConns
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func New(pool *pgxpool.Pool, log *zap.SugaredLogger) *Store {
	return &Store{pool: pool, log: log}
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// CreateAccount inserts an account, reporting whether a new row was
// written. Re-creating an existing account is a no-op.
func (s *Store) CreateAccount(ctx context.Context, id string, balance decimal.Decimal) (bool, error) {
	ct, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (account_id, balance) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		id, balance)
	if err != nil {
		return false, fmt.Errorf("insert account: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// CreateSymbol idempotently registers a symbol.
func (s *Store) CreateSymbol(ctx context.Context, sym string) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO symbols (symbol) VALUES ($1) ON CONFLICT DO NOTHING`, sym); err != nil {
		return fmt.Errorf("insert symbol: %w", err)
	}
	return nil
}

// AddPosition adds qty to the account's position on sym, creating the
// position row if needed. ErrAccountNotFound when the account is unknown.
func (s *Store) AddPosition(ctx context.Context, accountID, sym string, qty decimal.Decimal) error {
	ct, err := s.pool.Exec(ctx,
		`INSERT INTO positions (account_id, symbol, amount)
		 SELECT $1, $2, $3
		 WHERE EXISTS (SELECT 1 FROM accounts WHERE account_id = $1)
		 ON CONFLICT (account_id, symbol)
		 DO UPDATE SET amount = positions.amount + EXCLUDED.amount`,
		accountID, sym, qty)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return exchange.ErrAccountNotFound
	}
	return nil
}

func (s *Store) AccountExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE account_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("account exists: %w", err)
	}
	return exists, nil
}

// InTx runs fn inside one transaction, committing on nil and rolling back
// on error. The OrderTx handed to fn is valid only within fn.
func (s *Store) InTx(ctx context.Context, fn func(exchange.OrderTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const orderColumns = `order_id, account_id, symbol, amount, limit_price, remaining_amount, status, time_created`

func scanOrder(row pgx.Row) (*exchange.Order, error) {
	o := &exchange.Order{}
	err := row.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Amount, &o.Limit, &o.Remaining, &o.Status, &o.TimeCreated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, exchange.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return o, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (*exchange.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID))
}

// Fills lists an order's positive-share executions, oldest first.
func (s *Store) Fills(ctx context.Context, orderID int64) ([]exchange.Execution, error) {
	return queryFills(ctx, s.pool, orderID)
}

// CancelTime returns the timestamp of the order's cancellation marker row.
func (s *Store) CancelTime(ctx context.Context, orderID int64) (time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT time_executed FROM executions
		 WHERE order_id = $1 AND shares = 0
		 ORDER BY time_executed DESC LIMIT 1`, orderID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, exchange.ErrOrderNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cancel time: %w", err)
	}
	return at, nil
}

// GetAccount returns an account's balance and positions for the
// market-data API.
func (s *Store) GetAccount(ctx context.Context, id string) (decimal.Decimal, []exchange.Position, error) {
	var balance decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE account_id = $1`, id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Decimal{}, nil, exchange.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Decimal{}, nil, fmt.Errorf("select balance: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT symbol, amount FROM positions WHERE account_id = $1 ORDER BY symbol`, id)
	if err != nil {
		return decimal.Decimal{}, nil, fmt.Errorf("select positions: %w", err)
	}
	defer rows.Close()

	var positions []exchange.Position
	for rows.Next() {
		var p exchange.Position
		if err := rows.Scan(&p.Symbol, &p.Amount); err != nil {
			return decimal.Decimal{}, nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return decimal.Decimal{}, nil, fmt.Errorf("positions rows: %w", err)
	}
	return balance, positions, nil
}

// OpenOrders lists a symbol's open orders for the market-data API, best
// prices inside each side first.
func (s *Store) OpenOrders(ctx context.Context, sym string) ([]*exchange.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE symbol = $1 AND status = 'open' AND remaining_amount > 0
		 ORDER BY amount > 0 DESC, limit_price ASC, time_created ASC, order_id ASC`, sym)
	if err != nil {
		return nil, fmt.Errorf("select open orders: %w", err)
	}
	defer rows.Close()

	var orders []*exchange.Order
	for rows.Next() {
		o := &exchange.Order{}
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Amount, &o.Limit, &o.Remaining, &o.Status, &o.TimeCreated); err != nil {
			return nil, fmt.Errorf("scan open order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("open orders rows: %w", err)
	}
	return orders, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryFills(ctx context.Context, q querier, orderID int64) ([]exchange.Execution, error) {
	rows, err := q.Query(ctx,
		`SELECT shares, price, time_executed FROM executions
		 WHERE order_id = $1 AND shares > 0
		 ORDER BY time_executed ASC, execution_id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("select fills: %w", err)
	}
	defer rows.Close()

	var fills []exchange.Execution
	for rows.Next() {
		var f exchange.Execution
		if err := rows.Scan(&f.Shares, &f.Price, &f.Time); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fills rows: %w", err)
	}
	return fills, nil
}
