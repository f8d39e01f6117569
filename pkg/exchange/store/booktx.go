package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/exstack/exchange/pkg/exchange"
)

// txStore implements exchange.OrderTx (Book + Ledger plus the order-entry
// and cancel operations) bound to one pgx transaction.
type txStore struct {
	tx pgx.Tx
}

// Candidate selection. FOR UPDATE serializes concurrent matchers that
// contend for the same resting orders: the second matcher blocks until
// the first commits, then re-reads the surviving row versions.
const (
	candidatesForBuy = `SELECT ` + orderColumns + ` FROM orders
		WHERE symbol = $1 AND status = 'open' AND amount < 0 AND limit_price <= $2
		ORDER BY limit_price ASC, time_created ASC, order_id ASC
		FOR UPDATE`

	candidatesForSell = `SELECT ` + orderColumns + ` FROM orders
		WHERE symbol = $1 AND status = 'open' AND amount > 0 AND limit_price >= $2
		ORDER BY limit_price DESC, time_created ASC, order_id ASC
		FOR UPDATE`
)

func (t *txStore) Candidates(ctx context.Context, taker *exchange.Order) ([]*exchange.Order, error) {
	q := candidatesForBuy
	if !taker.IsBuy() {
		q = candidatesForSell
	}

	rows, err := t.tx.Query(ctx, q, taker.Symbol, taker.Limit)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	defer rows.Close()

	var makers []*exchange.Order
	for rows.Next() {
		o := &exchange.Order{}
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Amount, &o.Limit, &o.Remaining, &o.Status, &o.TimeCreated); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		makers = append(makers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("candidates rows: %w", err)
	}
	return makers, nil
}

func (t *txStore) Fill(ctx context.Context, orderID int64, qty, price decimal.Decimal) error {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO executions (order_id, shares, price) VALUES ($1, $2, $3)`,
		orderID, qty, price); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	if _, err := t.tx.Exec(ctx,
		`UPDATE orders SET remaining_amount = remaining_amount - $1 WHERE order_id = $2`,
		qty, orderID); err != nil {
		return fmt.Errorf("decrement remaining: %w", err)
	}
	return nil
}

func (t *txStore) MarkExecuted(ctx context.Context, orderID int64) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = 'executed'
		 WHERE order_id = $1 AND remaining_amount = 0`, orderID); err != nil {
		return fmt.Errorf("mark executed: %w", err)
	}
	return nil
}

func (t *txStore) CreditBalance(ctx context.Context, accountID string, amount decimal.Decimal) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $1 WHERE account_id = $2`,
		amount, accountID); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

func (t *txStore) CreditPosition(ctx context.Context, accountID, sym string, qty decimal.Decimal) error {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO positions (account_id, symbol, amount) VALUES ($1, $2, $3)
		 ON CONFLICT (account_id, symbol)
		 DO UPDATE SET amount = positions.amount + EXCLUDED.amount`,
		accountID, sym, qty); err != nil {
		return fmt.Errorf("credit position: %w", err)
	}
	return nil
}

// DebitBalance escrows a buy order's worst-case cost under row lock.
func (t *txStore) DebitBalance(ctx context.Context, accountID string, amount decimal.Decimal) error {
	var balance decimal.Decimal
	err := t.tx.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE account_id = $1 FOR UPDATE`,
		accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return exchange.ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("lock balance: %w", err)
	}
	if balance.LessThan(amount) {
		return exchange.ErrInsufficientFunds
	}

	if _, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $1 WHERE account_id = $2`,
		amount, accountID); err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	return nil
}

// DebitPosition escrows a sell order's shares under row lock.
func (t *txStore) DebitPosition(ctx context.Context, accountID, sym string, qty decimal.Decimal) error {
	var held decimal.Decimal
	err := t.tx.QueryRow(ctx,
		`SELECT amount FROM positions WHERE account_id = $1 AND symbol = $2 FOR UPDATE`,
		accountID, sym).Scan(&held)
	if errors.Is(err, pgx.ErrNoRows) {
		return exchange.ErrInsufficientShares
	}
	if err != nil {
		return fmt.Errorf("lock position: %w", err)
	}
	if held.LessThan(qty) {
		return exchange.ErrInsufficientShares
	}

	if _, err := t.tx.Exec(ctx,
		`UPDATE positions SET amount = amount - $1 WHERE account_id = $2 AND symbol = $3`,
		qty, accountID, sym); err != nil {
		return fmt.Errorf("debit position: %w", err)
	}
	return nil
}

func (t *txStore) InsertOrder(ctx context.Context, o *exchange.Order) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (account_id, symbol, amount, limit_price, remaining_amount, status)
		 VALUES ($1, $2, $3, $4, $5, 'open')
		 RETURNING order_id, time_created`,
		o.AccountID, o.Symbol, o.Amount, o.Limit, o.Remaining).Scan(&o.ID, &o.TimeCreated)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *txStore) OrderForUpdate(ctx context.Context, orderID int64) (*exchange.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1 FOR UPDATE`, orderID))
}

func (t *txStore) MarkCanceled(ctx context.Context, orderID int64) (time.Time, error) {
	if _, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = 'canceled' WHERE order_id = $1`, orderID); err != nil {
		return time.Time{}, fmt.Errorf("mark canceled: %w", err)
	}

	var at time.Time
	err := t.tx.QueryRow(ctx,
		`INSERT INTO executions (order_id, shares, price) VALUES ($1, 0, 0)
		 RETURNING time_executed`, orderID).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("insert cancel marker: %w", err)
	}
	return at, nil
}

func (t *txStore) Fills(ctx context.Context, orderID int64) ([]exchange.Execution, error) {
	return queryFills(ctx, t.tx, orderID)
}
