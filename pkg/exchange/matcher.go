package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Book retrieves and mutates resting orders inside one transaction.
type Book interface {
	// Candidates returns the open counter-orders a taker may match, in
	// price-time priority (best price first, then earliest time_created,
	// then lowest order_id), locked against concurrent matchers.
	Candidates(ctx context.Context, taker *Order) ([]*Order, error)
	// Fill appends an execution row for orderID and decrements its
	// remaining amount by qty.
	Fill(ctx context.Context, orderID int64, qty, price decimal.Decimal) error
	// MarkExecuted flips a fully filled order to executed.
	MarkExecuted(ctx context.Context, orderID int64) error
}

// Ledger settles fills against account balances and positions.
type Ledger interface {
	CreditBalance(ctx context.Context, accountID string, amount decimal.Decimal) error
	CreditPosition(ctx context.Context, accountID, sym string, qty decimal.Decimal) error
}

// Matcher sweeps the book for one newly accepted order. It runs inside
// the same transaction that pre-debited the submitter and inserted the
// order, so a failed match rolls back the whole order.
type Matcher struct {
	book   Book
	ledger Ledger
}

func NewMatcher(book Book, ledger Ledger) *Matcher {
	return &Matcher{book: book, ledger: ledger}
}

// Match consumes counter-orders until the taker is filled or the book is
// exhausted. The resting party sets the execution price; the buyer's
// escrow surplus over that price is refunded per fill. Returns the fills
// in execution order and leaves taker.Remaining/Status updated.
func (m *Matcher) Match(ctx context.Context, taker *Order) ([]Fill, error) {
	makers, err := m.book.Candidates(ctx, taker)
	if err != nil {
		return nil, fmt.Errorf("candidates: %w", err)
	}

	var fills []Fill
	for _, maker := range makers {
		if !taker.Remaining.IsPositive() {
			break
		}
		if maker.Status != StatusOpen || !maker.Remaining.IsPositive() {
			continue
		}

		price := taker.Limit
		if restsBefore(maker, taker) {
			price = maker.Limit
		}
		qty := decimal.Min(taker.Remaining, maker.Remaining)

		if err := m.book.Fill(ctx, taker.ID, qty, price); err != nil {
			return nil, fmt.Errorf("fill taker %d: %w", taker.ID, err)
		}
		if err := m.book.Fill(ctx, maker.ID, qty, price); err != nil {
			return nil, fmt.Errorf("fill maker %d: %w", maker.ID, err)
		}
		taker.Remaining = taker.Remaining.Sub(qty)
		maker.Remaining = maker.Remaining.Sub(qty)

		if maker.Remaining.IsZero() {
			if err := m.book.MarkExecuted(ctx, maker.ID); err != nil {
				return nil, fmt.Errorf("mark maker %d executed: %w", maker.ID, err)
			}
			maker.Status = StatusExecuted
		}

		if err := m.settle(ctx, taker, maker, qty, price); err != nil {
			return nil, err
		}

		fills = append(fills, Fill{
			TakerID: taker.ID,
			MakerID: maker.ID,
			Symbol:  taker.Symbol,
			Qty:     qty,
			Price:   price,
		})
	}

	if taker.Remaining.IsZero() {
		if err := m.book.MarkExecuted(ctx, taker.ID); err != nil {
			return nil, fmt.Errorf("mark taker %d executed: %w", taker.ID, err)
		}
		taker.Status = StatusExecuted
	}

	return fills, nil
}

// settle moves money and shares for one fill. The seller is always
// credited qty x price; the buyer receives the shares plus a refund of
// the escrowed surplus when their limit beats the execution price.
func (m *Matcher) settle(ctx context.Context, taker, maker *Order, qty, price decimal.Decimal) error {
	buyer, seller := taker, maker
	if !taker.IsBuy() {
		buyer, seller = maker, taker
	}

	if err := m.ledger.CreditBalance(ctx, seller.AccountID, qty.Mul(price)); err != nil {
		return fmt.Errorf("credit seller %s: %w", seller.AccountID, err)
	}
	if err := m.ledger.CreditPosition(ctx, buyer.AccountID, taker.Symbol, qty); err != nil {
		return fmt.Errorf("credit buyer position %s: %w", buyer.AccountID, err)
	}
	if buyer.Limit.GreaterThan(price) {
		refund := qty.Mul(buyer.Limit.Sub(price))
		if err := m.ledger.CreditBalance(ctx, buyer.AccountID, refund); err != nil {
			return fmt.Errorf("refund buyer %s: %w", buyer.AccountID, err)
		}
	}
	return nil
}

// restsBefore reports whether a was on the book before b. Equal creation
// times fall back to order id, which the server issues monotonically.
func restsBefore(a, b *Order) bool {
	if !a.TimeCreated.Equal(b.TimeCreated) {
		return a.TimeCreated.Before(b.TimeCreated)
	}
	return a.ID < b.ID
}
