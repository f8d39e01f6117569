package exchange

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// memStore is an in-memory Store + OrderTx used to exercise the matcher
// and handlers without Postgres. It has no rollback: handlers validate
// before mutating, so the error paths under test never leave partial
// state behind. Every state change advances a fake clock by one second,
// which keeps time-ordered reads deterministic.
type memStore struct {
	balances  map[string]decimal.Decimal
	positions map[string]map[string]decimal.Decimal
	symbols   map[string]bool
	orders    map[int64]*Order
	execs     map[int64][]Execution
	nextID    int64
	now       time.Time
}

func newMemStore() *memStore {
	return &memStore{
		balances:  make(map[string]decimal.Decimal),
		positions: make(map[string]map[string]decimal.Decimal),
		symbols:   make(map[string]bool),
		orders:    make(map[int64]*Order),
		execs:     make(map[int64][]Execution),
		now:       time.Unix(1_700_000_000, 0),
	}
}

func (m *memStore) tick() time.Time {
	m.now = m.now.Add(time.Second)
	return m.now
}

func cloneOrder(o *Order) *Order {
	c := *o
	return &c
}

// ---- Store ----

func (m *memStore) CreateAccount(_ context.Context, id string, balance decimal.Decimal) (bool, error) {
	if _, ok := m.balances[id]; ok {
		return false, nil
	}
	m.balances[id] = balance
	return true, nil
}

func (m *memStore) CreateSymbol(_ context.Context, sym string) error {
	m.symbols[sym] = true
	return nil
}

func (m *memStore) AddPosition(_ context.Context, accountID, sym string, qty decimal.Decimal) error {
	if _, ok := m.balances[accountID]; !ok {
		return ErrAccountNotFound
	}
	if m.positions[accountID] == nil {
		m.positions[accountID] = make(map[string]decimal.Decimal)
	}
	m.positions[accountID][sym] = m.positions[accountID][sym].Add(qty)
	return nil
}

func (m *memStore) AccountExists(_ context.Context, id string) (bool, error) {
	_, ok := m.balances[id]
	return ok, nil
}

func (m *memStore) InTx(_ context.Context, fn func(OrderTx) error) error {
	return fn(m)
}

func (m *memStore) GetOrder(_ context.Context, orderID int64) (*Order, error) {
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *memStore) Fills(_ context.Context, orderID int64) ([]Execution, error) {
	var fills []Execution
	for _, e := range m.execs[orderID] {
		if e.Shares.IsPositive() {
			fills = append(fills, e)
		}
	}
	return fills, nil
}

func (m *memStore) CancelTime(_ context.Context, orderID int64) (time.Time, error) {
	for _, e := range m.execs[orderID] {
		if e.Shares.IsZero() {
			return e.Time, nil
		}
	}
	return time.Time{}, ErrOrderNotFound
}

func (m *memStore) GetAccount(_ context.Context, id string) (decimal.Decimal, []Position, error) {
	balance, ok := m.balances[id]
	if !ok {
		return decimal.Decimal{}, nil, ErrAccountNotFound
	}
	var positions []Position
	for sym, amt := range m.positions[id] {
		positions = append(positions, Position{Symbol: sym, Amount: amt})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return balance, positions, nil
}

func (m *memStore) OpenOrders(_ context.Context, sym string) ([]*Order, error) {
	var orders []*Order
	for _, o := range m.orders {
		if o.Symbol == sym && o.Status == StatusOpen && o.Remaining.IsPositive() {
			orders = append(orders, cloneOrder(o))
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

// ---- OrderTx (Book + Ledger) ----

func (m *memStore) Candidates(_ context.Context, taker *Order) ([]*Order, error) {
	var makers []*Order
	for _, o := range m.orders {
		if o.Symbol != taker.Symbol || o.Status != StatusOpen {
			continue
		}
		if taker.IsBuy() {
			if o.Amount.IsNegative() && o.Limit.LessThanOrEqual(taker.Limit) {
				makers = append(makers, cloneOrder(o))
			}
		} else {
			if o.Amount.IsPositive() && o.Limit.GreaterThanOrEqual(taker.Limit) {
				makers = append(makers, cloneOrder(o))
			}
		}
	}
	sort.Slice(makers, func(i, j int) bool {
		a, b := makers[i], makers[j]
		if !a.Limit.Equal(b.Limit) {
			if taker.IsBuy() {
				return a.Limit.LessThan(b.Limit)
			}
			return a.Limit.GreaterThan(b.Limit)
		}
		if !a.TimeCreated.Equal(b.TimeCreated) {
			return a.TimeCreated.Before(b.TimeCreated)
		}
		return a.ID < b.ID
	})
	return makers, nil
}

func (m *memStore) Fill(_ context.Context, orderID int64, qty, price decimal.Decimal) error {
	m.execs[orderID] = append(m.execs[orderID], Execution{Shares: qty, Price: price, Time: m.tick()})
	o := m.orders[orderID]
	o.Remaining = o.Remaining.Sub(qty)
	return nil
}

func (m *memStore) MarkExecuted(_ context.Context, orderID int64) error {
	if o := m.orders[orderID]; o.Remaining.IsZero() {
		o.Status = StatusExecuted
	}
	return nil
}

func (m *memStore) CreditBalance(_ context.Context, accountID string, amount decimal.Decimal) error {
	m.balances[accountID] = m.balances[accountID].Add(amount)
	return nil
}

func (m *memStore) CreditPosition(ctx context.Context, accountID, sym string, qty decimal.Decimal) error {
	return m.AddPosition(ctx, accountID, sym, qty)
}

func (m *memStore) DebitBalance(_ context.Context, accountID string, amount decimal.Decimal) error {
	balance, ok := m.balances[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if balance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	m.balances[accountID] = balance.Sub(amount)
	return nil
}

func (m *memStore) DebitPosition(_ context.Context, accountID, sym string, qty decimal.Decimal) error {
	held := m.positions[accountID][sym]
	if held.LessThan(qty) {
		return ErrInsufficientShares
	}
	m.positions[accountID][sym] = held.Sub(qty)
	return nil
}

func (m *memStore) InsertOrder(_ context.Context, o *Order) error {
	m.nextID++
	o.ID = m.nextID
	o.TimeCreated = m.tick()
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *memStore) OrderForUpdate(_ context.Context, orderID int64) (*Order, error) {
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *memStore) MarkCanceled(_ context.Context, orderID int64) (time.Time, error) {
	m.orders[orderID].Status = StatusCanceled
	at := m.tick()
	m.execs[orderID] = append(m.execs[orderID], Execution{Shares: decimal.Zero, Price: decimal.Zero, Time: at})
	return at, nil
}
