package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses. "canceled" is used uniformly, in storage and on the
// wire.
const (
	StatusOpen     = "open"
	StatusExecuted = "executed"
	StatusCanceled = "canceled"
)

// Order is a limit order. Amount is signed: positive buys, negative
// sells. Remaining counts unfilled shares and never goes negative.
type Order struct {
	ID          int64
	AccountID   string
	Symbol      string
	Amount      decimal.Decimal
	Limit       decimal.Decimal
	Remaining   decimal.Decimal
	Status      string
	TimeCreated time.Time
}

func (o *Order) IsBuy() bool { return o.Amount.IsPositive() }

// Execution is one ledger row of the executions table. Shares == 0 marks
// the cancellation event.
type Execution struct {
	Shares decimal.Decimal
	Price  decimal.Decimal
	Time   time.Time
}

// Fill describes one match between a newly accepted order (taker) and a
// resting order (maker).
type Fill struct {
	TakerID int64
	MakerID int64
	Symbol  string
	Qty     decimal.Decimal
	Price   decimal.Decimal
}

// Position is a per-(account, symbol) share holding.
type Position struct {
	Symbol string
	Amount decimal.Decimal
}

// Business errors surfaced as per-child <error> nodes.
var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrOrderNotFound      = errors.New("order not found")
	ErrNotOpen            = errors.New("order is not open")
)

// Store is the persistence surface the handlers run against. The pgx
// implementation lives in pkg/exchange/store; tests substitute fakes.
type Store interface {
	// Provisioning.
	CreateAccount(ctx context.Context, id string, balance decimal.Decimal) (created bool, err error)
	CreateSymbol(ctx context.Context, sym string) error
	AddPosition(ctx context.Context, accountID, sym string, qty decimal.Decimal) error
	AccountExists(ctx context.Context, id string) (bool, error)

	// InTx runs fn inside one database transaction, committing on nil and
	// rolling back on error.
	InTx(ctx context.Context, fn func(OrderTx) error) error

	// Reads outside any explicit transaction.
	GetOrder(ctx context.Context, orderID int64) (*Order, error)
	Fills(ctx context.Context, orderID int64) ([]Execution, error)
	CancelTime(ctx context.Context, orderID int64) (time.Time, error)

	// Read side of the market-data API.
	GetAccount(ctx context.Context, id string) (decimal.Decimal, []Position, error)
	OpenOrders(ctx context.Context, sym string) ([]*Order, error)
}

// OrderTx is the transaction-bound surface used by order entry, matching
// and cancellation. Every mutation it performs is protected by row locks
// taken within the enclosing transaction.
type OrderTx interface {
	Book
	Ledger

	// DebitBalance withdraws the escrow for a buy under FOR UPDATE.
	// Returns ErrInsufficientFunds or ErrAccountNotFound.
	DebitBalance(ctx context.Context, accountID string, amount decimal.Decimal) error
	// DebitPosition withdraws shares for a sell under FOR UPDATE.
	// Returns ErrInsufficientShares.
	DebitPosition(ctx context.Context, accountID, sym string, qty decimal.Decimal) error
	// InsertOrder persists a new open order, filling ID and TimeCreated
	// from the database.
	InsertOrder(ctx context.Context, o *Order) error

	// OrderForUpdate loads an order under row lock.
	OrderForUpdate(ctx context.Context, orderID int64) (*Order, error)
	// MarkCanceled flips the order to canceled and appends the 0-share
	// marker execution, returning the marker's timestamp.
	MarkCanceled(ctx context.Context, orderID int64) (time.Time, error)
	// Fills lists the positive-share executions of an order, oldest first.
	Fills(ctx context.Context, orderID int64) ([]Execution, error)
}

// Trade is a committed fill as published on the market-data feed.
type Trade struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Shares     decimal.Decimal `json:"shares"`
	TakerOrder int64           `json:"taker_order"`
	MakerOrder int64           `json:"maker_order"`
	Time       int64           `json:"time"`
}

// TradePublisher receives committed fills. Implementations must not
// block; publication happens after commit on the order-entry path.
type TradePublisher interface {
	PublishTrade(Trade)
}
