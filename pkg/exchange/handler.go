package exchange

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/exstack/exchange/pkg/wire"
)

// Exchange dispatches parsed requests: <create> envelopes to the
// provisioning path, <transactions> envelopes to order/query/cancel.
// Children of one envelope are independent units; a failed child never
// aborts its siblings.
type Exchange struct {
	db   Store
	log  *zap.SugaredLogger
	feed TradePublisher
}

// New builds the exchange. feed may be nil when no market-data fanout is
// wanted.
func New(db Store, log *zap.SugaredLogger, feed TradePublisher) *Exchange {
	return &Exchange{db: db, log: log, feed: feed}
}

// Process decodes one framed payload and returns the framed response
// body. It never fails: malformed input yields an error envelope.
func (e *Exchange) Process(ctx context.Context, payload []byte) []byte {
	req, err := wire.ParseRequest(payload)

	var results *wire.Results
	switch {
	case errors.Is(err, wire.ErrUnknownRoot):
		e.log.Warnw("unknown_request_root", "err", err)
		results = wire.UnknownRequestResults()
	case err != nil:
		e.log.Warnw("bad_request_xml", "err", err)
		results = wire.InvalidXMLResults()
	case req.Create != nil:
		results = e.handleCreate(ctx, req.Create)
	default:
		results = e.handleTransactions(ctx, req.Transactions)
	}

	out, err := results.Marshal()
	if err != nil {
		// Response nodes are plain structs; marshalling them cannot fail
		// unless a node type is broken.
		e.log.Errorw("marshal_response", "err", err)
		return []byte("<results><error>Internal server error</error></results>")
	}
	return out
}

// handleCreate applies a <create> envelope: account rows, symbol rows and
// seed positions, one result node per sub-operation in input order.
func (e *Exchange) handleCreate(ctx context.Context, c *wire.Create) *wire.Results {
	res := &wire.Results{}
	for _, child := range c.Children {
		switch {
		case child.Account != nil:
			e.createAccount(ctx, res, child.Account)
		case child.Symbol != nil:
			e.createSymbol(ctx, res, child.Symbol)
		}
	}
	return res
}

func (e *Exchange) createAccount(ctx context.Context, res *wire.Results, a *wire.CreateAccount) {
	if a.ID == "" || a.Balance == "" {
		res.Append(wire.Error{ID: a.ID, Text: "Missing required attributes"})
		return
	}

	balance, err := decimal.NewFromString(a.Balance)
	if err != nil || balance.IsNegative() {
		res.Append(wire.Error{ID: a.ID, Text: "Invalid balance value"})
		return
	}

	created, err := e.db.CreateAccount(ctx, a.ID, balance)
	if err != nil {
		e.log.Errorw("create_account", "account", a.ID, "err", err)
		res.Append(wire.Error{ID: a.ID, Text: "Database error"})
		return
	}
	// Re-creating an existing account is an idempotent no-op: no node.
	if created {
		res.Append(wire.Created{ID: a.ID})
	}
}

func (e *Exchange) createSymbol(ctx context.Context, res *wire.Results, s *wire.CreateSymbol) {
	if err := e.db.CreateSymbol(ctx, s.Sym); err != nil {
		e.log.Errorw("create_symbol", "symbol", s.Sym, "err", err)
		res.Append(wire.Error{Sym: s.Sym, Text: "Database error"})
		return
	}

	for _, seed := range s.Seeds {
		amount, err := decimal.NewFromString(strings.TrimSpace(seed.Amount))
		if err != nil || amount.IsNegative() {
			res.Append(wire.Error{Sym: s.Sym, ID: seed.AccountID, Text: "Invalid amount"})
			continue
		}

		switch err := e.db.AddPosition(ctx, seed.AccountID, s.Sym, amount); {
		case errors.Is(err, ErrAccountNotFound):
			res.Append(wire.Error{Sym: s.Sym, ID: seed.AccountID, Text: "Account does not exist"})
		case err != nil:
			e.log.Errorw("seed_position", "symbol", s.Sym, "account", seed.AccountID, "err", err)
			res.Append(wire.Error{Sym: s.Sym, ID: seed.AccountID, Text: "Database error"})
		default:
			res.Append(wire.Created{Sym: s.Sym, ID: seed.AccountID})
		}
	}
}

// handleTransactions validates the envelope account, then runs each child
// sequentially. Children are independent: each <order> and <cancel> gets
// its own transaction, each <query> reads committed state.
func (e *Exchange) handleTransactions(ctx context.Context, t *wire.Transactions) *wire.Results {
	res := &wire.Results{}

	exists, err := e.db.AccountExists(ctx, t.AccountID)
	if err != nil {
		e.log.Errorw("account_preflight", "account", t.AccountID, "err", err)
		errorAll(res, t.Children, "Database error")
		return res
	}
	if !exists {
		errorAll(res, t.Children, "Invalid account")
		return res
	}

	for _, child := range t.Children {
		switch {
		case child.Order != nil:
			res.Append(e.handleOrder(ctx, t.AccountID, child.Order))
		case child.Query != nil:
			res.Append(e.handleQuery(ctx, child.Query))
		case child.Cancel != nil:
			res.Append(e.handleCancel(ctx, child.Cancel))
		default:
			e.log.Warnw("unknown_transaction_child", "tag", child.Unknown, "account", t.AccountID)
		}
	}
	return res
}

// handleOrder pre-debits the submitter at their limit, inserts the order
// and matches it, all inside one transaction.
func (e *Exchange) handleOrder(ctx context.Context, accountID string, o *wire.Order) any {
	amount, aerr := decimal.NewFromString(o.Amount)
	limit, lerr := decimal.NewFromString(o.Limit)
	if aerr != nil || lerr != nil || amount.IsZero() || !limit.IsPositive() {
		return wire.Error{Sym: o.Sym, Amount: o.Amount, Limit: o.Limit, Text: "Invalid amount or limit value"}
	}

	ord := &Order{
		AccountID: accountID,
		Symbol:    o.Sym,
		Amount:    amount,
		Limit:     limit,
		Remaining: amount.Abs(),
		Status:    StatusOpen,
	}

	var fills []Fill
	err := e.db.InTx(ctx, func(tx OrderTx) error {
		if ord.IsBuy() {
			if err := tx.DebitBalance(ctx, accountID, amount.Mul(limit)); err != nil {
				return err
			}
		} else {
			if err := tx.DebitPosition(ctx, accountID, o.Sym, amount.Abs()); err != nil {
				return err
			}
		}

		if err := tx.InsertOrder(ctx, ord); err != nil {
			return err
		}

		var err error
		fills, err = NewMatcher(tx, tx).Match(ctx, ord)
		return err
	})

	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return wire.Error{Sym: o.Sym, Amount: o.Amount, Limit: o.Limit, Text: "Insufficient funds"}
	case errors.Is(err, ErrInsufficientShares):
		return wire.Error{Sym: o.Sym, Amount: o.Amount, Limit: o.Limit, Text: "Insufficient shares"}
	case err != nil:
		e.log.Errorw("order_entry", "account", accountID, "symbol", o.Sym, "err", err)
		return wire.Error{Sym: o.Sym, Amount: o.Amount, Limit: o.Limit, Text: "Database error"}
	}

	e.publish(fills)
	e.log.Infow("order_opened",
		"order", ord.ID, "account", accountID, "symbol", o.Sym,
		"amount", amount, "limit", limit, "fills", len(fills))

	return wire.Opened{Sym: o.Sym, Amount: o.Amount, Limit: o.Limit, ID: ord.ID}
}

// handleQuery reports an order's progress. Any account may query any
// order id; the protocol has no per-order authorization.
func (e *Exchange) handleQuery(ctx context.Context, q *wire.Query) any {
	orderID, err := strconv.ParseInt(q.ID, 10, 64)
	if err != nil {
		return wire.Error{ID: q.ID, Text: "Invalid transaction ID"}
	}

	ord, err := e.db.GetOrder(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return wire.Error{ID: q.ID, Text: "Order not found"}
	}
	if err != nil {
		e.log.Errorw("query_order", "order", orderID, "err", err)
		return wire.Error{ID: q.ID, Text: "Database error"}
	}

	status := wire.Status{ID: orderID}

	if ord.Status == StatusOpen && ord.Remaining.IsPositive() {
		status.Children = append(status.Children, wire.Open{Shares: ord.Remaining.String()})
	}

	if ord.Status == StatusCanceled {
		at, err := e.db.CancelTime(ctx, orderID)
		if err != nil {
			e.log.Errorw("query_cancel_time", "order", orderID, "err", err)
			return wire.Error{ID: q.ID, Text: "Database error"}
		}
		status.Children = append(status.Children, wire.CanceledAt{
			Shares: ord.Remaining.String(),
			Time:   at.Unix(),
		})
	}

	fills, err := e.db.Fills(ctx, orderID)
	if err != nil {
		e.log.Errorw("query_fills", "order", orderID, "err", err)
		return wire.Error{ID: q.ID, Text: "Database error"}
	}
	for _, f := range fills {
		status.Children = append(status.Children, executedNode(f))
	}

	return status
}

// handleCancel cancels the whole unfilled remainder of an open order and
// refunds the submitter's escrow.
func (e *Exchange) handleCancel(ctx context.Context, c *wire.Cancel) any {
	orderID, err := strconv.ParseInt(c.ID, 10, 64)
	if err != nil {
		return wire.Error{ID: c.ID, Text: "Invalid transaction ID"}
	}

	var node wire.Canceled
	err = e.db.InTx(ctx, func(tx OrderTx) error {
		ord, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if ord.Status != StatusOpen || !ord.Remaining.IsPositive() {
			return ErrNotOpen
		}

		at, err := tx.MarkCanceled(ctx, orderID)
		if err != nil {
			return err
		}

		// Refund the unfilled portion: escrowed cash for buys, shares for
		// sells.
		if ord.IsBuy() {
			if err := tx.CreditBalance(ctx, ord.AccountID, ord.Remaining.Mul(ord.Limit)); err != nil {
				return err
			}
		} else {
			if err := tx.CreditPosition(ctx, ord.AccountID, ord.Symbol, ord.Remaining); err != nil {
				return err
			}
		}

		fills, err := tx.Fills(ctx, orderID)
		if err != nil {
			return err
		}

		node = wire.Canceled{ID: orderID}
		node.Children = append(node.Children, wire.CanceledAt{
			Shares: ord.Remaining.String(),
			Time:   at.Unix(),
		})
		for _, f := range fills {
			node.Children = append(node.Children, executedNode(f))
		}
		return nil
	})

	switch {
	case errors.Is(err, ErrOrderNotFound):
		return wire.Error{ID: c.ID, Text: "Order not found"}
	case errors.Is(err, ErrNotOpen):
		return wire.Error{ID: c.ID, Text: "Order cannot be canceled"}
	case err != nil:
		e.log.Errorw("cancel_order", "order", orderID, "err", err)
		return wire.Error{ID: c.ID, Text: "Database error"}
	}

	e.log.Infow("order_canceled", "order", orderID)
	return node
}

// errorAll answers every child with the same error text, mirroring each
// child's identifying attributes. Unknown children stay silent.
func errorAll(res *wire.Results, children []wire.TxnChild, text string) {
	for _, child := range children {
		switch {
		case child.Order != nil:
			o := child.Order
			res.Append(wire.Error{Sym: o.Sym, Amount: o.Amount, Limit: o.Limit, Text: text})
		case child.Query != nil:
			res.Append(wire.Error{ID: child.Query.ID, Text: text})
		case child.Cancel != nil:
			res.Append(wire.Error{ID: child.Cancel.ID, Text: text})
		}
	}
}

func (e *Exchange) publish(fills []Fill) {
	if e.feed == nil {
		return
	}
	now := time.Now().Unix()
	for _, f := range fills {
		e.feed.PublishTrade(Trade{
			Symbol:     f.Symbol,
			Price:      f.Price,
			Shares:     f.Qty,
			TakerOrder: f.TakerID,
			MakerOrder: f.MakerID,
			Time:       now,
		})
	}
}

func executedNode(f Execution) wire.Executed {
	return wire.Executed{
		Shares: f.Shares.String(),
		Price:  f.Price.String(),
		Time:   f.Time.Unix(),
	}
}

