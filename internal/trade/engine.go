package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocker/trade-engine/internal/id"
	"github.com/stocker/trade-engine/internal/model"
	"github.com/stocker/trade-engine/internal/oracle"
	"github.com/stocker/trade-engine/internal/store"
	"github.com/stocker/trade-engine/internal/symbol"
)

// Order is a request to buy or sell whole shares of one symbol.
type Order struct {
	UserID   string
	Symbol   string
	Side     model.Side
	Quantity int64
}

// Result describes a committed order.
type Result struct {
	TradeID    string
	Trade      model.Trade
	NewBalance decimal.Decimal

	// Position is the holding after the trade; nil when a sell closed it.
	Position *model.Position

	// RealizedGain is (price - avg cost) * quantity for sells, zero for buys.
	RealizedGain decimal.Decimal
}

// Engine executes orders against a Store. It holds no per-order state and
// is safe for concurrent use; serialization per account comes from
// Store.Atomically.
type Engine struct {
	store  store.Store
	oracle oracle.PriceOracle
	now    func() time.Time
	newID  func(time.Time) string
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock sets the source of trade timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs sets the trade ID generator. IDs must sort in execution order.
func WithIDs(newID func(time.Time) string) Option {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine creates an engine over st, pricing orders with po.
func NewEngine(st store.Store, po oracle.PriceOracle, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		oracle: po,
		now:    time.Now,
		newID:  id.NewAt,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Price reads the oracle once for symbol.
func (e *Engine) Price(sym string) (decimal.Decimal, error) {
	norm, err := symbol.Parse(sym)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidSymbol, sym)
	}
	price, err := e.oracle.CurrentPrice(norm)
	if errors.Is(err, oracle.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("%w: %s is not listed", ErrInvalidSymbol, norm)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: price %s: %w", ErrStoreUnavailable, norm, err)
	}
	return price, nil
}

// Submit prices o from the oracle and executes it at that price.
func (e *Engine) Submit(ctx context.Context, o Order) (*Result, error) {
	price, err := e.Price(o.Symbol)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, o, price)
}

// Execute validates o and, in one unit of work, moves cash, updates the
// position and appends a ledger entry at exactly price. On any error
// nothing is written.
func (e *Engine) Execute(ctx context.Context, o Order, price decimal.Decimal) (*Result, error) {
	o, err := normalize(o)
	if err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: no price for %s", ErrInvalidSymbol, o.Symbol)
	}

	var res *Result
	err = e.store.Atomically(ctx, o.UserID, func(ctx context.Context, tx store.Tx) error {
		r, err := e.apply(ctx, tx, o, price)
		res = r
		return err
	})
	if err != nil {
		return nil, classify(err, o.UserID)
	}
	return res, nil
}

func (e *Engine) apply(ctx context.Context, tx store.Tx, o Order, price decimal.Decimal) (*Result, error) {
	cash, err := tx.Balance(ctx, o.UserID)
	if err != nil {
		return nil, err
	}
	pos, err := tx.Position(ctx, o.UserID, o.Symbol)
	if err != nil {
		return nil, err
	}

	var (
		nextCash decimal.Decimal
		nextPos  *model.Position
		gain     decimal.Decimal
	)
	switch o.Side {
	case model.SideBuy:
		nextCash, nextPos, err = applyBuy(cash, pos, o, price)
	case model.SideSell:
		nextCash, nextPos, gain, err = applySell(cash, pos, o, price)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.SetBalance(ctx, o.UserID, nextCash); err != nil {
		return nil, err
	}
	if nextPos == nil {
		err = tx.DeletePosition(ctx, o.UserID, o.Symbol)
	} else {
		err = tx.UpsertPosition(ctx, nextPos)
	}
	if err != nil {
		return nil, err
	}

	ts := e.now().UTC()
	t := model.Trade{
		ID:        e.newID(ts),
		UserID:    o.UserID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Quantity:  o.Quantity,
		Price:     price,
		Total:     price.Mul(decimal.NewFromInt(o.Quantity)),
		Timestamp: ts,
	}
	tradeID, err := tx.AppendTrade(ctx, &t)
	if err != nil {
		return nil, err
	}
	t.ID = tradeID

	return &Result{
		TradeID:      tradeID,
		Trade:        t,
		NewBalance:   nextCash,
		Position:     nextPos,
		RealizedGain: gain,
	}, nil
}

func normalize(o Order) (Order, error) {
	if o.UserID == "" {
		return o, fmt.Errorf("%w: user_id is required", ErrInvalidOrder)
	}
	if !o.Side.Valid() {
		side, err := model.ParseSide(string(o.Side))
		if err != nil {
			return o, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
		o.Side = side
	}
	if o.Quantity <= 0 {
		return o, fmt.Errorf("%w: quantity must be a positive whole number, got %d", ErrInvalidOrder, o.Quantity)
	}
	sym, err := symbol.Parse(o.Symbol)
	if err != nil {
		return o, fmt.Errorf("%w: %q", ErrInvalidSymbol, o.Symbol)
	}
	o.Symbol = sym
	return o, nil
}

// --- Read side ---

// OpenAccount creates an account holding balance in cash.
func (e *Engine) OpenAccount(ctx context.Context, userID string, balance decimal.Decimal) (*model.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidAccount)
	}
	if balance.IsNegative() {
		return nil, fmt.Errorf("%w: starting balance must not be negative", ErrInvalidAccount)
	}
	a := &model.Account{
		UserID:          userID,
		CashBalance:     balance,
		StartingBalance: balance,
		CreatedAt:       e.now().UTC(),
	}
	if err := e.store.CreateAccount(ctx, a); err != nil {
		return nil, classify(err, userID)
	}
	return a, nil
}

// Account returns the user's current account.
func (e *Engine) Account(ctx context.Context, userID string) (*model.Account, error) {
	a, err := e.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, classify(err, userID)
	}
	return a, nil
}

// History returns the user's trades, most recent first.
func (e *Engine) History(ctx context.Context, userID string) ([]model.Trade, error) {
	trades, err := e.store.TradesByUser(ctx, userID)
	if err != nil {
		return nil, classify(err, userID)
	}
	return trades, nil
}

// Portfolio marks the user's holdings to the oracle's current prices.
func (e *Engine) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	a, err := e.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, classify(err, userID)
	}
	p := Valuate(*a, positions, e.oracle)
	return &p, nil
}

// Reconcile checks the user's balance and positions against the ledger.
// All three are read inside one unit of work on the primary store, so the
// report never mixes state from before and after a concurrent trade and
// never sees a cached snapshot.
func (e *Engine) Reconcile(ctx context.Context, userID string) (*Report, error) {
	var r Report
	err := e.store.Atomically(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.Account(ctx, userID)
		if err != nil {
			return err
		}
		positions, err := tx.Positions(ctx, userID)
		if err != nil {
			return err
		}
		trades, err := tx.TradesByUser(ctx, userID)
		if err != nil {
			return err
		}
		r = Reconcile(*a, positions, trades)
		return nil
	})
	if err != nil {
		return nil, classify(err, userID)
	}
	return &r, nil
}
