// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts "buy" or "sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("side must be buy or sell, got %q", s)
}

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Account holds a user's cash. StartingBalance is kept so the ledger can be
// reconciled against the current balance.
type Account struct {
	UserID          string          `json:"user_id" db:"user_id"`
	CashBalance     decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	StartingBalance decimal.Decimal `json:"starting_balance" db:"starting_balance"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's current holding in one symbol. A position with zero
// quantity is never persisted.
type Position struct {
	UserID   string          `json:"user_id" db:"user_id"`
	Symbol   string          `json:"symbol" db:"symbol"`
	Quantity int64           `json:"quantity" db:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost" db:"avg_cost"`
}

// CostBasis is the total purchase cost of the shares currently held.
func (p Position) CostBasis() decimal.Decimal {
	return p.AvgCost.Mul(decimal.NewFromInt(p.Quantity))
}

// Trade is an immutable ledger entry for one executed order.
// Once created, these are never modified or deleted.
type Trade struct {
	ID        string          `json:"trade_id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Side      Side            `json:"side" db:"side"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"` // execution price, frozen at submit
	Total     decimal.Decimal `json:"total" db:"total"` // quantity * price
	Timestamp time.Time       `json:"timestamp" db:"executed_at"`
}

// CashFlow is the signed effect of the trade on the cash balance:
// negative for buys, positive for sells.
func (t Trade) CashFlow() decimal.Decimal {
	if t.Side == SideBuy {
		return t.Total.Neg()
	}
	return t.Total
}

// SignedQuantity is the signed effect of the trade on the position.
func (t Trade) SignedQuantity() int64 {
	if t.Side == SideSell {
		return -t.Quantity
	}
	return t.Quantity
}

// Quote is the oracle's view of one listed symbol.
type Quote struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Change decimal.Decimal `json:"change"`
}

// Holding is a position marked to the current price.
type Holding struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	Quantity      int64           `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`   // quantity * current price
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // (current - avg) * quantity
}

// Portfolio aggregates a user's cash and marked holdings.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	CashBalance   decimal.Decimal `json:"cash_balance"`
	Holdings      []Holding       `json:"holdings"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	TotalValue    decimal.Decimal `json:"total_value"` // cash + holdings
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}
