package trade

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/stocker/trade-engine/internal/model"
)

// Discrepancy kinds.
const (
	DiscrepancyCash     = "cash"
	DiscrepancyQuantity = "quantity"
	DiscrepancyAvgCost  = "avg_cost"
	DiscrepancyEmpty    = "empty_position"
)

// Discrepancy is one place where stored state and the ledger disagree.
type Discrepancy struct {
	Kind     string          `json:"kind"`
	Symbol   string          `json:"symbol,omitempty"`
	Expected decimal.Decimal `json:"expected"`
	Actual   decimal.Decimal `json:"actual"`
}

// Report is the outcome of replaying a user's ledger.
type Report struct {
	UserID        string          `json:"user_id"`
	TradeCount    int             `json:"trade_count"`
	ExpectedCash  decimal.Decimal `json:"expected_cash"`
	ActualCash    decimal.Decimal `json:"actual_cash"`
	Discrepancies []Discrepancy   `json:"discrepancies"`

	// Balanced is true when the ledger explains the stored state exactly.
	Balanced bool `json:"balanced"`
}

// Reconcile replays trades (most recent first, as TradesByUser returns
// them) from the account's starting balance and compares the result with
// the stored balance and positions.
//
// The inputs must come from one consistent read; a trade committed between
// reading the account and reading the ledger shows up as a discrepancy.
func Reconcile(a model.Account, positions []model.Position, trades []model.Trade) Report {
	r := Report{
		UserID:        a.UserID,
		TradeCount:    len(trades),
		ActualCash:    a.CashBalance,
		Discrepancies: []Discrepancy{},
	}

	cash := a.StartingBalance
	replayed := make(map[string]*model.Position)
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]
		cash = cash.Add(t.CashFlow())

		p := replayed[t.Symbol]
		if p == nil {
			p = &model.Position{UserID: t.UserID, Symbol: t.Symbol}
			replayed[t.Symbol] = p
		}
		if t.Side == model.SideBuy {
			p.AvgCost = BlendCost(p.Quantity, p.AvgCost, t.Quantity, t.Price)
		}
		p.Quantity += t.SignedQuantity()
		if p.Quantity == 0 {
			p.AvgCost = decimal.Zero
		}
	}
	r.ExpectedCash = cash
	if !cash.Equal(a.CashBalance) {
		r.Discrepancies = append(r.Discrepancies, Discrepancy{
			Kind: DiscrepancyCash, Expected: cash, Actual: a.CashBalance,
		})
	}

	stored := make(map[string]model.Position, len(positions))
	for _, p := range positions {
		stored[p.Symbol] = p
		if p.Quantity <= 0 {
			r.Discrepancies = append(r.Discrepancies, Discrepancy{
				Kind: DiscrepancyEmpty, Symbol: p.Symbol, Actual: decimal.NewFromInt(p.Quantity),
			})
		}
	}

	symbols := make([]string, 0, len(stored)+len(replayed))
	seen := make(map[string]bool)
	for sym := range stored {
		symbols = append(symbols, sym)
		seen[sym] = true
	}
	for sym := range replayed {
		if !seen[sym] {
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		var want, have model.Position
		if p := replayed[sym]; p != nil {
			want = *p
		}
		have = stored[sym]

		if want.Quantity != have.Quantity {
			r.Discrepancies = append(r.Discrepancies, Discrepancy{
				Kind:     DiscrepancyQuantity,
				Symbol:   sym,
				Expected: decimal.NewFromInt(want.Quantity),
				Actual:   decimal.NewFromInt(have.Quantity),
			})
			continue
		}
		if want.Quantity > 0 && !want.AvgCost.Equal(have.AvgCost) {
			r.Discrepancies = append(r.Discrepancies, Discrepancy{
				Kind: DiscrepancyAvgCost, Symbol: sym, Expected: want.AvgCost, Actual: have.AvgCost,
			})
		}
	}
	r.Balanced = len(r.Discrepancies) == 0
	return r
}
