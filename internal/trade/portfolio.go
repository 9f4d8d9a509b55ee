package trade

import (
	"github.com/shopspring/decimal"

	"github.com/stocker/trade-engine/internal/model"
	"github.com/stocker/trade-engine/internal/oracle"
)

// quoter is implemented by oracles that also know company names.
type quoter interface {
	Quote(symbol string) (model.Quote, error)
}

// Valuate marks positions to po's current prices. A symbol po can no longer
// price is valued at zero.
func Valuate(a model.Account, positions []model.Position, po oracle.PriceOracle) model.Portfolio {
	p := model.Portfolio{
		UserID:        a.UserID,
		CashBalance:   a.CashBalance,
		Holdings:      make([]model.Holding, 0, len(positions)),
		HoldingsValue: decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}
	q, hasNames := po.(quoter)

	for _, pos := range positions {
		price, err := po.CurrentPrice(pos.Symbol)
		if err != nil {
			price = decimal.Zero
		}
		qty := decimal.NewFromInt(pos.Quantity)

		h := model.Holding{
			Symbol:        pos.Symbol,
			Quantity:      pos.Quantity,
			AvgCost:       pos.AvgCost,
			CurrentPrice:  price,
			MarketValue:   price.Mul(qty),
			UnrealizedPnL: price.Sub(pos.AvgCost).Mul(qty),
		}
		if hasNames {
			if quote, err := q.Quote(pos.Symbol); err == nil {
				h.Name = quote.Name
			}
		}

		p.Holdings = append(p.Holdings, h)
		p.HoldingsValue = p.HoldingsValue.Add(h.MarketValue)
		p.UnrealizedPnL = p.UnrealizedPnL.Add(h.UnrealizedPnL)
	}
	p.TotalValue = p.CashBalance.Add(p.HoldingsValue)
	return p
}
