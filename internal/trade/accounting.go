package trade

import (
	"github.com/shopspring/decimal"

	"github.com/stocker/trade-engine/internal/model"
)

// avgCostPlaces bounds the scale of a blended average cost. Blends that
// divide evenly (the common case with cent prices) are exact.
const avgCostPlaces = 10

// BlendCost is the quantity-weighted average of an existing holding and a
// new purchase: (oldQty*oldAvg + qty*price) / (oldQty + qty).
func BlendCost(oldQty int64, oldAvg decimal.Decimal, qty int64, price decimal.Decimal) decimal.Decimal {
	if oldQty <= 0 {
		return price
	}
	cost := oldAvg.Mul(decimal.NewFromInt(oldQty)).Add(price.Mul(decimal.NewFromInt(qty)))
	return cost.DivRound(decimal.NewFromInt(oldQty+qty), avgCostPlaces)
}

// RealizedGain is (price - avgCost) * qty. It is reported, never stored.
func RealizedGain(avgCost, price decimal.Decimal, qty int64) decimal.Decimal {
	return price.Sub(avgCost).Mul(decimal.NewFromInt(qty))
}

// applyBuy computes the account state after buying o.Quantity at price.
// pos is nil when the user holds none of the symbol.
func applyBuy(cash decimal.Decimal, pos *model.Position, o Order, price decimal.Decimal) (decimal.Decimal, *model.Position, error) {
	required := price.Mul(decimal.NewFromInt(o.Quantity))
	if cash.LessThan(required) {
		return cash, pos, &ShortfallError{Err: ErrInsufficientFunds, Required: required, Available: cash}
	}

	next := &model.Position{UserID: o.UserID, Symbol: o.Symbol, Quantity: o.Quantity, AvgCost: price}
	if pos != nil {
		next.Quantity = pos.Quantity + o.Quantity
		next.AvgCost = BlendCost(pos.Quantity, pos.AvgCost, o.Quantity, price)
	}
	return cash.Sub(required), next, nil
}

// applySell computes the account state after selling o.Quantity at price.
// The returned position is nil when the holding is closed out.
func applySell(cash decimal.Decimal, pos *model.Position, o Order, price decimal.Decimal) (decimal.Decimal, *model.Position, decimal.Decimal, error) {
	var held int64
	if pos != nil {
		held = pos.Quantity
	}
	if held < o.Quantity {
		return cash, pos, decimal.Zero, &ShortfallError{
			Err:       ErrInsufficientShares,
			Required:  decimal.NewFromInt(o.Quantity),
			Available: decimal.NewFromInt(held),
		}
	}

	gain := RealizedGain(pos.AvgCost, price, o.Quantity)
	proceeds := price.Mul(decimal.NewFromInt(o.Quantity))

	var next *model.Position
	if remaining := held - o.Quantity; remaining > 0 {
		next = &model.Position{UserID: pos.UserID, Symbol: pos.Symbol, Quantity: remaining, AvgCost: pos.AvgCost}
	}
	return cash.Add(proceeds), next, gain, nil
}
