// Package notify delivers trade confirmations after a trade commits.
// Delivery is best effort: a failed notification never undoes a trade.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/stocker/trade-engine/internal/model"
)

// Notifier is told about every committed trade.
type Notifier interface {
	TradeExecuted(ctx context.Context, t model.Trade) error
}

// Multi fans a trade out to several notifiers. Every notifier is called
// even if an earlier one fails.
type Multi []Notifier

func (m Multi) TradeExecuted(ctx context.Context, t model.Trade) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.TradeExecuted(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Message is the payload published for a trade.
type Message struct {
	Type         string      `json:"type"`
	Subject      string      `json:"subject"`
	Confirmation string      `json:"confirmation"`
	Trade        model.Trade `json:"trade"`
}

// NewMessage builds the trade_executed payload for t.
func NewMessage(t model.Trade) Message {
	return Message{
		Type:         "trade_executed",
		Subject:      Subject(t),
		Confirmation: Confirmation(t),
		Trade:        t,
	}
}

// Subject is a one-line summary, e.g. "Trade Confirmation - BUY AAPL".
func Subject(t model.Trade) string {
	return fmt.Sprintf("Trade Confirmation - %s %s", strings.ToUpper(string(t.Side)), t.Symbol)
}

// Confirmation renders a human-readable receipt with amounts in dollars.
func Confirmation(t model.Trade) string {
	var b strings.Builder
	b.WriteString("Trade Confirmation\n\n")
	fmt.Fprintf(&b, "Action:   %s\n", strings.ToUpper(string(t.Side)))
	fmt.Fprintf(&b, "Symbol:   %s\n", t.Symbol)
	fmt.Fprintf(&b, "Quantity: %d\n", t.Quantity)
	fmt.Fprintf(&b, "Price:    %s\n", USD(t.Price))
	fmt.Fprintf(&b, "Total:    %s\n", USD(t.Total))
	fmt.Fprintf(&b, "Time:     %s\n", t.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Trade ID: %s\n", t.ID)
	return b.String()
}

// USD formats amount as dollars and cents ("$1,855.00"), rounding to the
// nearest cent.
func USD(amount decimal.Decimal) string {
	cur := money.GetCurrency(money.USD)
	cents := amount.Shift(int32(cur.Fraction)).Round(0).IntPart()
	return cur.Formatter().Format(cents)
}
