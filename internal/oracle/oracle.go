// Package oracle supplies current prices to the trade engine.
//
// The engine depends only on PriceOracle; Table is an in-process quote
// board that can be fixed (tests, CLI) or driven by a Simulator.
package oracle

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/stocker/trade-engine/internal/model"
	"github.com/stocker/trade-engine/internal/symbol"
)

var ErrNotFound = errors.New("oracle: symbol not found")

// PriceOracle resolves the current price for a symbol. Implementations must
// be safe for concurrent use and must not block on I/O for long: the engine
// treats a lookup as a synchronous, pure read.
type PriceOracle interface {
	CurrentPrice(symbol string) (decimal.Decimal, error)
}

// Func adapts a plain function to PriceOracle.
type Func func(symbol string) (decimal.Decimal, error)

func (f Func) CurrentPrice(symbol string) (decimal.Decimal, error) { return f(symbol) }

// Table is a mutable quote board keyed by ticker.
type Table struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
}

// NewTable builds a table from the given quotes. Symbols are normalised;
// an invalid ticker panics since tables are built from static data.
func NewTable(quotes []model.Quote) *Table {
	t := &Table{quotes: make(map[string]model.Quote, len(quotes))}
	for _, q := range quotes {
		q.Symbol = symbol.MustParse(q.Symbol)
		t.quotes[q.Symbol] = q
	}
	return t
}

// CurrentPrice implements PriceOracle.
func (t *Table) CurrentPrice(sym string) (decimal.Decimal, error) {
	q, err := t.Quote(sym)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// Quote returns the full quote for sym.
func (t *Table) Quote(sym string) (model.Quote, error) {
	s, err := symbol.Parse(sym)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %s", ErrNotFound, sym)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	q, ok := t.quotes[s]
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: %s", ErrNotFound, s)
	}
	return q, nil
}

// Quotes returns every quote ordered by symbol.
func (t *Table) Quotes() []model.Quote {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.Quote, 0, len(t.quotes))
	for _, q := range t.quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// SetPrice moves sym to price and records the change from the previous
// price. Listing a new symbol this way is allowed.
func (t *Table) SetPrice(sym string, price decimal.Decimal) error {
	s, err := symbol.Parse(sym)
	if err != nil {
		return err
	}
	if !price.IsPositive() {
		return fmt.Errorf("oracle: price for %s must be positive, got %s", s, price)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.quotes[s]
	q.Symbol = s
	if q.Name == "" {
		q.Name = s
	}
	q.Change = price.Sub(q.Price)
	if q.Price.IsZero() {
		q.Change = decimal.Zero
	}
	q.Price = price
	t.quotes[s] = q
	return nil
}

// Delist removes sym. Subsequent lookups fail with ErrNotFound.
func (t *Table) Delist(sym string) {
	s, err := symbol.Parse(sym)
	if err != nil {
		return
	}
	t.mu.Lock()
	delete(t.quotes, s)
	t.mu.Unlock()
}

func q(sym, name, price, change string) model.Quote {
	return model.Quote{
		Symbol: sym,
		Name:   name,
		Price:  decimal.RequireFromString(price),
		Change: decimal.RequireFromString(change),
	}
}

// DefaultQuotes is the listing the simulator starts from.
func DefaultQuotes() []model.Quote {
	return []model.Quote{
		q("AAPL", "Apple Inc.", "185.50", "2.75"),
		q("GOOGL", "Alphabet Inc.", "142.30", "-1.20"),
		q("MSFT", "Microsoft Corp.", "378.85", "4.60"),
		q("AMZN", "Amazon.com Inc.", "145.75", "-2.85"),
		q("TSLA", "Tesla Inc.", "248.42", "8.90"),
		q("META", "Meta Platforms", "325.60", "5.25"),
		q("NVDA", "NVIDIA Corp.", "875.30", "12.40"),
		q("NFLX", "Netflix Inc.", "445.20", "-3.75"),
		q("ADBE", "Adobe Inc.", "485.90", "6.80"),
		q("CRM", "Salesforce Inc.", "215.40", "-1.95"),
		q("ORCL", "Oracle Corp.", "102.85", "1.30"),
		q("IBM", "IBM", "158.75", "0.85"),
		q("INTC", "Intel Corp.", "43.20", "-0.60"),
		q("AMD", "AMD Inc.", "142.60", "3.45"),
		q("UBER", "Uber Technologies", "65.40", "2.10"),
		q("LYFT", "Lyft Inc.", "14.85", "-0.35"),
		q("SPOT", "Spotify Technology", "185.20", "4.20"),
		q("ZOOM", "Zoom Video", "68.90", "-1.15"),
		q("SQ", "Block Inc.", "78.35", "2.80"),
		q("PYPL", "PayPal Holdings", "62.45", "-0.95"),
		q("V", "Visa Inc.", "245.70", "1.85"),
		q("MA", "Mastercard Inc.", "385.20", "3.60"),
		q("JPM", "JPMorgan Chase", "158.90", "2.25"),
		q("GS", "Goldman Sachs", "365.80", "-1.40"),
		q("WMT", "Walmart Inc.", "158.25", "0.75"),
		q("HD", "Home Depot", "345.60", "4.15"),
		q("PG", "Procter & Gamble", "155.30", "0.90"),
	}
}
