package oracle

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocker/trade-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestTable_CurrentPrice(t *testing.T) {
	table := NewTable(DefaultQuotes())

	p, err := table.CurrentPrice("AAPL")
	require.NoError(t, err)
	assert.True(t, p.Equal(d("185.50")), "got %s", p)

	p, err = table.CurrentPrice("aapl")
	require.NoError(t, err)
	assert.True(t, p.Equal(d("185.50")), "lookup should normalise case")
}

func TestTable_NotFound(t *testing.T) {
	table := NewTable(DefaultQuotes())

	_, err := table.CurrentPrice("NOPE")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = table.CurrentPrice("not a ticker")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTable_QuotesSorted(t *testing.T) {
	table := NewTable(DefaultQuotes())
	quotes := table.Quotes()

	require.Len(t, quotes, 27)
	for i := 1; i < len(quotes); i++ {
		assert.Less(t, quotes[i-1].Symbol, quotes[i].Symbol)
	}
}

func TestTable_SetPrice(t *testing.T) {
	table := NewTable([]model.Quote{{Symbol: "AAPL", Name: "Apple Inc.", Price: d("100")}})

	require.NoError(t, table.SetPrice("AAPL", d("101.25")))
	q, err := table.Quote("AAPL")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("101.25")))
	assert.True(t, q.Change.Equal(d("1.25")))

	require.NoError(t, table.SetPrice("XYZ", d("5")))
	q, err = table.Quote("XYZ")
	require.NoError(t, err)
	assert.Equal(t, "XYZ", q.Name)
	assert.True(t, q.Change.IsZero())

	assert.Error(t, table.SetPrice("AAPL", decimal.Zero))
	assert.Error(t, table.SetPrice("AAPL", d("-1")))
}

func TestTable_Delist(t *testing.T) {
	table := NewTable(DefaultQuotes())
	table.Delist("IBM")

	_, err := table.CurrentPrice("IBM")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSimulator_StepBounded(t *testing.T) {
	table := NewTable(DefaultQuotes())
	before := make(map[string]decimal.Decimal)
	for _, q := range table.Quotes() {
		before[q.Symbol] = q.Price
	}

	sim := NewSimulator(table, d("0.02"), rand.New(rand.NewSource(42)))
	quotes := sim.Step()

	for _, q := range quotes {
		prev := before[q.Symbol]
		// One cent of slack for rounding.
		bound := prev.Mul(d("0.02")).Add(d("0.01"))
		assert.True(t, q.Price.Sub(prev).Abs().LessThanOrEqual(bound),
			"%s moved from %s to %s", q.Symbol, prev, q.Price)
		assert.True(t, q.Price.IsPositive())
		assert.True(t, q.Price.Equal(q.Price.Round(2)), "price should be in cents")
	}
}

func TestSimulator_Deterministic(t *testing.T) {
	// Map iteration order differs between tables, so use a single-symbol
	// board to compare walks.
	single := []model.Quote{{Symbol: "AAPL", Price: d("185.50")}}
	a := NewSimulator(NewTable(single), d("0.02"), rand.New(rand.NewSource(7)))
	b := NewSimulator(NewTable(single), d("0.02"), rand.New(rand.NewSource(7)))

	for i := 0; i < 10; i++ {
		qa := a.Step()
		qb := b.Step()
		assert.True(t, qa[0].Price.Equal(qb[0].Price))
	}
}

func TestSimulator_OnTickAndRun(t *testing.T) {
	table := NewTable(DefaultQuotes())
	sim := NewSimulator(table, d("0.02"), rand.New(rand.NewSource(1)))

	ticks := make(chan int, 16)
	sim.OnTick = func(q []model.Quote) {
		select {
		case ticks <- len(q):
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx, 5*time.Millisecond) }()

	select {
	case n := <-ticks:
		assert.Equal(t, 27, n)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick received")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
