package oracle

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocker/trade-engine/internal/model"
)

var minPrice = decimal.New(1, -2) // one cent

// Simulator moves every quote in a Table by a bounded random walk.
type Simulator struct {
	table   *Table
	maxMove decimal.Decimal

	mu  sync.Mutex
	rnd *rand.Rand

	// OnTick, if set, receives the board after every step.
	OnTick func([]model.Quote)
}

// NewSimulator returns a simulator that moves each price by at most
// maxMove (a fraction, e.g. 0.02 for ±2%) per step. Pass a seeded rnd for
// reproducible walks.
func NewSimulator(table *Table, maxMove decimal.Decimal, rnd *rand.Rand) *Simulator {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulator{table: table, maxMove: maxMove.Abs(), rnd: rnd}
}

// Step applies one random move to every quote: the price is scaled by
// (1 + pct) and rounded to cents, and Change records price * pct.
func (s *Simulator) Step() []model.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.table.mu.Lock()
	for sym, q := range s.table.quotes {
		pct := decimal.NewFromFloat(s.rnd.Float64()*2 - 1).Mul(s.maxMove)
		next := q.Price.Mul(decimal.NewFromInt(1).Add(pct)).Round(2)
		if next.LessThan(minPrice) {
			next = minPrice
		}
		q.Change = next.Mul(pct).Round(2)
		q.Price = next
		s.table.quotes[sym] = q
	}
	s.table.mu.Unlock()

	quotes := s.table.Quotes()
	if s.OnTick != nil {
		s.OnTick(quotes)
	}
	return quotes
}

// Run steps the table every interval until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Step()
		}
	}
}
