package trade_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocker/trade-engine/internal/model"
	"github.com/stocker/trade-engine/internal/oracle"
	"github.com/stocker/trade-engine/internal/store"
	"github.com/stocker/trade-engine/internal/trade"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testQuotes() *oracle.Table {
	return oracle.NewTable([]model.Quote{
		{Symbol: "AAPL", Name: "Apple Inc.", Price: dec("185.50")},
		{Symbol: "MSFT", Name: "Microsoft Corporation", Price: dec("420.00")},
		{Symbol: "TSLA", Name: "Tesla Inc.", Price: dec("250.00")},
	})
}

func newEngine(t *testing.T, st store.Store) *trade.Engine {
	t.Helper()
	return trade.NewEngine(st, testQuotes())
}

func openAccount(t *testing.T, e *trade.Engine, userID, balance string) {
	t.Helper()
	_, err := e.OpenAccount(context.Background(), userID, dec(balance))
	require.NoError(t, err)
}

func buy(sym string, qty int64) trade.Order {
	return trade.Order{UserID: "alice", Symbol: sym, Side: model.SideBuy, Quantity: qty}
}

func sell(sym string, qty int64) trade.Order {
	return trade.Order{UserID: "alice", Symbol: sym, Side: model.SideSell, Quantity: qty}
}

// snapshot captures everything a trade could touch for one user.
type snapshot struct {
	account   *model.Account
	positions []model.Position
	trades    []model.Trade
}

func snap(t *testing.T, st store.Store, userID string) snapshot {
	t.Helper()
	ctx := context.Background()
	a, err := st.GetAccount(ctx, userID)
	require.NoError(t, err)
	positions, err := st.ListPositions(ctx, userID)
	require.NoError(t, err)
	trades, err := st.TradesByUser(ctx, userID)
	require.NoError(t, err)
	return snapshot{account: a, positions: positions, trades: trades}
}

func TestExecute_BuyBlendSellScenario(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	openAccount(t, e, "alice", "10000")

	res, err := e.Execute(ctx, buy("AAPL", 10), dec("185.50"))
	require.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(dec("8145.00")), "balance = %s", res.NewBalance)
	require.NotNil(t, res.Position)
	assert.Equal(t, int64(10), res.Position.Quantity)
	assert.True(t, res.Position.AvgCost.Equal(dec("185.50")))
	assert.True(t, res.Trade.Total.Equal(dec("1855.00")))
	assert.Equal(t, res.TradeID, res.Trade.ID)

	res, err = e.Execute(ctx, buy("AAPL", 5), dec("190.00"))
	require.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(dec("7195.00")), "balance = %s", res.NewBalance)
	require.NotNil(t, res.Position)
	assert.Equal(t, int64(15), res.Position.Quantity)
	assert.True(t, res.Position.AvgCost.Equal(dec("187.00")), "avg = %s", res.Position.AvgCost)

	res, err = e.Execute(ctx, sell("AAPL", 15), dec("200.00"))
	require.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(dec("10195.00")), "balance = %s", res.NewBalance)
	assert.Nil(t, res.Position)
	assert.True(t, res.RealizedGain.Equal(dec("195.00")), "gain = %s", res.RealizedGain)

	s := snap(t, st, "alice")
	assert.True(t, s.account.CashBalance.Equal(dec("10195")))
	assert.Empty(t, s.positions, "closed position must be deleted, not zeroed")
	require.Len(t, s.trades, 3)
	assert.Equal(t, model.SideSell, s.trades[0].Side)
	assert.True(t, s.trades[2].Price.Equal(dec("185.50")))
}

func TestExecute_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	openAccount(t, e, "alice", "100")

	res, err := e.Execute(ctx, buy("AAPL", 1), dec("185.50"))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, trade.ErrInsufficientFunds)
	assert.False(t, trade.Retryable(err))

	var sf *trade.ShortfallError
	require.ErrorAs(t, err, &sf)
	assert.True(t, sf.Required.Equal(dec("185.50")))
	assert.True(t, sf.Available.Equal(dec("100")))
	assert.True(t, sf.Shortfall().Equal(dec("85.50")))

	s := snap(t, st, "alice")
	assert.True(t, s.account.CashBalance.Equal(dec("100")))
	assert.Empty(t, s.positions)
	assert.Empty(t, s.trades)
}

func TestExecute_ExactFundsAllowed(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore())
	openAccount(t, e, "alice", "371")

	res, err := e.Execute(context.Background(), buy("AAPL", 2), dec("185.50"))
	require.NoError(t, err)
	assert.True(t, res.NewBalance.IsZero())
}

func TestExecute_InsufficientShares(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	openAccount(t, e, "alice", "10000")

	_, err := e.Execute(ctx, sell("AAPL", 1), dec("185.50"))
	assert.ErrorIs(t, err, trade.ErrInsufficientShares)

	_, err = e.Execute(ctx, buy("AAPL", 2), dec("100"))
	require.NoError(t, err)
	before := snap(t, st, "alice")

	_, err = e.Execute(ctx, sell("AAPL", 3), dec("100"))
	var sf *trade.ShortfallError
	require.ErrorAs(t, err, &sf)
	assert.ErrorIs(t, err, trade.ErrInsufficientShares)
	assert.True(t, sf.Shortfall().Equal(dec("1")))

	assert.Equal(t, before, snap(t, st, "alice"))
}

func TestExecute_PartialSellKeepsAvgCost(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewMemoryStore())
	openAccount(t, e, "alice", "10000")

	_, err := e.Execute(ctx, buy("MSFT", 3), dec("100"))
	require.NoError(t, err)
	_, err = e.Execute(ctx, buy("MSFT", 1), dec("104"))
	require.NoError(t, err)

	res, err := e.Execute(ctx, sell("MSFT", 2), dec("90"))
	require.NoError(t, err)
	require.NotNil(t, res.Position)
	assert.Equal(t, int64(2), res.Position.Quantity)
	assert.True(t, res.Position.AvgCost.Equal(dec("101")), "avg = %s", res.Position.AvgCost)
	assert.True(t, res.RealizedGain.Equal(dec("-22")), "gain = %s", res.RealizedGain)
}

func TestExecute_RebuyAfterCloseResetsAvgCost(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewMemoryStore())
	openAccount(t, e, "alice", "10000")

	for _, step := range []struct {
		o     trade.Order
		price string
	}{
		{buy("TSLA", 4), "200"},
		{sell("TSLA", 4), "210"},
	} {
		_, err := e.Execute(ctx, step.o, dec(step.price))
		require.NoError(t, err)
	}

	res, err := e.Execute(ctx, buy("TSLA", 1), dec("150"))
	require.NoError(t, err)
	assert.True(t, res.Position.AvgCost.Equal(dec("150")))
}

func TestExecute_InvalidOrders(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	openAccount(t, e, "alice", "10000")

	cases := []struct {
		name  string
		order trade.Order
		price string
		want  error
	}{
		{"zero quantity", buy("AAPL", 0), "1", trade.ErrInvalidOrder},
		{"negative quantity", sell("AAPL", -3), "1", trade.ErrInvalidOrder},
		{"bad side", trade.Order{UserID: "alice", Symbol: "AAPL", Side: "hold", Quantity: 1}, "1", trade.ErrInvalidOrder},
		{"missing user", trade.Order{Symbol: "AAPL", Side: model.SideBuy, Quantity: 1}, "1", trade.ErrInvalidOrder},
		{"malformed symbol", buy("not a ticker", 1), "1", trade.ErrInvalidSymbol},
		{"zero price", buy("AAPL", 1), "0", trade.ErrInvalidSymbol},
		{"negative price", buy("AAPL", 1), "-5", trade.ErrInvalidSymbol},
		{"unknown account", trade.Order{UserID: "bob", Symbol: "AAPL", Side: model.SideBuy, Quantity: 1}, "1", trade.ErrUnknownAccount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Execute(ctx, tc.order, dec(tc.price))
			assert.ErrorIs(t, err, tc.want)
			assert.False(t, trade.Retryable(err))
		})
	}

	s := snap(t, st, "alice")
	assert.True(t, s.account.CashBalance.Equal(dec("10000")))
	assert.Empty(t, s.trades)
}

func TestExecute_NormalizesSideAndSymbol(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore())
	openAccount(t, e, "alice", "1000")

	res, err := e.Execute(context.Background(),
		trade.Order{UserID: "alice", Symbol: " aapl ", Side: "BUY", Quantity: 1}, dec("10"))
	require.NoError(t, err)
	assert.Equal(t, "AAPL", res.Trade.Symbol)
	assert.Equal(t, model.SideBuy, res.Trade.Side)
}

func TestExecute_UsesInjectedClockAndIDs(t *testing.T) {
	at := time.Date(2024, 6, 3, 15, 4, 5, 0, time.UTC)
	e := trade.NewEngine(store.NewMemoryStore(), testQuotes(),
		trade.WithClock(func() time.Time { return at }),
		trade.WithIDs(func(ts time.Time) string { return "T-" + ts.Format("20060102") }),
	)
	openAccount(t, e, "alice", "1000")

	res, err := e.Execute(context.Background(), buy("AAPL", 1), dec("10"))
	require.NoError(t, err)
	assert.True(t, res.Trade.Timestamp.Equal(at))
	assert.Equal(t, "T-20240603", res.TradeID)
}

// faultyStore injects failures into an otherwise healthy memory store.
type faultyStore struct {
	*store.MemoryStore
	atomicErr error // returned instead of running the unit of work
	appendErr error // returned by Tx.AppendTrade after the other writes
}

func (f *faultyStore) Atomically(ctx context.Context, userID string, fn store.TxFunc) error {
	if f.atomicErr != nil {
		return f.atomicErr
	}
	return f.MemoryStore.Atomically(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, faultyTx{Tx: tx, appendErr: f.appendErr})
	})
}

type faultyTx struct {
	store.Tx
	appendErr error
}

func (t faultyTx) AppendTrade(ctx context.Context, tr *model.Trade) (string, error) {
	if t.appendErr != nil {
		return "", t.appendErr
	}
	return t.Tx.AppendTrade(ctx, tr)
}

func TestExecute_NoPartialCommitWhenLedgerFails(t *testing.T) {
	ctx := context.Background()
	fs := &faultyStore{MemoryStore: store.NewMemoryStore()}
	e := newEngine(t, fs)
	openAccount(t, e, "alice", "10000")
	_, err := e.Execute(ctx, buy("AAPL", 4), dec("100"))
	require.NoError(t, err)
	before := snap(t, fs, "alice")

	fs.appendErr = errors.New("disk full")
	for _, o := range []trade.Order{buy("AAPL", 1), buy("MSFT", 2), sell("AAPL", 4)} {
		_, err = e.Execute(ctx, o, dec("100"))
		require.Error(t, err)
		assert.ErrorIs(t, err, trade.ErrStoreUnavailable)
		assert.True(t, trade.Retryable(err))
		assert.Equal(t, before, snap(t, fs, "alice"))
	}
}

func TestExecute_ClassifiesStoreErrors(t *testing.T) {
	ctx := context.Background()
	fs := &faultyStore{MemoryStore: store.NewMemoryStore()}
	e := newEngine(t, fs)
	openAccount(t, e, "alice", "10000")

	fs.atomicErr = errors.Join(errors.New("badger commit"), store.ErrConflict)
	_, err := e.Execute(ctx, buy("AAPL", 1), dec("1"))
	assert.ErrorIs(t, err, trade.ErrConcurrentConflict)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.True(t, trade.Retryable(err))

	fs.atomicErr = errors.New("connection refused")
	_, err = e.Execute(ctx, buy("AAPL", 1), dec("1"))
	assert.ErrorIs(t, err, trade.ErrStoreUnavailable)
	assert.True(t, trade.Retryable(err))
}

func TestExecute_ConcurrentBuysNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	openAccount(t, e, "alice", "10000")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(ctx, buy("AAPL", 1), dec("10"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	s := snap(t, st, "alice")
	require.Len(t, s.positions, 1)
	assert.Equal(t, int64(n), s.positions[0].Quantity)
	assert.True(t, s.account.CashBalance.Equal(dec("9500")), "balance = %s", s.account.CashBalance)
	assert.Len(t, s.trades, n)
}

func TestExecute_ConcurrentUsersIndependent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		openAccount(t, e, u, "1000")
	}

	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				_, err := e.Execute(ctx, trade.Order{UserID: u, Symbol: "MSFT", Side: model.SideBuy, Quantity: 1}, dec("1.25"))
				assert.NoError(t, err)
			}(u)
		}
	}
	wg.Wait()

	for _, u := range users {
		s := snap(t, st, u)
		assert.True(t, s.account.CashBalance.Equal(dec("987.5")), "%s balance = %s", u, s.account.CashBalance)
		require.Len(t, s.positions, 1)
		assert.Equal(t, int64(10), s.positions[0].Quantity)
	}
}

func TestSubmit_ReadsOracleOnce(t *testing.T) {
	var calls atomic.Int32
	po := oracle.Func(func(sym string) (decimal.Decimal, error) {
		n := calls.Add(1)
		return dec("100").Add(decimal.NewFromInt(int64(n))), nil
	})
	e := trade.NewEngine(store.NewMemoryStore(), po)
	openAccount(t, e, "alice", "1000")

	res, err := e.Submit(context.Background(), buy("AAPL", 2))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, res.Trade.Price.Equal(dec("101")))
	assert.True(t, res.Trade.Total.Equal(dec("202")))
}

func TestSubmit_UnlistedSymbol(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore())
	openAccount(t, e, "alice", "1000")

	_, err := e.Submit(context.Background(), buy("ZZZZ", 1))
	assert.ErrorIs(t, err, trade.ErrInvalidSymbol)
}

func TestExecute_DoesNotConsultOracle(t *testing.T) {
	po := oracle.Func(func(string) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("feed down")
	})
	e := trade.NewEngine(store.NewMemoryStore(), po)
	openAccount(t, e, "alice", "1000")

	res, err := e.Execute(context.Background(), buy("AAPL", 1), dec("12.34"))
	require.NoError(t, err)
	assert.True(t, res.Trade.Price.Equal(dec("12.34")))
}

// A random order stream must leave cash and positions exactly explained
// by the ledger.
func TestExecute_ConservationOverRandomOrders(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	openAccount(t, e, "alice", "50000")

	rnd := rand.New(rand.NewSource(42))
	symbols := []string{"AAPL", "MSFT", "TSLA"}
	committed := 0
	for i := 0; i < 300; i++ {
		o := trade.Order{
			UserID:   "alice",
			Symbol:   symbols[rnd.Intn(len(symbols))],
			Side:     model.SideBuy,
			Quantity: int64(rnd.Intn(20) + 1),
		}
		if rnd.Intn(2) == 0 {
			o.Side = model.SideSell
		}
		price := decimal.New(int64(rnd.Intn(50000)+100), -2)

		_, err := e.Execute(ctx, o, price)
		if err == nil {
			committed++
			continue
		}
		require.True(t, errors.Is(err, trade.ErrInsufficientFunds) || errors.Is(err, trade.ErrInsufficientShares), err)
	}

	s := snap(t, st, "alice")
	require.Len(t, s.trades, committed)

	cash := dec("50000")
	qty := map[string]int64{}
	for _, tr := range s.trades {
		cash = cash.Add(tr.CashFlow())
		qty[tr.Symbol] += tr.SignedQuantity()
	}
	assert.True(t, cash.Equal(s.account.CashBalance), "ledger %s != balance %s", cash, s.account.CashBalance)
	assert.False(t, s.account.CashBalance.IsNegative())

	held := map[string]int64{}
	for _, p := range s.positions {
		assert.Positive(t, p.Quantity)
		held[p.Symbol] = p.Quantity
	}
	for _, sym := range symbols {
		assert.Equal(t, qty[sym], held[sym], sym)
	}

	report, err := e.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, report.Balanced, "%+v", report.Discrepancies)
}

func TestOpenAccount(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewMemoryStore())

	a, err := e.OpenAccount(ctx, "alice", dec("10000"))
	require.NoError(t, err)
	assert.True(t, a.StartingBalance.Equal(a.CashBalance))

	_, err = e.OpenAccount(ctx, "alice", dec("1"))
	assert.ErrorIs(t, err, trade.ErrDuplicateAccount)

	_, err = e.OpenAccount(ctx, "bob", dec("-1"))
	assert.ErrorIs(t, err, trade.ErrInvalidAccount)

	_, err = e.OpenAccount(ctx, "", dec("1"))
	assert.ErrorIs(t, err, trade.ErrInvalidAccount)

	_, err = e.Account(ctx, "carol")
	assert.ErrorIs(t, err, trade.ErrUnknownAccount)
}

func TestPortfolio(t *testing.T) {
	ctx := context.Background()
	quotes := testQuotes()
	e := trade.NewEngine(store.NewMemoryStore(), quotes)
	openAccount(t, e, "alice", "10000")

	_, err := e.Execute(ctx, buy("AAPL", 10), dec("180"))
	require.NoError(t, err)
	_, err = e.Execute(ctx, buy("TSLA", 2), dec("300"))
	require.NoError(t, err)
	quotes.Delist("TSLA")

	p, err := e.Portfolio(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, p.Holdings, 2)

	aapl := p.Holdings[0]
	assert.Equal(t, "Apple Inc.", aapl.Name)
	assert.True(t, aapl.CurrentPrice.Equal(dec("185.50")))
	assert.True(t, aapl.MarketValue.Equal(dec("1855")))
	assert.True(t, aapl.UnrealizedPnL.Equal(dec("55")))

	tsla := p.Holdings[1]
	assert.True(t, tsla.CurrentPrice.IsZero(), "delisted symbols are valued at zero")
	assert.True(t, tsla.UnrealizedPnL.Equal(dec("-600")))

	assert.True(t, p.CashBalance.Equal(dec("7600")))
	assert.True(t, p.HoldingsValue.Equal(dec("1855")))
	assert.True(t, p.TotalValue.Equal(dec("9455")))
	assert.True(t, p.UnrealizedPnL.Equal(dec("-545")))
}

// staleReadStore serves the read side from a frozen snapshot, the way a
// cache that missed an invalidation would.
type staleReadStore struct {
	*store.MemoryStore
	account   *model.Account
	positions []model.Position
}

func (s *staleReadStore) GetAccount(context.Context, string) (*model.Account, error) {
	a := *s.account
	return &a, nil
}

func (s *staleReadStore) ListPositions(context.Context, string) ([]model.Position, error) {
	return s.positions, nil
}

func TestReconcile_ReadsInsideUnitOfWork(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	e := newEngine(t, mem)
	openAccount(t, e, "alice", "10000")
	_, err := e.Execute(ctx, buy("AAPL", 10), dec("100"))
	require.NoError(t, err)

	before := snap(t, mem, "alice")
	_, err = e.Execute(ctx, sell("AAPL", 4), dec("120"))
	require.NoError(t, err)

	stale := &staleReadStore{MemoryStore: mem, account: before.account, positions: before.positions}
	report, err := newEngine(t, stale).Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, report.Balanced, "%+v", report.Discrepancies)
	assert.Equal(t, 2, report.TradeCount)
	assert.True(t, report.ActualCash.Equal(dec("9480")), "cash = %s", report.ActualCash)

	_, err = e.Reconcile(ctx, "ghost")
	assert.ErrorIs(t, err, trade.ErrUnknownAccount)
}
