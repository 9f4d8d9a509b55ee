package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/stocker/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Each account carries its own mutex, so units of work on one account are
// serialized while different accounts proceed in parallel. The store-level
// lock only guards the account index.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
}

type memAccount struct {
	mu        sync.Mutex
	account   model.Account
	positions map[string]model.Position
	trades    []model.Trade // commit order, oldest first
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*memAccount),
	}
}

func (s *MemoryStore) lookup(userID string) (*memAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.UserID]; exists {
		return ErrAccountExists
	}
	s.accounts[a.UserID] = &memAccount{
		account:   *a,
		positions: make(map[string]model.Position),
	}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	a, err := s.lookup(userID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	acct := a.account
	return &acct, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	a, err := s.lookup(userID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	positions := make([]model.Position, 0, len(a.positions))
	for _, p := range a.positions {
		positions = append(positions, p)
	}
	sortBySymbol(positions)
	return positions, nil
}

func sortBySymbol(positions []model.Position) {
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
}

func (s *MemoryStore) TradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	a, err := s.lookup(userID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	return newestFirst(a.trades, nil), nil
}

// Atomically stages every write in a memTx and applies them under the
// account lock only if fn succeeds.
func (s *MemoryStore) Atomically(ctx context.Context, userID string, fn TxFunc) error {
	a, err := s.lookup(userID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tx := &memTx{
		acct:      a,
		balance:   a.account.CashBalance,
		positions: make(map[string]*model.Position),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Commit.
	a.account.CashBalance = tx.balance
	for sym, p := range tx.positions {
		if p == nil {
			delete(a.positions, sym)
		} else {
			a.positions[sym] = *p
		}
	}
	a.trades = append(a.trades, tx.trades...)
	return nil
}

// memTx is a write-ahead view of one account. A nil entry in positions
// marks a staged delete.
type memTx struct {
	acct      *memAccount
	balance   decimal.Decimal
	positions map[string]*model.Position
	trades    []model.Trade
}

func (t *memTx) user() string { return t.acct.account.UserID }

func (t *memTx) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	if userID != t.user() {
		return decimal.Zero, errScope(t.user(), userID)
	}
	return t.balance, nil
}

func (t *memTx) SetBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	if userID != t.user() {
		return errScope(t.user(), userID)
	}
	t.balance = balance
	return nil
}

func (t *memTx) Account(_ context.Context, userID string) (*model.Account, error) {
	if userID != t.user() {
		return nil, errScope(t.user(), userID)
	}
	a := t.acct.account
	a.CashBalance = t.balance
	return &a, nil
}

func (t *memTx) Positions(_ context.Context, userID string) ([]model.Position, error) {
	if userID != t.user() {
		return nil, errScope(t.user(), userID)
	}
	positions := make([]model.Position, 0, len(t.acct.positions)+len(t.positions))
	for sym, p := range t.acct.positions {
		if _, staged := t.positions[sym]; !staged {
			positions = append(positions, p)
		}
	}
	for _, p := range t.positions {
		if p != nil {
			positions = append(positions, *p)
		}
	}
	sortBySymbol(positions)
	return positions, nil
}

func (t *memTx) Position(_ context.Context, userID, symbol string) (*model.Position, error) {
	if userID != t.user() {
		return nil, errScope(t.user(), userID)
	}
	if staged, ok := t.positions[symbol]; ok {
		if staged == nil {
			return nil, nil
		}
		p := *staged
		return &p, nil
	}
	p, ok := t.acct.positions[symbol]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	if p.UserID != t.user() {
		return errScope(t.user(), p.UserID)
	}
	if err := validatePosition(p); err != nil {
		return err
	}
	staged := *p
	t.positions[p.Symbol] = &staged
	return nil
}

func (t *memTx) DeletePosition(_ context.Context, userID, symbol string) error {
	if userID != t.user() {
		return errScope(t.user(), userID)
	}
	t.positions[symbol] = nil
	return nil
}

func (t *memTx) AppendTrade(_ context.Context, tr *model.Trade) (string, error) {
	if tr.UserID != t.user() {
		return "", errScope(t.user(), tr.UserID)
	}
	t.trades = append(t.trades, *tr)
	return tr.ID, nil
}

func (t *memTx) TradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	if userID != t.user() {
		return nil, errScope(t.user(), userID)
	}
	return newestFirst(t.acct.trades, t.trades), nil
}

// newestFirst returns committed followed by staged, reversed.
func newestFirst(committed, staged []model.Trade) []model.Trade {
	out := make([]model.Trade, 0, len(committed)+len(staged))
	for i := len(staged) - 1; i >= 0; i-- {
		out = append(out, staged[i])
	}
	for i := len(committed) - 1; i >= 0; i-- {
		out = append(out, committed[i])
	}
	return out
}
