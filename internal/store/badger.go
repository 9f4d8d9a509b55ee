package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"

	"github.com/stocker/trade-engine/internal/model"
)

// Key layout. Components are NUL-separated so a user ID can never be a
// prefix of another user's keys.
//
//	acct\x00<user>               -> model.Account
//	pos\x00<user>\x00<symbol>    -> model.Position
//	trade\x00<user>\x00<id>      -> model.Trade
//
// Trade IDs are ULIDs, so key order is execution order.
const sep = "\x00"

func acctKey(userID string) []byte { return []byte("acct" + sep + userID) }
func posPrefix(userID string) []byte { return []byte("pos" + sep + userID + sep) }
func posKey(userID, symbol string) []byte {
	return append(posPrefix(userID), symbol...)
}
func tradePrefix(userID string) []byte { return []byte("trade" + sep + userID + sep) }
func tradeKey(userID, id string) []byte {
	return append(tradePrefix(userID), id...)
}

// BadgerStore implements Store on an embedded Badger key-value database.
//
// Units of work use Badger's optimistic transactions: a unit that read a key
// another unit committed in the meantime fails with ErrConflict and nothing
// it wrote is applied. Callers retry.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (creating if needed) a Badger directory.
func OpenBadger(path string) (*BadgerStore, error) {
	if path == "" {
		return nil, errors.New("store: badger path is required")
	}
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already-open database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) CreateAccount(_ context.Context, a *model.Account) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(acctKey(a.UserID))
		if err == nil {
			return ErrAccountExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, acctKey(a.UserID), a)
	})
	return badgerError("create account", err)
}

func (s *BadgerStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	var a model.Account
	err := s.db.View(func(txn *badger.Txn) error {
		return getAccount(txn, userID, &a)
	})
	if err != nil {
		return nil, badgerError("get account "+userID, err)
	}
	return &a, nil
}

func (s *BadgerStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	err := s.db.View(func(txn *badger.Txn) error {
		var a model.Account
		if err := getAccount(txn, userID, &a); err != nil {
			return err
		}
		var err error
		positions, err = badgerPositions(txn, userID)
		return err
	})
	if err != nil {
		return nil, badgerError("list positions", err)
	}
	return positions, nil
}

func (s *BadgerStore) TradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	var trades []model.Trade
	err := s.db.View(func(txn *badger.Txn) error {
		var a model.Account
		if err := getAccount(txn, userID, &a); err != nil {
			return err
		}
		var err error
		trades, err = badgerTrades(txn, userID)
		return err
	})
	if err != nil {
		return nil, badgerError("list trades", err)
	}
	return trades, nil
}

func (s *BadgerStore) Atomically(ctx context.Context, userID string, fn TxFunc) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var a model.Account
		if err := getAccount(txn, userID, &a); err != nil {
			return err
		}
		if err := fn(ctx, &badgerTx{txn: txn, userID: userID, account: a}); err != nil {
			return err
		}
		return ctx.Err()
	})
	if err == nil || errors.Is(err, ErrAccountNotFound) {
		return err
	}
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("commit: %w", ErrConflict)
	}
	return err
}

type badgerTx struct {
	txn     *badger.Txn
	userID  string
	account model.Account
}

func (t *badgerTx) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	if userID != t.userID {
		return decimal.Zero, errScope(t.userID, userID)
	}
	return t.account.CashBalance, nil
}

func (t *badgerTx) SetBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	if userID != t.userID {
		return errScope(t.userID, userID)
	}
	t.account.CashBalance = balance
	return setJSON(t.txn, acctKey(userID), &t.account)
}

func (t *badgerTx) Account(_ context.Context, userID string) (*model.Account, error) {
	if userID != t.userID {
		return nil, errScope(t.userID, userID)
	}
	a := t.account
	return &a, nil
}

func (t *badgerTx) Positions(_ context.Context, userID string) ([]model.Position, error) {
	if userID != t.userID {
		return nil, errScope(t.userID, userID)
	}
	return badgerPositions(t.txn, userID)
}

func (t *badgerTx) Position(_ context.Context, userID, symbol string) (*model.Position, error) {
	if userID != t.userID {
		return nil, errScope(t.userID, userID)
	}
	var p model.Position
	found, err := getJSON(t.txn, posKey(userID, symbol), &p)
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

func (t *badgerTx) UpsertPosition(_ context.Context, p *model.Position) error {
	if p.UserID != t.userID {
		return errScope(t.userID, p.UserID)
	}
	if err := validatePosition(p); err != nil {
		return err
	}
	return setJSON(t.txn, posKey(p.UserID, p.Symbol), p)
}

func (t *badgerTx) DeletePosition(_ context.Context, userID, symbol string) error {
	if userID != t.userID {
		return errScope(t.userID, userID)
	}
	return t.txn.Delete(posKey(userID, symbol))
}

func (t *badgerTx) AppendTrade(_ context.Context, tr *model.Trade) (string, error) {
	if tr.UserID != t.userID {
		return "", errScope(t.userID, tr.UserID)
	}
	key := tradeKey(tr.UserID, tr.ID)
	if _, err := t.txn.Get(key); err == nil {
		return "", fmt.Errorf("store: duplicate trade id %s", tr.ID)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return "", err
	}
	if err := setJSON(t.txn, key, tr); err != nil {
		return "", err
	}
	return tr.ID, nil
}

func (t *badgerTx) TradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	if userID != t.userID {
		return nil, errScope(t.userID, userID)
	}
	return badgerTrades(t.txn, userID)
}

func getAccount(txn *badger.Txn, userID string, a *model.Account) error {
	found, err := getJSON(txn, acctKey(userID), a)
	if err != nil {
		return err
	}
	if !found {
		return ErrAccountNotFound
	}
	return nil
}

// badgerPositions lists holdings in key order, which is symbol order.
func badgerPositions(txn *badger.Txn, userID string) ([]model.Position, error) {
	positions := []model.Position{}
	err := scanPrefix(txn, posPrefix(userID), false, func(val []byte) error {
		var p model.Position
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		positions = append(positions, p)
		return nil
	})
	return positions, err
}

func badgerTrades(txn *badger.Txn, userID string) ([]model.Trade, error) {
	trades := []model.Trade{}
	err := scanPrefix(txn, tradePrefix(userID), true, func(val []byte) error {
		var tr model.Trade
		if err := json.Unmarshal(val, &tr); err != nil {
			return err
		}
		trades = append(trades, tr)
		return nil
	})
	return trades, err
}

// scanPrefix visits every value under prefix in key order, or in reverse
// key order when reverse is set.
func scanPrefix(txn *badger.Txn, prefix []byte, reverse bool, visit func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse
	it := txn.NewIterator(opts)
	defer it.Close()

	start := prefix
	if reverse {
		start = append(bytes.Clone(prefix), 0xFF)
	}
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(visit); err != nil {
			return err
		}
	}
	return nil
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func badgerError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrAccountExists):
		return err
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
