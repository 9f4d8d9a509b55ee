// Package store defines the persistence contracts of the trade engine.
// Implementations include PostgreSQL, SQLite, Badger (key-value), in-memory
// (for testing), and a Redis read-through cache over any of them.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/stocker/trade-engine/internal/model"
)

var (
	// ErrAccountNotFound is returned when no account exists for a user.
	ErrAccountNotFound = errors.New("store: account not found")

	// ErrAccountExists is returned by CreateAccount for a duplicate user.
	ErrAccountExists = errors.New("store: account already exists")

	// ErrConflict is returned when a unit of work lost a race with a
	// concurrent writer and nothing was committed. Retrying is safe.
	ErrConflict = errors.New("store: concurrent update conflict")
)

// AccountStore reads and writes a user's cash balance.
type AccountStore interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error
}

// PositionStore reads and writes holdings keyed by (user, symbol).
type PositionStore interface {
	// Position returns nil, nil when the user holds no shares of symbol.
	Position(ctx context.Context, userID, symbol string) (*model.Position, error)

	// UpsertPosition creates or replaces the position. Quantity must be > 0.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes the position; deleting an absent one is a no-op.
	DeletePosition(ctx context.Context, userID, symbol string) error
}

// LedgerStore is the append-only trade log.
type LedgerStore interface {
	// AppendTrade records t and returns its ID.
	AppendTrade(ctx context.Context, t *model.Trade) (string, error)

	// TradesByUser returns the user's trades, most recent first.
	TradesByUser(ctx context.Context, userID string) ([]model.Trade, error)
}

// Tx is one account-scoped unit of work. Every write made through a Tx is
// committed together when its TxFunc returns nil and discarded otherwise.
// Reads through a Tx go to the primary store and see the unit's own
// uncommitted writes.
type Tx interface {
	AccountStore
	PositionStore
	LedgerStore

	// Account returns the account with the balance as this unit sees it.
	Account(ctx context.Context, userID string) (*model.Account, error)

	// Positions returns every holding ordered by symbol.
	Positions(ctx context.Context, userID string) ([]model.Position, error)
}

// TxFunc is the body of a unit of work.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the persistence interface the engine and the read side use.
type Store interface {
	// CreateAccount opens an account. Returns ErrAccountExists on duplicates.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount returns ErrAccountNotFound for unknown users.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// ListPositions returns the user's holdings ordered by symbol.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// TradesByUser returns the user's trades, most recent first.
	TradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// Atomically runs fn as one unit of work serialized against every other
	// unit of work on the same account. Units on different accounts never
	// wait on each other. Returns ErrAccountNotFound if userID has no
	// account, ErrConflict if an optimistic backend detected a race, or
	// whatever fn returned.
	Atomically(ctx context.Context, userID string, fn TxFunc) error
}

// errScope is returned when a Tx is asked to touch another account.
func errScope(txUser, userID string) error {
	return fmt.Errorf("store: unit of work for %q cannot access account %q", txUser, userID)
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("store: decode %s %q: %w", field, s, err)
	}
	return d, nil
}

func validatePosition(p *model.Position) error {
	if p.Quantity <= 0 {
		return fmt.Errorf("store: position %s/%s must have positive quantity, got %d",
			p.UserID, p.Symbol, p.Quantity)
	}
	return nil
}
