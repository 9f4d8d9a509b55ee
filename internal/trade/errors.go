package trade

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/stocker/trade-engine/internal/store"
)

var (
	ErrInvalidSymbol      = errors.New("trade: invalid symbol")
	ErrInvalidOrder       = errors.New("trade: invalid order")
	ErrInsufficientFunds  = errors.New("trade: insufficient funds")
	ErrInsufficientShares = errors.New("trade: insufficient shares")
	ErrConcurrentConflict = errors.New("trade: concurrent update conflict")
	ErrStoreUnavailable   = errors.New("trade: store unavailable")
	ErrUnknownAccount     = errors.New("trade: unknown account")
	ErrInvalidAccount     = errors.New("trade: invalid account")
	ErrDuplicateAccount   = errors.New("trade: account already exists")
)

// ShortfallError reports by how much an order exceeded what the account
// holds. Required and Available are dollars for ErrInsufficientFunds and
// share counts for ErrInsufficientShares.
type ShortfallError struct {
	Err       error
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("%v: required %s, available %s", e.Err, e.Required, e.Available)
}

func (e *ShortfallError) Unwrap() error { return e.Err }

// Shortfall is Required minus Available.
func (e *ShortfallError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

// Retryable reports whether err is transient: repeating the same order with
// the same price may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentConflict) || errors.Is(err, ErrStoreUnavailable)
}

// Kind is a stable short label for err, used in API bodies and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSymbol):
		return "invalid_symbol"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, ErrInvalidAccount):
		return "invalid_account"
	case errors.Is(err, ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, ErrDuplicateAccount):
		return "duplicate_account"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrConcurrentConflict):
		return "conflict"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "internal"
}

// StatusCode maps err to the HTTP status the API answers with.
func StatusCode(err error) int {
	switch Kind(err) {
	case "invalid_symbol", "invalid_order", "invalid_account":
		return http.StatusBadRequest
	case "unknown_account":
		return http.StatusNotFound
	case "duplicate_account", "insufficient_funds", "insufficient_shares", "conflict":
		return http.StatusConflict
	case "store_unavailable":
		return http.StatusServiceUnavailable
	case "canceled":
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// classify turns a store-layer failure into the trade taxonomy. Errors
// already in the taxonomy pass through unchanged.
func classify(err error, userID string) error {
	switch {
	case err == nil:
		return nil
	case Kind(err) != "internal":
		return err
	case errors.Is(err, store.ErrAccountNotFound):
		return fmt.Errorf("%w: %s", ErrUnknownAccount, userID)
	case errors.Is(err, store.ErrAccountExists):
		return fmt.Errorf("%w: %s", ErrDuplicateAccount, userID)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConcurrentConflict, err)
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
