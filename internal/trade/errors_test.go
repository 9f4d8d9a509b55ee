package trade

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/stocker/trade-engine/internal/store"
)

func TestKindAndStatus(t *testing.T) {
	shortfall := &ShortfallError{Err: ErrInsufficientFunds, Required: decimal.NewFromInt(5), Available: decimal.NewFromInt(2)}

	cases := []struct {
		err    error
		kind   string
		status int
	}{
		{fmt.Errorf("%w: x", ErrInvalidSymbol), "invalid_symbol", http.StatusBadRequest},
		{ErrInvalidOrder, "invalid_order", http.StatusBadRequest},
		{ErrInvalidAccount, "invalid_account", http.StatusBadRequest},
		{ErrUnknownAccount, "unknown_account", http.StatusNotFound},
		{ErrDuplicateAccount, "duplicate_account", http.StatusConflict},
		{shortfall, "insufficient_funds", http.StatusConflict},
		{ErrInsufficientShares, "insufficient_shares", http.StatusConflict},
		{ErrConcurrentConflict, "conflict", http.StatusConflict},
		{ErrStoreUnavailable, "store_unavailable", http.StatusServiceUnavailable},
		{context.DeadlineExceeded, "canceled", http.StatusRequestTimeout},
		{errors.New("boom"), "internal", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, Kind(tc.err), tc.err.Error())
		assert.Equal(t, tc.status, StatusCode(tc.err), tc.err.Error())
	}
	assert.Equal(t, "", Kind(nil))
}

func TestShortfallError(t *testing.T) {
	err := error(&ShortfallError{Err: ErrInsufficientFunds, Required: decimal.RequireFromString("185.50"), Available: decimal.NewFromInt(100)})

	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.NotErrorIs(t, err, ErrInsufficientShares)
	assert.Equal(t, "trade: insufficient funds: required 185.5, available 100", err.Error())
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil, "u"))
	assert.ErrorIs(t, classify(store.ErrAccountNotFound, "u"), ErrUnknownAccount)
	assert.ErrorIs(t, classify(store.ErrAccountExists, "u"), ErrDuplicateAccount)
	assert.ErrorIs(t, classify(fmt.Errorf("commit: %w", store.ErrConflict), "u"), ErrConcurrentConflict)

	unavailable := classify(errors.New("dial tcp: refused"), "u")
	assert.ErrorIs(t, unavailable, ErrStoreUnavailable)
	assert.True(t, Retryable(unavailable))

	// Taxonomy errors pass through untouched.
	assert.Equal(t, ErrInvalidOrder, classify(ErrInvalidOrder, "u"))
}
