// Package trade executes buy and sell orders against the account, position
// and ledger stores, and serves them over HTTP.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stocker/trade-engine/internal/config"
	"github.com/stocker/trade-engine/internal/metrics"
	"github.com/stocker/trade-engine/internal/model"
	"github.com/stocker/trade-engine/internal/notify"
	"github.com/stocker/trade-engine/internal/oracle"
)

// Service exposes the engine over HTTP. Trades for different accounts run
// in parallel; the store serializes trades on the same account.
type Service struct {
	engine          *Engine
	quotes          *oracle.Table
	notifier        notify.Notifier // optional
	startingBalance decimal.Decimal
	maxRetries      int
	retryBackoff    time.Duration
}

// NewService creates a new trade service. notifier may be nil.
func NewService(engine *Engine, quotes *oracle.Table, notifier notify.Notifier, cfg config.TradingConfig) *Service {
	return &Service{
		engine:          engine,
		quotes:          quotes,
		notifier:        notifier,
		startingBalance: cfg.StartingBalanceAmount(),
		maxRetries:      cfg.Retries(),
		retryBackoff:    10 * time.Millisecond,
	}
}

// Routes mounts the API under r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/quotes", s.ListQuotes)
	r.Get("/quotes/{symbol}", s.GetQuote)

	r.Post("/accounts", s.OpenAccount)
	r.Get("/accounts/{userID}", s.GetAccount)
	r.Get("/accounts/{userID}/reconcile", s.Reconcile)

	r.Post("/trade", s.ExecuteTrade)

	r.Get("/portfolio/{userID}", s.GetPortfolio)
	r.Get("/history/{userID}", s.GetHistory)
}

// --- Request/Response types ---

// OpenAccountRequest is the JSON body for POST /accounts. Both fields are
// optional: a missing user_id is generated and a missing balance uses the
// configured starting balance.
type OpenAccountRequest struct {
	UserID          string           `json:"user_id"`
	StartingBalance *decimal.Decimal `json:"starting_balance,omitempty"`
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	UserID   string `json:"user_id"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"` // "buy" or "sell"
	Quantity int64  `json:"quantity"`
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	TradeID      string           `json:"trade_id"`
	UserID       string           `json:"user_id"`
	Symbol       string           `json:"symbol"`
	Side         model.Side       `json:"side"`
	Quantity     int64            `json:"quantity"`
	Price        decimal.Decimal  `json:"price"`
	Total        decimal.Decimal  `json:"total"`
	CashBalance  decimal.Decimal  `json:"cash_balance"`
	Position     *model.Position  `json:"position"` // null once closed
	RealizedGain *decimal.Decimal `json:"realized_gain,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

type errorResponse struct {
	Error     string           `json:"error"`
	Kind      string           `json:"kind,omitempty"`
	Shortfall *decimal.Decimal `json:"shortfall,omitempty"`
}

// --- HTTP Handlers ---

// ListQuotes handles GET /api/v1/quotes
func (s *Service) ListQuotes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.quotes.Quotes())
}

// GetQuote handles GET /api/v1/quotes/{symbol}
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.quotes.Quote(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, "symbol not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// OpenAccount handles POST /api/v1/accounts
func (s *Service) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		req.UserID = uuid.NewString()
	}
	balance := s.startingBalance
	if req.StartingBalance != nil {
		balance = *req.StartingBalance
	}

	acct, err := s.engine.OpenAccount(r.Context(), req.UserID, balance)
	if err != nil {
		writeFailure(w, err)
		return
	}

	slog.Info("account opened", "user", acct.UserID, "balance", acct.CashBalance.String())
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{userID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.engine.Account(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Reconcile handles GET /api/v1/accounts/{userID}/reconcile
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	report, err := s.engine.Reconcile(r.Context(), userID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if !report.Balanced {
		slog.Warn("ledger does not reconcile", "user", userID, "discrepancies", len(report.Discrepancies))
	}
	writeJSON(w, http.StatusOK, report)
}

// ExecuteTrade handles POST /api/v1/trade
// Prices the order once, executes it, and retries transient failures at
// the same price.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	order := Order{
		UserID:   req.UserID,
		Symbol:   req.Symbol,
		Side:     model.Side(req.Side),
		Quantity: req.Quantity,
	}

	res, err := s.submit(r.Context(), order)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(Kind(err)).Inc()
		slog.Info("trade rejected",
			"user", req.UserID,
			"symbol", req.Symbol,
			"side", req.Side,
			"qty", req.Quantity,
			"kind", Kind(err),
			"err", err,
		)
		writeFailure(w, err)
		return
	}

	t := res.Trade
	side := string(t.Side)
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.TradeVolume.WithLabelValues(t.Symbol, side).Add(float64(t.Quantity))

	slog.Info("trade executed",
		"trade_id", t.ID,
		"user", t.UserID,
		"symbol", t.Symbol,
		"side", side,
		"qty", t.Quantity,
		"price", t.Price.String(),
		"total", t.Total.String(),
		"balance", res.NewBalance.String(),
	)

	if s.notifier != nil {
		if err := s.notifier.TradeExecuted(r.Context(), t); err != nil {
			slog.Warn("trade notification failed", "trade_id", t.ID, "err", err)
		}
	}

	resp := TradeResponse{
		TradeID:     t.ID,
		UserID:      t.UserID,
		Symbol:      t.Symbol,
		Side:        t.Side,
		Quantity:    t.Quantity,
		Price:       t.Price,
		Total:       t.Total,
		CashBalance: res.NewBalance,
		Position:    res.Position,
		Timestamp:   t.Timestamp,
	}
	if t.Side == model.SideSell {
		gain := res.RealizedGain
		resp.RealizedGain = &gain
	}
	writeJSON(w, http.StatusOK, resp)
}

// submit reads the price once and executes, retrying retryable failures up
// to maxRetries more times at that same price.
func (s *Service) submit(ctx context.Context, o Order) (*Result, error) {
	price, err := s.engine.Price(o.Symbol)
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		res, err := s.engine.Execute(ctx, o, price)
		if err == nil || !Retryable(err) || attempt >= s.maxRetries {
			return res, err
		}
		slog.Debug("retrying trade", "user", o.UserID, "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.retryBackoff * time.Duration(attempt+1)):
		}
	}
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Returns holdings marked to current prices plus cash and totals.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetHistory handles GET /api/v1/history/{userID}
// Returns the user's trades, most recent first.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	trades, err := s.engine.History(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeFailure maps an engine error to its status and JSON body.
func writeFailure(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	body := errorResponse{Error: err.Error(), Kind: Kind(err)}
	if status >= 500 {
		slog.Error("request failed", "err", err)
		body.Error = http.StatusText(status)
	}
	var sf *ShortfallError
	if errors.As(err, &sf) {
		short := sf.Shortfall()
		body.Shortfall = &short
	}
	writeJSON(w, status, body)
}
