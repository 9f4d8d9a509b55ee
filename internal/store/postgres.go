package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stocker/trade-engine/internal/config"
	"github.com/stocker/trade-engine/internal/model"
)

// postgresSchema is applied by Migrate. Every statement is idempotent.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		user_id          TEXT PRIMARY KEY,
		cash_balance     NUMERIC NOT NULL CHECK (cash_balance >= 0),
		starting_balance NUMERIC NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		user_id  TEXT NOT NULL REFERENCES accounts(user_id),
		symbol   TEXT NOT NULL,
		quantity BIGINT NOT NULL CHECK (quantity > 0),
		avg_cost NUMERIC NOT NULL,
		PRIMARY KEY (user_id, symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL REFERENCES accounts(user_id),
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL CHECK (side IN ('buy', 'sell')),
		quantity    BIGINT NOT NULL CHECK (quantity > 0),
		price       NUMERIC NOT NULL,
		total       NUMERIC NOT NULL,
		executed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_user_time ON trades (user_id, executed_at DESC, id DESC)`,
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// A unit of work takes a row lock on the account (SELECT ... FOR UPDATE), so
// writers on the same account queue behind each other.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ConnectPostgres opens and pings a pool sized from cfg.
func ConnectPostgres(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, cash_balance, starting_balance, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (user_id) DO NOTHING`,
		a.UserID, a.CashBalance.String(), a.StartingBalance.String(), a.CreatedAt,
	)
	if err != nil {
		return pgError("create account", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountExists
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return pgGetAccount(ctx, s.pool, userID)
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	if _, err := s.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	return pgPositions(ctx, s.pool, userID)
}

func (s *PostgresStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	if _, err := s.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	return pgTradesByUser(ctx, s.pool, userID)
}

func (s *PostgresStore) Atomically(ctx context.Context, userID string, fn TxFunc) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return pgError("begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM accounts WHERE user_id = $1 FOR UPDATE`, userID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return pgError("lock account "+userID, err)
	}

	if err := fn(ctx, &pgTx{tx: tx, userID: userID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return pgError("commit", err)
	}
	return nil
}

// pgTx runs every call inside the open transaction.
type pgTx struct {
	tx     pgx.Tx
	userID string
}

func (t *pgTx) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if userID != t.userID {
		return decimal.Zero, errScope(t.userID, userID)
	}
	var cash string
	err := t.tx.QueryRow(ctx,
		`SELECT cash_balance::TEXT FROM accounts WHERE user_id = $1`, userID).Scan(&cash)
	if err != nil {
		return decimal.Zero, pgError("read balance", err)
	}
	return parseDecimal("cash_balance", cash)
}

func (t *pgTx) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	if userID != t.userID {
		return errScope(t.userID, userID)
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts SET cash_balance = $2::NUMERIC WHERE user_id = $1`,
		userID, balance.String())
	return pgError("set balance", err)
}

func (t *pgTx) Account(ctx context.Context, userID string) (*model.Account, error) {
	if userID != t.userID {
		return nil, errScope(t.userID, userID)
	}
	return pgGetAccount(ctx, t.tx, userID)
}

func (t *pgTx) Positions(ctx context.Context, userID string) ([]model.Position, error) {
	if userID != t.userID {
		return nil, errScope(t.userID, userID)
	}
	return pgPositions(ctx, t.tx, userID)
}

func (t *pgTx) Position(ctx context.Context, userID, symbol string) (*model.Position, error) {
	if userID != t.userID {
		return nil, errScope(t.userID, userID)
	}
	row := t.tx.QueryRow(ctx,
		`SELECT user_id, symbol, quantity, avg_cost::TEXT
		 FROM positions WHERE user_id = $1 AND symbol = $2`, userID, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgError("read position", err)
	}
	return p, nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	if p.UserID != t.userID {
		return errScope(t.userID, p.UserID)
	}
	if err := validatePosition(p); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, symbol, quantity, avg_cost)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (user_id, symbol)
		 DO UPDATE SET quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost`,
		p.UserID, p.Symbol, p.Quantity, p.AvgCost.String())
	return pgError("upsert position", err)
}

func (t *pgTx) DeletePosition(ctx context.Context, userID, symbol string) error {
	if userID != t.userID {
		return errScope(t.userID, userID)
	}
	_, err := t.tx.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND symbol = $2`, userID, symbol)
	return pgError("delete position", err)
}

func (t *pgTx) AppendTrade(ctx context.Context, tr *model.Trade) (string, error) {
	if tr.UserID != t.userID {
		return "", errScope(t.userID, tr.UserID)
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, symbol, side, quantity, price, total, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		tr.ID, tr.UserID, tr.Symbol, string(tr.Side), tr.Quantity,
		tr.Price.String(), tr.Total.String(), tr.Timestamp)
	if err != nil {
		return "", pgError("append trade", err)
	}
	return tr.ID, nil
}

func (t *pgTx) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	if userID != t.userID {
		return nil, errScope(t.userID, userID)
	}
	return pgTradesByUser(ctx, t.tx, userID)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgGetAccount(ctx context.Context, q querier, userID string) (*model.Account, error) {
	var a model.Account
	var cash, starting string

	err := q.QueryRow(ctx,
		`SELECT user_id, cash_balance::TEXT, starting_balance::TEXT, created_at
		 FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &cash, &starting, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, pgError("get account "+userID, err)
	}

	if a.CashBalance, err = parseDecimal("cash_balance", cash); err != nil {
		return nil, err
	}
	if a.StartingBalance, err = parseDecimal("starting_balance", starting); err != nil {
		return nil, err
	}
	return &a, nil
}

func pgPositions(ctx context.Context, q querier, userID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT user_id, symbol, quantity, avg_cost::TEXT
		 FROM positions WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, pgError("list positions", err)
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, pgError("list positions", err)
		}
		positions = append(positions, *p)
	}
	return positions, pgError("list positions", rows.Err())
}

func pgTradesByUser(ctx context.Context, q querier, userID string) ([]model.Trade, error) {
	rows, err := q.Query(ctx,
		`SELECT id, user_id, symbol, side, quantity, price::TEXT, total::TEXT, executed_at
		 FROM trades WHERE user_id = $1
		 ORDER BY executed_at DESC, id DESC`, userID)
	if err != nil {
		return nil, pgError("list trades", err)
	}
	defer rows.Close()

	trades := []model.Trade{}
	for rows.Next() {
		var tr model.Trade
		var side, price, total string
		if err := rows.Scan(&tr.ID, &tr.UserID, &tr.Symbol, &side, &tr.Quantity,
			&price, &total, &tr.Timestamp); err != nil {
			return nil, pgError("list trades", err)
		}
		tr.Side = model.Side(side)
		if tr.Price, err = parseDecimal("price", price); err != nil {
			return nil, err
		}
		if tr.Total, err = parseDecimal("total", total); err != nil {
			return nil, err
		}
		trades = append(trades, tr)
	}
	return trades, pgError("list trades", rows.Err())
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var avg string
	if err := row.Scan(&p.UserID, &p.Symbol, &p.Quantity, &avg); err != nil {
		return nil, err
	}
	var err error
	if p.AvgCost, err = parseDecimal("avg_cost", avg); err != nil {
		return nil, err
	}
	return &p, nil
}

// pgError maps serialization failures and deadlocks to ErrConflict and
// wraps everything else with op.
func pgError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
