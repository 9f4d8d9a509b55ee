package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/stocker/trade-engine/internal/model"
)

var sqliteSchema = []string{
	`PRAGMA journal_mode=WAL;`,
	`CREATE TABLE IF NOT EXISTS accounts (
		user_id          TEXT PRIMARY KEY,
		cash_balance     TEXT NOT NULL,
		starting_balance TEXT NOT NULL,
		created_at       INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS positions (
		user_id  TEXT NOT NULL REFERENCES accounts(user_id),
		symbol   TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		avg_cost TEXT NOT NULL,
		PRIMARY KEY (user_id, symbol)
	);`,
	`CREATE TABLE IF NOT EXISTS trades (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL REFERENCES accounts(user_id),
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL CHECK (side IN ('buy', 'sell')),
		quantity    INTEGER NOT NULL CHECK (quantity > 0),
		price       TEXT NOT NULL,
		total       TEXT NOT NULL,
		executed_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_trades_user_time ON trades(user_id, executed_at DESC, id DESC);`,
}

// SQLiteStore implements Store on a single-file SQLite database through the
// pure-Go modernc driver. Decimals are stored as TEXT and timestamps as
// unix nanoseconds.
//
// The database runs in WAL mode behind a small connection pool, so reads
// proceed while a unit of work is open. Units of work begin with BEGIN
// IMMEDIATE and take SQLite's single write lock up front; they queue behind
// each other for up to the busy timeout and then fail with ErrConflict.
type SQLiteStore struct {
	db *sql.DB
}

// sqliteMaxConns bounds the pool. One connection at a time can write; the
// rest serve reads.
const sqliteMaxConns = 4

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(sqliteMaxConns)
	db.SetMaxIdleConns(sqliteMaxConns)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *model.Account) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, cash_balance, starting_balance, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		a.UserID, a.CashBalance.String(), a.StartingBalance.String(), a.CreatedAt.UnixNano())
	if err != nil {
		return sqliteError("create account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sqliteError("create account", err)
	}
	if n == 0 {
		return ErrAccountExists
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return sqliteGetAccount(ctx, s.db, userID)
}

func (s *SQLiteStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	if _, err := s.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	return sqlitePositions(ctx, s.db, userID)
}

func (s *SQLiteStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	if _, err := s.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	return sqliteTradesByUser(ctx, s.db, userID)
}

func (s *SQLiteStore) Atomically(ctx context.Context, userID string, fn TxFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteError("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return sqliteError("lookup account "+userID, err)
	}

	if err := fn(ctx, &sqliteTx{tx: tx, userID: userID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return sqliteError("commit", err)
	}
	return nil
}

type sqliteTx struct {
	tx     *sql.Tx
	userID string
}

func (t *sqliteTx) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if userID != t.userID {
		return decimal.Zero, errScope(t.userID, userID)
	}
	var cash string
	err := t.tx.QueryRowContext(ctx,
		`SELECT cash_balance FROM accounts WHERE user_id = ?`, userID).Scan(&cash)
	if err != nil {
		return decimal.Zero, sqliteError("read balance", err)
	}
	return parseDecimal("cash_balance", cash)
}

func (t *sqliteTx) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	if userID != t.userID {
		return errScope(t.userID, userID)
	}
	_, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET cash_balance = ? WHERE user_id = ?`, balance.String(), userID)
	return sqliteError("set balance", err)
}

func (t *sqliteTx) Account(ctx context.Context, userID string) (*model.Account, error) {
	if userID != t.userID {
		return nil, errScope(t.userID, userID)
	}
	return sqliteGetAccount(ctx, t.tx, userID)
}

func (t *sqliteTx) Positions(ctx context.Context, userID string) ([]model.Position, error) {
	if userID != t.userID {
		return nil, errScope(t.userID, userID)
	}
	return sqlitePositions(ctx, t.tx, userID)
}

func (t *sqliteTx) Position(ctx context.Context, userID, symbol string) (*model.Position, error) {
	if userID != t.userID {
		return nil, errScope(t.userID, userID)
	}
	row := t.tx.QueryRowContext(ctx,
		`SELECT user_id, symbol, quantity, avg_cost
		 FROM positions WHERE user_id = ? AND symbol = ?`, userID, symbol)
	p, err := scanSQLitePosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqliteError("read position", err)
	}
	return p, nil
}

func (t *sqliteTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	if p.UserID != t.userID {
		return errScope(t.userID, p.UserID)
	}
	if err := validatePosition(p); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO positions (user_id, symbol, quantity, avg_cost)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, symbol)
		 DO UPDATE SET quantity = excluded.quantity, avg_cost = excluded.avg_cost`,
		p.UserID, p.Symbol, p.Quantity, p.AvgCost.String())
	return sqliteError("upsert position", err)
}

func (t *sqliteTx) DeletePosition(ctx context.Context, userID, symbol string) error {
	if userID != t.userID {
		return errScope(t.userID, userID)
	}
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM positions WHERE user_id = ? AND symbol = ?`, userID, symbol)
	return sqliteError("delete position", err)
}

func (t *sqliteTx) AppendTrade(ctx context.Context, tr *model.Trade) (string, error) {
	if tr.UserID != t.userID {
		return "", errScope(t.userID, tr.UserID)
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO trades (id, user_id, symbol, side, quantity, price, total, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.UserID, tr.Symbol, string(tr.Side), tr.Quantity,
		tr.Price.String(), tr.Total.String(), tr.Timestamp.UnixNano())
	if err != nil {
		return "", sqliteError("append trade", err)
	}
	return tr.ID, nil
}

func (t *sqliteTx) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	if userID != t.userID {
		return nil, errScope(t.userID, userID)
	}
	return sqliteTradesByUser(ctx, t.tx, userID)
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteGetAccount(ctx context.Context, q sqlQuerier, userID string) (*model.Account, error) {
	var a model.Account
	var cash, starting string
	var created int64

	err := q.QueryRowContext(ctx,
		`SELECT user_id, cash_balance, starting_balance, created_at
		 FROM accounts WHERE user_id = ?`, userID).
		Scan(&a.UserID, &cash, &starting, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, sqliteError("get account "+userID, err)
	}

	a.CreatedAt = time.Unix(0, created).UTC()
	if a.CashBalance, err = parseDecimal("cash_balance", cash); err != nil {
		return nil, err
	}
	if a.StartingBalance, err = parseDecimal("starting_balance", starting); err != nil {
		return nil, err
	}
	return &a, nil
}

func sqlitePositions(ctx context.Context, q sqlQuerier, userID string) ([]model.Position, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id, symbol, quantity, avg_cost
		 FROM positions WHERE user_id = ? ORDER BY symbol`, userID)
	if err != nil {
		return nil, sqliteError("list positions", err)
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, sqliteError("list positions", err)
		}
		positions = append(positions, *p)
	}
	return positions, sqliteError("list positions", rows.Err())
}

func sqliteTradesByUser(ctx context.Context, q sqlQuerier, userID string) ([]model.Trade, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, user_id, symbol, side, quantity, price, total, executed_at
		 FROM trades WHERE user_id = ?
		 ORDER BY executed_at DESC, id DESC`, userID)
	if err != nil {
		return nil, sqliteError("list trades", err)
	}
	defer rows.Close()

	trades := []model.Trade{}
	for rows.Next() {
		var tr model.Trade
		var side, price, total string
		var executed int64
		if err := rows.Scan(&tr.ID, &tr.UserID, &tr.Symbol, &side, &tr.Quantity,
			&price, &total, &executed); err != nil {
			return nil, sqliteError("list trades", err)
		}
		tr.Side = model.Side(side)
		tr.Timestamp = time.Unix(0, executed).UTC()
		if tr.Price, err = parseDecimal("price", price); err != nil {
			return nil, err
		}
		if tr.Total, err = parseDecimal("total", total); err != nil {
			return nil, err
		}
		trades = append(trades, tr)
	}
	return trades, sqliteError("list trades", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePosition(row rowScanner) (*model.Position, error) {
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

// sqliteError maps SQLITE_BUSY and SQLITE_LOCKED to ErrConflict.
func sqliteError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%s: %w: %s", op, ErrConflict, se.Error())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
