package config

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Validate checks that all required fields are set and values are valid.
// It also parses the decimal fields kept as strings in YAML.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if err := c.Store.validate(); err != nil {
		return err
	}

	if c.Redis.URL != "" && c.Redis.CacheTTL < 0 {
		return errors.New("redis.cache_ttl must be >= 0")
	}

	bal, err := decimal.NewFromString(c.Trading.StartingBalance)
	if err != nil {
		return fmt.Errorf("trading.starting_balance: %w", err)
	}
	if bal.IsNegative() {
		return fmt.Errorf("trading.starting_balance must be >= 0, got %s", bal)
	}
	c.Trading.startingBalance = bal

	if c.Trading.MaxRetries != nil && *c.Trading.MaxRetries < 0 {
		return fmt.Errorf("trading.max_retries must be >= 0, got %d", *c.Trading.MaxRetries)
	}
	if c.Trading.TickInterval <= 0 {
		return errors.New("trading.tick_interval must be positive")
	}
	move, err := decimal.NewFromString(c.Trading.MaxMove)
	if err != nil {
		return fmt.Errorf("trading.max_move: %w", err)
	}
	if move.IsNegative() || move.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("trading.max_move must be in [0, 1), got %s", move)
	}
	c.Trading.maxMove = move

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Driver {
	case DriverMemory:
	case DriverPostgres:
		if s.DSN == "" {
			return errors.New("store.dsn is required for postgres")
		}
		if s.MaxConns < 1 {
			return errors.New("store.max_conns must be >= 1")
		}
		if s.MinConns < 0 {
			return errors.New("store.min_conns must be >= 0")
		}
		if s.MinConns > s.MaxConns {
			return fmt.Errorf("store.min_conns (%d) cannot exceed max_conns (%d)", s.MinConns, s.MaxConns)
		}
	case DriverSQLite, DriverBadger:
		if s.Path == "" {
			return fmt.Errorf("store.path is required for %s", s.Driver)
		}
	default:
		return fmt.Errorf("store.driver must be memory, postgres, sqlite or badger, got %q", s.Driver)
	}
	return nil
}
