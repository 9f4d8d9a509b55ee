// Package config loads the trade engine configuration from YAML with
// ${VAR} environment expansion, applies defaults and validates the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Redis   RedisConfig   `yaml:"redis"`
	Trading TradingConfig `yaml:"trading"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverBadger   = "badger"
)

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`  // postgres connection string
	Path     string `yaml:"path"` // sqlite file or badger directory
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig enables the read-through cache and trade confirmations.
// Both are off when URL is empty.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Channel  string        `yaml:"channel"`
}

// TradingConfig holds engine-adjacent policy.
type TradingConfig struct {
	StartingBalance string          `yaml:"starting_balance"`
	MaxRetries      *int            `yaml:"max_retries"` // nil means DefaultMaxRetries; 0 disables retries
	SimulatePrices  bool            `yaml:"simulate_prices"`
	TickInterval    time.Duration   `yaml:"tick_interval"`
	MaxMove         string          `yaml:"max_move"`
	startingBalance decimal.Decimal
	maxMove         decimal.Decimal
}

// StartingBalanceAmount is StartingBalance parsed; valid after Validate.
func (t TradingConfig) StartingBalanceAmount() decimal.Decimal { return t.startingBalance }

// Retries is how many times a conflicted trade is retried; valid after
// ApplyDefaults.
func (t TradingConfig) Retries() int {
	if t.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *t.MaxRetries
}

// MaxMoveFraction is MaxMove parsed; valid after Validate.
func (t TradingConfig) MaxMoveFraction() decimal.Decimal { return t.maxMove }

// LogConfig configures slog output and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json or text
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML after expanding ${VAR} references.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// LoadAndValidate loads path (or starts empty when path is ""), applies the
// environment overrides, defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv applies the deployment environment variables on top of the file:
// PORT, DATABASE_URL (selects postgres), REDIS_URL and LOG_LEVEL.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.Driver = DriverPostgres
		c.Store.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	_ = cfg.Validate()
	return cfg
}
