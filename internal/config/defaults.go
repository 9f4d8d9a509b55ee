package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultPort            = 8080
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultMaxConns        = 10
	DefaultMinConns        = 2
	DefaultSQLitePath      = "stocker.db"
	DefaultBadgerPath      = "data/stocker"
	DefaultCacheTTL        = 30 * time.Second
	DefaultChannel         = "stocker:trades"
	DefaultStartingBalance = "10000"
	DefaultMaxRetries      = 3
	DefaultTickInterval    = 5 * time.Second
	DefaultMaxMove         = "0.02"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultLogMaxSizeMB    = 100
	DefaultLogMaxBackups   = 5
	DefaultLogMaxAgeDays   = 30
)

// ApplyDefaults fills every zero-valued optional field. Pointer fields are
// filled only when unset, so an explicit zero survives.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = DefaultIdleTimeout
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = DefaultRequestTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Store.Path == "" {
		switch c.Store.Driver {
		case DriverSQLite:
			c.Store.Path = DefaultSQLitePath
		case DriverBadger:
			c.Store.Path = DefaultBadgerPath
		}
	}
	if c.Store.MaxConns == 0 {
		c.Store.MaxConns = DefaultMaxConns
	}
	if c.Store.MinConns == 0 {
		c.Store.MinConns = DefaultMinConns
	}

	if c.Redis.CacheTTL == 0 {
		c.Redis.CacheTTL = DefaultCacheTTL
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = DefaultChannel
	}

	if c.Trading.StartingBalance == "" {
		c.Trading.StartingBalance = DefaultStartingBalance
	}
	if c.Trading.MaxRetries == nil {
		n := DefaultMaxRetries
		c.Trading.MaxRetries = &n
	}
	if c.Trading.TickInterval == 0 {
		c.Trading.TickInterval = DefaultTickInterval
	}
	if c.Trading.MaxMove == "" {
		c.Trading.MaxMove = DefaultMaxMove
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = DefaultLogMaxBackups
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = DefaultLogMaxAgeDays
	}
}
