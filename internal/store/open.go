package store

import (
	"context"
	"fmt"

	"github.com/stocker/trade-engine/internal/config"
)

// Open builds the backend selected by cfg.Driver. The returned cleanup
// releases its resources and is never nil.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, func(), error) {
	noop := func() {}

	switch cfg.Driver {
	case config.DriverMemory, "":
		return NewMemoryStore(), noop, nil

	case config.DriverPostgres:
		pool, err := ConnectPostgres(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		s := NewPostgresStore(pool)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		return s, pool.Close, nil

	case config.DriverSQLite:
		s, err := OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil

	case config.DriverBadger:
		s, err := OpenBadger(cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return nil, noop, fmt.Errorf("store: unknown driver %q", cfg.Driver)
}
