package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stocker/trade-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// read side (account snapshots and position lists). Units of work always
// run against the primary and invalidate the user's cached entries once
// they commit.
//
// Every invalidation bumps a per-user version key. A reader notes the
// version before it reads the primary and fills the cache only if the
// version is unchanged, checked under WATCH, so a snapshot read before a
// commit is never written back after that commit's invalidation.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.invalidate(ctx, a.UserID)
	return nil
}

func (s *CachedStore) Atomically(ctx context.Context, userID string, fn TxFunc) error {
	if err := s.primary.Atomically(ctx, userID, fn); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.invalidate(ctx, userID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	ver, ok := s.version(ctx, userID)
	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.fill(ctx, userID, ver, accountKey(userID), a)
	}
	return a, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	ver, ok := s.version(ctx, userID)
	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.fill(ctx, userID, ver, positionsKey(userID), positions)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.TradesByUser(ctx, userID)
}

// --- Cache helpers ---

// version returns the user's invalidation counter ("" before the first
// invalidation). ok is false when Redis could not be read.
func (s *CachedStore) version(ctx context.Context, userID string) (string, bool) {
	v, err := s.rdb.Get(ctx, versionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", true
	}
	return v, err == nil
}

// fill caches v under key if no invalidation happened since ver was read.
// A lost race just leaves the key empty for the next reader.
func (s *CachedStore) fill(ctx context.Context, userID, ver, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	vk := versionKey(userID)
	_ = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, vk).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != ver {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, vk)
}

// invalidate bumps the version and drops the cached entries in one MULTI.
// The version key has no TTL so a stale reader can never see it reset.
func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionKey(userID))
		pipe.Del(ctx, accountKey(userID), positionsKey(userID))
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "user", userID, "err", err)
	}
}

func accountKey(uid string) string   { return fmt.Sprintf("stocker:account:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("stocker:positions:%s", uid) }
func versionKey(uid string) string   { return fmt.Sprintf("stocker:version:%s", uid) }
