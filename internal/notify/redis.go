package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stocker/trade-engine/internal/model"
)

// RedisPublisher publishes each trade's Message as JSON on a pub/sub
// channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) TradeExecuted(ctx context.Context, t model.Trade) error {
	data, err := json.Marshal(NewMessage(t))
	if err != nil {
		return fmt.Errorf("notify: encode trade %s: %w", t.ID, err)
	}
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("notify: publish trade %s: %w", t.ID, err)
	}
	return nil
}
