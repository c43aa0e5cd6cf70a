package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSender publishes each event as JSON on a Pub/Sub channel so other
// processes (dashboards, bots) can follow the engine.
type RedisSender struct {
	rdb     *redis.Client
	channel string
}

// NewRedisSender creates a sender publishing on channel.
func NewRedisSender(rdb *redis.Client, channel string) *RedisSender {
	return &RedisSender{rdb: rdb, channel: channel}
}

func (s *RedisSender) Send(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", s.channel, err)
	}
	return nil
}

func (s *RedisSender) Name() string {
	return "redis"
}
