package price

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Quote is a last-seen price with the time it was observed.
type Quote struct {
	PriceUSD decimal.Decimal `json:"price_usd"`
	At       time.Time       `json:"at"`
}

// LastPrices records resolved prices and serves them back for display.
type LastPrices interface {
	Recorder
	Last(ctx context.Context, mints []string) (map[string]Quote, error)
}

// RedisCache stores each mint's last price as a hash at "price:{mint}" with
// fields "price" and "ts" (Unix nanoseconds). Writes are unconditional.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache creates a RedisCache whose keys expire after ttl.
func NewRedisCache(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "price-cache")),
	}
}

var _ LastPrices = (*RedisCache)(nil)

func priceKey(mint string) string {
	return "price:" + mint
}

// Record writes every price in one pipeline. Failures are logged only.
func (c *RedisCache) Record(ctx context.Context, prices map[string]decimal.Decimal) {
	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	pipe := c.rdb.Pipeline()
	for mint, p := range prices {
		key := priceKey(mint)
		pipe.HSet(ctx, key, map[string]any{"price": p.String(), "ts": ts})
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("record prices failed", slog.String("err", err.Error()))
	}
}

// Last returns cached quotes; mints without a cached price are omitted.
func (c *RedisCache) Last(ctx context.Context, mints []string) (map[string]Quote, error) {
	if len(mints) == 0 {
		return map[string]Quote{}, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(mints))
	for _, m := range mints {
		cmds[m] = pipe.HGetAll(ctx, priceKey(m))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	out := make(map[string]Quote, len(mints))
	for m, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		p, err := decimal.NewFromString(vals["price"])
		if err != nil {
			continue
		}
		nanos, err := strconv.ParseInt(vals["ts"], 10, 64)
		if err != nil {
			continue
		}
		out[m] = Quote{PriceUSD: p, At: time.Unix(0, nanos).UTC()}
	}
	return out, nil
}

// MemoryCache is the in-process LastPrices used when Redis is not configured.
type MemoryCache struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{quotes: make(map[string]Quote)}
}

var _ LastPrices = (*MemoryCache)(nil)

func (c *MemoryCache) Record(_ context.Context, prices map[string]decimal.Decimal) {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	for m, p := range prices {
		c.quotes[m] = Quote{PriceUSD: p, At: now}
	}
}

func (c *MemoryCache) Last(_ context.Context, mints []string) (map[string]Quote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Quote, len(mints))
	for _, m := range mints {
		if q, ok := c.quotes[m]; ok {
			out[m] = q
		}
	}
	return out, nil
}
