package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisCache keeps the last authoritative balance per address in Redis so
// every session on the device shares the same offline fallback value.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a cache. A zero ttl keeps values indefinitely.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func cacheKey(address string) string {
	return "balance:authoritative:" + address
}

func (c *RedisCache) Get(ctx context.Context, address string) (decimal.Decimal, bool, error) {
	val, err := c.rdb.Get(ctx, cacheKey(address)).Result()
	if err == redis.Nil {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read balance cache: %w", err)
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("corrupt balance cache entry: %w", err)
	}
	return d, true, nil
}

func (c *RedisCache) Set(ctx context.Context, address string, value decimal.Decimal) error {
	if err := c.rdb.Set(ctx, cacheKey(address), value.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write balance cache: %w", err)
	}
	return nil
}
