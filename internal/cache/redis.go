// Package cache wraps Redis as the optional second-tier deduplication
// cache the domain stack calls for: a shared recent-open-time set that
// survives a single process's in-memory recentCache, letting multiple
// store instances (e.g. during a rolling deploy) agree on what has
// already been written.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a thin wrapper over go-redis tuned the way the ambient
// stack tunes it elsewhere in this codebase: small pool, fast timeouts,
// a handful of retries, because a miss here just means "fall back to
// the in-memory cache and the .idx range check."
type RedisCache struct {
	client *redis.Client
}

func New(addr, password string, db int) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   3,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	return &RedisCache{client: rdb}
}

// dedupeTTL bounds how long a seen-openTime marker lives; a period file
// is never reopened much later than this window in normal operation, so
// letting the marker expire keeps the key space small.
const dedupeTTL = 24 * time.Hour

func dedupeKey(periodFileKey string, openTimeMs int64) string {
	return fmt.Sprintf("ftc:dedupe:%s:%d", periodFileKey, openTimeMs)
}

// SeenOpenTime reports whether openTimeMs was already marked written
// for periodFileKey.
func (r *RedisCache) SeenOpenTime(ctx context.Context, periodFileKey string, openTimeMs int64) (bool, error) {
	n, err := r.client.Exists(ctx, dedupeKey(periodFileKey, openTimeMs)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkOpenTime records openTimeMs as written for periodFileKey.
func (r *RedisCache) MarkOpenTime(ctx context.Context, periodFileKey string, openTimeMs int64) error {
	return r.client.Set(ctx, dedupeKey(periodFileKey, openTimeMs), "1", dedupeTTL).Err()
}

// marketPriceKey namespaces the last-seen market price used to resolve
// a symbol's bin multiplier tier.
func marketPriceKey(venue, symbol string) string {
	return fmt.Sprintf("ftc:price:%s:%s", venue, symbol)
}

// SetLastPrice records the most recent trade price for a symbol, so the
// bin-multiplier tier resolution (internal/trade.ResolveBinMultiplier)
// has a fast, shared source instead of asking the config repository on
// every trade.
func (r *RedisCache) SetLastPrice(ctx context.Context, venue, symbol string, price float64) error {
	return r.client.Set(ctx, marketPriceKey(venue, symbol), strconv.FormatFloat(price, 'f', -1, 64), 0).Err()
}

func (r *RedisCache) LastPrice(ctx context.Context, venue, symbol string) (float64, bool, error) {
	s, err := r.client.Get(ctx, marketPriceKey(venue, symbol)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	price, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, err
	}
	return price, true, nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
