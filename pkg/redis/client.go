// Package redis wraps go-redis/v9 for the response cache: TTL-refreshing
// reads, writes and glob-based invalidation.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/resilience"
)

// scanBatch is the COUNT hint of each SCAN page.
const scanBatch = 500

type Client struct {
	rdb *redis.Client
}

// NewClient connects to Redis and pings it, retrying while the server comes
// up.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	err := resilience.Retry(ctx, "redis-connect", resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// GetEx returns the value of key and resets its TTL in the same round trip.
func (c *Client) GetEx(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return c.rdb.GetEx(ctx, key, ttl).Result()
}

func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// scan walks the keyspace matching pattern one SCAN page at a time.
func (c *Client) scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("scanning %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// FlushByPattern unlinks every key matching the glob pattern, a page at a
// time, and returns the number of keys removed.
func (c *Client) FlushByPattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	err := c.scan(ctx, pattern, func(keys []string) error {
		n, err := c.rdb.Unlink(ctx, keys...).Result()
		deleted += n
		if err != nil {
			return fmt.Errorf("unlinking %d keys: %w", len(keys), err)
		}
		return nil
	})
	return deleted, err
}

// CountByPattern returns the number of keys matching the glob pattern. SCAN
// may report a key twice while the keyspace is rehashing, so the count is an
// upper bound.
func (c *Client) CountByPattern(ctx context.Context, pattern string) (int64, error) {
	var n int64
	err := c.scan(ctx, pattern, func(keys []string) error {
		n += int64(len(keys))
		return nil
	})
	return n, err
}

// IsNilError reports whether err is the go-redis key-not-found error.
func IsNilError(err error) bool {
	return errors.Is(err, redis.Nil)
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
