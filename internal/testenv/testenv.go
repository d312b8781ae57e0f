// Package testenv connects integration tests to real backing services.
// Tests skip when a service is unreachable.
//
// Run with:
//
//	go test -tags=integration ./...
package testenv

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/redis"
)

// Postgres returns a client for the test database, or skips t.
func Postgres(t testing.TB) *postgres.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := postgres.New(ctx, PostgresConfig())
	if err != nil {
		t.Skipf("skipping integration test: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func PostgresConfig() config.PostgresConfig {
	return config.PostgresConfig{
		Enabled:         true,
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "attribution_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "attribution"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Redis returns a client for the test Redis database, or skips t.
func Redis(t testing.TB) *redis.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := redis.NewClient(ctx, RedisConfig())
	if err != nil {
		t.Skipf("skipping integration test: redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func RedisConfig() config.RedisConfig {
	return config.RedisConfig{
		Enabled:     true,
		Addr:        envOrDefault("TEST_REDIS_ADDR", "localhost:6379"),
		DB:          envOrDefaultInt("TEST_REDIS_DB", 15),
		PoolSize:    4,
		CacheTTL:    time.Minute,
		CacheHitTTL: 5 * time.Minute,
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
