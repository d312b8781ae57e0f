// Package cache stores rendered attribution responses in Redis. Keys are
// derived from the response version, the index and the resolved request
// parameters, so a cached body is only ever served for an identical request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/attribution"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/resilience"
)

const keyPrefix = "attribution:"

// Store is the subset of the Redis client used by the cache.
type Store interface {
	GetEx(ctx context.Context, key string, ttl time.Duration) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
	CountByPattern(ctx context.Context, pattern string) (int64, error)
}

// Version selects the wire format a cached body is rendered in.
type Version string

const (
	V1 Version = "v1"
	V2 Version = "v2"
)

// ResponseCache caches rendered response bodies. Redis failures never fail a
// request: the cache degrades to computing every response.
type ResponseCache struct {
	store      Store
	ttl        time.Duration
	hitTTL     time.Duration
	opTimeout  time.Duration
	computeTTL time.Duration
	breakerCfg resilience.CircuitBreakerConfig
	breaker    *resilience.CircuitBreaker
	group      singleflight.Group
	metrics    *metrics.Metrics
	logger     *slog.Logger
	hits       atomic.Int64
	misses     atomic.Int64
	errors     atomic.Int64
}

// Option configures a ResponseCache.
type Option func(*ResponseCache)

// WithMetrics records hits, misses and breaker state.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *ResponseCache) { c.metrics = m }
}

// WithOperationTimeout bounds each Redis call. Default 250ms.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *ResponseCache) { c.opTimeout = d }
}

// WithComputeTimeout bounds a shared computation, which runs detached from
// the caller that started it. Zero leaves it to compute itself.
func WithComputeTimeout(d time.Duration) Option {
	return func(c *ResponseCache) { c.computeTTL = d }
}

// WithBreaker sets the circuit breaker configuration.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *ResponseCache) { c.breakerCfg = cfg }
}

// New creates a ResponseCache over store using the TTLs in cfg.
func New(store Store, cfg config.RedisConfig, opts ...Option) *ResponseCache {
	c := &ResponseCache{
		store:     store,
		ttl:       cfg.CacheTTL,
		hitTTL:    cfg.CacheHitTTL,
		opTimeout: 250 * time.Millisecond,
		logger:    slog.Default().With("component", "response-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hitTTL <= 0 {
		c.hitTTL = c.ttl
	}
	if c.breakerCfg.OnStateChange == nil {
		c.breakerCfg.OnStateChange = c.onBreakerChange
	}
	c.breaker = resilience.NewCircuitBreaker("response-cache", c.breakerCfg)
	return c
}

func (c *ResponseCache) onBreakerChange(name string, from, to resilience.State) {
	c.logger.Warn("cache circuit state changed", "from", from.String(), "to", to.String())
	if c.metrics != nil {
		c.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	}
}

// keyMaterial is the canonical request identity. The prompt is excluded
// because it does not influence the result.
type keyMaterial struct {
	Params   attribution.Params `json:"params"`
	Response string             `json:"response"`
}

// Key returns the cache key of a request. Two requests share a key only when
// their resolved parameters and response text are identical.
func Key(version Version, index string, p attribution.Params, text string) (string, error) {
	raw, err := json.Marshal(keyMaterial{Params: p, Response: text})
	if err != nil {
		return "", fmt.Errorf("encoding cache key: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(string(version) + "::" + index))
	h.Write(raw)
	return keyPrefix + string(version) + ":" + index + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

// Get returns the cached body for key and refreshes its TTL.
func (c *ResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	var data string
	found := false
	err := c.breaker.Execute(func() error {
		v, err := resilience.Timeout(ctx, c.opTimeout, "cache-get", func(ctx context.Context) (string, error) {
			return c.store.GetEx(ctx, key, c.hitTTL)
		})
		switch {
		case pkgredis.IsNilError(err):
			return nil
		case err != nil:
			return err
		}
		data, found = v, true
		return nil
	})
	if err != nil {
		c.errors.Add(1)
		c.logger.Warn("cache get failed", "key", key, "error", err)
	}
	if err != nil || !found {
		c.misses.Add(1)
		if c.metrics != nil {
			c.metrics.CacheMissesTotal.Inc()
		}
		return nil, false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	c.logger.Debug("cache hit", "key", key)
	return []byte(data), true
}

// Set stores body under key with the write TTL.
func (c *ResponseCache) Set(ctx context.Context, key string, body []byte) {
	err := c.breaker.Execute(func() error {
		return resilience.WithTimeout(ctx, c.opTimeout, "cache-set", func(ctx context.Context) error {
			return c.store.Set(ctx, key, body, c.ttl)
		})
	})
	if err != nil {
		c.errors.Add(1)
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached body for key, or runs compute once for all
// concurrent callers of the same key and caches its result. The boolean
// reports a cache hit.
//
// The shared computation does not inherit the cancellation of the caller that
// started it, so one client going away or carrying a short deadline cannot
// fail the others. Each caller waits only as long as its own ctx allows.
func (c *ResponseCache) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	if body, ok := c.Get(ctx, key); ok {
		return body, true, nil
	}
	ch := c.group.DoChan(key, func() (any, error) {
		shared := context.WithoutCancel(ctx)
		if c.computeTTL > 0 {
			var cancel context.CancelFunc
			shared, cancel = context.WithTimeout(shared, c.computeTTL)
			defer cancel()
		}
		body, err := compute(shared)
		if err != nil {
			return nil, err
		}
		c.Set(shared, key, body)
		return body, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.([]byte), false, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, false, fmt.Errorf("%w: waiting for shared computation: %v", apperrors.ErrTimeout, ctx.Err())
		}
		return nil, false, ctx.Err()
	}
}

// Invalidate removes cached responses of index, or of every index when index
// is empty. It returns the number of keys removed.
func (c *ResponseCache) Invalidate(ctx context.Context, index string) (int64, error) {
	pattern := keyPrefix + "*"
	if index != "" {
		pattern = keyPrefix + "*:" + escapeGlob(index) + ":*"
	}
	deleted, err := c.store.FlushByPattern(ctx, pattern)
	if err != nil {
		return deleted, fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "index", index, "keys_deleted", deleted)
	return deleted, nil
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits     int64  `json:"hits"`
	Misses   int64  `json:"misses"`
	Errors   int64  `json:"errors"`
	Total    int64  `json:"total"`
	HitRate  string `json:"hit_rate"`
	Keys     *int64 `json:"keys,omitempty"`
	Circuit  string `json:"circuit"`
	Rejected int64  `json:"circuit_rejections"`
}

// Stats returns the counters and, when Redis answers, the number of cached
// responses.
func (c *ResponseCache) Stats(ctx context.Context) Stats {
	counts := c.breaker.Counts()
	s := Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Errors:   c.errors.Load(),
		Circuit:  counts.State.String(),
		Rejected: counts.Rejected,
	}
	s.Total = s.Hits + s.Misses
	var rate float64
	if s.Total > 0 {
		rate = float64(s.Hits) / float64(s.Total) * 100
	}
	s.HitRate = fmt.Sprintf("%.1f%%", rate)
	if n, err := c.store.CountByPattern(ctx, keyPrefix+"*"); err == nil {
		s.Keys = &n
	}
	return s
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
