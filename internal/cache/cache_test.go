package cache

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/attribution"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/resilience"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	fail error
}

func newMemStore() *memStore {
	return &memStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memStore) GetEx(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	v, ok := m.data[key]
	if !ok {
		return "", goredis.Nil
	}
	m.ttls[key] = ttl
	return v, nil
}

func (m *memStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	m.ttls[key] = ttl
	return nil
}

func (m *memStore) match(pattern string) []string {
	var keys []string
	for k := range m.data {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

func (m *memStore) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.match(pattern)
	for _, k := range keys {
		delete(m.data, k)
	}
	return int64(len(keys)), nil
}

func (m *memStore) CountByPattern(_ context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.match(pattern))), nil
}

func (m *memStore) setFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

var testCfg = config.RedisConfig{CacheTTL: time.Hour, CacheHitTTL: 12 * time.Hour}

func defaultParams() attribution.Params {
	return attribution.DefaultParams(config.AttributionConfig{
		Delimiters:                  []string{"\n", "."},
		MinimumSpanLength:           5,
		MaximumFrequency:            10,
		MaximumSpanDensity:          0.05,
		SpanRankingMethod:           "frequency",
		MaximumContextLength:        250,
		MaximumContextLengthLong:    250,
		MaximumContextLengthSnippet: 40,
		MaximumDocumentsPerSpan:     10,
	})
}

func TestKeyIdentity(t *testing.T) {
	p := defaultParams()
	a, err := Key(V2, "tulu-3-8b", p, "some response")
	require.NoError(t, err)
	b, err := Key(V2, "tulu-3-8b", p, "some response")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "attribution:v2:tulu-3-8b:"))

	v1, _ := Key(V1, "tulu-3-8b", p, "some response")
	otherIndex, _ := Key(V2, "olmo-2-1124-13b", p, "some response")
	otherText, _ := Key(V2, "tulu-3-8b", p, "another response")
	noDelims := p
	noDelims.Delimiters = []string{}
	otherParams, _ := Key(V2, "tulu-3-8b", noDelims, "some response")
	for _, k := range []string{v1, otherIndex, otherText, otherParams} {
		assert.NotEqual(t, a, k)
	}
}

func TestGetOrComputeCachesAndRefreshesTTL(t *testing.T) {
	store := newMemStore()
	c := New(store, testCfg)
	ctx := context.Background()
	calls := 0
	compute := func(context.Context) ([]byte, error) {
		calls++
		return []byte(`{"index":"tulu-3-8b"}`), nil
	}

	body, hit, err := c.GetOrCompute(ctx, "attribution:v2:tulu-3-8b:abc", compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.JSONEq(t, `{"index":"tulu-3-8b"}`, string(body))
	assert.Equal(t, time.Hour, store.ttls["attribution:v2:tulu-3-8b:abc"])

	body, hit, err = c.GetOrCompute(ctx, "attribution:v2:tulu-3-8b:abc", compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 1, calls)
	assert.Equal(t, `{"index":"tulu-3-8b"}`, string(body))
	assert.Equal(t, 12*time.Hour, store.ttls["attribution:v2:tulu-3-8b:abc"])

	stats := c.Stats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, "50.0%", stats.HitRate)
	require.NotNil(t, stats.Keys)
	assert.Equal(t, int64(1), *stats.Keys)
}

func TestComputeErrorIsNotCached(t *testing.T) {
	store := newMemStore()
	c := New(store, testCfg)
	boom := errors.New("timeout")
	_, _, err := c.GetOrCompute(context.Background(), "k", func(context.Context) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, store.data)
}

func TestConcurrentMissesComputeOnce(t *testing.T) {
	c := New(newMemStore(), testCfg)
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("body"), nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, _, err := c.GetOrCompute(context.Background(), "same", compute)
			assert.NoError(t, err)
			assert.Equal(t, "body", string(body))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, calls.Load(), int32(8))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestSharedComputeOutlivesLeaderDeadline(t *testing.T) {
	c := New(newMemStore(), testCfg)
	started := make(chan struct{})
	compute := func(ctx context.Context) ([]byte, error) {
		close(started)
		select {
		case <-time.After(100 * time.Millisecond):
			return []byte("body"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	leaderCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(leaderCtx, "same", compute)
		leaderErr <- err
	}()
	<-started

	body, hit, err := c.GetOrCompute(context.Background(), "same", compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "body", string(body))
	assert.ErrorIs(t, <-leaderErr, apperrors.ErrTimeout)

	cached, ok := c.Get(context.Background(), "same")
	require.True(t, ok)
	assert.Equal(t, "body", string(cached))
}

func TestComputeTimeoutBoundsSharedComputation(t *testing.T) {
	c := New(newMemStore(), testCfg, WithComputeTimeout(10*time.Millisecond))
	_, _, err := c.GetOrCompute(context.Background(), "k", func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisFailureDegradesToCompute(t *testing.T) {
	store := newMemStore()
	store.setFail(errors.New("connection refused"))
	c := New(store, testCfg, WithBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		body, hit, err := c.GetOrCompute(ctx, "k", func(context.Context) ([]byte, error) {
			return []byte("fresh"), nil
		})
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, "fresh", string(body))
	}
	stats := c.Stats(ctx)
	assert.Equal(t, "open", stats.Circuit)
	assert.Equal(t, int64(4), stats.Rejected)
	assert.Positive(t, stats.Errors)
}

func TestInvalidateByIndex(t *testing.T) {
	store := newMemStore()
	c := New(store, testCfg)
	ctx := context.Background()
	p := defaultParams()
	k1, _ := Key(V1, "tulu-3-8b", p, "x")
	k2, _ := Key(V2, "tulu-3-8b", p, "x")
	k3, _ := Key(V2, "olmo-2-1124-13b", p, "x")
	for _, k := range []string{k1, k2, k3} {
		c.Set(ctx, k, []byte("body"))
	}

	n, err := c.Invalidate(ctx, "tulu-3-8b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Contains(t, store.data, k3)

	n, err = c.Invalidate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, store.data)
}

func TestInvalidationHandler(t *testing.T) {
	store := newMemStore()
	c := New(store, testCfg)
	ctx := context.Background()
	k, _ := Key(V2, "tulu-3-8b", defaultParams(), "x")
	c.Set(ctx, k, []byte("body"))

	handle := InvalidationHandler(c)
	assert.ErrorIs(t, handle(ctx, nil, []byte("not json")), kafka.ErrSkip)
	assert.Len(t, store.data, 1)

	require.NoError(t, handle(ctx, []byte("tulu-3-8b"), []byte(`{"index":"tulu-3-8b","reason":"reload"}`)))
	assert.Empty(t, store.data)
}
