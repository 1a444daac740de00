package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/observability"
)

type sample struct {
	CTR float64 `json:"ctr"`
	CVR float64 `json:"cvr"`
}

func setupRedisCache(t *testing.T) (*miniredis.Miniredis, *RedisCache, *observability.MockMetricsRegistry) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	metrics := observability.NewMockMetricsRegistry()
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	return s, NewRedisCache(client, 50*time.Millisecond, zap.NewNop(), metrics), metrics
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "perf:1:2", PerfKey(1, 2))
	assert.Equal(t, "quality:1:2", QualityKey(1, 2))
	assert.Equal(t, "lambda:7", LambdaKey(7))
	assert.Equal(t, "budget:7", BudgetKey(7))
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "k", sample{CTR: 0.1}, time.Minute)
	var got sample
	require.True(t, c.Get(ctx, "k", &got))
	assert.Equal(t, 0.1, got.CTR)

	now = now.Add(2 * time.Minute)
	assert.False(t, c.Get(ctx, "k", &got))
	c.CleanupExpired()
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheDecodeFailureIsMiss(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	c.Set(ctx, "k", "not-a-struct", time.Minute)
	var got sample
	assert.False(t, c.Get(ctx, "k", &got))
}

func TestRedisCacheRoundTrip(t *testing.T) {
	s, c, metrics := setupRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, PerfKey(1, 2), sample{CTR: 0.02, CVR: 0.05}, time.Hour)
	assert.Equal(t, time.Hour, s.TTL(PerfKey(1, 2)))

	var got sample
	require.True(t, c.Get(ctx, PerfKey(1, 2), &got))
	assert.Equal(t, sample{CTR: 0.02, CVR: 0.05}, got)
	assert.Equal(t, 1, metrics.Count("cache:hit"))

	assert.False(t, c.Get(ctx, PerfKey(9, 9), &got))
	assert.Equal(t, 1, metrics.Count("cache:miss"))
}

func TestRedisCacheZeroTimeoutReachesRedis(t *testing.T) {
	s := miniredis.RunT(t)
	metrics := observability.NewMockMetricsRegistry()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	c := NewRedisCache(client, 0, zap.NewNop(), metrics)
	ctx := context.Background()

	c.Set(ctx, PerfKey(1, 2), sample{CTR: 0.02, CVR: 0.05}, time.Hour)
	assert.True(t, s.Exists(PerfKey(1, 2)))

	var got sample
	require.True(t, c.Get(ctx, PerfKey(1, 2), &got))
	assert.Equal(t, 1, metrics.Count("cache:hit"))
	assert.Equal(t, 0, metrics.Count("cache:error"))

	c.Delete(ctx, PerfKey(1, 2))
	assert.False(t, s.Exists(PerfKey(1, 2)))
}

func TestRedisCacheExpiredEntryIsMiss(t *testing.T) {
	s, c, _ := setupRedisCache(t)
	ctx := context.Background()
	c.Set(ctx, "k", sample{CTR: 0.1}, time.Second)
	s.FastForward(2 * time.Second)

	var got sample
	assert.False(t, c.Get(ctx, "k", &got))
}

func TestRedisCacheGarbageIsMiss(t *testing.T) {
	s, c, _ := setupRedisCache(t)
	require.NoError(t, s.Set("k", "{broken"))
	var got sample
	assert.False(t, c.Get(context.Background(), "k", &got))
}

func TestRedisCacheFallsBackWhenRedisDown(t *testing.T) {
	s, c, metrics := setupRedisCache(t)
	ctx := context.Background()
	c.Set(ctx, "k", sample{CTR: 0.3}, time.Minute)
	s.Close()

	var got sample
	require.True(t, c.Get(ctx, "k", &got))
	assert.Equal(t, 0.3, got.CTR)
	assert.Equal(t, 1, metrics.Count("cache:error"))

	// writes during the outage land in the fallback
	c.Set(ctx, "k2", sample{CVR: 0.2}, time.Minute)
	require.True(t, c.Get(ctx, "k2", &got))
	assert.Equal(t, 0.2, got.CVR)

	c.Delete(ctx, "k2")
	assert.False(t, c.Get(ctx, "k2", &got))
}
