package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/observability"
)

// RedisCache is a FeatureCache backed by Redis. Every call runs under its
// own timeout; when Redis errors the in-process fallback serves the call.
type RedisCache struct {
	client   redis.UniversalClient
	fallback *MemoryCache
	timeout  time.Duration
	logger   *zap.Logger
	metrics  observability.MetricsRegistry
}

// NewRedisCache creates a RedisCache. timeout bounds each Redis round trip.
func NewRedisCache(client redis.UniversalClient, timeout time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *RedisCache {
	return &RedisCache{
		client:   client,
		fallback: NewMemoryCache(),
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
	}
}

// withTimeout bounds a Redis call by the configured timeout. A non-positive
// timeout leaves ctx as is.
func (c *RedisCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Fallback exposes the in-process cache so callers can start its cleanup loop.
func (c *RedisCache) Fallback() *MemoryCache { return c.fallback }

func (c *RedisCache) Get(ctx context.Context, key string, dst any) bool {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	b, err := c.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		c.metrics.IncrementCacheLookups("miss")
		return false
	case err != nil:
		c.metrics.IncrementCacheLookups("error")
		c.logger.Warn("feature cache read failed, using local fallback", zap.String("key", key), zap.Error(err))
		raw, ok := c.fallback.getRaw(key)
		if !ok {
			return false
		}
		b = raw
	}
	if err := json.Unmarshal(b, dst); err != nil {
		c.metrics.IncrementCacheLookups("miss")
		c.logger.Debug("feature cache decode failed", zap.String("key", key), zap.Error(err))
		return false
	}
	c.metrics.IncrementCacheLookups("hit")
	return true
}

func (c *RedisCache) Set(ctx context.Context, key string, val any, ttl time.Duration) {
	b, err := json.Marshal(val)
	if err != nil {
		c.logger.Warn("feature cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	// The fallback always holds the latest write so an outage serves fresh values.
	c.fallback.setRaw(key, b, ttl)

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.client.Set(ctx, key, b, ttl).Err(); err != nil {
		c.logger.Warn("feature cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	c.fallback.Delete(ctx, key)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("feature cache delete failed", zap.String("key", key), zap.Error(err))
	}
}
