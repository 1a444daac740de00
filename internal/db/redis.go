package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/models"
)

// EventDedupTTL bounds how long a processed event id is remembered in Redis.
const EventDedupTTL = 7 * 24 * time.Hour

// RedisStore wraps a redis client and context for operations.
type RedisStore struct {
	Client *redis.Client
	Ctx    context.Context
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Ctx:    context.Background(),
	}

	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(rs.Ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

func countsKey(brandID, slotID int) string {
	return fmt.Sprintf("counts:%d:%d", brandID, slotID)
}

func eventKey(eventID string) string {
	return "event:" + eventID
}

// IncrementPerformance applies one event to the (brand, slot) counters.
// Impressions, clicks and conversions are hash fields incremented atomically;
// conversion revenue accumulates in the revenue field.
func (r *RedisStore) IncrementPerformance(ctx context.Context, ev models.PerformanceEvent) error {
	key := countsKey(ev.BrandID, ev.AdSlotID)
	_, err := r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		switch ev.Type {
		case models.EventImpression:
			pipe.HIncrBy(ctx, key, "impressions", 1)
		case models.EventClick:
			pipe.HIncrBy(ctx, key, "clicks", 1)
		case models.EventConversion:
			pipe.HIncrBy(ctx, key, "conversions", 1)
		}
		if ev.Revenue > 0 {
			pipe.HIncrByFloat(ctx, key, "revenue", ev.Revenue)
		}
		return nil
	})
	return err
}

// GetPerformanceCounts returns the raw counters for a (brand, slot) pair.
// Missing keys yield zero counts.
func (r *RedisStore) GetPerformanceCounts(ctx context.Context, brandID, slotID int) (models.PerformanceCounts, error) {
	vals, err := r.Client.HGetAll(ctx, countsKey(brandID, slotID)).Result()
	if err != nil {
		return models.PerformanceCounts{}, err
	}
	var c models.PerformanceCounts
	c.Impressions, _ = strconv.ParseInt(vals["impressions"], 10, 64)
	c.Clicks, _ = strconv.ParseInt(vals["clicks"], 10, 64)
	c.Conversions, _ = strconv.ParseInt(vals["conversions"], 10, 64)
	c.Revenue, _ = strconv.ParseFloat(vals["revenue"], 64)
	return c, nil
}

// MarkEventProcessed records an event id with SETNX. It returns false when
// the id was already recorded.
func (r *RedisStore) MarkEventProcessed(ctx context.Context, ev models.PerformanceEvent) (bool, error) {
	ok, err := r.Client.SetNX(ctx, eventKey(ev.EventID), ev.Type, EventDedupTTL).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ReleaseEvent forgets an event id so a failed ingest can be retried.
func (r *RedisStore) ReleaseEvent(ctx context.Context, eventID string) error {
	err := r.Client.Del(ctx, eventKey(eventID)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
