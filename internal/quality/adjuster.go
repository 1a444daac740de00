package quality

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/cache"
)

// Adjuster applies a Strategy with per (brand, slot) caching.
type Adjuster struct {
	strategy Strategy
	cache    cache.FeatureCache
	ttl      time.Duration
	logger   *zap.Logger
}

// NewAdjuster creates an Adjuster. fc may be nil to disable caching.
func NewAdjuster(s Strategy, fc cache.FeatureCache, ttl time.Duration, logger *zap.Logger) *Adjuster {
	return &Adjuster{strategy: s, cache: fc, ttl: ttl, logger: logger}
}

// Adjust returns vpi scaled by the quality multiplier for in. Degraded
// results are not cached so a recovered model is picked up immediately.
func (a *Adjuster) Adjust(ctx context.Context, vpi float64, in Input) (float64, Result) {
	key := cache.QualityKey(in.BrandID, in.Slot.ID)
	if a.cache != nil {
		var cached Result
		if a.cache.Get(ctx, key, &cached) && cached.Multiplier >= MinMultiplier && cached.Multiplier <= MaxMultiplier {
			cached.Source = SourceCache
			return vpi * cached.Multiplier, cached
		}
	}

	res := a.strategy.Multiplier(ctx, in)
	if a.cache != nil && !res.Degraded {
		a.cache.Set(ctx, key, res, a.ttl)
	}
	a.logger.Debug("quality multiplier computed",
		zap.Int("brand_id", in.BrandID),
		zap.Int("slot_id", in.Slot.ID),
		zap.Float64("multiplier", res.Multiplier),
		zap.String("source", res.Source))
	return vpi * res.Multiplier, res
}
