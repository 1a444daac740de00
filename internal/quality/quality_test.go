package quality

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/cache"
	"github.com/patrickwarner/openbid/internal/models"
	"github.com/patrickwarner/openbid/internal/observability"
)

type stubModel struct {
	v     float64
	err   error
	calls int
}

func (s *stubModel) Predict(_ context.Context, x []float64) (float64, error) {
	s.calls++
	if len(x) != len(FeatureNames) {
		return 0, errors.New("wrong width")
	}
	return s.v, s.err
}

func TestSizeFactorTiers(t *testing.T) {
	tests := []struct {
		w, h int
		want float64
	}{
		{970, 310, 1.3},
		{800, 250, 1.2},
		{300, 400, 1.1},
		{300, 250, 1.0},
		{320, 50, 0.9},
		{0, 250, 1.0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SizeFactor(tt.w, tt.h), "%dx%d", tt.w, tt.h)
	}
}

func TestPositionFactorDecays(t *testing.T) {
	assert.Equal(t, 1.25, PositionFactor(1))
	assert.Equal(t, 1.15, PositionFactor(2))
	assert.Equal(t, 1.05, PositionFactor(3))
	assert.Equal(t, 1.0, PositionFactor(5))
	assert.Equal(t, 0.9, PositionFactor(6))
}

func TestPageFactor(t *testing.T) {
	assert.InDelta(t, 1.1*1.1*1.15, PageFactor("News", "search", 200), 1e-9)
	assert.InDelta(t, 1.05*0.95, PageFactor("sports", "social", 10), 1e-9)
	assert.InDelta(t, 1.05, PageFactor("", "", 90), 1e-9)
}

func TestRuleBasedMultiplier(t *testing.T) {
	in := Input{Slot: models.AdSlot{ID: 1, Width: 300, Height: 250, Position: 2}}
	res := RuleBased{}.Multiplier(context.Background(), in)
	assert.InDelta(t, 1.15, res.Multiplier, 1e-9)
	assert.Equal(t, SourceRules, res.Source)
	assert.False(t, res.Degraded)

	// position 0 means unknown and contributes nothing
	in.Slot.Position = 0
	assert.InDelta(t, 1.0, RuleBased{}.Multiplier(context.Background(), in).Multiplier, 1e-9)

	// every bonus together exceeds the cap
	in.Slot = models.AdSlot{ID: 1, Width: 970, Height: 320, Position: 1,
		Page: &models.PageContext{Category: "news", TrafficSource: "direct", AvgTimeOnPage: 300}}
	assert.Equal(t, MaxMultiplier, RuleBased{}.Multiplier(context.Background(), in).Multiplier)
}

func TestSquashBounds(t *testing.T) {
	for _, raw := range []float64{-1e6, -3, 0, 0.5, 1, 1.25, 2, 5, 1e6} {
		v := Squash(raw)
		assert.GreaterOrEqual(t, v, MinMultiplier)
		assert.LessOrEqual(t, v, MaxMultiplier)
	}
	assert.InDelta(t, 1.25, Squash(1.25), 1e-9)
	assert.Less(t, Squash(0.9), Squash(1.1))
	assert.InDelta(t, 1.0, Squash(1.0), 0.02)
}

func TestFeatures(t *testing.T) {
	at := time.Date(2024, 5, 4, 14, 0, 0, 0, time.UTC) // Saturday
	in := Input{
		Slot:       models.AdSlot{ID: 9, Width: 300, Height: 250, Position: 1, Page: &models.PageContext{Category: "Technology"}},
		DeviceType: models.DeviceMobile,
		IsApp:      true,
		CTR:        0.02,
		CVR:        0.05,
		At:         at,
	}
	x := Features(in)
	require.Len(t, x, len(FeatureNames))
	assert.Equal(t, 75000.0, x[3])
	assert.Equal(t, 1.0, x[4])
	assert.Equal(t, 1.0, x[5])
	assert.Equal(t, 1.0, x[9])
	assert.Equal(t, 0.0, x[10])
	assert.Equal(t, 1.0, x[11])
	assert.Equal(t, 14.0, x[14])
	assert.Equal(t, 6.0, x[15])
	assert.Equal(t, 1.0, x[16])
}

func TestModelBackedSuccess(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	m := &stubModel{v: 1.25}
	s := NewStrategy(m, 10*time.Millisecond, zap.NewNop(), metrics)

	res := s.Multiplier(context.Background(), Input{Slot: models.AdSlot{ID: 1}})
	assert.Equal(t, SourceModel, res.Source)
	assert.InDelta(t, 1.25, res.Multiplier, 1e-9)
	assert.Equal(t, 1, metrics.Count("model:quality:success"))
}

func TestModelBackedFallsBackOnFailure(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	in := Input{Slot: models.AdSlot{ID: 1, Width: 300, Height: 250, Position: 1}}

	for _, m := range []*stubModel{{err: errors.New("boom")}, {v: math.NaN()}} {
		res := NewModelBacked(m, 0, zap.NewNop(), metrics).Multiplier(context.Background(), in)
		assert.True(t, res.Degraded)
		assert.Equal(t, SourceRules, res.Source)
		assert.InDelta(t, 1.25, res.Multiplier, 1e-9)
	}
	assert.Equal(t, 2, metrics.Count("model:quality:fallback"))
}

func TestNewStrategyWithoutModelUsesRules(t *testing.T) {
	s := NewStrategy(nil, 0, zap.NewNop(), observability.NewNoOpRegistry())
	_, ok := s.(RuleBased)
	assert.True(t, ok)
}

func TestAdjusterCaches(t *testing.T) {
	fc := cache.NewMemoryCache()
	m := &stubModel{v: 1.25}
	a := NewAdjuster(NewModelBacked(m, 0, zap.NewNop(), observability.NewNoOpRegistry()), fc, time.Minute, zap.NewNop())
	in := Input{BrandID: 3, Slot: models.AdSlot{ID: 4}}

	v, res := a.Adjust(context.Background(), 0.2, in)
	assert.InDelta(t, 0.25, v, 1e-9)
	assert.Equal(t, SourceModel, res.Source)

	v, res = a.Adjust(context.Background(), 0.4, in)
	assert.InDelta(t, 0.5, v, 1e-9)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, 1, m.calls)

	var stored Result
	require.True(t, fc.Get(context.Background(), cache.QualityKey(3, 4), &stored))
	assert.InDelta(t, 1.25, stored.Multiplier, 1e-9)
}

func TestAdjusterDoesNotCacheDegraded(t *testing.T) {
	fc := cache.NewMemoryCache()
	m := &stubModel{err: errors.New("down")}
	a := NewAdjuster(NewModelBacked(m, 0, zap.NewNop(), observability.NewNoOpRegistry()), fc, time.Minute, zap.NewNop())
	in := Input{BrandID: 3, Slot: models.AdSlot{ID: 4}}

	_, res := a.Adjust(context.Background(), 1, in)
	assert.True(t, res.Degraded)
	_, res = a.Adjust(context.Background(), 1, in)
	assert.True(t, res.Degraded)
	assert.Equal(t, 2, m.calls)
	assert.Equal(t, 0, fc.Len())
}

func TestAdjusterIgnoresOutOfRangeCacheEntry(t *testing.T) {
	fc := cache.NewMemoryCache()
	fc.Set(context.Background(), cache.QualityKey(1, 1), Result{Multiplier: 50}, time.Minute)
	a := NewAdjuster(RuleBased{}, fc, time.Minute, zap.NewNop())

	v, res := a.Adjust(context.Background(), 1, Input{BrandID: 1, Slot: models.AdSlot{ID: 1}})
	assert.Equal(t, 1.0, v)
	assert.Equal(t, SourceRules, res.Source)
}
