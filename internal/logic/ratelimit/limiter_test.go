package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/patrickwarner/openbid/internal/observability"
)

func TestPartnerLimiterSeparatesPartners(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	limiter := NewPartnerLimiter(Config{Capacity: 2, RefillRate: 1, Enabled: true}, metrics)

	assert.True(t, limiter.Allow(1))
	assert.True(t, limiter.Allow(1))
	assert.False(t, limiter.Allow(1))
	assert.True(t, limiter.Allow(2), "partner 2 has its own bucket")

	stats := limiter.Stats()
	assert.Equal(t, int64(1), stats[1].Hits)
	assert.Equal(t, int64(3), stats[1].Total)
	assert.InDelta(t, 1.0/3, stats[1].HitRate, 1e-9)
	assert.Equal(t, int64(0), stats[2].Hits)

	assert.Equal(t, 3, metrics.Count("ratelimit_requests:1"))
	assert.Equal(t, 1, metrics.Count("ratelimit_hits:1"))
	assert.Equal(t, "partner 1: 1/3 hits (33.33%)", stats[1].String())
}

func TestPartnerLimiterDisabled(t *testing.T) {
	limiter := NewPartnerLimiter(Config{Capacity: 1, RefillRate: 1}, nil)
	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(7))
	}
	assert.Empty(t, limiter.Stats())

	var nilLimiter *PartnerLimiter
	assert.True(t, nilLimiter.Allow(7))
	assert.Empty(t, nilLimiter.Stats())
}
