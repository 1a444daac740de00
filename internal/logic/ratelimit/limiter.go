package ratelimit

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/patrickwarner/openbid/internal/observability"
)

// PartnerLimiter caps the bid request rate of each supply partner.
//
// Each partner gets its own token bucket, created lazily on first access.
// Requests and rejections are counted through the injected metrics registry.
//
// Example usage:
//
//	limiter := NewPartnerLimiter(Config{Capacity: 100, RefillRate: 50, Enabled: true}, metrics)
//	if !limiter.Allow(req.PartnerID) {
//	    // answer 429
//	}
type PartnerLimiter struct {
	buckets map[int]*TokenBucket
	mu      sync.RWMutex
	config  Config
	metrics observability.MetricsRegistry
}

// Config holds the configuration for rate limiting.
type Config struct {
	Capacity   int  // Token bucket capacity (burst allowance)
	RefillRate int  // Tokens added per second (sustained rate)
	Enabled    bool // Whether rate limiting is active
}

// NewPartnerLimiter creates a limiter with the given configuration.
func NewPartnerLimiter(config Config, metrics observability.MetricsRegistry) *PartnerLimiter {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &PartnerLimiter{
		buckets: make(map[int]*TokenBucket),
		config:  config,
		metrics: metrics,
	}
}

// Allow reports whether a bid request from partnerID may proceed. It always
// returns true when limiting is disabled or the limiter is nil.
func (pl *PartnerLimiter) Allow(partnerID int) bool {
	if pl == nil || !pl.config.Enabled {
		return true
	}
	label := strconv.Itoa(partnerID)
	pl.metrics.IncrementRateLimitRequests(label)

	pl.mu.RLock()
	bucket, exists := pl.buckets[partnerID]
	pl.mu.RUnlock()

	if !exists {
		pl.mu.Lock()
		bucket, exists = pl.buckets[partnerID]
		if !exists {
			bucket = NewTokenBucket(pl.config.Capacity, pl.config.RefillRate)
			pl.buckets[partnerID] = bucket
		}
		pl.mu.Unlock()
	}

	allowed := bucket.Allow()
	if !allowed {
		pl.metrics.IncrementRateLimitHits(label)
	}
	return allowed
}

// Stats returns a snapshot of rate limiting activity per partner.
func (pl *PartnerLimiter) Stats() map[int]RateLimitStats {
	stats := make(map[int]RateLimitStats)
	if pl == nil {
		return stats
	}
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	for partnerID, bucket := range pl.buckets {
		hits, total := bucket.Stats()
		hitRate := 0.0
		if total > 0 {
			hitRate = float64(hits) / float64(total)
		}
		stats[partnerID] = RateLimitStats{
			PartnerID: partnerID,
			Hits:      hits,
			Total:     total,
			HitRate:   hitRate,
		}
	}
	return stats
}

// RateLimitStats contains rate limiting statistics for a single partner.
type RateLimitStats struct {
	PartnerID int     `json:"partner_id"`
	Hits      int64   `json:"hits"`     // requests rejected
	Total     int64   `json:"total"`    // requests seen
	HitRate   float64 `json:"hit_rate"` // 0.0-1.0
}

func (s RateLimitStats) String() string {
	return fmt.Sprintf("partner %d: %d/%d hits (%.2f%%)", s.PartnerID, s.Hits, s.Total, s.HitRate*100)
}
