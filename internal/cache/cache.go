// Package cache is the feature cache shared by the rate estimator, the
// quality adjuster and the portfolio optimizer. Reads never fail: a missing,
// expired or undecodable entry is a miss.
package cache

import (
	"context"
	"fmt"
	"time"
)

// FeatureCache is a best-effort key/value store with expiry. Values are
// JSON-encoded.
type FeatureCache interface {
	// Get decodes the value stored under key into dst and reports whether it was found.
	Get(ctx context.Context, key string, dst any) bool
	// Set stores val under key for ttl. Failures are logged, not returned.
	Set(ctx context.Context, key string, val any, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// PerfKey names the smoothed rate entry for a brand and slot.
func PerfKey(brandID, slotID int) string {
	return fmt.Sprintf("perf:%d:%d", brandID, slotID)
}

// QualityKey names the quality multiplier entry for a brand and slot.
func QualityKey(brandID, slotID int) string {
	return fmt.Sprintf("quality:%d:%d", brandID, slotID)
}

// LambdaKey names the shadow price entry for a brand.
func LambdaKey(brandID int) string {
	return fmt.Sprintf("lambda:%d", brandID)
}

// BudgetKey names the ledger snapshot entry for a brand.
func BudgetKey(brandID int) string {
	return fmt.Sprintf("budget:%d", brandID)
}
