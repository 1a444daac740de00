package models

import (
	"math"
	"time"
)

// BrandStrategy is the stored configuration for one brand.
type BrandStrategy struct {
	BrandID       int       `json:"brand_id"`
	VPIMultiplier float64   `json:"vpi_multiplier"`
	Priority      int       `json:"priority"`
	DailyCap      float64   `json:"daily_cap"`
	TotalCap      float64   `json:"total_cap"`
	SpentToday    float64   `json:"spent_today"`
	SpentTotal    float64   `json:"spent_total"`
	TargetROAS    float64   `json:"target_roas"`
	IsActive      bool      `json:"is_active"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// Multiplier returns the factor applied to the raw bid amount: the VPI
// multiplier boosted by 5% per priority level above 1.
func (s BrandStrategy) Multiplier() float64 {
	m := s.VPIMultiplier
	if m <= 0 {
		m = 1.0
	}
	if s.Priority > 1 {
		m *= 1 + 0.05*float64(s.Priority-1)
	}
	return m
}

// DefaultStrategy returns the neutral strategy used for unknown brands.
func DefaultStrategy(brandID int) BrandStrategy {
	return BrandStrategy{BrandID: brandID, VPIMultiplier: 1.0, Priority: 1, IsActive: true}
}

// Validate checks an upsert payload.
func (s BrandStrategy) Validate() error {
	switch {
	case s.BrandID <= 0:
		return &ValidationError{Field: "brand_id", Reason: "must be positive"}
	case math.IsNaN(s.VPIMultiplier) || s.VPIMultiplier <= 0:
		return &ValidationError{Field: "vpi_multiplier", Reason: "must be positive"}
	case s.VPIMultiplier > MaxVPIMultiplier:
		return &ValidationError{Field: "vpi_multiplier", Reason: "exceeds maximum"}
	case s.Priority < 1:
		return &ValidationError{Field: "priority", Reason: "must be at least 1"}
	case s.DailyCap < 0 || s.TotalCap < 0:
		return &ValidationError{Field: "caps", Reason: "must not be negative"}
	case s.TargetROAS < 0:
		return &ValidationError{Field: "target_roas", Reason: "must not be negative"}
	}
	return nil
}
