package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Bid units accepted on requests. Matching is case-insensitive.
const (
	BidUnitCPM = "CPM"
	BidUnitCPC = "CPC"
	BidUnitCPA = "CPA"
)

// Device type codes shared by requests, events and history rows.
const (
	DeviceUnknown = 0
	DeviceDesktop = 1
	DeviceMobile  = 2
	DeviceTablet  = 3
)

// Creative type codes.
const (
	CreativeUnknown = 0
	CreativeImage   = 1
	CreativeVideo   = 2
	CreativeNative  = 3
)

// DefaultPlacementScore is used when a request carries no placement score.
const DefaultPlacementScore = 50

// Upper bounds on request values. Their product stays finite through every
// valuation stage.
const (
	MaxBidAmount     = 1e6
	MaxVPIMultiplier = 100.0
)

// ErrInvalidRequest is wrapped by every ValidationError.
var ErrInvalidRequest = errors.New("invalid request")

// ValidationError names the offending field of a rejected request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

// PageContext describes the page hosting an ad slot.
type PageContext struct {
	Category      string  `json:"category,omitempty"`
	TrafficSource string  `json:"traffic_source,omitempty"`
	AvgTimeOnPage float64 `json:"avg_time_on_page,omitempty"`
	URL           string  `json:"url,omitempty"`
}

// AdSlot describes the placement being bid on. Zero width, height or
// position means the value is unknown.
type AdSlot struct {
	ID       int          `json:"id"`
	Width    int          `json:"width,omitempty"`
	Height   int          `json:"height,omitempty"`
	Position int          `json:"position,omitempty"`
	Page     *PageContext `json:"page,omitempty"`
}

// Area returns width*height, or 0 when either dimension is unknown.
func (s AdSlot) Area() int {
	if s.Width <= 0 || s.Height <= 0 {
		return 0
	}
	return s.Width * s.Height
}

// StrategyOverride replaces the stored brand strategy for a single request.
type StrategyOverride struct {
	VPIMultiplier float64 `json:"vpi_multiplier"`
	Priority      int     `json:"priority"`
}

// BidRequest is a single brand's offer for one ad slot.
type BidRequest struct {
	BrandID        int               `json:"brand_id"`
	PartnerID      int               `json:"partner_id"`
	BidAmount      float64           `json:"bid_amount"`
	BidUnit        string            `json:"bid_type"`
	AdSlot         AdSlot            `json:"ad_slot"`
	Strategy       *StrategyOverride `json:"strategy,omitempty"`
	DeviceType     int               `json:"device_type,omitempty"`
	CreativeType   int               `json:"creative_type,omitempty"`
	PlacementScore int               `json:"placement_score,omitempty"`
	IsApp          bool              `json:"is_app,omitempty"`
}

// Unit returns the canonical upper-case bid unit.
func (r *BidRequest) Unit() string {
	return strings.ToUpper(strings.TrimSpace(r.BidUnit))
}

// Placement returns the placement score, substituting the default when unset.
func (r *BidRequest) Placement() int {
	if r.PlacementScore <= 0 {
		return DefaultPlacementScore
	}
	return r.PlacementScore
}

// Validate rejects requests missing required fields or carrying values that
// cannot be valued. It never fills in defaults.
func (r *BidRequest) Validate() error {
	if r.BrandID <= 0 {
		return &ValidationError{Field: "brand_id", Reason: "must be positive"}
	}
	if r.PartnerID < 0 {
		return &ValidationError{Field: "partner_id", Reason: "must not be negative"}
	}
	if math.IsNaN(r.BidAmount) || math.IsInf(r.BidAmount, 0) || r.BidAmount <= 0 {
		return &ValidationError{Field: "bid_amount", Reason: "must be a positive number"}
	}
	if r.BidAmount > MaxBidAmount {
		return &ValidationError{Field: "bid_amount", Reason: "exceeds maximum"}
	}
	if r.Unit() == "" {
		return &ValidationError{Field: "bid_type", Reason: "is required"}
	}
	if r.AdSlot.ID <= 0 {
		return &ValidationError{Field: "ad_slot.id", Reason: "must be positive"}
	}
	if r.AdSlot.Width < 0 || r.AdSlot.Height < 0 {
		return &ValidationError{Field: "ad_slot", Reason: "dimensions must not be negative"}
	}
	if r.AdSlot.Position < 0 {
		return &ValidationError{Field: "ad_slot.position", Reason: "must not be negative"}
	}
	if r.PlacementScore < 0 || r.PlacementScore > 100 {
		return &ValidationError{Field: "placement_score", Reason: "must be within 0-100"}
	}
	if s := r.Strategy; s != nil {
		if math.IsNaN(s.VPIMultiplier) || s.VPIMultiplier <= 0 {
			return &ValidationError{Field: "strategy.vpi_multiplier", Reason: "must be positive"}
		}
		if s.VPIMultiplier > MaxVPIMultiplier {
			return &ValidationError{Field: "strategy.vpi_multiplier", Reason: "exceeds maximum"}
		}
		if s.Priority < 1 {
			return &ValidationError{Field: "strategy.priority", Reason: "must be at least 1"}
		}
	}
	return nil
}

// AuditStep records the value produced by one pipeline stage.
type AuditStep struct {
	Stage   string            `json:"stage"`
	Value   float64           `json:"value"`
	Details map[string]string `json:"details,omitempty"`
}

// BidResponse carries the final bid value and every intermediate value.
type BidResponse struct {
	RequestID            string      `json:"request_id"`
	BrandID              int         `json:"brand_id"`
	AdSlotID             int         `json:"ad_slot_id"`
	BidUnit              string      `json:"bid_type"`
	OriginalBid          float64     `json:"original_bid"`
	AdjustedBid          float64     `json:"adjusted_bid"`
	CTR                  float64     `json:"ctr"`
	CVR                  float64     `json:"cvr"`
	NormalizedValue      float64     `json:"normalized_value"`
	PredictedVPI         float64     `json:"predicted_vpi"`
	BlendedValue         float64     `json:"blended_value"`
	QualityFactor        float64     `json:"quality_factor"`
	QualityAdjustedValue float64     `json:"quality_adjusted_value"`
	Score                float64     `json:"score"`
	ThrottleFactor       float64     `json:"throttle_factor"`
	FinalBidValue        float64     `json:"final_bid_value"`
	ExpectedROAS         float64     `json:"expected_roas"`
	BudgetExceeded       bool        `json:"budget_exceeded"`
	Degraded             bool        `json:"degraded"`
	DegradedStage        string      `json:"degraded_stage,omitempty"`
	ProcessTimeMs        float64     `json:"process_time_ms"`
	Trail                []AuditStep `json:"trail,omitempty"`
}
