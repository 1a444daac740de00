package models

import (
	"math"
	"strings"
	"time"
)

// Performance event types.
const (
	EventImpression = "impression"
	EventClick      = "click"
	EventConversion = "conversion"
)

// EventMetadata carries optional context reported with an event.
type EventMetadata struct {
	DeviceType     int `json:"device_type,omitempty"`
	CreativeType   int `json:"creative_type,omitempty"`
	PlacementScore int `json:"placement_score,omitempty"`
}

// PerformanceEvent is an externally reported impression, click or conversion.
type PerformanceEvent struct {
	EventID   string        `json:"event_id"`
	Type      string        `json:"type"`
	BrandID   int           `json:"brand_id"`
	PartnerID int           `json:"partner_id"`
	AdSlotID  int           `json:"ad_slot_id"`
	Timestamp time.Time     `json:"timestamp"`
	Revenue   float64       `json:"revenue,omitempty"`
	Cost      float64       `json:"cost,omitempty"`
	Metadata  EventMetadata `json:"metadata,omitempty"`
}

// Validate rejects events that cannot be attributed.
func (e *PerformanceEvent) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return &ValidationError{Field: "event_id", Reason: "is required"}
	}
	switch e.Type {
	case EventImpression, EventClick, EventConversion:
	default:
		return &ValidationError{Field: "type", Reason: "must be impression, click or conversion"}
	}
	if e.BrandID <= 0 {
		return &ValidationError{Field: "brand_id", Reason: "must be positive"}
	}
	if e.AdSlotID <= 0 {
		return &ValidationError{Field: "ad_slot_id", Reason: "must be positive"}
	}
	if math.IsNaN(e.Revenue) || e.Revenue < 0 || math.IsNaN(e.Cost) || e.Cost < 0 {
		return &ValidationError{Field: "revenue", Reason: "amounts must not be negative"}
	}
	return nil
}

// IngestResult reports the outcome of ingesting one event.
type IngestResult struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}

// PerformanceCounts are the raw counts the rate estimator smooths.
type PerformanceCounts struct {
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Conversions int64   `json:"conversions"`
	Revenue     float64 `json:"revenue"`
}

// TrainingRecord is one grouped aggregate of historical performance used to
// fit the revenue model.
type TrainingRecord struct {
	BrandID        int
	AdSlotID       int
	PartnerID      int
	DeviceType     int
	CreativeType   int
	PlacementScore int
	DayOfWeek      int
	HourBucket     int
	Impressions    int64
	Revenue        float64
}

// BidRecord is one row of bid history.
type BidRecord struct {
	BrandID         int       `json:"brand_id"`
	AdSlotID        int       `json:"ad_slot_id"`
	PartnerID       int       `json:"partner_id"`
	BidAmount       float64   `json:"bid_amount"`
	BidUnit         string    `json:"bid_type"`
	NormalizedValue float64   `json:"normalized_value"`
	QualityFactor   float64   `json:"quality_factor"`
	FinalBidValue   float64   `json:"final_bid_value"`
	CTR             float64   `json:"ctr"`
	CVR             float64   `json:"cvr"`
	DeviceType      int       `json:"device_type"`
	CreativeType    int       `json:"creative_type"`
	PlacementScore  int       `json:"placement_score"`
	Timestamp       time.Time `json:"timestamp"`
}

// WindowSums are revenue and cost totals over a trailing window.
type WindowSums struct {
	Revenue     float64 `json:"revenue"`
	Cost        float64 `json:"cost"`
	Impressions int64   `json:"impressions"`
}

// ROAS returns revenue/cost, or 0 when no cost was recorded.
func (w WindowSums) ROAS() float64 {
	if w.Cost <= 0 {
		return 0
	}
	return w.Revenue / w.Cost
}
