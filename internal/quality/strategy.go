// Package quality scales a bid's value per impression by a placement and
// context quality multiplier.
package quality

import (
	"context"
	"time"

	"github.com/patrickwarner/openbid/internal/models"
)

// Multiplier bounds for any strategy.
const (
	MinMultiplier = 0.5
	MaxMultiplier = 2.0
)

// Result sources.
const (
	SourceModel = "model"
	SourceRules = "rules"
	SourceCache = "cache"
)

// Input is the per-request context a strategy scores.
type Input struct {
	BrandID    int
	Slot       models.AdSlot
	DeviceType int
	IsApp      bool
	Priority   int
	// Historical brand rates, usually the smoothed estimates for this slot.
	CTR float64
	CVR float64
	At  time.Time
}

// NewInput builds the quality context for a validated bid request.
func NewInput(req *models.BidRequest, priority int, ctr, cvr float64, at time.Time) Input {
	return Input{
		BrandID:    req.BrandID,
		Slot:       req.AdSlot,
		DeviceType: req.DeviceType,
		IsApp:      req.IsApp,
		Priority:   priority,
		CTR:        ctr,
		CVR:        cvr,
		At:         at,
	}
}

// Result is a strategy's multiplier. Degraded is set when the preferred
// path failed and the rules produced the value instead.
type Result struct {
	Multiplier float64 `json:"multiplier"`
	Source     string  `json:"source"`
	Degraded   bool    `json:"degraded,omitempty"`
}

// Strategy computes a quality multiplier. Implementations never fail; a
// broken dependency yields a degraded result.
type Strategy interface {
	Multiplier(ctx context.Context, in Input) Result
}
