package quality

import (
	"context"
	"strings"
)

// RuleBased multiplies independent heuristic factors for size, position and
// page context.
type RuleBased struct{}

var _ Strategy = RuleBased{}

// Multiplier implements Strategy.
func (RuleBased) Multiplier(_ context.Context, in Input) Result {
	f := SizeFactor(in.Slot.Width, in.Slot.Height)
	if in.Slot.Position > 0 {
		f *= PositionFactor(in.Slot.Position)
	}
	if p := in.Slot.Page; p != nil {
		f *= PageFactor(p.Category, p.TrafficSource, p.AvgTimeOnPage)
	}
	return Result{Multiplier: clampMultiplier(f), Source: SourceRules}
}

// SizeFactor tiers the slot by area. Unknown dimensions are neutral.
func SizeFactor(width, height int) float64 {
	if width <= 0 || height <= 0 {
		return 1.0
	}
	switch area := width * height; {
	case area >= 300000:
		return 1.3
	case area >= 200000:
		return 1.2
	case area >= 100000:
		return 1.1
	case area >= 50000:
		return 1.0
	default:
		return 0.9
	}
}

// PositionFactor favours slots near the top of the page. position is 1-based.
func PositionFactor(position int) float64 {
	switch {
	case position == 1:
		return 1.25
	case position == 2:
		return 1.15
	case position == 3:
		return 1.05
	case position <= 5:
		return 1.0
	default:
		return 0.9
	}
}

// PageFactor applies bonuses for premium categories, high-intent traffic and
// engaged visitors.
func PageFactor(category, trafficSource string, avgTimeOnPage float64) float64 {
	f := 1.0
	switch strings.ToLower(category) {
	case "news", "finance", "technology":
		f *= 1.1
	case "entertainment", "sports":
		f *= 1.05
	}
	switch strings.ToLower(trafficSource) {
	case "direct", "search":
		f *= 1.1
	case "social":
		f *= 0.95
	}
	switch {
	case avgTimeOnPage > 120:
		f *= 1.15
	case avgTimeOnPage > 60:
		f *= 1.05
	}
	return f
}

func clampMultiplier(v float64) float64 {
	if v < MinMultiplier {
		return MinMultiplier
	}
	if v > MaxMultiplier {
		return MaxMultiplier
	}
	return v
}
