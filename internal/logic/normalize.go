package logic

import (
	"math"
	"strings"

	"github.com/patrickwarner/openbid/internal/models"
)

// minRate keeps a near-zero estimate from wiping out a legitimate bid.
const minRate = 0.001

// Normalize converts a bid amount into expected value per single impression.
//
//	CPM: amount / 1000
//	CPC: amount * ctr
//	CPA: amount * ctr * cvr
//
// Rates are floored at 0.001. Unknown units are valued as CPM; callers flag
// that in the audit trail with KnownUnit.
func Normalize(amount float64, unit string, ctr, cvr float64) float64 {
	ctr = math.Max(minRate, ctr)
	cvr = math.Max(minRate, cvr)

	switch strings.ToUpper(strings.TrimSpace(unit)) {
	case models.BidUnitCPC:
		return amount * ctr
	case models.BidUnitCPA:
		return amount * ctr * cvr
	default:
		return amount / 1000
	}
}

// KnownUnit reports whether unit is one of CPM, CPC or CPA.
func KnownUnit(unit string) bool {
	switch strings.ToUpper(strings.TrimSpace(unit)) {
	case models.BidUnitCPM, models.BidUnitCPC, models.BidUnitCPA:
		return true
	}
	return false
}

// Blend mixes the normalized and predicted values: w*normalized + (1-w)*predicted.
// w is clamped to [0,1].
func Blend(normalized, predicted, w float64) float64 {
	w = clampFloat(w, 0, 1)
	return w*normalized + (1-w)*predicted
}
