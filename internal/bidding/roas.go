package bidding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickwarner/openbid/internal/analytics"
	"github.com/patrickwarner/openbid/internal/models"
	"github.com/patrickwarner/openbid/internal/prediction"
)

// roasWindow is the trailing window for the "actual" ROAS figure.
const roasWindow = 7 * 24 * time.Hour

// ROASReport combines the model's view of a brand/partner/slot combination
// with what history shows.
type ROASReport struct {
	BrandID      int               `json:"brand_id"`
	PartnerID    int               `json:"partner_id"`
	AdSlotID     int               `json:"ad_slot_id"`
	PredictedVPI float64           `json:"predicted_vpi"`
	ModelLoaded  bool              `json:"model_loaded"`
	Recent       models.WindowSums `json:"recent_7d"`
	RecentROAS   float64           `json:"recent_roas"`
	Lifetime     models.WindowSums `json:"lifetime"`
	LifetimeROAS float64           `json:"lifetime_roas"`
}

// PredictROAS returns the predicted VPI for a combination together with its
// 7-day and lifetime ROAS. History errors other than an unconfigured store
// are returned.
func (p *Pipeline) PredictROAS(ctx context.Context, brandID, partnerID, slotID int) (ROASReport, error) {
	report := ROASReport{BrandID: brandID, PartnerID: partnerID, AdSlotID: slotID, PredictedVPI: prediction.DefaultPredictedVPI}
	if p.Revenue != nil {
		f := prediction.NewRevenueFeatures(brandID, slotID, partnerID, 0, 0, models.DefaultPlacementScore, p.now().UTC())
		report.PredictedVPI, _ = p.Revenue.Predict(ctx, f)
		report.ModelLoaded = p.Revenue.Loaded()
	}
	if p.History == nil {
		return report, nil
	}

	recent, err := p.History.ComboSums(ctx, brandID, partnerID, slotID, p.now().Add(-roasWindow))
	if err != nil {
		if errors.Is(err, analytics.ErrUnavailable) {
			return report, nil
		}
		return report, fmt.Errorf("recent combo sums: %w", err)
	}
	lifetime, err := p.History.ComboSums(ctx, brandID, partnerID, slotID, time.Unix(0, 0).UTC())
	if err != nil {
		return report, fmt.Errorf("lifetime combo sums: %w", err)
	}
	report.Recent, report.RecentROAS = recent, recent.ROAS()
	report.Lifetime, report.LifetimeROAS = lifetime, lifetime.ROAS()
	return report, nil
}
