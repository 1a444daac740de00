package prediction

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/models"
	"github.com/patrickwarner/openbid/internal/observability"
)

// Revenue prediction bounds and training thresholds.
const (
	MinPredictedVPI     = 0.001
	MaxPredictedVPI     = 10.0
	DefaultPredictedVPI = 0.01

	MinGroupImpressions = 10
	MaxRowWeight        = 1000
	MinTrainingRows     = 5
)

const revenueModel = "revenue"

// RevenueFeatureNames orders the revenue model's input vector.
var RevenueFeatureNames = []string{
	"brand_id", "ad_slot_id", "partner_id", "device_type", "creative_type",
	"placement_score", "day_of_week", "hour_bucket",
}

// RevenueFeatures is the bid context the revenue model conditions on.
type RevenueFeatures struct {
	BrandID        int
	AdSlotID       int
	PartnerID      int
	DeviceType     int
	CreativeType   int
	PlacementScore int
	DayOfWeek      int
	HourBucket     int
}

// NewRevenueFeatures derives the time features from at in UTC, the zone the
// training aggregates are bucketed in.
func NewRevenueFeatures(brandID, slotID, partnerID, device, creative, placement int, at time.Time) RevenueFeatures {
	at = at.UTC()
	return RevenueFeatures{
		BrandID:        brandID,
		AdSlotID:       slotID,
		PartnerID:      partnerID,
		DeviceType:     device,
		CreativeType:   creative,
		PlacementScore: placement,
		DayOfWeek:      int(at.Weekday()),
		HourBucket:     at.Hour() / 3,
	}
}

// Vector returns the features in RevenueFeatureNames order.
func (f RevenueFeatures) Vector() []float64 {
	return []float64{
		float64(f.BrandID), float64(f.AdSlotID), float64(f.PartnerID), float64(f.DeviceType),
		float64(f.CreativeType), float64(f.PlacementScore), float64(f.DayOfWeek), float64(f.HourBucket),
	}
}

func recordFeatures(r models.TrainingRecord) RevenueFeatures {
	return RevenueFeatures{
		BrandID: r.BrandID, AdSlotID: r.AdSlotID, PartnerID: r.PartnerID, DeviceType: r.DeviceType,
		CreativeType: r.CreativeType, PlacementScore: r.PlacementScore, DayOfWeek: r.DayOfWeek, HourBucket: r.HourBucket,
	}
}

type regressorHandle struct {
	r Regressor
}

// RevenuePredictor estimates value per impression for a bid context. The
// loaded model is swapped atomically after a successful retrain, so readers
// never observe a half-trained model.
type RevenuePredictor struct {
	model   atomic.Pointer[regressorHandle]
	trainer Trainer
	timeout time.Duration
	logger  *zap.Logger
	metrics observability.MetricsRegistry
}

// NewRevenuePredictor creates a predictor. initial may be nil, in which case
// predictions return DefaultPredictedVPI until a successful Train.
func NewRevenuePredictor(initial Regressor, trainer Trainer, timeout time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *RevenuePredictor {
	p := &RevenuePredictor{trainer: trainer, timeout: timeout, logger: logger, metrics: metrics}
	if initial != nil {
		p.model.Store(&regressorHandle{r: initial})
	}
	return p
}

// Loaded reports whether a model is available.
func (p *RevenuePredictor) Loaded() bool {
	return p.model.Load() != nil
}

// Predict returns the predicted VPI clamped to [0.001, 10]. The second
// return is false when the default was used.
func (p *RevenuePredictor) Predict(ctx context.Context, f RevenueFeatures) (float64, bool) {
	h := p.model.Load()
	if h == nil {
		p.metrics.IncrementModelPredictions(revenueModel, "default")
		return DefaultPredictedVPI, false
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	v, err := h.r.Predict(ctx, f.Vector())
	p.metrics.RecordModelLatency(revenueModel, time.Since(start))
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		p.metrics.IncrementModelPredictions(revenueModel, "fallback")
		p.logger.Warn("revenue prediction failed, using default",
			zap.Int("brand_id", f.BrandID), zap.Int("slot_id", f.AdSlotID), zap.Error(err))
		return DefaultPredictedVPI, false
	}
	p.metrics.IncrementModelPredictions(revenueModel, "success")
	return math.Max(MinPredictedVPI, math.Min(MaxPredictedVPI, v)), true
}

// Train fits a new model from grouped history. Groups under
// MinGroupImpressions are skipped, the target is revenue per impression and
// rows are weighted by impressions capped at MaxRowWeight. It returns false
// on insufficient data or a failed fit and keeps the current model.
func (p *RevenuePredictor) Train(ctx context.Context, records []models.TrainingRecord) bool {
	if p.trainer == nil {
		p.logger.Warn("revenue model retrain requested without a trainer")
		return false
	}
	var ds Dataset
	for _, r := range records {
		if r.Impressions < MinGroupImpressions {
			continue
		}
		target := r.Revenue / float64(r.Impressions)
		weight := math.Min(float64(r.Impressions), MaxRowWeight)
		ds.Add(recordFeatures(r).Vector(), target, weight)
	}
	if ds.Len() < MinTrainingRows {
		p.logger.Info("not enough history to train revenue model",
			zap.Int("rows", ds.Len()), zap.Int("min_rows", MinTrainingRows))
		return false
	}

	reg, err := p.trainer.Fit(ctx, RevenueFeatureNames, ds.X, ds.Y, ds.W)
	if err != nil {
		p.logger.Error("revenue model training failed", zap.Error(err), zap.Int("rows", ds.Len()))
		return false
	}
	p.model.Store(&regressorHandle{r: reg})
	p.logger.Info("revenue model trained", zap.Int("rows", ds.Len()))
	return true
}

// FeatureImportance returns split-gain importance when the loaded model is
// an in-process ensemble, otherwise nil.
func (p *RevenuePredictor) FeatureImportance() map[string]float64 {
	h := p.model.Load()
	if h == nil {
		return nil
	}
	if g, ok := h.r.(*GBT); ok {
		return g.FeatureImportance()
	}
	return nil
}
