package quality

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/models"
	"github.com/patrickwarner/openbid/internal/observability"
	"github.com/patrickwarner/openbid/internal/prediction"
)

const qualityModel = "quality"

// FeatureNames orders the quality model's input vector.
var FeatureNames = []string{
	"ad_width", "ad_height", "ad_position", "ad_area",
	"is_mobile", "is_app",
	"page_category_news", "page_category_finance", "page_category_entertainment",
	"page_category_tech", "page_category_other",
	"brand_priority", "brand_historical_ctr", "brand_historical_cvr",
	"hour_of_day", "day_of_week", "is_weekend",
}

// Features returns the model input for in, in FeatureNames order.
func Features(in Input) []float64 {
	x := make([]float64, len(FeatureNames))
	x[0] = float64(in.Slot.Width)
	x[1] = float64(in.Slot.Height)
	x[2] = float64(in.Slot.Position)
	x[3] = float64(in.Slot.Area())
	if in.DeviceType == models.DeviceMobile {
		x[4] = 1
	}
	if in.IsApp {
		x[5] = 1
	}

	category := ""
	if in.Slot.Page != nil {
		category = strings.ToLower(in.Slot.Page.Category)
	}
	switch category {
	case "news":
		x[6] = 1
	case "finance":
		x[7] = 1
	case "entertainment":
		x[8] = 1
	case "technology", "tech":
		x[9] = 1
	default:
		x[10] = 1
	}

	priority := in.Priority
	if priority < 1 {
		priority = 1
	}
	x[11] = float64(priority)
	x[12] = in.CTR
	x[13] = in.CVR

	at := in.At.UTC()
	if in.At.IsZero() {
		at = time.Now().UTC()
	}
	x[14] = float64(at.Hour())
	x[15] = float64(at.Weekday())
	if wd := at.Weekday(); wd == time.Saturday || wd == time.Sunday {
		x[16] = 1
	}
	return x
}

// Squash maps an unbounded model output into [MinMultiplier, MaxMultiplier]
// with a logistic curve centred on the middle of the range. Its slope there
// is 1, so outputs already inside the range move only slightly.
func Squash(raw float64) float64 {
	const (
		mid   = (MinMultiplier + MaxMultiplier) / 2
		span  = MaxMultiplier - MinMultiplier
		slope = 4 / span
	)
	return MinMultiplier + span/(1+math.Exp(-slope*(raw-mid)))
}

// ModelBacked queries a trained regressor and falls back to the rules when
// the call fails or returns a non-finite value.
type ModelBacked struct {
	model    prediction.Regressor
	fallback RuleBased
	timeout  time.Duration
	logger   *zap.Logger
	metrics  observability.MetricsRegistry
}

var _ Strategy = (*ModelBacked)(nil)

// NewModelBacked wraps model. timeout bounds each prediction call.
func NewModelBacked(model prediction.Regressor, timeout time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *ModelBacked {
	return &ModelBacked{model: model, timeout: timeout, logger: logger, metrics: metrics}
}

// Multiplier implements Strategy.
func (m *ModelBacked) Multiplier(ctx context.Context, in Input) Result {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	start := time.Now()
	raw, err := m.model.Predict(ctx, Features(in))
	m.metrics.RecordModelLatency(qualityModel, time.Since(start))
	if err != nil || math.IsNaN(raw) || math.IsInf(raw, 0) {
		m.metrics.IncrementModelPredictions(qualityModel, "fallback")
		m.logger.Warn("quality model failed, using rules",
			zap.Int("brand_id", in.BrandID), zap.Int("slot_id", in.Slot.ID), zap.Error(err))
		res := m.fallback.Multiplier(ctx, in)
		res.Degraded = true
		return res
	}
	m.metrics.IncrementModelPredictions(qualityModel, "success")
	return Result{Multiplier: Squash(raw), Source: SourceModel}
}

// NewStrategy picks the model-backed strategy when a model is present and
// the rules otherwise.
func NewStrategy(model prediction.Regressor, timeout time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) Strategy {
	if model == nil {
		return RuleBased{}
	}
	return NewModelBacked(model, timeout, logger, metrics)
}
