package bidding

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/analytics"
	"github.com/patrickwarner/openbid/internal/prediction"
)

// RetrainResult reports a revenue model retrain.
type RetrainResult struct {
	Success           bool               `json:"success"`
	Records           int                `json:"records"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
}

// RetrainRevenueModel fits the revenue model on the trailing training
// window. An unsuccessful fit is reported in the result and keeps the
// current model; only a missing or failing history store is an error.
func (p *Pipeline) RetrainRevenueModel(ctx context.Context) (RetrainResult, error) {
	ctx, span := tracer.Start(ctx, "RetrainRevenueModel")
	defer span.End()

	if p.History == nil {
		return RetrainResult{}, analytics.ErrUnavailable
	}
	if p.Revenue == nil {
		return RetrainResult{}, prediction.ErrModelUnavailable
	}
	since := p.now().Add(-p.Config.TrainingWindow)
	records, err := p.History.TrainingAggregates(ctx, since, prediction.MinGroupImpressions)
	if err != nil {
		p.Metrics.IncrementJobRuns("retrain", "failure")
		return RetrainResult{}, fmt.Errorf("load training aggregates: %w", err)
	}

	res := RetrainResult{Records: len(records)}
	res.Success = p.Revenue.Train(ctx, records)
	if res.Success {
		res.FeatureImportance = p.Revenue.FeatureImportance()
		p.Metrics.IncrementJobRuns("retrain", "success")
	} else {
		p.Metrics.IncrementJobRuns("retrain", "skipped")
	}
	p.Logger.Info("revenue model retrain finished",
		zap.Bool("success", res.Success), zap.Int("records", res.Records))
	return res, nil
}
