// Package bidding sequences the valuation stages for a bid request and
// feeds performance events back into the counts the stages learn from.
package bidding

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/analytics"
	"github.com/patrickwarner/openbid/internal/cache"
	"github.com/patrickwarner/openbid/internal/config"
	"github.com/patrickwarner/openbid/internal/db"
	"github.com/patrickwarner/openbid/internal/logic"
	"github.com/patrickwarner/openbid/internal/middleware"
	"github.com/patrickwarner/openbid/internal/models"
	"github.com/patrickwarner/openbid/internal/observability"
	"github.com/patrickwarner/openbid/internal/portfolio"
	"github.com/patrickwarner/openbid/internal/prediction"
	"github.com/patrickwarner/openbid/internal/quality"
)

var tracer = observability.Tracer("bidding")

// Bid outcomes recorded in metrics.
const (
	OutcomeAccepted        = "accepted"
	OutcomeThrottled       = "throttled"
	OutcomeBudgetExhausted = "budget_exhausted"
	OutcomeDegraded        = "degraded"
)

// CountsStore holds the raw impression, click and conversion counters.
type CountsStore interface {
	GetPerformanceCounts(ctx context.Context, brandID, slotID int) (models.PerformanceCounts, error)
	IncrementPerformance(ctx context.Context, ev models.PerformanceEvent) error
}

var _ CountsStore = (*db.RedisStore)(nil)

// Pipeline groups the collaborators of the valuation pipeline.
type Pipeline struct {
	Config    config.Config
	Logger    *zap.Logger
	Metrics   observability.MetricsRegistry
	Brands    models.BrandStore
	Counts    CountsStore
	Dedup     db.EventDeduper
	Features  cache.FeatureCache
	Revenue   *prediction.RevenuePredictor
	Quality   *quality.Adjuster
	Portfolio *portfolio.Optimizer
	History   analytics.HistoryStore
	// Timings backs the per-operation latency summaries.
	Timings   *observability.Timings

	now func() time.Time
}

// OperationTotal is the timing name of a whole ProcessBid call.
const OperationTotal = "total_bid_processing"


// NewPipeline constructs a Pipeline. counts, dedup, features and history may
// be nil; the stages that need them then fall back to defaults.
func NewPipeline(cfg config.Config, logger *zap.Logger, metrics observability.MetricsRegistry, brands models.BrandStore,
	counts CountsStore, dedup db.EventDeduper, features cache.FeatureCache, revenue *prediction.RevenuePredictor,
	qa *quality.Adjuster, opt *portfolio.Optimizer, history analytics.HistoryStore) *Pipeline {
	return &Pipeline{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Brands:    brands,
		Counts:    counts,
		Dedup:     dedup,
		Features:  features,
		Revenue:   revenue,
		Quality:   qa,
		Portfolio: opt,
		History:   history,
		Timings:   observability.NewTimings(),
		now:       time.Now,
	}
}

// bidRun carries the in-flight state of one ProcessBid call.
type bidRun struct {
	req    *models.BidRequest
	resp   *models.BidResponse
	trail  logic.AuditTrail
	budget context.Context
	// value is the output of the last completed stage.
	value float64
}

func (b *bidRun) degrade(stage string) {
	if !b.resp.Degraded {
		b.resp.Degraded = true
		b.resp.DegradedStage = stage
	}
}

func (b *bidRun) expired() bool {
	return b.budget.Err() != nil
}

// ProcessBid values a bid request. Only validation failures are returned as
// errors; every dependency failure degrades to a documented fallback. When
// the latency budget runs out the value of the last completed stage is
// returned unthrottled and the response is marked degraded.
func (p *Pipeline) ProcessBid(ctx context.Context, req *models.BidRequest) (*models.BidResponse, error) {
	ctx, span := tracer.Start(ctx, "ProcessBid")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		p.Metrics.IncrementBids("invalid")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("brand_id", req.BrandID),
		attribute.Int("ad_slot_id", req.AdSlot.ID),
		attribute.String("bid_type", req.Unit()),
	)

	start := p.now()
	logger := middleware.LoggerFromContext(ctx, p.Logger)
	requestID := middleware.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	budget := ctx
	if p.Config.BidLatencyBudget > 0 {
		var cancel context.CancelFunc
		budget, cancel = context.WithTimeout(ctx, p.Config.BidLatencyBudget)
		defer cancel()
	}

	run := &bidRun{
		req:    req,
		budget: budget,
		resp: &models.BidResponse{
			RequestID:      requestID,
			BrandID:        req.BrandID,
			AdSlotID:       req.AdSlot.ID,
			BidUnit:        req.Unit(),
			OriginalBid:    req.BidAmount,
			QualityFactor:  1.0,
			ThrottleFactor: 1.0,
		},
	}

	strategy := p.stageStrategy(run)
	if math.IsInf(run.resp.AdjustedBid, 0) || math.IsNaN(run.resp.AdjustedBid) {
		err := &models.ValidationError{Field: "bid_amount", Reason: "adjusted bid is not finite"}
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		p.Metrics.IncrementBids("invalid")
		return nil, err
	}
	rates := p.stageRates(ctx, run)
	p.stageNormalize(run, rates)
	p.runValuation(ctx, run, strategy, rates)

	resp := run.resp
	elapsed := p.now().Sub(start)
	resp.ProcessTimeMs = float64(elapsed.Microseconds()) / 1000
	p.Timings.Record(OperationTotal, elapsed)
	resp.Trail = run.trail.Steps

	outcome := OutcomeAccepted
	switch {
	case resp.BudgetExceeded:
		outcome = OutcomeBudgetExhausted
	case resp.Degraded:
		outcome = OutcomeDegraded
		p.Metrics.IncrementDegraded(resp.DegradedStage)
	case resp.ThrottleFactor < 1:
		outcome = OutcomeThrottled
	}
	p.Metrics.IncrementBids(outcome)
	p.Metrics.RecordThrottle(resp.ThrottleFactor)
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Float64("final_bid_value", resp.FinalBidValue),
	)

	if observability.ShouldSample(observability.GetSamplingRate()) {
		logger.Info("bid processed",
			zap.String("request_id", requestID),
			zap.Int("brand_id", req.BrandID),
			zap.Int("ad_slot_id", req.AdSlot.ID),
			zap.String("outcome", outcome),
			zap.Float64("final_bid_value", resp.FinalBidValue),
			zap.Float64("process_time_ms", resp.ProcessTimeMs))
	}

	p.recordBid(ctx, req, resp)
	return resp, nil
}

// runValuation runs the stages after normalization, stopping early when the
// latency budget is spent.
func (p *Pipeline) runValuation(ctx context.Context, run *bidRun, strategy models.BrandStrategy, rates logic.RateEstimate) {
	resp := run.resp
	finish := func(stage string) {
		run.degrade(stage)
		resp.FinalBidValue = run.value
		run.trail.AddStepWithDetails(logic.StageFinal, run.value, map[string]string{"degraded_at": stage})
	}

	if run.expired() {
		finish(logic.StagePredict)
		return
	}
	p.stagePredict(ctx, run)

	resp.BlendedValue = logic.Blend(resp.NormalizedValue, resp.PredictedVPI, p.Config.BlendWeight)
	run.value = resp.BlendedValue
	run.trail.AddStepWithDetails(logic.StageBlend, resp.BlendedValue, map[string]string{
		"weight": logic.FormatFloat(p.Config.BlendWeight),
	})

	if run.expired() {
		finish(logic.StageQuality)
		return
	}
	p.stageQuality(ctx, run, strategy, rates)

	if run.expired() {
		finish(logic.StagePortfolio)
		return
	}
	p.stagePortfolio(ctx, run)

	resp.FinalBidValue = resp.QualityAdjustedValue * resp.ThrottleFactor
	run.trail.AddStep(logic.StageFinal, resp.FinalBidValue)
}

func (p *Pipeline) timed(stage string, fn func()) {
	start := time.Now()
	fn()
	d := time.Since(start)
	p.Metrics.RecordStageLatency(stage, d)
	p.Timings.Record(stage, d)
}

func (p *Pipeline) stageStrategy(run *bidRun) models.BrandStrategy {
	var st models.BrandStrategy
	source := "default"
	p.timed(logic.StageStrategy, func() {
		st = p.resolveStrategy(run.req)
		if run.req.Strategy != nil {
			source = "override"
		} else if _, ok := p.lookupStrategy(run.req.BrandID); ok {
			source = "stored"
		}
	})
	run.resp.AdjustedBid = run.req.BidAmount * st.Multiplier()
	run.value = run.resp.AdjustedBid
	run.trail.AddStepWithDetails(logic.StageStrategy, run.resp.AdjustedBid, map[string]string{
		"source":         source,
		"vpi_multiplier": logic.FormatFloat(st.VPIMultiplier),
		"priority":       logic.FormatFloat(float64(st.Priority)),
	})
	return st
}

func (p *Pipeline) lookupStrategy(brandID int) (models.BrandStrategy, bool) {
	if p.Brands == nil {
		return models.BrandStrategy{}, false
	}
	st, ok := p.Brands.GetStrategy(brandID)
	if !ok || !st.IsActive {
		return models.BrandStrategy{}, false
	}
	return st, true
}

// resolveStrategy prefers the request override, then an active stored
// strategy, then the neutral default.
func (p *Pipeline) resolveStrategy(req *models.BidRequest) models.BrandStrategy {
	if o := req.Strategy; o != nil {
		st := models.DefaultStrategy(req.BrandID)
		st.VPIMultiplier = o.VPIMultiplier
		st.Priority = o.Priority
		return st
	}
	if st, ok := p.lookupStrategy(req.BrandID); ok {
		return st
	}
	return models.DefaultStrategy(req.BrandID)
}

func (p *Pipeline) stageNormalize(run *bidRun, rates logic.RateEstimate) {
	resp := run.resp
	resp.NormalizedValue = logic.Normalize(resp.AdjustedBid, run.req.Unit(), rates.CTR, rates.CVR)
	run.value = resp.NormalizedValue
	details := map[string]string{"unit": run.req.Unit()}
	if !logic.KnownUnit(run.req.Unit()) {
		details["unit_fallback"] = models.BidUnitCPM
	}
	run.trail.AddStepWithDetails(logic.StageNormalize, resp.NormalizedValue, details)
}

func (p *Pipeline) stagePredict(ctx context.Context, run *bidRun) {
	ctx, span := tracer.Start(ctx, "PredictRevenue")
	defer span.End()

	req := run.req
	source := "model"
	p.timed(logic.StagePredict, func() {
		if p.Revenue == nil {
			run.resp.PredictedVPI = prediction.DefaultPredictedVPI
			source = "default"
			return
		}
		f := prediction.NewRevenueFeatures(req.BrandID, req.AdSlot.ID, req.PartnerID,
			req.DeviceType, req.CreativeType, req.Placement(), p.now().UTC())
		v, ok := p.Revenue.Predict(ctx, f)
		run.resp.PredictedVPI = v
		if !ok {
			source = "default"
			if p.Revenue.Loaded() {
				run.degrade(logic.StagePredict)
			}
		}
	})
	run.value = run.resp.PredictedVPI
	run.trail.AddStepWithDetails(logic.StagePredict, run.resp.PredictedVPI, map[string]string{"source": source})
}

func (p *Pipeline) stageQuality(ctx context.Context, run *bidRun, strategy models.BrandStrategy, rates logic.RateEstimate) {
	ctx, span := tracer.Start(ctx, "QualityAdjust")
	defer span.End()

	resp := run.resp
	res := quality.Result{Multiplier: 1.0, Source: quality.SourceRules}
	p.timed(logic.StageQuality, func() {
		if p.Quality == nil {
			resp.QualityAdjustedValue = resp.BlendedValue
			return
		}
		in := quality.NewInput(run.req, strategy.Priority, rates.CTR, rates.CVR, p.now())
		resp.QualityAdjustedValue, res = p.Quality.Adjust(ctx, resp.BlendedValue, in)
	})
	if res.Degraded {
		run.degrade(logic.StageQuality)
	}
	resp.QualityFactor = res.Multiplier
	run.value = resp.QualityAdjustedValue
	run.trail.AddStepWithDetails(logic.StageQuality, resp.QualityAdjustedValue, map[string]string{
		"multiplier": logic.FormatFloat(res.Multiplier),
		"source":     res.Source,
	})
}

// stagePortfolio scores the bid with the predicted VPI as expected revenue
// and the normalized VPI as expected cost of this impression.
func (p *Pipeline) stagePortfolio(ctx context.Context, run *bidRun) {
	ctx, span := tracer.Start(ctx, "ScoreAndThrottle")
	defer span.End()

	resp := run.resp
	d := portfolio.Decision{Score: resp.PredictedVPI, Throttle: 1.0}
	if resp.NormalizedValue > 0 {
		d.ExpectedROAS = resp.PredictedVPI / resp.NormalizedValue
	}
	p.timed(logic.StagePortfolio, func() {
		if p.Portfolio == nil {
			return
		}
		d = p.Portfolio.ScoreAndThrottle(ctx, run.req.BrandID, resp.PredictedVPI, resp.NormalizedValue)
	})
	if d.Degraded {
		run.degrade(logic.StagePortfolio)
	}
	resp.Score = d.Score
	resp.ThrottleFactor = d.Throttle
	resp.ExpectedROAS = d.ExpectedROAS
	resp.BudgetExceeded = d.BudgetExceeded
	span.SetAttributes(
		attribute.Float64("throttle", d.Throttle),
		attribute.Bool("budget_exceeded", d.BudgetExceeded),
	)
	run.trail.AddStepWithDetails(logic.StagePortfolio, d.Throttle, map[string]string{
		"score":           logic.FormatFloat(d.Score),
		"lambda":          logic.FormatFloat(d.Lambda),
		"budget_exceeded": strconv.FormatBool(d.BudgetExceeded),
	})
}

// recordBid appends the bid to history without holding up the response.
func (p *Pipeline) recordBid(ctx context.Context, req *models.BidRequest, resp *models.BidResponse) {
	if p.History == nil {
		return
	}
	rec := models.BidRecord{
		BrandID:         req.BrandID,
		AdSlotID:        req.AdSlot.ID,
		PartnerID:       req.PartnerID,
		BidAmount:       req.BidAmount,
		BidUnit:         req.Unit(),
		NormalizedValue: resp.NormalizedValue,
		QualityFactor:   resp.QualityFactor,
		FinalBidValue:   resp.FinalBidValue,
		CTR:             resp.CTR,
		CVR:             resp.CVR,
		DeviceType:      req.DeviceType,
		CreativeType:    req.CreativeType,
		PlacementScore:  req.Placement(),
		Timestamp:       p.now().UTC(),
	}
	ctx = trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := p.History.RecordBid(ctx, rec); err != nil {
			p.Logger.Warn("failed to record bid history", zap.Error(err), zap.Int("brand_id", rec.BrandID))
		}
	}()
}
