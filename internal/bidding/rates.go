package bidding

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/cache"
	"github.com/patrickwarner/openbid/internal/logic"
)

// Rate sources reported in the audit trail.
const (
	RateSourceCache  = "cache"
	RateSourceCounts = "counts"
	RateSourcePrior  = "prior"
)

func (p *Pipeline) priors() (ctr, cvr logic.BetaPrior) {
	return logic.BetaPrior{Alpha: p.Config.CTRPriorAlpha, Beta: p.Config.CTRPriorBeta},
		logic.BetaPrior{Alpha: p.Config.CVRPriorAlpha, Beta: p.Config.CVRPriorBeta}
}

// priorRates are the estimates for a brand and slot with no history.
func (p *Pipeline) priorRates() logic.RateEstimate {
	ctrPrior, cvrPrior := p.priors()
	return logic.SmoothRates(0, 0, 0, ctrPrior, cvrPrior)
}

// EstimateRates returns smoothed CTR and CVR for a brand and slot. The
// feature cache is consulted first; on a miss the raw counters are smoothed
// and re-cached. Any failure yields the prior means and degraded=true.
func (p *Pipeline) EstimateRates(ctx context.Context, brandID, slotID int) (est logic.RateEstimate, source string, degraded bool) {
	key := cache.PerfKey(brandID, slotID)
	if p.Features != nil && p.Features.Get(ctx, key, &est) && est.CTR > 0 && est.CVR > 0 {
		return est.Bounded(), RateSourceCache, false
	}
	if p.Counts == nil {
		return p.priorRates(), RateSourcePrior, false
	}

	cctx := ctx
	if p.Config.CacheTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, p.Config.CacheTimeout)
		defer cancel()
	}
	counts, err := p.Counts.GetPerformanceCounts(cctx, brandID, slotID)
	if err != nil {
		p.Logger.Warn("performance counts unavailable, using priors",
			zap.Int("brand_id", brandID), zap.Int("slot_id", slotID), zap.String("key", key), zap.Error(err))
		return p.priorRates(), RateSourcePrior, true
	}

	ctrPrior, cvrPrior := p.priors()
	est = logic.SmoothRates(counts.Clicks, counts.Impressions, counts.Conversions, ctrPrior, cvrPrior)
	if p.Features != nil {
		p.Features.Set(ctx, key, est, p.Config.RateCacheTTL)
	}
	return est, RateSourceCounts, false
}

func (p *Pipeline) stageRates(ctx context.Context, run *bidRun) logic.RateEstimate {
	ctx, span := tracer.Start(ctx, "EstimateRates")
	defer span.End()

	var (
		est      logic.RateEstimate
		source   = RateSourcePrior
		degraded bool
	)
	p.timed(logic.StageRates, func() {
		if run.expired() {
			est, degraded = p.priorRates(), true
			return
		}
		est, source, degraded = p.EstimateRates(ctx, run.req.BrandID, run.req.AdSlot.ID)
	})
	if degraded {
		run.degrade(logic.StageRates)
	}
	run.resp.CTR = est.CTR
	run.resp.CVR = est.CVR
	span.SetAttributes(attribute.String("source", source))
	run.trail.AddStepWithDetails(logic.StageRates, est.CTR, map[string]string{
		"ctr":    logic.FormatFloat(est.CTR),
		"cvr":    logic.FormatFloat(est.CVR),
		"source": source,
	})
	return est
}
