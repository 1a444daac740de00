package portfolio

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/db"
	"github.com/patrickwarner/openbid/internal/models"
)

// Job names used in logs and metrics.
const (
	JobRecalibrate = "recalibrate"
	JobDailyReset  = "daily_reset"
)

// JobReport summarises a job run.
type JobReport struct {
	Job       string `json:"job"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	// Reconciled counts brands whose lifetime spend was corrected.
	Reconciled int `json:"reconciled,omitempty"`
}

// Recalibrate recomputes every brand's ROAS, throttle baseline and lambda
// from trailing history. A failure on one brand is logged and does not stop
// the others.
func (o *Optimizer) Recalibrate(ctx context.Context) (JobReport, error) {
	o.jobMu.Lock()
	defer o.jobMu.Unlock()

	report := JobReport{Job: JobRecalibrate}
	if o.history == nil {
		o.metrics.IncrementJobRuns(JobRecalibrate, "skipped")
		return report, fmt.Errorf("recalibrate: no history store configured")
	}

	now := o.state.now()
	throttleSums, err := o.history.WindowSums(ctx, now.Add(-o.cfg.ThrottleWindow))
	if err != nil {
		o.metrics.IncrementJobRuns(JobRecalibrate, "failure")
		return report, fmt.Errorf("recalibrate: throttle window: %w", err)
	}
	lambdaSums, err := o.history.WindowSums(ctx, now.Add(-o.cfg.LambdaWindow))
	if err != nil {
		o.metrics.IncrementJobRuns(JobRecalibrate, "failure")
		return report, fmt.Errorf("recalibrate: lambda window: %w", err)
	}

	ids := o.state.BrandIDs()
	ids = mergeIDs(ids, throttleSums)
	ids = mergeIDs(ids, lambdaSums)

	report.Processed, report.Failed = o.forEachBrand(ctx, JobRecalibrate, ids, func(id int) error {
		o.recalibrateBrand(ctx, id, throttleSums[id], lambdaSums[id])
		return nil
	})
	o.flushSpend(ctx)
	o.finishJob(report)
	return report, nil
}

func (o *Optimizer) recalibrateBrand(ctx context.Context, brandID int, recent, trailing models.WindowSums) {
	l, lambda := o.state.withBrand(ctx, brandID, func(l *Ledger, lambda *float64) {
		l.ROASObserved = recent.Cost > 0
		l.CurrentROAS = recent.ROAS()
		l.Throttle = ROASThrottle(l.ROASObserved, l.CurrentROAS, l.TargetROAS)
		*lambda = NextLambda(*lambda, l.TargetROAS, trailing.Revenue, trailing.Cost, o.cfg.LambdaMinCost)
		l.UpdatedAt = o.state.now()
	})
	o.logger.Info("brand recalibrated",
		zap.Int("brand_id", brandID),
		zap.Float64("roas", l.CurrentROAS),
		zap.Float64("target_roas", l.TargetROAS),
		zap.Float64("throttle", l.Throttle),
		zap.Float64("lambda", lambda))
}

// ResetDailyBudgets zeroes daily spend for every brand. When confirmed
// lifetime spend is available, a lifetime counter that drifted from it by
// more than the reconcile threshold is replaced with the confirmed value.
func (o *Optimizer) ResetDailyBudgets(ctx context.Context) (JobReport, error) {
	o.jobMu.Lock()
	defer o.jobMu.Unlock()

	report := JobReport{Job: JobDailyReset}
	var truth map[int]float64
	if o.history != nil {
		var err error
		truth, err = o.history.LifetimeSpend(ctx)
		if err != nil {
			o.logger.Warn("lifetime spend unavailable, resetting without reconciliation", zap.Error(err))
			truth = nil
		}
	}
	threshold := decimal.NewFromFloat(o.cfg.ReconcileThreshold)

	report.Processed, report.Failed = o.forEachBrand(ctx, JobDailyReset, o.state.BrandIDs(), func(id int) error {
		confirmed, ok := truth[id]
		o.state.withBrand(ctx, id, func(l *Ledger, _ *float64) {
			l.SpentToday = decimal.Zero
			if ok {
				c := decimal.NewFromFloat(confirmed)
				if l.SpentTotal.Sub(c).Abs().GreaterThan(threshold) {
					o.logger.Info("lifetime spend reconciled",
						zap.Int("brand_id", id),
						zap.String("optimistic", l.SpentTotal.StringFixed(4)),
						zap.String("confirmed", c.StringFixed(4)))
					l.SpentTotal = c
					report.Reconciled++
				}
			}
			l.UpdatedAt = o.state.now()
		})
		return nil
	})
	o.flushSpend(ctx)
	o.finishJob(report)
	return report, nil
}

// forEachBrand runs fn for each brand, isolating errors and panics.
func (o *Optimizer) forEachBrand(ctx context.Context, job string, ids []int, fn func(id int) error) (processed, failed int) {
	for _, id := range ids {
		if err := runIsolated(ctx, id, fn); err != nil {
			failed++
			o.logger.Error("portfolio job failed for brand",
				zap.String("job", job), zap.Int("brand_id", id), zap.Error(err))
			continue
		}
		processed++
	}
	return processed, failed
}

func runIsolated(ctx context.Context, id int, fn func(id int) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(id)
}

// flushSpend writes every brand's spend back to the strategy store.
func (o *Optimizer) flushSpend(ctx context.Context) {
	if o.spends == nil {
		return
	}
	updates := make(map[int]db.SpendUpdate)
	for _, id := range o.state.BrandIDs() {
		v := o.state.View(ctx, id)
		updates[id] = db.SpendUpdate{
			SpentToday: v.SpentToday.InexactFloat64(),
			SpentTotal: v.SpentTotal.InexactFloat64(),
		}
	}
	if err := o.spends.UpdateBrandSpends(ctx, updates); err != nil {
		o.metrics.IncrementSpendPersistErrors()
		o.logger.Error("failed to persist brand spend", zap.Error(err), zap.Int("brands", len(updates)))
	}
}

func (o *Optimizer) finishJob(r JobReport) {
	status := "success"
	if r.Failed > 0 {
		status = "partial"
	}
	o.metrics.IncrementJobRuns(r.Job, status)
	o.logger.Info("portfolio job finished",
		zap.String("job", r.Job),
		zap.Int("processed", r.Processed),
		zap.Int("failed", r.Failed),
		zap.Int("reconciled", r.Reconciled))
}

func mergeIDs(ids []int, sums map[int]models.WindowSums) []int {
	seen := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for id := range sums {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
			seen[id] = struct{}{}
		}
	}
	return ids
}
