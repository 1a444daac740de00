package portfolio

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/config"
	"github.com/patrickwarner/openbid/internal/db"
	"github.com/patrickwarner/openbid/internal/models"
	"github.com/patrickwarner/openbid/internal/observability"
)

// History supplies trailing-window sums and confirmed lifetime spend.
type History interface {
	WindowSums(ctx context.Context, since time.Time) (map[int]models.WindowSums, error)
	LifetimeSpend(ctx context.Context) (map[int]float64, error)
}

// SpendWriter persists ledger spend back to the strategy records.
type SpendWriter interface {
	UpdateBrandSpends(ctx context.Context, updates map[int]db.SpendUpdate) error
}

// Decision is the fast-path outcome for one bid.
type Decision struct {
	Score          float64
	Throttle       float64
	Lambda         float64
	ExpectedROAS   float64
	BudgetExceeded bool
	// Degraded is set when the optimizer could not evaluate the bid and
	// passed the revenue through unthrottled.
	Degraded bool
}

// Err returns ErrBudgetExhausted for a refused bid and nil otherwise.
func (d Decision) Err() error {
	if d.BudgetExceeded {
		return ErrBudgetExhausted
	}
	return nil
}

// Optimizer is the portfolio control loop.
type Optimizer struct {
	state   *State
	history History
	spends  SpendWriter
	cfg     config.Config
	logger  *zap.Logger
	metrics observability.MetricsRegistry

	// jobMu keeps recalibration and the daily reset from interleaving.
	jobMu sync.Mutex
}

// NewOptimizer creates an Optimizer over state. history and spends may be
// nil; the jobs then skip the steps that need them.
func NewOptimizer(cfg config.Config, state *State, history History, spends SpendWriter, logger *zap.Logger, metrics observability.MetricsRegistry) *Optimizer {
	return &Optimizer{
		state:   state,
		history: history,
		spends:  spends,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// State returns the optimizer's brand state.
func (o *Optimizer) State() *State { return o.state }

// Enabled reports whether portfolio optimization is switched on.
func (o *Optimizer) Enabled() bool { return o.cfg.PortfolioEnabled }

// ScoreAndThrottle scores a bid against the brand's ledger and debits the
// predicted cost. A bid that would break a hard cap returns a zero score and
// throttle with BudgetExceeded set and debits nothing.
func (o *Optimizer) ScoreAndThrottle(ctx context.Context, brandID int, revenue, cost float64) Decision {
	passThrough := Decision{Score: revenue, Throttle: 1.0, Lambda: o.cfg.DefaultLambda}
	if finite(revenue) && finite(cost) && cost > 0 {
		passThrough.ExpectedROAS = revenue / cost
	}
	if !o.cfg.PortfolioEnabled {
		return passThrough
	}
	if o.state == nil || !finite(revenue) || !finite(cost) || cost < 0 {
		o.logger.Warn("portfolio check skipped",
			zap.Int("brand_id", brandID), zap.Float64("revenue", revenue), zap.Float64("cost", cost))
		passThrough.Degraded = true
		return passThrough
	}

	costDec := decimal.NewFromFloat(cost)
	var d Decision
	o.state.withBrand(ctx, brandID, func(l *Ledger, lambda *float64) {
		d.Lambda = *lambda
		if cost > 0 {
			d.ExpectedROAS = revenue / cost
		}
		if l.wouldExceed(costDec) {
			d.BudgetExceeded = true
			return
		}

		d.Score = revenue - *lambda*cost
		d.Throttle = clampThrottle(l.Throttle)
		d.Throttle = math.Min(d.Throttle, l.budgetThrottle())
		d.Throttle = math.Min(d.Throttle, ROASThrottle(l.ROASObserved, l.CurrentROAS, l.TargetROAS))

		// This bid would pull an under-target ROAS further down.
		if l.ROASObserved && l.CurrentROAS < l.TargetROAS && revenue/math.Max(0.01, cost) < l.CurrentROAS {
			d.Score *= 0.5
		}

		// Debit before the impression is confirmed.
		l.debit(costDec, o.state.now())
	})

	if d.BudgetExceeded {
		o.logger.Debug("bid refused by budget cap", zap.Int("brand_id", brandID), zap.Float64("cost", cost))
	}
	return d
}

// Ledger returns the brand's current ledger and lambda.
func (o *Optimizer) Ledger(ctx context.Context, brandID int) View {
	return o.state.View(ctx, brandID)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clampThrottle(t float64) float64 {
	if !finite(t) || t > 1 {
		return 1
	}
	if t < 0 {
		return 0
	}
	return t
}
