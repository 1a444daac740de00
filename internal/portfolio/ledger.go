// Package portfolio keeps every brand inside its budget caps and ROAS target.
//
// Each brand owns a budget ledger and a lambda factor, the shadow price of
// spend in score = revenue - lambda*cost. Bids debit the ledger on the fast
// path; a recalibration job recomputes ROAS, the throttle baseline and lambda
// from trailing history; a daily job zeroes daily spend and reconciles the
// lifetime counter against confirmed spend.
package portfolio

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Lambda bounds.
const (
	MinLambda = 0.1
	MaxLambda = 10.0
)

// Throttle tiers.
const (
	throttleSevereBudget   = 0.1
	throttleModerateBudget = 0.5
	throttleSevereROAS     = 0.3
	throttleModerateROAS   = 0.7
)

// ErrBudgetExhausted describes a bid refused by a hard cap. The fast path
// reports it through Decision.BudgetExceeded rather than as an error.
var ErrBudgetExhausted = errors.New("brand budget exhausted")

// Ledger is a brand's spend and performance state. Money is held as
// decimals so that many small debits sum exactly.
type Ledger struct {
	BrandID      int             `json:"brand_id"`
	DailyBudget  decimal.Decimal `json:"daily_budget"`
	TotalBudget  decimal.Decimal `json:"total_budget"`
	SpentToday   decimal.Decimal `json:"spent_today"`
	SpentTotal   decimal.Decimal `json:"spent_total"`
	TargetROAS   float64         `json:"target_roas"`
	CurrentROAS  float64         `json:"current_roas"`
	ROASObserved bool            `json:"roas_observed"`
	Throttle     float64         `json:"throttle_factor"`
	UpdatedAt    time.Time       `json:"last_updated"`
}

// View is the read-only ledger plus lambda returned to callers.
type View struct {
	Ledger
	Lambda              float64 `json:"lambda"`
	DailyUtilization    float64 `json:"daily_utilization"`
	LifetimeUtilization float64 `json:"lifetime_utilization"`
}

func newView(l Ledger, lambda float64) View {
	return View{
		Ledger:              l,
		Lambda:              lambda,
		DailyUtilization:    utilization(l.SpentToday, l.DailyBudget),
		LifetimeUtilization: utilization(l.SpentTotal, l.TotalBudget),
	}
}

func utilization(spent, budget decimal.Decimal) float64 {
	if !budget.IsPositive() {
		return 0
	}
	return spent.Div(budget).InexactFloat64()
}

// wouldExceed reports whether debiting cost breaks the daily or lifetime cap.
// A non-positive cap is treated as unlimited.
func (l *Ledger) wouldExceed(cost decimal.Decimal) bool {
	if l.DailyBudget.IsPositive() && l.SpentToday.Add(cost).GreaterThan(l.DailyBudget) {
		return true
	}
	if l.TotalBudget.IsPositive() && l.SpentTotal.Add(cost).GreaterThan(l.TotalBudget) {
		return true
	}
	return false
}

func (l *Ledger) debit(cost decimal.Decimal, at time.Time) {
	l.SpentToday = l.SpentToday.Add(cost)
	l.SpentTotal = l.SpentTotal.Add(cost)
	l.UpdatedAt = at
}

// budgetThrottle lowers the throttle as headroom runs out: under 10% of the
// daily budget left is severe, over 90% of the lifetime budget used is
// moderate.
func (l *Ledger) budgetThrottle() float64 {
	t := 1.0
	if l.DailyBudget.IsPositive() {
		remaining := l.DailyBudget.Sub(l.SpentToday)
		if remaining.LessThan(l.DailyBudget.Mul(decimal.NewFromFloat(0.1))) {
			t = math.Min(t, throttleSevereBudget)
		}
	}
	if utilization(l.SpentTotal, l.TotalBudget) > 0.9 {
		t = math.Min(t, throttleModerateBudget)
	}
	return t
}

// ROASThrottle is the tiered ROAS-shortfall rule shared by the fast path and
// recalibration. It returns 1 until a ROAS has been observed.
func ROASThrottle(observed bool, current, target float64) float64 {
	if !observed || target <= 0 {
		return 1.0
	}
	switch {
	case current < 0.8*target:
		return throttleSevereROAS
	case current < target:
		return throttleModerateROAS
	default:
		return 1.0
	}
}

// ClampLambda bounds v to [MinLambda, MaxLambda]. NaN maps to MinLambda.
func ClampLambda(v float64) float64 {
	if math.IsNaN(v) || v < MinLambda {
		return MinLambda
	}
	if v > MaxLambda {
		return MaxLambda
	}
	return v
}

// NextLambda computes the recalibrated lambda from trailing revenue and cost.
//
// Parameters:
//   - prev: the brand's current lambda
//   - target: the brand's target ROAS
//   - revenue, cost: totals over the lambda window
//   - minCost: spend below which the closed form is too noisy to trust
//
// With at least minCost of spend it uses the closed form
// (target*cost - revenue)/cost. With less, it nudges the previous value up
// 20% when under target or down 10% when over. Without any spend it keeps
// the previous value. The result is always within [MinLambda, MaxLambda].
//
// Example:
//
//	NextLambda(1.0, 2.0, 150, 100, 10) // 0.5: ROAS 1.5 is under the 2.0 target
func NextLambda(prev, target, revenue, cost, minCost float64) float64 {
	prev = ClampLambda(prev)
	switch {
	case cost <= 0:
		return prev
	case cost >= minCost:
		return ClampLambda((target*cost - revenue) / cost)
	case revenue/cost < target:
		return ClampLambda(prev * 1.2)
	default:
		return ClampLambda(prev * 0.9)
	}
}
