package portfolio

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/analytics"
	"github.com/patrickwarner/openbid/internal/cache"
	"github.com/patrickwarner/openbid/internal/config"
	"github.com/patrickwarner/openbid/internal/db"
	"github.com/patrickwarner/openbid/internal/models"
	"github.com/patrickwarner/openbid/internal/observability"
)

type spendRecorder struct {
	mu      sync.Mutex
	updates map[int]db.SpendUpdate
	err     error
}

func (s *spendRecorder) UpdateBrandSpends(_ context.Context, u map[int]db.SpendUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = u
	return s.err
}

func testConfig() config.Config {
	return config.Config{
		PortfolioEnabled:   true,
		DefaultLambda:      0.5,
		DefaultDailyBudget: 1000,
		DefaultTotalBudget: 50000,
		MinTargetROAS:      2.0,
		LambdaMinCost:      1.0,
		ReconcileThreshold: 0.01,
		ThrottleWindow:     24 * time.Hour,
		LambdaWindow:       7 * 24 * time.Hour,
		LedgerCacheTTL:     24 * time.Hour,
	}
}

type fixture struct {
	opt     *Optimizer
	history *analytics.MockHistory
	spends  *spendRecorder
	cache   *cache.MemoryCache
	metrics *observability.MockMetricsRegistry
}

func newFixture(t *testing.T, cfg config.Config, strategies ...models.BrandStrategy) fixture {
	t.Helper()
	brands := models.NewInMemoryBrandStore()
	brands.ReloadAll(strategies)
	fc := cache.NewMemoryCache()
	metrics := observability.NewMockMetricsRegistry()
	history := analytics.NewMockHistory()
	spends := &spendRecorder{}
	state := NewState(cfg, fc, brands, zap.NewNop(), metrics)
	return fixture{
		opt:     NewOptimizer(cfg, state, history, spends, zap.NewNop(), metrics),
		history: history,
		spends:  spends,
		cache:   fc,
		metrics: metrics,
	}
}

func strategy(id int, daily, total, spentToday, spentTotal float64) models.BrandStrategy {
	return models.BrandStrategy{
		BrandID: id, VPIMultiplier: 1, Priority: 1, IsActive: true,
		DailyCap: daily, TotalCap: total, SpentToday: spentToday, SpentTotal: spentTotal, TargetROAS: 2,
	}
}

func recordPerf(t *testing.T, h *analytics.MockHistory, brandID int, revenue, cost float64) {
	t.Helper()
	require.NoError(t, h.RecordPerformance(context.Background(), models.PerformanceEvent{
		EventID: "e", Type: models.EventConversion, BrandID: brandID, Revenue: revenue, Cost: cost,
	}))
}

func TestScoreAndThrottleDefaults(t *testing.T) {
	f := newFixture(t, testConfig())
	d := f.opt.ScoreAndThrottle(context.Background(), 7, 0.04, 0.02)

	assert.False(t, d.BudgetExceeded)
	assert.InDelta(t, 0.04-0.5*0.02, d.Score, 1e-12)
	assert.Equal(t, 1.0, d.Throttle)
	assert.InDelta(t, 2.0, d.ExpectedROAS, 1e-12)

	v := f.opt.Ledger(context.Background(), 7)
	assert.True(t, v.SpentToday.Equal(decimal.NewFromFloat(0.02)))
	assert.True(t, v.DailyBudget.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 2.0, v.TargetROAS)
}

func TestHardCapReturnsZero(t *testing.T) {
	f := newFixture(t, testConfig(),
		strategy(1, 10, 1000, 9.99, 9.99),
		strategy(2, 1000, 100, 0, 99.995),
	)
	ctx := context.Background()

	d := f.opt.ScoreAndThrottle(ctx, 1, 5, 0.02)
	assert.True(t, d.BudgetExceeded)
	assert.Equal(t, 0.0, d.Score)
	assert.Equal(t, 0.0, d.Throttle)
	assert.True(t, errors.Is(d.Err(), ErrBudgetExhausted))
	assert.True(t, f.opt.Ledger(ctx, 1).SpentToday.Equal(decimal.NewFromFloat(9.99)), "refused bid must not debit")

	d = f.opt.ScoreAndThrottle(ctx, 2, 5, 0.01)
	assert.True(t, d.BudgetExceeded, "lifetime cap")

	// exactly reaching the cap is allowed
	d = f.opt.ScoreAndThrottle(ctx, 1, 5, 0.01)
	assert.False(t, d.BudgetExceeded)
	assert.NoError(t, d.Err())
}

func TestHardCapDominatesThrottleChecks(t *testing.T) {
	f := newFixture(t, testConfig(), strategy(1, 10, 1000, 9.5, 9.5))
	recordPerf(t, f.history, 1, 1, 10) // ROAS 0.1 against target 2
	_, err := f.opt.Recalibrate(context.Background())
	require.NoError(t, err)

	d := f.opt.ScoreAndThrottle(context.Background(), 1, 100, 1)
	assert.True(t, d.BudgetExceeded)
	assert.Equal(t, 0.0, d.Throttle)
	assert.Equal(t, 0.0, d.Score)
}

func TestNearDailyBudgetThrottles(t *testing.T) {
	f := newFixture(t, testConfig(), strategy(1, 100, 10000, 95, 95))
	for _, revenue := range []float64{0.001, 1, 1000} {
		d := f.opt.ScoreAndThrottle(context.Background(), 1, revenue, 0.01)
		assert.False(t, d.BudgetExceeded)
		assert.LessOrEqual(t, d.Throttle, 0.5)
	}
}

func TestLifetimeUtilizationThrottles(t *testing.T) {
	f := newFixture(t, testConfig(), strategy(1, 1000, 100, 0, 92))
	d := f.opt.ScoreAndThrottle(context.Background(), 1, 1, 0.01)
	assert.Equal(t, 0.5, d.Throttle)
}

func TestROASShortfallThrottles(t *testing.T) {
	f := newFixture(t, testConfig(), strategy(1, 1000, 10000, 0, 0), strategy(2, 1000, 10000, 0, 0))
	recordPerf(t, f.history, 1, 10, 10) // ROAS 1 = 0.5 x target
	recordPerf(t, f.history, 2, 18, 10) // ROAS 1.8 = 0.9 x target

	report, err := f.opt.Recalibrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, f.metrics.Count("jobs:recalibrate:success"))

	d := f.opt.ScoreAndThrottle(context.Background(), 1, 1, 0.01)
	assert.LessOrEqual(t, d.Throttle, 0.3)

	d = f.opt.ScoreAndThrottle(context.Background(), 2, 1, 0.01)
	assert.Equal(t, 0.7, d.Throttle)
}

func TestMarginalBidHalvesScore(t *testing.T) {
	f := newFixture(t, testConfig(), strategy(1, 1000, 10000, 0, 0))
	recordPerf(t, f.history, 1, 15, 10) // ROAS 1.5 below target 2
	_, err := f.opt.Recalibrate(context.Background())
	require.NoError(t, err)
	lambda := f.opt.Ledger(context.Background(), 1).Lambda

	d := f.opt.ScoreAndThrottle(context.Background(), 1, 0.1, 0.1)
	assert.InDelta(t, (0.1-lambda*0.1)*0.5, d.Score, 1e-12)

	// a bid better than the current ROAS keeps its full score
	d = f.opt.ScoreAndThrottle(context.Background(), 1, 0.4, 0.1)
	assert.InDelta(t, 0.4-lambda*0.1, d.Score, 1e-12)
}

func TestUnobservedROASDoesNotThrottle(t *testing.T) {
	f := newFixture(t, testConfig(), strategy(1, 1000, 10000, 0, 0))
	_, err := f.opt.Recalibrate(context.Background())
	require.NoError(t, err)

	d := f.opt.ScoreAndThrottle(context.Background(), 1, 0.01, 0.01)
	assert.Equal(t, 1.0, d.Throttle)
	assert.InDelta(t, 0.01-0.5*0.01, d.Score, 1e-12)
}

func TestConcurrentDebitsAreNotLost(t *testing.T) {
	f := newFixture(t, testConfig())
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.opt.ScoreAndThrottle(context.Background(), 42, 0.05, 0.01)
		}()
	}
	wg.Wait()

	v := f.opt.Ledger(context.Background(), 42)
	assert.True(t, v.SpentToday.Equal(decimal.NewFromInt(2)), "spent %s", v.SpentToday)
	assert.True(t, v.SpentTotal.Equal(decimal.NewFromInt(2)))
}

func TestDisabledPassesThrough(t *testing.T) {
	cfg := testConfig()
	cfg.PortfolioEnabled = false
	f := newFixture(t, cfg, strategy(1, 10, 10, 10, 10))

	d := f.opt.ScoreAndThrottle(context.Background(), 1, 0.3, 100)
	assert.Equal(t, 0.3, d.Score)
	assert.Equal(t, 1.0, d.Throttle)
	assert.False(t, d.BudgetExceeded)
	assert.InDelta(t, 0.003, d.ExpectedROAS, 1e-12)
	assert.Equal(t, 0, f.cache.Len(), "ledger untouched")
}

func TestDegradedPassThroughKeepsExpectedROAS(t *testing.T) {
	opt := NewOptimizer(testConfig(), nil, nil, nil, zap.NewNop(), observability.NewMockMetricsRegistry())

	d := opt.ScoreAndThrottle(context.Background(), 1, 0.01, 0.2)
	assert.True(t, d.Degraded)
	assert.Equal(t, 0.01, d.Score)
	assert.InDelta(t, 0.05, d.ExpectedROAS, 1e-12)
}

func TestInvalidInputDegrades(t *testing.T) {
	f := newFixture(t, testConfig())
	for _, cost := range []float64{math.NaN(), math.Inf(1), -1} {
		d := f.opt.ScoreAndThrottle(context.Background(), 1, 0.3, cost)
		assert.True(t, d.Degraded)
		assert.Equal(t, 0.3, d.Score)
		assert.Equal(t, 1.0, d.Throttle)
		assert.Equal(t, 0.0, d.ExpectedROAS)
	}
}

func TestNextLambda(t *testing.T) {
	tests := []struct {
		name                    string
		prev, target, rev, cost float64
		want                    float64
	}{
		{"closed form", 0.5, 2, 1, 4, 1.75},
		{"closed form over target clamps low", 0.5, 2, 100, 4, MinLambda},
		{"closed form clamps high", 0.5, 50, 0, 4, MaxLambda},
		{"thin under target nudges up", 0.5, 2, 0.5, 0.5, 0.6},
		{"thin over target nudges down", 0.5, 2, 5, 0.5, 0.45},
		{"no spend keeps previous", 0.7, 2, 0, 0, 0.7},
		{"nudge stays bounded", 9.9, 2, 0, 0.5, MaxLambda},
		{"previous out of range", 100, 2, 0, 0, MaxLambda},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, NextLambda(tt.prev, tt.target, tt.rev, tt.cost, 1.0), 1e-12)
		})
	}
}

func TestLambdaBoundedAfterRecalibrate(t *testing.T) {
	f := newFixture(t, testConfig(), strategy(1, 1000, 10000, 0, 0), strategy(2, 1000, 10000, 0, 0), strategy(3, 1000, 10000, 0, 0))
	recordPerf(t, f.history, 1, 1e9, 1e-9)
	recordPerf(t, f.history, 2, 0, 1e9)
	// brand 3 has a zero-cost window

	for i := 0; i < 5; i++ {
		_, err := f.opt.Recalibrate(context.Background())
		require.NoError(t, err)
		for _, id := range []int{1, 2, 3} {
			l := f.opt.Ledger(context.Background(), id).Lambda
			assert.GreaterOrEqual(t, l, MinLambda)
			assert.LessOrEqual(t, l, MaxLambda)
		}
	}
}

func TestRecalibrateHistoryFailure(t *testing.T) {
	f := newFixture(t, testConfig(), strategy(1, 1000, 10000, 0, 0))
	f.history.Err = errors.New("clickhouse down")

	_, err := f.opt.Recalibrate(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, f.metrics.Count("jobs:recalibrate:failure"))
	assert.Equal(t, 0.5, f.opt.Ledger(context.Background(), 1).Lambda)
}

func TestResetDailyBudgetsReconciles(t *testing.T) {
	f := newFixture(t, testConfig(), strategy(1, 1000, 10000, 40, 100), strategy(2, 1000, 10000, 5, 50))
	recordPerf(t, f.history, 1, 0, 90)     // drifted by 10
	recordPerf(t, f.history, 2, 0, 50.005) // within threshold
	ctx := context.Background()

	report, err := f.opt.ResetDailyBudgets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Reconciled)

	v1 := f.opt.Ledger(ctx, 1)
	assert.True(t, v1.SpentToday.IsZero())
	assert.True(t, v1.SpentTotal.Equal(decimal.NewFromInt(90)))

	v2 := f.opt.Ledger(ctx, 2)
	assert.True(t, v2.SpentToday.IsZero())
	assert.True(t, v2.SpentTotal.Equal(decimal.NewFromInt(50)))

	require.Contains(t, f.spends.updates, 1)
	assert.Equal(t, db.SpendUpdate{SpentToday: 0, SpentTotal: 90}, f.spends.updates[1])
}

func TestResetWithoutHistoryStillZeroes(t *testing.T) {
	f := newFixture(t, testConfig(), strategy(1, 1000, 10000, 40, 100))
	f.history.Err = errors.New("down")
	f.spends.err = errors.New("postgres down")

	_, err := f.opt.ResetDailyBudgets(context.Background())
	require.NoError(t, err)
	v := f.opt.Ledger(context.Background(), 1)
	assert.True(t, v.SpentToday.IsZero())
	assert.True(t, v.SpentTotal.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, f.metrics.Count("spend_persist_errors"))
}

func TestForEachBrandIsolatesFailures(t *testing.T) {
	f := newFixture(t, testConfig())
	var seen []int
	processed, failed := f.opt.forEachBrand(context.Background(), JobRecalibrate, []int{1, 2, 3, 4}, func(id int) error {
		seen = append(seen, id)
		switch id {
		case 2:
			panic("corrupt ledger")
		case 3:
			return errors.New("boom")
		}
		return nil
	})
	assert.Equal(t, []int{1, 2, 3, 4}, seen)
	assert.Equal(t, 2, processed)
	assert.Equal(t, 2, failed)
}

func TestStateSeedsFromCache(t *testing.T) {
	cfg := testConfig()
	fc := cache.NewMemoryCache()
	fc.Set(context.Background(), cache.BudgetKey(5), Ledger{
		BrandID: 5, SpentToday: decimal.NewFromFloat(12.5), SpentTotal: decimal.NewFromFloat(99), Throttle: 0.7,
	}, time.Hour)
	fc.Set(context.Background(), cache.LambdaKey(5), 3.0, time.Hour)

	state := NewState(cfg, fc, nil, zap.NewNop(), observability.NewNoOpRegistry())
	v := state.View(context.Background(), 5)
	assert.True(t, v.SpentToday.Equal(decimal.NewFromFloat(12.5)))
	assert.Equal(t, 3.0, v.Lambda)
	assert.Equal(t, 0.7, v.Throttle)
	assert.True(t, v.DailyBudget.Equal(decimal.NewFromInt(1000)))
}

func TestBidPersistsLedgerToCache(t *testing.T) {
	f := newFixture(t, testConfig())
	f.opt.ScoreAndThrottle(context.Background(), 9, 1, 0.25)

	var l Ledger
	require.True(t, f.cache.Get(context.Background(), cache.BudgetKey(9), &l))
	assert.True(t, l.SpentToday.Equal(decimal.NewFromFloat(0.25)))
	var lambda float64
	require.True(t, f.cache.Get(context.Background(), cache.LambdaKey(9), &lambda))
	assert.Equal(t, 0.5, lambda)
}

func TestROASThrottle(t *testing.T) {
	assert.Equal(t, 1.0, ROASThrottle(false, 0, 2))
	assert.Equal(t, 0.3, ROASThrottle(true, 1.5, 2))
	assert.Equal(t, 0.7, ROASThrottle(true, 1.7, 2))
	assert.Equal(t, 1.0, ROASThrottle(true, 2, 2))
}
