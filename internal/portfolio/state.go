package portfolio

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/cache"
	"github.com/patrickwarner/openbid/internal/config"
	"github.com/patrickwarner/openbid/internal/models"
	"github.com/patrickwarner/openbid/internal/observability"
)

type brandState struct {
	mu     sync.Mutex
	ledger Ledger
	lambda float64
}

// State owns every brand's ledger and lambda. Each brand has its own mutex;
// brands are created lazily, seeded from the feature cache, then from the
// stored strategy, then from configured defaults. The cache is written
// after the brand lock is released.
type State struct {
	mu     sync.RWMutex
	brands map[int]*brandState

	cfg        config.Config
	cache      cache.FeatureCache
	strategies models.BrandStore
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
	now        func() time.Time
}

// NewState creates an empty State. fc and strategies may be nil.
func NewState(cfg config.Config, fc cache.FeatureCache, strategies models.BrandStore, logger *zap.Logger, metrics observability.MetricsRegistry) *State {
	return &State{
		brands:     make(map[int]*brandState),
		cfg:        cfg,
		cache:      fc,
		strategies: strategies,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

func (s *State) brand(ctx context.Context, brandID int) *brandState {
	s.mu.RLock()
	b, ok := s.brands[brandID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	// Seeding may touch the cache, so it happens outside the map lock.
	seeded := s.seed(ctx, brandID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.brands[brandID]; ok {
		return b
	}
	s.brands[brandID] = seeded
	return seeded
}

func (s *State) seed(ctx context.Context, brandID int) *brandState {
	b := &brandState{
		ledger: Ledger{BrandID: brandID, Throttle: 1.0, UpdatedAt: s.now()},
		lambda: ClampLambda(s.cfg.DefaultLambda),
	}

	var cached Ledger
	fromCache := s.cache != nil && s.cache.Get(ctx, cache.BudgetKey(brandID), &cached) && cached.BrandID == brandID
	if fromCache {
		b.ledger = cached
	} else if s.strategies != nil {
		if st, ok := s.strategies.GetStrategy(brandID); ok {
			b.ledger.SpentToday = decimal.NewFromFloat(st.SpentToday)
			b.ledger.SpentTotal = decimal.NewFromFloat(st.SpentTotal)
		}
	}

	var lambda float64
	if s.cache != nil && s.cache.Get(ctx, cache.LambdaKey(brandID), &lambda) {
		b.lambda = ClampLambda(lambda)
	}
	if b.ledger.Throttle <= 0 || b.ledger.Throttle > 1 {
		b.ledger.Throttle = 1.0
	}
	s.applyStrategy(&b.ledger)
	return b
}

// applyStrategy refreshes caps and target ROAS from the stored strategy so
// a strategy reload takes effect on the next bid.
func (s *State) applyStrategy(l *Ledger) {
	daily, total, target := s.cfg.DefaultDailyBudget, s.cfg.DefaultTotalBudget, s.cfg.MinTargetROAS
	if s.strategies != nil {
		if st, ok := s.strategies.GetStrategy(l.BrandID); ok {
			if st.DailyCap > 0 {
				daily = st.DailyCap
			}
			if st.TotalCap > 0 {
				total = st.TotalCap
			}
			if st.TargetROAS > 0 {
				target = st.TargetROAS
			}
		}
	}
	l.DailyBudget = decimal.NewFromFloat(daily)
	l.TotalBudget = decimal.NewFromFloat(total)
	l.TargetROAS = target
}

// persist writes a snapshot to the feature cache and publishes gauges.
// Cache failures are absorbed by the cache itself; in-memory state is
// authoritative for this process.
func (s *State) persist(ctx context.Context, l Ledger, lambda float64) {
	if s.cache != nil {
		s.cache.Set(ctx, cache.BudgetKey(l.BrandID), l, s.cfg.LedgerCacheTTL)
		s.cache.Set(ctx, cache.LambdaKey(l.BrandID), lambda, s.cfg.LedgerCacheTTL)
	}
	s.metrics.SetBrandLedger(strconv.Itoa(l.BrandID), l.SpentToday.InexactFloat64(), lambda, l.CurrentROAS)
}

// withBrand runs fn under the brand's lock and persists the result.
func (s *State) withBrand(ctx context.Context, brandID int, fn func(l *Ledger, lambda *float64)) (Ledger, float64) {
	b := s.brand(ctx, brandID)
	b.mu.Lock()
	s.applyStrategy(&b.ledger)
	fn(&b.ledger, &b.lambda)
	b.lambda = ClampLambda(b.lambda)
	l, lambda := b.ledger, b.lambda
	b.mu.Unlock()

	s.persist(ctx, l, lambda)
	return l, lambda
}

// View returns a consistent snapshot of a brand's ledger and lambda.
func (s *State) View(ctx context.Context, brandID int) View {
	b := s.brand(ctx, brandID)
	b.mu.Lock()
	defer b.mu.Unlock()
	s.applyStrategy(&b.ledger)
	return newView(b.ledger, b.lambda)
}

// BrandIDs returns every brand known to the state or the strategy store, sorted.
func (s *State) BrandIDs() []int {
	seen := make(map[int]struct{})
	s.mu.RLock()
	for id := range s.brands {
		seen[id] = struct{}{}
	}
	s.mu.RUnlock()
	if s.strategies != nil {
		for _, id := range s.strategies.GetAllBrandIDs() {
			seen[id] = struct{}{}
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
