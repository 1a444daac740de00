package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/analytics"
	"github.com/patrickwarner/openbid/internal/bidding"
	"github.com/patrickwarner/openbid/internal/cache"
	"github.com/patrickwarner/openbid/internal/config"
	"github.com/patrickwarner/openbid/internal/db"
	"github.com/patrickwarner/openbid/internal/logic/ratelimit"
	"github.com/patrickwarner/openbid/internal/models"
	"github.com/patrickwarner/openbid/internal/observability"
	"github.com/patrickwarner/openbid/internal/portfolio"
	"github.com/patrickwarner/openbid/internal/prediction"
	"github.com/patrickwarner/openbid/internal/quality"
)

const iPhoneUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1"

type fakeStrategies struct {
	upserts []models.BrandStrategy
	loaded  []models.BrandStrategy
	err     error
}

func (f *fakeStrategies) LoadStrategies(ctx context.Context) ([]models.BrandStrategy, error) {
	return f.loaded, f.err
}

func (f *fakeStrategies) UpsertStrategy(ctx context.Context, s models.BrandStrategy) error {
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, s)
	return nil
}

func (f *fakeStrategies) UpdateBrandSpends(ctx context.Context, updates map[int]db.SpendUpdate) error {
	return f.err
}

type testEnv struct {
	srv        *Server
	router     *mux.Router
	history    *analytics.MockHistory
	strategies *fakeStrategies
	mr         *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		BidLatencyBudget:   time.Second,
		CacheTimeout:       100 * time.Millisecond,
		RateCacheTTL:       time.Hour,
		QualityCacheTTL:    time.Minute,
		LedgerCacheTTL:     time.Hour,
		CTRPriorAlpha:      1,
		CTRPriorBeta:       10,
		CVRPriorAlpha:      1,
		CVRPriorBeta:       20,
		BlendWeight:        0.5,
		PortfolioEnabled:   true,
		DefaultLambda:      0.5,
		DefaultDailyBudget: 1000,
		DefaultTotalBudget: 50000,
		MinTargetROAS:      2,
		LambdaMinCost:      1,
		ReconcileThreshold: 0.01,
		ThrottleWindow:     24 * time.Hour,
		LambdaWindow:       7 * 24 * time.Hour,
		TrainingWindow:     30 * 24 * time.Hour,
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := &db.RedisStore{Client: client, Ctx: context.Background()}

	logger := zap.NewNop()
	metrics := observability.NewNoOpRegistry()
	features := cache.NewMemoryCache()
	history := analytics.NewMockHistory()
	brands := models.NewInMemoryBrandStore()
	strategies := &fakeStrategies{}

	revenue := prediction.NewRevenuePredictor(nil, prediction.GBTTrainer{Params: prediction.DefaultGBTParams()}, 0, logger, metrics)
	qa := quality.NewAdjuster(quality.RuleBased{}, features, cfg.QualityCacheTTL, logger)
	opt := portfolio.NewOptimizer(cfg, portfolio.NewState(cfg, features, brands, logger, metrics), history, strategies, logger, metrics)
	pipeline := bidding.NewPipeline(cfg, logger, metrics, brands, store, store, features, revenue, qa, opt, history)

	srv := NewServer(logger, pipeline, store, strategies, brands, metrics, cfg)
	r := mux.NewRouter()
	srv.Routes(r)
	return &testEnv{srv: srv, router: r, history: history, strategies: strategies, mr: mr}
}

func (e *testEnv) do(method, path string, body any, header ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func validBid() models.BidRequest {
	return models.BidRequest{BrandID: 1, PartnerID: 2, BidAmount: 5, BidUnit: "CPM", AdSlot: models.AdSlot{ID: 3}}
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["revenue_model_loaded"])
}

func TestBidHandler(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/bid", validBid(), "User-Agent", iPhoneUA, "X-Request-ID", "req-42")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	var resp models.BidResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-42", resp.RequestID)
	assert.InDelta(t, 0.005, resp.NormalizedValue, 1e-12)
	assert.Greater(t, resp.FinalBidValue, 0.0)
	assert.NotEmpty(t, resp.Trail)

	// device type comes from the User-Agent when the request omits it
	assert.Eventually(t, func() bool {
		bids, _ := env.history.RecentBids(context.Background(), 1, 1)
		return len(bids) == 1 && bids[0].DeviceType == models.DeviceMobile
	}, time.Second, 10*time.Millisecond)
}

func TestBidHandlerValidation(t *testing.T) {
	env := newTestEnv(t)
	bid := validBid()
	bid.AdSlot.ID = 0

	rec := env.do(http.MethodPost, "/bid", bid)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ad_slot.id", body.Field)

	rec = env.do(http.MethodPost, "/bid", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	huge := validBid()
	huge.BidAmount = 1e308
	huge.Strategy = &models.StrategyOverride{VPIMultiplier: 10, Priority: 1}
	rec = env.do(http.MethodPost, "/bid", huge)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "bid_amount", body.Field)

	rec = env.do(http.MethodGet, "/bid", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWriteJSONUnencodableValue(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]float64{"final_bid_value": math.Inf(1)})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error)
}

func TestEventHandler(t *testing.T) {
	env := newTestEnv(t)
	ev := models.PerformanceEvent{EventID: "e-1", Type: models.EventClick, BrandID: 1, AdSlotID: 3}

	rec := env.do(http.MethodPost, "/events", ev)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res models.IngestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Duplicate)

	rec = env.do(http.MethodPost, "/events", ev)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Duplicate)

	rec = env.do(http.MethodPost, "/events", models.PerformanceEvent{EventID: "e-2", Type: "view", BrandID: 1, AdSlotID: 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventHandlerRedisDown(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Close()

	rec := env.do(http.MethodPost, "/events", models.PerformanceEvent{EventID: "e-1", Type: models.EventImpression, BrandID: 1, AdSlotID: 3})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLedgerHandler(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/bid", validBid()).Code)

	rec := env.do(http.MethodGet, "/ledger/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		BrandID     int             `json:"brand_id"`
		SpentToday  decimal.Decimal `json:"spent_today"`
		DailyBudget decimal.Decimal `json:"daily_budget"`
		Lambda      float64         `json:"lambda"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 1, view.BrandID)
	assert.True(t, view.SpentToday.Equal(decimal.NewFromFloat(0.005)))
	assert.True(t, view.DailyBudget.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 0.5, view.Lambda)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/ledger/abc", nil).Code)
}

func TestStrategyHandlers(t *testing.T) {
	env := newTestEnv(t)
	sub := env.srv.Store.Client.Subscribe(context.Background(), StrategyUpdateChannel)
	defer func() { _ = sub.Close() }()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/strategy", map[string]any{
		"brand_id": 7, "vpi_multiplier": 1.5, "priority": 2, "daily_cap": 100, "target_roas": 3,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, env.strategies.upserts, 1)
	assert.Equal(t, 1.5, env.strategies.upserts[0].VPIMultiplier)
	assert.True(t, env.strategies.upserts[0].IsActive, "omitted is_active defaults to true")

	st, ok := env.srv.Brands.GetStrategy(7)
	require.True(t, ok)
	assert.Equal(t, 100.0, st.DailyCap)

	msg, err := sub.ReceiveMessage(context.Background())
	require.NoError(t, err)
	var upd UpdateMessage
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &upd))
	assert.Equal(t, "brand_strategy", upd.Entity)

	rec = env.do(http.MethodGet, "/strategy/7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/strategy/8", nil).Code)

	rec = env.do(http.MethodPost, "/strategy", map[string]any{"brand_id": 7, "vpi_multiplier": -1, "priority": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.strategies.err = errors.New("postgres down")
	rec = env.do(http.MethodPost, "/strategy", map[string]any{"brand_id": 9, "vpi_multiplier": 1, "priority": 1})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	_, ok = env.srv.Brands.GetStrategy(9)
	assert.False(t, ok, "failed persist must not change the snapshot")
}

func TestReloadHandler(t *testing.T) {
	env := newTestEnv(t)
	env.strategies.loaded = []models.BrandStrategy{{BrandID: 4, VPIMultiplier: 2, Priority: 1, IsActive: true}}

	rec := env.do(http.MethodPost, "/reload", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := env.srv.Brands.GetStrategy(4)
	assert.True(t, ok)

	env.srv.Strategies = nil
	assert.Equal(t, http.StatusInternalServerError, env.do(http.MethodPost, "/reload", nil).Code)
}

func TestHistoryHandler(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, env.history.RecordBid(ctx, models.BidRecord{BrandID: 1, Timestamp: time.Now().Add(time.Duration(i) * time.Second)}))
	}

	rec := env.do(http.MethodGet, "/history/1?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count int                `json:"count"`
		Bids  []models.BidRecord `json:"bids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/history/1?limit=x", nil).Code)

	env.history.Err = errors.New("clickhouse down")
	assert.Equal(t, http.StatusInternalServerError, env.do(http.MethodGet, "/history/1", nil).Code)
}

func TestROASHandler(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.history.RecordPerformance(context.Background(), models.PerformanceEvent{
		EventID: "c", Type: models.EventConversion, BrandID: 1, PartnerID: 2, AdSlotID: 3, Revenue: 8, Cost: 4,
	}))

	rec := env.do(http.MethodGet, "/roas?brand_id=1&partner_id=2&ad_slot_id=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report bidding.ROASReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.InDelta(t, 2.0, report.RecentROAS, 1e-12)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/roas?brand_id=1", nil).Code)
}

func TestAdminJobs(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/bid", validBid()).Code)

	rec := env.do(http.MethodPost, "/admin/recalibrate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report portfolio.JobReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, portfolio.JobRecalibrate, report.Job)
	assert.Equal(t, 1, report.Processed)

	rec = env.do(http.MethodPost, "/admin/reset-daily", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	v := env.srv.Pipeline.Portfolio.Ledger(context.Background(), 1)
	assert.True(t, v.SpentToday.IsZero())

	rec = env.do(http.MethodPost, "/admin/retrain", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res bidding.RetrainResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Success)
}

func TestBidHandlerPartnerRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.srv.Config.RateLimitEnabled = true
	env.srv.Limiter = ratelimit.NewPartnerLimiter(ratelimit.Config{Capacity: 1, RefillRate: 1, Enabled: true}, observability.NewNoOpRegistry())

	rec := env.do(http.MethodPost, "/bid", validBid())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/bid", validBid())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "partner_id", body.Field)

	other := validBid()
	other.PartnerID = 9
	rec = env.do(http.MethodPost, "/bid", other)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/admin/ratelimit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Enabled  bool                       `json:"enabled"`
		Partners []ratelimit.RateLimitStats `json:"partners"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.True(t, stats.Enabled)
	require.Len(t, stats.Partners, 2)
	assert.Equal(t, 2, stats.Partners[0].PartnerID)
	assert.Equal(t, int64(1), stats.Partners[0].Hits)
	assert.Equal(t, 9, stats.Partners[1].PartnerID)
}
