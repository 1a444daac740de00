package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/analytics"
	"github.com/patrickwarner/openbid/internal/bidding"
	"github.com/patrickwarner/openbid/internal/cache"
	"github.com/patrickwarner/openbid/internal/config"
	"github.com/patrickwarner/openbid/internal/db"
	"github.com/patrickwarner/openbid/internal/models"
	"github.com/patrickwarner/openbid/internal/observability"
	"github.com/patrickwarner/openbid/internal/portfolio"
	"github.com/patrickwarner/openbid/internal/prediction"
)

type GetBrandLedgerInput struct {
	BrandID int `json:"brand_id"`
}

type GetBrandLedgerOutput struct {
	BrandID     int                   `json:"brand_id"`
	Strategy    *models.BrandStrategy `json:"strategy,omitempty"`
	Ledger      *portfolio.Ledger     `json:"ledger,omitempty"`
	Lambda      float64               `json:"lambda"`
	Recent      models.WindowSums     `json:"recent"`
	RecentROAS  float64               `json:"recent_roas"`
	LedgerFound bool                  `json:"ledger_found"`
}

type GetROASPredictionInput struct {
	BrandID   int `json:"brand_id"`
	PartnerID int `json:"partner_id"`
	AdSlotID  int `json:"ad_slot_id"`
}

type GetBidHistoryInput struct {
	BrandID int `json:"brand_id"`
	Limit   int `json:"limit,omitempty"`
}

type GetBidHistoryOutput struct {
	Bids []models.BidRecord `json:"bids"`
}

// BidToolServer holds the dependencies of the MCP tools. It reads the same
// stores as the bidding service but never writes to them.
type BidToolServer struct {
	cfg        config.Config
	features   cache.FeatureCache
	strategies db.StrategyStore
	history    analytics.HistoryStore
	pipeline   *bidding.Pipeline
	logger     *zap.Logger
}

// GetBrandLedger reports the last persisted ledger snapshot for a brand
// together with its stored strategy and trailing ROAS.
func (s *BidToolServer) GetBrandLedger(ctx context.Context, req *mcp.CallToolRequest, input GetBrandLedgerInput) (*mcp.CallToolResult, GetBrandLedgerOutput, error) {
	if input.BrandID <= 0 {
		return nil, GetBrandLedgerOutput{}, fmt.Errorf("brand_id must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out := GetBrandLedgerOutput{BrandID: input.BrandID, Lambda: portfolio.ClampLambda(s.cfg.DefaultLambda)}

	if s.strategies != nil {
		all, err := s.strategies.LoadStrategies(ctx)
		if err != nil {
			s.logger.Warn("load strategies", zap.Error(err))
		}
		for i := range all {
			if all[i].BrandID == input.BrandID {
				out.Strategy = &all[i]
				break
			}
		}
	}

	var l portfolio.Ledger
	if s.features.Get(ctx, cache.BudgetKey(input.BrandID), &l) {
		out.Ledger = &l
		out.LedgerFound = true
	}
	var lambda float64
	if s.features.Get(ctx, cache.LambdaKey(input.BrandID), &lambda) {
		out.Lambda = portfolio.ClampLambda(lambda)
	}

	if s.history != nil {
		sums, err := s.history.WindowSums(ctx, time.Now().Add(-s.cfg.ThrottleWindow))
		if err != nil {
			s.logger.Warn("window sums unavailable", zap.Error(err), zap.Int("brand_id", input.BrandID))
		} else {
			out.Recent = sums[input.BrandID]
			out.RecentROAS = out.Recent.ROAS()
		}
	}
	return nil, out, nil
}

// GetROASPrediction returns the predicted VPI and observed ROAS for a
// brand, partner and slot combination.
func (s *BidToolServer) GetROASPrediction(ctx context.Context, req *mcp.CallToolRequest, input GetROASPredictionInput) (*mcp.CallToolResult, bidding.ROASReport, error) {
	if input.BrandID <= 0 || input.AdSlotID <= 0 {
		return nil, bidding.ROASReport{}, fmt.Errorf("brand_id and ad_slot_id must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	report, err := s.pipeline.PredictROAS(ctx, input.BrandID, input.PartnerID, input.AdSlotID)
	if err != nil {
		return nil, bidding.ROASReport{}, fmt.Errorf("predict roas: %w", err)
	}
	return nil, report, nil
}

// GetBidHistory returns the most recent bids for a brand.
func (s *BidToolServer) GetBidHistory(ctx context.Context, req *mcp.CallToolRequest, input GetBidHistoryInput) (*mcp.CallToolResult, GetBidHistoryOutput, error) {
	if s.history == nil {
		return nil, GetBidHistoryOutput{}, analytics.ErrUnavailable
	}
	limit := input.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	bids, err := s.history.RecentBids(ctx, input.BrandID, limit)
	if err != nil {
		return nil, GetBidHistoryOutput{}, fmt.Errorf("load bid history: %w", err)
	}
	if bids == nil {
		bids = []models.BidRecord{}
	}
	return nil, GetBidHistoryOutput{Bids: bids}, nil
}

// newRevenuePredictor loads the persisted in-process model or points at the
// model service, depending on the configured backend.
func newRevenuePredictor(cfg config.Config, logger *zap.Logger, metrics observability.MetricsRegistry) *prediction.RevenuePredictor {
	if cfg.ModelBackend == config.ModelBackendRemote {
		client := prediction.NewRemoteClient(cfg.ModelServiceURL, cfg.ModelTimeout, time.Minute, logger, metrics)
		reg := &prediction.RemoteRegressor{Client: client, Model: "revenue", Names: prediction.RevenueFeatureNames}
		return prediction.NewRevenuePredictor(reg, prediction.RemoteTrainer{Client: client, Model: "revenue"}, cfg.ModelTimeout, logger, metrics)
	}
	var initial prediction.Regressor
	if g, err := prediction.LoadGBT(cfg.RevenueModelPath); err == nil {
		initial = g
	} else {
		logger.Warn("revenue model not loaded, predictions use the default", zap.Error(err))
	}
	return prediction.NewRevenuePredictor(initial, nil, 0, logger, metrics)
}

func main() {
	// Initialize logger for MCP server - use stderr to avoid stdio conflicts
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.NameKey = "logger"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("openbid-mcp").With(zap.String("service", "openbid-mcp"))

	cfg := config.Load()
	metrics := observability.NewNoOpRegistry()

	pg, err := db.InitPostgres(cfg.PostgresDSN, 5, 2, 30*time.Minute, time.Minute)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pg.Close()

	store, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer store.Close()
	features := cache.NewRedisCache(store.Client, cfg.CacheTimeout*10, logger, metrics)

	var history analytics.HistoryStore
	ch, err := analytics.InitClickHouse(cfg.ClickHouseDSN, 10, 2, cfg.CHConnMaxLifetime, cfg.CHConnMaxIdleTime)
	if err != nil {
		logger.Warn("ClickHouse unavailable, history tools disabled", zap.Error(err))
	} else {
		defer ch.Close()
		history = ch
	}

	revenue := newRevenuePredictor(cfg, logger, metrics)
	tools := &BidToolServer{
		cfg:        cfg,
		features:   features,
		strategies: pg,
		history:    history,
		pipeline:   bidding.NewPipeline(cfg, logger, metrics, nil, nil, nil, nil, revenue, nil, nil, history),
		logger:     logger,
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "openbid",
		Version: "1.0.0",
	}, nil)
	registerTools(server, tools)

	stdioTransport := &mcp.StdioTransport{}
	var logBuffer bytes.Buffer
	loggingTransport := &mcp.LoggingTransport{
		Transport: stdioTransport,
		Writer:    &logBuffer,
	}

	logger.Info("MCP Server running via stdio")
	if err := server.Run(context.Background(), loggingTransport); err != nil {
		logger.Fatal("Server error", zap.Error(err), zap.String("mcp_logs", logBuffer.String()))
	}
}

func registerTools(server *mcp.Server, tools *BidToolServer) {
	brandID := map[string]interface{}{
		"type":        "integer",
		"minimum":     1,
		"description": "Brand ID",
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_brand_ledger",
		Description: "Inspect a brand's budget ledger, lambda, stored strategy and trailing ROAS",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"brand_id": brandID},
			"required":   []string{"brand_id"},
		},
	}, tools.GetBrandLedger)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_roas_prediction",
		Description: "Predicted value per impression and observed ROAS for a brand, partner and ad slot",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"brand_id": brandID,
				"partner_id": map[string]interface{}{
					"type":        "integer",
					"description": "Partner ID",
				},
				"ad_slot_id": map[string]interface{}{
					"type":        "integer",
					"minimum":     1,
					"description": "Ad slot ID",
				},
			},
			"required": []string{"brand_id", "partner_id", "ad_slot_id"},
		},
	}, tools.GetROASPrediction)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_bid_history",
		Description: "Most recent processed bids for a brand",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"brand_id": brandID,
				"limit": map[string]interface{}{
					"type":        "integer",
					"minimum":     1,
					"maximum":     500,
					"description": "Maximum rows (optional, defaults to 50)",
				},
			},
			"required": []string{"brand_id"},
		},
	}, tools.GetBidHistory)
}
