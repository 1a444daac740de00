package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/analytics"
	"github.com/patrickwarner/openbid/internal/config"
	"github.com/patrickwarner/openbid/internal/db"
	"github.com/patrickwarner/openbid/internal/observability"
)

var (
	brandCount   = flag.Int("brands", 10, "number of brands to seed")
	slotCount    = flag.Int("slots", 4, "ad slots per brand")
	partnerCount = flag.Int("partners", 3, "partners per slot")
	historyDays  = flag.Int("history-days", 7, "days of synthetic performance history (0 to skip)")
	impPerDay    = flag.Int("impressions", 50, "impressions per brand, slot and partner per day")
	seed         = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	creatives    = flag.Int("creatives", 2, "creatives submitted for review per brand")
	skipReload   = flag.Bool("skip-reload", false, "skip automatic reload after data insertion")
)

func main() {
	flag.Parse()

	logger, err := observability.InitLoggerWithService("fake-data")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()

	r := rand.New(rand.NewSource(*seed))
	ctx := context.Background()

	strategies := randomStrategies(r, *brandCount)
	for _, s := range strategies {
		if err := pg.UpsertStrategy(ctx, s); err != nil {
			logger.Fatal("insert strategy", zap.Int("brand_id", s.BrandID), zap.Error(err))
		}
	}
	logger.Info("seeded brand strategies", zap.Int("count", len(strategies)))

	for _, c := range randomCreatives(r, *brandCount, *creatives) {
		if _, err := pg.CreateCreative(ctx, c); err != nil {
			logger.Fatal("insert creative", zap.Int("brand_id", c.BrandID), zap.Error(err))
		}
	}
	logger.Info("seeded creatives", zap.Int("per_brand", *creatives))

	if *historyDays > 0 {
		history, err := analytics.InitClickHouse(cfg.ClickHouseDSN, cfg.CHMaxOpenConns, cfg.CHMaxIdleConns, cfg.CHConnMaxLifetime, cfg.CHConnMaxIdleTime)
		if err != nil {
			logger.Fatal("connect clickhouse", zap.Error(err))
		}
		defer history.Close()

		shape := historyShape{
			Brands:         *brandCount,
			Slots:          *slotCount,
			Partners:       *partnerCount,
			Days:           *historyDays,
			ImpressionsDay: *impPerDay,
		}
		events := randomHistory(r, shape, time.Now().UTC())
		for i, ev := range events {
			if err := history.RecordPerformance(ctx, ev); err != nil {
				logger.Fatal("insert performance event", zap.Int("index", i), zap.Error(err))
			}
		}
		bids := bidsForHistory(events)
		for _, b := range bids {
			if err := history.RecordBid(ctx, b); err != nil {
				logger.Fatal("insert bid record", zap.Error(err))
			}
		}
		logger.Info("seeded performance history",
			zap.Int("events", len(events)),
			zap.Int("bids", len(bids)),
			zap.Int("days", *historyDays))
	}

	if !*skipReload {
		if err := callReloadEndpoint(&cfg); err != nil {
			logger.Error("reload endpoint failed", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Warning: failed to reload server data: %v\n", err)
		} else {
			fmt.Println("server data reloaded")
		}
	}
}

func callReloadEndpoint(cfg *config.Config) error {
	reloadURL := fmt.Sprintf("http://localhost:%s/reload", cfg.Port)
	req, err := http.NewRequest(http.MethodPost, reloadURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
