package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/analytics"
	"github.com/patrickwarner/openbid/internal/api"
	"github.com/patrickwarner/openbid/internal/bidding"
	"github.com/patrickwarner/openbid/internal/cache"
	"github.com/patrickwarner/openbid/internal/config"
	"github.com/patrickwarner/openbid/internal/db"
	"github.com/patrickwarner/openbid/internal/models"
	"github.com/patrickwarner/openbid/internal/observability"
	"github.com/patrickwarner/openbid/internal/portfolio"
	"github.com/patrickwarner/openbid/internal/prediction"
	"github.com/patrickwarner/openbid/internal/quality"
	"github.com/patrickwarner/openbid/internal/scheduler"
)

// Model names on the remote model service.
const (
	remoteRevenueModel = "revenue"
	remoteQualityModel = "quality"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pg.Close()

	brands := models.NewInMemoryBrandStore()
	n, err := db.ReloadStrategies(ctx, pg, brands)
	if err != nil {
		return fmt.Errorf("load brand strategies: %w", err)
	}
	logger.Info("brand strategies loaded", zap.Int("count", n))

	store, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	defer store.Close()

	metricsRegistry := observability.NewPrometheusRegistry()

	history, err := analytics.InitClickHouse(cfg.ClickHouseDSN, cfg.CHMaxOpenConns, cfg.CHMaxIdleConns, cfg.CHConnMaxLifetime, cfg.CHConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("failed to connect clickhouse: %w", err)
	}
	defer history.Close()

	features := cache.NewRedisCache(store.Client, cfg.CacheTimeout, logger, metricsRegistry)
	features.Fallback().StartCleanup(ctx, time.Minute)

	revenue, qualityStrategy := initModels(ctx, cfg, logger, metricsRegistry)
	adjuster := quality.NewAdjuster(qualityStrategy, features, cfg.QualityCacheTTL, logger)

	state := portfolio.NewState(cfg, features, brands, logger, metricsRegistry)
	optimizer := portfolio.NewOptimizer(cfg, state, history, pg, logger, metricsRegistry)

	// Postgres keeps the durable record of ingested event ids.
	pipeline := bidding.NewPipeline(cfg, logger, metricsRegistry, brands, store, pg, features,
		revenue, adjuster, optimizer, history)

	sched := scheduler.New(ctx, logger)
	if err := sched.Register(cfg, optimizer, pipeline); err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	srvDeps := api.NewServer(logger, pipeline, store, pg, brands, metricsRegistry, cfg)
	srvDeps.Creatives = pg
	go srvDeps.ListenForUpdates(ctx)

	r := mux.NewRouter()
	srvDeps.Routes(r)
	r.Handle("/metrics", promhttp.Handler())

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(r, cfg.ServiceName),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Bid server running", zap.String("addr", addr),
		zap.Bool("portfolio_enabled", cfg.PortfolioEnabled),
		zap.String("model_backend", cfg.ModelBackend))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	if cfg.ReloadInterval > 0 {
		ticker := time.NewTicker(cfg.ReloadInterval)
		go func() {
			for {
				select {
				case <-ticker.C:
					if err := srvDeps.Reload(ctx); err != nil {
						logger.Error("auto reload", zap.Error(err))
					}
				case <-ctx.Done():
					ticker.Stop()
					return
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	observability.LogSamplingStats(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}

// initModels builds the revenue predictor and quality strategy for the
// configured backend. Missing local model files leave the predictor on its
// default and quality on the rule-based strategy.
func initModels(ctx context.Context, cfg config.Config, logger *zap.Logger, metrics observability.MetricsRegistry) (*prediction.RevenuePredictor, quality.Strategy) {
	if cfg.ModelBackend == config.ModelBackendRemote {
		client := prediction.NewRemoteClient(cfg.ModelServiceURL, cfg.ModelTimeout, time.Minute, logger, metrics)
		client.StartCacheCleanup(ctx, 10*time.Minute)
		if err := client.HealthCheck(ctx); err != nil {
			logger.Warn("model service unhealthy at startup", zap.Error(err), zap.String("url", cfg.ModelServiceURL))
		}

		revenue := prediction.NewRevenuePredictor(
			&prediction.RemoteRegressor{Client: client, Model: remoteRevenueModel, Names: prediction.RevenueFeatureNames},
			prediction.RemoteTrainer{Client: client, Model: remoteRevenueModel},
			cfg.ModelTimeout, logger, metrics)
		qm := &prediction.RemoteRegressor{Client: client, Model: remoteQualityModel, Names: quality.FeatureNames}
		return revenue, quality.NewStrategy(qm, cfg.ModelTimeout, logger, metrics)
	}

	trainer := prediction.GBTTrainer{Params: prediction.DefaultGBTParams(), Path: cfg.RevenueModelPath}
	var revenueModel prediction.Regressor
	if g, err := prediction.LoadGBT(cfg.RevenueModelPath); err == nil {
		revenueModel = g
		logger.Info("revenue model loaded", zap.String("path", cfg.RevenueModelPath))
	} else {
		logger.Warn("revenue model not loaded, predictions use the default until retrained", zap.Error(err))
	}
	revenue := prediction.NewRevenuePredictor(revenueModel, trainer, cfg.ModelTimeout, logger, metrics)

	var qualityModel prediction.Regressor
	if g, err := prediction.LoadGBT(cfg.QualityModelPath); err == nil {
		qualityModel = g
		logger.Info("quality model loaded", zap.String("path", cfg.QualityModelPath))
	} else {
		logger.Info("quality model not loaded, using rule-based quality", zap.Error(err))
	}
	return revenue, quality.NewStrategy(qualityModel, cfg.ModelTimeout, logger, metrics)
}
