package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RedisAddr      string
	ClickHouseDSN  string
	PostgresDSN    string
	ServiceName    string
	ReloadInterval time.Duration

	// Latency budgets
	BidLatencyBudget time.Duration
	CacheTimeout     time.Duration
	ModelTimeout     time.Duration

	// Feature cache TTLs
	RateCacheTTL    time.Duration
	QualityCacheTTL time.Duration
	LedgerCacheTTL  time.Duration

	// Beta priors for rate smoothing
	CTRPriorAlpha float64
	CTRPriorBeta  float64
	CVRPriorAlpha float64
	CVRPriorBeta  float64

	// Weight given to the normalized VPI when blending with the predicted VPI
	BlendWeight float64

	// Portfolio optimizer
	PortfolioEnabled   bool
	DefaultLambda      float64
	DefaultDailyBudget float64
	DefaultTotalBudget float64
	MinTargetROAS      float64
	LambdaMinCost      float64
	ReconcileThreshold float64
	ThrottleWindow     time.Duration
	LambdaWindow       time.Duration

	// Per-partner bid rate limiting
	RateLimitEnabled    bool
	RateLimitCapacity   int
	RateLimitRefillRate int

	// Job schedules (cron syntax)
	RecalibrateSchedule string
	DailyResetSchedule  string
	RetrainSchedule     string

	// Models
	ModelBackend     string
	RevenueModelPath string
	QualityModelPath string
	ModelServiceURL  string
	TrainingWindow   time.Duration

	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	// ClickHouse connection pooling configuration
	CHMaxOpenConns    int
	CHMaxIdleConns    int
	CHConnMaxLifetime time.Duration
	CHConnMaxIdleTime time.Duration
	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64
}

// Model backends.
const (
	ModelBackendLocal  = "local"
	ModelBackendRemote = "remote"
)

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent. A .env file in the working directory,
// if present, is read first; variables already set in the environment win.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{}

	cfg.Port = getenv("PORT", "8787")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second)
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "clickhouse://default:@localhost:9000/default?async_insert=1&wait_for_async_insert=1")
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable")
	cfg.ServiceName = getenv("SERVICE_NAME", "openbid")
	// default to 30 seconds between brand strategy reloads
	cfg.ReloadInterval = envDuration("RELOAD_INTERVAL", 30*time.Second)

	// Each external call gets its own timeout shorter than the bid budget
	cfg.BidLatencyBudget = envDuration("BID_LATENCY_BUDGET", 50*time.Millisecond)
	cfg.CacheTimeout = envDuration("CACHE_TIMEOUT", 10*time.Millisecond)
	cfg.ModelTimeout = envDuration("MODEL_TIMEOUT", 20*time.Millisecond)

	cfg.RateCacheTTL = envDuration("RATE_CACHE_TTL", time.Hour)
	cfg.QualityCacheTTL = envDuration("QUALITY_CACHE_TTL", 5*time.Minute)
	cfg.LedgerCacheTTL = envDuration("LEDGER_CACHE_TTL", 24*time.Hour)

	cfg.CTRPriorAlpha = envFloat("CTR_PRIOR_ALPHA", 1.0)
	cfg.CTRPriorBeta = envFloat("CTR_PRIOR_BETA", 10.0)
	cfg.CVRPriorAlpha = envFloat("CVR_PRIOR_ALPHA", 1.0)
	cfg.CVRPriorBeta = envFloat("CVR_PRIOR_BETA", 20.0)

	cfg.BlendWeight = envFloat("BLEND_WEIGHT", 0.5)

	cfg.PortfolioEnabled = envBool("PORTFOLIO_ENABLED", true)
	cfg.DefaultLambda = envFloat("DEFAULT_LAMBDA", 0.5)
	cfg.DefaultDailyBudget = envFloat("DEFAULT_DAILY_BUDGET", 1000.0)
	cfg.DefaultTotalBudget = envFloat("DEFAULT_TOTAL_BUDGET", 50000.0)
	cfg.MinTargetROAS = envFloat("MIN_TARGET_ROAS", 2.0)
	cfg.LambdaMinCost = envFloat("LAMBDA_MIN_COST", 1.0)
	cfg.ReconcileThreshold = envFloat("RECONCILE_THRESHOLD", 0.01)
	cfg.ThrottleWindow = envDuration("THROTTLE_WINDOW", 24*time.Hour)
	cfg.LambdaWindow = envDuration("LAMBDA_WINDOW", 7*24*time.Hour)

	cfg.RateLimitEnabled = envBool("RATE_LIMIT_ENABLED", false)
	cfg.RateLimitCapacity = envInt("RATE_LIMIT_CAPACITY", 200)
	cfg.RateLimitRefillRate = envInt("RATE_LIMIT_REFILL_RATE", 100)

	cfg.RecalibrateSchedule = getenv("RECALIBRATE_SCHEDULE", "@every 1h")
	cfg.DailyResetSchedule = getenv("DAILY_RESET_SCHEDULE", "0 0 * * *")
	// empty disables periodic revenue model retraining
	cfg.RetrainSchedule = getenv("RETRAIN_SCHEDULE", "")

	cfg.ModelBackend = getenv("MODEL_BACKEND", ModelBackendLocal)
	cfg.RevenueModelPath = getenv("REVENUE_MODEL_PATH", "models/revenue_model.json")
	cfg.QualityModelPath = getenv("QUALITY_MODEL_PATH", "models/quality_model.json")
	cfg.ModelServiceURL = getenv("MODEL_SERVICE_URL", "http://localhost:8000")
	cfg.TrainingWindow = envDuration("TRAINING_WINDOW", 30*24*time.Hour)

	// Database connection pooling configuration
	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// ClickHouse connection pooling configuration
	// Default to higher values than PostgreSQL due to async insert patterns and high event volume
	cfg.CHMaxOpenConns = envInt("CH_MAX_OPEN_CONNS", 100)
	cfg.CHMaxIdleConns = envInt("CH_MAX_IDLE_CONNS", 25)
	cfg.CHConnMaxLifetime = envDuration("CH_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.CHConnMaxIdleTime = envDuration("CH_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// Tracing configuration
	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0) // Default to 100% sampling for dev

	return cfg
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. Accepted values are those
// supported by strconv.ParseBool. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}
