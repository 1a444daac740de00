package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8787", cfg.Port)
	assert.Equal(t, 0.5, cfg.BlendWeight)
	assert.Equal(t, 0.5, cfg.DefaultLambda)
	assert.Equal(t, 2.0, cfg.MinTargetROAS)
	assert.Equal(t, 1.0, cfg.CTRPriorAlpha)
	assert.Equal(t, 10.0, cfg.CTRPriorBeta)
	assert.Equal(t, 20.0, cfg.CVRPriorBeta)
	assert.Equal(t, time.Hour, cfg.RateCacheTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.LambdaWindow)
	assert.True(t, cfg.PortfolioEnabled)
	assert.Equal(t, ModelBackendLocal, cfg.ModelBackend)
	assert.False(t, cfg.RateLimitEnabled)
	assert.Equal(t, 200, cfg.RateLimitCapacity)
	assert.Empty(t, cfg.RetrainSchedule)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BLEND_WEIGHT", "0.8")
	t.Setenv("BID_LATENCY_BUDGET", "120ms")
	t.Setenv("RATE_CACHE_TTL", "30")
	t.Setenv("PORTFOLIO_ENABLED", "false")
	t.Setenv("MODEL_BACKEND", ModelBackendRemote)
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_REFILL_RATE", "25")

	cfg := Load()

	assert.True(t, cfg.RateLimitEnabled)
	assert.Equal(t, 25, cfg.RateLimitRefillRate)

	assert.Equal(t, 0.8, cfg.BlendWeight)
	assert.Equal(t, 120*time.Millisecond, cfg.BidLatencyBudget)
	assert.Equal(t, 30*time.Second, cfg.RateCacheTTL)
	assert.False(t, cfg.PortfolioEnabled)
	assert.Equal(t, ModelBackendRemote, cfg.ModelBackend)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("DEFAULT_LAMBDA", "not-a-number")
	t.Setenv("DB_MAX_OPEN_CONNS", "many")
	t.Setenv("TRACING_ENABLED", "maybe")

	cfg := Load()

	assert.Equal(t, 0.5, cfg.DefaultLambda)
	assert.Equal(t, 25, cfg.DBMaxOpenConns)
	assert.False(t, cfg.TracingEnabled)
}
