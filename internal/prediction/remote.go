package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/observability"
)

// RemoteClient provides access to an external model service.
type RemoteClient struct {
	baseURL    string
	httpClient *http.Client
	cache      map[string]*cachedPrediction
	cacheMu    sync.RWMutex
	cacheTTL   time.Duration
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
}

// PredictRequest is the body of POST /predict.
type PredictRequest struct {
	Model    string             `json:"model"`
	Features map[string]float64 `json:"features"`
}

// PredictResponse is the reply from POST /predict.
type PredictResponse struct {
	Model      string  `json:"model"`
	Prediction float64 `json:"prediction"`
}

// TrainRequest is the body of POST /train.
type TrainRequest struct {
	Model        string      `json:"model"`
	FeatureNames []string    `json:"feature_names"`
	Rows         [][]float64 `json:"rows"`
	Targets      []float64   `json:"targets"`
	Weights      []float64   `json:"weights"`
}

// TrainResponse is the reply from POST /train.
type TrainResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type cachedPrediction struct {
	value     float64
	timestamp time.Time
	ttl       time.Duration
}

func (c *cachedPrediction) isExpired() bool {
	return time.Since(c.timestamp) > c.ttl
}

// NewRemoteClient creates a client for the model service at baseURL.
func NewRemoteClient(baseURL string, timeout, cacheTTL time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *RemoteClient {
	return &RemoteClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		cache:      make(map[string]*cachedPrediction),
		cacheTTL:   cacheTTL,
		logger:     logger,
		metrics:    metrics,
	}
}

func (c *RemoteClient) cacheKey(model string, x []float64) string {
	var sb strings.Builder
	sb.WriteString(model)
	for _, v := range x {
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return sb.String()
}

// Predict returns the service's prediction for the named features, serving
// repeated vectors from a short-lived local cache.
func (c *RemoteClient) Predict(ctx context.Context, model string, names []string, x []float64) (float64, error) {
	if len(names) != len(x) {
		return 0, fmt.Errorf("feature vector has %d values, expected %d", len(x), len(names))
	}
	key := c.cacheKey(model, x)
	c.cacheMu.RLock()
	cached, exists := c.cache[key]
	c.cacheMu.RUnlock()
	if exists && !cached.isExpired() {
		return cached.value, nil
	}

	features := make(map[string]float64, len(names))
	for i, n := range names {
		features[n] = x[i]
	}
	var resp PredictResponse
	if err := c.post(ctx, model, "/predict", PredictRequest{Model: model, Features: features}, &resp); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	c.cacheMu.Lock()
	c.cache[key] = &cachedPrediction{value: resp.Prediction, timestamp: time.Now(), ttl: c.cacheTTL}
	c.cacheMu.Unlock()
	return resp.Prediction, nil
}

// Train asks the service to fit the named model on the supplied rows.
func (c *RemoteClient) Train(ctx context.Context, req TrainRequest) error {
	var resp TrainResponse
	if err := c.post(ctx, req.Model, "/train", req, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if !resp.Success {
		return fmt.Errorf("model service rejected training: %s", resp.Message)
	}
	c.ClearCache()
	return nil
}

func (c *RemoteClient) post(ctx context.Context, model, path string, body, out any) error {
	start := time.Now()
	outcome := "success"
	defer func() {
		c.metrics.RecordModelLatency("remote_"+model, time.Since(start))
		c.metrics.IncrementModelPredictions("remote_"+model, outcome)
	}()

	reqBody, err := json.Marshal(body)
	if err != nil {
		outcome = "failure"
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		outcome = "failure"
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		outcome = "failure"
		return fmt.Errorf("http request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil && c.logger != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		outcome = "failure"
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		outcome = "failure"
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// HealthCheck checks if the model service is available.
func (c *RemoteClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create health check request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil && c.logger != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// ClearCache clears the prediction cache.
func (c *RemoteClient) ClearCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache = make(map[string]*cachedPrediction)
}

// CleanupExpiredCache removes expired entries from the cache.
func (c *RemoteClient) CleanupExpiredCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	for key, cached := range c.cache {
		if cached.isExpired() {
			delete(c.cache, key)
		}
	}
}

// StartCacheCleanup periodically removes expired cache entries until ctx is done.
func (c *RemoteClient) StartCacheCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CleanupExpiredCache()
			}
		}
	}()
}

// RemoteRegressor adapts one model of the service to the Regressor contract.
type RemoteRegressor struct {
	Client *RemoteClient
	Model  string
	Names  []string
}

// Predict implements Regressor.
func (r *RemoteRegressor) Predict(ctx context.Context, x []float64) (float64, error) {
	return r.Client.Predict(ctx, r.Model, r.Names, x)
}

// RemoteTrainer delegates fitting to the model service.
type RemoteTrainer struct {
	Client *RemoteClient
	Model  string
}

// Fit implements Trainer.
func (t RemoteTrainer) Fit(ctx context.Context, names []string, X [][]float64, y, w []float64) (Regressor, error) {
	err := t.Client.Train(ctx, TrainRequest{Model: t.Model, FeatureNames: names, Rows: X, Targets: y, Weights: w})
	if err != nil {
		return nil, err
	}
	return &RemoteRegressor{Client: t.Client, Model: t.Model, Names: names}, nil
}
