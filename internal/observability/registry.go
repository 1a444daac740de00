package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics.
// Components receive it through their constructors instead of touching the
// global Prometheus collectors directly.
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Bid pipeline metrics
	IncrementBids(outcome string)
	RecordStageLatency(stage string, duration time.Duration)
	IncrementDegraded(stage string)
	RecordThrottle(factor float64)

	// Event tracking metrics
	IncrementEvent(eventType, result string)

	// Cache metrics
	IncrementCacheLookups(result string)

	// Model metrics
	IncrementModelPredictions(model, outcome string)
	RecordModelLatency(model string, duration time.Duration)

	// Portfolio metrics
	SetBrandLedger(brand string, spentToday, lambda, roas float64)
	IncrementSpendPersistErrors()

	// Job metrics
	IncrementJobRuns(job, status string)

	// Rate limiting metrics
	IncrementRateLimitRequests(partner string)
	IncrementRateLimitHits(partner string)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

// HTTP Request metrics
func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Bid pipeline metrics
func (r *PrometheusRegistry) IncrementBids(outcome string) {
	BidCount.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) RecordStageLatency(stage string, duration time.Duration) {
	StageLatency.WithLabelValues(stage).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementDegraded(stage string) {
	DegradedBids.WithLabelValues(stage).Inc()
}

func (r *PrometheusRegistry) RecordThrottle(factor float64) {
	ThrottleFactor.Observe(factor)
}

// Event tracking metrics
func (r *PrometheusRegistry) IncrementEvent(eventType, result string) {
	EventCount.WithLabelValues(eventType, result).Inc()
}

func (r *PrometheusRegistry) IncrementCacheLookups(result string) {
	CacheLookups.WithLabelValues(result).Inc()
}

// Model metrics
func (r *PrometheusRegistry) IncrementModelPredictions(model, outcome string) {
	ModelPredictions.WithLabelValues(model, outcome).Inc()
}

func (r *PrometheusRegistry) RecordModelLatency(model string, duration time.Duration) {
	ModelLatency.WithLabelValues(model).Observe(duration.Seconds())
}

// Portfolio metrics
func (r *PrometheusRegistry) SetBrandLedger(brand string, spentToday, lambda, roas float64) {
	BrandSpendToday.WithLabelValues(brand).Set(spentToday)
	BrandLambda.WithLabelValues(brand).Set(lambda)
	BrandROAS.WithLabelValues(brand).Set(roas)
}

func (r *PrometheusRegistry) IncrementSpendPersistErrors() {
	SpendPersistErrors.Inc()
}

func (r *PrometheusRegistry) IncrementJobRuns(job, status string) {
	JobRuns.WithLabelValues(job, status).Inc()
}

// Rate limiting metrics
func (r *PrometheusRegistry) IncrementRateLimitRequests(partner string) {
	RateLimitRequests.WithLabelValues(partner).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(partner string) {
	RateLimitHits.WithLabelValues(partner).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

// HTTP Request metrics
func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

// Bid pipeline metrics
func (r *NoOpRegistry) IncrementBids(outcome string)                            {}
func (r *NoOpRegistry) RecordStageLatency(stage string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementDegraded(stage string)                          {}
func (r *NoOpRegistry) RecordThrottle(factor float64)                           {}

// Event tracking metrics
func (r *NoOpRegistry) IncrementEvent(eventType, result string) {}
func (r *NoOpRegistry) IncrementCacheLookups(result string)     {}

// Model metrics
func (r *NoOpRegistry) IncrementModelPredictions(model, outcome string)         {}
func (r *NoOpRegistry) RecordModelLatency(model string, duration time.Duration) {}

// Portfolio metrics
func (r *NoOpRegistry) SetBrandLedger(brand string, spentToday, lambda, roas float64) {}
func (r *NoOpRegistry) IncrementSpendPersistErrors()                                  {}
func (r *NoOpRegistry) IncrementJobRuns(job, status string)                           {}

// Rate limiting metrics
func (r *NoOpRegistry) IncrementRateLimitRequests(partner string) {}
func (r *NoOpRegistry) IncrementRateLimitHits(partner string)     {}
