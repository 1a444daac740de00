package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bidder_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// bid decisions labelled by outcome (bid, no_bid, budget_exceeded, invalid)
	BidCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_bids_total",
			Help: "Total bid decisions by outcome",
		},
		[]string{"outcome"},
	)

	// latency of each pipeline stage
	StageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bidder_stage_duration_seconds",
			Help:    "Duration of bid pipeline stages",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		},
		[]string{"stage"},
	)

	// bids answered with a fallback because a stage ran out of time or failed
	DegradedBids = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_degraded_bids_total",
			Help: "Total bids returned from a fallback path",
		},
		[]string{"stage"},
	)

	// distribution of throttle factors applied to final bids
	ThrottleFactor = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bidder_throttle_factor",
			Help:    "Histogram of portfolio throttle factors",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// number of performance events, labelled by type and ingest result
	EventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_events_total",
			Help: "Total performance events received",
		},
		[]string{"type", "result"},
	)

	// feature cache lookups labelled by result (hit, miss, error)
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_cache_lookups_total",
			Help: "Total feature cache lookups",
		},
		[]string{"result"},
	)

	// model predictions labelled by model and outcome
	ModelPredictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_model_predictions_total",
			Help: "Total model prediction requests",
		},
		[]string{"model", "outcome"},
	)

	// latency of model predictions
	ModelLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bidder_model_duration_seconds",
			Help:    "Duration of model predictions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// ledger state per brand
	BrandSpendToday = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bidder_brand_spend_today",
			Help: "Spend recorded today per brand",
		},
		[]string{"brand"},
	)

	BrandLambda = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bidder_brand_lambda",
			Help: "Current cost penalty per brand",
		},
		[]string{"brand"},
	)

	BrandROAS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bidder_brand_roas",
			Help: "Trailing return on ad spend per brand",
		},
		[]string{"brand"},
	)

	// background jobs labelled by job name and status
	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_job_runs_total",
			Help: "Total background job runs",
		},
		[]string{"job", "status"},
	)

	// bid requests checked against per-partner rate limits
	RateLimitRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_ratelimit_requests_total",
			Help: "Total bid requests checked against partner rate limits",
		},
		[]string{"partner"},
	)

	// bid requests rejected by per-partner rate limits
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_ratelimit_hits_total",
			Help: "Total bid requests rejected by partner rate limits",
		},
		[]string{"partner"},
	)

	// number of errors persisting ledger or spend state
	SpendPersistErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bidder_spend_persist_errors_total",
			Help: "Total spend persistence errors",
		},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		BidCount,
		StageLatency,
		DegradedBids,
		ThrottleFactor,
		EventCount,
		CacheLookups,
		ModelPredictions,
		ModelLatency,
		BrandSpendToday,
		BrandLambda,
		BrandROAS,
		JobRuns,
		RateLimitRequests,
		RateLimitHits,
		SpendPersistErrors,
	)
}
