package observability

import (
	"sync"
	"time"
)

// MockMetricsRegistry records counter increments so tests can assert on them.
type MockMetricsRegistry struct {
	mu       sync.Mutex
	Counters map[string]int
}

// NewMockMetricsRegistry returns an empty MockMetricsRegistry.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{Counters: make(map[string]int)}
}

func (m *MockMetricsRegistry) inc(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Counters == nil {
		m.Counters = make(map[string]int)
	}
	m.Counters[key]++
}

// Count returns how many times the counter identified by key was incremented.
func (m *MockMetricsRegistry) Count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[key]
}

func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.inc("requests:" + endpoint + ":" + status)
}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

func (m *MockMetricsRegistry) IncrementBids(outcome string)                            { m.inc("bids:" + outcome) }
func (m *MockMetricsRegistry) RecordStageLatency(stage string, duration time.Duration) {}
func (m *MockMetricsRegistry) IncrementDegraded(stage string)                          { m.inc("degraded:" + stage) }
func (m *MockMetricsRegistry) RecordThrottle(factor float64)                           {}

func (m *MockMetricsRegistry) IncrementEvent(eventType, result string) {
	m.inc("events:" + eventType + ":" + result)
}
func (m *MockMetricsRegistry) IncrementCacheLookups(result string) { m.inc("cache:" + result) }

func (m *MockMetricsRegistry) IncrementModelPredictions(model, outcome string) {
	m.inc("model:" + model + ":" + outcome)
}
func (m *MockMetricsRegistry) RecordModelLatency(model string, duration time.Duration) {}

func (m *MockMetricsRegistry) SetBrandLedger(brand string, spentToday, lambda, roas float64) {}
func (m *MockMetricsRegistry) IncrementSpendPersistErrors()                                  { m.inc("spend_persist_errors") }
func (m *MockMetricsRegistry) IncrementJobRuns(job, status string)                           { m.inc("jobs:" + job + ":" + status) }

func (m *MockMetricsRegistry) IncrementRateLimitRequests(partner string) {
	m.inc("ratelimit_requests:" + partner)
}

func (m *MockMetricsRegistry) IncrementRateLimitHits(partner string) {
	m.inc("ratelimit_hits:" + partner)
}
