package observability

import (
	"sort"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// TimingSummary describes the sampled latency distribution of one
// operation, in milliseconds.
type TimingSummary struct {
	Operation string    `json:"operation"`
	Count     int64     `json:"count"`
	MinMs     float64   `json:"min_ms"`
	MaxMs     float64   `json:"max_ms"`
	AvgMs     float64   `json:"avg_ms"`
	MedianMs  float64   `json:"median_ms"`
	P95Ms     float64   `json:"p95_ms"`
	P99Ms     float64   `json:"p99_ms"`
	Rate1m    float64   `json:"rate_1m"`
	AsOf      time.Time `json:"as_of"`
}

// Timings keeps an exponentially decaying sample of durations per
// operation so percentiles can be read in process. A nil *Timings ignores
// every call.
type Timings struct {
	registry gometrics.Registry
}

// NewTimings creates an empty Timings.
func NewTimings() *Timings {
	return &Timings{registry: gometrics.NewRegistry()}
}

// Record adds one observation for op.
func (t *Timings) Record(op string, d time.Duration) {
	if t == nil {
		return
	}
	gometrics.GetOrRegisterTimer(op, t.registry).Update(d)
}

// Summary returns op's distribution, or false if op was never recorded.
func (t *Timings) Summary(op string) (TimingSummary, bool) {
	if t == nil {
		return TimingSummary{}, false
	}
	timer, ok := t.registry.Get(op).(gometrics.Timer)
	if !ok {
		return TimingSummary{}, false
	}
	return summarize(op, timer.Snapshot()), true
}

// Summaries returns every recorded operation ordered by name.
func (t *Timings) Summaries() []TimingSummary {
	if t == nil {
		return nil
	}
	out := []TimingSummary{}
	t.registry.Each(func(name string, m interface{}) {
		if timer, ok := m.(gometrics.Timer); ok {
			out = append(out, summarize(name, timer.Snapshot()))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

func summarize(op string, s gometrics.Timer) TimingSummary {
	ps := s.Percentiles([]float64{0.5, 0.95, 0.99})
	return TimingSummary{
		Operation: op,
		Count:     s.Count(),
		MinMs:     nanosToMs(float64(s.Min())),
		MaxMs:     nanosToMs(float64(s.Max())),
		AvgMs:     nanosToMs(s.Mean()),
		MedianMs:  nanosToMs(ps[0]),
		P95Ms:     nanosToMs(ps[1]),
		P99Ms:     nanosToMs(ps[2]),
		Rate1m:    s.Rate1(),
		AsOf:      time.Now().UTC(),
	}
}

func nanosToMs(v float64) float64 { return v / float64(time.Millisecond) }
