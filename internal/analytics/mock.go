package analytics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrickwarner/openbid/internal/models"
)

var _ HistoryStore = (*MockHistory)(nil)

// MockHistory is an in-memory HistoryStore for tests. Err, when set, is
// returned by every read.
type MockHistory struct {
	mu     sync.Mutex
	Bids   []models.BidRecord
	Events []models.PerformanceEvent
	Err    error
}

// NewMockHistory creates an empty MockHistory.
func NewMockHistory() *MockHistory {
	return &MockHistory{}
}

func (m *MockHistory) RecordBid(ctx context.Context, rec models.BidRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Bids = append(m.Bids, rec)
	return nil
}

func (m *MockHistory) RecordPerformance(ctx context.Context, ev models.PerformanceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	m.Events = append(m.Events, ev)
	return nil
}

func (m *MockHistory) WindowSums(ctx context.Context, since time.Time) (map[int]models.WindowSums, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make(map[int]models.WindowSums)
	for _, ev := range m.Events {
		if ev.Timestamp.Before(since) {
			continue
		}
		s := out[ev.BrandID]
		addEvent(&s, ev)
		out[ev.BrandID] = s
	}
	return out, nil
}

func (m *MockHistory) ComboSums(ctx context.Context, brandID, partnerID, slotID int, since time.Time) (models.WindowSums, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return models.WindowSums{}, m.Err
	}
	var s models.WindowSums
	for _, ev := range m.Events {
		if ev.BrandID == brandID && ev.PartnerID == partnerID && ev.AdSlotID == slotID && !ev.Timestamp.Before(since) {
			addEvent(&s, ev)
		}
	}
	return s, nil
}

func (m *MockHistory) LifetimeSpend(ctx context.Context) (map[int]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make(map[int]float64)
	for _, ev := range m.Events {
		out[ev.BrandID] += ev.Cost
	}
	return out, nil
}

func (m *MockHistory) TrainingAggregates(ctx context.Context, since time.Time, minImpressions int64) ([]models.TrainingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	type key struct {
		brand, slot, partner, device, creative, placement, dow, bucket int
	}
	groups := make(map[key]*models.TrainingRecord)
	var order []key
	for _, ev := range m.Events {
		if ev.Timestamp.Before(since) {
			continue
		}
		ts := ev.Timestamp.UTC()
		k := key{ev.BrandID, ev.AdSlotID, ev.PartnerID, ev.Metadata.DeviceType, ev.Metadata.CreativeType,
			ev.Metadata.PlacementScore, int(ts.Weekday()), ts.Hour() / 3}
		rec, ok := groups[k]
		if !ok {
			rec = &models.TrainingRecord{BrandID: k.brand, AdSlotID: k.slot, PartnerID: k.partner, DeviceType: k.device,
				CreativeType: k.creative, PlacementScore: k.placement, DayOfWeek: k.dow, HourBucket: k.bucket}
			groups[k] = rec
			order = append(order, k)
		}
		if ev.Type == models.EventImpression {
			rec.Impressions++
		}
		rec.Revenue += ev.Revenue
	}
	var out []models.TrainingRecord
	for _, k := range order {
		if groups[k].Impressions >= minImpressions {
			out = append(out, *groups[k])
		}
	}
	return out, nil
}

func (m *MockHistory) RecentBids(ctx context.Context, brandID, limit int) ([]models.BidRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []models.BidRecord
	for _, b := range m.Bids {
		if b.BrandID == brandID {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func addEvent(s *models.WindowSums, ev models.PerformanceEvent) {
	s.Revenue += ev.Revenue
	s.Cost += ev.Cost
	if ev.Type == models.EventImpression {
		s.Impressions++
	}
}
