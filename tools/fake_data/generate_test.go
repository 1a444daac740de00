package main

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/openbid/internal/models"
)

func TestRandomStrategiesAreValid(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	strategies := randomStrategies(r, 25)
	require.Len(t, strategies, 25)
	for i, s := range strategies {
		assert.Equal(t, i+1, s.BrandID)
		assert.NoError(t, s.Validate())
		assert.GreaterOrEqual(t, s.TotalCap, s.DailyCap)
	}
}

func TestRandomHistory(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	shape := historyShape{Brands: 2, Slots: 2, Partners: 1, Days: 3, ImpressionsDay: 40}
	events := randomHistory(r, shape, now)

	var imps, clicks, convs int
	seen := make(map[string]bool)
	for _, ev := range events {
		require.NoError(t, ev.Validate())
		assert.False(t, seen[ev.EventID], "event ids are unique")
		seen[ev.EventID] = true
		assert.True(t, ev.Timestamp.Before(now.Add(2*time.Hour)))
		assert.True(t, ev.Timestamp.After(now.Add(-4*24*time.Hour)))
		switch ev.Type {
		case models.EventImpression:
			imps++
			assert.Greater(t, ev.Cost, 0.0)
		case models.EventClick:
			clicks++
		case models.EventConversion:
			convs++
			assert.Greater(t, ev.Revenue, 0.0)
		}
	}
	assert.Equal(t, 2*2*1*3*40, imps)
	assert.LessOrEqual(t, convs, clicks)
	assert.Less(t, clicks, imps)
}

func TestBidsForHistory(t *testing.T) {
	day := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	events := []models.PerformanceEvent{
		{BrandID: 1, AdSlotID: 1, PartnerID: 1, Type: models.EventImpression, Cost: 0.002, Timestamp: day.Add(time.Hour)},
		{BrandID: 1, AdSlotID: 1, PartnerID: 1, Type: models.EventImpression, Cost: 0.004, Timestamp: day.Add(2 * time.Hour)},
		{BrandID: 1, AdSlotID: 1, PartnerID: 1, Type: models.EventClick, Timestamp: day.Add(2 * time.Hour)},
		{BrandID: 1, AdSlotID: 1, PartnerID: 1, Type: models.EventImpression, Cost: 0.001, Timestamp: day.Add(25 * time.Hour)},
		{BrandID: 2, AdSlotID: 1, PartnerID: 1, Type: models.EventImpression, Cost: 0.005, Timestamp: day.Add(time.Hour)},
	}
	bids := bidsForHistory(events)
	require.Len(t, bids, 3)
	assert.Equal(t, 1, bids[0].BrandID)
	assert.InDelta(t, 3.0, bids[0].BidAmount, 1e-9)
	assert.Equal(t, models.BidUnitCPM, bids[0].BidUnit)
	assert.InDelta(t, 1.0, bids[1].BidAmount, 1e-9)
	assert.Equal(t, 2, bids[2].BrandID)
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 1.23, round2(1.2349))
	assert.Equal(t, 2.5, round2(2.4999))
}

func TestRandomCreativesValid(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	cs := randomCreatives(r, 4, 2)
	require.Len(t, cs, 8)
	for _, c := range cs {
		require.NoError(t, c.Validate())
	}
	assert.Equal(t, 4, cs[7].BrandID)
}
