package models

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBid() BidRequest {
	return BidRequest{
		BrandID:   1,
		PartnerID: 2,
		BidAmount: 10,
		BidUnit:   "cpc",
		AdSlot:    AdSlot{ID: 3, Width: 300, Height: 250, Position: 1},
	}
}

func TestBidRequestValidate(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(r *BidRequest)
		field string
	}{
		{"valid", func(r *BidRequest) {}, ""},
		{"missing brand", func(r *BidRequest) { r.BrandID = 0 }, "brand_id"},
		{"zero amount", func(r *BidRequest) { r.BidAmount = 0 }, "bid_amount"},
		{"nan amount", func(r *BidRequest) { r.BidAmount = math.NaN() }, "bid_amount"},
		{"amount over max", func(r *BidRequest) { r.BidAmount = 1e308 }, "bid_amount"},
		{"multiplier over max", func(r *BidRequest) { r.Strategy = &StrategyOverride{VPIMultiplier: math.Inf(1), Priority: 1} }, "strategy.vpi_multiplier"},
		{"missing unit", func(r *BidRequest) { r.BidUnit = " " }, "bid_type"},
		{"missing slot", func(r *BidRequest) { r.AdSlot.ID = 0 }, "ad_slot.id"},
		{"negative width", func(r *BidRequest) { r.AdSlot.Width = -1 }, "ad_slot"},
		{"placement out of range", func(r *BidRequest) { r.PlacementScore = 101 }, "placement_score"},
		{"bad override", func(r *BidRequest) { r.Strategy = &StrategyOverride{VPIMultiplier: 1, Priority: 0} }, "strategy.priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validBid()
			tt.mod(&r)
			err := r.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestBidRequestHelpers(t *testing.T) {
	r := validBid()
	assert.Equal(t, BidUnitCPC, r.Unit())
	assert.Equal(t, DefaultPlacementScore, r.Placement())
	assert.Equal(t, 75000, r.AdSlot.Area())
	assert.Equal(t, 0, AdSlot{Width: 300}.Area())
}

func TestStrategyMultiplier(t *testing.T) {
	assert.Equal(t, 1.0, DefaultStrategy(1).Multiplier())
	assert.InDelta(t, 1.5*1.1, BrandStrategy{VPIMultiplier: 1.5, Priority: 3}.Multiplier(), 1e-12)
	assert.Equal(t, 1.0, BrandStrategy{VPIMultiplier: 0, Priority: 1}.Multiplier())
}

func TestBrandStrategyValidate(t *testing.T) {
	s := DefaultStrategy(1)
	assert.NoError(t, s.Validate())

	s.VPIMultiplier = MaxVPIMultiplier + 1
	var ve *ValidationError
	require.ErrorAs(t, s.Validate(), &ve)
	assert.Equal(t, "vpi_multiplier", ve.Field)

	s.VPIMultiplier = math.NaN()
	assert.ErrorIs(t, s.Validate(), ErrInvalidRequest)
}

func TestPerformanceEventValidate(t *testing.T) {
	ev := PerformanceEvent{EventID: "e1", Type: EventClick, BrandID: 1, AdSlotID: 2}
	assert.NoError(t, ev.Validate())

	ev.Type = "view"
	assert.ErrorIs(t, ev.Validate(), ErrInvalidRequest)

	ev.Type = EventConversion
	ev.Revenue = -1
	assert.ErrorIs(t, ev.Validate(), ErrInvalidRequest)
}

func TestWindowSumsROAS(t *testing.T) {
	assert.Equal(t, 0.0, WindowSums{Revenue: 10}.ROAS())
	assert.Equal(t, 2.5, WindowSums{Revenue: 10, Cost: 4}.ROAS())
}

func TestInMemoryBrandStore(t *testing.T) {
	s := NewInMemoryBrandStore()
	_, ok := s.GetStrategy(1)
	assert.False(t, ok)

	s.ReloadAll([]BrandStrategy{{BrandID: 2, VPIMultiplier: 1}, {BrandID: 1, VPIMultiplier: 2}})
	assert.Equal(t, []int{1, 2}, s.GetAllBrandIDs())

	s.UpsertStrategy(BrandStrategy{BrandID: 1, VPIMultiplier: 3})
	st, ok := s.GetStrategy(1)
	require.True(t, ok)
	assert.Equal(t, 3.0, st.VPIMultiplier)
	assert.Len(t, s.GetAllStrategies(), 2)
}

func TestInMemoryBrandStoreConcurrentUpserts(t *testing.T) {
	s := NewInMemoryBrandStore()
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.UpsertStrategy(BrandStrategy{BrandID: id, VPIMultiplier: 1})
			_, _ = s.GetStrategy(id)
		}(i)
	}
	wg.Wait()
	assert.Len(t, s.GetAllBrandIDs(), 50)
}

func TestCreativeValidate(t *testing.T) {
	ok := Creative{BrandID: 1, CreativeURL: "https://cdn.example.com/a.png", CreativeType: CreativeFormatImage}
	assert.NoError(t, ok.Validate())

	tests := []struct {
		name  string
		mod   func(c *Creative)
		field string
	}{
		{"missing brand", func(c *Creative) { c.BrandID = 0 }, "brand_id"},
		{"relative url", func(c *Creative) { c.CreativeURL = "/a.png" }, "creative_url"},
		{"unknown format", func(c *Creative) { c.CreativeType = "flash" }, "creative_type"},
		{"negative size", func(c *Creative) { c.Width = -1 }, "dimensions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ok
			tt.mod(&c)
			var ve *ValidationError
			require.ErrorAs(t, c.Validate(), &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCreativeStatusUpdateValidate(t *testing.T) {
	u := CreativeStatusUpdate{Status: CreativeStatusApproved, RejectReason: "left over"}
	require.NoError(t, u.Validate())
	assert.Empty(t, u.RejectReason)

	u = CreativeStatusUpdate{Status: CreativeStatusRejected, RejectReason: "blurry"}
	require.NoError(t, u.Validate())
	assert.Equal(t, "blurry", u.RejectReason)

	u = CreativeStatusUpdate{Status: "archived"}
	assert.ErrorIs(t, u.Validate(), ErrInvalidRequest)
}

func TestCreativeFilterNormalize(t *testing.T) {
	f := CreativeFilter{Skip: -3}.Normalize()
	assert.Equal(t, 0, f.Skip)
	assert.Equal(t, DefaultCreativeLimit, f.Limit)
	assert.Equal(t, MaxCreativeLimit, CreativeFilter{Limit: 5000}.Normalize().Limit)
}
