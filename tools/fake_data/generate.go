package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/patrickwarner/openbid/internal/models"
)

// historyShape sizes the synthetic history.
type historyShape struct {
	Brands         int
	Slots          int
	Partners       int
	Days           int
	ImpressionsDay int
}

// brandProfile is the latent performance a brand's history is drawn from.
type brandProfile struct {
	ctr        float64
	cvr        float64
	orderValue float64
	cpm        float64
}

func randomStrategies(r *rand.Rand, n int) []models.BrandStrategy {
	out := make([]models.BrandStrategy, 0, n)
	for id := 1; id <= n; id++ {
		s := models.DefaultStrategy(id)
		s.VPIMultiplier = round2(0.8 + r.Float64()*0.8)
		s.Priority = 1 + r.Intn(3)
		s.DailyCap = float64(250 * (1 + r.Intn(8)))
		s.TotalCap = s.DailyCap * float64(20+r.Intn(40))
		s.TargetROAS = round2(1.2 + r.Float64()*2.3)
		// roughly one brand in ten starts paused
		s.IsActive = r.Intn(10) != 0
		out = append(out, s)
	}
	return out
}

func randomProfile(r *rand.Rand) brandProfile {
	return brandProfile{
		ctr:        0.005 + r.Float64()*0.045,
		cvr:        0.02 + r.Float64()*0.13,
		orderValue: 20 + r.Float64()*60,
		cpm:        1 + r.Float64()*7,
	}
}

// randomHistory emits impression, click and conversion events for every
// brand, slot and partner over the trailing days ending at now.
func randomHistory(r *rand.Rand, shape historyShape, now time.Time) []models.PerformanceEvent {
	var out []models.PerformanceEvent
	for brand := 1; brand <= shape.Brands; brand++ {
		p := randomProfile(r)
		for slot := 1; slot <= shape.Slots; slot++ {
			for partner := 1; partner <= shape.Partners; partner++ {
				meta := models.EventMetadata{
					DeviceType:     1 + r.Intn(3),
					CreativeType:   1 + r.Intn(3),
					PlacementScore: 20 + r.Intn(80),
				}
				for day := 0; day < shape.Days; day++ {
					dayStart := now.Add(-time.Duration(day+1) * 24 * time.Hour)
					for i := 0; i < shape.ImpressionsDay; i++ {
						ts := dayStart.Add(time.Duration(r.Int63n(int64(24 * time.Hour))))
						base := models.PerformanceEvent{
							BrandID:   brand,
							PartnerID: partner,
							AdSlotID:  slot,
							Timestamp: ts,
							Metadata:  meta,
						}
						imp := base
						imp.EventID = uuid.NewString()
						imp.Type = models.EventImpression
						imp.Cost = p.cpm / 1000
						out = append(out, imp)

						if r.Float64() >= p.ctr {
							continue
						}
						clk := base
						clk.EventID = uuid.NewString()
						clk.Type = models.EventClick
						clk.Timestamp = ts.Add(time.Duration(1+r.Intn(30)) * time.Second)
						out = append(out, clk)

						if r.Float64() >= p.cvr {
							continue
						}
						conv := base
						conv.EventID = uuid.NewString()
						conv.Type = models.EventConversion
						conv.Timestamp = clk.Timestamp.Add(time.Duration(1+r.Intn(60)) * time.Minute)
						conv.Revenue = round2(p.orderValue * (0.5 + r.Float64()))
						out = append(out, conv)
					}
				}
			}
		}
	}
	return out
}

// bidsForHistory writes one CPM bid row per brand, slot, partner and day
// that saw impressions, priced at the day's average cost.
func bidsForHistory(events []models.PerformanceEvent) []models.BidRecord {
	type dayKey struct {
		brand, slot, partner int
		day                  string
	}
	type agg struct {
		cost  float64
		imps  int
		first models.PerformanceEvent
	}
	groups := make(map[dayKey]*agg)
	var order []dayKey
	for _, ev := range events {
		if ev.Type != models.EventImpression {
			continue
		}
		k := dayKey{ev.BrandID, ev.AdSlotID, ev.PartnerID, ev.Timestamp.Format("2006-01-02")}
		a, ok := groups[k]
		if !ok {
			a = &agg{first: ev}
			groups[k] = a
			order = append(order, k)
		}
		a.cost += ev.Cost
		a.imps++
	}
	out := make([]models.BidRecord, 0, len(order))
	for _, k := range order {
		a := groups[k]
		cpm := a.cost / float64(a.imps) * 1000
		out = append(out, models.BidRecord{
			BrandID:         k.brand,
			AdSlotID:        k.slot,
			PartnerID:       k.partner,
			BidAmount:       round2(cpm),
			BidUnit:         models.BidUnitCPM,
			NormalizedValue: cpm / 1000,
			QualityFactor:   1,
			FinalBidValue:   cpm / 1000,
			DeviceType:      a.first.Metadata.DeviceType,
			CreativeType:    a.first.Metadata.CreativeType,
			PlacementScore:  a.first.Metadata.PlacementScore,
			Timestamp:       a.first.Timestamp,
		})
	}
	return out
}

var creativeFormats = []string{models.CreativeFormatImage, models.CreativeFormatVideo, models.CreativeFormatHTML}

// randomCreatives submits perBrand creatives for every brand. They enter
// review as pending.
func randomCreatives(r *rand.Rand, brands, perBrand int) []models.Creative {
	out := make([]models.Creative, 0, brands*perBrand)
	for brand := 1; brand <= brands; brand++ {
		for i := 0; i < perBrand; i++ {
			format := creativeFormats[r.Intn(len(creativeFormats))]
			c := models.Creative{
				BrandID:      brand,
				CreativeURL:  fmt.Sprintf("https://cdn.example.com/brand-%d/%s.%s", brand, uuid.NewString(), creativeExt(format)),
				CreativeType: format,
			}
			if format != models.CreativeFormatHTML {
				c.Width, c.Height = 300, 250
			}
			out = append(out, c)
		}
	}
	return out
}

func creativeExt(format string) string {
	switch format {
	case models.CreativeFormatVideo:
		return "mp4"
	case models.CreativeFormatHTML:
		return "html"
	}
	return "png"
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
