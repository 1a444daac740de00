package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/openbid/internal/models"
)

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = errors.New("analytics unavailable")

// HistoryStore is the bid and performance history used for ROAS windows,
// spend reconciliation and model training. Implementations return
// ErrUnavailable when the underlying storage is not configured.
type HistoryStore interface {
	RecordBid(ctx context.Context, rec models.BidRecord) error
	RecordPerformance(ctx context.Context, ev models.PerformanceEvent) error
	// WindowSums returns revenue and cost per brand since the given time.
	WindowSums(ctx context.Context, since time.Time) (map[int]models.WindowSums, error)
	// ComboSums returns totals for one brand/partner/slot combination.
	ComboSums(ctx context.Context, brandID, partnerID, slotID int, since time.Time) (models.WindowSums, error)
	// LifetimeSpend returns the confirmed cost per brand across all history.
	LifetimeSpend(ctx context.Context) (map[int]float64, error)
	// TrainingAggregates groups performance since the given time into
	// training rows, dropping groups with fewer than minImpressions.
	TrainingAggregates(ctx context.Context, since time.Time, minImpressions int64) ([]models.TrainingRecord, error)
	RecentBids(ctx context.Context, brandID, limit int) ([]models.BidRecord, error)
}

// Analytics wraps a ClickHouse DB connection.
type Analytics struct {
	DB *sql.DB
}

var _ HistoryStore = (*Analytics)(nil)

const createBidHistory = `CREATE TABLE IF NOT EXISTS bid_history (
       timestamp        DateTime64(3),
       brand_id         Int32,
       ad_slot_id       Int32,
       partner_id       Int32,
       bid_amount       Float64,
       bid_type         LowCardinality(String),
       normalized_value Float64,
       quality_factor   Float64,
       final_bid_value  Float64,
       ctr              Float64,
       cvr              Float64,
       device_type      Int8,
       creative_type    Int8,
       placement_score  Int16
   ) ENGINE=MergeTree() ORDER BY (brand_id, timestamp)`

const createPerformanceEvents = `CREATE TABLE IF NOT EXISTS performance_events (
       timestamp       DateTime64(3),
       event_id        String,
       event_type      LowCardinality(String),
       brand_id        Int32,
       partner_id      Int32,
       ad_slot_id      Int32,
       revenue         Float64,
       cost            Float64,
       device_type     Int8,
       creative_type   Int8,
       placement_score Int16
   ) ENGINE=MergeTree() ORDER BY (brand_id, timestamp)`

// InitClickHouse connects to ClickHouse and ensures the history tables exist.
func InitClickHouse(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	for _, stmt := range []string{createBidHistory, createPerformanceEvents} {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			return nil, fmt.Errorf("clickhouse create table: %w", err)
		}
	}

	zap.L().Info("Connected to ClickHouse", zap.Int("max_open_conns", maxOpenConns))
	return &Analytics{DB: db}, nil
}

// Close terminates the ClickHouse connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}

// RecordBid appends one processed bid to bid_history.
func (a *Analytics) RecordBid(ctx context.Context, rec models.BidRecord) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	stmt := `INSERT INTO bid_history (timestamp, brand_id, ad_slot_id, partner_id, bid_amount, bid_type, normalized_value, quality_factor, final_bid_value, ctr, cvr, device_type, creative_type, placement_score) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := a.DB.ExecContext(ctx, stmt, ts, int32(rec.BrandID), int32(rec.AdSlotID), int32(rec.PartnerID), rec.BidAmount, rec.BidUnit, rec.NormalizedValue, rec.QualityFactor, rec.FinalBidValue, rec.CTR, rec.CVR, int8(rec.DeviceType), int8(rec.CreativeType), int16(rec.PlacementScore)); err != nil {
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("table", "bid_history"))
		return fmt.Errorf("insert bid: %w", err)
	}
	return nil
}

// RecordPerformance appends one performance event.
func (a *Analytics) RecordPerformance(ctx context.Context, ev models.PerformanceEvent) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	stmt := `INSERT INTO performance_events (timestamp, event_id, event_type, brand_id, partner_id, ad_slot_id, revenue, cost, device_type, creative_type, placement_score) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := a.DB.ExecContext(ctx, stmt, ts, ev.EventID, ev.Type, int32(ev.BrandID), int32(ev.PartnerID), int32(ev.AdSlotID), ev.Revenue, ev.Cost, int8(ev.Metadata.DeviceType), int8(ev.Metadata.CreativeType), int16(ev.Metadata.PlacementScore)); err != nil {
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("table", "performance_events"))
		return fmt.Errorf("insert %s event: %w", ev.Type, err)
	}
	return nil
}

// WindowSums returns revenue, cost and impressions per brand since the given time.
func (a *Analytics) WindowSums(ctx context.Context, since time.Time) (map[int]models.WindowSums, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT brand_id, sum(revenue), sum(cost), countIf(event_type = 'impression')
FROM performance_events WHERE timestamp >= ? GROUP BY brand_id`
	rows, err := a.DB.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query window sums: %w", err)
	}
	defer closeRows(rows)

	out := make(map[int]models.WindowSums)
	for rows.Next() {
		var brandID int32
		var s models.WindowSums
		var imps uint64
		if err := rows.Scan(&brandID, &s.Revenue, &s.Cost, &imps); err != nil {
			return nil, fmt.Errorf("scan window sums: %w", err)
		}
		s.Impressions = int64(imps)
		out[int(brandID)] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// ComboSums returns totals for a brand/partner/slot combination since the given time.
func (a *Analytics) ComboSums(ctx context.Context, brandID, partnerID, slotID int, since time.Time) (models.WindowSums, error) {
	if a == nil || a.DB == nil {
		return models.WindowSums{}, ErrUnavailable
	}
	query := `SELECT sum(revenue), sum(cost), countIf(event_type = 'impression')
FROM performance_events WHERE brand_id = ? AND partner_id = ? AND ad_slot_id = ? AND timestamp >= ?`
	var s models.WindowSums
	var imps uint64
	if err := a.DB.QueryRowContext(ctx, query, int32(brandID), int32(partnerID), int32(slotID), since).Scan(&s.Revenue, &s.Cost, &imps); err != nil {
		return models.WindowSums{}, fmt.Errorf("query combo sums: %w", err)
	}
	s.Impressions = int64(imps)
	return s, nil
}

// LifetimeSpend returns confirmed cost per brand across all history.
func (a *Analytics) LifetimeSpend(ctx context.Context) (map[int]float64, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	rows, err := a.DB.QueryContext(ctx, `SELECT brand_id, sum(cost) FROM performance_events GROUP BY brand_id`)
	if err != nil {
		return nil, fmt.Errorf("query lifetime spend: %w", err)
	}
	defer closeRows(rows)

	out := make(map[int]float64)
	for rows.Next() {
		var brandID int32
		var cost float64
		if err := rows.Scan(&brandID, &cost); err != nil {
			return nil, fmt.Errorf("scan lifetime spend: %w", err)
		}
		out[int(brandID)] = cost
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// TrainingAggregates groups performance events into revenue model training
// rows. Day of week is 0 for Sunday to match time.Weekday and hour buckets
// are three hours wide.
func (a *Analytics) TrainingAggregates(ctx context.Context, since time.Time, minImpressions int64) ([]models.TrainingRecord, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT brand_id, ad_slot_id, partner_id, device_type, creative_type, placement_score,
       toDayOfWeek(toTimeZone(timestamp, 'UTC')) % 7 AS dow, intDiv(toHour(toTimeZone(timestamp, 'UTC')), 3) AS hour_bucket,
       countIf(event_type = 'impression') AS impressions, sum(revenue) AS revenue
FROM performance_events
WHERE timestamp >= ?
GROUP BY brand_id, ad_slot_id, partner_id, device_type, creative_type, placement_score, dow, hour_bucket
HAVING impressions >= ?`
	rows, err := a.DB.QueryContext(ctx, query, since, uint64(minImpressions))
	if err != nil {
		return nil, fmt.Errorf("query training aggregates: %w", err)
	}
	defer closeRows(rows)

	var out []models.TrainingRecord
	for rows.Next() {
		var brandID, slotID, partnerID int32
		var device, creative int8
		var placement int16
		var dow, bucket uint8
		var imps uint64
		var rec models.TrainingRecord
		if err := rows.Scan(&brandID, &slotID, &partnerID, &device, &creative, &placement, &dow, &bucket, &imps, &rec.Revenue); err != nil {
			return nil, fmt.Errorf("scan training aggregate: %w", err)
		}
		rec.BrandID = int(brandID)
		rec.AdSlotID = int(slotID)
		rec.PartnerID = int(partnerID)
		rec.DeviceType = int(device)
		rec.CreativeType = int(creative)
		rec.PlacementScore = int(placement)
		rec.DayOfWeek = int(dow)
		rec.HourBucket = int(bucket)
		rec.Impressions = int64(imps)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// RecentBids returns the most recent bids for a brand, newest first.
func (a *Analytics) RecentBids(ctx context.Context, brandID, limit int) ([]models.BidRecord, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT timestamp, brand_id, ad_slot_id, partner_id, bid_amount, bid_type, normalized_value, quality_factor, final_bid_value, ctr, cvr
FROM bid_history WHERE brand_id = ? ORDER BY timestamp DESC LIMIT ?`
	rows, err := a.DB.QueryContext(ctx, query, int32(brandID), limit)
	if err != nil {
		return nil, fmt.Errorf("query bid history: %w", err)
	}
	defer closeRows(rows)

	var out []models.BidRecord
	for rows.Next() {
		var r models.BidRecord
		var b, s, p int32
		if err := rows.Scan(&r.Timestamp, &b, &s, &p, &r.BidAmount, &r.BidUnit, &r.NormalizedValue, &r.QualityFactor, &r.FinalBidValue, &r.CTR, &r.CVR); err != nil {
			return nil, fmt.Errorf("scan bid history: %w", err)
		}
		r.BrandID, r.AdSlotID, r.PartnerID = int(b), int(s), int(p)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		zap.L().Warn("rows close", zap.Error(err))
	}
}
