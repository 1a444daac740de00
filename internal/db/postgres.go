package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/models"
)

// Postgres wraps a postgres DB connection.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the necessary tables if they don't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS brand_strategies (
    brand_id INT PRIMARY KEY,
    vpi_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    priority INT NOT NULL DEFAULT 1,
    daily_cap DOUBLE PRECISION NOT NULL DEFAULT 1000.0,
    total_cap DOUBLE PRECISION NOT NULL DEFAULT 50000.0,
    spent_today DOUBLE PRECISION NOT NULL DEFAULT 0,
    spent_total DOUBLE PRECISION NOT NULL DEFAULT 0,
    target_roas DOUBLE PRECISION NOT NULL DEFAULT 2.0,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS event_log (
    event_id VARCHAR(255) PRIMARY KEY,
    event_type VARCHAR(50) NOT NULL,
    brand_id INT NOT NULL,
    partner_id INT NOT NULL,
    ad_slot_id INT NOT NULL,
    processed_at TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_event_log_brand ON event_log (brand_id);
CREATE INDEX IF NOT EXISTS idx_event_log_processed_at ON event_log (processed_at);

CREATE TABLE IF NOT EXISTS creatives (
    id SERIAL PRIMARY KEY,
    brand_id INT NOT NULL,
    creative_url VARCHAR(1024) NOT NULL,
    creative_type VARCHAR(50) NOT NULL,
    width INT NOT NULL DEFAULT 0,
    height INT NOT NULL DEFAULT 0,
    status VARCHAR(20) NOT NULL DEFAULT 'pending',
    reject_reason VARCHAR(1024) NOT NULL DEFAULT '',
    reviewed_by VARCHAR(255) NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_creatives_brand_status ON creatives (brand_id, status);
`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db}
	if err := p.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// LoadStrategies retrieves every brand strategy.
func (p *Postgres) LoadStrategies(ctx context.Context) ([]models.BrandStrategy, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT brand_id, vpi_multiplier, priority, daily_cap, total_cap, spent_today, spent_total, target_roas, is_active, updated_at FROM brand_strategies`)
	if err != nil {
		return nil, fmt.Errorf("query brand strategies: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.BrandStrategy
	for rows.Next() {
		var s models.BrandStrategy
		if err := rows.Scan(&s.BrandID, &s.VPIMultiplier, &s.Priority, &s.DailyCap, &s.TotalCap, &s.SpentToday, &s.SpentTotal, &s.TargetROAS, &s.IsActive, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan brand strategy: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// UpsertStrategy inserts or updates a brand strategy. Spend columns are
// owned by the portfolio ledger and are left untouched on update.
func (p *Postgres) UpsertStrategy(ctx context.Context, s models.BrandStrategy) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO brand_strategies (brand_id, vpi_multiplier, priority, daily_cap, total_cap, target_roas, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (brand_id) DO UPDATE SET vpi_multiplier=EXCLUDED.vpi_multiplier, priority=EXCLUDED.priority, daily_cap=EXCLUDED.daily_cap, total_cap=EXCLUDED.total_cap, target_roas=EXCLUDED.target_roas, is_active=EXCLUDED.is_active, updated_at=NOW()`,
		s.BrandID, s.VPIMultiplier, s.Priority, s.DailyCap, s.TotalCap, s.TargetROAS, s.IsActive)
	if err != nil {
		return fmt.Errorf("upsert brand strategy %d: %w", s.BrandID, err)
	}
	return nil
}

// SpendUpdate is the spend state written back for one brand.
type SpendUpdate struct {
	SpentToday float64
	SpentTotal float64
}

// UpdateBrandSpends writes back ledger spend for many brands in one statement.
func (p *Postgres) UpdateBrandSpends(ctx context.Context, updates map[int]SpendUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(updates))
	for id := range updates {
		ids = append(ids, int64(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	today := make([]float64, len(ids))
	total := make([]float64, len(ids))
	for i, id := range ids {
		u := updates[int(id)]
		today[i] = u.SpentToday
		total[i] = u.SpentTotal
	}
	_, err := p.DB.ExecContext(ctx, `UPDATE brand_strategies AS b SET spent_today=u.today, spent_total=u.total, updated_at=NOW()
FROM unnest($1::int[], $2::float8[], $3::float8[]) AS u(id, today, total)
WHERE b.brand_id = u.id`, pq.Array(ids), pq.Array(today), pq.Array(total))
	if err != nil {
		return fmt.Errorf("update brand spend: %w", err)
	}
	return nil
}

// MarkEventProcessed inserts the event id into event_log. It returns false
// when the id already exists.
func (p *Postgres) MarkEventProcessed(ctx context.Context, ev models.PerformanceEvent) (bool, error) {
	res, err := p.DB.ExecContext(ctx, `INSERT INTO event_log (event_id, event_type, brand_id, partner_id, ad_slot_id) VALUES ($1,$2,$3,$4,$5) ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.Type, ev.BrandID, ev.PartnerID, ev.AdSlotID)
	if err != nil {
		return false, fmt.Errorf("insert event log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("event log rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseEvent removes an event id so a failed ingest can be retried.
func (p *Postgres) ReleaseEvent(ctx context.Context, eventID string) error {
	if _, err := p.DB.ExecContext(ctx, `DELETE FROM event_log WHERE event_id=$1`, eventID); err != nil {
		return fmt.Errorf("delete event log: %w", err)
	}
	return nil
}

const creativeColumns = `id, brand_id, creative_url, creative_type, width, height, status, reject_reason, reviewed_by, created_at, updated_at`

func scanCreative(row interface{ Scan(...any) error }) (models.Creative, error) {
	var c models.Creative
	err := row.Scan(&c.ID, &c.BrandID, &c.CreativeURL, &c.CreativeType, &c.Width, &c.Height,
		&c.Status, &c.RejectReason, &c.ReviewedBy, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// CreateCreative stores a creative as pending review and returns it with its
// assigned id.
func (p *Postgres) CreateCreative(ctx context.Context, c models.Creative) (models.Creative, error) {
	row := p.DB.QueryRowContext(ctx, `INSERT INTO creatives (brand_id, creative_url, creative_type, width, height, status)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING `+creativeColumns,
		c.BrandID, c.CreativeURL, c.CreativeType, c.Width, c.Height, models.CreativeStatusPending)
	out, err := scanCreative(row)
	if err != nil {
		return models.Creative{}, fmt.Errorf("insert creative: %w", err)
	}
	return out, nil
}

// GetCreative returns models.ErrNotFound when no creative has the id.
func (p *Postgres) GetCreative(ctx context.Context, id int) (models.Creative, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+creativeColumns+` FROM creatives WHERE id=$1`, id)
	c, err := scanCreative(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Creative{}, models.ErrNotFound
	}
	if err != nil {
		return models.Creative{}, fmt.Errorf("get creative %d: %w", id, err)
	}
	return c, nil
}

// ListCreatives returns one page of creatives ordered by id.
func (p *Postgres) ListCreatives(ctx context.Context, f models.CreativeFilter) ([]models.Creative, error) {
	f = f.Normalize()
	var (
		where []string
		args  []any
	)
	if f.BrandID > 0 {
		args = append(args, f.BrandID)
		where = append(where, fmt.Sprintf("brand_id=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	q := `SELECT ` + creativeColumns + ` FROM creatives`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Skip)
	q += fmt.Sprintf(" ORDER BY id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := p.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query creatives: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	out := []models.Creative{}
	for rows.Next() {
		c, err := scanCreative(rows)
		if err != nil {
			return nil, fmt.Errorf("scan creative: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// UpdateCreativeStatus records a review decision. An empty reviewer keeps
// the previous one.
func (p *Postgres) UpdateCreativeStatus(ctx context.Context, id int, u models.CreativeStatusUpdate) (models.Creative, error) {
	row := p.DB.QueryRowContext(ctx, `UPDATE creatives SET status=$2, reject_reason=$3, reviewed_by=COALESCE(NULLIF($4, ''), reviewed_by), updated_at=NOW()
WHERE id=$1 RETURNING `+creativeColumns, id, u.Status, u.RejectReason, u.ReviewedBy)
	c, err := scanCreative(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Creative{}, models.ErrNotFound
	}
	if err != nil {
		return models.Creative{}, fmt.Errorf("update creative %d: %w", id, err)
	}
	return c, nil
}
