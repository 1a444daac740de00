package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/openbid/internal/models"
)

func setupMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return &Postgres{DB: sqlDB}, mock
}

func TestLoadStrategies(t *testing.T) {
	pg, mock := setupMockPostgres(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"brand_id", "vpi_multiplier", "priority", "daily_cap", "total_cap", "spent_today", "spent_total", "target_roas", "is_active", "updated_at"}).
		AddRow(1, 1.2, 2, 500.0, 10000.0, 10.0, 200.0, 2.5, true, now).
		AddRow(2, 1.0, 1, 1000.0, 50000.0, 0.0, 0.0, 2.0, false, now)
	mock.ExpectQuery("SELECT brand_id, vpi_multiplier").WillReturnRows(rows)

	got, err := pg.LoadStrategies(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1.2, got[0].VPIMultiplier)
	assert.Equal(t, 2.5, got[0].TargetROAS)
	assert.False(t, got[1].IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadStrategiesQueryError(t *testing.T) {
	pg, mock := setupMockPostgres(t)
	mock.ExpectQuery("SELECT brand_id").WillReturnError(errors.New("boom"))

	_, err := pg.LoadStrategies(context.Background())
	assert.Error(t, err)
}

func TestUpsertStrategy(t *testing.T) {
	pg, mock := setupMockPostgres(t)
	mock.ExpectExec("INSERT INTO brand_strategies").
		WithArgs(7, 1.5, 3, 100.0, 1000.0, 2.0, true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := pg.UpsertStrategy(context.Background(), models.BrandStrategy{
		BrandID: 7, VPIMultiplier: 1.5, Priority: 3, DailyCap: 100, TotalCap: 1000, TargetROAS: 2, IsActive: true,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkEventProcessed(t *testing.T) {
	pg, mock := setupMockPostgres(t)
	ev := models.PerformanceEvent{EventID: "e1", Type: models.EventClick, BrandID: 1, PartnerID: 2, AdSlotID: 3}

	mock.ExpectExec("INSERT INTO event_log").
		WithArgs("e1", "click", 1, 2, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO event_log").
		WithArgs("e1", "click", 1, 2, 3).
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := pg.MarkEventProcessed(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := pg.MarkEventProcessed(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateBrandSpends(t *testing.T) {
	pg, mock := setupMockPostgres(t)
	mock.ExpectExec("UPDATE brand_strategies AS b").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := pg.UpdateBrandSpends(context.Background(), map[int]SpendUpdate{
		1: {SpentToday: 1, SpentTotal: 10},
		2: {SpentToday: 2, SpentTotal: 20},
	})
	require.NoError(t, err)
	assert.NoError(t, pg.UpdateBrandSpends(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReloadStrategies(t *testing.T) {
	pg, mock := setupMockPostgres(t)
	rows := sqlmock.NewRows([]string{"brand_id", "vpi_multiplier", "priority", "daily_cap", "total_cap", "spent_today", "spent_total", "target_roas", "is_active", "updated_at"}).
		AddRow(4, 1.0, 1, 1000.0, 50000.0, 0.0, 0.0, 2.0, true, time.Now())
	mock.ExpectQuery("SELECT brand_id").WillReturnRows(rows)

	brands := models.NewInMemoryBrandStore()
	n, err := ReloadStrategies(context.Background(), pg, brands)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := brands.GetStrategy(4)
	assert.True(t, ok)
}

var creativeCols = []string{"id", "brand_id", "creative_url", "creative_type", "width", "height", "status", "reject_reason", "reviewed_by", "created_at", "updated_at"}

func TestCreateCreative(t *testing.T) {
	pg, mock := setupMockPostgres(t)
	now := time.Now()
	mock.ExpectQuery("INSERT INTO creatives").
		WithArgs(4, "https://cdn.example.com/a.png", "image", 300, 250, models.CreativeStatusPending).
		WillReturnRows(sqlmock.NewRows(creativeCols).
			AddRow(11, 4, "https://cdn.example.com/a.png", "image", 300, 250, "pending", "", "", now, now))

	c, err := pg.CreateCreative(context.Background(), models.Creative{
		BrandID: 4, CreativeURL: "https://cdn.example.com/a.png", CreativeType: "image", Width: 300, Height: 250,
	})
	require.NoError(t, err)
	assert.Equal(t, 11, c.ID)
	assert.Equal(t, models.CreativeStatusPending, c.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCreativeNotFound(t *testing.T) {
	pg, mock := setupMockPostgres(t)
	mock.ExpectQuery("FROM creatives WHERE id=").WithArgs(99).WillReturnRows(sqlmock.NewRows(creativeCols))

	_, err := pg.GetCreative(context.Background(), 99)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListCreativesFilters(t *testing.T) {
	pg, mock := setupMockPostgres(t)
	now := time.Now()
	mock.ExpectQuery(`WHERE brand_id=\$1 AND status=\$2 ORDER BY id LIMIT \$3 OFFSET \$4`).
		WithArgs(4, "rejected", 10, 20).
		WillReturnRows(sqlmock.NewRows(creativeCols).
			AddRow(3, 4, "https://cdn.example.com/b.mp4", "video", 0, 0, "rejected", "audio too loud", "ops", now, now))

	got, err := pg.ListCreatives(context.Background(), models.CreativeFilter{BrandID: 4, Status: "rejected", Skip: 20, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "audio too loud", got[0].RejectReason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListCreativesDefaultPage(t *testing.T) {
	pg, mock := setupMockPostgres(t)
	mock.ExpectQuery(`FROM creatives ORDER BY id LIMIT \$1 OFFSET \$2`).
		WithArgs(models.DefaultCreativeLimit, 0).
		WillReturnRows(sqlmock.NewRows(creativeCols))

	got, err := pg.ListCreatives(context.Background(), models.CreativeFilter{Skip: -5})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCreativeStatus(t *testing.T) {
	pg, mock := setupMockPostgres(t)
	now := time.Now()
	mock.ExpectQuery("UPDATE creatives SET status").
		WithArgs(3, "rejected", "misleading claim", "reviewer-1").
		WillReturnRows(sqlmock.NewRows(creativeCols).
			AddRow(3, 4, "https://cdn.example.com/b.png", "image", 0, 0, "rejected", "misleading claim", "reviewer-1", now, now))

	c, err := pg.UpdateCreativeStatus(context.Background(), 3, models.CreativeStatusUpdate{
		Status: "rejected", RejectReason: "misleading claim", ReviewedBy: "reviewer-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "reviewer-1", c.ReviewedBy)

	mock.ExpectQuery("UPDATE creatives SET status").WillReturnRows(sqlmock.NewRows(creativeCols))
	_, err = pg.UpdateCreativeStatus(context.Background(), 8, models.CreativeStatusUpdate{Status: "approved"})
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
