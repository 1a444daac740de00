package db

import (
	"context"

	"github.com/patrickwarner/openbid/internal/models"
)

// EventDeduper remembers which performance events were already applied.
// Both RedisStore and Postgres satisfy it; Postgres is durable.
type EventDeduper interface {
	MarkEventProcessed(ctx context.Context, ev models.PerformanceEvent) (bool, error)
	ReleaseEvent(ctx context.Context, eventID string) error
}

// StrategyStore loads and persists brand strategies.
type StrategyStore interface {
	LoadStrategies(ctx context.Context) ([]models.BrandStrategy, error)
	UpsertStrategy(ctx context.Context, s models.BrandStrategy) error
	UpdateBrandSpends(ctx context.Context, updates map[int]SpendUpdate) error
}

// CreativeStore persists creatives and their review decisions.
type CreativeStore interface {
	CreateCreative(ctx context.Context, c models.Creative) (models.Creative, error)
	GetCreative(ctx context.Context, id int) (models.Creative, error)
	ListCreatives(ctx context.Context, f models.CreativeFilter) ([]models.Creative, error)
	UpdateCreativeStatus(ctx context.Context, id int, u models.CreativeStatusUpdate) (models.Creative, error)
}

var (
	_ EventDeduper  = (*RedisStore)(nil)
	_ EventDeduper  = (*Postgres)(nil)
	_ StrategyStore = (*Postgres)(nil)
	_ CreativeStore = (*Postgres)(nil)
)

// ReloadStrategies loads all strategies from the store into the in-memory snapshot.
func ReloadStrategies(ctx context.Context, store StrategyStore, brands models.BrandStore) (int, error) {
	strategies, err := store.LoadStrategies(ctx)
	if err != nil {
		return 0, err
	}
	brands.ReloadAll(strategies)
	return len(strategies), nil
}
