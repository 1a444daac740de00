package bidding

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/cache"
	"github.com/patrickwarner/openbid/internal/logic"
	"github.com/patrickwarner/openbid/internal/models"
)

// IngestPerformanceEvent applies an impression, click or conversion to the
// performance counters and the history store. Events are idempotent by id:
// a repeated id is reported with Duplicate set and changes nothing.
func (p *Pipeline) IngestPerformanceEvent(ctx context.Context, ev models.PerformanceEvent) (models.IngestResult, error) {
	ctx, span := tracer.Start(ctx, "IngestPerformanceEvent")
	defer span.End()

	if err := ev.Validate(); err != nil {
		p.Metrics.IncrementEvent(ev.Type, "invalid")
		return models.IngestResult{}, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	}
	span.SetAttributes(
		attribute.String("event_id", ev.EventID),
		attribute.String("event_type", ev.Type),
		attribute.Int("brand_id", ev.BrandID),
	)
	result := models.IngestResult{EventID: ev.EventID}
	if p.Counts == nil {
		return result, logic.ErrNilRedisStore
	}

	if p.Dedup != nil {
		first, err := p.Dedup.MarkEventProcessed(ctx, ev)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dedup failed")
			p.Metrics.IncrementEvent(ev.Type, "error")
			return result, fmt.Errorf("mark event %s: %w", ev.EventID, err)
		}
		if !first {
			result.Duplicate = true
			p.Metrics.IncrementEvent(ev.Type, "duplicate")
			p.Logger.Debug("duplicate performance event skipped", zap.String("event_id", ev.EventID))
			return result, nil
		}
	}

	if err := p.Counts.IncrementPerformance(ctx, ev); err != nil {
		// Forget the id so the sender can retry.
		if p.Dedup != nil {
			if rerr := p.Dedup.ReleaseEvent(ctx, ev.EventID); rerr != nil {
				p.Logger.Error("failed to release event id", zap.String("event_id", ev.EventID), zap.Error(rerr))
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "increment failed")
		p.Metrics.IncrementEvent(ev.Type, "error")
		return result, fmt.Errorf("increment counts for event %s: %w", ev.EventID, err)
	}

	if p.History != nil {
		if err := p.History.RecordPerformance(ctx, ev); err != nil {
			p.Logger.Warn("failed to record performance history",
				zap.String("event_id", ev.EventID), zap.Int("brand_id", ev.BrandID), zap.Error(err))
		}
	}
	if p.Features != nil {
		p.Features.Delete(ctx, cache.PerfKey(ev.BrandID, ev.AdSlotID))
	}

	p.Metrics.IncrementEvent(ev.Type, "ok")
	return result, nil
}
