// Package ingest implements the write path for position reports: range
// validation, per-entity throttling, the store append, and the cache
// write-through that keeps current-position reads warm.
//
// Error semantics follow the store's taxonomy. Validation failures reject
// the sample outright and nothing is persisted. Duplicate writes under
// the uniqueness constraint are benign: they are logged, counted, and
// reported to the caller as success.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/freightoptimization/tracking/internal/cache"
	"github.com/freightoptimization/tracking/internal/domain"
	"github.com/freightoptimization/tracking/internal/metrics"
	"github.com/freightoptimization/tracking/internal/store"
)

// ErrThrottled is returned when a sample is dropped by the per-entity
// rate limiter. The sample is not persisted.
var ErrThrottled = errors.New("position sample throttled")

// Appender is the slice of the store the pipeline writes to.
type Appender interface {
	Append(ctx context.Context, sample *domain.PositionSample) error
}

// Pipeline is the position-report write path.
type Pipeline struct {
	store   Appender
	cache   *cache.PositionCache
	limiter *entityLimiter
	logger  zerolog.Logger
}

// New constructs a Pipeline. cache may be nil; rps <= 0 disables
// throttling.
func New(appender Appender, c *cache.PositionCache, rps float64, burst int) *Pipeline {
	return &Pipeline{
		store:   appender,
		cache:   c,
		limiter: newEntityLimiter(rps, burst),
		logger:  log.With().Str("component", "ingest").Logger(),
	}
}

// Ingest validates, throttles, persists, and caches one position report.
// The sample's ID and CreatedAt are assigned during the append.
func (p *Pipeline) Ingest(ctx context.Context, sample *domain.PositionSample) error {
	if !p.limiter.allow(sample.EntityID, sample.EntityType) {
		metrics.IngestRejected.WithLabelValues("throttled").Inc()
		return fmt.Errorf("%w: entity %s/%s", ErrThrottled, sample.EntityType, sample.EntityID)
	}

	err := p.store.Append(ctx, sample)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrConflict):
		// Duplicate replay of an upstream log entry. Benign; swallow.
		metrics.IngestRejected.WithLabelValues("conflict").Inc()
		p.logger.Debug().
			Str("entity_id", sample.EntityID).
			Str("entity_type", string(sample.EntityType)).
			Time("recorded_at", sample.RecordedAt).
			Msg("duplicate sample ignored")
		return nil
	case errors.Is(err, store.ErrValidation):
		metrics.IngestRejected.WithLabelValues("validation").Inc()
		return err
	default:
		return err
	}

	if p.cache != nil {
		p.cache.Put(*sample)
	}
	return nil
}
