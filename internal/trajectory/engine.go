// Package trajectory builds simplified polylines from raw position
// history. This file provides the Engine, which pages raw samples out of
// the position store, simplifies them, and attaches path-length and
// average-speed summaries. Trajectories are derived data: never
// persisted, recomputed per request, optionally memoized briefly.
package trajectory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/freightoptimization/tracking/internal/cache"
	"github.com/freightoptimization/tracking/internal/domain"
	"github.com/freightoptimization/tracking/internal/geo"
)

// DefaultTolerance is the simplification tolerance, in degrees, applied
// when a caller passes tolerance <= 0. Roughly 11 meters of latitude.
const DefaultTolerance = 0.0001

// queryBatchSize bounds each store page while assembling the raw range.
const queryBatchSize = 1000

// SampleRange is the slice of the position store the engine reads.
type SampleRange interface {
	QueryRange(ctx context.Context, entityID string, entityType domain.EntityType, start, end time.Time, limit, offset int) ([]domain.PositionSample, error)
}

// Engine builds trajectories from stored position history.
type Engine struct {
	store SampleRange
	cache *cache.TrajectoryCache
}

// NewEngine constructs an Engine. cache may be nil to disable memoization.
func NewEngine(store SampleRange, c *cache.TrajectoryCache) *Engine {
	return &Engine{store: store, cache: c}
}

// BuildTrajectory fetches the entity's raw positions in [start, end) and
// returns the simplified trajectory. An entity with no positions in range
// yields an empty trajectory, not an error; an unknown entity propagates
// the store's not-found error. First and last raw points survive
// simplification exactly.
func (e *Engine) BuildTrajectory(ctx context.Context, entityID string, entityType domain.EntityType, start, end time.Time, tolerance float64) (domain.Trajectory, error) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	key := cacheKey(entityID, entityType, start, end, tolerance)
	if e.cache != nil {
		if hit := e.cache.Get(key); hit != nil {
			return *hit, nil
		}
	}

	raw, err := e.fetchAll(ctx, entityID, entityType, start, end)
	if err != nil {
		return domain.Trajectory{}, err
	}

	points := make([]domain.TrajectoryPoint, len(raw))
	for i, s := range raw {
		points[i] = domain.TrajectoryPoint{
			Latitude:   s.Latitude,
			Longitude:  s.Longitude,
			SpeedKPH:   s.SpeedKPH,
			RecordedAt: s.RecordedAt,
		}
	}

	t := domain.Trajectory{
		EntityID:   entityID,
		EntityType: entityType,
		Start:      start,
		End:        end,
		Tolerance:  tolerance,
		Points:     Simplify(points, tolerance),
		RawCount:   len(points),
	}
	t.PathKM = pathLengthKM(points)
	t.AvgSpeedKPH = averageSpeedKPH(points, t.PathKM)

	if e.cache != nil {
		e.cache.Put(key, t)
	}
	return t, nil
}

// fetchAll pages the raw range out of the store in recorded_at order.
func (e *Engine) fetchAll(ctx context.Context, entityID string, entityType domain.EntityType, start, end time.Time) ([]domain.PositionSample, error) {
	var all []domain.PositionSample
	for offset := 0; ; offset += queryBatchSize {
		page, err := e.store.QueryRange(ctx, entityID, entityType, start, end, queryBatchSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < queryBatchSize {
			return all, nil
		}
	}
}

// pathLengthKM sums great-circle distances along the raw polyline.
// Computed from the raw points so that simplification does not shorten
// the reported path.
func pathLengthKM(points []domain.TrajectoryPoint) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += geo.HaversineKM(
			geo.Point{Latitude: points[i-1].Latitude, Longitude: points[i-1].Longitude},
			geo.Point{Latitude: points[i].Latitude, Longitude: points[i].Longitude},
		)
	}
	return total
}

// averageSpeedKPH derives average speed over the window from path length
// and elapsed time, falling back to 0 for degenerate windows.
func averageSpeedKPH(points []domain.TrajectoryPoint, pathKM float64) float64 {
	if len(points) < 2 {
		return 0
	}
	elapsed := points[len(points)-1].RecordedAt.Sub(points[0].RecordedAt)
	if elapsed <= 0 {
		return 0
	}
	return pathKM / elapsed.Hours()
}

func cacheKey(entityID string, entityType domain.EntityType, start, end time.Time, tolerance float64) string {
	return fmt.Sprintf("%s|%s|%d|%d|%s",
		entityType, entityID,
		start.UnixNano(), end.UnixNano(),
		strconv.FormatFloat(tolerance, 'g', -1, 64),
	)
}
