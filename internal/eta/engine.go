// Package eta estimates arrival time and remaining distance for a tracked
// entity heading to a destination.
//
// Distance comes from a routing collaborator when one is configured, with
// great-circle (haversine) distance as the fallback; time is distance over
// an effective speed derived from the entity's trailing samples, clamped
// to a floor so a stationary entity never produces a division blow-up.
// Traffic, weather, and hours-of-service adjustments are opt-in
// multipliers on the travel time.
package eta

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/freightoptimization/tracking/internal/cache"
	"github.com/freightoptimization/tracking/internal/domain"
	"github.com/freightoptimization/tracking/internal/geo"
)

// ErrPositionUnavailable is returned when no current position exists to
// compute an estimate from. This is always reported to the caller, never
// silently defaulted to a guess.
var ErrPositionUnavailable = errors.New("no current position available")

// Defaults for estimate tuning.
const (
	// MinSpeedKPH floors the effective speed so stationary entities still
	// yield a finite estimate.
	MinSpeedKPH = 5.0

	// DefaultTrailingSamples is how many recent samples feed the
	// trailing-average speed when the caller does not override it.
	DefaultTrailingSamples = 10

	// Travel-time multipliers applied per enabled option.
	trafficFactor = 1.2
	weatherFactor = 1.15

	// Hours-of-service: a 30 minute break per 8 hours of driving.
	hosDrivePeriod = 8 * time.Hour
	hosBreak       = 30 * time.Minute
)

// RouteEstimate is the routing collaborator's answer for one origin/
// destination pair.
type RouteEstimate struct {
	DistanceKM float64
	Duration   time.Duration
}

// RoutingService is the optional route-aware distance collaborator. When
// it errors or is absent the engine falls back to haversine distance.
type RoutingService interface {
	RouteDistance(ctx context.Context, origin, dest geo.Point) (RouteEstimate, error)
}

// PositionSource is the slice of the store the engine reads.
type PositionSource interface {
	Latest(ctx context.Context, entityID string, entityType domain.EntityType) (*domain.PositionSample, error)
	Recent(ctx context.Context, entityID string, entityType domain.EntityType, n int) ([]domain.PositionSample, error)
}

// Options tune a single estimate.
type Options struct {
	// ConsiderTraffic / ConsiderWeather / ConsiderHOS enable the
	// corresponding travel-time adjustments.
	ConsiderTraffic bool
	ConsiderWeather bool
	ConsiderHOS     bool

	// TrailingSamples overrides how many recent samples feed the speed
	// average; 0 means DefaultTrailingSamples.
	TrailingSamples int
}

// Engine computes ETAs from cached or stored positions.
type Engine struct {
	store   PositionSource
	cache   *cache.PositionCache
	routing RoutingService

	minSpeedKPH float64
	now         func() time.Time
}

// NewEngine constructs an Engine. cache and routing may be nil.
func NewEngine(store PositionSource, c *cache.PositionCache, routing RoutingService) *Engine {
	return &Engine{
		store:       store,
		cache:       c,
		routing:     routing,
		minSpeedKPH: MinSpeedKPH,
		now:         time.Now,
	}
}

// Estimate computes the ETA for the entity to reach (destLat, destLon).
// The current position is resolved cache-first, then from the store; when
// neither has one the call fails with ErrPositionUnavailable.
func (e *Engine) Estimate(ctx context.Context, entityID string, entityType domain.EntityType, destLat, destLon float64, opts Options) (*domain.ETA, error) {
	current, err := e.currentPosition(ctx, entityID, entityType)
	if err != nil {
		return nil, err
	}

	origin := geo.Point{Latitude: current.Latitude, Longitude: current.Longitude}
	dest := geo.Point{Latitude: destLat, Longitude: destLon}

	distanceKM := geo.HaversineKM(origin, dest)
	method := domain.ETAMethodHaversine
	var routedDuration time.Duration

	if e.routing != nil {
		route, rerr := e.routing.RouteDistance(ctx, origin, dest)
		if rerr != nil {
			log.Warn().Err(rerr).
				Str("entity_id", entityID).
				Str("entity_type", string(entityType)).
				Msg("routing service failed, falling back to haversine")
		} else {
			distanceKM = route.DistanceKM
			routedDuration = route.Duration
			method = domain.ETAMethodRouting
		}
	}

	speed := e.effectiveSpeed(ctx, entityID, entityType, current, opts)

	var duration time.Duration
	if routedDuration > 0 {
		duration = routedDuration
	} else {
		duration = time.Duration(distanceKM / speed * float64(time.Hour))
	}
	duration = adjustDuration(duration, opts)

	now := e.now().UTC()
	return &domain.ETA{
		EntityID:          entityID,
		EntityType:        entityType,
		DestLatitude:      destLat,
		DestLongitude:     destLon,
		DistanceKM:        distanceKM,
		Duration:          duration,
		ArrivalAt:         now.Add(duration),
		EffectiveSpeedKPH: speed,
		Method:            method,
		ComputedAt:        now,
	}, nil
}

// RemainingDistance resolves the entity's current position and returns the
// distance to the destination in kilometers, using the same cache-first
// resolution and routing fallback as Estimate.
func (e *Engine) RemainingDistance(ctx context.Context, entityID string, entityType domain.EntityType, destLat, destLon float64) (float64, error) {
	current, err := e.currentPosition(ctx, entityID, entityType)
	if err != nil {
		return 0, err
	}
	origin := geo.Point{Latitude: current.Latitude, Longitude: current.Longitude}
	dest := geo.Point{Latitude: destLat, Longitude: destLon}

	if e.routing != nil {
		if route, rerr := e.routing.RouteDistance(ctx, origin, dest); rerr == nil {
			return route.DistanceKM, nil
		}
	}
	return geo.HaversineKM(origin, dest), nil
}

// currentPosition resolves cache first, then the store, caching a store
// hit for subsequent reads.
func (e *Engine) currentPosition(ctx context.Context, entityID string, entityType domain.EntityType) (*domain.PositionSample, error) {
	if e.cache != nil {
		if p := e.cache.Get(entityID, entityType); p != nil {
			return p, nil
		}
	}
	p, err := e.store.Latest(ctx, entityID, entityType)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPositionUnavailable
	}
	if e.cache != nil {
		e.cache.Put(*p)
	}
	return p, nil
}

// effectiveSpeed averages speed over the trailing samples, falls back to
// the current sample's own speed, and clamps to the configured floor.
func (e *Engine) effectiveSpeed(ctx context.Context, entityID string, entityType domain.EntityType, current *domain.PositionSample, opts Options) float64 {
	n := opts.TrailingSamples
	if n <= 0 {
		n = DefaultTrailingSamples
	}

	speed := 0.0
	if recent, err := e.store.Recent(ctx, entityID, entityType, n); err == nil {
		sum, count := 0.0, 0
		for _, s := range recent {
			if s.SpeedKPH != nil {
				sum += *s.SpeedKPH
				count++
			}
		}
		if count > 0 {
			speed = sum / float64(count)
		}
	} else {
		log.Warn().Err(err).Str("entity_id", entityID).Msg("trailing speed lookup failed")
	}

	if speed <= 0 && current.SpeedKPH != nil {
		speed = *current.SpeedKPH
	}
	if speed < e.minSpeedKPH {
		speed = e.minSpeedKPH
	}
	return speed
}

// adjustDuration applies the opt-in traffic/weather/HOS modifiers.
func adjustDuration(d time.Duration, opts Options) time.Duration {
	if opts.ConsiderTraffic {
		d = time.Duration(float64(d) * trafficFactor)
	}
	if opts.ConsiderWeather {
		d = time.Duration(float64(d) * weatherFactor)
	}
	if opts.ConsiderHOS {
		breaks := int(d / hosDrivePeriod)
		d += time.Duration(breaks) * hosBreak
	}
	return d
}
