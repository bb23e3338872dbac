// Package tracking exposes the public surface of the position-tracking
// core: entity-centric queries (current position, history, trajectory,
// ETA, subscriptions) and the load-centric composition that combines them.
//
// The facade is a coordinator, not an algorithm: it sequences the store,
// cache, engines, and hub, and tolerates partial failure on the read path.
// A failed sub-computation in the load composition yields an absent field
// instead of failing the whole call.
package tracking

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/freightoptimization/tracking/internal/cache"
	"github.com/freightoptimization/tracking/internal/domain"
	"github.com/freightoptimization/tracking/internal/eta"
	"github.com/freightoptimization/tracking/internal/hub"
)

// defaultTrajectoryWindow bounds the load trajectory lookback when the
// load has no pickup window to anchor on.
const defaultTrajectoryWindow = 12 * time.Hour

// LoadService resolves load details and assignments. The tracking core
// only reads load state; it never owns or mutates it.
type LoadService interface {
	GetLoadByID(ctx context.Context, loadID string) (*domain.LoadDetails, error)
}

// PositionReader is the slice of the store the facade reads directly.
type PositionReader interface {
	Latest(ctx context.Context, entityID string, entityType domain.EntityType) (*domain.PositionSample, error)
	QueryRange(ctx context.Context, entityID string, entityType domain.EntityType, start, end time.Time, limit, offset int) ([]domain.PositionSample, error)
}

// TrajectoryBuilder builds simplified trajectories.
type TrajectoryBuilder interface {
	BuildTrajectory(ctx context.Context, entityID string, entityType domain.EntityType, start, end time.Time, tolerance float64) (domain.Trajectory, error)
}

// Estimator computes arrival estimates.
type Estimator interface {
	Estimate(ctx context.Context, entityID string, entityType domain.EntityType, destLat, destLon float64, opts eta.Options) (*domain.ETA, error)
	RemainingDistance(ctx context.Context, entityID string, entityType domain.EntityType, destLat, destLon float64) (float64, error)
}

// Subscriber multiplexes push subscriptions.
type Subscriber interface {
	Subscribe(entityID string, entityType domain.EntityType, onUpdate hub.UpdateFunc, onError hub.ErrorFunc) hub.UnsubscribeFunc
	SubscribeLoadStatus(fn hub.LoadStatusFunc) hub.UnsubscribeFunc
}

// LoadTracking is the comprehensive tracking view for one load. Fields
// are independently nullable: a failed sub-computation leaves its field
// nil while the rest of the response is still populated.
type LoadTracking struct {
	LoadID     string                 `json:"load_id"`
	Status     string                 `json:"status"`
	VehicleID  string                 `json:"vehicle_id,omitempty"`
	DriverID   string                 `json:"driver_id,omitempty"`
	Position   *domain.PositionSample `json:"position,omitempty"`
	ETA        *domain.ETA            `json:"eta,omitempty"`
	Trajectory *domain.Trajectory     `json:"trajectory,omitempty"`
}

// Facade composes the tracking core for callers.
type Facade struct {
	store        PositionReader
	cache        *cache.PositionCache
	trajectories TrajectoryBuilder
	estimator    Estimator
	hub          Subscriber
	loads        LoadService

	tracer trace.Tracer
	logger zerolog.Logger
}

// New constructs a Facade. cache, hub, and loads may be nil when a caller
// only needs the remaining operations.
func New(store PositionReader, c *cache.PositionCache, trajectories TrajectoryBuilder, estimator Estimator, h Subscriber, loads LoadService) *Facade {
	return &Facade{
		store:        store,
		cache:        c,
		trajectories: trajectories,
		estimator:    estimator,
		hub:          h,
		loads:        loads,
		tracer:       otel.Tracer("tracking"),
		logger:       log.With().Str("component", "tracking_facade").Logger(),
	}
}

// CurrentPosition returns the entity's most recent position, cache-first
// with a store fallback that refills the cache. Returns nil when the
// entity has no recorded positions.
func (f *Facade) CurrentPosition(ctx context.Context, entityID string, entityType domain.EntityType) (*domain.PositionSample, error) {
	if f.cache != nil {
		if p := f.cache.Get(entityID, entityType); p != nil {
			return p, nil
		}
	}
	p, err := f.store.Latest(ctx, entityID, entityType)
	if err != nil {
		return nil, err
	}
	if p != nil && f.cache != nil {
		f.cache.Put(*p)
	}
	return p, nil
}

// History returns the entity's raw samples in [start, end) ascending.
func (f *Facade) History(ctx context.Context, entityID string, entityType domain.EntityType, start, end time.Time, limit, offset int) ([]domain.PositionSample, error) {
	return f.store.QueryRange(ctx, entityID, entityType, start, end, limit, offset)
}

// Trajectory builds the entity's simplified trajectory over [start, end).
func (f *Facade) Trajectory(ctx context.Context, entityID string, entityType domain.EntityType, start, end time.Time, tolerance float64) (domain.Trajectory, error) {
	return f.trajectories.BuildTrajectory(ctx, entityID, entityType, start, end, tolerance)
}

// EstimateArrival estimates when the entity reaches the destination.
func (f *Facade) EstimateArrival(ctx context.Context, entityID string, entityType domain.EntityType, destLat, destLon float64, opts eta.Options) (*domain.ETA, error) {
	return f.estimator.Estimate(ctx, entityID, entityType, destLat, destLon, opts)
}

// RemainingDistance returns the entity's remaining distance to the
// destination in kilometers.
func (f *Facade) RemainingDistance(ctx context.Context, entityID string, entityType domain.EntityType, destLat, destLon float64) (float64, error) {
	return f.estimator.RemainingDistance(ctx, entityID, entityType, destLat, destLon)
}

// Subscribe registers a live-update listener for the entity.
func (f *Facade) Subscribe(entityID string, entityType domain.EntityType, onUpdate hub.UpdateFunc, onError hub.ErrorFunc) hub.UnsubscribeFunc {
	return f.hub.Subscribe(entityID, entityType, onUpdate, onError)
}

// SubscribeLoadStatus registers a listener for load status push events.
func (f *Facade) SubscribeLoadStatus(fn hub.LoadStatusFunc) hub.UnsubscribeFunc {
	return f.hub.SubscribeLoadStatus(fn)
}

// TrackLoad assembles the comprehensive tracking view for a load: active
// assignment -> vehicle -> current position, ETA to the delivery stop,
// and trajectory since pickup. Sub-computations run concurrently; each
// failure is logged and leaves its field nil rather than failing the
// call. Only a load-resolution failure is returned as an error.
func (f *Facade) TrackLoad(ctx context.Context, loadID string) (*LoadTracking, error) {
	ctx, span := f.tracer.Start(ctx, "TrackLoad", trace.WithAttributes(attribute.String("load_id", loadID)))
	defer span.End()

	load, err := f.loads.GetLoadByID(ctx, loadID)
	if err != nil {
		return nil, err
	}

	out := &LoadTracking{LoadID: load.ID, Status: load.Status}
	assignment := load.ActiveAssignment()
	if assignment == nil {
		f.logger.Debug().Str("load_id", loadID).Msg("load has no active assignment")
		return out, nil
	}
	out.VehicleID = assignment.VehicleID
	out.DriverID = assignment.DriverID

	vehicleID := assignment.VehicleID
	trajStart := f.trajectoryStart(load)
	now := time.Now().UTC()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, perr := f.CurrentPosition(gctx, vehicleID, domain.EntityTypeVehicle)
		if perr != nil {
			f.logger.Warn().Err(perr).Str("load_id", loadID).Msg("load position unavailable")
			return nil
		}
		out.Position = p
		return nil
	})
	g.Go(func() error {
		est, eerr := f.estimator.Estimate(gctx, vehicleID, domain.EntityTypeVehicle,
			load.Delivery.Latitude, load.Delivery.Longitude, eta.Options{ConsiderTraffic: true})
		if eerr != nil {
			f.logger.Warn().Err(eerr).Str("load_id", loadID).Msg("load eta unavailable")
			return nil
		}
		out.ETA = est
		return nil
	})
	g.Go(func() error {
		t, terr := f.trajectories.BuildTrajectory(gctx, vehicleID, domain.EntityTypeVehicle, trajStart, now, 0)
		if terr != nil {
			f.logger.Warn().Err(terr).Str("load_id", loadID).Msg("load trajectory unavailable")
			return nil
		}
		out.Trajectory = &t
		return nil
	})
	// Sub-computations never report errors upward; Wait is for completion.
	_ = g.Wait()

	return out, nil
}

// trajectoryStart anchors the load trajectory at the pickup window when
// one exists, otherwise at a fixed lookback.
func (f *Facade) trajectoryStart(load *domain.LoadDetails) time.Time {
	if load.Pickup.Window != nil {
		return load.Pickup.Window.UTC()
	}
	return time.Now().UTC().Add(-defaultTrajectoryWindow)
}
