// Package domain defines the core data model for the position-tracking
// subsystem: position samples, tracked-entity identity, derived trajectory
// and ETA values, and the load views consumed from the load service.
// Persistence-backed types are mapped with GORM and form the data layer
// shared by the store, cache, hub, and facade packages.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// EntityType identifies the kind of object a position belongs to.
type EntityType string

// Supported entity types.
const (
	EntityTypeDriver   EntityType = "DRIVER"
	EntityTypeVehicle  EntityType = "VEHICLE"
	EntityTypeLoad     EntityType = "LOAD"
	EntityTypeSmartHub EntityType = "SMART_HUB"
)

// entityTypes is ordered longest-first so that EntityKey parsing can match
// SMART_HUB before it would be misread as SMART + "_HUB..." remainder.
var entityTypes = []EntityType{
	EntityTypeSmartHub,
	EntityTypeVehicle,
	EntityTypeDriver,
	EntityTypeLoad,
}

// Valid reports whether t is one of the supported entity types.
func (t EntityType) Valid() bool {
	for _, known := range entityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// PositionSource identifies where a position report originated.
type PositionSource string

// Supported position sources.
const (
	SourceMobileApp PositionSource = "MOBILE_APP"
	SourceELD       PositionSource = "ELD"
	SourceGPSDevice PositionSource = "GPS_DEVICE"
	SourceManual    PositionSource = "MANUAL"
	SourceSystem    PositionSource = "SYSTEM"
)

// EntityKey composes the wire key used by the push transport for a tracked
// entity, e.g. "VEHICLE_v1" or "SMART_HUB_h42".
func EntityKey(entityType EntityType, entityID string) string {
	return string(entityType) + "_" + entityID
}

// ParseEntityKey splits a wire key back into its entity type and ID.
// Types are matched longest-first because SMART_HUB itself contains the
// separator. Returns an error for unknown types or an empty ID.
func ParseEntityKey(key string) (EntityType, string, error) {
	for _, t := range entityTypes {
		prefix := string(t) + "_"
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return t, key[len(prefix):], nil
		}
	}
	return "", "", fmt.Errorf("malformed entity key %q", key)
}

// PositionSample is a single immutable position report for an entity.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - EntityID / EntityType: the tracked entity; indexed together with
//     RecordedAt (descending) for "latest position" and range scans.
//   - Latitude / Longitude: decimal degrees, bounded per WGS84.
//   - Heading: optional course over ground in [0, 360) degrees.
//   - SpeedKPH / AccuracyM: optional speed (km/h) and fix accuracy (meters).
//   - Source: reporting channel (mobile app, ELD, GPS device, manual, system).
//   - SourceLogID: optional upstream log identifier; when present it backs
//     the (entity_id, recorded_at, source_log_id) uniqueness constraint.
//   - RecordedAt: instant the position was observed (partition key).
//   - CreatedAt: instant the row was persisted; RecordedAt <= CreatedAt.
type PositionSample struct {
	ID          string         `json:"id"          gorm:"type:char(36);primaryKey"`
	EntityID    string         `json:"entity_id"   gorm:"type:varchar(64);not null;index:idx_entity_recorded,priority:1;uniqueIndex:ux_entity_recorded_log,priority:1" validate:"required"`
	EntityType  EntityType     `json:"entity_type" gorm:"type:varchar(16);not null;index:idx_entity_recorded,priority:2" validate:"required,oneof=DRIVER VEHICLE LOAD SMART_HUB"`
	Latitude    float64        `json:"latitude"    gorm:"type:decimal(9,6);not null" validate:"gte=-90,lte=90"`
	Longitude   float64        `json:"longitude"   gorm:"type:decimal(9,6);not null" validate:"gte=-180,lte=180"`
	Heading     *float64       `json:"heading,omitempty"  gorm:"type:decimal(5,2)" validate:"omitempty,gte=0,lt=360"`
	SpeedKPH    *float64       `json:"speed_kph,omitempty" gorm:"type:decimal(6,2)" validate:"omitempty,gte=0"`
	AccuracyM   *float64       `json:"accuracy_m,omitempty" gorm:"type:decimal(8,2)" validate:"omitempty,gte=0"`
	Source      PositionSource `json:"source"      gorm:"type:varchar(16);not null" validate:"required,oneof=MOBILE_APP ELD GPS_DEVICE MANUAL SYSTEM"`
	SourceLogID *string        `json:"source_log_id,omitempty" gorm:"type:varchar(128);uniqueIndex:ux_entity_recorded_log,priority:3"`
	RecordedAt  time.Time      `json:"recorded_at" gorm:"not null;index:idx_entity_recorded,priority:3,sort:desc;uniqueIndex:ux_entity_recorded_log,priority:2"`
	CreatedAt   time.Time      `json:"created_at"  gorm:"not null"`
}

// TableName returns the database table name for PositionSample.
func (PositionSample) TableName() string { return "position_samples" }

// Key returns the push-transport wire key for the sample's entity.
func (p PositionSample) Key() string { return EntityKey(p.EntityType, p.EntityID) }

// TrackedEntity registers an entity as known to the tracking system.
// Range queries against an entity with no row here fail with not-found,
// whereas a registered entity with no samples yields an empty result.
type TrackedEntity struct {
	EntityID    string     `json:"entity_id"   gorm:"type:varchar(64);primaryKey"`
	EntityType  EntityType `json:"entity_type" gorm:"type:varchar(16);primaryKey"`
	FirstSeenAt time.Time  `json:"first_seen_at" gorm:"not null"`
	LastSeenAt  time.Time  `json:"last_seen_at"  gorm:"not null"`
}

// TableName returns the database table name for TrackedEntity.
func (TrackedEntity) TableName() string { return "tracked_entities" }

// TrajectoryPoint is one vertex of a simplified trajectory polyline.
type TrajectoryPoint struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	SpeedKPH   *float64  `json:"speed_kph,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Trajectory is a derived, time-ascending polyline of an entity's movement
// over a window, after simplification. It is never persisted; it is
// recomputed per request and may be cached briefly.
type Trajectory struct {
	EntityID    string            `json:"entity_id"`
	EntityType  EntityType        `json:"entity_type"`
	Start       time.Time         `json:"start"`
	End         time.Time         `json:"end"`
	Tolerance   float64           `json:"tolerance"`
	Points      []TrajectoryPoint `json:"points"`
	RawCount    int               `json:"raw_count"`
	PathKM      float64           `json:"path_km"`
	AvgSpeedKPH float64           `json:"avg_speed_kph"`
}

// Empty reports whether the trajectory contains no points.
func (t Trajectory) Empty() bool { return len(t.Points) == 0 }

// ETAMethod names the distance source used for an estimate.
type ETAMethod string

// Distance sources for ETA computation.
const (
	ETAMethodHaversine ETAMethod = "haversine"
	ETAMethodRouting   ETAMethod = "routing"
)

// ETA is the result of an arrival estimate for an entity heading to a
// destination point.
type ETA struct {
	EntityID          string        `json:"entity_id"`
	EntityType        EntityType    `json:"entity_type"`
	DestLatitude      float64       `json:"dest_latitude"`
	DestLongitude     float64       `json:"dest_longitude"`
	DistanceKM        float64       `json:"distance_km"`
	Duration          time.Duration `json:"duration"`
	ArrivalAt         time.Time     `json:"arrival_at"`
	EffectiveSpeedKPH float64       `json:"effective_speed_kph"`
	Method            ETAMethod     `json:"method"`
	ComputedAt        time.Time     `json:"computed_at"`
}

// LoadStop is a pickup or delivery location on a load.
type LoadStop struct {
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Window    *time.Time `json:"window,omitempty"`
}

// LoadAssignment links a load to the vehicle/driver pair hauling it.
type LoadAssignment struct {
	VehicleID string `json:"vehicle_id"`
	DriverID  string `json:"driver_id"`
	Active    bool   `json:"active"`
}

// LoadDetails is the read-only view of a load resolved from the load
// service. The tracking core never mutates load state.
type LoadDetails struct {
	ID          string           `json:"id"`
	Status      string           `json:"status"`
	Pickup      LoadStop         `json:"pickup"`
	Delivery    LoadStop         `json:"delivery"`
	Assignments []LoadAssignment `json:"assignments"`
}

// ActiveAssignment returns the active assignment, or nil when none exists.
func (l *LoadDetails) ActiveAssignment() *LoadAssignment {
	for i := range l.Assignments {
		if l.Assignments[i].Active {
			return &l.Assignments[i]
		}
	}
	return nil
}
