// Package store implements the persistence layer for position samples,
// backed by GORM. This file provides the Store type: append-only sample
// writes, range reads, and latest-position lookups.
//
// Error semantics:
//   - Malformed samples are rejected with ErrValidation before any write.
//   - Duplicate writes under the (entity_id, recorded_at, source_log_id)
//     uniqueness constraint return ErrConflict; callers swallow it.
//   - Range queries against an entity the system has never seen return
//     ErrNotFound; a known entity with empty history yields an empty slice.
//   - Caller-supplied deadlines that expire map to ErrTimeout.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/freightoptimization/tracking/internal/domain"
	"github.com/freightoptimization/tracking/internal/metrics"
)

// Store persists and queries position samples.
type Store struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	validate *validator.Validate
	now      func() time.Time
}

// New constructs a Store over the given database handle.
func New(db *gorm.DB) *Store {
	return &Store{
		DB:       db,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Append validates and persists a single position sample. The sample's ID
// and CreatedAt are assigned here; RecordedAt must not be later than the
// persistence instant. Duplicate inserts under the uniqueness constraint
// surface as ErrConflict. The tracked-entities registry is upserted in the
// same call so later range queries recognize the entity.
func (s *Store) Append(ctx context.Context, sample *domain.PositionSample) error {
	now := s.now().UTC()
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	sample.CreatedAt = now

	if err := s.validate.Struct(sample); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if sample.RecordedAt.IsZero() {
		return fmt.Errorf("%w: recorded_at is required", ErrValidation)
	}
	if sample.RecordedAt.After(sample.CreatedAt) {
		return fmt.Errorf("%w: recorded_at %s is after created_at %s",
			ErrValidation, sample.RecordedAt.Format(time.RFC3339), sample.CreatedAt.Format(time.RFC3339))
	}

	if err := s.DB.WithContext(ctx).Create(sample).Error; err != nil {
		if isDuplicateErr(err) {
			return fmt.Errorf("%w: entity %s at %s", ErrConflict, sample.EntityID, sample.RecordedAt.Format(time.RFC3339))
		}
		return mapTimeout(err)
	}

	if err := s.registerEntity(ctx, sample.EntityID, sample.EntityType, now); err != nil {
		return mapTimeout(err)
	}

	metrics.SamplesAppended.WithLabelValues(string(sample.Source)).Inc()
	return nil
}

// QueryRange returns the entity's samples with RecordedAt in [start, end),
// ordered ascending. limit <= 0 means no limit. An unknown entity fails
// with ErrNotFound; a known entity with no samples in range returns an
// empty slice.
func (s *Store) QueryRange(ctx context.Context, entityID string, entityType domain.EntityType, start, end time.Time, limit, offset int) ([]domain.PositionSample, error) {
	timer := metrics.ObserveStoreQuery("query_range")
	defer timer()

	if err := s.requireKnown(ctx, entityID, entityType); err != nil {
		return nil, err
	}

	q := s.DB.WithContext(ctx).
		Where("entity_id = ? AND entity_type = ?", entityID, entityType).
		Where("recorded_at >= ? AND recorded_at < ?", start, end).
		Order("recorded_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var out []domain.PositionSample
	if err := q.Find(&out).Error; err != nil {
		return nil, mapTimeout(err)
	}
	return out, nil
}

// Latest returns the most recent sample for the entity, or nil when the
// entity has no recorded positions.
func (s *Store) Latest(ctx context.Context, entityID string, entityType domain.EntityType) (*domain.PositionSample, error) {
	timer := metrics.ObserveStoreQuery("latest")
	defer timer()

	var p domain.PositionSample
	err := s.DB.WithContext(ctx).
		Where("entity_id = ? AND entity_type = ?", entityID, entityType).
		Order("recorded_at desc").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapTimeout(err)
	}
	return &p, nil
}

// Recent returns up to n of the entity's most recent samples in ascending
// time order. Used by the ETA engine for trailing-speed averaging.
func (s *Store) Recent(ctx context.Context, entityID string, entityType domain.EntityType, n int) ([]domain.PositionSample, error) {
	timer := metrics.ObserveStoreQuery("recent")
	defer timer()

	if n <= 0 {
		return nil, nil
	}
	var out []domain.PositionSample
	err := s.DB.WithContext(ctx).
		Where("entity_id = ? AND entity_type = ?", entityID, entityType).
		Order("recorded_at desc").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, mapTimeout(err)
	}
	// Reverse into ascending order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// registerEntity upserts the tracked-entities registry row for the entity,
// bumping last_seen_at on conflict.
func (s *Store) registerEntity(ctx context.Context, entityID string, entityType domain.EntityType, seenAt time.Time) error {
	rec := domain.TrackedEntity{
		EntityID:    entityID,
		EntityType:  entityType,
		FirstSeenAt: seenAt,
		LastSeenAt:  seenAt,
	}
	return s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_id"}, {Name: "entity_type"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"last_seen_at": seenAt}),
		}).
		Create(&rec).Error
}

// requireKnown fails with ErrNotFound when the entity has no registry row.
func (s *Store) requireKnown(ctx context.Context, entityID string, entityType domain.EntityType) error {
	var count int64
	err := s.DB.WithContext(ctx).
		Model(&domain.TrackedEntity{}).
		Where("entity_id = ? AND entity_type = ?", entityID, entityType).
		Count(&count).Error
	if err != nil {
		return mapTimeout(err)
	}
	if count == 0 {
		return fmt.Errorf("entity %s/%s: %w", entityType, entityID, ErrNotFound)
	}
	return nil
}

// isDuplicateErr reports whether err is a unique-constraint violation.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value")
}

// mapTimeout converts deadline expiry into ErrTimeout, leaving other
// errors untouched.
func mapTimeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
