// Package store implements the persistence layer for position samples,
// backed by GORM. This file provides calendar-month partition maintenance
// for the position_samples table.
//
// Position history is horizontally partitioned by month on recorded_at.
// Each partition covers [monthStart, nextMonthStart); ranges are contiguous
// and never overlap. Maintenance is explicitly invokable and idempotent:
// the daily scheduler (or the trackerd partitions subcommands) is just a
// caller, not the only path to correctness.
//
// The partition registry (position_partitions) mirrors what exists
// physically. On PostgreSQL each registry change is paired with the
// corresponding DDL; on SQLite, which cannot partition, only the registry
// is maintained so the maintenance logic stays exercisable in tests.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/freightoptimization/tracking/internal/metrics"
)

// PartitionRecord is one row of the partition registry.
type PartitionRecord struct {
	Name      string    `json:"name"       gorm:"type:varchar(64);primaryKey"`
	StartsAt  time.Time `json:"starts_at"  gorm:"not null;uniqueIndex"`
	EndsAt    time.Time `json:"ends_at"    gorm:"not null"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
}

// TableName returns the database table name for PartitionRecord.
func (PartitionRecord) TableName() string { return "position_partitions" }

// MonthStart truncates t to the first instant of its calendar month, UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PartitionName derives the physical partition name for the month
// containing start, e.g. "position_samples_y2026m08".
func PartitionName(start time.Time) string {
	start = MonthStart(start)
	return fmt.Sprintf("position_samples_y%04dm%02d", start.Year(), int(start.Month()))
}

// EnsureUpcomingPartition creates the partitions for the current month and
// the next month when absent. Creating both keeps the first run of a fresh
// deployment writable immediately while still staying one month ahead.
// Idempotent; safe to call repeatedly (e.g. once daily).
func (s *Store) EnsureUpcomingPartition(ctx context.Context, now time.Time) error {
	current := MonthStart(now)
	for _, start := range []time.Time{current, current.AddDate(0, 1, 0)} {
		if err := s.ensurePartition(ctx, start); err != nil {
			return err
		}
	}
	return nil
}

// PruneOldPartitions drops every partition whose range lies entirely before
// the retention window and returns the number dropped. A partition is
// prunable when its end is at or before monthStart(now) minus
// retentionMonths. Idempotent.
func (s *Store) PruneOldPartitions(ctx context.Context, now time.Time, retentionMonths int) (int, error) {
	if retentionMonths < 1 {
		return 0, fmt.Errorf("%w: retention must be at least one month", ErrValidation)
	}
	cutoff := MonthStart(now).AddDate(0, -retentionMonths, 0)

	var stale []PartitionRecord
	err := s.DB.WithContext(ctx).
		Where("ends_at <= ?", cutoff).
		Order("starts_at asc").
		Find(&stale).Error
	if err != nil {
		return 0, mapTimeout(err)
	}

	dropped := 0
	for _, p := range stale {
		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if isPostgres(tx) {
				if err := tx.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, p.Name)).Error; err != nil {
					return err
				}
			}
			return tx.Delete(&PartitionRecord{}, "name = ?", p.Name).Error
		})
		if err != nil {
			return dropped, mapTimeout(err)
		}
		dropped++
		metrics.PartitionsPruned.Inc()
		log.Info().Str("partition", p.Name).Time("cutoff", cutoff).Msg("pruned position partition")
	}
	return dropped, nil
}

// Partitions returns the registry ordered by range start.
func (s *Store) Partitions(ctx context.Context) ([]PartitionRecord, error) {
	var out []PartitionRecord
	err := s.DB.WithContext(ctx).Order("starts_at asc").Find(&out).Error
	return out, mapTimeout(err)
}

// HasCoveringPartition reports whether a partition range covers t. Writes
// with recorded_at outside every partition would fail on PostgreSQL, so
// callers can use this to trigger maintenance before a backfill.
func (s *Store) HasCoveringPartition(ctx context.Context, t time.Time) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).
		Model(&PartitionRecord{}).
		Where("starts_at <= ? AND ends_at > ?", t.UTC(), t.UTC()).
		Count(&count).Error
	if err != nil {
		return false, mapTimeout(err)
	}
	return count > 0, nil
}

// ensurePartition creates the partition for the month containing start if
// it does not already exist.
func (s *Store) ensurePartition(ctx context.Context, start time.Time) error {
	start = MonthStart(start)
	end := start.AddDate(0, 1, 0)
	name := PartitionName(start)

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if isPostgres(tx) {
			ddl := fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s PARTITION OF position_samples FOR VALUES FROM ('%s') TO ('%s')`,
				name, start.Format("2006-01-02 15:04:05+00"), end.Format("2006-01-02 15:04:05+00"),
			)
			if err := tx.Exec(ddl).Error; err != nil {
				return mapTimeout(err)
			}
		}
		rec := PartitionRecord{Name: name, StartsAt: start, EndsAt: end, CreatedAt: s.now().UTC()}
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
		if err == nil {
			log.Debug().Str("partition", name).Time("from", start).Time("to", end).Msg("ensured position partition")
		}
		return mapTimeout(err)
	})
}

func isPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}
