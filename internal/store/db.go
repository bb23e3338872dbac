// Package store implements the persistence layer for position samples,
// backed by GORM. This file contains database bootstrapping helpers for
// PostgreSQL (production, partitioned) and SQLite (pure Go driver, used
// for local development and tests) plus schema migrations.
package store

import (
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/freightoptimization/tracking/internal/domain"
)

// OpenPostgres opens a PostgreSQL database and configures the pool.
// Production deployments use this driver; partition DDL in partitions.go
// is PostgreSQL-only.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
// Partitioning is not available on this driver; the partition registry is
// still maintained so maintenance logic stays testable.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// AutoMigrate creates the non-partitioned schema. Used on SQLite and in
// tests; PostgreSQL deployments create position_samples as a partitioned
// parent via MigratePartitioned instead.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.TrackedEntity{},
		&domain.PositionSample{},
		&PartitionRecord{},
	)
}

// MigratePartitioned creates the PostgreSQL partitioned parent table for
// position samples with the generated geography column and its indexes,
// plus the supporting registry tables. Partitions themselves are created
// by Store.EnsureUpcomingPartition.
func MigratePartitioned(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.TrackedEntity{}, &PartitionRecord{}); err != nil {
		return err
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS position_samples (
			id char(36) NOT NULL,
			entity_id varchar(64) NOT NULL,
			entity_type varchar(16) NOT NULL,
			latitude decimal(9,6) NOT NULL,
			longitude decimal(9,6) NOT NULL,
			heading decimal(5,2),
			speed_kph decimal(6,2),
			accuracy_m decimal(8,2),
			source varchar(16) NOT NULL,
			source_log_id varchar(128),
			recorded_at timestamptz NOT NULL,
			created_at timestamptz NOT NULL,
			geog geography(Point,4326) GENERATED ALWAYS AS
				((ST_SetSRID(ST_MakePoint(longitude, latitude), 4326))::geography) STORED,
			PRIMARY KEY (id, recorded_at)
		) PARTITION BY RANGE (recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_entity_recorded
			ON position_samples (entity_id, entity_type, recorded_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_position_samples_geog
			ON position_samples USING GIST (geog)`,
		// Uniqueness for replayed upstream logs. Partial: samples without a
		// source log id may be inserted repeatedly (duplicates allowed).
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_entity_recorded_source_log
			ON position_samples (entity_id, recorded_at, source_log_id)
			WHERE source_log_id IS NOT NULL`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
