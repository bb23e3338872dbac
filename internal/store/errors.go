// Package store implements the persistence layer for position samples,
// backed by GORM. This file centralizes the store-level error values so
// they can be consistently returned by store methods and checked by
// callers with errors.Is.
package store

import (
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the requested entity is unknown to the
	// tracking system. An entity with a registry row but no samples in the
	// queried window is NOT not-found; it yields an empty result instead.
	// It aliases gorm.ErrRecordNotFound for convenience.
	ErrNotFound = gorm.ErrRecordNotFound

	// ErrValidation indicates a malformed sample rejected at ingestion.
	// Nothing is persisted when this is returned.
	ErrValidation = errors.New("invalid position sample")

	// ErrConflict indicates a duplicate write under the optional
	// (entity_id, recorded_at, source_log_id) uniqueness constraint.
	// Callers treat it as a benign no-op.
	ErrConflict = errors.New("duplicate position sample")

	// ErrTimeout indicates the caller-supplied deadline expired before the
	// store call completed. Distinct from ErrNotFound.
	ErrTimeout = errors.New("store deadline exceeded")
)
