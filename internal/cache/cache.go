// Package cache provides the in-memory TTL caches that sit in front of
// the position store: one for "current position" lookups and one for
// recently built trajectories.
//
// Both caches follow the same policy: entries are replaced wholesale on
// every put (last-writer-wins under concurrent pushes, which is accepted
// imprecision), expired entries read as absent, and eviction of an
// expired entry happens lazily on the next put to that key. A background
// sweep is available for memory hygiene but is not required for
// correctness. TTLs are fixed at construction; there is no dynamic TTL
// negotiation.
//
// Each cache is guarded by a single mutex over the whole map. Key
// insert/delete must be atomic with respect to reads, so per-entry
// locking is deliberately avoided.
package cache

import (
	"sync"
	"time"

	"github.com/freightoptimization/tracking/internal/domain"
	"github.com/freightoptimization/tracking/internal/metrics"
)

// Key identifies a tracked entity in the cache.
type Key struct {
	EntityID   string
	EntityType domain.EntityType
}

type posEntry struct {
	position   domain.PositionSample
	insertedAt time.Time
}

// PositionCache maps entities to their most recent known position with a
// fixed TTL.
type PositionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[Key]posEntry
	now     func() time.Time
}

// NewPositionCache constructs a cache whose entries live for ttl.
func NewPositionCache(ttl time.Duration) *PositionCache {
	return &PositionCache{
		ttl:     ttl,
		entries: make(map[Key]posEntry),
		now:     time.Now,
	}
}

// Get returns the cached position for the entity, or nil when the entry is
// absent or expired. An entry inserted at T is valid strictly before T+TTL.
func (c *PositionCache) Get(entityID string, entityType domain.EntityType) *domain.PositionSample {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[Key{EntityID: entityID, EntityType: entityType}]
	if !ok || c.expired(e.insertedAt) {
		metrics.CacheMisses.WithLabelValues("position").Inc()
		return nil
	}
	metrics.CacheHits.WithLabelValues("position").Inc()
	p := e.position
	return &p
}

// Put unconditionally overwrites the entity's entry with a fresh
// insertion timestamp. If the previous entry had expired this is also
// where it gets evicted, by replacement.
func (c *PositionCache) Put(position domain.PositionSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := Key{EntityID: position.EntityID, EntityType: position.EntityType}
	c.entries[k] = posEntry{position: position, insertedAt: c.now()}
}

// Invalidate removes the entity's entry, forcing the next read to take a
// store roundtrip. Removing an absent key is a no-op.
func (c *PositionCache) Invalidate(entityID string, entityType domain.EntityType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, Key{EntityID: entityID, EntityType: entityType})
}

// Len returns the number of entries currently held, expired or not.
func (c *PositionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep drops every expired entry and returns how many were removed.
// Purely a memory-hygiene aid; Get already treats expired entries as
// absent.
func (c *PositionCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if c.expired(e.insertedAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *PositionCache) expired(insertedAt time.Time) bool {
	return c.now().Sub(insertedAt) >= c.ttl
}

type trajEntry struct {
	trajectory domain.Trajectory
	insertedAt time.Time
}

// TrajectoryCache memoizes built trajectories for a short window. Keys are
// produced by the trajectory engine from the full request parameters.
type TrajectoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]trajEntry
	now     func() time.Time
}

// NewTrajectoryCache constructs a cache whose entries live for ttl.
func NewTrajectoryCache(ttl time.Duration) *TrajectoryCache {
	return &TrajectoryCache{
		ttl:     ttl,
		entries: make(map[string]trajEntry),
		now:     time.Now,
	}
}

// Get returns the cached trajectory for key, or nil when absent/expired.
func (c *TrajectoryCache) Get(key string) *domain.Trajectory {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.insertedAt) >= c.ttl {
		metrics.CacheMisses.WithLabelValues("trajectory").Inc()
		return nil
	}
	metrics.CacheHits.WithLabelValues("trajectory").Inc()
	t := e.trajectory
	return &t
}

// Put overwrites the entry for key with a fresh insertion timestamp.
func (c *TrajectoryCache) Put(key string, t domain.Trajectory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = trajEntry{trajectory: t, insertedAt: c.now()}
}

// Invalidate removes the entry for key.
func (c *TrajectoryCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
