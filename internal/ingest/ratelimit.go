// Package ingest implements the write path for position reports. This
// file provides a lightweight, in-memory, token-bucket limiter with
// per-entity buckets and opportunistic garbage collection, so one chatty
// device cannot starve the store.
//
// Notes:
//   - The limiter is process-local. Horizontally scaled ingestion would
//     need a distributed limiter to enforce global rates.
//   - Idle buckets are evicted opportunistically to bound memory.
package ingest

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/freightoptimization/tracking/internal/cache"
	"github.com/freightoptimization/tracking/internal/domain"
)

// bucket holds a single rate limiter and the last time it was seen.
// Used to opportunistically evict idle buckets.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// entityLimiter keys token buckets by tracked entity.
type entityLimiter struct {
	mu      sync.Mutex
	buckets map[cache.Key]*bucket

	rps   rate.Limit
	burst int

	idleTTL time.Duration
	lastGC  time.Time
	now     func() time.Time
}

// newEntityLimiter constructs a limiter allowing rps samples per second
// with the given burst per entity. rps <= 0 disables limiting.
func newEntityLimiter(rps float64, burst int) *entityLimiter {
	if burst < 1 {
		burst = 1
	}
	return &entityLimiter{
		buckets: make(map[cache.Key]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
	}
}

// allow reports whether a sample for the entity may proceed now.
func (l *entityLimiter) allow(entityID string, entityType domain.EntityType) bool {
	if l.rps <= 0 {
		return true
	}

	key := cache.Key{EntityID: entityID, EntityType: entityType}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	// Best-effort cleanup of idle buckets, at most once per idle TTL.
	if now.Sub(l.lastGC) > l.idleTTL {
		for k, v := range l.buckets {
			if now.Sub(v.lastSeen) > l.idleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastGC = now
	}

	return b.limiter.AllowN(now, 1)
}
