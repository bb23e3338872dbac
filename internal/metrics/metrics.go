// Package metrics exposes Prometheus instrumentation for the tracking
// core. Collectors are registered once at package init and shared across
// layers; label sets are kept small and bounded (source, cache name,
// store operation) so cardinality stays dashboard-friendly. All
// collectors are safe for concurrent use.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SamplesAppended counts successfully persisted position samples by
	// reporting source (MOBILE_APP, ELD, ...).
	SamplesAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_samples_appended_total",
			Help: "Total number of position samples persisted.",
		},
		[]string{"source"},
	)

	// IngestRejected counts samples rejected on the write path by reason
	// (validation, conflict, throttled).
	IngestRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_ingest_rejected_total",
			Help: "Total number of position samples rejected at ingestion.",
		},
		[]string{"reason"},
	)

	// CacheHits / CacheMisses count lookups per cache ("position",
	// "trajectory"). Expired entries count as misses.
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_cache_hits_total",
			Help: "Total number of cache hits.",
		},
		[]string{"cache"},
	)
	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_cache_misses_total",
			Help: "Total number of cache misses (absent or expired).",
		},
		[]string{"cache"},
	)

	// HubState gauges the subscription hub connection state as an enum:
	// 0 disconnected, 1 connecting, 2 connected, 3 failed.
	HubState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracking_hub_connection_state",
			Help: "Subscription hub state (0=disconnected 1=connecting 2=connected 3=failed).",
		},
	)

	// HubReconnects counts completed reconnection attempts, successful or not.
	HubReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_hub_reconnects_total",
			Help: "Total number of hub connection attempts after the first.",
		},
	)

	// ActiveSubscriptions gauges distinct entity keys with at least one
	// registered listener.
	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracking_active_subscriptions",
			Help: "Number of entity keys with at least one listener.",
		},
	)

	// DispatchSeconds records time spent fanning one push event out to the
	// listeners registered for its key.
	DispatchSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracking_push_dispatch_seconds",
			Help:    "Duration of per-event listener fan-out in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 100µs .. ~1.6s
		},
	)

	// StoreQuerySeconds records store read latency by operation.
	StoreQuerySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracking_store_query_seconds",
			Help:    "Duration of position store reads in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// PartitionsPruned counts dropped history partitions.
	PartitionsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_partitions_pruned_total",
			Help: "Total number of position history partitions dropped.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SamplesAppended, IngestRejected,
		CacheHits, CacheMisses,
		HubState, HubReconnects, ActiveSubscriptions, DispatchSeconds,
		StoreQuerySeconds, PartitionsPruned,
	)
}

// ObserveStoreQuery starts a latency observation for a store operation and
// returns the function that records it.
//
// Usage:
//
//	timer := metrics.ObserveStoreQuery("query_range")
//	defer timer()
func ObserveStoreQuery(op string) func() {
	start := time.Now()
	return func() {
		StoreQuerySeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
