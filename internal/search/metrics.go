package search

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/chromaseek/pkg/models"
)

// MeterName is the instrumentation scope of search metrics.
const MeterName = "github.com/thebtf/chromaseek/internal/search"

const maxRecentLatencies = 1000

// Metrics tracks search usage. Counters are mirrored to OpenTelemetry
// instruments on the global meter provider.
type Metrics struct {
	startTime       time.Time
	requests        metric.Int64Counter
	fallbacks       metric.Int64Counter
	cacheHitsOtel   metric.Int64Counter
	cacheMissesOtel metric.Int64Counter
	latency         metric.Float64Histogram
	recentLatencies []time.Duration
	latenciesMu     sync.Mutex

	totalQueries  atomic.Int64
	remoteQueries atomic.Int64
	localQueries  atomic.Int64
	fallbackCount atomic.Int64
	failures      atomic.Int64
	invalid       atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	dropped       atomic.Int64
	totalLatency  atomic.Int64 // microseconds
}

// NewMetrics creates a metrics tracker.
func NewMetrics() *Metrics {
	meter := otel.Meter(MeterName)
	m := &Metrics{
		startTime:       time.Now(),
		recentLatencies: make([]time.Duration, 0, maxRecentLatencies),
	}
	// Instrument creation only fails on invalid names; the no-op fallbacks
	// returned alongside the error are still usable.
	m.requests, _ = meter.Int64Counter("chromaseek.search.requests",
		metric.WithDescription("Color searches answered, by source"))
	m.fallbacks, _ = meter.Int64Counter("chromaseek.search.fallbacks",
		metric.WithDescription("Searches answered by the local matcher, by reason"))
	m.cacheHitsOtel, _ = meter.Int64Counter("chromaseek.cache.hits")
	m.cacheMissesOtel, _ = meter.Int64Counter("chromaseek.cache.misses")
	m.latency, _ = meter.Float64Histogram("chromaseek.search.duration",
		metric.WithUnit("ms"))
	return m
}

// RecordSearch records one answered search.
func (m *Metrics) RecordSearch(ctx context.Context, resp *Response, latency time.Duration) {
	m.totalQueries.Add(1)
	m.totalLatency.Add(latency.Microseconds())

	switch resp.Source {
	case models.SourceRemote:
		m.remoteQueries.Add(1)
	case models.SourceLocal:
		m.localQueries.Add(1)
	}
	attrs := metric.WithAttributes(attribute.String("source", string(resp.Source)))
	m.requests.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(latency.Microseconds())/1000, attrs)

	if resp.Fallback != "" {
		m.fallbackCount.Add(1)
		m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", resp.Fallback)))
	}

	m.latenciesMu.Lock()
	m.recentLatencies = append(m.recentLatencies, latency)
	if len(m.recentLatencies) > maxRecentLatencies {
		m.recentLatencies = m.recentLatencies[len(m.recentLatencies)-maxRecentLatencies:]
	}
	m.latenciesMu.Unlock()
}

// RecordFailure records a search that could not be answered.
func (m *Metrics) RecordFailure() { m.failures.Add(1) }

// RecordInvalid records a rejected query.
func (m *Metrics) RecordInvalid() { m.invalid.Add(1) }

// RecordDropped records results dropped during metadata resolution.
func (m *Metrics) RecordDropped(n int) { m.dropped.Add(int64(n)) }

// RecordCacheHit records a search answered from cache.
func (m *Metrics) RecordCacheHit(ctx context.Context) {
	m.cacheHits.Add(1)
	m.cacheHitsOtel.Add(ctx, 1)
}

// RecordCacheMiss records a search that had to be computed.
func (m *Metrics) RecordCacheMiss(ctx context.Context) {
	m.cacheMisses.Add(1)
	m.cacheMissesOtel.Add(ctx, 1)
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.latenciesMu.Lock()
	defer m.latenciesMu.Unlock()

	total := m.totalQueries.Load()
	snap := MetricsSnapshot{
		TotalQueries:  total,
		RemoteQueries: m.remoteQueries.Load(),
		LocalQueries:  m.localQueries.Load(),
		Fallbacks:     m.fallbackCount.Load(),
		Failures:      m.failures.Load(),
		Invalid:       m.invalid.Load(),
		CacheHits:     m.cacheHits.Load(),
		CacheMisses:   m.cacheMisses.Load(),
		Dropped:       m.dropped.Load(),
		Uptime:        time.Since(m.startTime),
	}
	if total > 0 {
		snap.AvgLatency = time.Duration(m.totalLatency.Load()/total) * time.Microsecond
	}
	if len(m.recentLatencies) > 0 {
		sorted := make([]time.Duration, len(m.recentLatencies))
		copy(sorted, m.recentLatencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		snap.P50Latency = percentile(sorted, 0.50)
		snap.P95Latency = percentile(sorted, 0.95)
		snap.P99Latency = percentile(sorted, 0.99)
	}
	if ops := snap.CacheHits + snap.CacheMisses; ops > 0 {
		snap.CacheHitRate = float64(snap.CacheHits) / float64(ops)
	}
	return snap
}

// MetricsSnapshot is a point-in-time view of search metrics.
type MetricsSnapshot struct {
	TotalQueries  int64         `json:"total_queries"`
	RemoteQueries int64         `json:"remote_queries"`
	LocalQueries  int64         `json:"local_queries"`
	Fallbacks     int64         `json:"fallbacks"`
	Failures      int64         `json:"failures"`
	Invalid       int64         `json:"invalid"`
	CacheHits     int64         `json:"cache_hits"`
	CacheMisses   int64         `json:"cache_misses"`
	Dropped       int64         `json:"dropped"`
	CacheHitRate  float64       `json:"cache_hit_rate"`
	AvgLatency    time.Duration `json:"avg_latency_ns"`
	P50Latency    time.Duration `json:"p50_latency_ns"`
	P95Latency    time.Duration `json:"p95_latency_ns"`
	P99Latency    time.Duration `json:"p99_latency_ns"`
	Uptime        time.Duration `json:"uptime_ns"`
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
