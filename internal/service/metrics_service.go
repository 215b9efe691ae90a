package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/sma-admission-api/internal/models"
)

// Dispatch outcomes recorded by the outbox dispatcher.
const (
	DispatchDelivered   = "delivered"
	DispatchRetrying    = "retrying"
	DispatchQuarantined = "quarantined"
	DispatchClaimLost   = "claim_lost"
)

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry            *prometheus.Registry
	handler             http.Handler
	requestDuration     *prometheus.HistogramVec
	requestTotal        *prometheus.CounterVec
	cacheLatency        prometheus.Observer
	cacheWrite          prometheus.Observer
	cacheHitRatio       prometheus.Gauge
	cacheHits           prometheus.Counter
	cacheMisses         prometheus.Counter
	transitions         *prometheus.CounterVec
	transitionsRejected *prometheus.CounterVec
	dispatches          *prometheus.CounterVec
	dispatchDuration    prometheus.Observer
	claimConflicts      prometheus.Counter
	staleReclaimed      prometheus.Counter
	outboxRows          *prometheus.GaugeVec

	cacheHitCount         uint64
	cacheMissCount        uint64
	requestCount          uint64
	requestDurationTotal  uint64
	transitionCount       uint64
	transitionRejectCount uint64
	deliveredCount        uint64
	failedCount           uint64
	claimConflictCount    uint64
	staleCount            uint64
	dispatchCount         uint64
	dispatchDurationTotal uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_transitions_total",
		Help: "Committed application state transitions",
	}, []string{"from", "to", "reason"})

	transitionsRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_transitions_rejected_total",
		Help: "Transition requests refused before commit",
	}, []string{"code"})

	dispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dispatch_total",
		Help: "Outbox delivery attempts by outcome",
	}, []string{"event_type", "outcome"})

	dispatchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_dispatch_duration_seconds",
		Help:    "Time spent publishing one outbox event",
		Buckets: prometheus.DefBuckets,
	})

	claimConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_claim_conflicts_total",
		Help: "Claims lost to another worker",
	})

	staleReclaimed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_stale_reclaimed_total",
		Help: "Abandoned claims returned to the ready set",
	})

	outboxRows := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbox_rows",
		Help: "Outbox rows by dispatch state at the last stats refresh",
	}, []string{"state"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		transitions, transitionsRejected, dispatches, dispatchDuration, claimConflicts, staleReclaimed, outboxRows, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:            registry,
		handler:             handler,
		requestDuration:     requestDuration,
		requestTotal:        requestTotal,
		cacheLatency:        cacheLatency,
		cacheWrite:          cacheWrite,
		cacheHitRatio:       cacheHitRatio,
		cacheHits:           cacheHits,
		cacheMisses:         cacheMisses,
		transitions:         transitions,
		transitionsRejected: transitionsRejected,
		dispatches:          dispatches,
		dispatchDuration:    dispatchDuration,
		claimConflicts:      claimConflicts,
		staleReclaimed:      staleReclaimed,
		outboxRows:          outboxRows,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	total := hits + misses
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil || m.cacheWrite == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordTransition counts a committed state change.
func (m *MetricsService) RecordTransition(from, to models.AdmissionStatus, reason models.ReasonCode) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to), string(reason)).Inc()
	atomic.AddUint64(&m.transitionCount, 1)
}

// RecordTransitionRejected counts a refused request by error code.
func (m *MetricsService) RecordTransitionRejected(code string) {
	if m == nil {
		return
	}
	m.transitionsRejected.WithLabelValues(code).Inc()
	atomic.AddUint64(&m.transitionRejectCount, 1)
}

// RecordDispatch records the outcome and latency of one publish attempt.
func (m *MetricsService) RecordDispatch(eventType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(eventType, outcome).Inc()
	switch outcome {
	case DispatchDelivered:
		atomic.AddUint64(&m.deliveredCount, 1)
	case DispatchRetrying, DispatchQuarantined:
		atomic.AddUint64(&m.failedCount, 1)
	}
	if duration > 0 {
		m.dispatchDuration.Observe(duration.Seconds())
		atomic.AddUint64(&m.dispatchCount, 1)
		atomic.AddUint64(&m.dispatchDurationTotal, uint64(duration.Nanoseconds()))
	}
}

// RecordClaimConflict counts a claim that another worker won.
func (m *MetricsService) RecordClaimConflict() {
	if m == nil {
		return
	}
	m.claimConflicts.Inc()
	atomic.AddUint64(&m.claimConflictCount, 1)
}

// RecordStaleReclaimed counts rows released by the sweeper.
func (m *MetricsService) RecordStaleReclaimed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.staleReclaimed.Add(float64(n))
	atomic.AddUint64(&m.staleCount, uint64(n))
}

// SetOutboxStats publishes the latest table counts as gauges.
func (m *MetricsService) SetOutboxStats(stats *models.OutboxStats) {
	if m == nil || stats == nil {
		return
	}
	m.outboxRows.WithLabelValues(string(models.OutboxStatePending)).Set(float64(stats.Pending))
	m.outboxRows.WithLabelValues(string(models.OutboxStateProcessing)).Set(float64(stats.Processing))
	m.outboxRows.WithLabelValues(string(models.OutboxStateProcessed)).Set(float64(stats.Processed))
	m.outboxRows.WithLabelValues(string(models.OutboxStatePermanentlyFailed)).Set(float64(stats.PermanentlyFailed))
}

// Snapshot returns aggregated metrics suitable for admin endpoints.
func (m *MetricsService) Snapshot() models.SystemMetrics {
	if m == nil {
		return models.SystemMetrics{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)
	dispatchCount := atomic.LoadUint64(&m.dispatchCount)
	dispatchDuration := atomic.LoadUint64(&m.dispatchDurationTotal)

	var cacheRatio float64
	totalLookups := hits + misses
	if totalLookups > 0 {
		cacheRatio = float64(hits) / float64(totalLookups)
	}

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	var avgDispatchMs float64
	if dispatchCount > 0 {
		avgDispatchMs = float64(dispatchDuration) / float64(dispatchCount) / float64(time.Millisecond)
	}

	return models.SystemMetrics{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		CacheHits:                hits,
		CacheMisses:              misses,
		CacheHitRatio:            cacheRatio,
		TransitionsCommitted:     atomic.LoadUint64(&m.transitionCount),
		TransitionsRejected:      atomic.LoadUint64(&m.transitionRejectCount),
		EventsDelivered:          atomic.LoadUint64(&m.deliveredCount),
		EventsFailed:             atomic.LoadUint64(&m.failedCount),
		ClaimConflicts:           atomic.LoadUint64(&m.claimConflictCount),
		StaleReclaimed:           atomic.LoadUint64(&m.staleCount),
		AverageDispatchMs:        avgDispatchMs,
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
