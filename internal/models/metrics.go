package models

import "time"

// SystemMetrics is a lightweight snapshot of instrumentation counters.
type SystemMetrics struct {
	RequestsTotal            uint64    `json:"requestsTotal"`
	AverageRequestDurationMs float64   `json:"averageRequestDurationMs"`
	CacheHits                uint64    `json:"cacheHits"`
	CacheMisses              uint64    `json:"cacheMisses"`
	CacheHitRatio            float64   `json:"cacheHitRatio"`
	TransitionsCommitted     uint64    `json:"transitionsCommitted"`
	TransitionsRejected      uint64    `json:"transitionsRejected"`
	EventsDelivered          uint64    `json:"eventsDelivered"`
	EventsFailed             uint64    `json:"eventsFailed"`
	ClaimConflicts           uint64    `json:"claimConflicts"`
	StaleReclaimed           uint64    `json:"staleReclaimed"`
	AverageDispatchMs        float64   `json:"averageDispatchMs"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generatedAt"`
}
