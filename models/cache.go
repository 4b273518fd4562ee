package models

import "time"

// CacheTier identifies which tier satisfied a cache read.
type CacheTier string

const (
	TierHot  CacheTier = "hot"
	TierWarm CacheTier = "warm"
	TierNone CacheTier = "none"
)

// CacheEntry is the orchestrator's view of one cached value.
type CacheEntry struct {
	Key          string        `json:"key"`
	Value        interface{}   `json:"value"`
	Strategy     Strategy      `json:"strategy"`
	TTLRemaining time.Duration `json:"ttl_remaining"`
	StorageKey   string        `json:"storage_key"`
	Tier         CacheTier     `json:"tier"`
}

// BatchRun records the outcome of one OptimizeBatch call.
type BatchRun struct {
	TotalItems       int   `json:"total_items"`
	SuccessCount     int   `json:"success_count"`
	FailureCount     int   `json:"failure_count"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// MemoryStats holds the batch optimizer's process-wide running counters.
// Reset only by an explicit ResetStats call.
type MemoryStats struct {
	TotalAllocated   int64     `json:"total_allocated"`
	CurrentUsage     int64     `json:"current_usage"`
	PeakUsage        int64     `json:"peak_usage"`
	OperationCount   int64     `json:"operation_count"`
	AverageItemSize  float64   `json:"average_item_size"`
	CompressionRatio float64   `json:"compression_ratio"`
	LastCleanup      time.Time `json:"last_cleanup"`
}
