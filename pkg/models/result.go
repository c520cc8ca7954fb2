package models

import "time"

// ConversionResult is the outcome of a successful conversion. Ownership of
// the output file transfers to the caller once returned.
type ConversionResult struct {
	OutputPath    string        `json:"output_path"`
	BytesProduced int64         `json:"bytes_produced"`
	Duration      time.Duration `json:"duration"`
	FilterName    string        `json:"filter_name,omitempty"`
	Fingerprint   string        `json:"fingerprint"`
	CacheHit      bool          `json:"cache_hit"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// CacheStats reports result cache performance.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// ConversionRecord is one row in the conversion history ledger.
type ConversionRecord struct {
	ID           int64
	JobID        string
	Fingerprint  string
	SourceFormat string
	TargetFormat string
	Status       JobState
	CacheHit     bool
	DurationMs   int64
	BytesIn      int64
	BytesOut     int64
	Error        string
	CreatedAt    time.Time
}

// ConversionSummary aggregates history records per format pair.
type ConversionSummary struct {
	SourceFormat string
	TargetFormat string
	Count        int64
	Failures     int64
	CacheHits    int64
	AvgMs        float64
	TotalBytes   int64
}
