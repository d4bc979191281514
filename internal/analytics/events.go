// Package analytics records what the compiler does with each query. The
// Collector publishes CompileEvents to Kafka in batches; the Aggregator
// consumes them and keeps running totals, latency percentiles and the most
// frequent queries, optionally snapshotted to PostgreSQL.
package analytics

import "time"

type EventType string

const (
	EventCompile EventType = "compile"
	EventFailure EventType = "compile_failure"
)

// CompileEvent describes one Compile call.
type CompileEvent struct {
	Type           EventType `json:"type"`
	Query          string    `json:"query"`
	Words          int       `json:"words"`
	Groups         int       `json:"groups"`
	Automatons     int       `json:"automatons"`
	Synonyms       int       `json:"synonyms"`
	Splits         int       `json:"splits"`
	Concatenations int       `json:"concatenations"`
	CacheHit       bool      `json:"cache_hit"`
	LatencyMicros  int64     `json:"latency_us"`
	Error          string    `json:"error,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
