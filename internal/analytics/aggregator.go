package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/kafka"
)

// maxLatencySamples bounds the latency window used for percentiles.
const maxLatencySamples = 10000

// maxTrackedQueries bounds each per-query counter map. When a map outgrows
// it, only the most frequent half is kept.
const maxTrackedQueries = 5000

type AggregatedStats struct {
	TotalCompiles       int64        `json:"total_compiles"`
	TotalFailures       int64        `json:"total_failures"`
	CacheHits           int64        `json:"cache_hits"`
	CacheMisses         int64        `json:"cache_misses"`
	SynonymExpansions   int64        `json:"synonym_expansions"`
	WordSplits          int64        `json:"word_splits"`
	Concatenations      int64        `json:"concatenations"`
	UnexpandedCount     int64        `json:"unexpanded_count"`
	AvgAutomatons       float64      `json:"avg_automatons"`
	AvgLatencyMicros    float64      `json:"avg_latency_us"`
	P50LatencyMicros    int64        `json:"p50_latency_us"`
	P95LatencyMicros    int64        `json:"p95_latency_us"`
	P99LatencyMicros    int64        `json:"p99_latency_us"`
	TopQueries          []QueryCount `json:"top_queries"`
	UnexpandedQueries   []QueryCount `json:"unexpanded_queries"`
	CompilesPerMinute   float64      `json:"compiles_per_minute"`
	ObservedSinceMillis int64        `json:"observed_since_ms"`
}

type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

// Aggregator folds CompileEvents into running statistics. A query is
// "unexpanded" when no synonym or split applied to it. Concatenations do not
// count: every multi-word query gets one, whether or not the index knows it.
type Aggregator struct {
	mu                sync.RWMutex
	totalCompiles     atomic.Int64
	totalFailures     atomic.Int64
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64
	synonyms          atomic.Int64
	splits            atomic.Int64
	concatenations    atomic.Int64
	automatons        atomic.Int64
	unexpanded        atomic.Int64
	latencies         []int64
	next              int
	queryCounts       map[string]int64
	unexpandedQueries map[string]int64
	startTime         time.Time
	logger            *slog.Logger
}

// NewAggregator returns an empty aggregator. Feed it with Record, or from
// Kafka through HandleEvent.
func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:         make([]int64, 0, 1024),
		queryCounts:       make(map[string]int64),
		unexpandedQueries: make(map[string]int64),
		startTime:         time.Now(),
		logger:            slog.Default().With("component", "analytics-aggregator"),
	}
}

// HandleEvent returns the consumer callback feeding agg. Undecodable
// messages are logged and acknowledged so they do not block the partition.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	decode := kafka.JSONHandler(func(ctx context.Context, event CompileEvent) error {
		agg.Record(event)
		return nil
	})
	return func(ctx context.Context, key []byte, value []byte) error {
		if err := decode(ctx, key, value); err != nil {
			agg.logger.Error("failed to decode analytics event", "error", err)
		}
		return nil
	}
}

// Record adds one event to the statistics.
func (a *Aggregator) Record(event CompileEvent) {
	if event.Type == EventFailure {
		a.totalFailures.Add(1)
		return
	}
	a.totalCompiles.Add(1)
	if event.CacheHit {
		a.cacheHits.Add(1)
	} else {
		a.cacheMisses.Add(1)
	}
	a.synonyms.Add(int64(event.Synonyms))
	a.splits.Add(int64(event.Splits))
	a.concatenations.Add(int64(event.Concatenations))
	a.automatons.Add(int64(event.Automatons))

	plain := event.Synonyms == 0 && event.Splits == 0
	if plain {
		a.unexpanded.Add(1)
	}

	a.mu.Lock()
	if len(a.latencies) < maxLatencySamples {
		a.latencies = append(a.latencies, event.LatencyMicros)
	} else {
		a.latencies[a.next] = event.LatencyMicros
		a.next = (a.next + 1) % maxLatencySamples
	}
	a.queryCounts[event.Query]++
	pruneCounts(a.queryCounts, maxTrackedQueries)
	if plain {
		a.unexpandedQueries[event.Query]++
		pruneCounts(a.unexpandedQueries, maxTrackedQueries)
	}
	a.mu.Unlock()
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalCompiles:       a.totalCompiles.Load(),
		TotalFailures:       a.totalFailures.Load(),
		CacheHits:           a.cacheHits.Load(),
		CacheMisses:         a.cacheMisses.Load(),
		SynonymExpansions:   a.synonyms.Load(),
		WordSplits:          a.splits.Load(),
		Concatenations:      a.concatenations.Load(),
		UnexpandedCount:     a.unexpanded.Load(),
		ObservedSinceMillis: a.startTime.UnixMilli(),
	}
	if stats.TotalCompiles > 0 {
		stats.AvgAutomatons = float64(a.automatons.Load()) / float64(stats.TotalCompiles)
	}
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMicros = float64(sum) / float64(len(sorted))
		stats.P50LatencyMicros = percentile(sorted, 50)
		stats.P95LatencyMicros = percentile(sorted, 95)
		stats.P99LatencyMicros = percentile(sorted, 99)
	}
	stats.TopQueries = topN(a.queryCounts, 10)
	stats.UnexpandedQueries = topN(a.unexpandedQueries, 10)
	if elapsed := time.Since(a.startTime).Minutes(); elapsed > 0 {
		stats.CompilesPerMinute = float64(stats.TotalCompiles) / elapsed
	}
	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// pruneCounts drops all but the limit/2 most frequent queries once counts
// holds more than limit entries.
func pruneCounts(counts map[string]int64, limit int) {
	if len(counts) <= limit {
		return
	}
	keep := make(map[string]struct{}, limit/2)
	for _, qc := range topN(counts, limit/2) {
		keep[qc.Query] = struct{}{}
	}
	for q := range counts {
		if _, ok := keep[q]; !ok {
			delete(counts, q)
		}
	}
}

// topN orders by count, then query, so equal counts list deterministically.
func topN(counts map[string]int64, n int) []QueryCount {
	result := make([]QueryCount, 0, len(counts))
	for query, count := range counts {
		result = append(result, QueryCount{Query: query, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Query < result[j].Query
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
