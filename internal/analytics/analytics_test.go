package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/postgres"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []kafka.Event
	err    error
}

func (p *capturePublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestCollectorFlushesFullBatches(t *testing.T) {
	pub := &capturePublisher{}
	c := NewCollector(pub, CollectorConfig{BufferSize: 16, BatchSize: 2, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.Track(CompileEvent{Type: EventCompile, Query: "a"})
	c.Track(CompileEvent{Type: EventCompile, Query: "b"})

	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a", pub.events[0].Key)
}

func TestCollectorFlushesOnClose(t *testing.T) {
	pub := &capturePublisher{}
	c := NewCollector(pub, CollectorConfig{BufferSize: 16, BatchSize: 100, FlushInterval: time.Hour})
	go c.Run(context.Background())

	c.Track(CompileEvent{Query: "pending"})
	c.Close()

	assert.Equal(t, 1, pub.count())
}

func TestCollectorFlushesOnCancel(t *testing.T) {
	pub := &capturePublisher{}
	c := NewCollector(pub, CollectorConfig{BufferSize: 16, BatchSize: 100, FlushInterval: time.Hour})
	c.Track(CompileEvent{Query: "x"})
	c.Track(CompileEvent{Query: "y"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))
	assert.Equal(t, 2, pub.count())
}

func TestCollectorDropsWhenFull(t *testing.T) {
	var dropped atomic.Int32
	c := NewCollector(&capturePublisher{}, CollectorConfig{
		BufferSize: 1,
		OnDrop:     func() { dropped.Add(1) },
	})
	c.Track(CompileEvent{Query: "kept"})
	c.Track(CompileEvent{Query: "lost"})
	assert.Equal(t, int32(1), dropped.Load())
}

func TestCollectorSurvivesPublishErrors(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	c := NewCollector(pub, CollectorConfig{BufferSize: 4, BatchSize: 1, FlushInterval: time.Hour})
	go c.Run(context.Background())
	c.Track(CompileEvent{Query: "a"})
	c.Close()
	assert.Equal(t, 0, pub.count())
}

func TestAggregatorStats(t *testing.T) {
	agg := NewAggregator()
	agg.Record(CompileEvent{Type: EventCompile, Query: "new york", Automatons: 4, Synonyms: 1, LatencyMicros: 100})
	agg.Record(CompileEvent{Type: EventCompile, Query: "new york", Automatons: 4, Synonyms: 1, CacheHit: true, LatencyMicros: 10})
	agg.Record(CompileEvent{Type: EventCompile, Query: "paris", Automatons: 2, LatencyMicros: 300})
	agg.Record(CompileEvent{Type: EventFailure, Query: "broken", Error: "store unavailable"})

	stats := agg.Stats()
	assert.Equal(t, int64(3), stats.TotalCompiles)
	assert.Equal(t, int64(1), stats.TotalFailures)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(2), stats.CacheMisses)
	assert.Equal(t, int64(2), stats.SynonymExpansions)
	assert.Equal(t, int64(1), stats.UnexpandedCount)
	assert.InDelta(t, 10.0/3.0, stats.AvgAutomatons, 1e-9)
	assert.Equal(t, int64(100), stats.P50LatencyMicros)
	assert.Equal(t, int64(300), stats.P99LatencyMicros)
	assert.InDelta(t, 410.0/3.0, stats.AvgLatencyMicros, 1e-9)
	require.NotEmpty(t, stats.TopQueries)
	assert.Equal(t, QueryCount{Query: "new york", Count: 2}, stats.TopQueries[0])
	assert.Equal(t, []QueryCount{{Query: "paris", Count: 1}}, stats.UnexpandedQueries)
}

func TestAggregatorLatencyWindowIsBounded(t *testing.T) {
	agg := NewAggregator()
	for i := 0; i < maxLatencySamples+50; i++ {
		agg.Record(CompileEvent{Query: "q", LatencyMicros: int64(i)})
	}
	assert.Len(t, agg.latencies, maxLatencySamples)
	assert.Equal(t, int64(maxLatencySamples+50), agg.Stats().TotalCompiles)
}

func TestMultiWordQueryWithOnlyConcatenationIsUnexpanded(t *testing.T) {
	agg := NewAggregator()
	agg.Record(CompileEvent{Type: EventCompile, Query: "eiffel tower", Words: 2, Concatenations: 1})
	agg.Record(CompileEvent{Type: EventCompile, Query: "nyc subway", Words: 2, Concatenations: 1, Synonyms: 2})

	stats := agg.Stats()
	assert.Equal(t, int64(1), stats.UnexpandedCount)
	assert.Equal(t, []QueryCount{{Query: "eiffel tower", Count: 1}}, stats.UnexpandedQueries)
	assert.Equal(t, int64(2), stats.Concatenations)
}

func TestQueryCountersAreBounded(t *testing.T) {
	agg := NewAggregator()
	for i := 0; i < 5; i++ {
		agg.Record(CompileEvent{Type: EventCompile, Query: "popular"})
	}
	for i := 0; i < 3*maxTrackedQueries; i++ {
		agg.Record(CompileEvent{Type: EventCompile, Query: fmt.Sprintf("rare-%d", i)})
	}

	agg.mu.RLock()
	tracked, unexpanded := len(agg.queryCounts), len(agg.unexpandedQueries)
	agg.mu.RUnlock()
	assert.LessOrEqual(t, tracked, maxTrackedQueries)
	assert.LessOrEqual(t, unexpanded, maxTrackedQueries)

	stats := agg.Stats()
	assert.Equal(t, QueryCount{Query: "popular", Count: 5}, stats.TopQueries[0])
	assert.Equal(t, int64(5+3*maxTrackedQueries), stats.TotalCompiles)
}

func TestTopNBreaksTiesByQuery(t *testing.T) {
	got := topN(map[string]int64{"b": 1, "a": 1, "c": 2}, 2)
	assert.Equal(t, []QueryCount{{Query: "c", Count: 2}, {Query: "a", Count: 1}}, got)
}

func TestHandleEventDecodesAndIgnoresGarbage(t *testing.T) {
	agg := NewAggregator()
	handle := HandleEvent(agg)

	value, err := json.Marshal(CompileEvent{Type: EventCompile, Query: "rome"})
	require.NoError(t, err)
	require.NoError(t, handle(context.Background(), nil, value))
	require.NoError(t, handle(context.Background(), nil, []byte("{not json")))

	assert.Equal(t, int64(1), agg.Stats().TotalCompiles)
}

func TestStatsHandler(t *testing.T) {
	agg := NewAggregator()
	agg.Record(CompileEvent{Type: EventCompile, Query: "rome"})
	h := NewHandler(agg, nil)

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats AggregatedStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalCompiles)

	rec = httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/history", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func newMockSnapshots(t *testing.T) (*SnapshotStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSnapshotStore(postgres.FromDB(db)), mock
}

func TestSnapshotStoreSaveAndLatest(t *testing.T) {
	s, mock := newMockSnapshots(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO compile_snapshots").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.SaveSnapshot(ctx, AggregatedStats{TotalCompiles: 7}))

	mock.ExpectQuery("SELECT data FROM compile_snapshots").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte(`{"total_compiles":7}`)))
	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(7), latest.TotalCompiles)

	mock.ExpectQuery("SELECT data FROM compile_snapshots").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	latest, err = s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotHistorySkipsCorruptRows(t *testing.T) {
	s, mock := newMockSnapshots(t)
	mock.ExpectQuery("SELECT data FROM compile_snapshots").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"total_compiles":2}`)).
			AddRow([]byte(`garbage`)).
			AddRow([]byte(`{"total_compiles":1}`)))

	h := NewHandler(NewAggregator(), s)
	rec := httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/history?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Snapshots []AggregatedStats `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Snapshots, 2)
	assert.Equal(t, int64(2), body.Snapshots[0].TotalCompiles)

	rec = httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/history?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}
