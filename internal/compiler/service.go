// Package compiler serves query compilation: it validates the query, looks
// the plan up in the cache, compiles it against a fresh store snapshot when
// needed, and reports metrics and analytics for every call.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/automaton"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/automaton/enhancer"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/store"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/tracing"
)

// PlanCache is satisfied by *cache.PlanCache.
type PlanCache interface {
	GetOrCompile(ctx context.Context, query string, compile func() (*automaton.Plan, error)) (*automaton.Plan, bool, error)
}

// EventTracker is satisfied by *analytics.Collector.
type EventTracker interface {
	Track(event analytics.CompileEvent)
}

type Service struct {
	producer *automaton.Producer
	store    store.Store
	cache    PlanCache
	tracker  EventTracker
	metrics  *metrics.Metrics
	cfg      config.CompilerConfig
	logger   *slog.Logger
}

// Result is a compiled plan and how it was obtained.
type Result struct {
	Plan     *automaton.Plan
	CacheHit bool
	Took     time.Duration
}

// Resolution is where an automaton index points back into the query.
type Resolution struct {
	Index     int                  `json:"index"`
	Span      enhancer.Range       `json:"span"`
	Words     []string             `json:"words"`
	Declared  []enhancer.Range     `json:"declared,omitempty"`
	Expansion []string             `json:"expansion,omitempty"`
	Automaton *automaton.Automaton `json:"automaton"`
}

// Option configures optional collaborators of a Service.
type Option func(*Service)

// WithCache serves plans from c before compiling.
func WithCache(c PlanCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithTracker reports a CompileEvent for every call.
func WithTracker(t EventTracker) Option {
	return func(s *Service) { s.tracker = t }
}

// WithMetrics records compile metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(producer *automaton.Producer, st store.Store, cfg config.CompilerConfig, opts ...Option) *Service {
	s := &Service{
		producer: producer,
		store:    st,
		cfg:      cfg,
		logger:   slog.Default().With("component", "compiler-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compile returns the plan for query. The query is passed to the producer
// untrimmed: a trailing space disables prefix matching of the last word.
func (s *Service) Compile(ctx context.Context, query string) (*Result, error) {
	start := time.Now()
	log := logger.FromContext(ctx)
	ctx, span := tracing.StartSpan(ctx, "compile", middleware.GetRequestID(ctx))
	defer s.finishSpan(ctx, span, log)

	if err := s.validate(query); err != nil {
		s.observe(ctx, query, nil, false, start, err)
		return nil, err
	}

	type outcome struct {
		plan *automaton.Plan
		hit  bool
	}
	out, err := resilience.WithTimeout(ctx, s.cfg.Timeout, "compile", func(ctx context.Context) (outcome, error) {
		if s.cache == nil {
			plan, err := s.compileWithRetry(ctx, query)
			return outcome{plan: plan}, err
		}
		cacheCtx, cacheSpan := tracing.StartChildSpan(ctx, "cache")
		defer cacheSpan.End()
		plan, hit, err := s.cache.GetOrCompile(cacheCtx, query, func() (*automaton.Plan, error) {
			return s.compileWithRetry(cacheCtx, query)
		})
		cacheSpan.SetAttr("hit", hit)
		return outcome{plan: plan, hit: hit}, err
	})
	if err != nil {
		err = classify(err)
		log.Warn("query compilation failed", "query", query, "error", err)
		s.observe(ctx, query, nil, false, start, err)
		return nil, err
	}

	plan, hit := out.plan, out.hit
	result := &Result{Plan: plan, CacheHit: hit, Took: time.Since(start)}
	log.Debug("query compiled",
		"query", query,
		"words", plan.Stats.Words,
		"groups", plan.Stats.Groups,
		"automatons", plan.Stats.Automatons,
		"cache_hit", hit,
		"took", result.Took,
	)
	s.observe(ctx, query, plan, hit, start, nil)
	return result, nil
}

// Resolve compiles query and reports what automaton index stands for.
func (s *Service) Resolve(ctx context.Context, query string, index int) (*Resolution, error) {
	result, err := s.Compile(ctx, query)
	if err != nil {
		return nil, err
	}
	plan := result.Plan
	aut, ok := plan.Automaton(index)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownAutomaton, http.StatusNotFound,
			"query has no automaton %d", index)
	}
	span, ok := plan.Resolve(index)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownAutomaton, http.StatusNotFound,
			"automaton %d does not map to the query", index)
	}
	declared, _ := plan.Enhancer.Resolve(index)
	words := plan.Words()
	return &Resolution{
		Index:     index,
		Span:      span,
		Words:     words[span.Start:span.End],
		Declared:  declared,
		Expansion: plan.Enhancer.Expansion(index),
		Automaton: &aut,
	}, nil
}

func (s *Service) validate(query string) error {
	if strings.TrimSpace(query) == "" {
		return apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "query must not be empty")
	}
	if len(query) > s.cfg.MaxQueryBytes {
		return apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest,
			"query is %d bytes, limit is %d", len(query), s.cfg.MaxQueryBytes)
	}
	return nil
}

// compileWithRetry opens a new snapshot per attempt; only store
// unavailability is worth another attempt.
func (s *Service) compileWithRetry(ctx context.Context, query string) (*automaton.Plan, error) {
	return resilience.Retry(ctx, "compile", resilience.RetryConfig{
		MaxAttempts: s.cfg.RetryAttempts,
		Backoff: resilience.Backoff{
			Initial:    s.cfg.RetryBaseDelay,
			Max:        s.cfg.RetryBaseDelay * 8,
			Multiplier: 2,
		},
		Retryable: func(err error) bool {
			return errors.Is(err, apperrors.ErrStoreUnavailable)
		},
		OnRetry: func(attempt int, err error) {
			if s.metrics != nil {
				s.metrics.StoreRetriesTotal.Inc()
			}
		},
	}, func(ctx context.Context) (*automaton.Plan, error) {
		ctx, span := tracing.StartChildSpan(ctx, "produce")
		defer span.End()
		plan, err := s.producer.Compile(ctx, s.store, query)
		if err != nil {
			span.SetAttr("error", err.Error())
		}
		return plan, err
	})
}

func (s *Service) finishSpan(ctx context.Context, span *tracing.Span, log *slog.Logger) {
	span.End()
	level := slog.LevelDebug
	if s.cfg.SlowLog > 0 && span.Duration() >= s.cfg.SlowLog {
		level = slog.LevelWarn
	}
	span.Log(ctx, log, level)
}

func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
	case errors.Is(err, apperrors.ErrStoreUnavailable), errors.Is(err, apperrors.ErrTimeout),
		errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, apperrors.ErrCorrupted):
		return apperrors.Newf(apperrors.ErrCorrupted, http.StatusInternalServerError, "%v", err)
	default:
		return err
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperrors.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, apperrors.ErrTimeout):
		return "timeout"
	case errors.Is(err, apperrors.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func (s *Service) observe(ctx context.Context, query string, plan *automaton.Plan, hit bool, start time.Time, err error) {
	took := time.Since(start)
	if s.metrics != nil {
		s.metrics.CompilesTotal.WithLabelValues(resultLabel(err)).Inc()
		if plan != nil {
			status := "miss"
			if hit {
				status = "hit"
			}
			s.metrics.CompileLatency.WithLabelValues(status).Observe(took.Seconds())
			s.metrics.PlanAutomatons.Observe(float64(plan.Stats.Automatons))
			s.metrics.PlanGroups.Observe(float64(plan.Stats.Groups))
			if !hit {
				s.metrics.SynonymExpansionsTotal.Add(float64(plan.Stats.Synonyms))
				s.metrics.WordSplitsTotal.Add(float64(plan.Stats.Splits))
			}
		}
	}
	if s.tracker == nil {
		return
	}
	event := analytics.CompileEvent{
		Type:          analytics.EventCompile,
		Query:         query,
		CacheHit:      hit,
		LatencyMicros: took.Microseconds(),
		RequestID:     middleware.GetRequestID(ctx),
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		event.Type = analytics.EventFailure
		event.Error = err.Error()
	}
	if plan != nil {
		event.Words = plan.Stats.Words
		event.Groups = plan.Stats.Groups
		event.Automatons = plan.Stats.Automatons
		event.Synonyms = plan.Stats.Synonyms
		event.Splits = plan.Stats.Splits
		event.Concatenations = plan.Stats.Concatenations
	}
	s.tracker.Track(event)
}
