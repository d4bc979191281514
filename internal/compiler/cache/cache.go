// Package cache stores compiled plans in Redis. Keys are derived from the raw
// query and the typo policy, so a policy change never serves stale plans.
// Redis failures degrade to cache misses; a circuit breaker stops calling
// Redis while it keeps failing.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/automaton"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/automaton/dfa"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/resilience"
)

const keyPrefix = "plan:"

type PlanCache struct {
	client  *pkgredis.Client
	ttl     time.Duration
	policy  string
	group   singleflight.Group
	breaker *resilience.Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// Stats reports cache effectiveness since start.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Keys    int64   `json:"keys"`
	Circuit string  `json:"circuit"`
}

// New returns a cache over client. m may be nil.
func New(client *pkgredis.Client, cfg config.RedisConfig, policy dfa.Policy, m *metrics.Metrics) *PlanCache {
	return &PlanCache{
		client: client,
		ttl:    cfg.CacheTTL,
		policy: fmt.Sprintf("%d/%d", policy.ExactMaxLen, policy.OneTypoMaxLen),
		breaker: resilience.NewBreaker("plan-cache", resilience.BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         10 * time.Second,
			IsFailure:        func(err error) bool { return !pkgredis.IsNilError(err) },
		}),
		metrics: m,
		logger:  slog.Default().With("component", "plan-cache"),
	}
}

// Get returns the cached plan for query. Any failure counts as a miss.
func (c *PlanCache) Get(ctx context.Context, query string) (*automaton.Plan, bool) {
	key := c.buildKey(query)
	var data []byte
	err := c.breaker.Do(func() error {
		var err error
		data, err = c.client.Get(ctx, key)
		return err
	})
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Warn("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	var plan automaton.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hit()
	c.logger.Debug("cache hit", "key", key)
	return &plan, true
}

// Set stores plan under query. Failures are logged and swallowed.
func (c *PlanCache) Set(ctx context.Context, query string, plan *automaton.Plan) {
	key := c.buildKey(query)
	data, err := json.Marshal(plan)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Do(func() error {
		return c.client.Set(ctx, key, data, c.ttl)
	})
	if err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompile returns the cached plan or runs compile once for all
// concurrent callers asking for the same query. The boolean reports a hit.
func (c *PlanCache) GetOrCompile(
	ctx context.Context,
	query string,
	compile func() (*automaton.Plan, error),
) (*automaton.Plan, bool, error) {
	if plan, ok := c.Get(ctx, query); ok {
		return plan, true, nil
	}
	key := c.buildKey(query)
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		plan, err := compile()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, query, plan)
		return plan, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*automaton.Plan), false, nil
}

// Invalidate drops every cached plan.
func (c *PlanCache) Invalidate(ctx context.Context) (int64, error) {
	deleted, err := c.client.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return deleted, fmt.Errorf("invalidating plan cache: %w", err)
	}
	if c.metrics != nil {
		c.metrics.CacheInvalidationsTotal.Inc()
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return deleted, nil
}

// InvalidationEvent is published by the index update pipeline whenever
// postings or synonyms change.
type InvalidationEvent struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// HandleInvalidation is the Kafka handler for InvalidationEvent.
func (c *PlanCache) HandleInvalidation(ctx context.Context, event InvalidationEvent) error {
	c.logger.Info("invalidation received", "source", event.Source, "reason", event.Reason)
	_, err := c.Invalidate(ctx)
	return err
}

func (c *PlanCache) Stats(ctx context.Context) Stats {
	s := Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Circuit: c.breaker.State().String(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	keys, err := c.client.CountByPattern(ctx, keyPrefix+"*")
	if err != nil {
		c.logger.Warn("counting cached plans failed", "error", err)
		keys = -1
	}
	s.Keys = keys
	return s
}

func (c *PlanCache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *PlanCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

func (c *PlanCache) buildKey(query string) string {
	hash := sha256.Sum256([]byte(c.policy + "\x00" + query))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
