package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/automaton"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/automaton/dfa"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/compiler"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/compiler/cache"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/compiler/handler"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/store"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/redis"
)

const snapshotInterval = time.Minute

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg); err != nil {
		slog.Error("query compiler failed", "error", err)
		os.Exit(1)
	}
	slog.Info("query compiler stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting query compiler",
		"port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"exact_max_len", cfg.Compiler.ExactMaxLen,
		"one_typo_max_len", cfg.Compiler.OneTypoMaxLen,
	)

	m := metrics.New()
	checker := health.NewChecker()

	var pg *postgres.Client
	var st store.Store
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		client, err := postgres.New(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer client.Close()
		pg = client
		ps := store.NewPostgresStore(pg)
		if err := ps.Migrate(ctx); err != nil {
			return err
		}
		if cfg.Store.SeedPath != "" {
			seed, err := store.LoadSeed(cfg.Store.SeedPath)
			if err != nil {
				return err
			}
			if err := ps.CopyFrom(ctx, seed); err != nil {
				return fmt.Errorf("seeding postgres store: %w", err)
			}
		}
		checker.Register("store", health.PingCheck(pg.Ping, true))
		st = ps
	default:
		ms, err := store.LoadSeed(cfg.Store.SeedPath)
		if err != nil {
			return err
		}
		checker.Register("store", health.Static(health.StatusUp,
			fmt.Sprintf("memory store, %d documents", ms.DocCount())))
		st = ms
	}

	policy := dfa.Policy{ExactMaxLen: cfg.Compiler.ExactMaxLen, OneTypoMaxLen: cfg.Compiler.OneTypoMaxLen}
	producer, err := automaton.NewProducer(policy)
	if err != nil {
		return fmt.Errorf("creating producer: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	opts := []compiler.Option{compiler.WithMetrics(m)}

	var planCache *cache.PlanCache
	if cfg.Redis.Addr != "" {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, plan caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			planCache = cache.New(redisClient, cfg.Redis, policy, m)
			opts = append(opts, compiler.WithCache(planCache))
			checker.Register("redis", health.PingCheck(redisClient.Ping, false))
			slog.Info("plan cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	var snapshots *analytics.SnapshotStore
	if pg != nil {
		snapshots = analytics.NewSnapshotStore(pg)
		if err := snapshots.Migrate(ctx); err != nil {
			return err
		}
	}

	var aggregator *analytics.Aggregator
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents)
		defer publisher.Close()
		collector := analytics.NewCollector(publisher, analytics.CollectorConfig{
			OnDrop: m.EventsDroppedTotal.Inc,
		})
		opts = append(opts, compiler.WithTracker(collector))
		g.Go(func() error { return collector.Run(ctx) })

		aggregator = analytics.NewAggregator()
		events := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents, "", analytics.HandleEvent(aggregator))
		g.Go(func() error { return events.Start(ctx) })

		if planCache != nil {
			invalidations := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate,
				instanceGroup(cfg.Kafka.ConsumerGroup), kafka.JSONHandler(planCache.HandleInvalidation))
			g.Go(func() error { return invalidations.Start(ctx) })
		}
		slog.Info("kafka enabled",
			"brokers", cfg.Kafka.Brokers,
			"analytics_topic", cfg.Kafka.Topics.AnalyticsEvents,
			"invalidate_topic", cfg.Kafka.Topics.CacheInvalidate,
		)
	} else {
		aggregator = analytics.NewAggregator()
		opts = append(opts, compiler.WithTracker(recorder{aggregator}))
	}
	if snapshots != nil {
		g.Go(func() error { return snapshots.RunPeriodicSave(ctx, aggregator, snapshotInterval) })
	}

	svc := compiler.NewService(producer, st, cfg.Compiler, opts...)
	var cacheAdmin handler.PlanCache
	if planCache != nil {
		cacheAdmin = planCache
	}
	h := handler.New(svc, cacheAdmin)
	analyticsH := analytics.NewHandler(aggregator, snapshots)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /api/v1/analytics", analyticsH.Stats)
	mux.HandleFunc("GET /api/v1/analytics/history", analyticsH.History)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	servers := []*http.Server{server}
	if cfg.Metrics.Enabled {
		servers = append(servers, metrics.NewServer(cfg.Metrics.Port, prometheus.DefaultGatherer))
	}
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			slog.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// recorder feeds events straight into the aggregator when Kafka is off.
type recorder struct {
	agg *analytics.Aggregator
}

func (r recorder) Track(event analytics.CompileEvent) {
	r.agg.Record(event)
}

// instanceGroup gives each replica its own consumer group so every replica
// sees every invalidation.
func instanceGroup(base string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = fmt.Sprintf("pid-%d", os.Getpid())
	}
	return base + "-" + host
}
