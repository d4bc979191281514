// Command analytics aggregates compile events from every query compiler
// replica. It consumes the analytics topic, keeps the running statistics in
// memory, snapshots them to PostgreSQL when the postgres backend is
// configured, and serves them at GET /api/v1/analytics.
//
// Usage:
//
//	go run ./cmd/analytics [-config configs/development.yaml] [-port 8081]
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

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	interval := flag.Duration("snapshot-interval", time.Minute, "how often stats are persisted")
	port := flag.Int("port", 8081, "HTTP port; the compiler owns server.port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg, *port, *interval); err != nil {
		slog.Error("analytics service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("analytics service stopped")
}

func run(cfg *config.Config, port int, interval time.Duration) error {
	if len(cfg.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers must be set for the standalone analytics service")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	slog.Info("starting analytics service", "port", port, "topic", cfg.Kafka.Topics.AnalyticsEvents)

	aggregator := analytics.NewAggregator()
	checker := health.NewChecker()

	var snapshots *analytics.SnapshotStore
	if cfg.Store.Backend == config.BackendPostgres {
		pg, err := postgres.New(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pg.Close()
		snapshots = analytics.NewSnapshotStore(pg)
		if err := snapshots.Migrate(ctx); err != nil {
			return err
		}
		checker.Register("postgres", health.PingCheck(pg.Ping, false))
		g.Go(func() error { return snapshots.RunPeriodicSave(ctx, aggregator, interval) })
	}

	// The standalone aggregator must see every event, so it reads with its
	// own consumer group rather than the compiler's.
	events := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents,
		cfg.Kafka.ConsumerGroup+"-analytics", analytics.HandleEvent(aggregator))
	g.Go(func() error { return events.Start(ctx) })

	h := analytics.NewHandler(aggregator, snapshots)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/analytics", h.Stats)
	mux.HandleFunc("GET /api/v1/analytics/history", h.History)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      middleware.RequestID(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	g.Go(func() error {
		slog.Info("analytics service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
