// Command reconciled runs the commerce event reconciliation service: webhook
// intake, the query/rollup API, and a Prometheus metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	cloudfirestore "cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	redislock "github.com/mihaimyh/goreconcile/lock/redis"
	"github.com/mihaimyh/goreconcile/pkg/api"
	stripeintake "github.com/mihaimyh/goreconcile/pkg/provider/stripe"
	"github.com/mihaimyh/goreconcile/pkg/reconcile"
	zlogadapter "github.com/mihaimyh/goreconcile/pkg/reconcile/logger/zerolog"
	prommetrics "github.com/mihaimyh/goreconcile/pkg/reconcile/metrics/prometheus"
	fsarchive "github.com/mihaimyh/goreconcile/storage/firestore"
	"github.com/mihaimyh/goreconcile/storage/memory"
	"github.com/mihaimyh/goreconcile/storage/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "reconciled: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage backend
	var store reconcile.Storage
	switch cfg.Storage.Backend {
	case "postgres":
		pgcfg := postgres.DefaultConfig()
		pgcfg.ConnectionString = cfg.Storage.DSN
		pgcfg.MaxConns = cfg.Storage.MaxConns
		pg, err := postgres.New(ctx, pgcfg)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		if cfg.Storage.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
		}
		store = pg
	default:
		store = memory.New()
	}

	// Reconciliation lock
	var locker reconcile.KeyLocker
	if cfg.Lock.Backend == "redis" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Lock.Addr,
			Password: cfg.Lock.Password,
			DB:       cfg.Lock.DB,
		})
		defer client.Close()
		locker, err = redislock.New(client, redislock.DefaultConfig())
		if err != nil {
			return fmt.Errorf("create redis locker: %w", err)
		}
	}

	// Optional Firestore event archive
	var archive reconcile.EventArchiver
	if cfg.Archive.Enabled {
		client, err := cloudfirestore.NewClient(ctx, cfg.Archive.ProjectID)
		if err != nil {
			return fmt.Errorf("connect firestore: %w", err)
		}
		defer client.Close()
		archive, err = fsarchive.New(client, fsarchive.Config{EventsCollection: cfg.Archive.Collection})
		if err != nil {
			return fmt.Errorf("create firestore archive: %w", err)
		}
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.NewMetrics(registry, cfg.Metrics.Namespace)

	engine, err := reconcile.NewEngine(store, &reconcile.Config{
		SettlementCurrency: cfg.Reconcile.SettlementCurrency,
		ReportingTimezone:  cfg.Reconcile.ReportingTimezone,
		BatchConcurrency:   cfg.Reconcile.BatchConcurrency,
		Rates:              cfg.Reconcile.Rates,
		Logger:             zlogadapter.NewLogger(&logger),
		Metrics:            metrics,
		Locker:             locker,
		Archive:            archive,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	handler, err := api.NewHandler(api.Config{
		Engine:      engine,
		GetTenantID: api.FromHeader(cfg.Server.TenantHeader),
		Logger:      zlogadapter.NewLogger(&logger),
	})
	if err != nil {
		return fmt.Errorf("create api handler: %w", err)
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Mount("/v1", handler.Routes())
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.Stripe.WebhookSecret != "" {
		adapter, err := stripeintake.New(stripeintake.Config{
			TenantID:      cfg.Stripe.TenantID,
			WebhookSecret: cfg.Stripe.WebhookSecret,
		})
		if err != nil {
			return fmt.Errorf("create stripe adapter: %w", err)
		}
		router.Handle("/webhooks/stripe", adapter.Handler(engine))
		logger.Info().Str("tenant", cfg.Stripe.TenantID).Msg("stripe webhook intake enabled")
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("storage", cfg.Storage.Backend).
			Str("lock", cfg.Lock.Backend).
			Msg("reconciled listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(cfg LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level: %w", err)
	}

	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger, nil
}
