package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/config"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/dispatch"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/pipeline/ingest"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/pipeline/intake"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/pipeline/rollback"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/rules"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/store/postgres"
	redispkg "github.com/mUsaulug/stacks-chain-monitor-sub002/internal/store/redis"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/tracing"
)

const migrationsDir = "internal/store/postgres/migrations"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting chain monitor",
		"network", cfg.Network,
		"feed_stream", cfg.Intake.Stream,
		"feed_group", cfg.Intake.Group,
	)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), "chain-monitor", tracingEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := db.RunMigrations(migrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	stream, err := redispkg.NewStream(cfg.Redis.URL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer stream.Close()
	logger.Info("connected to redis")

	network := model.Network(cfg.Network)

	blockRepo := postgres.NewBlockRepo(db)
	ruleRepo := postgres.NewRuleRepo(db)
	notifRepo := postgres.NewNotificationRepo(db)
	deadRepo := postgres.NewDeadLetterRepo(db)

	provider := rules.NewProvider(ruleRepo, cfg.Rules.RebuildInterval, logger)
	engine := rules.NewEngine(provider, ruleRepo, notifRepo, logger)
	invalidator := rollback.NewInvalidator(blockRepo, notifRepo, network, logger)
	ingester := ingest.New(db, blockRepo, engine, invalidator, network, logger)

	transports := []dispatch.Transport{
		dispatch.NewWebhookTransport(logger),
		dispatch.NewSlackTransport(logger),
	}
	if cfg.Dispatch.ResendAPIKey != "" {
		transports = append(transports, dispatch.NewEmailTransport(cfg.Dispatch.ResendAPIKey, cfg.Dispatch.EmailFrom))
	} else {
		logger.Warn("RESEND_API_KEY not set; email notifications will dead letter")
	}
	dispatcher := dispatch.NewDispatcher(notifRepo, deadRepo, logger, transports,
		dispatch.WithMaxAttempts(cfg.Dispatch.MaxAttempts))

	consumer := intake.NewConsumer(
		stream.Client(),
		cfg.Intake.Stream, cfg.Intake.Group, cfg.Intake.ConsumerName,
		network,
		ingester,
		dispatcher,
		logger,
		intake.WithReadCount(int64(cfg.Intake.ReadCount)),
		intake.WithReadBlock(cfg.Intake.ReadBlock),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, logger)
	})

	g.Go(func() error {
		return provider.Run(gCtx)
	})

	g.Go(func() error {
		// Catch notifications committed by a previous run that never
		// reached their transport.
		if err := dispatcher.RecoverStale(gCtx); err != nil {
			logger.Error("stale notification recovery failed", "error", err)
		}
		return consumer.Run(gCtx)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("monitor exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("monitor shut down gracefully")
}

func runHealthServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
