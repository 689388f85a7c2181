package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/example/teleconsult/internal/application"
	"github.com/example/teleconsult/internal/config"
	"github.com/example/teleconsult/internal/events"
	httptransport "github.com/example/teleconsult/internal/http"
	"github.com/example/teleconsult/internal/metrics"
	"github.com/example/teleconsult/internal/persistence/sqlite"
	"github.com/example/teleconsult/internal/realtime"
	"github.com/example/teleconsult/internal/scheduler"
	"github.com/example/teleconsult/internal/watchdog"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to read .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server encountered error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	storage, err := sqlite.OpenWithLogger(cfg.SQLiteDSN, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if cerr := storage.Close(); cerr != nil {
			logger.Error("failed to close storage", "error", cerr)
		}
	}()

	if err := storage.Migrate(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	now := time.Now
	collector := metrics.NewCollector()
	hub := realtime.NewHub()

	publisher, closePublisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	doctorStore := newDoctorStoreAdapter(storage)
	sessionStore := newSessionStoreAdapter(storage)

	// The presence fallback needs the registry and the registry forgets
	// leases through presence, so the registry is bound after both exist.
	var registry *application.DoctorRegistry
	presence := realtime.NewPresence(cfg.PresenceLeaseTTL, func(ctx context.Context, doctorID string) error {
		_, err := registry.MarkOffline(ctx, doctorID)
		return err
	}, now, logger)
	registry = application.NewDoctorRegistryWithLogger(doctorStore, hub, presence, now, logger)

	sessions := application.NewSessionService(application.SessionServiceDeps{
		Sessions:    sessionStore,
		Registry:    registry,
		Notifier:    hub,
		Events:      publisher,
		Observer:    collector,
		IDGenerator: uuid.NewString,
		Now:         now,
		Location:    cfg.Location,
		Logger:      logger,
	})

	runner := scheduler.NewRunner(logger)
	supervisor, err := watchdog.NewSupervisor(watchdog.Deps{
		Registry:  registry,
		Sessions:  sessions,
		Scheduler: runner,
		Events:    publisher,
		Observer:  collector,
		Interval:  cfg.WatchdogInterval,
		Threshold: cfg.StalenessThreshold,
		Now:       now,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("configure watchdog: %w", err)
	}
	unfollow := supervisor.Follow(hub)
	defer unfollow()

	reconciler := application.NewReconciler(registry, sessionStore, presence, publisher, now, logger)
	if _, err := runner.Every("reconcile", cfg.ReconcileInterval, func(ctx context.Context) {
		report, err := reconciler.Sweep(ctx)
		if err != nil {
			logger.WarnContext(ctx, "reconcile pass failed", "error", err)
		}
		collector.ObserveSweep(len(report.Repaired), report.ExpiredLeases)
	}); err != nil {
		return fmt.Errorf("schedule reconciler: %w", err)
	}

	runner.Start()
	defer func() {
		supervisor.StopAll()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := runner.Stop(stopCtx); err != nil {
			logger.Error("failed to stop scheduler", "error", err)
		}
	}()

	rearmed, err := supervisor.ReArm(ctx)
	if err != nil {
		logger.Warn("failed to re-arm watchdogs", "error", err)
	}
	logger.Info("watchdogs re-armed", "sessions", rearmed)

	collector.Gauge("watchdogs_running", "Number of consultations under disconnect supervision.", func() float64 {
		return float64(supervisor.Len())
	})
	collector.Gauge("change_subscribers", "Number of live change subscriptions.", func() float64 {
		return float64(hub.Subscribers())
	})
	collector.Gauge("scheduled_tasks", "Number of recurring background tasks.", func() float64 {
		return float64(runner.Len())
	})

	presenceHandler := httptransport.NewPresenceHandler(presence, registry, hub, collector, httptransport.PresenceConfig{
		LeaseTTL:          cfg.PresenceLeaseTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, logger)
	healthHandler := httptransport.NewHealthHandler(map[string]httptransport.HealthCheck{
		"sqlite": storage.Ping,
	}, logger)

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Doctors:       httptransport.NewDoctorHandler(registry, logger),
		Presence:      presenceHandler,
		Consultations: httptransport.NewConsultationHandler(sessions, supervisor, logger),
		Streams:       httptransport.NewSessionStreamHandler(sessions, hub, logger),
		Metrics:       collector.Handler(),
		Health:        healthHandler,
		Middleware:    []func(http.Handler) http.Handler{httptransport.RequestLogger(logger), collector.Middleware},
		Identity:      httptransport.RequireIdentity(logger),
		RoleGuard:     roleGuard(logger),
	})

	// No WriteTimeout: event streams stay open for the whole consultation.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to shutdown server", "error", err)
		}
	}()

	logger.Info("teleconsult API listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newPublisher returns the Kafka publisher when brokers are configured and a
// log-only publisher otherwise.
func newPublisher(cfg config.Config, logger *slog.Logger) (application.EventPublisher, func(), error) {
	logPublisher := events.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) == 0 {
		return logPublisher, func() {}, nil
	}

	writer, err := events.NewKafkaWriter(events.WriterConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
	if err != nil {
		return nil, nil, fmt.Errorf("configure kafka: %w", err)
	}
	kafkaPublisher := events.NewKafkaPublisher(writer, time.Now, logger)
	logger.Info("publishing events to kafka", "brokers", strings.Join(cfg.KafkaBrokers, ","), "topic", cfg.KafkaTopic)
	return events.Fanout{kafkaPublisher, logPublisher}, func() {
		if err := kafkaPublisher.Close(); err != nil {
			logger.Error("failed to close kafka writer", "error", err)
		}
	}, nil
}

func roleGuard(logger *slog.Logger) func(roles ...application.Role) func(http.Handler) http.Handler {
	return func(roles ...application.Role) func(http.Handler) http.Handler {
		return httptransport.RequireRole(logger, roles...)
	}
}

func parseLevel(level string) slog.Level {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return parsed
}
