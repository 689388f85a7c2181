// Command doctor-agent keeps a doctor signed in: it opens a presence lease,
// beats on a fixed interval and signs off on shutdown.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/teleconsult/internal/client"
	"github.com/example/teleconsult/internal/config"
	"github.com/example/teleconsult/internal/heartbeat"
	"github.com/example/teleconsult/internal/scheduler"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to read .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.LoadAgent()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).With("doctor_id", cfg.DoctorID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger) error {
	presence, err := client.NewPresenceClient(cfg.ServerURL, &http.Client{}, cfg.RequestTimeout, logger)
	if err != nil {
		return err
	}

	runner := scheduler.NewRunner(logger)
	runner.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Stop(stopCtx)
	}()

	reconnect := make(chan struct{}, 1)
	emitter, err := heartbeat.New(presence, runner, heartbeat.Config{
		DoctorID:           cfg.DoctorID,
		Interval:           cfg.HeartbeatInterval,
		StalenessThreshold: cfg.StalenessThreshold,
		OnBeat: func(status heartbeat.Status) {
			logger.Debug("heartbeat", "status", string(status))
		},
		OnError: func(err error) {
			if errors.Is(err, client.ErrLeaseGone) {
				select {
				case reconnect <- struct{}{}:
				default:
				}
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	if err := startWithRetry(ctx, emitter, cfg.HeartbeatInterval, logger); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
			defer cancel()
			if err := emitter.Stop(stopCtx); err != nil {
				return err
			}
			logger.Info("signed off")
			return nil
		case <-reconnect:
			logger.Warn("presence lease expired, reconnecting")
			if err := emitter.Stop(ctx); err != nil {
				logger.Warn("sign off before reconnect failed", "error", err)
			}
			if err := startWithRetry(ctx, emitter, cfg.HeartbeatInterval, logger); err != nil {
				return err
			}
		}
	}
}

// startWithRetry keeps trying to connect until it succeeds or ctx ends.
func startWithRetry(ctx context.Context, emitter *heartbeat.Emitter, wait time.Duration, logger *slog.Logger) error {
	for {
		err := emitter.Start(ctx)
		if err == nil || errors.Is(err, heartbeat.ErrAlreadyStarted) {
			return nil
		}
		if errors.Is(err, client.ErrRejected) {
			return err
		}
		logger.Warn("connect failed, retrying", "error", err, "retry_in", wait.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
