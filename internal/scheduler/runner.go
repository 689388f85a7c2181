// Package scheduler runs recurring single-slot tasks such as heartbeats,
// watchdog checks and reconciliation sweeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one run of a recurring job. ctx is cancelled when the job is stopped.
type Task func(ctx context.Context)

// Handle cancels a scheduled task. Stop is idempotent.
type Handle interface {
	Stop()
}

// Scheduler registers recurring tasks. At most one run of a task is in flight
// at a time; a tick that arrives while the previous run is busy is skipped.
type Scheduler interface {
	Every(name string, interval time.Duration, task Task) (Handle, error)
}

// ErrInvalidInterval is returned for non-positive intervals.
var ErrInvalidInterval = errors.New("scheduler: interval must be positive")

// Runner is the cron backed Scheduler.
type Runner struct {
	cron   *cron.Cron
	log    cron.Logger
	base   context.Context
	cancel context.CancelFunc
}

// NewRunner constructs a runner that reports job panics and skips to logger.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	adapter := cronLogger{logger: logger.With("component", "scheduler")}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron:   cron.New(cron.WithLogger(adapter), cron.WithChain(cron.Recover(adapter))),
		log:    adapter,
		base:   base,
		cancel: cancel,
	}
}

// Start begins dispatching scheduled tasks in the background.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop cancels every task context and waits for running tasks to return or
// for ctx to expire.
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Every schedules task every interval. Sub-second intervals are rounded up to
// one second.
func (r *Runner) Every(name string, interval time.Duration, task Task) (Handle, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, name)
	}
	if task == nil {
		return nil, fmt.Errorf("scheduler: task %s is nil", name)
	}

	ctx, cancel := context.WithCancel(r.base)
	job := cron.NewChain(cron.SkipIfStillRunning(r.log)).Then(cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		task(ctx)
	}))
	id := r.cron.Schedule(cron.Every(interval), job)

	return &entryHandle{runner: r, id: id, cancel: cancel}, nil
}

// Len reports the number of scheduled tasks.
func (r *Runner) Len() int {
	return len(r.cron.Entries())
}

type entryHandle struct {
	runner *Runner
	id     cron.EntryID
	cancel context.CancelFunc
	once   sync.Once
}

func (h *entryHandle) Stop() {
	h.once.Do(func() {
		h.cancel()
		h.runner.cron.Remove(h.id)
	})
}

// cronLogger adapts slog to the logger interface cron expects.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
