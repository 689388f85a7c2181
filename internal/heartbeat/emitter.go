// Package heartbeat keeps a signed-in doctor eligible for matching by writing
// periodic liveness updates.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/teleconsult/internal/scheduler"
)

// Status is reported to the OnBeat callback.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
)

// Backend is the server side the emitter talks to.
type Backend interface {
	// Connect registers the disconnect fallback for the doctor and returns the
	// lease that keeps it armed.
	Connect(ctx context.Context, doctorID string) (leaseID string, err error)
	// Beat writes status=ACTIVE, lastActiveTime=now and renews the lease.
	Beat(ctx context.Context, doctorID, leaseID string) error
	// SignOff writes status=INACTIVE, busy=false and releases the lease.
	SignOff(ctx context.Context, doctorID, leaseID string) error
}

// Config configures an Emitter.
type Config struct {
	DoctorID           string
	Interval           time.Duration
	StalenessThreshold time.Duration
	// OnBeat is invoked after every successful beat and once with StatusOffline on Stop.
	OnBeat func(Status)
	// OnError is invoked when a beat fails.
	OnError func(error)
	Logger  *slog.Logger
}

var (
	// ErrIntervalTooLong is returned when beats would not arrive before the doctor turns stale.
	ErrIntervalTooLong = errors.New("heartbeat: interval must be shorter than the staleness threshold")
	// ErrAlreadyStarted is returned by a second Start without an intervening Stop.
	ErrAlreadyStarted = errors.New("heartbeat: already started")
)

// Emitter is the explicit heartbeat context of one signed-in doctor.
type Emitter struct {
	backend  Backend
	sched    scheduler.Scheduler
	doctorID string
	interval time.Duration
	onBeat   func(Status)
	onError  func(error)
	logger   *slog.Logger

	mu      sync.Mutex
	leaseID string
	handle  scheduler.Handle
}

// New validates cfg and constructs an emitter.
func New(backend Backend, sched scheduler.Scheduler, cfg Config) (*Emitter, error) {
	if backend == nil || sched == nil {
		return nil, errors.New("heartbeat: backend and scheduler are required")
	}
	if cfg.DoctorID == "" {
		return nil, errors.New("heartbeat: doctor id is required")
	}
	if cfg.Interval <= 0 || cfg.StalenessThreshold <= 0 || cfg.Interval >= cfg.StalenessThreshold {
		return nil, fmt.Errorf("%w: interval %s, threshold %s", ErrIntervalTooLong, cfg.Interval, cfg.StalenessThreshold)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onBeat := cfg.OnBeat
	if onBeat == nil {
		onBeat = func(Status) {}
	}
	onError := cfg.OnError
	if onError == nil {
		onError = func(error) {}
	}
	return &Emitter{
		backend:  backend,
		sched:    sched,
		doctorID: cfg.DoctorID,
		interval: cfg.Interval,
		onBeat:   onBeat,
		onError:  onError,
		logger:   logger.With("component", "heartbeat", "doctor_id", cfg.DoctorID),
	}, nil
}

// Start arms the disconnect fallback, beats once and schedules the periodic beat.
func (e *Emitter) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != nil {
		return ErrAlreadyStarted
	}

	leaseID, err := e.backend.Connect(ctx, e.doctorID)
	if err != nil {
		return fmt.Errorf("heartbeat: connect: %w", err)
	}
	e.leaseID = leaseID

	if err := e.beat(ctx, leaseID); err != nil {
		if signErr := e.backend.SignOff(ctx, e.doctorID, leaseID); signErr != nil {
			e.logger.WarnContext(ctx, "failed to release lease after initial beat failure", "error", signErr)
		}
		e.leaseID = ""
		return fmt.Errorf("heartbeat: initial beat: %w", err)
	}

	handle, err := e.sched.Every("heartbeat:"+e.doctorID, e.interval, func(taskCtx context.Context) {
		if beatErr := e.beat(taskCtx, leaseID); beatErr != nil {
			e.logger.WarnContext(taskCtx, "heartbeat failed", "error", beatErr)
			e.onError(beatErr)
		}
	})
	if err != nil {
		return fmt.Errorf("heartbeat: schedule: %w", err)
	}
	e.handle = handle

	e.logger.InfoContext(ctx, "heartbeat started", "interval", e.interval.String())
	return nil
}

// Stop cancels the periodic beat, then marks the doctor offline and releases
// the lease. Calling Stop on a stopped emitter is a no-op.
func (e *Emitter) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == nil {
		return nil
	}
	e.handle.Stop()
	e.handle = nil

	leaseID := e.leaseID
	e.leaseID = ""
	if err := e.backend.SignOff(ctx, e.doctorID, leaseID); err != nil {
		return fmt.Errorf("heartbeat: sign off: %w", err)
	}
	e.onBeat(StatusOffline)
	e.logger.InfoContext(ctx, "heartbeat stopped")
	return nil
}

// Running reports whether the periodic beat is scheduled.
func (e *Emitter) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle != nil
}

func (e *Emitter) beat(ctx context.Context, leaseID string) error {
	if err := e.backend.Beat(ctx, e.doctorID, leaseID); err != nil {
		return err
	}
	e.onBeat(StatusOnline)
	return nil
}
