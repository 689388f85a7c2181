// Package watchdog watches the doctor assigned to each active consultation
// and moves the consultation to another doctor when the heartbeat goes stale.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/teleconsult/internal/application"
	"github.com/example/teleconsult/internal/scheduler"
)

// Outcome labels the result of a single check.
type Outcome string

const (
	OutcomeIdle       Outcome = "idle"
	OutcomeHealthy    Outcome = "healthy"
	OutcomeRetargeted Outcome = "retargeted"
	OutcomeReassigned Outcome = "reassigned"
	OutcomeNoDoctor   Outcome = "no_doctor"
	OutcomeClosed     Outcome = "closed"
	OutcomeFailed     Outcome = "failed"
)

const maxReassignAttempts = 3

// ErrIntervalTooLong is returned when checks would run less often than a
// heartbeat can go stale.
var ErrIntervalTooLong = errors.New("watchdog: interval must not exceed the staleness threshold")

// Observer receives check outcomes, typically for metrics.
type Observer interface {
	ObserveWatchdog(outcome string)
}

type nopObserver struct{}

func (nopObserver) ObserveWatchdog(string) {}

// Deps wires a watchdog to the registry and the session lifecycle.
type Deps struct {
	Registry  *application.DoctorRegistry
	Sessions  *application.SessionService
	Scheduler scheduler.Scheduler
	Events    application.EventPublisher
	Observer  Observer
	Interval  time.Duration
	Threshold time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

func (d Deps) withDefaults() (Deps, error) {
	if d.Registry == nil || d.Sessions == nil || d.Scheduler == nil {
		return d, errors.New("watchdog: registry, sessions and scheduler are required")
	}
	if d.Threshold <= 0 {
		d.Threshold = application.DefaultStalenessThreshold
	}
	if d.Interval <= 0 {
		d.Interval = 10 * time.Second
	}
	if d.Interval > d.Threshold {
		return d, fmt.Errorf("%w: interval %s, threshold %s", ErrIntervalTooLong, d.Interval, d.Threshold)
	}
	if d.Events == nil {
		d.Events = application.NopPublisher{}
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d, nil
}

// Watchdog is the explicit liveness context of one consultation: the session
// it guards, the doctor currently assigned and the scheduled check.
type Watchdog struct {
	SessionID string

	deps   Deps
	logger *slog.Logger

	// run serialises checks so at most one reassignment is in flight.
	run sync.Mutex

	mu       sync.Mutex
	doctorID string
	handle   scheduler.Handle
	// parked is set when the watched doctor disconnected and nobody could
	// take over. Only Start clears it.
	parked bool
}

// New builds a stopped watchdog for sessionID.
func New(deps Deps, sessionID string) (*Watchdog, error) {
	deps, err := deps.withDefaults()
	if err != nil {
		return nil, err
	}
	return newWatchdog(deps, sessionID), nil
}

func newWatchdog(deps Deps, sessionID string) *Watchdog {
	return &Watchdog{
		SessionID: sessionID,
		deps:      deps,
		logger:    deps.Logger.With("component", "watchdog", "session_id", sessionID),
	}
}

// Start schedules periodic checks against doctorID. Starting on the doctor
// already watched is a no-op; starting on another doctor replaces the task.
func (w *Watchdog) Start(doctorID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handle != nil {
		if w.doctorID == doctorID {
			return nil
		}
		w.handle.Stop()
		w.handle = nil
	}
	w.parked = false
	handle, err := w.deps.Scheduler.Every("watchdog:"+w.SessionID, w.deps.Interval, func(ctx context.Context) {
		if _, err := w.Check(ctx); err != nil {
			w.logger.WarnContext(ctx, "watchdog check failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("watchdog: schedule: %w", err)
	}
	w.doctorID = doctorID
	w.handle = handle
	return nil
}

// Stop cancels the scheduled check. It is safe to call more than once.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handle != nil {
		w.handle.Stop()
		w.handle = nil
	}
}

// Running reports whether a check is scheduled.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle != nil
}

// Parked reports whether the watchdog stopped because its doctor disconnected
// and no replacement was available.
func (w *Watchdog) Parked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.parked
}

func (w *Watchdog) park() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handle != nil {
		w.handle.Stop()
		w.handle = nil
	}
	w.parked = true
}

// DoctorID is the doctor currently watched.
func (w *Watchdog) DoctorID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doctorID
}

// Check reads the watched doctor once. A heartbeat older than the threshold,
// an INACTIVE status or a missing record counts as a disconnect and triggers
// reassignment.
func (w *Watchdog) Check(ctx context.Context) (outcome Outcome, err error) {
	w.run.Lock()
	defer w.run.Unlock()
	defer func() { w.deps.Observer.ObserveWatchdog(string(outcome)) }()

	if !w.Running() {
		return OutcomeIdle, nil
	}
	doctorID := w.DoctorID()

	doctor, found, err := w.deps.Registry.GetDoctor(ctx, doctorID)
	if err != nil {
		return OutcomeFailed, err
	}
	if found && !w.stale(doctor) {
		return OutcomeHealthy, nil
	}

	w.logger.InfoContext(ctx, "doctor disconnected",
		"doctor_id", doctorID,
		"found", found,
	)
	w.emit(ctx, application.Event{
		Type:       application.EventDoctorDisconnected,
		SessionID:  w.SessionID,
		DoctorID:   doctorID,
		OccurredAt: w.deps.Now(),
	})
	return w.replace(ctx, doctorID, true)
}

// Reassign moves the session to another doctor now, without waiting for the
// current one to go stale. The current doctor is not marked offline.
func (w *Watchdog) Reassign(ctx context.Context) (outcome Outcome, err error) {
	w.run.Lock()
	defer w.run.Unlock()
	defer func() { w.deps.Observer.ObserveWatchdog(string(outcome)) }()

	session, err := w.deps.Sessions.LoadSession(ctx, w.SessionID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !session.Active() {
		w.Stop()
		return OutcomeClosed, application.ErrSessionClosed
	}
	return w.replace(ctx, session.DoctorID, false)
}

func (w *Watchdog) stale(doctor application.Doctor) bool {
	return doctor.Status == application.DoctorInactive ||
		w.deps.Now().Sub(doctor.LastActiveTime) > w.deps.Threshold
}

// replace claims a replacement for oldDoctorID. When the old doctor
// disconnected (markOffline) the watchdog stops first and the doctor is taken
// offline; an empty pool then parks the watchdog. On an explicit request the
// old doctor stays watched until a replacement is claimed. Transient failures
// re-arm the watchdog on the old doctor so the next tick retries.
func (w *Watchdog) replace(ctx context.Context, oldDoctorID string, markOffline bool) (Outcome, error) {
	// Stopping the task cancels the context of the tick that got us here.
	ctx = context.WithoutCancel(ctx)

	session, err := w.deps.Sessions.LoadSession(ctx, w.SessionID)
	if err != nil {
		if errors.Is(err, application.ErrNotFound) {
			w.Stop()
			return OutcomeClosed, nil
		}
		return OutcomeFailed, err
	}
	if !session.Active() {
		w.Stop()
		return OutcomeClosed, nil
	}
	if session.DoctorID != oldDoctorID {
		if err := w.Start(session.DoctorID); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeRetargeted, nil
	}

	if markOffline {
		w.Stop()
		if _, err := w.deps.Registry.MarkOffline(ctx, oldDoctorID); err != nil && !errors.Is(err, application.ErrNotFound) {
			w.logger.WarnContext(ctx, "failed to mark disconnected doctor offline",
				"doctor_id", oldDoctorID,
				"error", err,
			)
		}
	}

	excluded := map[string]struct{}{oldDoctorID: {}}
	matcher := w.deps.Sessions.Matcher()
	for attempt := 0; attempt < maxReassignAttempts; attempt++ {
		doctors, err := w.deps.Registry.ListDoctors(ctx)
		if err != nil {
			return w.rearm(oldDoctorID, err)
		}
		candidate, ok := matcher.Find(doctors, w.deps.Now(), excluded)
		if !ok {
			break
		}

		updated, err := w.deps.Sessions.Reassign(ctx, application.ReassignParams{
			SessionID: w.SessionID,
			NewDoctor: candidate,
		})
		switch {
		case err == nil:
			w.deps.Sessions.Notify(ctx, application.Notice{
				Kind:       application.NoticeReassigned,
				SessionID:  w.SessionID,
				DoctorID:   updated.DoctorID,
				DoctorName: updated.DoctorName,
				Message:    reassignedMessage(updated.DoctorName, markOffline),
			})
			if err := w.Start(updated.DoctorID); err != nil {
				return OutcomeFailed, err
			}
			return OutcomeReassigned, nil
		case errors.Is(err, application.ErrDoctorUnavailable):
			excluded[candidate.ID] = struct{}{}
		case errors.Is(err, application.ErrSessionClosed), errors.Is(err, application.ErrNotFound):
			w.Stop()
			return OutcomeClosed, nil
		default:
			return w.rearm(oldDoctorID, err)
		}
	}

	w.deps.Sessions.Notify(ctx, application.Notice{
		Kind:      application.NoticeNoDoctorAvailable,
		SessionID: w.SessionID,
		DoctorID:  oldDoctorID,
		Message:   noDoctorMessage(markOffline),
	})
	w.logger.WarnContext(ctx, "no replacement doctor available",
		"doctor_id", oldDoctorID,
		"disconnected", markOffline,
	)
	if markOffline {
		w.park()
		return OutcomeNoDoctor, nil
	}
	if err := w.Start(oldDoctorID); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeNoDoctor, nil
}

func reassignedMessage(doctorName string, disconnected bool) string {
	if disconnected {
		return "Your doctor disconnected. You have been connected to " + doctorName + "."
	}
	return "You have been connected to " + doctorName + "."
}

func noDoctorMessage(disconnected bool) string {
	if disconnected {
		return "Your doctor disconnected and no other doctor is available right now."
	}
	return "No other doctor is available right now. Your current doctor remains with you."
}

func (w *Watchdog) rearm(doctorID string, cause error) (Outcome, error) {
	if err := w.Start(doctorID); err != nil {
		return OutcomeFailed, errors.Join(cause, err)
	}
	return OutcomeFailed, cause
}

func (w *Watchdog) emit(ctx context.Context, event application.Event) {
	if err := w.deps.Events.Publish(ctx, event); err != nil {
		w.logger.WarnContext(ctx, "failed to publish event", "event_type", string(event.Type), "error", err)
	}
}
