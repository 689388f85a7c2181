package application

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// LeaseSweeper expires presence leases whose holders stopped renewing them and
// reports how many fallbacks fired.
type LeaseSweeper interface {
	Sweep(ctx context.Context) int
}

// SweepReport summarises a reconciliation pass.
type SweepReport struct {
	Checked       int
	Repaired      []string
	ExpiredLeases int
	Failures      int
}

// Reconciler repairs doctor locks that outlived their session, which happens
// when a release after completion fails or a session record disappears.
type Reconciler struct {
	doctors  *DoctorRegistry
	sessions SessionStore
	leases   LeaseSweeper
	events   EventPublisher
	now      func() time.Time
	logger   *slog.Logger
}

// NewReconciler constructs a reconciler. leases and events may be nil.
func NewReconciler(doctors *DoctorRegistry, sessions SessionStore, leases LeaseSweeper, events EventPublisher, now func() time.Time, logger *slog.Logger) *Reconciler {
	if events == nil {
		events = NopPublisher{}
	}
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		doctors:  doctors,
		sessions: sessions,
		leases:   leases,
		events:   events,
		now:      now,
		logger:   defaultLogger(logger),
	}
}

// Sweep checks every locked doctor and clears locks whose session is missing,
// completed, or assigned to someone else.
func (r *Reconciler) Sweep(ctx context.Context) (report SweepReport, err error) {
	logger := serviceLogger(ctx, r.logger, "Reconciler", "Sweep")
	defer func() {
		if err != nil {
			logOutcome(ctx, logger, err, "reconciliation failed", "")
			return
		}
		if len(report.Repaired) > 0 || report.ExpiredLeases > 0 || report.Failures > 0 {
			logger.InfoContext(ctx, "reconciliation repaired state",
				"repaired", len(report.Repaired),
				"expired_leases", report.ExpiredLeases,
				"failures", report.Failures,
			)
		}
	}()

	if r.leases != nil {
		report.ExpiredLeases = r.leases.Sweep(ctx)
	}

	doctors, err := r.doctors.ListDoctors(ctx)
	if err != nil {
		return
	}

	for _, doctor := range doctors {
		if !doctor.Busy || doctor.ActiveSessionID == "" {
			continue
		}
		report.Checked++

		stale, reason, checkErr := r.staleLock(ctx, doctor)
		if checkErr != nil {
			report.Failures++
			logger.WarnContext(ctx, "failed to inspect doctor lock",
				"doctor_id", doctor.ID,
				"session_id", doctor.ActiveSessionID,
				"error", checkErr,
			)
			continue
		}
		if !stale {
			continue
		}

		if _, relErr := r.doctors.ReleaseDoctor(ctx, doctor.ID, doctor.ActiveSessionID); relErr != nil {
			report.Failures++
			logger.WarnContext(ctx, "failed to clear stale doctor lock",
				"doctor_id", doctor.ID,
				"session_id", doctor.ActiveSessionID,
				"error", relErr,
				"error_kind", ErrorKind(relErr),
			)
			continue
		}

		report.Repaired = append(report.Repaired, doctor.ID)
		logger.InfoContext(ctx, "stale session detected, lock cleared",
			"doctor_id", doctor.ID,
			"session_id", doctor.ActiveSessionID,
			"reason", reason,
		)
		if pubErr := r.events.Publish(ctx, Event{
			Type:       EventDoctorRepaired,
			SessionID:  doctor.ActiveSessionID,
			DoctorID:   doctor.ID,
			OccurredAt: r.now(),
			Attributes: map[string]string{"reason": reason},
		}); pubErr != nil {
			logger.WarnContext(ctx, "failed to publish repair event", "error", pubErr)
		}
	}
	return
}

func (r *Reconciler) staleLock(ctx context.Context, doctor Doctor) (bool, string, error) {
	session, err := r.sessions.GetSession(ctx, doctor.ActiveSessionID)
	if err != nil {
		if errors.Is(mapSessionRepoError(err), ErrNotFound) {
			return true, "session_missing", nil
		}
		return false, "", mapSessionRepoError(err)
	}
	switch {
	case !session.Active():
		return true, "session_completed", nil
	case session.DoctorID != doctor.ID:
		return true, "session_reassigned", nil
	}
	return false, "", nil
}
