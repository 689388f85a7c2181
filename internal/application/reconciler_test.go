package application

import (
	"context"
	"sort"
	"testing"
	"time"
)

type leaseSweeperStub struct {
	expired int
	calls   int
}

func (s *leaseSweeperStub) Sweep(ctx context.Context) int {
	s.calls++
	return s.expired
}

func lockedDoctor(id, sessionID string, now time.Time) Doctor {
	doctor := eligibleDoctor(id, now)
	doctor.Busy = true
	doctor.ActiveSessionID = sessionID
	return doctor
}

func TestReconciler_Sweep(t *testing.T) {
	now := time.Date(2024, time.May, 1, 10, 0, 0, 0, time.UTC)

	doctors := newMemDoctorStore(
		lockedDoctor("d-healthy", "s-active", now),
		lockedDoctor("d-completed", "s-done", now),
		lockedDoctor("d-missing", "s-gone", now),
		lockedDoctor("d-moved", "s-moved", now),
		eligibleDoctor("d-idle", now),
	)
	sessions := newMemSessionStore(
		Session{ID: "s-active", DoctorID: "d-healthy", Status: SessionActive, StartTime: now},
		completedSession("s-done", "p-1", "d-completed", now, time.Minute),
		Session{ID: "s-moved", DoctorID: "d-other", Status: SessionActive, StartTime: now, Reassigned: true},
	)
	events := &recordingPublisher{}
	leases := &leaseSweeperStub{expired: 2}
	registry := NewDoctorRegistry(doctors, nil, func() time.Time { return now })

	reconciler := NewReconciler(registry, sessions, leases, events, func() time.Time { return now }, nil)

	report, err := reconciler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if report.Checked != 4 {
		t.Fatalf("expected 4 locked doctors checked, got %d", report.Checked)
	}
	sort.Strings(report.Repaired)
	want := []string{"d-completed", "d-missing", "d-moved"}
	if len(report.Repaired) != len(want) {
		t.Fatalf("repaired = %v, want %v", report.Repaired, want)
	}
	for i := range want {
		if report.Repaired[i] != want[i] {
			t.Fatalf("repaired = %v, want %v", report.Repaired, want)
		}
	}
	if report.ExpiredLeases != 2 || leases.calls != 1 {
		t.Fatalf("expected lease sweep to run once, got %+v calls=%d", report, leases.calls)
	}

	if d := doctors.get("d-healthy"); !d.Busy {
		t.Fatal("expected the healthy lock to be kept")
	}
	for _, id := range want {
		if d := doctors.get(id); d.Busy || d.ActiveSessionID != "" {
			t.Fatalf("expected %s unlocked, got %+v", id, d)
		}
	}

	types := events.types()
	if len(types) != 3 {
		t.Fatalf("expected three repair events, got %v", types)
	}
	for _, typ := range types {
		if typ != EventDoctorRepaired {
			t.Fatalf("unexpected event %s", typ)
		}
	}
}

func TestReconciler_CountsFailures(t *testing.T) {
	now := time.Date(2024, time.May, 1, 10, 0, 0, 0, time.UTC)
	doctors := newMemDoctorStore(lockedDoctor("d-1", "s-gone", now))
	doctors.releaseErr = errStoreDown
	reconciler := NewReconciler(NewDoctorRegistry(doctors, nil, nil), newMemSessionStore(), nil, nil, nil, nil)

	report, err := reconciler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Failures != 1 || len(report.Repaired) != 0 {
		t.Fatalf("expected a single failure, got %+v", report)
	}
}
