package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/teleconsult/internal/application"
	"github.com/example/teleconsult/internal/realtime"
	"github.com/example/teleconsult/internal/testfixtures"
)

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *outcomeRecorder) ObserveWatchdog(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

type harness struct {
	factory      *testfixtures.ServiceFactory
	hub          *realtime.Hub
	consultation *testfixtures.Consultation
	sched        *testfixtures.ManualScheduler
	supervisor   *Supervisor
	observer     *outcomeRecorder
	notices      []application.Notice
}

func newHarness(t *testing.T, doctors ...testfixtures.DoctorFixture) *harness {
	t.Helper()
	h := &harness{
		factory:  testfixtures.NewServiceFactory(),
		hub:      realtime.NewHub(),
		observer: &outcomeRecorder{},
	}
	h.consultation = h.factory.NewConsultation(h.hub, doctors...)
	h.sched = testfixtures.NewManualScheduler(h.factory.Clock)

	supervisor, err := NewSupervisor(Deps{
		Registry:  h.consultation.Registry,
		Sessions:  h.consultation.Service,
		Scheduler: h.sched,
		Observer:  h.observer,
		Interval:  10 * time.Second,
		Threshold: 30 * time.Second,
		Now:       h.factory.Clock.NowFunc(),
	})
	require.NoError(t, err)
	h.supervisor = supervisor
	return h
}

func (h *harness) request(t *testing.T, patientID string) application.Session {
	t.Helper()
	result, err := h.consultation.Service.RequestConsultation(context.Background(), application.RequestConsultationParams{
		Principal: application.Principal{UserID: patientID, Role: application.RolePatient},
		Symptoms:  "fever",
	})
	require.NoError(t, err)

	h.hub.Subscribe(application.NoticeKey(result.Session.ID), func(payload any) {
		if notice, ok := payload.(application.Notice); ok {
			h.notices = append(h.notices, notice)
		}
	})
	return result.Session
}

func TestStaleDoctorIsReplaced(t *testing.T) {
	d1 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d1"), testfixtures.WithDoctorName("Dr One"))
	h := newHarness(t, d1)
	session := h.request(t, "patient-1")
	require.Equal(t, "d1", session.DoctorID)

	w, err := h.supervisor.Watch(session.ID, "d1")
	require.NoError(t, err)

	h.factory.Clock.Advance(35 * time.Second)
	d2 := testfixtures.NewDoctorFixture(
		testfixtures.WithDoctorID("d2"),
		testfixtures.WithDoctorName("Dr Two"),
		testfixtures.WithDoctorHeartbeat(h.factory.Clock.Now()),
	)
	h.consultation.Doctors.Put(d2.Application())

	outcome, err := w.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeReassigned, outcome)

	stored, ok := h.consultation.Sessions.Session(session.ID)
	require.True(t, ok)
	assert.Equal(t, "d2", stored.DoctorID)
	assert.Equal(t, "Dr Two", stored.DoctorName)
	assert.True(t, stored.Reassigned)
	assert.Equal(t, application.SessionActive, stored.Status)

	old, _ := h.consultation.Doctors.Doctor("d1")
	assert.Equal(t, application.DoctorInactive, old.Status)
	assert.False(t, old.Busy)
	assert.Empty(t, old.ActiveSessionID)

	replacement, _ := h.consultation.Doctors.Doctor("d2")
	assert.True(t, replacement.Busy)
	assert.Equal(t, session.ID, replacement.ActiveSessionID)

	assert.True(t, w.Running())
	assert.Equal(t, "d2", w.DoctorID())
	require.Len(t, h.notices, 1)
	assert.Equal(t, application.NoticeReassigned, h.notices[0].Kind)
	assert.Equal(t, "d2", h.notices[0].DoctorID)
}

func TestNoReplacementKeepsSessionActive(t *testing.T) {
	d1 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d1"))
	h := newHarness(t, d1)
	session := h.request(t, "patient-1")

	w, err := h.supervisor.Watch(session.ID, "d1")
	require.NoError(t, err)
	h.factory.Clock.Advance(35 * time.Second)

	outcome, err := w.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoDoctor, outcome)

	stored, _ := h.consultation.Sessions.Session(session.ID)
	assert.Equal(t, application.SessionActive, stored.Status)
	assert.Equal(t, "d1", stored.DoctorID)
	assert.False(t, stored.Reassigned)
	assert.False(t, w.Running())
	assert.True(t, w.Parked())

	require.Len(t, h.notices, 1)
	assert.Equal(t, application.NoticeNoDoctorAvailable, h.notices[0].Kind)

	outcome, err = w.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
}

func TestFreshHeartbeatIsHealthy(t *testing.T) {
	d1 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d1"))
	h := newHarness(t, d1)
	session := h.request(t, "patient-1")

	w, err := h.supervisor.Watch(session.ID, "d1")
	require.NoError(t, err)

	// Exactly at the threshold is not yet stale.
	h.factory.Clock.Advance(30 * time.Second)
	outcome, err := w.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeHealthy, outcome)
	assert.Empty(t, h.notices)
}

func TestInactiveOrMissingDoctorCountsAsDisconnected(t *testing.T) {
	d1 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d1"))
	d2 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d2"))
	h := newHarness(t, d1, d2)
	session := h.request(t, "patient-1")
	require.Equal(t, "d1", session.DoctorID)

	w, err := h.supervisor.Watch(session.ID, "d1")
	require.NoError(t, err)

	_, err = h.consultation.Registry.UpdateDoctor(context.Background(), "d1", application.DoctorPatch{
		Status: ptr(application.DoctorInactive),
	})
	require.NoError(t, err)

	outcome, err := w.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeReassigned, outcome)
	assert.Equal(t, "d2", w.DoctorID())
}

func TestScheduledChecksReassignAfterThreshold(t *testing.T) {
	d1 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d1"))
	h := newHarness(t, d1)
	unsubscribe := h.supervisor.Follow(h.hub)
	defer unsubscribe()

	session := h.request(t, "patient-1")
	require.Equal(t, 1, h.supervisor.Len())

	d2 := testfixtures.NewDoctorFixture(
		testfixtures.WithDoctorID("d2"),
		testfixtures.WithDoctorHeartbeat(testfixtures.ReferenceTime().Add(35*time.Second)),
	)
	h.consultation.Doctors.Put(d2.Application())

	h.sched.Advance(40 * time.Second)

	assert.Equal(t, []string{"healthy", "healthy", "healthy", "reassigned"}, h.observer.outcomes)
	stored, _ := h.consultation.Sessions.Session(session.ID)
	assert.Equal(t, "d2", stored.DoctorID)
	w, ok := h.supervisor.Watchdog(session.ID)
	require.True(t, ok)
	assert.Equal(t, "d2", w.DoctorID())
	assert.Equal(t, 1, h.sched.Len())
}

func TestFollowReleasesCompletedSessions(t *testing.T) {
	d1 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d1"))
	h := newHarness(t, d1)
	unsubscribe := h.supervisor.Follow(h.hub)
	defer unsubscribe()

	session := h.request(t, "patient-1")
	w, ok := h.supervisor.Watchdog(session.ID)
	require.True(t, ok)
	assert.Equal(t, "d1", w.DoctorID())

	_, err := h.consultation.Service.AppendChatMessage(context.Background(), application.AppendChatParams{
		Principal: application.Principal{UserID: "patient-1", Role: application.RolePatient},
		SessionID: session.ID,
		Text:      "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.supervisor.Len())

	_, err = h.consultation.Service.CompleteSession(context.Background(), application.CompleteSessionParams{
		Principal:    d1.Principal(),
		SessionID:    session.ID,
		Prescription: "rest",
	})
	require.NoError(t, err)
	assert.Zero(t, h.supervisor.Len())
	assert.False(t, w.Running())
	assert.Zero(t, h.sched.Len())
}

func TestReArmWatchesActiveSessions(t *testing.T) {
	h := newHarness(t)
	active := testfixtures.NewSessionFixture(testfixtures.WithSessionID("s-active"))
	done := testfixtures.NewSessionFixture(
		testfixtures.WithSessionID("s-done"),
		testfixtures.WithSessionCompleted(10*time.Minute, "rest"),
	)
	h.consultation.Sessions.Put(active.Application())
	h.consultation.Sessions.Put(done.Application())

	armed, err := h.supervisor.ReArm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, armed)

	w, ok := h.supervisor.Watchdog("s-active")
	require.True(t, ok)
	assert.Equal(t, active.DoctorID, w.DoctorID())
	_, ok = h.supervisor.Watchdog("s-done")
	assert.False(t, ok)
}

func TestFindNewDoctorKeepsPriorDoctorOnline(t *testing.T) {
	d1 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d1"))
	d2 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d2"))
	h := newHarness(t, d1, d2)
	session := h.request(t, "patient-1")

	updated, outcome, err := h.supervisor.FindNewDoctor(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReassigned, outcome)
	assert.Equal(t, "d2", updated.DoctorID)

	prior, _ := h.consultation.Doctors.Doctor("d1")
	assert.Equal(t, application.DoctorActive, prior.Status)
	assert.False(t, prior.Busy)

	_, err = h.consultation.Registry.MarkOffline(context.Background(), "d1")
	require.NoError(t, err)
	_, outcome, err = h.supervisor.FindNewDoctor(context.Background(), session.ID)
	assert.ErrorIs(t, err, application.ErrNoDoctorAvailable)
	assert.Equal(t, OutcomeNoDoctor, outcome)
}

func TestFindNewDoctorWithoutReplacementKeepsWatching(t *testing.T) {
	d1 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d1"))
	h := newHarness(t, d1)
	session := h.request(t, "patient-1")

	w, err := h.supervisor.Watch(session.ID, "d1")
	require.NoError(t, err)

	unchanged, outcome, err := h.supervisor.FindNewDoctor(context.Background(), session.ID)
	assert.ErrorIs(t, err, application.ErrNoDoctorAvailable)
	assert.Equal(t, OutcomeNoDoctor, outcome)
	assert.Equal(t, "d1", unchanged.DoctorID)

	assert.True(t, w.Running())
	assert.False(t, w.Parked())
	assert.Equal(t, "d1", w.DoctorID())
	current, _ := h.consultation.Doctors.Doctor("d1")
	assert.Equal(t, application.DoctorActive, current.Status)
	assert.True(t, current.Busy)

	require.Len(t, h.notices, 1)
	assert.Equal(t, application.NoticeNoDoctorAvailable, h.notices[0].Kind)
	assert.NotContains(t, h.notices[0].Message, "disconnected")

	// The doctor that stayed on the session still goes stale.
	h.sched.Advance(40 * time.Second)
	assert.Equal(t, []string{"no_doctor", "healthy", "healthy", "healthy", "no_doctor"}, h.observer.outcomes)
	assert.True(t, w.Parked())
	gone, _ := h.consultation.Doctors.Doctor("d1")
	assert.Equal(t, application.DoctorInactive, gone.Status)
	require.Len(t, h.notices, 2)
	assert.Contains(t, h.notices[1].Message, "disconnected")
}

func TestFollowLeavesParkedWatchdogStopped(t *testing.T) {
	d1 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d1"))
	h := newHarness(t, d1)
	unsubscribe := h.supervisor.Follow(h.hub)
	defer unsubscribe()

	session := h.request(t, "patient-1")
	h.sched.Advance(40 * time.Second)

	w, ok := h.supervisor.Watchdog(session.ID)
	require.True(t, ok)
	require.True(t, w.Parked())
	require.Len(t, h.notices, 1)

	_, err := h.consultation.Service.SubmitVitals(context.Background(), application.SubmitVitalsParams{
		Principal: application.Principal{UserID: "patient-1", Role: application.RolePatient},
		SessionID: session.ID,
		BP:        "120/80",
	})
	require.NoError(t, err)

	assert.False(t, w.Running())
	assert.True(t, w.Parked())
	assert.Zero(t, h.sched.Len())

	h.sched.Advance(30 * time.Second)
	assert.Equal(t, []string{"healthy", "healthy", "healthy", "no_doctor"}, h.observer.outcomes)
	assert.Len(t, h.notices, 1)

	d2 := testfixtures.NewDoctorFixture(
		testfixtures.WithDoctorID("d2"),
		testfixtures.WithDoctorHeartbeat(h.factory.Clock.Now()),
	)
	h.consultation.Doctors.Put(d2.Application())

	updated, outcome, err := h.supervisor.FindNewDoctor(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReassigned, outcome)
	assert.Equal(t, "d2", updated.DoctorID)
	assert.True(t, w.Running())
	assert.False(t, w.Parked())
	assert.Equal(t, "d2", w.DoctorID())
}

func TestSupervisorRejectsSlowInterval(t *testing.T) {
	h := newHarness(t)
	_, err := NewSupervisor(Deps{
		Registry:  h.consultation.Registry,
		Sessions:  h.consultation.Service,
		Scheduler: h.sched,
		Interval:  time.Minute,
		Threshold: 30 * time.Second,
	})
	assert.ErrorIs(t, err, ErrIntervalTooLong)
}

func ptr[T any](v T) *T {
	return &v
}
