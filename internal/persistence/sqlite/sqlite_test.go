package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/teleconsult/internal/persistence"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	storage, err := Open(filepath.Join(t.TempDir(), "teleconsult.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	require.NoError(t, storage.Migrate(context.Background()))
	return storage
}

func seedDoctor(t *testing.T, storage *Storage, id string) persistence.Doctor {
	t.Helper()
	doctor := persistence.Doctor{
		ID:             id,
		Name:           "Dr " + id,
		Email:          id + "@clinic.example",
		Approved:       true,
		Status:         "ACTIVE",
		LastActiveTime: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, storage.CreateDoctor(context.Background(), doctor))
	return doctor
}

func seedSession(t *testing.T, storage *Storage, id, patientID, doctorID string, start time.Time) persistence.Session {
	t.Helper()
	session := persistence.Session{
		ID:          id,
		PatientID:   patientID,
		PatientName: "Patient " + patientID,
		DoctorID:    doctorID,
		DoctorName:  "Dr " + doctorID,
		StartTime:   start,
		Status:      "ACTIVE",
	}
	require.NoError(t, storage.CreateSession(context.Background(), session))
	return session
}

func TestStorageMigrateIsIdempotent(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.Migrate(ctx))
	require.NoError(t, storage.Ping(ctx))
}

func TestOpenMemoryStorage(t *testing.T) {
	storage, err := Open(":memory:")
	require.NoError(t, err)
	defer storage.Close()

	ctx := context.Background()
	require.NoError(t, storage.Migrate(ctx))
	seedDoctor(t, storage, "doc-mem")

	doctors, err := storage.ListDoctors(ctx)
	require.NoError(t, err)
	assert.Len(t, doctors, 1)
}

func TestDoctorRepositoryCRUD(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	seedDoctor(t, storage, "doc-1")
	seedDoctor(t, storage, "doc-2")

	fetched, err := storage.GetDoctor(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1@clinic.example", fetched.Email)
	assert.True(t, fetched.Approved)
	assert.False(t, fetched.Busy)
	assert.Nil(t, fetched.ActiveSessionID)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), fetched.LastActiveTime)

	doctors, err := storage.ListDoctors(ctx)
	require.NoError(t, err)
	require.Len(t, doctors, 2)
	assert.Equal(t, "doc-1", doctors[0].ID)
	assert.Equal(t, "doc-2", doctors[1].ID)

	status := "INACTIVE"
	blocked := true
	updated, err := storage.UpdateDoctor(ctx, "doc-1", persistence.DoctorPatch{Status: &status, Blocked: &blocked})
	require.NoError(t, err)
	assert.Equal(t, "INACTIVE", updated.Status)
	assert.True(t, updated.Blocked)
	assert.True(t, updated.Approved, "untouched columns keep their value")

	_, err = storage.UpdateDoctor(ctx, "missing", persistence.DoctorPatch{Status: &status})
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	require.NoError(t, storage.DeleteDoctor(ctx, "doc-2"))
	_, err = storage.GetDoctor(ctx, "doc-2")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	assert.ErrorIs(t, storage.DeleteDoctor(ctx, "doc-2"), persistence.ErrNotFound)
}

func TestDoctorRepositoryRejectsDuplicateEmail(t *testing.T) {
	storage := newTestStorage(t)
	seedDoctor(t, storage, "doc-1")

	err := storage.CreateDoctor(context.Background(), persistence.Doctor{
		ID:    "doc-other",
		Name:  "Other",
		Email: "DOC-1@clinic.example",
	})
	assert.ErrorIs(t, err, persistence.ErrDuplicate)
}

func TestDoctorRepositoryKeepsBusyAndLockInStep(t *testing.T) {
	storage := newTestStorage(t)
	seedDoctor(t, storage, "doc-1")

	busy := true
	_, err := storage.UpdateDoctor(context.Background(), "doc-1", persistence.DoctorPatch{Busy: &busy})
	assert.ErrorIs(t, err, persistence.ErrConstraintViolation)
}

func TestClaimAndReleaseDoctor(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	seedDoctor(t, storage, "doc-1")

	claimed, err := storage.ClaimDoctor(ctx, "doc-1", "session-a")
	require.NoError(t, err)
	assert.True(t, claimed.Busy)
	require.NotNil(t, claimed.ActiveSessionID)
	assert.Equal(t, "session-a", *claimed.ActiveSessionID)

	_, err = storage.ClaimDoctor(ctx, "doc-1", "session-b")
	assert.ErrorIs(t, err, persistence.ErrConflict)

	_, err = storage.ClaimDoctor(ctx, "missing", "session-b")
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	// A release for another session leaves the lock in place.
	still, err := storage.ReleaseDoctor(ctx, "doc-1", "session-b")
	require.NoError(t, err)
	assert.True(t, still.Busy)

	released, err := storage.ReleaseDoctor(ctx, "doc-1", "session-a")
	require.NoError(t, err)
	assert.False(t, released.Busy)
	assert.Nil(t, released.ActiveSessionID)

	_, err = storage.ClaimDoctor(ctx, "doc-1", "session-b")
	require.NoError(t, err)
}

func TestClearingActiveSessionStoresNull(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	seedDoctor(t, storage, "doc-1")

	_, err := storage.ClaimDoctor(ctx, "doc-1", "session-a")
	require.NoError(t, err)

	busy := false
	empty := ""
	updated, err := storage.UpdateDoctor(ctx, "doc-1", persistence.DoctorPatch{Busy: &busy, ActiveSessionID: &empty})
	require.NoError(t, err)
	assert.False(t, updated.Busy)
	assert.Nil(t, updated.ActiveSessionID)
}

func TestSessionRepositoryLifecycle(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	symptoms := "cough"
	session := persistence.Session{
		ID:          "session-1",
		PatientID:   "patient-1",
		PatientName: "Pat",
		DoctorID:    "doc-1",
		DoctorName:  "Dr One",
		Symptoms:    &symptoms,
		StartTime:   start,
		Status:      "ACTIVE",
	}
	require.NoError(t, storage.CreateSession(ctx, session))

	fetched, err := storage.GetSession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, start, fetched.StartTime)
	require.NotNil(t, fetched.Symptoms)
	assert.Equal(t, "cough", *fetched.Symptoms)
	assert.Nil(t, fetched.HealthData)
	assert.Nil(t, fetched.EndTime)

	health := persistence.HealthData{BP: "120/80", Temp: "37.0", Sugar: "90", SpO2: "98", UpdatedAt: start.Add(time.Minute)}
	withVitals, err := storage.UpdateSession(ctx, "session-1", persistence.SessionPatch{HealthData: &health})
	require.NoError(t, err)
	require.NotNil(t, withVitals.HealthData)
	assert.Equal(t, health, *withVitals.HealthData)

	newDoctor, newName, reassigned := "doc-2", "Dr Two", true
	moved, err := storage.UpdateSession(ctx, "session-1", persistence.SessionPatch{
		DoctorID:   &newDoctor,
		DoctorName: &newName,
		Reassigned: &reassigned,
	})
	require.NoError(t, err)
	assert.Equal(t, "doc-2", moved.DoctorID)
	assert.True(t, moved.Reassigned)
	assert.NotNil(t, moved.HealthData, "vitals survive reassignment")

	prescription, status := "rest", "COMPLETED"
	end := start.Add(20 * time.Minute)
	completed, err := storage.UpdateSession(ctx, "session-1", persistence.SessionPatch{
		Prescription: &prescription,
		EndTime:      &end,
		Status:       &status,
	})
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", completed.Status)
	require.NotNil(t, completed.EndTime)
	assert.Equal(t, end, *completed.EndTime)
}

func TestSessionEndTimeRequiresCompletedStatus(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	seedSession(t, storage, "session-1", "patient-1", "doc-1", time.Now().UTC())

	end := time.Now().UTC()
	_, err := storage.UpdateSession(ctx, "session-1", persistence.SessionPatch{EndTime: &end})
	assert.ErrorIs(t, err, persistence.ErrConstraintViolation)
}

func TestListSessionsFilters(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	seedSession(t, storage, "s-1", "patient-1", "doc-1", base)
	seedSession(t, storage, "s-2", "patient-1", "doc-2", base.Add(time.Hour))
	seedSession(t, storage, "s-3", "patient-2", "doc-1", base.Add(2*time.Hour))

	status := "COMPLETED"
	end := base.Add(30 * time.Minute)
	_, err := storage.UpdateSession(ctx, "s-1", persistence.SessionPatch{Status: &status, EndTime: &end})
	require.NoError(t, err)

	byPatient, err := storage.ListSessions(ctx, persistence.SessionFilter{PatientID: "patient-1"})
	require.NoError(t, err)
	require.Len(t, byPatient, 2)
	assert.Equal(t, "s-2", byPatient[0].ID, "newest first")

	active, err := storage.ListSessions(ctx, persistence.SessionFilter{PatientID: "patient-1", Status: "ACTIVE"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "s-2", active[0].ID)

	limited, err := storage.ListSessions(ctx, persistence.SessionFilter{DoctorID: "doc-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "s-3", limited[0].ID)
}

func TestChatMessagesKeepArrivalOrder(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	seedSession(t, storage, "session-1", "patient-1", "doc-1", time.Now().UTC())

	first, err := storage.AppendChatMessage(ctx, persistence.ChatMessage{SessionID: "session-1", Role: "patient", Text: "hello"})
	require.NoError(t, err)
	second, err := storage.AppendChatMessage(ctx, persistence.ChatMessage{SessionID: "session-1", Role: "doctor", Text: "hi there"})
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)

	_, err = storage.AppendChatMessage(ctx, persistence.ChatMessage{SessionID: "session-1", Role: "doctor", Text: "   "})
	assert.ErrorIs(t, err, persistence.ErrConstraintViolation)

	_, err = storage.AppendChatMessage(ctx, persistence.ChatMessage{SessionID: "missing", Role: "doctor", Text: "lost"})
	assert.ErrorIs(t, err, persistence.ErrConstraintViolation)

	messages, err := storage.ListChatMessages(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "hello", messages[0].Text)
	assert.Equal(t, "doctor", messages[1].Role)

	require.NoError(t, storage.DeleteSession(ctx, "session-1"))
	messages, err = storage.ListChatMessages(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestErrorMapperClassifiesSQLiteErrors(t *testing.T) {
	mapper := NewErrorMapper()

	assert.Nil(t, mapper.MapError(nil))
	assert.ErrorIs(t, mapper.MapError(errString("UNIQUE constraint failed: doctors.email")), persistence.ErrDuplicate)
	assert.ErrorIs(t, mapper.MapError(errString("CHECK constraint failed: busy")), persistence.ErrConstraintViolation)
	assert.True(t, isRetryableError(mapper.MapError(errString("database is locked (5) (SQLITE_BUSY)"))))
	assert.False(t, isRetryableError(persistence.ErrConflict))
}

type errString string

func (e errString) Error() string { return string(e) }
