package testfixtures

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/example/teleconsult/internal/persistence"
	"github.com/example/teleconsult/internal/persistence/sqlite"
)

// SQLiteHarness provides repository access backed by a temporary SQLite storage
// instance for integration-style persistence tests.
type SQLiteHarness struct {
	Doctors  persistence.DoctorRepository
	Sessions persistence.SessionRepository
	Storage  *sqlite.Storage

	cleanup func()
}

// Close releases resources associated with the harness.
func (h *SQLiteHarness) Close() {
	if h != nil && h.cleanup != nil {
		h.cleanup()
		h.cleanup = nil
	}
}

// NewSQLiteHarness constructs a SQLiteHarness using a temporary file that is
// migrated automatically. Callers may optionally invoke Close, but the helper
// will also register a cleanup callback with the provided testing.TB.
func NewSQLiteHarness(tb testing.TB) *SQLiteHarness {
	tb.Helper()

	dir := tb.TempDir()
	path := filepath.Join(dir, "teleconsult.db")

	storage, err := sqlite.Open(path)
	if err != nil {
		tb.Fatalf("failed to open storage: %v", err)
	}

	if err := storage.Migrate(context.Background()); err != nil {
		_ = storage.Close()
		tb.Fatalf("failed to migrate storage: %v", err)
	}

	harness := &SQLiteHarness{
		Doctors:  storage,
		Sessions: storage,
		Storage:  storage,
		cleanup: func() {
			_ = storage.Close()
		},
	}

	tb.Cleanup(harness.Close)
	return harness
}

// SeedDoctors inserts the fixtures in order.
func (h *SQLiteHarness) SeedDoctors(tb testing.TB, doctors ...DoctorFixture) {
	tb.Helper()
	for _, doctor := range doctors {
		if err := h.Doctors.CreateDoctor(context.Background(), doctor.Persistence()); err != nil {
			tb.Fatalf("failed to seed doctor %s: %v", doctor.ID, err)
		}
	}
}

// SeedSessions inserts the fixtures in order.
func (h *SQLiteHarness) SeedSessions(tb testing.TB, sessions ...SessionFixture) {
	tb.Helper()
	for _, session := range sessions {
		if err := h.Sessions.CreateSession(context.Background(), session.Persistence()); err != nil {
			tb.Fatalf("failed to seed session %s: %v", session.ID, err)
		}
	}
}
