package testfixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/teleconsult/internal/application"
	"github.com/example/teleconsult/internal/persistence"
)

var (
	doctorCounter  uint64
	sessionCounter uint64
)

var referenceTime = time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// ---------------------------- Doctor fixtures ----------------------------

// DoctorFixture represents a deterministic doctor record that can be
// materialised for application or persistence tests. The default fixture is
// eligible for matching at ReferenceTime.
type DoctorFixture struct {
	ID              string
	Name            string
	Email           string
	Approved        bool
	Blocked         bool
	Status          application.DoctorStatus
	LastActiveTime  time.Time
	ActiveSessionID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DoctorOption configures the generated doctor fixture.
type DoctorOption func(*DoctorFixture)

// NewDoctorFixture returns a deterministic doctor fixture with optional overrides.
func NewDoctorFixture(opts ...DoctorOption) DoctorFixture {
	idx := atomic.AddUint64(&doctorCounter, 1)
	id := fmt.Sprintf("doctor-%03d", idx)
	created := referenceTime.Add(-time.Duration(idx) * time.Hour)
	fixture := DoctorFixture{
		ID:             id,
		Name:           fmt.Sprintf("Dr %03d", idx),
		Email:          fmt.Sprintf("%s@example.com", id),
		Approved:       true,
		Status:         application.DoctorActive,
		LastActiveTime: referenceTime,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithDoctorID overrides the generated doctor ID and derived email.
func WithDoctorID(id string) DoctorOption {
	return func(f *DoctorFixture) {
		f.ID = id
		f.Email = fmt.Sprintf("%s@example.com", id)
	}
}

// WithDoctorName overrides the generated display name.
func WithDoctorName(name string) DoctorOption {
	return func(f *DoctorFixture) {
		f.Name = name
	}
}

// WithDoctorApproval sets the approved and blocked flags.
func WithDoctorApproval(approved, blocked bool) DoctorOption {
	return func(f *DoctorFixture) {
		f.Approved = approved
		f.Blocked = blocked
	}
}

// WithDoctorInactive marks the doctor offline.
func WithDoctorInactive() DoctorOption {
	return func(f *DoctorFixture) {
		f.Status = application.DoctorInactive
	}
}

// WithDoctorHeartbeat sets the last heartbeat instant.
func WithDoctorHeartbeat(t time.Time) DoctorOption {
	return func(f *DoctorFixture) {
		f.LastActiveTime = t
	}
}

// WithDoctorLockedTo locks the doctor to the given session.
func WithDoctorLockedTo(sessionID string) DoctorOption {
	return func(f *DoctorFixture) {
		f.ActiveSessionID = sessionID
	}
}

// WithDoctorCreatedAt sets both timestamps, which also fixes registry order.
func WithDoctorCreatedAt(t time.Time) DoctorOption {
	return func(f *DoctorFixture) {
		f.CreatedAt = t
		f.UpdatedAt = t
	}
}

// Application materialises the fixture as an application doctor.
func (f DoctorFixture) Application() application.Doctor {
	return application.Doctor{
		ID:              f.ID,
		Name:            f.Name,
		Email:           f.Email,
		Approved:        f.Approved,
		Blocked:         f.Blocked,
		Status:          f.Status,
		Busy:            f.ActiveSessionID != "",
		LastActiveTime:  f.LastActiveTime,
		ActiveSessionID: f.ActiveSessionID,
		CreatedAt:       f.CreatedAt,
		UpdatedAt:       f.UpdatedAt,
	}
}

// Persistence materialises the fixture as a stored doctor row.
func (f DoctorFixture) Persistence() persistence.Doctor {
	var active *string
	if f.ActiveSessionID != "" {
		id := f.ActiveSessionID
		active = &id
	}
	return persistence.Doctor{
		ID:              f.ID,
		Name:            f.Name,
		Email:           f.Email,
		Approved:        f.Approved,
		Blocked:         f.Blocked,
		Status:          string(f.Status),
		Busy:            active != nil,
		LastActiveTime:  f.LastActiveTime,
		ActiveSessionID: active,
		CreatedAt:       f.CreatedAt,
		UpdatedAt:       f.UpdatedAt,
	}
}

// Principal returns the doctor's identity.
func (f DoctorFixture) Principal() application.Principal {
	return application.Principal{UserID: f.ID, Role: application.RoleDoctor}
}

// ---------------------------- Session fixtures ---------------------------

// SessionFixture represents a deterministic consultation record.
type SessionFixture struct {
	ID           string
	PatientID    string
	PatientName  string
	DoctorID     string
	DoctorName   string
	Symptoms     *string
	Emergency    bool
	StartTime    time.Time
	EndTime      *time.Time
	Prescription *string
	Reassigned   bool
}

// SessionOption configures the generated session fixture.
type SessionOption func(*SessionFixture)

// NewSessionFixture returns an active session fixture with optional overrides.
func NewSessionFixture(opts ...SessionOption) SessionFixture {
	idx := atomic.AddUint64(&sessionCounter, 1)
	fixture := SessionFixture{
		ID:          fmt.Sprintf("session-%03d", idx),
		PatientID:   fmt.Sprintf("patient-%03d", idx),
		PatientName: fmt.Sprintf("Patient %03d", idx),
		DoctorID:    "doctor-001",
		DoctorName:  "Dr 001",
		StartTime:   referenceTime,
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) SessionOption {
	return func(f *SessionFixture) {
		f.ID = id
	}
}

// WithSessionPatient overrides the patient.
func WithSessionPatient(id string) SessionOption {
	return func(f *SessionFixture) {
		f.PatientID = id
	}
}

// WithSessionDoctor assigns the session to the doctor fixture.
func WithSessionDoctor(doctor DoctorFixture) SessionOption {
	return func(f *SessionFixture) {
		f.DoctorID = doctor.ID
		f.DoctorName = doctor.Name
	}
}

// WithSessionSymptoms sets the reported symptoms.
func WithSessionSymptoms(symptoms string) SessionOption {
	return func(f *SessionFixture) {
		f.Symptoms = &symptoms
	}
}

// WithSessionEmergency flags the session as an emergency.
func WithSessionEmergency() SessionOption {
	return func(f *SessionFixture) {
		f.Emergency = true
	}
}

// WithSessionStart sets the start time.
func WithSessionStart(t time.Time) SessionOption {
	return func(f *SessionFixture) {
		f.StartTime = t
	}
}

// WithSessionCompleted closes the session after length with a prescription.
func WithSessionCompleted(length time.Duration, prescription string) SessionOption {
	return func(f *SessionFixture) {
		end := f.StartTime.Add(length)
		f.EndTime = &end
		f.Prescription = &prescription
	}
}

func (f SessionFixture) status() string {
	if f.EndTime != nil {
		return string(application.SessionCompleted)
	}
	return string(application.SessionActive)
}

// Application materialises the fixture as an application session.
func (f SessionFixture) Application() application.Session {
	return application.Session{
		ID:           f.ID,
		PatientID:    f.PatientID,
		PatientName:  f.PatientName,
		DoctorID:     f.DoctorID,
		DoctorName:   f.DoctorName,
		Symptoms:     copyStringPtr(f.Symptoms),
		Emergency:    f.Emergency,
		StartTime:    f.StartTime,
		EndTime:      copyTimePtr(f.EndTime),
		Status:       application.SessionStatus(f.status()),
		Prescription: copyStringPtr(f.Prescription),
		Reassigned:   f.Reassigned,
		CreatedAt:    f.StartTime,
		UpdatedAt:    f.StartTime,
	}
}

// Persistence materialises the fixture as a stored session row.
func (f SessionFixture) Persistence() persistence.Session {
	return persistence.Session{
		ID:           f.ID,
		PatientID:    f.PatientID,
		PatientName:  f.PatientName,
		DoctorID:     f.DoctorID,
		DoctorName:   f.DoctorName,
		Symptoms:     copyStringPtr(f.Symptoms),
		Emergency:    f.Emergency,
		StartTime:    f.StartTime,
		EndTime:      copyTimePtr(f.EndTime),
		Status:       f.status(),
		Prescription: copyStringPtr(f.Prescription),
		Reassigned:   f.Reassigned,
		CreatedAt:    f.StartTime,
		UpdatedAt:    f.StartTime,
	}
}

// PatientPrincipal returns the patient's identity.
func (f SessionFixture) PatientPrincipal() application.Principal {
	return application.Principal{UserID: f.PatientID, Role: application.RolePatient}
}

func copyStringPtr(src *string) *string {
	if src == nil {
		return nil
	}
	value := *src
	return &value
}

func copyTimePtr(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	value := *src
	return &value
}
