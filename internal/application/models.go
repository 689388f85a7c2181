package application

import "time"

// Role identifies what kind of user is acting.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Principal represents the identified user invoking a service method.
type Principal struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the principal may use the doctor administration workflow.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// DoctorStatus is the presence state written by the heartbeat.
type DoctorStatus string

const (
	DoctorActive   DoctorStatus = "ACTIVE"
	DoctorInactive DoctorStatus = "INACTIVE"
)

// Doctor is a directory entry together with its liveness and lock state.
// Busy is true exactly when ActiveSessionID is non-empty.
type Doctor struct {
	ID              string
	Name            string
	Email           string
	Approved        bool
	Blocked         bool
	Status          DoctorStatus
	Busy            bool
	LastActiveTime  time.Time
	ActiveSessionID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DoctorPatch lists the doctor fields to overwrite. Nil fields are left untouched.
type DoctorPatch struct {
	Approved       *bool
	Blocked        *bool
	Status         *DoctorStatus
	Busy           *bool
	LastActiveTime *time.Time
	// ActiveSessionID set to an empty string clears the lock.
	ActiveSessionID *string
}

// normalize keeps Busy and ActiveSessionID consistent: clearing the session
// clears busy, and clearing busy clears the session. Setting busy without a
// session is rejected by the store.
func (p DoctorPatch) normalize() DoctorPatch {
	if p.ActiveSessionID != nil {
		busy := *p.ActiveSessionID != ""
		p.Busy = &busy
	} else if p.Busy != nil && !*p.Busy {
		empty := ""
		p.ActiveSessionID = &empty
	}
	return p
}

// SessionStatus is the lifecycle state of a consultation.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
)

// ChatRole identifies the author of a chat line.
type ChatRole string

const (
	ChatRolePatient ChatRole = "patient"
	ChatRoleDoctor  ChatRole = "doctor"
)

// ChatMessage is a single immutable chat line. Seq reflects arrival order.
type ChatMessage struct {
	Seq       int64
	Role      ChatRole
	Text      string
	Timestamp time.Time
}

// HealthData holds the most recent vitals reported by the patient.
type HealthData struct {
	BP        string
	Temp      string
	Sugar     string
	SpO2      string
	UpdatedAt time.Time
}

// Session is a consultation between a patient and the currently assigned doctor.
type Session struct {
	ID           string
	PatientID    string
	PatientName  string
	DoctorID     string
	DoctorName   string
	Symptoms     *string
	Emergency    bool
	StartTime    time.Time
	EndTime      *time.Time
	Status       SessionStatus
	HealthData   *HealthData
	Prescription *string
	Chat         []ChatMessage
	Reassigned   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Active reports whether the consultation is still open.
func (s Session) Active() bool {
	return s.Status == SessionActive
}

// SessionPatch lists the session fields to overwrite. Nil fields are left untouched.
type SessionPatch struct {
	DoctorID     *string
	DoctorName   *string
	Emergency    *bool
	HealthData   *HealthData
	Prescription *string
	EndTime      *time.Time
	Status       *SessionStatus
	Reassigned   *bool
}

// SessionQuery narrows session listings. Empty fields are ignored.
type SessionQuery struct {
	PatientID string
	DoctorID  string
	Status    SessionStatus
	Limit     int
}

// RegisterDoctorParams wraps the data required to add a doctor to the directory.
type RegisterDoctorParams struct {
	Principal Principal
	ID        string
	Name      string
	Email     string
}

// CreateSessionParams wraps the data required to open a consultation with a chosen doctor.
type CreateSessionParams struct {
	PatientID   string
	PatientName string
	Symptoms    string
	Doctor      Doctor
}

// RequestConsultationParams wraps a patient's request to be matched with a doctor.
type RequestConsultationParams struct {
	Principal   Principal
	PatientName string
	Symptoms    string
}

// ConsultationResult reports the session handed to the patient and whether an
// existing active consultation was resumed instead of matching a new doctor.
type ConsultationResult struct {
	Session Session
	Resumed bool
}

// AppendChatParams wraps a chat line sent by either participant.
type AppendChatParams struct {
	Principal Principal
	SessionID string
	Text      string
}

// SubmitVitalsParams wraps the vitals a patient reports during a consultation.
type SubmitVitalsParams struct {
	Principal Principal
	SessionID string
	BP        string
	Temp      string
	Sugar     string
	SpO2      string
}

// ReassignParams moves an active consultation to another doctor.
type ReassignParams struct {
	SessionID string
	NewDoctor Doctor
}

// CompleteSessionParams wraps the doctor's closing prescription.
type CompleteSessionParams struct {
	Principal    Principal
	SessionID    string
	Prescription string
}

// HistoryEntry is a consultation summary with a human readable duration.
type HistoryEntry struct {
	Session       Session
	Duration      time.Duration
	DurationLabel string
}

// DoctorStats summarises a doctor's caseload.
type DoctorStats struct {
	TotalPatients int
	Today         int
	Emergencies   int
}

// DoctorHistory is the recent caseload of a doctor together with its stats.
type DoctorHistory struct {
	Recent []HistoryEntry
	Stats  DoctorStats
}

// EventType labels a consultation lifecycle event.
type EventType string

const (
	EventSessionCreated     EventType = "session.created"
	EventSessionResumed     EventType = "session.resumed"
	EventSessionReassigned  EventType = "session.reassigned"
	EventSessionCompleted   EventType = "session.completed"
	EventEmergencyFlagged   EventType = "session.emergency_flagged"
	EventVitalsSubmitted    EventType = "session.vitals_submitted"
	EventNoDoctorAvailable  EventType = "session.no_doctor_available"
	EventDoctorDisconnected EventType = "doctor.disconnected"
	EventDoctorRepaired     EventType = "doctor.repaired"
)

// Event describes a lifecycle change published to downstream consumers.
type Event struct {
	Type       EventType
	SessionID  string
	DoctorID   string
	PatientID  string
	OccurredAt time.Time
	Attributes map[string]string
}
