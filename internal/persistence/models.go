package persistence

import "time"

// Doctor represents a doctor directory entry together with its liveness and lock state.
type Doctor struct {
	ID              string
	Name            string
	Email           string
	Approved        bool
	Blocked         bool
	Status          string
	Busy            bool
	LastActiveTime  time.Time
	ActiveSessionID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DoctorPatch lists the doctor columns to overwrite. Nil fields are left untouched.
type DoctorPatch struct {
	Approved       *bool
	Blocked        *bool
	Status         *string
	Busy           *bool
	LastActiveTime *time.Time
	// ActiveSessionID set to an empty string stores NULL.
	ActiveSessionID *string
}

// HealthData stores the most recent vitals reported for a consultation.
type HealthData struct {
	BP        string
	Temp      string
	Sugar     string
	SpO2      string
	UpdatedAt time.Time
}

// Session represents a consultation between a patient and the assigned doctor.
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
	Status       string
	HealthData   *HealthData
	Prescription *string
	Reassigned   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SessionPatch lists the session columns to overwrite. Nil fields are left untouched.
type SessionPatch struct {
	DoctorID     *string
	DoctorName   *string
	Emergency    *bool
	HealthData   *HealthData
	Prescription *string
	EndTime      *time.Time
	Status       *string
	Reassigned   *bool
}

// ChatMessage is a single immutable chat line. Seq reflects arrival order.
type ChatMessage struct {
	Seq       int64
	SessionID string
	Role      string
	Text      string
	Timestamp time.Time
}
