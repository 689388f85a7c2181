package persistence

import "context"

// DoctorRepository exposes the doctor directory and its lock columns.
type DoctorRepository interface {
	CreateDoctor(ctx context.Context, doctor Doctor) error
	GetDoctor(ctx context.Context, id string) (Doctor, error)
	ListDoctors(ctx context.Context) ([]Doctor, error)
	UpdateDoctor(ctx context.Context, id string, patch DoctorPatch) (Doctor, error)
	// ClaimDoctor locks the doctor to sessionID only while the doctor is not busy.
	// A lost race is reported as ErrConflict.
	ClaimDoctor(ctx context.Context, id, sessionID string) (Doctor, error)
	// ReleaseDoctor clears the lock only while it is still held by sessionID.
	ReleaseDoctor(ctx context.Context, id, sessionID string) (Doctor, error)
	DeleteDoctor(ctx context.Context, id string) error
}

// SessionFilter narrows session queries. Empty fields are ignored.
type SessionFilter struct {
	PatientID string
	DoctorID  string
	Status    string
	Limit     int
}

// SessionRepository stores consultations and their chat transcripts.
type SessionRepository interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)
	AppendChatMessage(ctx context.Context, message ChatMessage) (ChatMessage, error)
	ListChatMessages(ctx context.Context, sessionID string) ([]ChatMessage, error)
}
