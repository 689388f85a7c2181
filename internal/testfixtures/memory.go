package testfixtures

import (
	"context"
	"sort"
	"sync"

	"github.com/example/teleconsult/internal/application"
	"github.com/example/teleconsult/internal/persistence"
)

// MemoryDoctorStore is an application.DoctorStore kept in memory. Claims use
// the same compare-and-set semantics as the SQLite repository.
type MemoryDoctorStore struct {
	mu      sync.Mutex
	order   []string
	doctors map[string]application.Doctor

	// FailUpdates makes every UpdateDoctor call fail with the given error.
	FailUpdates error
}

// NewMemoryDoctorStore returns an empty store.
func NewMemoryDoctorStore() *MemoryDoctorStore {
	return &MemoryDoctorStore{doctors: make(map[string]application.Doctor)}
}

// Put inserts or replaces a doctor, keeping the original registry position.
func (s *MemoryDoctorStore) Put(doctor application.Doctor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.doctors[doctor.ID]; !exists {
		s.order = append(s.order, doctor.ID)
	}
	s.doctors[doctor.ID] = doctor
}

// Doctor returns the stored record for assertions.
func (s *MemoryDoctorStore) Doctor(id string) (application.Doctor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doctor, ok := s.doctors[id]
	return doctor, ok
}

func (s *MemoryDoctorStore) CreateDoctor(ctx context.Context, doctor application.Doctor) (application.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.doctors[doctor.ID]; exists {
		return application.Doctor{}, persistence.ErrDuplicate
	}
	s.order = append(s.order, doctor.ID)
	s.doctors[doctor.ID] = doctor
	return doctor, nil
}

func (s *MemoryDoctorStore) GetDoctor(ctx context.Context, id string) (application.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doctor, ok := s.doctors[id]
	if !ok {
		return application.Doctor{}, persistence.ErrNotFound
	}
	return doctor, nil
}

func (s *MemoryDoctorStore) ListDoctors(ctx context.Context) ([]application.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]application.Doctor, 0, len(s.order))
	for _, id := range s.order {
		if doctor, ok := s.doctors[id]; ok {
			out = append(out, doctor)
		}
	}
	return out, nil
}

func (s *MemoryDoctorStore) UpdateDoctor(ctx context.Context, id string, patch application.DoctorPatch) (application.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdates != nil {
		return application.Doctor{}, s.FailUpdates
	}
	doctor, ok := s.doctors[id]
	if !ok {
		return application.Doctor{}, persistence.ErrNotFound
	}
	if patch.Approved != nil {
		doctor.Approved = *patch.Approved
	}
	if patch.Blocked != nil {
		doctor.Blocked = *patch.Blocked
	}
	if patch.Status != nil {
		doctor.Status = *patch.Status
	}
	if patch.Busy != nil {
		doctor.Busy = *patch.Busy
	}
	if patch.LastActiveTime != nil {
		doctor.LastActiveTime = *patch.LastActiveTime
	}
	if patch.ActiveSessionID != nil {
		doctor.ActiveSessionID = *patch.ActiveSessionID
	}
	if doctor.Busy != (doctor.ActiveSessionID != "") {
		return application.Doctor{}, persistence.ErrConstraintViolation
	}
	s.doctors[id] = doctor
	return doctor, nil
}

func (s *MemoryDoctorStore) ClaimDoctor(ctx context.Context, id, sessionID string) (application.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doctor, ok := s.doctors[id]
	if !ok {
		return application.Doctor{}, persistence.ErrNotFound
	}
	if doctor.Busy {
		return application.Doctor{}, persistence.ErrConflict
	}
	doctor.Busy = true
	doctor.ActiveSessionID = sessionID
	s.doctors[id] = doctor
	return doctor, nil
}

func (s *MemoryDoctorStore) ReleaseDoctor(ctx context.Context, id, sessionID string) (application.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doctor, ok := s.doctors[id]
	if !ok {
		return application.Doctor{}, persistence.ErrNotFound
	}
	if doctor.ActiveSessionID == sessionID {
		doctor.Busy = false
		doctor.ActiveSessionID = ""
		s.doctors[id] = doctor
	}
	return doctor, nil
}

func (s *MemoryDoctorStore) DeleteDoctor(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doctors[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.doctors, id)
	return nil
}

// MemorySessionStore is an application.SessionStore kept in memory.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]application.Session
	chat     map[string][]application.ChatMessage
	seq      int64
}

// NewMemorySessionStore returns an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]application.Session),
		chat:     make(map[string][]application.ChatMessage),
	}
}

// Put inserts or replaces a session.
func (s *MemorySessionStore) Put(session application.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
}

// Session returns the stored record for assertions.
func (s *MemorySessionStore) Session(id string) (application.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Len reports how many sessions are stored.
func (s *MemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *MemorySessionStore) CreateSession(ctx context.Context, session application.Session) (application.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.ID == "" {
		return application.Session{}, persistence.ErrConstraintViolation
	}
	if _, exists := s.sessions[session.ID]; exists {
		return application.Session{}, persistence.ErrDuplicate
	}
	s.sessions[session.ID] = session
	return session, nil
}

func (s *MemorySessionStore) GetSession(ctx context.Context, id string) (application.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return application.Session{}, persistence.ErrNotFound
	}
	return session, nil
}

func (s *MemorySessionStore) UpdateSession(ctx context.Context, id string, patch application.SessionPatch) (application.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return application.Session{}, persistence.ErrNotFound
	}
	if patch.DoctorID != nil {
		session.DoctorID = *patch.DoctorID
	}
	if patch.DoctorName != nil {
		session.DoctorName = *patch.DoctorName
	}
	if patch.Emergency != nil {
		session.Emergency = *patch.Emergency
	}
	if patch.HealthData != nil {
		health := *patch.HealthData
		session.HealthData = &health
	}
	if patch.Prescription != nil {
		session.Prescription = copyStringPtr(patch.Prescription)
	}
	if patch.EndTime != nil {
		session.EndTime = copyTimePtr(patch.EndTime)
	}
	if patch.Status != nil {
		session.Status = *patch.Status
	}
	if patch.Reassigned != nil {
		session.Reassigned = *patch.Reassigned
	}
	s.sessions[id] = session
	return session, nil
}

func (s *MemorySessionStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.chat, id)
	return nil
}

func (s *MemorySessionStore) ListSessions(ctx context.Context, query application.SessionQuery) ([]application.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []application.Session
	for _, session := range s.sessions {
		if query.PatientID != "" && session.PatientID != query.PatientID {
			continue
		}
		if query.DoctorID != "" && session.DoctorID != query.DoctorID {
			continue
		}
		if query.Status != "" && session.Status != query.Status {
			continue
		}
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (s *MemorySessionStore) AppendChatMessage(ctx context.Context, sessionID string, message application.ChatMessage) (application.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return application.ChatMessage{}, persistence.ErrNotFound
	}
	s.seq++
	message.Seq = s.seq
	s.chat[sessionID] = append(s.chat[sessionID], message)
	return message, nil
}

func (s *MemorySessionStore) ListChatMessages(ctx context.Context, sessionID string) ([]application.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]application.ChatMessage, len(s.chat[sessionID]))
	copy(out, s.chat[sessionID])
	return out, nil
}
