package application

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/teleconsult/internal/persistence"
)

// memDoctorStore mimics the SQLite doctor repository, including the
// compare-and-set semantics of claims.
type memDoctorStore struct {
	mu      sync.Mutex
	order   []string
	doctors map[string]Doctor

	listErr    error
	updateErr  error
	releaseErr error
	claimErr   error
	writes     int
}

func newMemDoctorStore(doctors ...Doctor) *memDoctorStore {
	store := &memDoctorStore{doctors: make(map[string]Doctor)}
	for _, doctor := range doctors {
		store.order = append(store.order, doctor.ID)
		store.doctors[doctor.ID] = doctor
	}
	return store
}

func (s *memDoctorStore) CreateDoctor(ctx context.Context, doctor Doctor) (Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.doctors[doctor.ID]; exists {
		return Doctor{}, persistence.ErrDuplicate
	}
	s.order = append(s.order, doctor.ID)
	s.doctors[doctor.ID] = doctor
	s.writes++
	return doctor, nil
}

func (s *memDoctorStore) GetDoctor(ctx context.Context, id string) (Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doctor, ok := s.doctors[id]
	if !ok {
		return Doctor{}, persistence.ErrNotFound
	}
	return doctor, nil
}

func (s *memDoctorStore) ListDoctors(ctx context.Context) ([]Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]Doctor, 0, len(s.order))
	for _, id := range s.order {
		if doctor, ok := s.doctors[id]; ok {
			out = append(out, doctor)
		}
	}
	return out, nil
}

func (s *memDoctorStore) UpdateDoctor(ctx context.Context, id string, patch DoctorPatch) (Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return Doctor{}, s.updateErr
	}
	doctor, ok := s.doctors[id]
	if !ok {
		return Doctor{}, persistence.ErrNotFound
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
		return Doctor{}, persistence.ErrConstraintViolation
	}
	s.doctors[id] = doctor
	s.writes++
	return doctor, nil
}

func (s *memDoctorStore) ClaimDoctor(ctx context.Context, id, sessionID string) (Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return Doctor{}, s.claimErr
	}
	doctor, ok := s.doctors[id]
	if !ok {
		return Doctor{}, persistence.ErrNotFound
	}
	if doctor.Busy {
		return Doctor{}, persistence.ErrConflict
	}
	doctor.Busy = true
	doctor.ActiveSessionID = sessionID
	s.doctors[id] = doctor
	s.writes++
	return doctor, nil
}

func (s *memDoctorStore) ReleaseDoctor(ctx context.Context, id, sessionID string) (Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.releaseErr != nil {
		return Doctor{}, s.releaseErr
	}
	doctor, ok := s.doctors[id]
	if !ok {
		return Doctor{}, persistence.ErrNotFound
	}
	if doctor.ActiveSessionID == sessionID {
		doctor.Busy = false
		doctor.ActiveSessionID = ""
		s.doctors[id] = doctor
		s.writes++
	}
	return doctor, nil
}

func (s *memDoctorStore) DeleteDoctor(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doctors[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.doctors, id)
	s.writes++
	return nil
}

func (s *memDoctorStore) get(id string) Doctor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doctors[id]
}

func (s *memDoctorStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// memSessionStore keeps sessions and chat lines in memory.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	chat     map[string][]ChatMessage
	seq      int64

	createErr error
	updateErr error
	deleted   []string
}

func newMemSessionStore(sessions ...Session) *memSessionStore {
	store := &memSessionStore{
		sessions: make(map[string]Session),
		chat:     make(map[string][]ChatMessage),
	}
	for _, session := range sessions {
		store.sessions[session.ID] = session
	}
	return store
}

func (s *memSessionStore) CreateSession(ctx context.Context, session Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return Session{}, s.createErr
	}
	if session.ID == "" {
		return Session{}, persistence.ErrConstraintViolation
	}
	if _, exists := s.sessions[session.ID]; exists {
		return Session{}, persistence.ErrDuplicate
	}
	s.sessions[session.ID] = session
	return session, nil
}

func (s *memSessionStore) GetSession(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return Session{}, persistence.ErrNotFound
	}
	return session, nil
}

func (s *memSessionStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return Session{}, s.updateErr
	}
	session, ok := s.sessions[id]
	if !ok {
		return Session{}, persistence.ErrNotFound
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
		prescription := *patch.Prescription
		session.Prescription = &prescription
	}
	if patch.EndTime != nil {
		end := *patch.EndTime
		session.EndTime = &end
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

func (s *memSessionStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.chat, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *memSessionStore) ListSessions(ctx context.Context, query SessionQuery) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
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

func (s *memSessionStore) AppendChatMessage(ctx context.Context, sessionID string, message ChatMessage) (ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ChatMessage{}, persistence.ErrNotFound
	}
	s.seq++
	message.Seq = s.seq
	s.chat[sessionID] = append(s.chat[sessionID], message)
	return message, nil
}

func (s *memSessionStore) ListChatMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(s.chat[sessionID]))
	copy(out, s.chat[sessionID])
	return out, nil
}

func (s *memSessionStore) get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	return session, ok
}

func (s *memSessionStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// recordingNotifier keeps every publication and dispatches to subscribers.
type recordingNotifier struct {
	mu          sync.Mutex
	published   []string
	subscribers map[string][]func(any)
}

func (n *recordingNotifier) Publish(key string, payload any) {
	n.mu.Lock()
	n.published = append(n.published, key)
	fns := append([]func(any){}, n.subscribers[key]...)
	n.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (n *recordingNotifier) Subscribe(key string, fn func(any)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subscribers == nil {
		n.subscribers = make(map[string][]func(any))
	}
	n.subscribers[key] = append(n.subscribers[key], fn)
	index := len(n.subscribers[key]) - 1
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.subscribers[key][index] = func(any) {}
	}
}

func (n *recordingNotifier) keys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.published...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type recordingObserver struct {
	matches     []string
	transitions []string
}

func (o *recordingObserver) ObserveMatch(outcome string) {
	o.matches = append(o.matches, outcome)
}

func (o *recordingObserver) ObserveSession(transition string) {
	o.transitions = append(o.transitions, transition)
}

var errStoreDown = errors.New("store unavailable")

func sequentialIDs(ids ...string) func() string {
	var mu sync.Mutex
	next := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(ids) {
			return ""
		}
		id := ids[next]
		next++
		return id
	}
}
