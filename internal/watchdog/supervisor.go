package watchdog

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/example/teleconsult/internal/application"
)

// TreeSubscriber delivers every change under a key prefix.
type TreeSubscriber interface {
	SubscribeTree(path string, fn func(key string, payload any)) func()
}

// Supervisor owns one watchdog per active session.
type Supervisor struct {
	deps   Deps
	logger *slog.Logger

	mu        sync.Mutex
	watchdogs map[string]*Watchdog
}

// NewSupervisor validates deps and returns an empty supervisor.
func NewSupervisor(deps Deps) (*Supervisor, error) {
	deps, err := deps.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		deps:      deps,
		logger:    deps.Logger.With("component", "watchdog_supervisor"),
		watchdogs: make(map[string]*Watchdog),
	}, nil
}

// Watch starts, or retargets, the watchdog of sessionID on doctorID.
func (s *Supervisor) Watch(sessionID, doctorID string) (*Watchdog, error) {
	w := s.watchdog(sessionID)
	if err := w.Start(doctorID); err != nil {
		return nil, err
	}
	return w, nil
}

// Release stops and forgets the watchdog of sessionID.
func (s *Supervisor) Release(sessionID string) {
	s.mu.Lock()
	w, ok := s.watchdogs[sessionID]
	delete(s.watchdogs, sessionID)
	s.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// Watchdog returns the watchdog of sessionID, if one exists.
func (s *Supervisor) Watchdog(sessionID string) (*Watchdog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watchdogs[sessionID]
	return w, ok
}

// Len reports how many sessions are supervised.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchdogs)
}

// ReArm starts a watchdog for every active session, used at process start.
func (s *Supervisor) ReArm(ctx context.Context) (int, error) {
	sessions, err := s.deps.Sessions.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, session := range sessions {
		if _, err := s.Watch(session.ID, session.DoctorID); err != nil {
			s.logger.WarnContext(ctx, "failed to arm watchdog", "session_id", session.ID, "error", err)
			continue
		}
		armed++
	}
	s.logger.InfoContext(ctx, "watchdogs armed", "sessions", armed)
	return armed, nil
}

// FindNewDoctor moves the session to another available doctor on request.
func (s *Supervisor) FindNewDoctor(ctx context.Context, sessionID string) (application.Session, Outcome, error) {
	session, err := s.deps.Sessions.LoadSession(ctx, sessionID)
	if err != nil {
		return application.Session{}, OutcomeFailed, err
	}
	if !session.Active() {
		return session, OutcomeClosed, application.ErrSessionClosed
	}

	w := s.watchdog(sessionID)
	if !w.Running() {
		if err := w.Start(session.DoctorID); err != nil {
			return session, OutcomeFailed, err
		}
	}
	outcome, err := w.Reassign(ctx)
	if err != nil {
		return session, outcome, err
	}
	if outcome == OutcomeNoDoctor {
		return session, outcome, application.ErrNoDoctorAvailable
	}
	session, err = s.deps.Sessions.LoadSession(ctx, sessionID)
	return session, outcome, err
}

// Follow keeps the supervised set in step with session writes published
// under "sessions". Active sessions are watched on their current doctor and
// completed ones are released. A parked watchdog stays parked while the
// session keeps the doctor it was parked on.
func (s *Supervisor) Follow(source TreeSubscriber) func() {
	return source.SubscribeTree("sessions", func(key string, payload any) {
		session, ok := payload.(application.Session)
		if !ok || strings.Count(key, "/") != 1 {
			return
		}
		if !session.Active() {
			s.Release(session.ID)
			return
		}
		if w, ok := s.Watchdog(session.ID); ok && w.Parked() && w.DoctorID() == session.DoctorID {
			return
		}
		if _, err := s.Watch(session.ID, session.DoctorID); err != nil {
			s.logger.Warn("failed to watch session", "session_id", session.ID, "error", err)
		}
	})
}

// StopAll stops every watchdog.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	watchdogs := make([]*Watchdog, 0, len(s.watchdogs))
	for _, w := range s.watchdogs {
		watchdogs = append(watchdogs, w)
	}
	s.watchdogs = make(map[string]*Watchdog)
	s.mu.Unlock()
	for _, w := range watchdogs {
		w.Stop()
	}
}

func (s *Supervisor) watchdog(sessionID string) *Watchdog {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watchdogs[sessionID]
	if !ok {
		w = newWatchdog(s.deps, sessionID)
		s.watchdogs[sessionID] = w
	}
	return w
}

