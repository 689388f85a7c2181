package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/teleconsult/internal/persistence"
)

// maxClaimAttempts bounds how many doctors a single consultation request tries
// to claim before giving up on lost races.
const maxClaimAttempts = 3

// SessionStore captures the persistence operations needed by the session service.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, query SessionQuery) ([]Session, error)
	AppendChatMessage(ctx context.Context, sessionID string, message ChatMessage) (ChatMessage, error)
	ListChatMessages(ctx context.Context, sessionID string) ([]ChatMessage, error)
}

// SessionServiceDeps wires the collaborators of a SessionService. Only
// Sessions and Registry are required.
type SessionServiceDeps struct {
	Sessions    SessionStore
	Registry    *DoctorRegistry
	Matcher     Matcher
	Notifier    ChangeNotifier
	Events      EventPublisher
	Observer    Observer
	IDGenerator func() string
	Now         func() time.Time
	// Location decides what "today" means in doctor stats.
	Location *time.Location
	Logger   *slog.Logger
}

// SessionService owns the consultation lifecycle from request to completion.
type SessionService struct {
	sessions    SessionStore
	registry    *DoctorRegistry
	matcher     Matcher
	notifier    ChangeNotifier
	events      EventPublisher
	observer    Observer
	idGenerator func() string
	now         func() time.Time
	location    *time.Location
	logger      *slog.Logger
}

// NewSessionService constructs a session service from deps, filling defaults.
func NewSessionService(deps SessionServiceDeps) *SessionService {
	svc := &SessionService{
		sessions:    deps.Sessions,
		registry:    deps.Registry,
		matcher:     deps.Matcher,
		notifier:    deps.Notifier,
		events:      deps.Events,
		observer:    deps.Observer,
		idGenerator: deps.IDGenerator,
		now:         deps.Now,
		location:    deps.Location,
		logger:      defaultLogger(deps.Logger),
	}
	if svc.matcher.Threshold <= 0 {
		svc.matcher = NewMatcher(DefaultStalenessThreshold)
	}
	if svc.notifier == nil {
		svc.notifier = NopNotifier{}
	}
	if svc.events == nil {
		svc.events = NopPublisher{}
	}
	if svc.observer == nil {
		svc.observer = NopObserver{}
	}
	if svc.idGenerator == nil {
		svc.idGenerator = func() string { return "" }
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.location == nil {
		svc.location = time.UTC
	}
	return svc
}

func (s *SessionService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "SessionService", operation, attrs...)
}

// Matcher returns the matcher used for new and reassigned sessions.
func (s *SessionService) Matcher() Matcher {
	return s.matcher
}

// RequestConsultation hands the patient a consultation: an existing active one
// is resumed, otherwise an eligible doctor is matched and claimed. Doctors that
// lose a claim race are excluded and matching is retried.
func (s *SessionService) RequestConsultation(ctx context.Context, params RequestConsultationParams) (result ConsultationResult, err error) {
	if s == nil {
		err = fmt.Errorf("SessionService is nil")
		return
	}

	logger := s.loggerWith(ctx, "RequestConsultation", "patient_id", params.Principal.UserID)
	defer func() {
		logOutcome(ctx, logger, err, "consultation request failed", "consultation assigned",
			"session_id", result.Session.ID,
			"doctor_id", result.Session.DoctorID,
			"resumed", result.Resumed,
		)
	}()

	if params.Principal.Role != RolePatient || strings.TrimSpace(params.Principal.UserID) == "" {
		err = ErrUnauthorized
		return
	}

	existing, found, lookupErr := s.ActiveSessionForPatient(ctx, params.Principal.UserID)
	if lookupErr != nil {
		err = lookupErr
		return
	}
	if found {
		result = ConsultationResult{Session: existing, Resumed: true}
		s.observer.ObserveSession("resumed")
		s.emit(ctx, Event{Type: EventSessionResumed, SessionID: existing.ID, DoctorID: existing.DoctorID, PatientID: existing.PatientID})
		return
	}

	excluded := make(map[string]struct{})
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		var doctors []Doctor
		doctors, err = s.registry.ListDoctors(ctx)
		if err != nil {
			return
		}

		doctor, ok := s.matcher.Find(doctors, s.now(), excluded)
		if !ok {
			s.observer.ObserveMatch(MatchOutcomeNoDoctor)
			err = ErrNoDoctorAvailable
			return
		}

		var session Session
		session, err = s.CreateSession(ctx, CreateSessionParams{
			PatientID:   params.Principal.UserID,
			PatientName: params.PatientName,
			Symptoms:    params.Symptoms,
			Doctor:      doctor,
		})
		if errors.Is(err, ErrDoctorUnavailable) {
			s.observer.ObserveMatch(MatchOutcomeClaimConflict)
			excluded[doctor.ID] = struct{}{}
			continue
		}
		if err != nil {
			return
		}

		s.observer.ObserveMatch(MatchOutcomeMatched)
		result = ConsultationResult{Session: session}
		return
	}

	err = ErrNoDoctorAvailable
	return
}

// CreateSession writes a new ACTIVE session for the chosen doctor and then
// claims the doctor. When the claim fails the session is deleted again and the
// claim error is returned.
func (s *SessionService) CreateSession(ctx context.Context, params CreateSessionParams) (session Session, err error) {
	logger := s.loggerWith(ctx, "CreateSession",
		"patient_id", params.PatientID,
		"doctor_id", params.Doctor.ID,
	)
	defer func() {
		logOutcome(ctx, logger, err, "failed to create session", "session created", "session_id", session.ID)
	}()

	vErr := &ValidationError{}
	if strings.TrimSpace(params.PatientID) == "" {
		vErr.add("patient_id", "patient is required")
	}
	if strings.TrimSpace(params.Doctor.ID) == "" {
		vErr.add("doctor_id", "doctor is required")
	}
	if vErr.HasErrors() {
		err = vErr
		return
	}

	now := s.now()
	draft := Session{
		ID:          s.idGenerator(),
		PatientID:   params.PatientID,
		PatientName: strings.TrimSpace(params.PatientName),
		DoctorID:    params.Doctor.ID,
		DoctorName:  params.Doctor.Name,
		Symptoms:    optionalText(params.Symptoms),
		StartTime:   now,
		Status:      SessionActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created, createErr := s.sessions.CreateSession(ctx, draft)
	if createErr != nil {
		err = mapSessionRepoError(createErr)
		return
	}

	if _, claimErr := s.registry.ClaimDoctor(ctx, params.Doctor.ID, created.ID); claimErr != nil {
		if delErr := s.sessions.DeleteSession(ctx, created.ID); delErr != nil {
			logger.ErrorContext(ctx, "failed to remove orphaned session",
				"session_id", created.ID,
				"error", delErr,
			)
		}
		err = claimErr
		return
	}

	session = created
	s.notifier.Publish(SessionKey(session.ID), session)
	s.observer.ObserveSession("created")
	s.emit(ctx, Event{Type: EventSessionCreated, SessionID: session.ID, DoctorID: session.DoctorID, PatientID: session.PatientID})
	return
}

// AppendChatMessage appends a line from either participant. The author role
// is derived from the principal.
func (s *SessionService) AppendChatMessage(ctx context.Context, params AppendChatParams) (message ChatMessage, err error) {
	logger := s.loggerWith(ctx, "AppendChatMessage",
		"principal_id", params.Principal.UserID,
		"session_id", params.SessionID,
	)
	defer func() {
		if err != nil {
			logOutcome(ctx, logger, err, "failed to append chat message", "")
		}
	}()

	text := strings.TrimSpace(params.Text)
	if text == "" {
		vErr := &ValidationError{}
		vErr.add("text", "message text is required")
		err = vErr
		return
	}

	session, err := s.activeSessionFor(ctx, params.SessionID)
	if err != nil {
		return
	}

	var role ChatRole
	switch {
	case params.Principal.Role == RolePatient && params.Principal.UserID == session.PatientID:
		role = ChatRolePatient
	case params.Principal.Role == RoleDoctor && params.Principal.UserID == session.DoctorID:
		role = ChatRoleDoctor
	default:
		err = ErrUnauthorized
		return
	}

	message, err = s.sessions.AppendChatMessage(ctx, session.ID, ChatMessage{
		Role:      role,
		Text:      text,
		Timestamp: s.now(),
	})
	if err != nil {
		err = mapSessionRepoError(err)
		return
	}

	s.notifier.Publish(ChatKey(session.ID), message)
	return
}

// SubmitVitals overwrites the session vitals. Only the session's patient may report them.
func (s *SessionService) SubmitVitals(ctx context.Context, params SubmitVitalsParams) (session Session, err error) {
	logger := s.loggerWith(ctx, "SubmitVitals",
		"principal_id", params.Principal.UserID,
		"session_id", params.SessionID,
	)
	defer func() {
		logOutcome(ctx, logger, err, "failed to submit vitals", "vitals submitted")
	}()

	health := HealthData{
		BP:    strings.TrimSpace(params.BP),
		Temp:  strings.TrimSpace(params.Temp),
		Sugar: strings.TrimSpace(params.Sugar),
		SpO2:  strings.TrimSpace(params.SpO2),
	}
	if health.BP == "" && health.Temp == "" && health.Sugar == "" && health.SpO2 == "" {
		vErr := &ValidationError{}
		vErr.add("vitals", "at least one reading is required")
		err = vErr
		return
	}

	current, err := s.activeSessionFor(ctx, params.SessionID)
	if err != nil {
		return
	}
	if params.Principal.Role != RolePatient || params.Principal.UserID != current.PatientID {
		err = ErrUnauthorized
		return
	}

	health.UpdatedAt = s.now()
	session, err = s.update(ctx, current.ID, SessionPatch{HealthData: &health})
	if err != nil {
		return
	}
	s.emit(ctx, Event{Type: EventVitalsSubmitted, SessionID: session.ID, DoctorID: session.DoctorID, PatientID: session.PatientID})
	return
}

// FlagEmergency marks the consultation as an emergency. The flag is advisory
// and does not influence matching.
func (s *SessionService) FlagEmergency(ctx context.Context, principal Principal, sessionID string) (session Session, err error) {
	logger := s.loggerWith(ctx, "FlagEmergency",
		"principal_id", principal.UserID,
		"session_id", sessionID,
	)
	defer func() {
		logOutcome(ctx, logger, err, "failed to flag emergency", "emergency flagged")
	}()

	current, err := s.activeSessionFor(ctx, sessionID)
	if err != nil {
		return
	}
	if principal.Role != RolePatient || principal.UserID != current.PatientID {
		err = ErrUnauthorized
		return
	}

	emergency := true
	session, err = s.update(ctx, current.ID, SessionPatch{Emergency: &emergency})
	if err != nil {
		return
	}
	s.emit(ctx, Event{Type: EventEmergencyFlagged, SessionID: session.ID, DoctorID: session.DoctorID, PatientID: session.PatientID})
	return
}

// Reassign moves an active session to a new doctor. The new doctor is claimed
// first; when the session update then fails the claim is released again. The
// prior doctor is released best-effort and may already be gone.
func (s *SessionService) Reassign(ctx context.Context, params ReassignParams) (session Session, err error) {
	logger := s.loggerWith(ctx, "Reassign",
		"session_id", params.SessionID,
		"new_doctor_id", params.NewDoctor.ID,
	)
	defer func() {
		logOutcome(ctx, logger, err, "failed to reassign session", "session reassigned")
	}()

	current, err := s.activeSessionFor(ctx, params.SessionID)
	if err != nil {
		return
	}
	if params.NewDoctor.ID == "" || params.NewDoctor.ID == current.DoctorID {
		vErr := &ValidationError{}
		vErr.add("doctor_id", "a different doctor is required")
		err = vErr
		return
	}

	if _, err = s.registry.ClaimDoctor(ctx, params.NewDoctor.ID, current.ID); err != nil {
		return
	}

	reassigned := true
	session, err = s.update(ctx, current.ID, SessionPatch{
		DoctorID:   &params.NewDoctor.ID,
		DoctorName: &params.NewDoctor.Name,
		Reassigned: &reassigned,
	})
	if err != nil {
		if _, relErr := s.registry.ReleaseDoctor(ctx, params.NewDoctor.ID, current.ID); relErr != nil {
			logger.ErrorContext(ctx, "failed to release new doctor after session update failure", "error", relErr)
		}
		return
	}

	if _, relErr := s.registry.ReleaseDoctor(ctx, current.DoctorID, current.ID); relErr != nil {
		logger.WarnContext(ctx, "failed to release prior doctor",
			"prior_doctor_id", current.DoctorID,
			"error", relErr,
			"error_kind", ErrorKind(relErr),
		)
	}

	s.observer.ObserveSession("reassigned")
	s.emit(ctx, Event{
		Type:       EventSessionReassigned,
		SessionID:  session.ID,
		DoctorID:   session.DoctorID,
		PatientID:  session.PatientID,
		Attributes: map[string]string{"prior_doctor_id": current.DoctorID},
	})
	return
}

// CompleteSession closes the consultation with a prescription and releases the
// doctor. A failed release is reported as ErrDoctorReleaseFailed alongside the
// completed session.
func (s *SessionService) CompleteSession(ctx context.Context, params CompleteSessionParams) (session Session, err error) {
	logger := s.loggerWith(ctx, "CompleteSession",
		"principal_id", params.Principal.UserID,
		"session_id", params.SessionID,
	)
	defer func() {
		logOutcome(ctx, logger, err, "failed to complete session", "session completed")
	}()

	prescription := strings.TrimSpace(params.Prescription)
	if prescription == "" {
		vErr := &ValidationError{}
		vErr.add("prescription", "prescription is required")
		err = vErr
		return
	}

	current, err := s.activeSessionFor(ctx, params.SessionID)
	if err != nil {
		return
	}
	if params.Principal.Role != RoleDoctor || params.Principal.UserID != current.DoctorID {
		err = ErrUnauthorized
		return
	}

	end := s.now()
	status := SessionCompleted
	session, err = s.update(ctx, current.ID, SessionPatch{
		Prescription: &prescription,
		EndTime:      &end,
		Status:       &status,
	})
	if err != nil {
		return
	}

	s.observer.ObserveSession("completed")
	s.emit(ctx, Event{Type: EventSessionCompleted, SessionID: session.ID, DoctorID: session.DoctorID, PatientID: session.PatientID})

	if _, relErr := s.registry.ReleaseDoctor(ctx, current.DoctorID, current.ID); relErr != nil && !errors.Is(relErr, ErrNotFound) {
		err = fmt.Errorf("%w: %v", ErrDoctorReleaseFailed, relErr)
	}
	return
}

// GetSession returns the session with its chat transcript to a participant or an administrator.
func (s *SessionService) GetSession(ctx context.Context, principal Principal, sessionID string) (Session, error) {
	session, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !canView(principal, session) {
		return Session{}, ErrUnauthorized
	}
	return session, nil
}

// LoadSession returns the session with its chat transcript without an access check.
func (s *SessionService) LoadSession(ctx context.Context, sessionID string) (Session, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, mapSessionRepoError(err)
	}
	chat, err := s.sessions.ListChatMessages(ctx, sessionID)
	if err != nil {
		return Session{}, mapSessionRepoError(err)
	}
	session.Chat = chat
	return session, nil
}

// ActiveSessionForPatient finds the patient's open consultation, if any.
func (s *SessionService) ActiveSessionForPatient(ctx context.Context, patientID string) (Session, bool, error) {
	sessions, err := s.sessions.ListSessions(ctx, SessionQuery{PatientID: patientID, Status: SessionActive, Limit: 1})
	if err != nil {
		return Session{}, false, mapSessionRepoError(err)
	}
	if len(sessions) == 0 {
		return Session{}, false, nil
	}
	session, err := s.LoadSession(ctx, sessions[0].ID)
	if err != nil {
		return Session{}, false, err
	}
	return session, true, nil
}

// ListActiveSessions returns every open consultation.
func (s *SessionService) ListActiveSessions(ctx context.Context) ([]Session, error) {
	sessions, err := s.sessions.ListSessions(ctx, SessionQuery{Status: SessionActive})
	if err != nil {
		return nil, mapSessionRepoError(err)
	}
	return sessions, nil
}

// Notify publishes a patient-facing notice for the session.
func (s *SessionService) Notify(ctx context.Context, notice Notice) {
	if notice.At.IsZero() {
		notice.At = s.now()
	}
	s.notifier.Publish(NoticeKey(notice.SessionID), notice)
	if notice.Kind == NoticeNoDoctorAvailable {
		s.emit(ctx, Event{Type: EventNoDoctorAvailable, SessionID: notice.SessionID, DoctorID: notice.DoctorID})
	}
}

func (s *SessionService) activeSessionFor(ctx context.Context, sessionID string) (Session, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, mapSessionRepoError(err)
	}
	if !session.Active() {
		return Session{}, ErrSessionClosed
	}
	return session, nil
}

func (s *SessionService) update(ctx context.Context, id string, patch SessionPatch) (Session, error) {
	session, err := s.sessions.UpdateSession(ctx, id, patch)
	if err != nil {
		return Session{}, mapSessionRepoError(err)
	}
	s.notifier.Publish(SessionKey(id), session)
	return session, nil
}

func (s *SessionService) emit(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.loggerWith(ctx, "emit", "event_type", string(event.Type)).
			WarnContext(ctx, "failed to publish lifecycle event", "error", err)
	}
}

func canView(principal Principal, session Session) bool {
	switch principal.Role {
	case RoleAdmin:
		return true
	case RolePatient:
		return principal.UserID == session.PatientID
	case RoleDoctor:
		return principal.UserID == session.DoctorID
	}
	return false
}

func optionalText(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func mapSessionRepoError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSessionClosed):
		return err
	case errors.Is(err, persistence.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, persistence.ErrDuplicate):
		return ErrAlreadyExists
	case errors.Is(err, persistence.ErrConstraintViolation):
		vErr := &ValidationError{}
		vErr.add("session", "update violates session record constraints")
		return vErr
	}
	return fmt.Errorf("session store: %w", err)
}
