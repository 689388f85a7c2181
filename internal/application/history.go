package application

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// recentCaseload is how many of a doctor's latest sessions feed their history and stats.
const recentCaseload = 10

// Overview summarises every consultation for the administration console.
type Overview struct {
	Total       int
	Active      int
	Emergencies int
	Sessions    []HistoryEntry
}

// PatientHistory returns the patient's completed consultations, latest end first.
func (s *SessionService) PatientHistory(ctx context.Context, principal Principal, patientID string) (entries []HistoryEntry, err error) {
	logger := s.loggerWith(ctx, "PatientHistory", "principal_id", principal.UserID, "patient_id", patientID)
	defer func() {
		if err != nil {
			logOutcome(ctx, logger, err, "failed to load patient history", "")
		}
	}()

	if !principal.IsAdmin() && !(principal.Role == RolePatient && principal.UserID == patientID) {
		err = ErrUnauthorized
		return
	}

	sessions, err := s.sessions.ListSessions(ctx, SessionQuery{PatientID: patientID, Status: SessionCompleted})
	if err != nil {
		err = mapSessionRepoError(err)
		return
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return endOf(sessions[i]).After(endOf(sessions[j]))
	})

	now := s.now()
	entries = make([]HistoryEntry, 0, len(sessions))
	for _, session := range sessions {
		entries = append(entries, historyEntry(session, now))
	}
	return
}

// DoctorHistory returns the doctor's latest sessions by start time together
// with stats computed over that same window.
func (s *SessionService) DoctorHistory(ctx context.Context, principal Principal, doctorID string) (history DoctorHistory, err error) {
	logger := s.loggerWith(ctx, "DoctorHistory", "principal_id", principal.UserID, "doctor_id", doctorID)
	defer func() {
		if err != nil {
			logOutcome(ctx, logger, err, "failed to load doctor history", "")
		}
	}()

	if !principal.IsAdmin() && !(principal.Role == RoleDoctor && principal.UserID == doctorID) {
		err = ErrUnauthorized
		return
	}

	sessions, err := s.sessions.ListSessions(ctx, SessionQuery{DoctorID: doctorID, Limit: recentCaseload})
	if err != nil {
		err = mapSessionRepoError(err)
		return
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	if len(sessions) > recentCaseload {
		sessions = sessions[:recentCaseload]
	}

	now := s.now()
	midnight := startOfDay(now, s.location)
	history.Recent = make([]HistoryEntry, 0, len(sessions))
	for _, session := range sessions {
		history.Recent = append(history.Recent, historyEntry(session, now))
		history.Stats.TotalPatients++
		if !session.StartTime.Before(midnight) {
			history.Stats.Today++
		}
		if session.Emergency {
			history.Stats.Emergencies++
		}
	}
	return
}

// Overview lists every consultation, newest first, for administrators.
func (s *SessionService) Overview(ctx context.Context, principal Principal) (overview Overview, err error) {
	logger := s.loggerWith(ctx, "Overview", "principal_id", principal.UserID)
	defer func() {
		if err != nil {
			logOutcome(ctx, logger, err, "failed to load overview", "")
		}
	}()

	if !principal.IsAdmin() {
		err = ErrUnauthorized
		return
	}

	sessions, err := s.sessions.ListSessions(ctx, SessionQuery{})
	if err != nil {
		err = mapSessionRepoError(err)
		return
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})

	now := s.now()
	overview.Sessions = make([]HistoryEntry, 0, len(sessions))
	for _, session := range sessions {
		overview.Total++
		if session.EndTime == nil {
			overview.Active++
		}
		if session.Emergency {
			overview.Emergencies++
		}
		overview.Sessions = append(overview.Sessions, historyEntry(session, now))
	}
	return
}

// FormatDuration renders the elapsed consultation time. Ongoing sessions are
// measured up to now.
func FormatDuration(start time.Time, end *time.Time, now time.Time) string {
	if start.IsZero() {
		return "-"
	}
	return formatElapsed(elapsed(start, end, now))
}

func formatElapsed(d time.Duration) string {
	minutes := int(d / time.Minute)
	switch {
	case minutes < 1:
		return "< 1 min"
	case minutes < 60:
		return fmt.Sprintf("%d min", minutes)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}

func elapsed(start time.Time, end *time.Time, now time.Time) time.Duration {
	if start.IsZero() {
		return 0
	}
	stop := now
	if end != nil {
		stop = *end
	}
	if stop.Before(start) {
		return 0
	}
	return stop.Sub(start)
}

func historyEntry(session Session, now time.Time) HistoryEntry {
	return HistoryEntry{
		Session:       session,
		Duration:      elapsed(session.StartTime, session.EndTime, now),
		DurationLabel: FormatDuration(session.StartTime, session.EndTime, now),
	}
}

func endOf(session Session) time.Time {
	if session.EndTime == nil {
		return time.Time{}
	}
	return *session.EndTime
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	year, month, day := local.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}
