package main

import (
	"context"

	"github.com/example/teleconsult/internal/application"
	"github.com/example/teleconsult/internal/persistence"
)

type doctorStoreAdapter struct {
	repo persistence.DoctorRepository
}

func newDoctorStoreAdapter(repo persistence.DoctorRepository) *doctorStoreAdapter {
	return &doctorStoreAdapter{repo: repo}
}

func (a *doctorStoreAdapter) CreateDoctor(ctx context.Context, doctor application.Doctor) (application.Doctor, error) {
	if err := a.repo.CreateDoctor(ctx, toPersistenceDoctor(doctor)); err != nil {
		return application.Doctor{}, err
	}
	stored, err := a.repo.GetDoctor(ctx, doctor.ID)
	if err != nil {
		return application.Doctor{}, err
	}
	return toApplicationDoctor(stored), nil
}

func (a *doctorStoreAdapter) GetDoctor(ctx context.Context, id string) (application.Doctor, error) {
	stored, err := a.repo.GetDoctor(ctx, id)
	if err != nil {
		return application.Doctor{}, err
	}
	return toApplicationDoctor(stored), nil
}

func (a *doctorStoreAdapter) ListDoctors(ctx context.Context) ([]application.Doctor, error) {
	stored, err := a.repo.ListDoctors(ctx)
	if err != nil {
		return nil, err
	}
	doctors := make([]application.Doctor, 0, len(stored))
	for _, doctor := range stored {
		doctors = append(doctors, toApplicationDoctor(doctor))
	}
	return doctors, nil
}

func (a *doctorStoreAdapter) UpdateDoctor(ctx context.Context, id string, patch application.DoctorPatch) (application.Doctor, error) {
	stored, err := a.repo.UpdateDoctor(ctx, id, toPersistenceDoctorPatch(patch))
	if err != nil {
		return application.Doctor{}, err
	}
	return toApplicationDoctor(stored), nil
}

func (a *doctorStoreAdapter) ClaimDoctor(ctx context.Context, id, sessionID string) (application.Doctor, error) {
	stored, err := a.repo.ClaimDoctor(ctx, id, sessionID)
	if err != nil {
		return application.Doctor{}, err
	}
	return toApplicationDoctor(stored), nil
}

func (a *doctorStoreAdapter) ReleaseDoctor(ctx context.Context, id, sessionID string) (application.Doctor, error) {
	stored, err := a.repo.ReleaseDoctor(ctx, id, sessionID)
	if err != nil {
		return application.Doctor{}, err
	}
	return toApplicationDoctor(stored), nil
}

func (a *doctorStoreAdapter) DeleteDoctor(ctx context.Context, id string) error {
	return a.repo.DeleteDoctor(ctx, id)
}

type sessionStoreAdapter struct {
	repo persistence.SessionRepository
}

func newSessionStoreAdapter(repo persistence.SessionRepository) *sessionStoreAdapter {
	return &sessionStoreAdapter{repo: repo}
}

func (a *sessionStoreAdapter) CreateSession(ctx context.Context, session application.Session) (application.Session, error) {
	if err := a.repo.CreateSession(ctx, toPersistenceSession(session)); err != nil {
		return application.Session{}, err
	}
	stored, err := a.repo.GetSession(ctx, session.ID)
	if err != nil {
		return application.Session{}, err
	}
	return toApplicationSession(stored), nil
}

func (a *sessionStoreAdapter) GetSession(ctx context.Context, id string) (application.Session, error) {
	stored, err := a.repo.GetSession(ctx, id)
	if err != nil {
		return application.Session{}, err
	}
	return toApplicationSession(stored), nil
}

func (a *sessionStoreAdapter) UpdateSession(ctx context.Context, id string, patch application.SessionPatch) (application.Session, error) {
	stored, err := a.repo.UpdateSession(ctx, id, toPersistenceSessionPatch(patch))
	if err != nil {
		return application.Session{}, err
	}
	return toApplicationSession(stored), nil
}

func (a *sessionStoreAdapter) DeleteSession(ctx context.Context, id string) error {
	return a.repo.DeleteSession(ctx, id)
}

func (a *sessionStoreAdapter) ListSessions(ctx context.Context, query application.SessionQuery) ([]application.Session, error) {
	stored, err := a.repo.ListSessions(ctx, persistence.SessionFilter{
		PatientID: query.PatientID,
		DoctorID:  query.DoctorID,
		Status:    string(query.Status),
		Limit:     query.Limit,
	})
	if err != nil {
		return nil, err
	}
	sessions := make([]application.Session, 0, len(stored))
	for _, session := range stored {
		sessions = append(sessions, toApplicationSession(session))
	}
	return sessions, nil
}

func (a *sessionStoreAdapter) AppendChatMessage(ctx context.Context, sessionID string, message application.ChatMessage) (application.ChatMessage, error) {
	stored, err := a.repo.AppendChatMessage(ctx, persistence.ChatMessage{
		SessionID: sessionID,
		Role:      string(message.Role),
		Text:      message.Text,
		Timestamp: message.Timestamp,
	})
	if err != nil {
		return application.ChatMessage{}, err
	}
	return toApplicationChatMessage(stored), nil
}

func (a *sessionStoreAdapter) ListChatMessages(ctx context.Context, sessionID string) ([]application.ChatMessage, error) {
	stored, err := a.repo.ListChatMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages := make([]application.ChatMessage, 0, len(stored))
	for _, message := range stored {
		messages = append(messages, toApplicationChatMessage(message))
	}
	return messages, nil
}

func toApplicationDoctor(doctor persistence.Doctor) application.Doctor {
	var active string
	if doctor.ActiveSessionID != nil {
		active = *doctor.ActiveSessionID
	}
	return application.Doctor{
		ID:              doctor.ID,
		Name:            doctor.Name,
		Email:           doctor.Email,
		Approved:        doctor.Approved,
		Blocked:         doctor.Blocked,
		Status:          application.DoctorStatus(doctor.Status),
		Busy:            doctor.Busy,
		LastActiveTime:  doctor.LastActiveTime,
		ActiveSessionID: active,
		CreatedAt:       doctor.CreatedAt,
		UpdatedAt:       doctor.UpdatedAt,
	}
}

func toPersistenceDoctor(doctor application.Doctor) persistence.Doctor {
	var active *string
	if doctor.ActiveSessionID != "" {
		id := doctor.ActiveSessionID
		active = &id
	}
	return persistence.Doctor{
		ID:              doctor.ID,
		Name:            doctor.Name,
		Email:           doctor.Email,
		Approved:        doctor.Approved,
		Blocked:         doctor.Blocked,
		Status:          string(doctor.Status),
		Busy:            doctor.Busy,
		LastActiveTime:  doctor.LastActiveTime,
		ActiveSessionID: active,
		CreatedAt:       doctor.CreatedAt,
		UpdatedAt:       doctor.UpdatedAt,
	}
}

func toPersistenceDoctorPatch(patch application.DoctorPatch) persistence.DoctorPatch {
	out := persistence.DoctorPatch{
		Approved:        patch.Approved,
		Blocked:         patch.Blocked,
		Busy:            patch.Busy,
		LastActiveTime:  patch.LastActiveTime,
		ActiveSessionID: patch.ActiveSessionID,
	}
	if patch.Status != nil {
		status := string(*patch.Status)
		out.Status = &status
	}
	return out
}

func toApplicationSession(session persistence.Session) application.Session {
	out := application.Session{
		ID:           session.ID,
		PatientID:    session.PatientID,
		PatientName:  session.PatientName,
		DoctorID:     session.DoctorID,
		DoctorName:   session.DoctorName,
		Symptoms:     session.Symptoms,
		Emergency:    session.Emergency,
		StartTime:    session.StartTime,
		EndTime:      session.EndTime,
		Status:       application.SessionStatus(session.Status),
		Prescription: session.Prescription,
		Reassigned:   session.Reassigned,
		CreatedAt:    session.CreatedAt,
		UpdatedAt:    session.UpdatedAt,
	}
	if session.HealthData != nil {
		out.HealthData = &application.HealthData{
			BP:        session.HealthData.BP,
			Temp:      session.HealthData.Temp,
			Sugar:     session.HealthData.Sugar,
			SpO2:      session.HealthData.SpO2,
			UpdatedAt: session.HealthData.UpdatedAt,
		}
	}
	return out
}

func toPersistenceSession(session application.Session) persistence.Session {
	return persistence.Session{
		ID:           session.ID,
		PatientID:    session.PatientID,
		PatientName:  session.PatientName,
		DoctorID:     session.DoctorID,
		DoctorName:   session.DoctorName,
		Symptoms:     session.Symptoms,
		Emergency:    session.Emergency,
		StartTime:    session.StartTime,
		EndTime:      session.EndTime,
		Status:       string(session.Status),
		HealthData:   toPersistenceHealthData(session.HealthData),
		Prescription: session.Prescription,
		Reassigned:   session.Reassigned,
		CreatedAt:    session.CreatedAt,
		UpdatedAt:    session.UpdatedAt,
	}
}

func toPersistenceSessionPatch(patch application.SessionPatch) persistence.SessionPatch {
	out := persistence.SessionPatch{
		DoctorID:     patch.DoctorID,
		DoctorName:   patch.DoctorName,
		Emergency:    patch.Emergency,
		HealthData:   toPersistenceHealthData(patch.HealthData),
		Prescription: patch.Prescription,
		EndTime:      patch.EndTime,
		Reassigned:   patch.Reassigned,
	}
	if patch.Status != nil {
		status := string(*patch.Status)
		out.Status = &status
	}
	return out
}

func toPersistenceHealthData(data *application.HealthData) *persistence.HealthData {
	if data == nil {
		return nil
	}
	return &persistence.HealthData{
		BP:        data.BP,
		Temp:      data.Temp,
		Sugar:     data.Sugar,
		SpO2:      data.SpO2,
		UpdatedAt: data.UpdatedAt,
	}
}

func toApplicationChatMessage(message persistence.ChatMessage) application.ChatMessage {
	return application.ChatMessage{
		Seq:       message.Seq,
		Role:      application.ChatRole(message.Role),
		Text:      message.Text,
		Timestamp: message.Timestamp,
	}
}
