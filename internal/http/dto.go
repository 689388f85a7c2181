package http

import "github.com/example/teleconsult/internal/application"

type consultationRequest struct {
	PatientName string `json:"patient_name"`
	Symptoms    string `json:"symptoms"`
}

type chatRequest struct {
	Text string `json:"text"`
}

type completeRequest struct {
	Prescription string `json:"prescription"`
}

type consultationResponse struct {
	Session sessionDTO `json:"session"`
	Resumed bool       `json:"resumed,omitempty"`
	Warning string     `json:"warning,omitempty"`
}

type chatResponse struct {
	Message chatDTO `json:"message"`
}

type sessionDTO struct {
	ID           string     `json:"id"`
	PatientID    string     `json:"patient_id"`
	PatientName  string     `json:"patient_name,omitempty"`
	DoctorID     string     `json:"doctor_id"`
	DoctorName   string     `json:"doctor_name,omitempty"`
	Symptoms     *string    `json:"symptoms,omitempty"`
	Emergency    bool       `json:"emergency"`
	Status       string     `json:"status"`
	StartTime    string     `json:"start_time"`
	EndTime      *string    `json:"end_time,omitempty"`
	HealthData   *vitalsDTO `json:"health_data,omitempty"`
	Prescription *string    `json:"prescription,omitempty"`
	Reassigned   bool       `json:"reassigned"`
	Chat         []chatDTO  `json:"chat,omitempty"`
}

type vitalsDTO struct {
	BP        string `json:"bp"`
	Temp      string `json:"temp"`
	Sugar     string `json:"sugar"`
	SpO2      string `json:"spo2"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type chatDTO struct {
	Seq       int64  `json:"seq"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

type noticeDTO struct {
	Kind       string `json:"kind"`
	SessionID  string `json:"session_id"`
	DoctorID   string `json:"doctor_id,omitempty"`
	DoctorName string `json:"doctor_name,omitempty"`
	Message    string `json:"message"`
	At         string `json:"at"`
}

type historyDTO struct {
	Session  sessionDTO `json:"session"`
	Duration string     `json:"duration"`
}

type statsDTO struct {
	TotalPatients int `json:"total_patients"`
	Today         int `json:"today"`
	Emergencies   int `json:"emergencies"`
}

type patientHistoryResponse struct {
	Sessions []historyDTO `json:"sessions"`
}

type doctorHistoryResponse struct {
	Sessions []historyDTO `json:"sessions"`
	Stats    statsDTO     `json:"stats"`
}

type overviewResponse struct {
	Total       int          `json:"total"`
	Active      int          `json:"active"`
	Emergencies int          `json:"emergencies"`
	Sessions    []historyDTO `json:"sessions"`
}

func toSessionDTO(session application.Session) sessionDTO {
	dto := sessionDTO{
		ID:           session.ID,
		PatientID:    session.PatientID,
		PatientName:  session.PatientName,
		DoctorID:     session.DoctorID,
		DoctorName:   session.DoctorName,
		Symptoms:     session.Symptoms,
		Emergency:    session.Emergency,
		Status:       string(session.Status),
		StartTime:    formatTime(session.StartTime),
		EndTime:      formatTimePtr(session.EndTime),
		Prescription: session.Prescription,
		Reassigned:   session.Reassigned,
	}
	if session.HealthData != nil {
		dto.HealthData = &vitalsDTO{
			BP:        session.HealthData.BP,
			Temp:      session.HealthData.Temp,
			Sugar:     session.HealthData.Sugar,
			SpO2:      session.HealthData.SpO2,
			UpdatedAt: formatTime(session.HealthData.UpdatedAt),
		}
	}
	for _, message := range session.Chat {
		dto.Chat = append(dto.Chat, toChatDTO(message))
	}
	return dto
}

func toChatDTO(message application.ChatMessage) chatDTO {
	return chatDTO{
		Seq:       message.Seq,
		Role:      string(message.Role),
		Text:      message.Text,
		Timestamp: formatTime(message.Timestamp),
	}
}

func toNoticeDTO(notice application.Notice) noticeDTO {
	return noticeDTO{
		Kind:       string(notice.Kind),
		SessionID:  notice.SessionID,
		DoctorID:   notice.DoctorID,
		DoctorName: notice.DoctorName,
		Message:    notice.Message,
		At:         formatTime(notice.At),
	}
}

func toHistoryDTOs(entries []application.HistoryEntry) []historyDTO {
	out := make([]historyDTO, 0, len(entries))
	for _, entry := range entries {
		out = append(out, historyDTO{Session: toSessionDTO(entry.Session), Duration: entry.DurationLabel})
	}
	return out
}
