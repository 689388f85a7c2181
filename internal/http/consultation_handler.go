package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/teleconsult/internal/application"
	"github.com/example/teleconsult/internal/watchdog"
)

type consultationService interface {
	RequestConsultation(ctx context.Context, params application.RequestConsultationParams) (application.ConsultationResult, error)
	GetSession(ctx context.Context, principal application.Principal, sessionID string) (application.Session, error)
	ActiveSessionForPatient(ctx context.Context, patientID string) (application.Session, bool, error)
	AppendChatMessage(ctx context.Context, params application.AppendChatParams) (application.ChatMessage, error)
	SubmitVitals(ctx context.Context, params application.SubmitVitalsParams) (application.Session, error)
	FlagEmergency(ctx context.Context, principal application.Principal, sessionID string) (application.Session, error)
	CompleteSession(ctx context.Context, params application.CompleteSessionParams) (application.Session, error)
	PatientHistory(ctx context.Context, principal application.Principal, patientID string) ([]application.HistoryEntry, error)
	DoctorHistory(ctx context.Context, principal application.Principal, doctorID string) (application.DoctorHistory, error)
	Overview(ctx context.Context, principal application.Principal) (application.Overview, error)
}

type doctorFinder interface {
	FindNewDoctor(ctx context.Context, sessionID string) (application.Session, watchdog.Outcome, error)
}

// ConsultationHandler serves the patient and doctor consultation endpoints.
type ConsultationHandler struct {
	service   consultationService
	finder    doctorFinder
	responder responder
	logger    *slog.Logger
}

func NewConsultationHandler(service consultationService, finder doctorFinder, logger *slog.Logger) *ConsultationHandler {
	base := defaultLogger(logger)
	return &ConsultationHandler{service: service, finder: finder, responder: newResponder(base), logger: base}
}

func (h *ConsultationHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "ConsultationHandler", operation, attrs...)
}

func (h *ConsultationHandler) available() bool {
	return h != nil && h.service != nil
}

// Request matches the patient with a doctor, or resumes the open consultation.
func (h *ConsultationHandler) Request(w http.ResponseWriter, r *http.Request) {
	if !h.available() {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())

	var req consultationRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		h.log(r.Context(), "Request", "principal_id", principal.UserID, "error_kind", "bad_request").WarnContext(r.Context(), "failed to decode consultation request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Request", "principal_id", principal.UserID)
	result, err := h.service.RequestConsultation(r.Context(), application.RequestConsultationParams{
		Principal:   principal,
		PatientName: req.PatientName,
		Symptoms:    req.Symptoms,
	})
	if err != nil {
		logger.WarnContext(r.Context(), "consultation request failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	status := http.StatusCreated
	if result.Resumed {
		status = http.StatusOK
	}
	logger.With("session_id", result.Session.ID, "resumed", result.Resumed).InfoContext(r.Context(), "consultation assigned")
	h.responder.writeJSON(r.Context(), w, status, consultationResponse{Session: toSessionDTO(result.Session), Resumed: result.Resumed})
}

// Active returns the caller's open consultation, if any.
func (h *ConsultationHandler) Active(w http.ResponseWriter, r *http.Request) {
	if !h.available() {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	if principal.Role != application.RolePatient {
		h.responder.handleServiceError(r.Context(), w, application.ErrUnauthorized)
		return
	}
	session, found, err := h.service.ActiveSessionForPatient(r.Context(), principal.UserID)
	if err != nil {
		h.log(r.Context(), "Active", "principal_id", principal.UserID).ErrorContext(r.Context(), "active session lookup failed", "error", err)
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	if !found {
		h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, consultationResponse{Session: toSessionDTO(session), Resumed: true})
}

func (h *ConsultationHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.available() {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	sessionID, ok := pathSessionID(r)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidSessionID)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	session, err := h.service.GetSession(r.Context(), principal, sessionID)
	if err != nil {
		h.log(r.Context(), "Get", "principal_id", principal.UserID, "session_id", sessionID).WarnContext(r.Context(), "session lookup failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, consultationResponse{Session: toSessionDTO(session)})
}

func (h *ConsultationHandler) Chat(w http.ResponseWriter, r *http.Request) {
	if !h.available() {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	sessionID, ok := pathSessionID(r)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidSessionID)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	message, err := h.service.AppendChatMessage(r.Context(), application.AppendChatParams{
		Principal: principal,
		SessionID: sessionID,
		Text:      req.Text,
	})
	if err != nil {
		h.log(r.Context(), "Chat", "principal_id", principal.UserID, "session_id", sessionID).WarnContext(r.Context(), "chat append failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, chatResponse{Message: toChatDTO(message)})
}

func (h *ConsultationHandler) Vitals(w http.ResponseWriter, r *http.Request) {
	if !h.available() {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	sessionID, ok := pathSessionID(r)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidSessionID)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())

	var req vitalsDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Vitals", "principal_id", principal.UserID, "session_id", sessionID)
	session, err := h.service.SubmitVitals(r.Context(), application.SubmitVitalsParams{
		Principal: principal,
		SessionID: sessionID,
		BP:        req.BP,
		Temp:      req.Temp,
		Sugar:     req.Sugar,
		SpO2:      req.SpO2,
	})
	if err != nil {
		logger.WarnContext(r.Context(), "vitals submission failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	logger.InfoContext(r.Context(), "vitals submitted")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, consultationResponse{Session: toSessionDTO(session)})
}

func (h *ConsultationHandler) Emergency(w http.ResponseWriter, r *http.Request) {
	if !h.available() {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	sessionID, ok := pathSessionID(r)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidSessionID)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	logger := h.log(r.Context(), "Emergency", "principal_id", principal.UserID, "session_id", sessionID)

	session, err := h.service.FlagEmergency(r.Context(), principal, sessionID)
	if err != nil {
		logger.WarnContext(r.Context(), "emergency flag failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	logger.InfoContext(r.Context(), "emergency flagged")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, consultationResponse{Session: toSessionDTO(session)})
}

// Complete closes the consultation. A completed session whose doctor could
// not be released is still reported as completed, with a warning.
func (h *ConsultationHandler) Complete(w http.ResponseWriter, r *http.Request) {
	if !h.available() {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	sessionID, ok := pathSessionID(r)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidSessionID)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Complete", "principal_id", principal.UserID, "session_id", sessionID)
	session, err := h.service.CompleteSession(r.Context(), application.CompleteSessionParams{
		Principal:    principal,
		SessionID:    sessionID,
		Prescription: req.Prescription,
	})
	if err != nil && !errors.Is(err, application.ErrDoctorReleaseFailed) {
		logger.WarnContext(r.Context(), "session completion failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	resp := consultationResponse{Session: toSessionDTO(session)}
	if err != nil {
		logger.ErrorContext(r.Context(), "doctor release failed after completion", "error", err)
		resp.Warning = "診察は終了しましたが、医師の状態を更新できませんでした。"
	}
	logger.InfoContext(r.Context(), "session completed")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resp)
}

// FindNewDoctor moves the consultation to another available doctor on the
// patient's request.
func (h *ConsultationHandler) FindNewDoctor(w http.ResponseWriter, r *http.Request) {
	if !h.available() || h.finder == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	sessionID, ok := pathSessionID(r)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidSessionID)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	logger := h.log(r.Context(), "FindNewDoctor", "principal_id", principal.UserID, "session_id", sessionID)

	current, err := h.service.GetSession(r.Context(), principal, sessionID)
	if err == nil && !principal.IsAdmin() && principal.UserID != current.PatientID {
		err = application.ErrUnauthorized
	}
	if err != nil {
		logger.WarnContext(r.Context(), "find new doctor rejected", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	session, outcome, err := h.finder.FindNewDoctor(r.Context(), sessionID)
	if err != nil {
		logger.WarnContext(r.Context(), "find new doctor failed", "error", err, "outcome", string(outcome), "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	logger.InfoContext(r.Context(), "consultation moved", "outcome", string(outcome), "doctor_id", session.DoctorID)
	h.responder.writeJSON(r.Context(), w, http.StatusOK, consultationResponse{Session: toSessionDTO(session)})
}

func (h *ConsultationHandler) PatientHistory(w http.ResponseWriter, r *http.Request) {
	if !h.available() {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	patientID := strings.TrimSpace(mux.Vars(r)["id"])
	entries, err := h.service.PatientHistory(r.Context(), principal, patientID)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, patientHistoryResponse{Sessions: toHistoryDTOs(entries)})
}

func (h *ConsultationHandler) DoctorHistory(w http.ResponseWriter, r *http.Request) {
	if !h.available() {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	doctorID, ok := pathDoctorID(r)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidDoctorID)
		return
	}
	history, err := h.service.DoctorHistory(r.Context(), principal, doctorID)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, doctorHistoryResponse{
		Sessions: toHistoryDTOs(history.Recent),
		Stats: statsDTO{
			TotalPatients: history.Stats.TotalPatients,
			Today:         history.Stats.Today,
			Emergencies:   history.Stats.Emergencies,
		},
	})
}

func (h *ConsultationHandler) Overview(w http.ResponseWriter, r *http.Request) {
	if !h.available() {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	overview, err := h.service.Overview(r.Context(), principal)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, overviewResponse{
		Total:       overview.Total,
		Active:      overview.Active,
		Emergencies: overview.Emergencies,
		Sessions:    toHistoryDTOs(overview.Sessions),
	})
}

func pathSessionID(r *http.Request) (string, bool) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	return id, id != ""
}

// decodeOptionalBody accepts an empty body as the zero request.
func decodeOptionalBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(dst)
}
