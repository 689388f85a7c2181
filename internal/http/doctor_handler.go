package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/teleconsult/internal/application"
)

type doctorDirectory interface {
	ListDoctors(ctx context.Context) ([]application.Doctor, error)
	GetDoctor(ctx context.Context, id string) (application.Doctor, bool, error)
	RegisterDoctor(ctx context.Context, params application.RegisterDoctorParams) (application.Doctor, error)
	ApproveDoctor(ctx context.Context, principal application.Principal, id string) (application.Doctor, error)
	BlockDoctor(ctx context.Context, principal application.Principal, id string) (application.Doctor, error)
	UnblockDoctor(ctx context.Context, principal application.Principal, id string) (application.Doctor, error)
	RemoveDoctor(ctx context.Context, principal application.Principal, id string) error
}

// DoctorHandler serves the doctor directory and its administration workflow.
type DoctorHandler struct {
	service   doctorDirectory
	responder responder
	logger    *slog.Logger
}

func NewDoctorHandler(service doctorDirectory, logger *slog.Logger) *DoctorHandler {
	base := defaultLogger(logger)
	return &DoctorHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *DoctorHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "DoctorHandler", operation, attrs...)
}

func (h *DoctorHandler) Register(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())

	var req doctorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "Register", "principal_id", principal.UserID, "error_kind", "bad_request").WarnContext(r.Context(), "failed to decode doctor request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Register", "principal_id", principal.UserID)

	doctor, err := h.service.RegisterDoctor(r.Context(), application.RegisterDoctorParams{
		Principal: principal,
		ID:        strings.TrimSpace(req.ID),
		Name:      strings.TrimSpace(req.Name),
		Email:     strings.TrimSpace(req.Email),
	})
	if err != nil {
		logger.WarnContext(r.Context(), "doctor registration failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("doctor_id", doctor.ID).InfoContext(r.Context(), "doctor registered")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, doctorResponse{Doctor: toDoctorDTO(doctor)})
}

func (h *DoctorHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	logger := h.log(r.Context(), "List", "principal_id", principal.UserID)
	if !principal.IsAdmin() {
		h.responder.handleServiceError(r.Context(), w, application.ErrUnauthorized)
		return
	}

	doctors, err := h.service.ListDoctors(r.Context())
	if err != nil {
		logger.ErrorContext(r.Context(), "doctor list failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("result_count", len(doctors)).InfoContext(r.Context(), "doctors listed")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, listDoctorsResponse{Doctors: toDoctorDTOs(doctors)})
}

func (h *DoctorHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	doctorID, ok := pathDoctorID(r)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidDoctorID)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	if !principal.IsAdmin() && !(principal.Role == application.RoleDoctor && principal.UserID == doctorID) {
		h.responder.handleServiceError(r.Context(), w, application.ErrUnauthorized)
		return
	}

	doctor, found, err := h.service.GetDoctor(r.Context(), doctorID)
	if err != nil {
		h.log(r.Context(), "Get", "doctor_id", doctorID).ErrorContext(r.Context(), "doctor lookup failed", "error", err)
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	if !found {
		h.responder.handleServiceError(r.Context(), w, application.ErrNotFound)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, doctorResponse{Doctor: toDoctorDTO(doctor)})
}

func (h *DoctorHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "Approve", "doctor approved", h.service.ApproveDoctor)
}

func (h *DoctorHandler) Block(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "Block", "doctor blocked", h.service.BlockDoctor)
}

func (h *DoctorHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "Unblock", "doctor unblocked", h.service.UnblockDoctor)
}

func (h *DoctorHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	doctorID, ok := pathDoctorID(r)
	if !ok {
		h.log(r.Context(), "Delete", "error_kind", "bad_request").WarnContext(r.Context(), "missing doctor id for delete")
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidDoctorID)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	logger := h.log(r.Context(), "Delete", "principal_id", principal.UserID, "doctor_id", doctorID)
	if err := h.service.RemoveDoctor(r.Context(), principal, doctorID); err != nil {
		logger.WarnContext(r.Context(), "doctor delete failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "doctor deleted")
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

type doctorTransition func(ctx context.Context, principal application.Principal, id string) (application.Doctor, error)

func (h *DoctorHandler) transition(w http.ResponseWriter, r *http.Request, operation, success string, apply doctorTransition) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	doctorID, ok := pathDoctorID(r)
	if !ok {
		h.log(r.Context(), operation, "error_kind", "bad_request").WarnContext(r.Context(), "missing doctor id")
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidDoctorID)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	logger := h.log(r.Context(), operation, "principal_id", principal.UserID, "doctor_id", doctorID)

	doctor, err := apply(r.Context(), principal, doctorID)
	if err != nil {
		logger.WarnContext(r.Context(), "doctor update failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), success)
	h.responder.writeJSON(r.Context(), w, http.StatusOK, doctorResponse{Doctor: toDoctorDTO(doctor)})
}

func pathDoctorID(r *http.Request) (string, bool) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	return id, id != ""
}

type doctorRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type doctorResponse struct {
	Doctor doctorDTO `json:"doctor"`
}

type listDoctorsResponse struct {
	Doctors []doctorDTO `json:"doctors"`
}

type doctorDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	Approved        bool   `json:"approved"`
	Blocked         bool   `json:"blocked"`
	Status          string `json:"status"`
	Busy            bool   `json:"busy"`
	LastActiveTime  string `json:"last_active_time,omitempty"`
	ActiveSessionID string `json:"active_session_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func toDoctorDTO(doctor application.Doctor) doctorDTO {
	return doctorDTO{
		ID:              doctor.ID,
		Name:            doctor.Name,
		Email:           doctor.Email,
		Approved:        doctor.Approved,
		Blocked:         doctor.Blocked,
		Status:          string(doctor.Status),
		Busy:            doctor.Busy,
		LastActiveTime:  formatTime(doctor.LastActiveTime),
		ActiveSessionID: doctor.ActiveSessionID,
		CreatedAt:       formatTime(doctor.CreatedAt),
		UpdatedAt:       formatTime(doctor.UpdatedAt),
	}
}

func toDoctorDTOs(doctors []application.Doctor) []doctorDTO {
	out := make([]doctorDTO, 0, len(doctors))
	for _, doctor := range doctors {
		out = append(out, toDoctorDTO(doctor))
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := formatTime(*t)
	return &formatted
}
