package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/teleconsult/internal/application"
	"github.com/example/teleconsult/internal/realtime"
	"github.com/example/teleconsult/internal/testfixtures"
	"github.com/example/teleconsult/internal/watchdog"
)

type apiHarness struct {
	factory      *testfixtures.ServiceFactory
	hub          *realtime.Hub
	consultation *testfixtures.Consultation
	presence     *realtime.Presence
	router       http.Handler
}

func newAPIHarness(t *testing.T, doctors ...testfixtures.DoctorFixture) *apiHarness {
	t.Helper()
	h := &apiHarness{
		factory: testfixtures.NewServiceFactory(),
		hub:     realtime.NewHub(),
	}
	h.consultation = h.factory.NewConsultation(h.hub, doctors...)
	registry := h.consultation.Registry
	h.presence = realtime.NewPresence(30*time.Second, func(ctx context.Context, doctorID string) error {
		_, err := registry.MarkOffline(ctx, doctorID)
		return err
	}, h.factory.Clock.NowFunc(), nil)

	supervisor, err := watchdog.NewSupervisor(watchdog.Deps{
		Registry:  registry,
		Sessions:  h.consultation.Service,
		Scheduler: testfixtures.NewManualScheduler(h.factory.Clock),
		Now:       h.factory.Clock.NowFunc(),
	})
	require.NoError(t, err)

	h.router = NewRouter(RouterConfig{
		Doctors:       NewDoctorHandler(registry, nil),
		Presence:      NewPresenceHandler(h.presence, registry, h.hub, nil, PresenceConfig{LeaseTTL: 30 * time.Second, HeartbeatInterval: 10 * time.Second}, nil),
		Consultations: NewConsultationHandler(h.consultation.Service, supervisor, nil),
		Streams:       NewSessionStreamHandler(h.consultation.Service, h.hub, nil),
		Health:        NewHealthHandler(map[string]HealthCheck{"store": func(context.Context) error { return nil }}, nil),
		Middleware:    []func(http.Handler) http.Handler{RequestLogger(nil)},
		Identity:      RequireIdentity(nil),
		RoleGuard: func(roles ...application.Role) func(http.Handler) http.Handler {
			return RequireRole(nil, roles...)
		},
	})
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, principal application.Principal, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	}
	req := httptest.NewRequest(method, path, reader)
	if principal.UserID != "" {
		req.Header.Set(headerUserID, principal.UserID)
		req.Header.Set(headerRole, string(principal.Role))
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

var (
	patient = application.Principal{UserID: "patient-1", Role: application.RolePatient}
	admin   = application.Principal{UserID: "admin-1", Role: application.RoleAdmin}
)

func TestRequireIdentity(t *testing.T) {
	h := newAPIHarness(t)

	t.Run("missing headers", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/consultations/active", application.Principal{}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown role", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/consultations/active", application.Principal{UserID: "x", Role: "nurse"}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("health stays open", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/healthz", application.Principal{}, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", decode[healthResponse](t, rec).Status)
	})
}

func TestConsultationLifecycleOverHTTP(t *testing.T) {
	d1 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d1"), testfixtures.WithDoctorName("Dr One"))
	h := newAPIHarness(t, d1)

	rec := h.do(t, http.MethodPost, "/api/consultations", patient, consultationRequest{Symptoms: "cough"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[consultationResponse](t, rec)
	assert.Equal(t, "d1", created.Session.DoctorID)
	assert.Equal(t, "ACTIVE", created.Session.Status)
	sessionID := created.Session.ID

	rec = h.do(t, http.MethodPost, "/api/consultations", patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[consultationResponse](t, rec).Resumed)

	rec = h.do(t, http.MethodPost, "/api/consultations/"+sessionID+"/chat", d1.Principal(), chatRequest{Text: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "doctor", decode[chatResponse](t, rec).Message.Role)

	rec = h.do(t, http.MethodPut, "/api/consultations/"+sessionID+"/vitals", patient, vitalsDTO{})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "少なくとも 1 つの測定値を入力してください。", decode[errorResponse](t, rec).Errors["vitals"])

	rec = h.do(t, http.MethodPut, "/api/consultations/"+sessionID+"/vitals", patient, vitalsDTO{BP: "120/80"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "120/80", decode[consultationResponse](t, rec).Session.HealthData.BP)

	rec = h.do(t, http.MethodPost, "/api/consultations/"+sessionID+"/complete", patient, completeRequest{Prescription: "rest"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/consultations/"+sessionID+"/complete", d1.Principal(), completeRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/consultations/"+sessionID+"/complete", d1.Principal(), completeRequest{Prescription: "rest"})
	require.Equal(t, http.StatusOK, rec.Code)
	completed := decode[consultationResponse](t, rec)
	assert.Equal(t, "COMPLETED", completed.Session.Status)
	assert.Empty(t, completed.Warning)

	rec = h.do(t, http.MethodPost, "/api/consultations/"+sessionID+"/chat", patient, chatRequest{Text: "thanks"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/patients/patient-1/history", patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[patientHistoryResponse](t, rec).Sessions, 1)

	rec = h.do(t, http.MethodGet, "/api/consultations/"+sessionID, application.Principal{UserID: "patient-2", Role: application.RolePatient}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestNoDoctorAvailableReturns503(t *testing.T) {
	h := newAPIHarness(t, testfixtures.NewDoctorFixture(testfixtures.WithDoctorInactive()))

	rec := h.do(t, http.MethodPost, "/api/consultations", patient, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))
	assert.Equal(t, "NO_DOCTOR_AVAILABLE", decode[errorResponse](t, rec).ErrorCode)
	assert.Zero(t, h.consultation.Sessions.Len())
}

func TestFindNewDoctorOverHTTP(t *testing.T) {
	d1 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d1"))
	d2 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d2"))
	h := newAPIHarness(t, d1, d2)

	rec := h.do(t, http.MethodPost, "/api/consultations", patient, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	sessionID := decode[consultationResponse](t, rec).Session.ID

	rec = h.do(t, http.MethodPost, "/api/consultations/"+sessionID+"/reassign", d1.Principal(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/consultations/"+sessionID+"/reassign", patient, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decode[consultationResponse](t, rec)
	assert.Equal(t, "d2", moved.Session.DoctorID)
	assert.True(t, moved.Session.Reassigned)
}

func TestDoctorAdministration(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/doctors", patient, doctorRequest{ID: "d9", Name: "Dr Nine", Email: "d9@example.com"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/doctors", admin, doctorRequest{ID: "d9", Name: "Dr Nine", Email: "not-an-email"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "メールアドレスの形式が不正です。", decode[errorResponse](t, rec).Errors["email"])

	rec = h.do(t, http.MethodPost, "/api/doctors", admin, doctorRequest{ID: "d9", Name: "Dr Nine", Email: "d9@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.False(t, decode[doctorResponse](t, rec).Doctor.Approved)

	rec = h.do(t, http.MethodPost, "/api/doctors/d9/approve", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[doctorResponse](t, rec).Doctor.Approved)

	rec = h.do(t, http.MethodGet, "/api/doctors", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[listDoctorsResponse](t, rec).Doctors, 1)

	rec = h.do(t, http.MethodGet, "/api/doctors/d9", application.Principal{UserID: "d9", Role: application.RoleDoctor}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/doctors/d9", admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/doctors/d9", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresenceProtocol(t *testing.T) {
	d1 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d1"), testfixtures.WithDoctorInactive())
	h := newAPIHarness(t, d1)

	rec := h.do(t, http.MethodPost, "/api/presence", d1.Principal(), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	connected := decode[presenceResponse](t, rec)
	assert.Equal(t, "ACTIVE", connected.Doctor.Status)
	leaseID := connected.LeaseID

	h.factory.Clock.Advance(10 * time.Second)
	rec = h.do(t, http.MethodPut, "/api/presence/"+leaseID, d1.Principal(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	stored, _ := h.consultation.Doctors.Doctor("d1")
	assert.True(t, stored.LastActiveTime.Equal(h.factory.Clock.Now()))

	rec = h.do(t, http.MethodPut, "/api/presence/"+leaseID, application.Principal{UserID: "d2", Role: application.RoleDoctor}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPut, "/api/presence/unknown", d1.Principal(), nil)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/presence/"+leaseID, d1.Principal(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	stored, _ = h.consultation.Doctors.Doctor("d1")
	assert.Equal(t, application.DoctorInactive, stored.Status)
	assert.False(t, h.presence.Online("d1"))

	rec = h.do(t, http.MethodPost, "/api/presence", application.Principal{UserID: "ghost", Role: application.RoleDoctor}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresenceStreamDropMarksDoctorOffline(t *testing.T) {
	d1 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d1"))
	h := newAPIHarness(t, d1)
	server := httptest.NewServer(h.router)
	defer server.Close()

	rec := h.do(t, http.MethodPost, "/api/presence", d1.Principal(), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	leaseID := decode[presenceResponse](t, rec).LeaseID

	ctx, cancel := context.WithCancel(context.Background())
	resp := openStream(t, ctx, server.URL+"/api/presence/"+leaseID+"/events", d1.Principal())
	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, "doctor", nextEvent(t, reader))

	cancel()
	resp.Body.Close()

	require.Eventually(t, func() bool {
		stored, _ := h.consultation.Doctors.Doctor("d1")
		return stored.Status == application.DoctorInactive
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.presence.Online("d1"))
}

func TestSessionStreamDeliversChatAndClose(t *testing.T) {
	d1 := testfixtures.NewDoctorFixture(testfixtures.WithDoctorID("d1"))
	h := newAPIHarness(t, d1)
	server := httptest.NewServer(h.router)
	defer server.Close()

	rec := h.do(t, http.MethodPost, "/api/consultations", patient, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	sessionID := decode[consultationResponse](t, rec).Session.ID

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp := openStream(t, ctx, server.URL+"/api/consultations/"+sessionID+"/events", patient)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, "snapshot", nextEvent(t, reader))

	rec = h.do(t, http.MethodPost, "/api/consultations/"+sessionID+"/chat", d1.Principal(), chatRequest{Text: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "chat", nextEvent(t, reader))

	rec = h.do(t, http.MethodPost, "/api/consultations/"+sessionID+"/complete", d1.Principal(), completeRequest{Prescription: "rest"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "session", nextEvent(t, reader))
	assert.Equal(t, "closed", nextEvent(t, reader))
}

func openStream(t *testing.T, ctx context.Context, url string, principal application.Principal) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set(headerUserID, principal.UserID)
	req.Header.Set(headerRole, string(principal.Role))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return resp
}

// nextEvent reads until the next "event:" line and returns its name.
func nextEvent(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.Fatal("stream ended before the next event")
			}
			require.NoError(t, err)
		}
		if name, ok := strings.CutPrefix(strings.TrimSpace(line), "event: "); ok {
			return name
		}
	}
}
