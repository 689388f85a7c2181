package http

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/teleconsult/internal/application"
)

type RouterConfig struct {
	Doctors       *DoctorHandler
	Presence      *PresenceHandler
	Consultations *ConsultationHandler
	Streams       *SessionStreamHandler
	Metrics       http.Handler
	Health        http.Handler
	Middleware    []func(http.Handler) http.Handler
	Identity      func(http.Handler) http.Handler
	RoleGuard     func(roles ...application.Role) func(http.Handler) http.Handler
}

// NewRouter mounts the API under /api behind the identity middleware and
// leaves /healthz and /metrics open.
func NewRouter(cfg RouterConfig) http.Handler {
	router := mux.NewRouter()
	for _, mw := range cfg.Middleware {
		if mw != nil {
			router.Use(mux.MiddlewareFunc(mw))
		}
	}

	if cfg.Health != nil {
		router.Handle("/healthz", cfg.Health).Methods(http.MethodGet)
	}
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	if cfg.Identity != nil {
		api.Use(mux.MiddlewareFunc(cfg.Identity))
	}
	guard := cfg.RoleGuard
	if guard == nil {
		guard = func(...application.Role) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return next }
		}
	}
	only := func(h http.HandlerFunc, roles ...application.Role) http.Handler {
		return guard(roles...)(h)
	}

	if cfg.Doctors != nil {
		api.Handle("/doctors", only(cfg.Doctors.List, application.RoleAdmin)).Methods(http.MethodGet)
		api.Handle("/doctors", only(cfg.Doctors.Register, application.RoleAdmin)).Methods(http.MethodPost)
		api.HandleFunc("/doctors/{id}", cfg.Doctors.Get).Methods(http.MethodGet)
		api.Handle("/doctors/{id}", only(cfg.Doctors.Delete, application.RoleAdmin)).Methods(http.MethodDelete)
		api.Handle("/doctors/{id}/approve", only(cfg.Doctors.Approve, application.RoleAdmin)).Methods(http.MethodPost)
		api.Handle("/doctors/{id}/block", only(cfg.Doctors.Block, application.RoleAdmin)).Methods(http.MethodPost)
		api.Handle("/doctors/{id}/unblock", only(cfg.Doctors.Unblock, application.RoleAdmin)).Methods(http.MethodPost)
	}

	if cfg.Presence != nil {
		api.Handle("/presence", only(cfg.Presence.Connect, application.RoleDoctor)).Methods(http.MethodPost)
		api.Handle("/presence/{lease}", only(cfg.Presence.Beat, application.RoleDoctor)).Methods(http.MethodPut)
		api.Handle("/presence/{lease}", only(cfg.Presence.SignOff, application.RoleDoctor)).Methods(http.MethodDelete)
		api.Handle("/presence/{lease}/events", only(cfg.Presence.Events, application.RoleDoctor)).Methods(http.MethodGet)
	}

	if cfg.Consultations != nil {
		c := cfg.Consultations
		api.Handle("/consultations", only(c.Request, application.RolePatient)).Methods(http.MethodPost)
		api.Handle("/consultations/active", only(c.Active, application.RolePatient)).Methods(http.MethodGet)
		api.HandleFunc("/consultations/{id}", c.Get).Methods(http.MethodGet)
		api.HandleFunc("/consultations/{id}/chat", c.Chat).Methods(http.MethodPost)
		api.Handle("/consultations/{id}/vitals", only(c.Vitals, application.RolePatient)).Methods(http.MethodPut)
		api.HandleFunc("/consultations/{id}/emergency", c.Emergency).Methods(http.MethodPost)
		api.Handle("/consultations/{id}/complete", only(c.Complete, application.RoleDoctor)).Methods(http.MethodPost)
		api.HandleFunc("/consultations/{id}/reassign", c.FindNewDoctor).Methods(http.MethodPost)
		api.HandleFunc("/patients/{id}/history", c.PatientHistory).Methods(http.MethodGet)
		api.HandleFunc("/doctors/{id}/history", c.DoctorHistory).Methods(http.MethodGet)
		api.Handle("/admin/overview", only(c.Overview, application.RoleAdmin)).Methods(http.MethodGet)
	}

	if cfg.Streams != nil {
		api.HandleFunc("/consultations/{id}/events", cfg.Streams.Stream).Methods(http.MethodGet)
	}

	return router
}
