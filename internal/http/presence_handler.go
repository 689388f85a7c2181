package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/teleconsult/internal/application"
)

type leaseTable interface {
	Register(doctorID string) string
	Renew(leaseID string) bool
	Release(leaseID string)
	Drop(ctx context.Context, leaseID string)
	Holder(leaseID string) (string, bool)
}

type presenceRegistry interface {
	GetDoctor(ctx context.Context, id string) (application.Doctor, bool, error)
	MarkAlive(ctx context.Context, id string) (application.Doctor, error)
	MarkOffline(ctx context.Context, id string) (application.Doctor, error)
}

// HeartbeatObserver counts heartbeats by result.
type HeartbeatObserver interface {
	ObserveHeartbeat(result string)
}

type nopHeartbeatObserver struct{}

func (nopHeartbeatObserver) ObserveHeartbeat(string) {}

// PresenceConfig carries the intervals advertised to doctor agents.
type PresenceConfig struct {
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
}

// PresenceHandler serves the doctor side of the heartbeat protocol: opening
// a lease that arms the disconnect fallback, beating, signing off and the
// doctor's event stream.
type PresenceHandler struct {
	leases    leaseTable
	registry  presenceRegistry
	changes   TreeSubscriber
	observer  HeartbeatObserver
	cfg       PresenceConfig
	responder responder
	logger    *slog.Logger
}

func NewPresenceHandler(leases leaseTable, registry presenceRegistry, changes TreeSubscriber, observer HeartbeatObserver, cfg PresenceConfig, logger *slog.Logger) *PresenceHandler {
	base := defaultLogger(logger)
	if observer == nil {
		observer = nopHeartbeatObserver{}
	}
	return &PresenceHandler{
		leases:    leases,
		registry:  registry,
		changes:   changes,
		observer:  observer,
		cfg:       cfg,
		responder: newResponder(base),
		logger:    base,
	}
}

func (h *PresenceHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "PresenceHandler", operation, attrs...)
}

func (h *PresenceHandler) available() bool {
	return h != nil && h.leases != nil && h.registry != nil
}

// Connect opens a lease for the calling doctor and records the first beat.
func (h *PresenceHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if !h.available() {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	logger := h.log(r.Context(), "Connect", "doctor_id", principal.UserID)

	if _, found, err := h.registry.GetDoctor(r.Context(), principal.UserID); err != nil || !found {
		if err == nil {
			err = application.ErrNotFound
		}
		logger.WarnContext(r.Context(), "presence connect rejected", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	leaseID := h.leases.Register(principal.UserID)
	doctor, err := h.registry.MarkAlive(r.Context(), principal.UserID)
	if err != nil {
		h.leases.Release(leaseID)
		logger.ErrorContext(r.Context(), "presence connect failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.observer.ObserveHeartbeat("connect")
	logger.InfoContext(r.Context(), "doctor connected", "lease_id", leaseID)
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, presenceResponse{
		LeaseID:           leaseID,
		LeaseTTL:          h.cfg.LeaseTTL.String(),
		HeartbeatInterval: h.cfg.HeartbeatInterval.String(),
		Doctor:            toDoctorDTO(doctor),
	})
}

// Beat renews the lease and writes status=ACTIVE, lastActiveTime=now. An
// expired lease answers 410 so the agent reconnects.
func (h *PresenceHandler) Beat(w http.ResponseWriter, r *http.Request) {
	if !h.available() {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	leaseID, ok := h.ownedLease(w, r, principal)
	if !ok {
		return
	}

	if !h.leases.Renew(leaseID) {
		h.observer.ObserveHeartbeat("expired_lease")
		h.responder.writeError(r.Context(), w, http.StatusGone, nil)
		return
	}
	if _, err := h.registry.MarkAlive(r.Context(), principal.UserID); err != nil {
		h.observer.ObserveHeartbeat("error")
		h.log(r.Context(), "Beat", "doctor_id", principal.UserID).ErrorContext(r.Context(), "heartbeat write failed", "error", err)
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.observer.ObserveHeartbeat("ok")
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

// SignOff marks the doctor offline and closes the lease without firing the
// fallback. Signing off an unknown lease still marks the doctor offline.
func (h *PresenceHandler) SignOff(w http.ResponseWriter, r *http.Request) {
	if !h.available() {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	leaseID := strings.TrimSpace(mux.Vars(r)["lease"])
	logger := h.log(r.Context(), "SignOff", "doctor_id", principal.UserID, "lease_id", leaseID)

	if holder, ok := h.leases.Holder(leaseID); ok {
		if holder != principal.UserID {
			h.responder.handleServiceError(r.Context(), w, application.ErrUnauthorized)
			return
		}
		h.leases.Release(leaseID)
	}
	if _, err := h.registry.MarkOffline(r.Context(), principal.UserID); err != nil {
		logger.ErrorContext(r.Context(), "sign off failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.observer.ObserveHeartbeat("sign_off")
	logger.InfoContext(r.Context(), "doctor signed off")
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

// Events streams the doctor's own record. Closing the stream drops the lease,
// which marks the doctor offline unless another lease is still held.
func (h *PresenceHandler) Events(w http.ResponseWriter, r *http.Request) {
	if !h.available() || h.changes == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	leaseID, ok := h.ownedLease(w, r, principal)
	if !ok {
		return
	}
	logger := h.log(r.Context(), "Events", "doctor_id", principal.UserID, "lease_id", leaseID)

	doctor, found, err := h.registry.GetDoctor(r.Context(), principal.UserID)
	if err != nil || !found {
		if err == nil {
			err = application.ErrNotFound
		}
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	stream, ok := openEventStream(w)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusInternalServerError, nil)
		return
	}

	relay := newRelay()
	unsubscribe := h.changes.SubscribeTree(application.DoctorKey(principal.UserID), func(key string, payload any) {
		if updated, ok := payload.(application.Doctor); ok {
			relay.push(streamEvent{name: "doctor", payload: toDoctorDTO(updated)})
		}
	})
	defer func() {
		unsubscribe()
		h.leases.Drop(context.WithoutCancel(r.Context()), leaseID)
		logger.InfoContext(r.Context(), "doctor stream closed")
	}()

	if err := stream.send("doctor", toDoctorDTO(doctor)); err != nil {
		return
	}
	logger.InfoContext(r.Context(), "doctor stream opened")
	pump(r.Context(), stream, relay)
}

func (h *PresenceHandler) ownedLease(w http.ResponseWriter, r *http.Request, principal application.Principal) (string, bool) {
	leaseID := strings.TrimSpace(mux.Vars(r)["lease"])
	if leaseID == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidLeaseID)
		return "", false
	}
	holder, ok := h.leases.Holder(leaseID)
	if !ok {
		h.observer.ObserveHeartbeat("unknown_lease")
		h.responder.writeError(r.Context(), w, http.StatusGone, nil)
		return "", false
	}
	if holder != principal.UserID {
		h.responder.handleServiceError(r.Context(), w, application.ErrUnauthorized)
		return "", false
	}
	return leaseID, true
}

// pump forwards relayed events until the client goes away or falls behind.
func pump(ctx context.Context, stream *eventStream, relay *relay) {
	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-relay.overflow:
			return
		case event := <-relay.events:
			if err := stream.send(event.name, event.payload); err != nil {
				return
			}
			if event.name == "closed" {
				return
			}
		case <-ticker.C:
			if err := stream.keepAlive(); err != nil {
				return
			}
		}
	}
}

type presenceResponse struct {
	LeaseID           string    `json:"lease_id"`
	LeaseTTL          string    `json:"lease_ttl"`
	HeartbeatInterval string    `json:"heartbeat_interval"`
	Doctor            doctorDTO `json:"doctor"`
}
