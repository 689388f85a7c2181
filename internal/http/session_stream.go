package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/example/teleconsult/internal/application"
)

type sessionReader interface {
	GetSession(ctx context.Context, principal application.Principal, sessionID string) (application.Session, error)
}

// SessionStreamHandler streams a consultation to its participants: session
// updates, chat lines and watchdog notices.
type SessionStreamHandler struct {
	sessions  sessionReader
	changes   TreeSubscriber
	responder responder
	logger    *slog.Logger
}

func NewSessionStreamHandler(sessions sessionReader, changes TreeSubscriber, logger *slog.Logger) *SessionStreamHandler {
	base := defaultLogger(logger)
	return &SessionStreamHandler{sessions: sessions, changes: changes, responder: newResponder(base), logger: base}
}

func (h *SessionStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.sessions == nil || h.changes == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	sessionID, ok := pathSessionID(r)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidSessionID)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	logger := handlerLogger(r.Context(), h.logger, "SessionStreamHandler", "Stream", "principal_id", principal.UserID, "session_id", sessionID)

	// Subscribe before loading the snapshot so no write falls in between.
	relay := newRelay()
	unsubscribe := h.changes.SubscribeTree(application.SessionKey(sessionID), func(key string, payload any) {
		switch value := payload.(type) {
		case application.Session:
			if depth(key) != 1 {
				return
			}
			relay.push(streamEvent{name: "session", payload: toSessionDTO(value)})
			if !value.Active() {
				relay.push(streamEvent{name: "closed", payload: map[string]string{"session_id": value.ID}})
			}
		case application.ChatMessage:
			relay.push(streamEvent{name: "chat", payload: toChatDTO(value)})
		case application.Notice:
			relay.push(streamEvent{name: "notice", payload: toNoticeDTO(value)})
		}
	})
	defer unsubscribe()

	session, err := h.sessions.GetSession(r.Context(), principal, sessionID)
	if err != nil {
		logger.WarnContext(r.Context(), "session stream rejected", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	stream, ok := openEventStream(w)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusInternalServerError, nil)
		return
	}
	if err := stream.send("snapshot", toSessionDTO(session)); err != nil {
		return
	}
	if !session.Active() {
		_ = stream.send("closed", map[string]string{"session_id": session.ID})
		return
	}

	logger.InfoContext(r.Context(), "session stream opened")
	pump(r.Context(), stream, relay)
	logger.InfoContext(r.Context(), "session stream closed")
}
