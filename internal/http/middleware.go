package http

import (
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/example/teleconsult/internal/application"
	"github.com/example/teleconsult/internal/logging"
)

const (
	headerUserID = "X-User-ID"
	headerRole   = "X-User-Role"
)

// RequireIdentity turns the identity headers set by the upstream gateway into
// a Principal on the request context.
func RequireIdentity(logger *slog.Logger) func(http.Handler) http.Handler {
	responder := newResponder(logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(headerUserID))
			role := application.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(headerRole))))
			if userID == "" || role == "" {
				responder.writeError(r.Context(), w, http.StatusUnauthorized, errMissingIdentity)
				return
			}
			switch role {
			case application.RolePatient, application.RoleDoctor, application.RoleAdmin:
			default:
				responder.writeError(r.Context(), w, http.StatusUnauthorized, errInvalidRole)
				return
			}

			principal := application.Principal{UserID: userID, Role: role}
			ctx := ContextWithPrincipal(r.Context(), principal)
			ctx = logging.With(ctx, "principal_id", userID, "role", string(role))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects principals whose role is not listed.
func RequireRole(logger *slog.Logger, roles ...application.Role) func(http.Handler) http.Handler {
	responder := newResponder(logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				responder.writeError(r.Context(), w, http.StatusUnauthorized, errMissingIdentity)
				return
			}
			for _, role := range roles {
				if principal.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			responder.handleServiceError(r.Context(), w, application.ErrUnauthorized)
		})
	}
}

func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	var counter atomic.Uint64

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := counter.Add(1)
			logger := base.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
			)

			ctx := ContextWithLogger(r.Context(), logger)
			start := time.Now()
			logger.InfoContext(ctx, "request started")
			next.ServeHTTP(w, r.WithContext(ctx))
			logger.InfoContext(ctx, "request completed", "duration", time.Since(start))
		})
	}
}
