package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/teleconsult/internal/logging"
)

func defaultLogger(logger *slog.Logger) *slog.Logger {
	return logging.OrDefault(context.Background(), logger)
}

func serviceLogger(ctx context.Context, base *slog.Logger, serviceName, operation string, attrs ...any) *slog.Logger {
	return logging.Scoped(ctx, base, "service", serviceName, operation, attrs...)
}

// ErrorKind maps sentinel and validation errors to a stable logging label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrNoDoctorAvailable):
		return "no_doctor_available"
	case errors.Is(err, ErrDoctorUnavailable):
		return "doctor_unavailable"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrDoctorReleaseFailed):
		return "doctor_release_failed"
	}

	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return "validation"
	}

	return "unexpected"
}

// isExpected reports errors that describe caller or capacity conditions rather
// than faults, so they are logged at warn level.
func isExpected(err error) bool {
	switch ErrorKind(err) {
	case "unauthorized", "not_found", "validation", "no_doctor_available", "doctor_unavailable", "session_closed", "already_exists":
		return true
	}
	return false
}

func logOutcome(ctx context.Context, logger *slog.Logger, err error, failure, success string, attrs ...any) {
	if err == nil {
		logger.InfoContext(ctx, success, attrs...)
		return
	}
	args := append([]any{"error", err, "error_kind", ErrorKind(err)}, attrs...)
	if isExpected(err) {
		logger.WarnContext(ctx, failure, args...)
		return
	}
	logger.ErrorContext(ctx, failure, args...)
}
