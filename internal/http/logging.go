package http

import (
	"context"
	"log/slog"

	"github.com/example/teleconsult/internal/logging"
)

func defaultLogger(logger *slog.Logger) *slog.Logger {
	return logging.OrDefault(context.Background(), logger)
}

// handlerLogger prefers the request logger so request_id and principal_id
// set by the middleware chain carry through.
func handlerLogger(ctx context.Context, fallback *slog.Logger, handlerName, operation string, attrs ...any) *slog.Logger {
	return logging.Scoped(ctx, fallback, "handler", handlerName, operation, attrs...)
}
