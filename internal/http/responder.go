package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/example/teleconsult/internal/application"
	"github.com/example/teleconsult/internal/logging"
)

var (
	errBadRequestBody   = errors.New("無効なリクエスト形式です。")
	errInvalidSessionID = errors.New("無効なセッション ID です。")
	errInvalidDoctorID  = errors.New("無効な医師 ID です。")
	errInvalidLeaseID   = errors.New("接続 ID を指定してください。")
	errMissingIdentity  = errors.New("利用者 ID とロールを指定してください。")
	errInvalidRole      = errors.New("無効なロールです。")
)

type responder struct {
	logger *slog.Logger
}

func newResponder(logger *slog.Logger) responder {
	if logger == nil {
		logger = slog.Default()
	}
	return responder{logger: logger}
}

func (r responder) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}

	if status == http.StatusNoContent || payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.loggerFor(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (r responder) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	message := localizedStatusMessage(status)
	if err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			message = msg
		}
		r.loggerFor(ctx).WarnContext(ctx, "request rejected", "status", status, "error", err)
	}

	r.writeJSON(ctx, w, status, errorResponse{Message: message})
}

func (r responder) handleServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		r.writeError(ctx, w, http.StatusInternalServerError, errors.New("unknown error"))
		return
	}

	switch {
	case errors.Is(err, application.ErrUnauthorized):
		r.writeJSON(ctx, w, http.StatusForbidden, errorResponse{
			ErrorCode: "AUTH_FORBIDDEN",
			Message:   "この操作を実行する権限がありません。",
		})
	case errors.Is(err, application.ErrNotFound):
		r.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Message: "指定されたリソースが見つかりません。"})
	case errors.Is(err, application.ErrAlreadyExists):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "ALREADY_EXISTS", Message: "同じ医師が既に登録されています。"})
	case errors.Is(err, application.ErrDoctorUnavailable):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "DOCTOR_UNAVAILABLE", Message: "医師は他の診察を担当しています。"})
	case errors.Is(err, application.ErrSessionClosed):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "SESSION_CLOSED", Message: "この診察は既に終了しています。"})
	case errors.Is(err, application.ErrNoDoctorAvailable):
		w.Header().Set("Retry-After", "10")
		r.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{
			ErrorCode: "NO_DOCTOR_AVAILABLE",
			Message:   "現在対応可能な医師がいません。しばらくしてから再度お試しください。",
		})
	default:
		var vErr *application.ValidationError
		if errors.As(err, &vErr) {
			details := localizeValidationErrors(vErr)
			r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
				Message: "入力内容に誤りがあります。",
				Errors:  details,
			})
			return
		}

		r.loggerFor(ctx).ErrorContext(ctx, "unexpected service error", "error", err)
		r.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Message: "サーバー内部でエラーが発生しました。"})
	}
}

func (r responder) loggerFor(ctx context.Context) *slog.Logger {
	return logging.OrDefault(ctx, r.logger)
}

func localizedStatusMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "リクエスト内容が正しくありません。"
	case http.StatusUnauthorized:
		return "認証が必要です。"
	case http.StatusForbidden:
		return "この操作を実行する権限がありません。"
	case http.StatusNotFound:
		return "指定されたリソースが見つかりません。"
	case http.StatusConflict:
		return "要求はリソースの現在の状態と競合しています。"
	case http.StatusGone:
		return "接続の有効期限が切れています。再接続してください。"
	case http.StatusUnprocessableEntity:
		return "入力内容に誤りがあります。"
	case http.StatusServiceUnavailable:
		return "現在対応可能な医師がいません。しばらくしてから再度お試しください。"
	default:
		return "サーバー内部でエラーが発生しました。"
	}
}

func localizeValidationErrors(vErr *application.ValidationError) map[string]string {
	if vErr == nil || len(vErr.FieldErrors) == 0 {
		return nil
	}

	translated := make(map[string]string, len(vErr.FieldErrors))
	for field, msg := range vErr.FieldErrors {
		translated[field] = translateValidationMessage(msg)
	}
	return translated
}

func translateValidationMessage(message string) string {
	switch message {
	case "id is required":
		return "ID は必須です。"
	case "name is required":
		return "氏名は必須です。"
	case "email is required":
		return "メールアドレスは必須です。"
	case "email must be a valid address":
		return "メールアドレスの形式が不正です。"
	case "patient is required":
		return "患者を指定してください。"
	case "doctor is required":
		return "医師を指定してください。"
	case "message text is required":
		return "メッセージを入力してください。"
	case "at least one reading is required":
		return "少なくとも 1 つの測定値を入力してください。"
	case "a different doctor is required":
		return "現在とは別の医師を指定してください。"
	case "prescription is required":
		return "処方内容は必須です。"
	default:
		return message
	}
}

type errorResponse struct {
	ErrorCode string            `json:"error_code,omitempty"`
	Message   string            `json:"message"`
	Errors    map[string]string `json:"errors,omitempty"`
}
