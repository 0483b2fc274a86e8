// errors стандартизирует ответы об ошибках HTTP-слоя.
// На вход принимает ошибку сервисного слоя или транспорта,
// на выход даёт:
//   - корректный HTTP-статус;
//   - краткое безопасное message без утечки деталей.
//
// Источник истинности по классам ошибок: service.KindOf.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pribylovaa/stock-dashboard-auth/internal/service"
)

// Нестандартный код часто используемый для "клиент закрыл соединение".
const StatusClientClosedRequest = 499

var (
	// ErrBadRequest — тело запроса не разобралось или не прошло схему.
	ErrBadRequest = errors.New("bad request")
	// ErrUnauthenticated — в запросе нет Bearer-токена.
	ErrUnauthenticated = errors.New("token not found")
	// ErrRateLimited — превышен лимит запросов с одного адреса.
	ErrRateLimited = errors.New("too many requests")
)

// APIError — единый формат для фронта.
// Code — короткий стабильный код для машиночитаемой обработки на FE.
// Message — безопасное человекочитаемое описание.
// RequestID — прокидывается из X-Request-Id, если есть (для трассировки).
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse — корневой объект в ответе.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// publicErrors — сентинелы, текст которых безопасно показывать клиенту.
// Порядок важен: при нескольких совпадениях берётся первое.
var publicErrors = []error{
	service.ErrTokenReused,
	service.ErrTokenNotRecognized,
	service.ErrInvalidToken,
	service.ErrSessionNotFound,
	service.ErrUserNotFound,
	service.ErrInvalidCredentials,
	service.ErrPermissionDenied,
	service.ErrEmailTaken,
	service.ErrInvalidEmail,
	service.ErrEmptyPassword,
	service.ErrWeakPassword,
	service.ErrInvalidFullName,
}

// ToHTTP конвертирует ошибку в HTTP-статус и унифицированный ответ.
//
// Поведение:
//   - err == nil — программная ошибка вызова: 500/internal, чтобы не послать
//     "200 OK" с телом ошибки и не маскировать баг;
//   - ошибки транспорта (битое тело, нет токена, лимит) — 400/401/429;
//   - отмена клиентом — 499, истёкший дедлайн — 504;
//   - доменные ошибки — по service.KindOf;
//   - прочее — 500/internal без деталей.
func ToHTTP(err error) (int, ErrorResponse) {
	status, code, msg := classify(err)

	return status, ErrorResponse{
		Error: APIError{
			Code:    code,
			Message: msg,
		},
	}
}

func classify(err error) (int, string, string) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, "internal", "internal error"
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "invalid_argument", "invalid argument"
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated", ErrUnauthenticated.Error()
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "resource_exhausted", ErrRateLimited.Error()
	}

	switch service.KindOf(err) {
	case service.KindBadRequest:
		return http.StatusBadRequest, "invalid_argument", publicMessage(err, "invalid argument")
	case service.KindForbidden:
		return http.StatusForbidden, "forbidden", publicMessage(err, "forbidden")
	case service.KindNotFound:
		return http.StatusNotFound, "not_found", publicMessage(err, "not found")
	case service.KindConflict:
		return http.StatusConflict, "already_exists", publicMessage(err, "already exists")
	}

	switch {
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "canceled", "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline_exceeded", "deadline exceeded"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}

func publicMessage(err error, fallback string) string {
	for _, e := range publicErrors {
		if errors.Is(err, e) {
			return e.Error()
		}
	}

	return fallback
}

// WriteError — хелпер для HTTP-хендлеров.
// Пишет корректный статус/тело, добавляет request_id из заголовка, если он есть.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := ToHTTP(err)

	// Прокидываем request_id для фронта, чтобы он мог репортить баги с привязкой.
	if rid := r.Header.Get("X-Request-Id"); rid != "" {
		resp.Error.RequestID = rid
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
