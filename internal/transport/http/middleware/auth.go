package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pribylovaa/stock-dashboard-auth/internal/models"
	logctx "github.com/pribylovaa/stock-dashboard-auth/internal/pkg/log"
	apierrors "github.com/pribylovaa/stock-dashboard-auth/internal/transport/http/errors"
)

// Authenticator проверяет access-токен и возвращает его полезную нагрузку.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*models.Payload, error)
}

// Authenticate требует Bearer access-токен: без заголовка — 401,
// непрошедший проверку токен — ошибка Authenticator через errors.WriteError.
// Проверенная нагрузка кладётся в контекст (см. PayloadFrom),
// а user_id — в контекстный логгер.
func Authenticate(a Authenticator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				apierrors.WriteError(w, r, apierrors.ErrUnauthenticated)
				return
			}

			p, err := a.Authenticate(r.Context(), token)
			if err != nil {
				logctx.From(r.Context()).Debug("authenticate_rejected",
					slog.String("err", err.Error()),
				)
				apierrors.WriteError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), ctxPayload, p)
			ctx = logctx.With(ctx, slog.String("user_id", p.UserID.String()))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PayloadFrom возвращает нагрузку проверенного access-токена.
func PayloadFrom(ctx context.Context) (*models.Payload, bool) {
	p, ok := ctx.Value(ctxPayload).(*models.Payload)
	return p, ok && p != nil
}

// bearerToken достаёт токен из "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")

	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}

	return strings.TrimSpace(auth[len(prefix):])
}
