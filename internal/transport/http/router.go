package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/pribylovaa/stock-dashboard-auth/internal/config"
	"github.com/pribylovaa/stock-dashboard-auth/internal/metrics"
	"github.com/pribylovaa/stock-dashboard-auth/internal/transport/http/handlers"
	"github.com/pribylovaa/stock-dashboard-auth/internal/transport/http/middleware"
)

// Service — всё, что роутеру нужно от сервисного слоя.
type Service interface {
	handlers.AuthService
	middleware.Authenticator
}

// Options — параметры сборки HTTP-роутера.
type Options struct {
	Logger      *slog.Logger
	Timeout     time.Duration
	BasePath    string // например, "/api/v1"; если пустой — роуты регистрируются на корне.
	CORSOrigins []string
	RateLimit   config.RateLimitConfig
	Metrics     *metrics.Recorder
}

// NewRouter собирает http.Handler с chi, подключёнными middleware/роутами и CORS.
func NewRouter(svc Service, opts Options) http.Handler {
	root := chi.NewRouter()

	// Middleware (внешний -> внутренний).
	root.Use(
		middleware.Recover(),                          // безопасно ловим паники
		middleware.RequestID(),                        // формируем/прокидываем X-Request-Id (до логирования!)
		middleware.Logging(opts.Logger, opts.Metrics), // request-scoped логгер, строка лога и метрики
		middleware.Timeout(opts.Timeout),              // общий дедлайн запроса
	)

	h := handlers.New(svc)
	auth := middleware.Authenticate(svc)

	var limit middleware.Middleware
	if opts.RateLimit.RPS > 0 {
		limit = middleware.NewRateLimiter(opts.RateLimit.RPS, opts.RateLimit.Burst).Limit()
	}

	if opts.BasePath != "" {
		sub := chi.NewRouter()
		registerRoutes(sub, h, auth, limit)
		root.Mount(opts.BasePath, sub)
	} else {
		registerRoutes(root, h, auth, limit)
	}

	return withCORS(root, opts.CORSOrigins)
}

// registerRoutes — единая точка регистрации всех REST-эндпойнтов.
// Публичные эндпойнты под лимитом частоты, остальные — под Bearer-токеном.
func registerRoutes(r chi.Router, h *handlers.Handlers, auth, limit middleware.Middleware) {
	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if limit != nil {
				r.Use(limit)
			}
			r.Post("/signup", h.Signup)
			r.Post("/login", h.Login)
			r.Post("/refresh-token", h.RefreshToken)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Post("/logout", h.Logout)
			r.Post("/forgot-password", h.ForgotPassword)
		})
	})
}

// withCORS оборачивает обработчик целиком, чтобы preflight-запросы
// не доходили до роутера. Пустой список источников отключает CORS.
func withCORS(h http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		return h
	}

	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: true,
	}).Handler(h)
}
