// service содержит жизненный цикл сессии пользователя дашборда:
// регистрацию, вход, выход, смену пароля, обмен refresh-токена
// и проверку access-токена.
//
// Основные аспекты:
//   - на пользователя приходится не больше одной сессии; каждый вход,
//     регистрация и обмен выпускают новую пару ключей RSA;
//   - refresh-токен одноразовый: обменянный попадает в список использованных,
//     а его повторное предъявление считается кражей и уничтожает сессию;
//   - Service не хранит состояние запроса и безопасен для конкурентного
//     использования при потокобезопасном storage.Storage;
//   - ошибки — сентинелы ниже; транспорт маппит их по Kind.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pribylovaa/stock-dashboard-auth/internal/cache"
	"github.com/pribylovaa/stock-dashboard-auth/internal/config"
	"github.com/pribylovaa/stock-dashboard-auth/internal/keys"
	"github.com/pribylovaa/stock-dashboard-auth/internal/metrics"
	"github.com/pribylovaa/stock-dashboard-auth/internal/models"
	"github.com/pribylovaa/stock-dashboard-auth/internal/pkg/log"
	"github.com/pribylovaa/stock-dashboard-auth/internal/storage"
	"github.com/pribylovaa/stock-dashboard-auth/internal/token"
)

var (
	// ErrInvalidEmail — e-mail имеет некорректный формат или длину.
	// Транспорт: 400.
	ErrInvalidEmail = errors.New("invalid email format")

	// ErrWeakPassword — пароль не удовлетворяет политике сложности.
	// Транспорт: 400.
	ErrWeakPassword = errors.New("password is too weak")

	// ErrEmptyPassword — пароль пустой.
	// Транспорт: 400.
	ErrEmptyPassword = errors.New("password is empty")

	// ErrInvalidFullName — имя пустое или выходит за допустимую длину.
	// Транспорт: 400.
	ErrInvalidFullName = errors.New("invalid full name")

	// ErrEmailTaken — e-mail уже занят.
	// Транспорт: 409.
	ErrEmailTaken = errors.New("email already taken")

	// ErrInvalidCredentials — пользователь не найден, пароль неверен
	// или у аккаунта нет пароля. Сообщение одинаковое во всех случаях.
	// Транспорт: 403.
	ErrInvalidCredentials = errors.New("email or password is not correct")

	// ErrTokenNotRecognized — токен не разбирается как токен этого сервиса.
	// Транспорт: 403.
	ErrTokenNotRecognized = errors.New("token is not issued by server")

	// ErrSessionNotFound — у пользователя нет активной сессии.
	// Транспорт: 404.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTokenReused — предъявлен уже обменянный refresh-токен;
	// сессия уничтожена. Транспорт: 403.
	ErrTokenReused = errors.New("token was reused, session revoked")

	// ErrInvalidToken — подпись, алгоритм, срок или издатель не прошли проверку,
	// либо токен уже не текущий. Транспорт: 403.
	ErrInvalidToken = errors.New("token is invalid")

	// ErrUserNotFound — пользователь не найден.
	// Транспорт: 404.
	ErrUserNotFound = errors.New("user not found")

	// ErrPermissionDenied — операция над чужой учётной записью.
	// Транспорт: 403.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrKeyGeneration — не удалось выпустить пару ключей.
	// Транспорт: 500.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrTokenGeneration — не удалось подписать пару токенов.
	// Транспорт: 500.
	ErrTokenGeneration = errors.New("token generation failed")
)

// KeyIssuer выпускает пары ключей для новой сессии или ротации.
type KeyIssuer interface {
	Generate() (models.KeyPair, error)
}

// TokenSigner подписывает и проверяет токены сессии.
type TokenSigner interface {
	SignPair(ctx context.Context, privateKey string, p models.Payload) (*models.TokenPair, bool)
	VerifyAccess(ctx context.Context, publicKey, tok string) (*models.Payload, bool)
	VerifyRefresh(ctx context.Context, publicKey, tok string) (*models.Payload, bool)
	ParsePayload(ctx context.Context, tok string) (*models.Payload, bool)
}

// AuthResult — ответ регистрации и входа.
type AuthResult struct {
	Tokens models.TokenPair
	User   models.PublicUser
}

// Service описывает жизненный цикл сессии.
type Service struct {
	storage      storage.Storage
	cfg          config.AuthConfig
	storeTimeout time.Duration

	keys   KeyIssuer
	tokens TokenSigner

	scache  cache.SessionCache // может быть nil, если кэш не сконфигурирован
	metrics *metrics.Recorder  // может быть nil
	now     func() time.Time
}

// New создаёт новый экземпляр Service.
// storeTimeout ограничивает каждое обращение к хранилищу; 0 — без ограничения.
func New(st storage.Storage, cfg config.AuthConfig, storeTimeout time.Duration) *Service {
	return &Service{
		storage:      st,
		cfg:          cfg,
		storeTimeout: storeTimeout,
		keys:         keys.NewIssuer(cfg.KeyBits),
		tokens: token.NewSigner(token.Options{
			AccessTTL:  cfg.AccessTokenTTL,
			RefreshTTL: cfg.RefreshTokenTTL,
			Issuer:     cfg.Issuer,
		}),
		now: time.Now,
	}
}

// SetSessionCache устанавливает кэш сессий (опционально).
func (s *Service) SetSessionCache(c cache.SessionCache) {
	s.scache = c
}

// SetMetrics устанавливает счётчики (опционально).
func (s *Service) SetMetrics(m *metrics.Recorder) {
	s.metrics = m
}

// storeCtx ограничивает обращение к хранилищу таймаутом из конфига.
func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, s.storeTimeout)
}

// invalidate удаляет запись кэша пользователя. Ошибка кэша не фатальна:
// источник истины — хранилище.
func (s *Service) invalidate(ctx context.Context, userID uuid.UUID) {
	if s.scache == nil {
		return
	}

	if err := s.scache.Delete(ctx, userID); err != nil {
		log.From(ctx).Warn("session_cache_delete_failed",
			slog.String("user_id", userID.String()),
			slog.String("err", err.Error()),
		)
	}
}

// Kind — класс ошибки для транспорта.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindForbidden
	KindNotFound
	KindConflict
)

// KindOf относит ошибку к одному из классов.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidEmail),
		errors.Is(err, ErrWeakPassword),
		errors.Is(err, ErrEmptyPassword),
		errors.Is(err, ErrInvalidFullName):
		return KindBadRequest
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrTokenNotRecognized),
		errors.Is(err, ErrTokenReused),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrPermissionDenied):
		return KindForbidden
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrUserNotFound):
		return KindNotFound
	case errors.Is(err, ErrEmailTaken):
		return KindConflict
	default:
		return KindInternal
	}
}
