// storage описывает контракты хранилища пользователей и сессий.
// Реализации: postgres, mongo, memory.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pribylovaa/stock-dashboard-auth/internal/models"
)

var (
	// ErrNotFound — запись не найдена (пользователь/сессия).
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists — нарушение уникальности (email).
	ErrAlreadyExists = errors.New("already exists")
	// ErrStaleToken — условная ротация не применена: текущий refresh-токен
	// сессии уже не совпадает с предъявленным.
	ErrStaleToken = errors.New("stale refresh token")
)

// UserStorage выполняет операции над пользователями.
type UserStorage interface {
	// SaveUser создаёт пользователя. Дубликат email — ErrAlreadyExists.
	SaveUser(ctx context.Context, user *models.User) error
	// UserByEmail находит пользователя по email (в нижнем регистре).
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	// UserByID находит пользователя по ID.
	UserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	// UpdatePassword заменяет хэш пароля.
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	// DeleteUser удаляет пользователя. Отсутствие записи ошибкой не считается.
	DeleteUser(ctx context.Context, id uuid.UUID) error
}

// SessionStorage хранит не более одной сессии на пользователя.
type SessionStorage interface {
	// ReplaceSession атомарно заменяет сессию пользователя новой
	// с пустым списком использованных токенов.
	ReplaceSession(ctx context.Context, s *models.Session) error
	// SessionByUser возвращает сессию пользователя или ErrNotFound.
	SessionByUser(ctx context.Context, userID uuid.UUID) (*models.Session, error)
	// RotateSession одной операцией ставит новую пару ключей и refresh-токен
	// и дописывает consumed в использованные, но только если текущий токен
	// сессии всё ещё равен consumed. Иначе ErrStaleToken; нет сессии — ErrNotFound.
	RotateSession(ctx context.Context, userID uuid.UUID, next models.KeyPair, refreshToken, consumed string) error
	// DeleteSession удаляет сессию. Идемпотентна.
	DeleteSession(ctx context.Context, userID uuid.UUID) error
	// DeleteIdleSessions удаляет сессии, не обновлявшиеся с момента before,
	// и возвращает их число.
	DeleteIdleSessions(ctx context.Context, before time.Time) (int64, error)
}

// Storage задаёт контракт работы с БД.
type Storage interface {
	UserStorage
	SessionStorage
	Close()
}
