// memory — хранилище в памяти процесса для локального запуска и тестов.
// Семантика совпадает с postgres/mongo, включая условную ротацию.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pribylovaa/stock-dashboard-auth/internal/models"
	"github.com/pribylovaa/stock-dashboard-auth/internal/storage"
)

// Storage потокобезопасен; наружу отдаются копии записей.
type Storage struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]models.User
	byEmail  map[string]uuid.UUID
	sessions map[uuid.UUID]models.Session
	now      func() time.Time
}

// New создаёт пустое хранилище.
func New() *Storage {
	return &Storage{
		users:    make(map[uuid.UUID]models.User),
		byEmail:  make(map[string]uuid.UUID),
		sessions: make(map[uuid.UUID]models.Session),
		now:      time.Now,
	}
}

// Close ничего не делает.
func (s *Storage) Close() {}

// SaveUser создаёт пользователя.
func (s *Storage) SaveUser(ctx context.Context, user *models.User) error {
	const op = "storage.memory.SaveUser"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[user.Email]; ok {
		return fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
	}
	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
	}

	s.users[user.ID] = *user
	s.byEmail[user.Email] = user.ID

	return nil
}

// UserByEmail находит пользователя по email.
func (s *Storage) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.memory.UserByEmail"

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[email]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	u := s.users[id]
	return &u, nil
}

// UserByID находит пользователя по ID.
func (s *Storage) UserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	const op = "storage.memory.UserByID"

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return &u, nil
}

// UpdatePassword заменяет хэш пароля.
func (s *Storage) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	const op = "storage.memory.UpdatePassword"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	u.PasswordHash = passwordHash
	u.UpdatedAt = s.now().UTC()
	s.users[id] = u

	return nil
}

// DeleteUser удаляет пользователя вместе с его сессией.
func (s *Storage) DeleteUser(ctx context.Context, id uuid.UUID) error {
	const op = "storage.memory.DeleteUser"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[id]; ok {
		delete(s.byEmail, u.Email)
		delete(s.users, id)
	}
	delete(s.sessions, id)

	return nil
}

// ReplaceSession заменяет сессию пользователя целиком.
func (s *Storage) ReplaceSession(ctx context.Context, sess *models.Session) error {
	const op = "storage.memory.ReplaceSession"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[sess.UserID]; !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	now := s.now().UTC()
	s.sessions[sess.UserID] = models.Session{
		UserID:            sess.UserID,
		Keys:              sess.Keys,
		RefreshToken:      sess.RefreshToken,
		UsedRefreshTokens: nil,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	return nil
}

// SessionByUser возвращает копию сессии.
func (s *Storage) SessionByUser(ctx context.Context, userID uuid.UUID) (*models.Session, error) {
	const op = "storage.memory.SessionByUser"

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	sess.UsedRefreshTokens = slices.Clone(sess.UsedRefreshTokens)
	return &sess, nil
}

// RotateSession выполняет условную ротацию под одной блокировкой.
func (s *Storage) RotateSession(ctx context.Context, userID uuid.UUID, next models.KeyPair, refreshToken, consumed string) error {
	const op = "storage.memory.RotateSession"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if sess.RefreshToken != consumed {
		return fmt.Errorf("%s: %w", op, storage.ErrStaleToken)
	}

	sess.Keys = next
	sess.RefreshToken = refreshToken
	sess.UsedRefreshTokens = append(slices.Clone(sess.UsedRefreshTokens), consumed)
	sess.UpdatedAt = s.now().UTC()
	s.sessions[userID] = sess

	return nil
}

// DeleteSession удаляет сессию, если она есть.
func (s *Storage) DeleteSession(ctx context.Context, userID uuid.UUID) error {
	const op = "storage.memory.DeleteSession"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, userID)
	return nil
}

// DeleteIdleSessions удаляет сессии с UpdatedAt раньше before.
func (s *Storage) DeleteIdleSessions(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.memory.DeleteIdleSessions"

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(before) {
			delete(s.sessions, id)
			n++
		}
	}

	return n, nil
}

var _ storage.Storage = (*Storage)(nil)
