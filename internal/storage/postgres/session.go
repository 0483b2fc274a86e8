package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pribylovaa/stock-dashboard-auth/internal/models"
	"github.com/pribylovaa/stock-dashboard-auth/internal/storage"
)

// ReplaceSession устанавливает новую сессию пользователя одной командой,
// сбрасывая историю использованных refresh-токенов.
func (s *Storage) ReplaceSession(ctx context.Context, sess *models.Session) error {
	const op = "storage.postgres.ReplaceSession"

	query := `
		INSERT INTO key_tokens(user_id, private_key, public_key, refresh_token, refresh_tokens_used, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '{}', $5, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET private_key         = EXCLUDED.private_key,
		    public_key          = EXCLUDED.public_key,
		    refresh_token       = EXCLUDED.refresh_token,
		    refresh_tokens_used = '{}',
		    created_at          = EXCLUDED.created_at,
		    updated_at          = EXCLUDED.updated_at
	`

	_, err := s.db.Exec(ctx, query,
		sess.UserID,
		sess.Keys.PrivateKey,
		sess.Keys.PublicKey,
		sess.RefreshToken,
		time.Now().UTC(),
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// SessionByUser возвращает сессию пользователя.
func (s *Storage) SessionByUser(ctx context.Context, userID uuid.UUID) (*models.Session, error) {
	const op = "storage.postgres.SessionByUser"

	query := `
		SELECT user_id, private_key, public_key, refresh_token, refresh_tokens_used, created_at, updated_at
		FROM key_tokens
		WHERE user_id = $1
	`

	var sess models.Session
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&sess.UserID,
		&sess.Keys.PrivateKey,
		&sess.Keys.PublicKey,
		&sess.RefreshToken,
		&sess.UsedRefreshTokens,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &sess, nil
}

// RotateSession выполняет условную ротацию одним UPDATE.
// Условие refresh_token = consumed проверяется и применяется атомарно,
// поэтому из двух конкурентных обменов одного токена проходит только один.
func (s *Storage) RotateSession(ctx context.Context, userID uuid.UUID, next models.KeyPair, refreshToken, consumed string) error {
	const op = "storage.postgres.RotateSession"

	const upd = `
		UPDATE key_tokens
		SET private_key         = $2,
		    public_key          = $3,
		    refresh_token       = $4,
		    refresh_tokens_used = array_append(refresh_tokens_used, $5::text),
		    updated_at          = $6
		WHERE user_id = $1 AND refresh_token = $5::text
	`

	tag, err := s.db.Exec(ctx, upd, userID, next.PrivateKey, next.PublicKey, refreshToken, consumed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	// Ротация не применилась: различаем "сессии нет" и "токен уже не текущий".
	const sel = `SELECT EXISTS(SELECT 1 FROM key_tokens WHERE user_id = $1)`

	var exists bool
	if err := s.db.QueryRow(ctx, sel, userID).Scan(&exists); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if !exists {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return fmt.Errorf("%s: %w", op, storage.ErrStaleToken)
}

// DeleteSession удаляет сессию пользователя. Отсутствие записи не ошибка.
func (s *Storage) DeleteSession(ctx context.Context, userID uuid.UUID) error {
	const op = "storage.postgres.DeleteSession"

	if _, err := s.db.Exec(ctx, `DELETE FROM key_tokens WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// DeleteIdleSessions удаляет сессии, не ротировавшиеся с момента before.
func (s *Storage) DeleteIdleSessions(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.postgres.DeleteIdleSessions"

	tag, err := s.db.Exec(ctx, `DELETE FROM key_tokens WHERE updated_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return tag.RowsAffected(), nil
}
