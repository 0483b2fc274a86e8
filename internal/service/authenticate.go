package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pribylovaa/stock-dashboard-auth/internal/cache"
	"github.com/pribylovaa/stock-dashboard-auth/internal/models"
	"github.com/pribylovaa/stock-dashboard-auth/internal/pkg/log"
	"github.com/pribylovaa/stock-dashboard-auth/internal/storage"
)

// Authenticate проверяет access-токен открытым ключом текущей сессии.
// Ключ берётся из кэша, при промахе — из хранилища, после чего кэшируется
// на время жизни access-токена и сверяется с хранилищем ещё раз. Если токен не прошёл проверку ключом из кэша,
// запись могла устареть: она удаляется, и проверка повторяется по хранилищу.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*models.Payload, error) {
	const op = "service.authenticate.Authenticate"

	claimed, ok := s.tokens.ParsePayload(ctx, accessToken)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrTokenNotRecognized)
	}

	pub, cached, err := s.sessionPublicKey(ctx, claimed.UserID, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	p, ok := s.tokens.VerifyAccess(ctx, pub, accessToken)
	if !ok && cached {
		s.invalidate(ctx, claimed.UserID)

		pub, _, err = s.sessionPublicKey(ctx, claimed.UserID, false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		p, ok = s.tokens.VerifyAccess(ctx, pub, accessToken)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return p, nil
}

// sessionPublicKey возвращает открытый ключ текущей сессии пользователя
// и признак того, что он взят из кэша.
// Нет сессии — ErrInvalidToken: токен закрытой сессии недействителен.
func (s *Service) sessionPublicKey(ctx context.Context, userID uuid.UUID, useCache bool) (string, bool, error) {
	lg := log.From(ctx)

	if useCache && s.scache != nil {
		e, ok, err := s.scache.Get(ctx, userID)
		switch {
		case err != nil:
			lg.Warn("session_cache_get_failed",
				slog.String("user_id", userID.String()),
				slog.String("err", err.Error()),
			)
		case ok:
			return e.PublicKey, true, nil
		}
	}

	sctx, cancel := s.storeCtx(ctx)
	sess, err := s.storage.SessionByUser(sctx, userID)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", false, ErrInvalidToken
		}

		return "", false, err
	}

	if s.scache == nil {
		return sess.Keys.PublicKey, false, nil
	}

	if err := s.scache.Set(ctx, userID, &cache.Entry{
		PublicKey: sess.Keys.PublicKey,
		UpdatedAt: sess.UpdatedAt,
	}, s.cfg.AccessTokenTTL); err != nil {
		lg.Warn("session_cache_set_failed",
			slog.String("user_id", userID.String()),
			slog.String("err", err.Error()),
		)

		return sess.Keys.PublicKey, false, nil
	}

	return s.confirmCachedKey(ctx, userID, sess)
}

// confirmCachedKey перечитывает сессию после заполнения кэша.
// Logout, отзыв при краже или смена пароля могли выполнить invalidate
// между чтением сессии и Set: тогда запись в кэше устарела и удаляется.
func (s *Service) confirmCachedKey(ctx context.Context, userID uuid.UUID, cachedSess *models.Session) (string, bool, error) {
	sctx, cancel := s.storeCtx(ctx)
	sess, err := s.storage.SessionByUser(sctx, userID)
	cancel()
	if err != nil {
		s.invalidate(ctx, userID)
		if errors.Is(err, storage.ErrNotFound) {
			return "", false, ErrInvalidToken
		}

		return "", false, err
	}

	if sess.Keys.PublicKey != cachedSess.Keys.PublicKey || !sess.UpdatedAt.Equal(cachedSess.UpdatedAt) {
		log.From(ctx).Debug("session_cache_fill_superseded",
			slog.String("user_id", userID.String()),
		)
		s.invalidate(ctx, userID)
	}

	return sess.Keys.PublicKey, false, nil
}
