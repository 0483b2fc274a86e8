package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pribylovaa/stock-dashboard-auth/internal/models"
	"github.com/pribylovaa/stock-dashboard-auth/internal/pkg/log"
	"github.com/pribylovaa/stock-dashboard-auth/internal/pkg/redact"
	"github.com/pribylovaa/stock-dashboard-auth/internal/storage"
)

// Refresh обменивает refresh-токен на новую пару.
//
// Порядок проверок:
//  1. токен разбирается без проверки подписи, чтобы узнать пользователя;
//  2. ищется сессия пользователя;
//  3. токен из списка использованных означает кражу: сессия удаляется
//     до любой криптографической проверки;
//  4. подпись проверяется текущим открытым ключом сессии;
//  5. токен должен совпадать с текущим токеном сессии;
//  6. пользователь перечитывается, чтобы взять актуальную роль;
//  7. выпускаются новые ключи и пара, сессия ротируется условно:
//     только если её текущий токен всё ещё равен предъявленному.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (pair *models.TokenPair, err error) {
	const op = "service.refresh.Refresh"

	defer func() { s.metrics.Refresh(resultOf(err)) }()

	lg := log.From(ctx).With(
		slog.String("op", op),
		slog.String("token", redact.Token(refreshToken)),
	)

	claimed, ok := s.tokens.ParsePayload(ctx, refreshToken)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrTokenNotRecognized)
	}

	lg = lg.With(slog.String("user_id", claimed.UserID.String()))

	sctx, cancel := s.storeCtx(ctx)
	sess, err := s.storage.SessionByUser(sctx, claimed.UserID)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrSessionNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if sess.HasUsed(refreshToken) {
		s.metrics.TheftDetected()
		lg.Error("refresh_theft_detected")

		sctx, cancel := s.storeCtx(ctx)
		derr := s.storage.DeleteSession(sctx, claimed.UserID)
		cancel()
		s.invalidate(ctx, claimed.UserID)

		if derr != nil {
			lg.Error("session_delete_failed", slog.String("err", derr.Error()))
			return nil, fmt.Errorf("%s: %w", op, errors.Join(ErrTokenReused, derr))
		}

		return nil, fmt.Errorf("%s: %w", op, ErrTokenReused)
	}

	verified, ok := s.tokens.VerifyRefresh(ctx, sess.Keys.PublicKey, refreshToken)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	if refreshToken != sess.RefreshToken || verified.UserID != sess.UserID {
		lg.Warn("refresh_token_not_current")
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	sctx, cancel = s.storeCtx(ctx)
	user, err := s.storage.UserByID(sctx, sess.UserID)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	kp, err := s.keys.Generate()
	if err != nil {
		lg.Error("key_generation_failed", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%s: %w", op, ErrKeyGeneration)
	}

	pair, ok = s.tokens.SignPair(ctx, kp.PrivateKey, models.Payload{UserID: user.ID, Role: user.Role})
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrTokenGeneration)
	}

	sctx, cancel = s.storeCtx(ctx)
	err = s.storage.RotateSession(sctx, user.ID, kp, pair.RefreshToken, refreshToken)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrStaleToken):
			// Параллельный обмен того же токена уже выиграл.
			lg.Warn("refresh_rotation_lost")
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		case errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("%s: %w", op, ErrSessionNotFound)
		default:
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	s.invalidate(ctx, user.ID)
	lg.Info("refresh_rotated")

	return pair, nil
}
