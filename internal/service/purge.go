package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pribylovaa/stock-dashboard-auth/internal/pkg/log"
)

// PurgeIdleSessions удаляет сессии, которые не ротировались дольше
// RefreshTokenTTL: их refresh-токен уже истёк, и сессию нельзя продолжить.
// Записи кэша не трогаются: они живут не дольше AccessTokenTTL.
func (s *Service) PurgeIdleSessions(ctx context.Context) (int64, error) {
	const op = "service.purge.PurgeIdleSessions"

	before := s.now().UTC().Add(-s.cfg.RefreshTokenTTL)

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	n, err := s.storage.DeleteIdleSessions(sctx, before)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if n > 0 {
		log.From(ctx).Info("idle_sessions_purged",
			slog.Int64("count", n),
			slog.Time("before", before),
		)
	}

	return n, nil
}
