package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pribylovaa/stock-dashboard-auth/internal/models"
	"github.com/pribylovaa/stock-dashboard-auth/internal/storage"
)

func seedUser(t *testing.T, s *Storage, email string) *models.User {
	t.Helper()
	now := time.Now().UTC()
	u := &models.User{ID: uuid.New(), Email: email, PasswordHash: "h", Role: "user", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.SaveUser(context.Background(), u))
	return u
}

func TestUsers_CRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	u := seedUser(t, s, "trader@example.com")

	err := s.SaveUser(ctx, &models.User{ID: uuid.New(), Email: "trader@example.com"})
	require.ErrorIs(t, err, storage.ErrAlreadyExists)

	got, err := s.UserByEmail(ctx, "trader@example.com")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)

	require.NoError(t, s.UpdatePassword(ctx, u.ID, "h2"))
	got, err = s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "h2", got.PasswordHash)

	require.ErrorIs(t, s.UpdatePassword(ctx, uuid.New(), "x"), storage.ErrNotFound)

	require.NoError(t, s.DeleteUser(ctx, u.ID))
	require.NoError(t, s.DeleteUser(ctx, u.ID))
	_, err = s.UserByEmail(ctx, "trader@example.com")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessions_ReplaceRotateDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	u := seedUser(t, s, "a@example.com")

	_, err := s.SessionByUser(ctx, u.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.ReplaceSession(ctx, &models.Session{
		UserID:       u.ID,
		Keys:         models.KeyPair{PrivateKey: "p1", PublicKey: "k1"},
		RefreshToken: "r1",
	}))

	require.NoError(t, s.RotateSession(ctx, u.ID, models.KeyPair{PrivateKey: "p2", PublicKey: "k2"}, "r2", "r1"))

	sess, err := s.SessionByUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "r2", sess.RefreshToken)
	require.Equal(t, "k2", sess.Keys.PublicKey)
	require.Equal(t, []string{"r1"}, sess.UsedRefreshTokens)
	require.True(t, sess.HasUsed("r1"))

	// Старый токен уже не текущий.
	err = s.RotateSession(ctx, u.ID, models.KeyPair{}, "r3", "r1")
	require.ErrorIs(t, err, storage.ErrStaleToken)

	// Replace сбрасывает историю.
	require.NoError(t, s.ReplaceSession(ctx, &models.Session{UserID: u.ID, RefreshToken: "r9"}))
	sess, err = s.SessionByUser(ctx, u.ID)
	require.NoError(t, err)
	require.Empty(t, sess.UsedRefreshTokens)

	require.NoError(t, s.DeleteSession(ctx, u.ID))
	require.NoError(t, s.DeleteSession(ctx, u.ID))

	err = s.RotateSession(ctx, u.ID, models.KeyPair{}, "x", "r9")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionByUser_ReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	u := seedUser(t, s, "copy@example.com")

	require.NoError(t, s.ReplaceSession(ctx, &models.Session{UserID: u.ID, RefreshToken: "r1"}))
	require.NoError(t, s.RotateSession(ctx, u.ID, models.KeyPair{}, "r2", "r1"))

	sess, err := s.SessionByUser(ctx, u.ID)
	require.NoError(t, err)
	sess.UsedRefreshTokens[0] = "tampered"

	again, err := s.SessionByUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, again.UsedRefreshTokens)
}

func TestRotateSession_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	u := seedUser(t, s, "race@example.com")
	require.NoError(t, s.ReplaceSession(ctx, &models.Session{UserID: u.ID, RefreshToken: "r1"}))

	const n = 32
	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		stale atomic.Int32
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.RotateSession(ctx, u.ID, models.KeyPair{}, uuid.NewString(), "r1")
			switch {
			case err == nil:
				wins.Add(1)
			case assertStale(err):
				stale.Add(1)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(n-1), stale.Load())

	sess, err := s.SessionByUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, sess.UsedRefreshTokens)
}

func assertStale(err error) bool {
	return errors.Is(err, storage.ErrStaleToken)
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New()
	_, err := s.UserByID(ctx, uuid.New())
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, s.DeleteSession(ctx, uuid.New()), context.Canceled)
}

func TestDeleteIdleSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	idle := seedUser(t, s, "idle@example.com")
	active := seedUser(t, s, "active@example.com")
	require.NoError(t, s.ReplaceSession(ctx, &models.Session{UserID: idle.ID, RefreshToken: "i1"}))
	require.NoError(t, s.ReplaceSession(ctx, &models.Session{UserID: active.ID, RefreshToken: "a1"}))

	s.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, s.RotateSession(ctx, active.ID, models.KeyPair{}, "a2", "a1"))

	n, err := s.DeleteIdleSessions(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = s.SessionByUser(ctx, idle.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.SessionByUser(ctx, active.ID)
	require.NoError(t, err)
}
