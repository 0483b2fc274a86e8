package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pribylovaa/stock-dashboard-auth/internal/cache"
	"github.com/pribylovaa/stock-dashboard-auth/internal/config"
	"github.com/pribylovaa/stock-dashboard-auth/internal/keys"
	"github.com/pribylovaa/stock-dashboard-auth/internal/mocks"
	"github.com/pribylovaa/stock-dashboard-auth/internal/models"
	"github.com/pribylovaa/stock-dashboard-auth/internal/pkg/log"
	"github.com/pribylovaa/stock-dashboard-auth/internal/storage"
)

const goodPassword = "Abcdef1!"

func testCfg() config.AuthConfig {
	return config.AuthConfig{
		KeyBits:         keys.MinBits,
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
		Issuer:          "auth-service",
		DefaultRole:     "user",
		BcryptCost:      bcrypt.MinCost,
	}
}

func newSvc(t *testing.T) (*Service, *mocks.MockStorage, *gomock.Controller) {
	t.Helper()
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStorage(ctrl)
	svc := New(st, testCfg(), time.Second)
	return svc, st, ctrl
}

func mustHashPW(t *testing.T, svc *Service, pw string) string {
	t.Helper()
	h, err := svc.hashPassword(pw)
	require.NoError(t, err)
	return h
}

// issue выпускает сессию для uid в обход хранилища: ключи и пару токенов.
func issue(t *testing.T, svc *Service, uid uuid.UUID) (models.KeyPair, *models.TokenPair) {
	t.Helper()
	kp, err := svc.keys.Generate()
	require.NoError(t, err)
	pair, ok := svc.tokens.SignPair(context.Background(), kp.PrivateKey, models.Payload{UserID: uid, Role: "user"})
	require.True(t, ok)
	return kp, pair
}

// recHandler — тестовый slog.Handler, запоминающий сообщения всех записей.
type recHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (h *recHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, r.Message)
	return nil
}

func (h *recHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recHandler) WithGroup(string) slog.Handler      { return h }

func (h *recHandler) has(msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

func TestSignup_ValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   SignupInput
		want error
	}{
		{"bad email", SignupInput{Email: "not-an-email", Password: goodPassword, FullName: "Jane Trader"}, ErrInvalidEmail},
		{"display-name email", SignupInput{Email: "Jane <j@e.com>", Password: goodPassword, FullName: "Jane Trader"}, ErrInvalidEmail},
		{"too long email", SignupInput{Email: strings.Repeat("a", 45) + "@example.com", Password: goodPassword, FullName: "Jane Trader"}, ErrInvalidEmail},
		{"empty password", SignupInput{Email: "j@e.com", Password: "", FullName: "Jane Trader"}, ErrEmptyPassword},
		{"short password", SignupInput{Email: "j@e.com", Password: "Ab1!", FullName: "Jane Trader"}, ErrWeakPassword},
		{"no special", SignupInput{Email: "j@e.com", Password: "Abcdefg1", FullName: "Jane Trader"}, ErrWeakPassword},
		{"short name", SignupInput{Email: "j@e.com", Password: goodPassword, FullName: "Jo"}, ErrInvalidFullName},
		{"blank name", SignupInput{Email: "j@e.com", Password: goodPassword, FullName: "      "}, ErrInvalidFullName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, ctrl := newSvc(t)
			defer ctrl.Finish()

			_, err := svc.Signup(context.Background(), tt.in)
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, KindBadRequest, KindOf(err))
		})
	}
}

func TestSignup_EmailTaken_OnLookup(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").
		Return(&models.User{ID: uuid.New(), Email: "user@example.com"}, nil)

	_, err := svc.Signup(context.Background(), SignupInput{Email: "User@Example.com", Password: goodPassword, FullName: "Jane Trader"})
	require.ErrorIs(t, err, ErrEmailTaken)
	require.Equal(t, KindConflict, KindOf(err))
}

func TestSignup_SaveUserAlreadyExists_MapsToEmailTaken(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(nil, storage.ErrNotFound)
	st.EXPECT().SaveUser(gomock.Any(), gomock.Any()).Return(storage.ErrAlreadyExists)

	_, err := svc.Signup(context.Background(), SignupInput{Email: "user@example.com", Password: goodPassword, FullName: "Jane Trader"})
	require.ErrorIs(t, err, ErrEmailTaken)
}

func TestSignup_OK(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	var saved *models.User
	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(nil, storage.ErrNotFound)
	st.EXPECT().SaveUser(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, u *models.User) error {
		saved = u
		return nil
	})
	st.EXPECT().ReplaceSession(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, s *models.Session) error {
		require.Equal(t, saved.ID, s.UserID)
		require.NotEmpty(t, s.Keys.PrivateKey)
		require.NotEmpty(t, s.Keys.PublicKey)
		require.NotEmpty(t, s.RefreshToken)
		require.Empty(t, s.UsedRefreshTokens)
		return nil
	})

	res, err := svc.Signup(context.Background(), SignupInput{Email: " user@example.com ", Password: goodPassword, FullName: " Jane Trader "})
	require.NoError(t, err)
	require.NotEmpty(t, res.Tokens.AccessToken)
	require.NotEmpty(t, res.Tokens.RefreshToken)
	require.NotEqual(t, res.Tokens.AccessToken, res.Tokens.RefreshToken)

	require.Equal(t, saved.ID, res.User.ID)
	require.Equal(t, "user@example.com", res.User.Email)
	require.Equal(t, "Jane Trader", res.User.FullName)
	require.Equal(t, "user", res.User.Role)
	require.True(t, checkPassword(saved.PasswordHash, goodPassword))
}

func TestSignup_SessionFailure_Compensates(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	var uid uuid.UUID
	boom := errors.New("insert failed")

	st.EXPECT().UserByEmail(gomock.Any(), gomock.Any()).Return(nil, storage.ErrNotFound)
	st.EXPECT().SaveUser(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, u *models.User) error {
		uid = u.ID
		return nil
	})
	st.EXPECT().ReplaceSession(gomock.Any(), gomock.Any()).Return(boom)
	gomock.InOrder(
		st.EXPECT().DeleteSession(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, id uuid.UUID) error {
			require.Equal(t, uid, id)
			return nil
		}),
		st.EXPECT().DeleteUser(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, id uuid.UUID) error {
			require.Equal(t, uid, id)
			return nil
		}),
	)

	_, err := svc.Signup(context.Background(), SignupInput{Email: "user@example.com", Password: goodPassword, FullName: "Jane Trader"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, KindInternal, KindOf(err))
}

func TestSignup_CanceledRequest_StillCompensates(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st.EXPECT().UserByEmail(gomock.Any(), gomock.Any()).Return(nil, storage.ErrNotFound)
	st.EXPECT().SaveUser(gomock.Any(), gomock.Any()).Return(nil)
	st.EXPECT().ReplaceSession(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, *models.Session) error {
		cancel()
		return context.Canceled
	})
	st.EXPECT().DeleteSession(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ uuid.UUID) error {
		require.NoError(t, ctx.Err())
		_, ok := ctx.Deadline()
		require.True(t, ok)
		return nil
	})
	st.EXPECT().DeleteUser(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ uuid.UUID) error {
		require.NoError(t, ctx.Err())
		return nil
	})

	_, err := svc.Signup(ctx, SignupInput{Email: "user@example.com", Password: goodPassword, FullName: "Jane Trader"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSignup_SaveUserTimeout_Compensates(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	var saved uuid.UUID
	st.EXPECT().UserByEmail(gomock.Any(), gomock.Any()).Return(nil, storage.ErrNotFound)
	st.EXPECT().SaveUser(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, u *models.User) error {
		saved = u.ID
		return context.DeadlineExceeded
	})
	st.EXPECT().DeleteSession(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, id uuid.UUID) error {
		require.Equal(t, saved, id)
		require.NoError(t, ctx.Err())
		return storage.ErrNotFound
	})
	st.EXPECT().DeleteUser(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, id uuid.UUID) error {
		require.Equal(t, saved, id)
		require.NoError(t, ctx.Err())
		return nil
	})

	_, err := svc.Signup(context.Background(), SignupInput{Email: "user@example.com", Password: goodPassword, FullName: "Jane Trader"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLogin_RejectionsAreIndistinguishable(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	hash := mustHashPW(t, svc, goodPassword)

	st.EXPECT().UserByEmail(gomock.Any(), "ghost@example.com").Return(nil, storage.ErrNotFound)
	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").
		Return(&models.User{ID: uuid.New(), Email: "user@example.com", PasswordHash: hash}, nil)
	st.EXPECT().UserByEmail(gomock.Any(), "google@example.com").
		Return(&models.User{ID: uuid.New(), Email: "google@example.com"}, nil)

	_, errMissing := svc.Login(context.Background(), "ghost@example.com", goodPassword)
	_, errWrong := svc.Login(context.Background(), "user@example.com", "Wrong-pass1")
	_, errNoPassword := svc.Login(context.Background(), "google@example.com", goodPassword)

	for _, err := range []error{errMissing, errWrong, errNoPassword} {
		require.ErrorIs(t, err, ErrInvalidCredentials)
		require.Equal(t, KindForbidden, KindOf(err))
	}
	require.Equal(t, errMissing.Error(), errWrong.Error())
	require.Equal(t, errMissing.Error(), errNoPassword.Error())
}

func TestLogin_StorageError_Propagated(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	boom := errors.New("db down")
	st.EXPECT().UserByEmail(gomock.Any(), gomock.Any()).Return(nil, boom)

	_, err := svc.Login(context.Background(), "user@example.com", goodPassword)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_OK_ReplacesSession(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := &models.User{ID: uuid.New(), Email: "user@example.com", PasswordHash: mustHashPW(t, svc, goodPassword), Role: "admin"}
	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(user, nil)
	st.EXPECT().ReplaceSession(gomock.Any(), gomock.Any()).Return(nil)

	res, err := svc.Login(context.Background(), "USER@example.com", goodPassword)
	require.NoError(t, err)

	p, ok := svc.tokens.ParsePayload(context.Background(), res.Tokens.AccessToken)
	require.True(t, ok)
	require.Equal(t, user.ID, p.UserID)
	require.Equal(t, "admin", p.Role)
}

func TestLogin_InvalidatesCache(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	c := mocks.NewMockSessionCache(ctrl)
	svc.SetSessionCache(c)

	user := &models.User{ID: uuid.New(), Email: "user@example.com", PasswordHash: mustHashPW(t, svc, goodPassword), Role: "user"}
	st.EXPECT().UserByEmail(gomock.Any(), gomock.Any()).Return(user, nil)
	st.EXPECT().ReplaceSession(gomock.Any(), gomock.Any()).Return(nil)
	c.EXPECT().Delete(gomock.Any(), user.ID).Return(errors.New("redis down"))

	_, err := svc.Login(context.Background(), "user@example.com", goodPassword)
	require.NoError(t, err, "cache failures must not fail the request")
}

func TestLogout_DeletesSessionAndCache(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	c := mocks.NewMockSessionCache(ctrl)
	svc.SetSessionCache(c)

	uid := uuid.New()
	st.EXPECT().DeleteSession(gomock.Any(), uid).Return(nil)
	c.EXPECT().Delete(gomock.Any(), uid).Return(nil)

	require.NoError(t, svc.Logout(context.Background(), uid))
}

func TestLogout_StorageError(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	boom := errors.New("db down")
	st.EXPECT().DeleteSession(gomock.Any(), gomock.Any()).Return(boom)

	require.ErrorIs(t, svc.Logout(context.Background(), uuid.New()), boom)
}

func TestRefresh_Garbage_NotRecognized(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	_, err := svc.Refresh(context.Background(), "not.a.jwt")
	require.ErrorIs(t, err, ErrTokenNotRecognized)
	require.Equal(t, KindForbidden, KindOf(err))
}

func TestRefresh_NoSession_NotFound(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	uid := uuid.New()
	_, pair := issue(t, svc, uid)

	st.EXPECT().SessionByUser(gomock.Any(), uid).Return(nil, storage.ErrNotFound)

	_, err := svc.Refresh(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestRefresh_Theft_DeletesSessionBeforeVerify(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	c := mocks.NewMockSessionCache(ctrl)
	svc.SetSessionCache(c)

	h := &recHandler{}
	ctx := log.Into(context.Background(), slog.New(h))

	uid := uuid.New()
	_, stolen := issue(t, svc, uid)
	// Ключи сессии уже другие: проверка подписи провалилась бы,
	// но кража должна быть распознана раньше.
	other, current := issue(t, svc, uid)

	st.EXPECT().SessionByUser(gomock.Any(), uid).Return(&models.Session{
		UserID:            uid,
		Keys:              other,
		RefreshToken:      current.RefreshToken,
		UsedRefreshTokens: []string{stolen.RefreshToken},
	}, nil)
	st.EXPECT().DeleteSession(gomock.Any(), uid).Return(nil)
	c.EXPECT().Delete(gomock.Any(), uid).Return(nil)

	_, err := svc.Refresh(ctx, stolen.RefreshToken)
	require.ErrorIs(t, err, ErrTokenReused)
	require.Equal(t, KindForbidden, KindOf(err))
	require.True(t, h.has("refresh_theft_detected"))
}

func TestRefresh_Theft_DeleteFailureIsReported(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	uid := uuid.New()
	kp, pair := issue(t, svc, uid)
	boom := errors.New("db down")

	st.EXPECT().SessionByUser(gomock.Any(), uid).Return(&models.Session{
		UserID:            uid,
		Keys:              kp,
		RefreshToken:      "newer",
		UsedRefreshTokens: []string{pair.RefreshToken},
	}, nil)
	st.EXPECT().DeleteSession(gomock.Any(), uid).Return(boom)

	_, err := svc.Refresh(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, ErrTokenReused)
	require.ErrorIs(t, err, boom)
}

func TestRefresh_WrongKey_InvalidToken_SessionKept(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	uid := uuid.New()
	_, pair := issue(t, svc, uid)
	other, _ := issue(t, svc, uid)

	// DeleteSession не ожидается: обычная ошибка проверки сессию не трогает.
	st.EXPECT().SessionByUser(gomock.Any(), uid).Return(&models.Session{
		UserID:       uid,
		Keys:         other,
		RefreshToken: pair.RefreshToken,
	}, nil)

	_, err := svc.Refresh(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh_AccessTokenRejected(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	uid := uuid.New()
	kp, pair := issue(t, svc, uid)

	st.EXPECT().SessionByUser(gomock.Any(), uid).Return(&models.Session{
		UserID:       uid,
		Keys:         kp,
		RefreshToken: pair.RefreshToken,
	}, nil)

	_, err := svc.Refresh(context.Background(), pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh_NotCurrent_InvalidToken(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	uid := uuid.New()
	kp, pair := issue(t, svc, uid)

	st.EXPECT().SessionByUser(gomock.Any(), uid).Return(&models.Session{
		UserID:       uid,
		Keys:         kp,
		RefreshToken: "something-else",
	}, nil)

	_, err := svc.Refresh(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh_UserGone_NotFound(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	uid := uuid.New()
	kp, pair := issue(t, svc, uid)

	st.EXPECT().SessionByUser(gomock.Any(), uid).Return(&models.Session{UserID: uid, Keys: kp, RefreshToken: pair.RefreshToken}, nil)
	st.EXPECT().UserByID(gomock.Any(), uid).Return(nil, storage.ErrNotFound)

	_, err := svc.Refresh(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, ErrUserNotFound)
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestRefresh_RotationLost_InvalidToken(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	uid := uuid.New()
	kp, pair := issue(t, svc, uid)

	st.EXPECT().SessionByUser(gomock.Any(), uid).Return(&models.Session{UserID: uid, Keys: kp, RefreshToken: pair.RefreshToken}, nil)
	st.EXPECT().UserByID(gomock.Any(), uid).Return(&models.User{ID: uid, Role: "user"}, nil)
	st.EXPECT().RotateSession(gomock.Any(), uid, gomock.Any(), gomock.Any(), pair.RefreshToken).
		Return(storage.ErrStaleToken)

	_, err := svc.Refresh(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh_OK_UsesFreshRole(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	uid := uuid.New()
	kp, pair := issue(t, svc, uid)

	var rotated models.KeyPair
	st.EXPECT().SessionByUser(gomock.Any(), uid).Return(&models.Session{UserID: uid, Keys: kp, RefreshToken: pair.RefreshToken}, nil)
	st.EXPECT().UserByID(gomock.Any(), uid).Return(&models.User{ID: uid, Role: "admin"}, nil)
	st.EXPECT().RotateSession(gomock.Any(), uid, gomock.Any(), gomock.Any(), pair.RefreshToken).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, next models.KeyPair, refresh, _ string) error {
			require.NotEqual(t, kp.PublicKey, next.PublicKey)
			require.NotEqual(t, pair.RefreshToken, refresh)
			rotated = next
			return nil
		})

	next, err := svc.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)

	p, ok := svc.tokens.VerifyAccess(context.Background(), rotated.PublicKey, next.AccessToken)
	require.True(t, ok)
	require.Equal(t, "admin", p.Role)
}

func TestAuthenticate_CacheHit(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	c := mocks.NewMockSessionCache(ctrl)
	svc.SetSessionCache(c)

	uid := uuid.New()
	kp, pair := issue(t, svc, uid)

	c.EXPECT().Get(gomock.Any(), uid).Return(&cache.Entry{PublicKey: kp.PublicKey}, true, nil)

	p, err := svc.Authenticate(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, uid, p.UserID)
}

func TestAuthenticate_CacheMiss_FillsFromStore(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	c := mocks.NewMockSessionCache(ctrl)
	svc.SetSessionCache(c)

	uid := uuid.New()
	kp, pair := issue(t, svc, uid)

	c.EXPECT().Get(gomock.Any(), uid).Return(nil, false, errors.New("redis down"))
	st.EXPECT().SessionByUser(gomock.Any(), uid).Return(&models.Session{UserID: uid, Keys: kp}, nil).Times(2)
	c.EXPECT().Set(gomock.Any(), uid, gomock.Any(), time.Minute).Return(nil)

	_, err := svc.Authenticate(context.Background(), pair.AccessToken)
	require.NoError(t, err)
}

func TestAuthenticate_StaleCache_RetriesStore(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	c := mocks.NewMockSessionCache(ctrl)
	svc.SetSessionCache(c)

	uid := uuid.New()
	old, _ := issue(t, svc, uid)
	kp, pair := issue(t, svc, uid)

	gomock.InOrder(
		c.EXPECT().Get(gomock.Any(), uid).Return(&cache.Entry{PublicKey: old.PublicKey}, true, nil),
		c.EXPECT().Delete(gomock.Any(), uid).Return(nil),
		c.EXPECT().Set(gomock.Any(), uid, gomock.Any(), gomock.Any()).Return(nil),
	)
	st.EXPECT().SessionByUser(gomock.Any(), uid).Return(&models.Session{UserID: uid, Keys: kp}, nil).Times(2)

	p, err := svc.Authenticate(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, uid, p.UserID)
}

func TestAuthenticate_SessionGoneAfterCacheFill_DropsEntry(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	c := mocks.NewMockSessionCache(ctrl)
	svc.SetSessionCache(c)

	uid := uuid.New()
	kp, pair := issue(t, svc, uid)

	gomock.InOrder(
		c.EXPECT().Get(gomock.Any(), uid).Return(nil, false, nil),
		st.EXPECT().SessionByUser(gomock.Any(), uid).Return(&models.Session{UserID: uid, Keys: kp}, nil),
		c.EXPECT().Set(gomock.Any(), uid, gomock.Any(), time.Minute).Return(nil),
		st.EXPECT().SessionByUser(gomock.Any(), uid).Return(nil, storage.ErrNotFound),
		c.EXPECT().Delete(gomock.Any(), uid).Return(nil),
	)

	_, err := svc.Authenticate(context.Background(), pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate_SessionReplacedAfterCacheFill_UsesFreshKey(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	c := mocks.NewMockSessionCache(ctrl)
	svc.SetSessionCache(c)

	uid := uuid.New()
	old, _ := issue(t, svc, uid)
	kp, pair := issue(t, svc, uid)
	now := time.Now().UTC()

	gomock.InOrder(
		c.EXPECT().Get(gomock.Any(), uid).Return(nil, false, nil),
		st.EXPECT().SessionByUser(gomock.Any(), uid).Return(&models.Session{UserID: uid, Keys: old, UpdatedAt: now}, nil),
		c.EXPECT().Set(gomock.Any(), uid, gomock.Any(), time.Minute).Return(nil),
		st.EXPECT().SessionByUser(gomock.Any(), uid).Return(&models.Session{UserID: uid, Keys: kp, UpdatedAt: now.Add(time.Second)}, nil),
		c.EXPECT().Delete(gomock.Any(), uid).Return(nil),
	)

	p, err := svc.Authenticate(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, uid, p.UserID)
}

func TestAuthenticate_NoSession_InvalidToken(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	uid := uuid.New()
	_, pair := issue(t, svc, uid)

	st.EXPECT().SessionByUser(gomock.Any(), uid).Return(nil, storage.ErrNotFound)

	_, err := svc.Authenticate(context.Background(), pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate_RefreshTokenRejected(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	uid := uuid.New()
	kp, pair := issue(t, svc, uid)

	st.EXPECT().SessionByUser(gomock.Any(), uid).Return(&models.Session{UserID: uid, Keys: kp}, nil)

	_, err := svc.Authenticate(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestForgotPassword_ForeignAccount_Denied(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().UserByEmail(gomock.Any(), "victim@example.com").
		Return(&models.User{ID: uuid.New(), Email: "victim@example.com"}, nil)

	err := svc.ForgotPassword(context.Background(), uuid.New(), "victim@example.com", goodPassword)
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.Equal(t, KindForbidden, KindOf(err))
}

func TestForgotPassword_UnknownEmail(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().UserByEmail(gomock.Any(), gomock.Any()).Return(nil, storage.ErrNotFound)

	err := svc.ForgotPassword(context.Background(), uuid.New(), "ghost@example.com", goodPassword)
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestForgotPassword_WeakPassword(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	err := svc.ForgotPassword(context.Background(), uuid.New(), "user@example.com", "weak")
	require.ErrorIs(t, err, ErrWeakPassword)
}

func TestForgotPassword_OK_RevokesSession(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	c := mocks.NewMockSessionCache(ctrl)
	svc.SetSessionCache(c)

	uid := uuid.New()
	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(&models.User{ID: uid, Email: "user@example.com"}, nil)
	st.EXPECT().UpdatePassword(gomock.Any(), uid, gomock.Any()).DoAndReturn(func(_ context.Context, _ uuid.UUID, hash string) error {
		require.True(t, checkPassword(hash, "Newpass1!"))
		return nil
	})
	st.EXPECT().DeleteSession(gomock.Any(), uid).Return(nil)
	c.EXPECT().Delete(gomock.Any(), uid).Return(nil)

	require.NoError(t, svc.ForgotPassword(context.Background(), uid, "user@example.com", "Newpass1!"))
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want Kind
	}{
		{ErrInvalidEmail, KindBadRequest},
		{ErrWeakPassword, KindBadRequest},
		{ErrEmptyPassword, KindBadRequest},
		{ErrInvalidFullName, KindBadRequest},
		{ErrInvalidCredentials, KindForbidden},
		{ErrTokenNotRecognized, KindForbidden},
		{ErrTokenReused, KindForbidden},
		{ErrInvalidToken, KindForbidden},
		{ErrPermissionDenied, KindForbidden},
		{ErrSessionNotFound, KindNotFound},
		{ErrUserNotFound, KindNotFound},
		{ErrEmailTaken, KindConflict},
		{ErrKeyGeneration, KindInternal},
		{ErrTokenGeneration, KindInternal},
		{errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			require.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}
