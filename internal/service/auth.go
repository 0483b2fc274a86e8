package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pribylovaa/stock-dashboard-auth/internal/metrics"
	"github.com/pribylovaa/stock-dashboard-auth/internal/models"
	"github.com/pribylovaa/stock-dashboard-auth/internal/pkg/log"
	"github.com/pribylovaa/stock-dashboard-auth/internal/pkg/redact"
	"github.com/pribylovaa/stock-dashboard-auth/internal/storage"
)

const (
	minEmailLen    = 5
	maxEmailLen    = 50
	minFullNameLen = 4
	maxFullNameLen = 30
	minPasswordLen = 8

	// compensationTimeout — потолок на откат регистрации, если таймаут
	// хранилища не задан.
	compensationTimeout = 5 * time.Second
)

// SignupInput — данные регистрации.
type SignupInput struct {
	Email    string
	Password string
	FullName string
}

// Signup регистрирует пользователя и открывает ему сессию.
// Если запись пользователя или открытие сессии завершились ошибкой
// (в том числе таймаутом, после которого запись могла примениться),
// регистрация откатывается.
func (s *Service) Signup(ctx context.Context, in SignupInput) (*AuthResult, error) {
	const op = "service.auth.Signup"

	normEmail, err := validateEmail(in.Email)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	fullName, err := validateFullName(in.FullName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := validatePassword(in.Password); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sctx, cancel := s.storeCtx(ctx)
	_, err = s.storage.UserByEmail(sctx, normEmail)
	cancel()
	if err == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrEmailTaken)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now().UTC()
	user := &models.User{
		ID:           uuid.New(),
		Email:        normEmail,
		PasswordHash: hash,
		FullName:     fullName,
		Role:         s.cfg.DefaultRole,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	sctx, cancel = s.storeCtx(ctx)
	err = s.storage.SaveUser(sctx, user)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("%s: %w", op, ErrEmailTaken)
		}

		s.compensateSignup(ctx, user.ID)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := s.startSession(ctx, user)
	if err != nil {
		s.compensateSignup(ctx, user.ID)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.metrics.Signup()
	log.From(ctx).Info("user_signed_up",
		slog.String("user_id", user.ID.String()),
		slog.String("email", redact.Email(normEmail)),
	)

	return &AuthResult{Tokens: *pair, User: user.Public()}, nil
}

// compensateSignup откатывает регистрацию. Контекст отвязан от отмены
// запроса: откат должен пройти и после таймаута клиента.
func (s *Service) compensateSignup(ctx context.Context, userID uuid.UUID) {
	timeout := s.storeTimeout
	if timeout <= 0 {
		timeout = compensationTimeout
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	lg := log.From(ctx)

	if err := s.storage.DeleteSession(cctx, userID); err != nil {
		lg.Error("signup_compensation_failed",
			slog.String("user_id", userID.String()),
			slog.String("step", "delete_session"),
			slog.String("err", err.Error()),
		)
	}

	if err := s.storage.DeleteUser(cctx, userID); err != nil {
		lg.Error("signup_compensation_failed",
			slog.String("user_id", userID.String()),
			slog.String("step", "delete_user"),
			slog.String("err", err.Error()),
		)
	}

	s.invalidate(cctx, userID)
}

// Login выполняет вход по email и паролю. Любая причина отказа
// (нет пользователя, неверный пароль, аккаунт без пароля) даёт
// одну и ту же ошибку ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (res *AuthResult, err error) {
	const op = "service.auth.Login"

	defer func() { s.metrics.Login(resultOf(err)) }()

	normEmail, err := validateEmail(email)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if password == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	sctx, cancel := s.storeCtx(ctx)
	user, err := s.storage.UserByEmail(sctx, normEmail)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if user.PasswordHash == "" || !checkPassword(user.PasswordHash, password) {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	pair, err := s.startSession(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.From(ctx).Info("user_logged_in",
		slog.String("user_id", user.ID.String()),
	)

	return &AuthResult{Tokens: *pair, User: user.Public()}, nil
}

// Logout закрывает сессию пользователя. Отсутствие сессии ошибкой не считается.
func (s *Service) Logout(ctx context.Context, userID uuid.UUID) error {
	const op = "service.auth.Logout"

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if err := s.storage.DeleteSession(sctx, userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.invalidate(ctx, userID)
	s.metrics.Logout()

	log.From(ctx).Info("user_logged_out",
		slog.String("user_id", userID.String()),
	)

	return nil
}

// ForgotPassword меняет пароль аккаунта callerID и закрывает все его сессии.
// email должен принадлежать самому вызывающему.
func (s *Service) ForgotPassword(ctx context.Context, callerID uuid.UUID, email, newPassword string) error {
	const op = "service.auth.ForgotPassword"

	normEmail, err := validateEmail(email)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := validatePassword(newPassword); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	sctx, cancel := s.storeCtx(ctx)
	user, err := s.storage.UserByEmail(sctx, normEmail)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	if user.ID != callerID {
		log.From(ctx).Warn("forgot_password_foreign_account",
			slog.String("user_id", callerID.String()),
			slog.String("email", redact.Email(normEmail)),
		)
		return fmt.Errorf("%s: %w", op, ErrPermissionDenied)
	}

	hash, err := s.hashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	sctx, cancel = s.storeCtx(ctx)
	defer cancel()

	if err := s.storage.UpdatePassword(sctx, user.ID, hash); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.storage.DeleteSession(sctx, user.ID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.invalidate(ctx, user.ID)

	log.From(ctx).Info("password_changed",
		slog.String("user_id", user.ID.String()),
	)

	return nil
}

// startSession выпускает новую пару ключей и токенов и заменяет ими
// сессию пользователя вместе со списком использованных токенов.
func (s *Service) startSession(ctx context.Context, user *models.User) (*models.TokenPair, error) {
	const op = "service.auth.startSession"

	kp, err := s.keys.Generate()
	if err != nil {
		log.From(ctx).Error("key_generation_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return nil, fmt.Errorf("%s: %w", op, ErrKeyGeneration)
	}

	pair, ok := s.tokens.SignPair(ctx, kp.PrivateKey, models.Payload{UserID: user.ID, Role: user.Role})
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrTokenGeneration)
	}

	now := s.now().UTC()

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if err := s.storage.ReplaceSession(sctx, &models.Session{
		UserID:       user.ID,
		Keys:         kp,
		RefreshToken: pair.RefreshToken,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		log.From(ctx).Error("session_replace_failed",
			slog.String("op", op),
			slog.String("user_id", user.ID.String()),
			slog.String("err", err.Error()),
		)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.invalidate(ctx, user.ID)

	return pair, nil
}

// hashPassword хэширует пароль с помощью bcrypt.
func (s *Service) hashPassword(password string) (string, error) {
	const op = "service.auth.hashPassword"

	cost := s.cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return string(bytes), nil
}

// checkPassword сравнивает пароль с хэшем.
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// validateEmail проверяет формат и длину email, обрезает пробелы снаружи
// и приводит к нижнему регистру.
func validateEmail(raw string) (string, error) {
	const op = "service.auth.validateEmail"

	email := strings.TrimSpace(raw)
	if n := len(email); n < minEmailLen || n > maxEmailLen {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	return strings.ToLower(email), nil
}

// validateFullName обрезает пробелы и проверяет длину имени в символах.
func validateFullName(raw string) (string, error) {
	const op = "service.auth.validateFullName"

	name := strings.TrimSpace(raw)
	if n := utf8.RuneCountInString(name); n < minFullNameLen || n > maxFullNameLen {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidFullName)
	}

	return name, nil
}

// validatePassword проверяет минимальные требования к паролю.
// Политика: длина >= 8, хотя бы одна строчная, заглавная, цифра и спецсимвол.
func validatePassword(pw string) error {
	const op = "service.auth.validatePassword"

	if len(pw) == 0 {
		return fmt.Errorf("%s: %w", op, ErrEmptyPassword)
	}

	if utf8.RuneCountInString(pw) < minPasswordLen {
		return fmt.Errorf("%s: %w", op, ErrWeakPassword)
	}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if !(hasLower && hasUpper && hasDigit && hasSpecial) {
		return fmt.Errorf("%s: %w", op, ErrWeakPassword)
	}

	return nil
}

// resultOf переводит ошибку операции в значение метки result.
func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case KindOf(err) != KindInternal:
		return metrics.ResultRejected
	default:
		return metrics.ResultError
	}
}
