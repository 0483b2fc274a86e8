// token подписывает и проверяет пары JWT сессии.
//
// Access-токен подписывается RS256, refresh-токен RS512, оба закрытым ключом
// текущей сессии. Ошибки наружу не отдаются: вызывающий получает ok=false,
// а причина пишется в контекстный логгер.
package token

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pribylovaa/stock-dashboard-auth/internal/keys"
	"github.com/pribylovaa/stock-dashboard-auth/internal/models"
	"github.com/pribylovaa/stock-dashboard-auth/internal/pkg/log"
)

const (
	maxRoleLen = 50
	leeway     = 5 * time.Second
)

var (
	accessMethod  = jwt.SigningMethodRS256
	refreshMethod = jwt.SigningMethodRS512
)

// Claims — тело токена.
type Claims struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Options — параметры выпуска токенов.
type Options struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
}

// Signer выпускает и проверяет токены. Безопасен для конкурентного использования.
type Signer struct {
	opts Options
	now  func() time.Time
}

// NewSigner создаёт Signer.
func NewSigner(opts Options) *Signer {
	return &Signer{opts: opts, now: time.Now}
}

// SignPair подписывает access и refresh токены одной полезной нагрузкой.
func (s *Signer) SignPair(ctx context.Context, privateKey string, p models.Payload) (*models.TokenPair, bool) {
	const op = "token.SignPair"

	lg := log.From(ctx)

	priv, err := keys.ParsePrivateKey(privateKey)
	if err != nil {
		lg.Error("token_sign_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return nil, false
	}

	now := s.now().UTC()

	access, err := s.sign(priv, accessMethod, p, now, s.opts.AccessTTL)
	if err != nil {
		lg.Error("token_sign_failed",
			slog.String("op", op),
			slog.String("kind", "access"),
			slog.String("err", err.Error()),
		)
		return nil, false
	}

	refresh, err := s.sign(priv, refreshMethod, p, now, s.opts.RefreshTTL)
	if err != nil {
		lg.Error("token_sign_failed",
			slog.String("op", op),
			slog.String("kind", "refresh"),
			slog.String("err", err.Error()),
		)
		return nil, false
	}

	return &models.TokenPair{AccessToken: access, RefreshToken: refresh}, true
}

func (s *Signer) sign(priv *rsa.PrivateKey, m jwt.SigningMethod, p models.Payload, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		ID:   p.UserID.String(),
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(m, claims).SignedString(priv)
}

// VerifyAccess проверяет access-токен открытым ключом сессии.
func (s *Signer) VerifyAccess(ctx context.Context, publicKey, tok string) (*models.Payload, bool) {
	return s.verify(ctx, publicKey, tok, accessMethod)
}

// VerifyRefresh проверяет refresh-токен открытым ключом сессии.
func (s *Signer) VerifyRefresh(ctx context.Context, publicKey, tok string) (*models.Payload, bool) {
	return s.verify(ctx, publicKey, tok, refreshMethod)
}

func (s *Signer) verify(ctx context.Context, publicKey, tok string, m jwt.SigningMethod) (*models.Payload, bool) {
	const op = "token.verify"

	lg := log.From(ctx)

	pub, err := keys.ParsePublicKey(publicKey)
	if err != nil {
		lg.Error("token_public_key_invalid",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return nil, false
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.Alg()}),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	}
	if s.opts.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.opts.Issuer))
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return pub, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		lg.Debug("token_verify_failed",
			slog.String("op", op),
			slog.String("alg", m.Alg()),
			slog.Any("err", err),
		)
		return nil, false
	}

	p, err := payloadFromClaims(&claims)
	if err != nil {
		lg.Debug("token_verify_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return nil, false
	}

	return p, true
}

// ParsePayload достаёт полезную нагрузку без проверки подписи.
// Результат годится только для поиска сессии, но не для авторизации.
func (s *Signer) ParsePayload(ctx context.Context, tok string) (*models.Payload, bool) {
	const op = "token.ParsePayload"

	var claims Claims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{accessMethod.Alg(), refreshMethod.Alg()}))
	if _, _, err := parser.ParseUnverified(tok, &claims); err != nil {
		log.From(ctx).Warn("token_not_issued_by_server",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return nil, false
	}

	p, err := payloadFromClaims(&claims)
	if err != nil {
		log.From(ctx).Warn("token_not_issued_by_server",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return nil, false
	}

	return p, true
}

// payloadFromClaims проверяет структуру тела токена.
func payloadFromClaims(c *Claims) (*models.Payload, error) {
	uid, err := uuid.Parse(c.ID)
	if err != nil {
		return nil, fmt.Errorf("bad id claim: %w", err)
	}

	if n := utf8.RuneCountInString(c.Role); n == 0 || n > maxRoleLen {
		return nil, fmt.Errorf("bad role claim length %d", n)
	}

	if c.ExpiresAt == nil || c.IssuedAt == nil {
		return nil, fmt.Errorf("missing temporal claims")
	}

	return &models.Payload{UserID: uid, Role: c.Role}, nil
}
