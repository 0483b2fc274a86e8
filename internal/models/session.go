package models

import (
	"time"

	"github.com/google/uuid"
)

// KeyPair — PEM-кодированная пара ключей RSA.
// PrivateKey в формате PKCS#8, PublicKey в формате PKIX.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// Session — единственная активная сессия пользователя.
//
// Инварианты:
//   - на пользователя приходится не больше одной записи;
//   - RefreshToken подписан ключом из этой же записи;
//   - UsedRefreshTokens только растёт и очищается лишь вместе с записью.
type Session struct {
	UserID            uuid.UUID
	Keys              KeyPair
	RefreshToken      string
	UsedRefreshTokens []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasUsed сообщает, был ли токен уже обменян в рамках этой сессии.
func (s *Session) HasUsed(token string) bool {
	for _, t := range s.UsedRefreshTokens {
		if t == token {
			return true
		}
	}

	return false
}
