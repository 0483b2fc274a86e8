package models

import "github.com/google/uuid"

// Payload — полезная нагрузка, подписываемая в обоих токенах пары.
type Payload struct {
	UserID uuid.UUID
	Role   string
}

// TokenPair — пара токенов, выдаваемая при регистрации, входе и обновлении.
//
// Описание:
//   - AccessToken — bearer-токен для обычных запросов (RS256);
//   - RefreshToken — одноразовый токен для эндпойнта обновления (RS512).
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}
