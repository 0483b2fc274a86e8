package models

import (
	"time"

	"github.com/google/uuid"
)

// User — учётная запись пользователя дашборда.
//
// PasswordHash пуст для аккаунтов, созданных без пароля (вход через
// внешнего провайдера); такие аккаунты не могут войти по паролю.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	FullName     string
	Avatar       string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PublicUser — безопасная проекция пользователя для ответа клиенту.
type PublicUser struct {
	ID        uuid.UUID
	Email     string
	FullName  string
	Avatar    string
	Role      string
	CreatedAt time.Time
}

// Public возвращает проекцию без хэша пароля и служебных полей.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Avatar:    u.Avatar,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
}
