// Входные/выходные модели REST. Имена полей совпадают с тем,
// что ждёт фронтенд дашборда.
package handlers

import (
	"errors"
	"time"

	"github.com/pribylovaa/stock-dashboard-auth/internal/models"
)

var errTrailingData = errors.New("unexpected data after json object")

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"user_fullName"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type forgotPasswordRequest struct {
	Email       string `json:"email"`
	NewPassword string `json:"newPassword"`
}

type tokenPairResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"user_fullName"`
	Avatar    string    `json:"user_avatar"`
	Role      string    `json:"user_role"`
	CreatedAt time.Time `json:"createdAt"`
}

type authResponse struct {
	Token tokenPairResponse `json:"token"`
	User  userResponse      `json:"user"`
}

type okResponse struct {
	Ok bool `json:"ok"`
}

func tokenPairFromModel(p models.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
	}
}

func userFromModel(u models.PublicUser) userResponse {
	return userResponse{
		ID:        u.ID.String(),
		Email:     u.Email,
		FullName:  u.FullName,
		Avatar:    u.Avatar,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
}
