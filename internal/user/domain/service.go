package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type RegisterRequest struct {
	Email         string  `json:"email"`
	Password      string  `json:"password"`
	Name          string  `json:"name"`
	Role          string  `json:"role"`
	WalletAddress *string `json:"wallet_address,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResult struct {
	User      *User     `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims is the authenticated identity carried by an access token.
type Claims struct {
	UserID snowflake.ID
	Email  string
	Role   Role
}

type Service interface {
	Register(ctx context.Context, req RegisterRequest) (*User, error)
	Login(ctx context.Context, req LoginRequest) (*LoginResult, error)
	Get(ctx context.Context, id snowflake.ID) (*User, error)
	LinkWallet(ctx context.Context, id snowflake.ID, address string) (*User, error)
	ParseToken(token string) (*Claims, error)
}

var (
	ErrInvalidEmail         = errors.New("invalid_email")
	ErrInvalidPassword      = errors.New("invalid_password")
	ErrInvalidRole          = errors.New("invalid_role")
	ErrInvalidName          = errors.New("invalid_request")
	ErrInvalidWalletAddress = errors.New("invalid_wallet_address")
	ErrUserExists           = errors.New("user_exists")
	ErrUserNotFound         = errors.New("user_not_found")
	ErrInvalidCredentials   = errors.New("invalid_credentials")
	ErrUserInactive         = errors.New("user_inactive")
	ErrUnauthenticated      = errors.New("unauthenticated")
)
