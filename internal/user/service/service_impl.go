package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/factora/internal/clock"
	"github.com/smallbiznis/factora/internal/config"
	userdomain "github.com/smallbiznis/factora/internal/user/domain"
	"github.com/smallbiznis/factora/internal/user/password"
	"github.com/smallbiznis/factora/internal/user/token"
	"github.com/smallbiznis/factora/pkg/db"
	"github.com/smallbiznis/factora/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const minPasswordLength = 8

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Config config.Config
	Clock  clock.Clock
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	users  repository.Repository[userdomain.User]
	tokens *token.Issuer
}

func NewService(p Params) (userdomain.Service, error) {
	log := p.Log.Named("user.service")

	secret := []byte(strings.TrimSpace(p.Config.AuthJWTSecret))
	if len(secret) == 0 {
		if p.Config.IsProduction() {
			return nil, errors.New("AUTH_JWT_SECRET is required in production")
		}
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		log.Warn("AUTH_JWT_SECRET not set; using an ephemeral signing key")
	}

	return &Service{
		db:     p.DB,
		log:    log,
		genID:  p.GenID,
		clock:  p.Clock,
		users:  repository.ProvideStore[userdomain.User](p.DB),
		tokens: token.NewIssuer(secret, p.Config.AuthTokenTTL, p.Clock.Now),
	}, nil
}

func (s *Service) Register(ctx context.Context, req userdomain.RegisterRequest) (*userdomain.User, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if len(req.Password) < minPasswordLength {
		return nil, userdomain.ErrInvalidPassword
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, userdomain.ErrInvalidName
	}
	role, ok := userdomain.ParseRole(req.Role)
	if !ok || !role.SelfRegistrable() {
		return nil, userdomain.ErrInvalidRole
	}

	var wallet *string
	if req.WalletAddress != nil && strings.TrimSpace(*req.WalletAddress) != "" {
		addr, err := userdomain.NormalizeWallet(*req.WalletAddress)
		if err != nil {
			return nil, err
		}
		wallet = &addr
	}

	return s.create(ctx, email, name, role, req.Password, wallet)
}

func (s *Service) create(ctx context.Context, email, name string, role userdomain.Role, plain string, wallet *string) (*userdomain.User, error) {
	existing, err := s.users.FindOne(ctx, &userdomain.User{Email: email})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, userdomain.ErrUserExists
	}

	hashed, err := password.Hash(plain)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.clock.Now().UTC()
	user := &userdomain.User{
		ID:            s.genID.Generate(),
		Email:         email,
		Name:          name,
		Role:          role,
		PasswordHash:  hashed,
		WalletAddress: wallet,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, userdomain.ErrUserExists
		}
		return nil, err
	}

	s.log.Info("user registered", zap.String("user_id", user.ID.String()), zap.String("role", string(role)))
	return user, nil
}

func (s *Service) Login(ctx context.Context, req userdomain.LoginRequest) (*userdomain.LoginResult, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, userdomain.ErrInvalidCredentials
	}

	user, err := s.users.FindOne(ctx, &userdomain.User{Email: email})
	if err != nil {
		return nil, err
	}
	if user == nil || !password.Verify(req.Password, user.PasswordHash) {
		return nil, userdomain.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, userdomain.ErrUserInactive
	}

	signed, expiresAt, err := s.tokens.Issue(token.Identity{
		ID:    user.ID.String(),
		Email: user.Email,
		Role:  string(user.Role),
	})
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &userdomain.LoginResult{User: user, Token: signed, ExpiresAt: expiresAt}, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*userdomain.User, error) {
	if id == 0 {
		return nil, userdomain.ErrUserNotFound
	}
	user, err := s.users.FindOne(ctx, &userdomain.User{ID: id})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, userdomain.ErrUserNotFound
	}
	return user, nil
}

func (s *Service) LinkWallet(ctx context.Context, id snowflake.ID, address string) (*userdomain.User, error) {
	addr, err := userdomain.NormalizeWallet(address)
	if err != nil {
		return nil, err
	}

	affected, err := s.users.Update(ctx, id, map[string]any{
		"wallet_address": addr,
		"updated_at":     s.clock.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, userdomain.ErrUserNotFound
	}
	return s.Get(ctx, id)
}

func (s *Service) ParseToken(raw string) (*userdomain.Claims, error) {
	identity, err := s.tokens.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, userdomain.ErrUnauthenticated
	}
	id, err := snowflake.ParseString(identity.ID)
	if err != nil || id == 0 {
		return nil, userdomain.ErrUnauthenticated
	}
	role, ok := userdomain.ParseRole(identity.Role)
	if !ok {
		return nil, userdomain.ErrUnauthenticated
	}
	return &userdomain.Claims{UserID: id, Email: identity.Email, Role: role}, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", userdomain.ErrInvalidEmail
	}
	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Address != email {
		return "", userdomain.ErrInvalidEmail
	}
	return email, nil
}
