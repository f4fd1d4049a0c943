package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/factora/internal/clock"
	"github.com/smallbiznis/factora/internal/config"
	"github.com/smallbiznis/factora/internal/dbtest"
	"github.com/smallbiznis/factora/internal/ledger/ledgertest"
	userdomain "github.com/smallbiznis/factora/internal/user/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (userdomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	conn := dbtest.Open(t)
	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, err := NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: dbtest.Node(t),
		Config: config.Config{
			AuthJWTSecret: "test-secret",
			AuthTokenTTL:  7 * 24 * time.Hour,
		},
		Clock: fc,
	})
	require.NoError(t, err)
	return svc, conn, fc
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _, fc := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, userdomain.RegisterRequest{
		Email:    "  Alice@Example.com ",
		Password: "correct-password",
		Name:     "Alice Trading",
		Role:     "smb",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, userdomain.RoleSMB, user.Role)
	assert.True(t, user.IsActive)
	assert.NotEqual(t, "correct-password", user.PasswordHash)

	res, err := svc.Login(ctx, userdomain.LoginRequest{Email: "alice@example.com", Password: "correct-password"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.User.ID)
	assert.Equal(t, fc.Now().Add(7*24*time.Hour), res.ExpiresAt)

	claims, err := svc.ParseToken(res.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, userdomain.RoleSMB, claims.Role)
	assert.Equal(t, "alice@example.com", claims.Email)
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	bad := "not-a-wallet"

	cases := []struct {
		name string
		req  userdomain.RegisterRequest
		want error
	}{
		{"bad email", userdomain.RegisterRequest{Email: "nope", Password: "long-enough", Name: "x", Role: "SMB"}, userdomain.ErrInvalidEmail},
		{"short password", userdomain.RegisterRequest{Email: "a@b.co", Password: "short", Name: "x", Role: "SMB"}, userdomain.ErrInvalidPassword},
		{"missing name", userdomain.RegisterRequest{Email: "a@b.co", Password: "long-enough", Role: "SMB"}, userdomain.ErrInvalidName},
		{"admin self sign-up", userdomain.RegisterRequest{Email: "a@b.co", Password: "long-enough", Name: "x", Role: "ADMIN"}, userdomain.ErrInvalidRole},
		{"unknown role", userdomain.RegisterRequest{Email: "a@b.co", Password: "long-enough", Name: "x", Role: "OWNER"}, userdomain.ErrInvalidRole},
		{"bad wallet", userdomain.RegisterRequest{Email: "a@b.co", Password: "long-enough", Name: "x", Role: "INVESTOR", WalletAddress: &bad}, userdomain.ErrInvalidWalletAddress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	req := userdomain.RegisterRequest{Email: "bob@example.com", Password: "strong-password", Name: "Bob", Role: "INVESTOR"}

	_, err := svc.Register(ctx, req)
	require.NoError(t, err)

	req.Email = "BOB@example.com"
	_, err = svc.Register(ctx, req)
	assert.ErrorIs(t, err, userdomain.ErrUserExists)
}

func TestLoginFailures(t *testing.T) {
	svc, conn, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, userdomain.RegisterRequest{Email: "carol@example.com", Password: "strong-password", Name: "Carol", Role: "INVESTOR"})
	require.NoError(t, err)

	_, err = svc.Login(ctx, userdomain.LoginRequest{Email: "carol@example.com", Password: "wrong-password"})
	assert.ErrorIs(t, err, userdomain.ErrInvalidCredentials)

	_, err = svc.Login(ctx, userdomain.LoginRequest{Email: "nobody@example.com", Password: "strong-password"})
	assert.ErrorIs(t, err, userdomain.ErrInvalidCredentials)

	require.NoError(t, conn.Exec(`UPDATE users SET is_active = ? WHERE id = ?`, false, user.ID).Error)
	_, err = svc.Login(ctx, userdomain.LoginRequest{Email: "carol@example.com", Password: "strong-password"})
	assert.ErrorIs(t, err, userdomain.ErrUserInactive)
}

func TestLinkWallet(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, userdomain.RegisterRequest{Email: "dave@example.com", Password: "strong-password", Name: "Dave", Role: "INVESTOR"})
	require.NoError(t, err)
	assert.Empty(t, user.Wallet())

	_, err = svc.LinkWallet(ctx, user.ID, "GABC")
	assert.ErrorIs(t, err, userdomain.ErrInvalidWalletAddress)

	wallet := ledgertest.AccountID(9)
	updated, err := svc.LinkWallet(ctx, user.ID, wallet)
	require.NoError(t, err)
	assert.Equal(t, wallet, updated.Wallet())

	_, err = svc.LinkWallet(ctx, user.ID+1, wallet)
	assert.ErrorIs(t, err, userdomain.ErrUserNotFound)
}

func TestGetAndParseTokenErrors(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Get(context.Background(), 12345)
	assert.ErrorIs(t, err, userdomain.ErrUserNotFound)

	_, err = svc.ParseToken("garbage")
	assert.ErrorIs(t, err, userdomain.ErrUnauthenticated)
}
