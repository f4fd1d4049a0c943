package seed_test

import (
	"testing"

	"github.com/smallbiznis/factora/internal/config"
	"github.com/smallbiznis/factora/internal/dbtest"
	"github.com/smallbiznis/factora/internal/seed"
	userdomain "github.com/smallbiznis/factora/internal/user/domain"
	"github.com/smallbiznis/factora/internal/user/password"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnsureBootstrapUsersIsIdempotent(t *testing.T) {
	conn := dbtest.Open(t)
	node := dbtest.Node(t)
	cfg := config.BootstrapConfig{
		AdminEmail:       "Admin@Factora.test",
		AdminPassword:    "admin-password",
		VerifierEmail:    "verifier@factora.test",
		VerifierPassword: "verifier-password",
	}

	require.NoError(t, seed.EnsureBootstrapUsers(conn, node, cfg, zap.NewNop()))
	require.NoError(t, seed.EnsureBootstrapUsers(conn, node, cfg, zap.NewNop()))

	var users []userdomain.User
	require.NoError(t, conn.Order("email").Find(&users).Error)
	require.Len(t, users, 2)

	assert.Equal(t, "admin@factora.test", users[0].Email)
	assert.Equal(t, userdomain.RoleAdmin, users[0].Role)
	assert.True(t, password.Verify("admin-password", users[0].PasswordHash))
	assert.Equal(t, userdomain.RoleVerifier, users[1].Role)
}

func TestEnsureBootstrapUsersSkipsUnconfigured(t *testing.T) {
	conn := dbtest.Open(t)

	require.NoError(t, seed.EnsureBootstrapUsers(conn, dbtest.Node(t), config.BootstrapConfig{AdminEmail: "admin@factora.test"}, nil))

	var count int64
	require.NoError(t, conn.Model(&userdomain.User{}).Count(&count).Error)
	assert.Zero(t, count)
}
