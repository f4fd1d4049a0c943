package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/factora/internal/config"
	userdomain "github.com/smallbiznis/factora/internal/user/domain"
	"github.com/smallbiznis/factora/internal/user/password"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type account struct {
	email    string
	password string
	name     string
	role     userdomain.Role
}

// EnsureBootstrapUsers creates the configured ADMIN and VERIFIER accounts when
// they do not exist yet. Existing accounts are left untouched.
func EnsureBootstrapUsers(db *gorm.DB, node *snowflake.Node, cfg config.BootstrapConfig, log *zap.Logger) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if node == nil {
		return errors.New("seed id generator is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	accounts := []account{
		{email: cfg.AdminEmail, password: cfg.AdminPassword, name: "Marketplace Admin", role: userdomain.RoleAdmin},
		{email: cfg.VerifierEmail, password: cfg.VerifierPassword, name: "Payment Verifier", role: userdomain.RoleVerifier},
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, acc := range accounts {
			email := strings.ToLower(strings.TrimSpace(acc.email))
			if email == "" || acc.password == "" {
				continue
			}
			created, err := ensureUserTx(ctx, tx, node, email, acc)
			if err != nil {
				return err
			}
			if created {
				log.Info("bootstrap account created", zap.String("email", email), zap.String("role", string(acc.role)))
			}
		}
		return nil
	})
}

func ensureUserTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, email string, acc account) (bool, error) {
	var count int64
	if err := tx.WithContext(ctx).Model(&userdomain.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	hashed, err := password.Hash(acc.password)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	user := userdomain.User{
		ID:           node.Generate(),
		Email:        email,
		Name:         acc.name,
		Role:         acc.role,
		PasswordHash: hashed,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.WithContext(ctx).Create(&user).Error; err != nil {
		return false, err
	}
	return true, nil
}
