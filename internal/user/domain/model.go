// Package domain contains core types for marketplace accounts.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/factora/internal/ledger/strkey"
)

type Role string

const (
	RoleSMB      Role = "SMB"
	RoleInvestor Role = "INVESTOR"
	RoleAdmin    Role = "ADMIN"
	RoleVerifier Role = "VERIFIER"
)

// ParseRole normalizes a role name; ok is false for unknown roles.
func ParseRole(raw string) (Role, bool) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(raw))); r {
	case RoleSMB, RoleInvestor, RoleAdmin, RoleVerifier:
		return r, true
	default:
		return "", false
	}
}

// SelfRegistrable reports whether the role may be chosen at sign-up.
func (r Role) SelfRegistrable() bool {
	return r == RoleSMB || r == RoleInvestor
}

// User is a marketplace account. Role never changes after creation.
type User struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	Email         string       `json:"email"`
	Name          string       `json:"name"`
	Role          Role         `json:"role"`
	PasswordHash  string       `json:"-"`
	WalletAddress *string      `json:"wallet_address,omitempty"`
	IsActive      bool         `json:"is_active"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// Wallet returns the linked wallet address or "".
func (u *User) Wallet() string {
	if u == nil || u.WalletAddress == nil {
		return ""
	}
	return strings.TrimSpace(*u.WalletAddress)
}

// NormalizeWallet validates a settlement-network account address.
func NormalizeWallet(raw string) (string, error) {
	addr := strings.ToUpper(strings.TrimSpace(raw))
	if !strkey.IsValid(strkey.VersionAccountID, addr) {
		return "", ErrInvalidWalletAddress
	}
	return addr, nil
}
