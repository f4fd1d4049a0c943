package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/factora/internal/payout"
	"gorm.io/gorm"
)

// Repository persists settlement records. Every method runs on the handle it
// is given so callers control transaction boundaries.
type Repository interface {
	InsertEscrow(ctx context.Context, db *gorm.DB, e *EscrowTransaction) error
	FindEscrow(ctx context.Context, db *gorm.DB, id snowflake.ID) (*EscrowTransaction, error)
	LoadEscrowForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*EscrowTransaction, error)
	ListEscrows(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]EscrowTransaction, error)
	PendingEscrowAmount(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int64, error)
	RecordDepositTx(ctx context.Context, db *gorm.DB, id snowflake.ID, txHash string, at time.Time) error
	ConfirmDeposit(ctx context.Context, db *gorm.DB, id snowflake.ID, txHash string, at time.Time) (bool, error)
	RecordPurchaseTx(ctx context.Context, db *gorm.DB, id snowflake.ID, txHash string, at time.Time) error
	ConfirmPurchase(ctx context.Context, db *gorm.DB, id snowflake.ID, txHash string, at time.Time) error
	FailEscrow(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error
	TransitionEscrow(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to EscrowStatus, at time.Time) (bool, error)
	ReleaseEscrows(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, txHash string, at time.Time) (int64, error)
	DefaultEscrows(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, at time.Time) (int64, error)
	FlagEscrow(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	TouchEscrow(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	ClaimStaleEscrows(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]EscrowTransaction, error)

	InsertOwnership(ctx context.Context, db *gorm.DB, o *TokenOwnership) error
	FindOwnershipByEscrow(ctx context.Context, db *gorm.DB, escrowID snowflake.ID) (*TokenOwnership, error)
	ListOwnerships(ctx context.Context, db *gorm.DB, investorID snowflake.ID) ([]TokenOwnership, error)

	InsertPayment(ctx context.Context, db *gorm.DB, p *Payment) error
	FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	LoadPaymentForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	HasPendingPayment(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (bool, error)
	RecordReleaseTx(ctx context.Context, db *gorm.DB, id snowflake.ID, txHash string, at time.Time) error
	SetPaymentRelease(ctx context.Context, db *gorm.DB, id snowflake.ID, txHash string, at time.Time) error
	FailPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error
	TransitionPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to PaymentStatus, at time.Time) (bool, error)
	FlagPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	TouchPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	ClaimStalePayments(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Payment, error)

	InsertPayouts(ctx context.Context, db *gorm.DB, payouts []payout.Payout) error
	ListPayouts(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]payout.Payout, error)
}
