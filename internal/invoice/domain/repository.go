package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	Status    Status
	SMBID     snowflake.ID
	MinAmount *int64
	MaxAmount *int64
	Cursor    *Cursor
	Limit     int
}

type Cursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

// Repository is the only writer of invoice status. Every status change is a
// conditional update keyed by id and the expected current status.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByNumber(ctx context.Context, db *gorm.DB, number string) (*Invoice, error)
	LoadForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Invoice, error)

	// Transition moves the invoice from → to and applies fields. It reports
	// false when the row was no longer in from.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, fields map[string]any) (bool, error)
	// AddFunding increments funded_amount while the invoice is LISTED.
	AddFunding(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error)
	// StampApproved sets approved_at once while the invoice awaits approval.
	StampApproved(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	HasPendingInvestments(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	ClaimTokenization(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	// ReleaseTokenization drops the claim and any recorded mint hash.
	ReleaseTokenization(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	// RecordMintTx keeps the mint hash on a claimed invoice until the token is persisted.
	RecordMintTx(ctx context.Context, db *gorm.DB, id snowflake.ID, txHash string, now time.Time) error
	// ClaimStaleTokenizations locks claimed PENDING_APPROVAL invoices whose
	// claim is older than cutoff.
	ClaimStaleTokenizations(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*Invoice, error)
	TouchTokenization(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error

	InsertToken(ctx context.Context, db *gorm.DB, token *InvoiceToken) error
	FindToken(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*InvoiceToken, error)
	SetTokenListTx(ctx context.Context, db *gorm.DB, tokenID snowflake.ID, txHash string) error

	InsertTransaction(ctx context.Context, db *gorm.DB, tx *Transaction) error
	ListTransactions(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]Transaction, error)
}
