// Package domain contains persistence models for the invoice lifecycle.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Invoice is an SMB receivable offered for factoring. Rows are never deleted;
// status only moves along CanTransition.
type Invoice struct {
	ID                    snowflake.ID    `json:"id" gorm:"primaryKey"`
	InvoiceNumber         string          `json:"invoice_number" gorm:"column:invoice_number"`
	SMBID                 snowflake.ID    `json:"smb_id" gorm:"column:smb_id"`
	BuyerID               *string         `json:"buyer_id,omitempty" gorm:"column:buyer_id"`
	BuyerName             string          `json:"buyer_name" gorm:"column:buyer_name"`
	BuyerEmail            *string         `json:"buyer_email,omitempty" gorm:"column:buyer_email"`
	Description           *string         `json:"description,omitempty" gorm:"column:description"`
	TotalAmount           int64           `json:"total_amount" gorm:"column:total_amount"`
	FundedAmount          int64           `json:"funded_amount" gorm:"column:funded_amount"`
	Currency              string          `json:"currency" gorm:"column:currency"`
	DiscountRate          decimal.Decimal `json:"discount_rate" gorm:"column:discount_rate;type:numeric(5,2)"`
	IssueDate             time.Time       `json:"issue_date" gorm:"column:issue_date"`
	DueDate               time.Time       `json:"due_date" gorm:"column:due_date"`
	Status                Status          `json:"status" gorm:"column:status"`
	MetadataHash          *string         `json:"metadata_hash,omitempty" gorm:"column:metadata_hash"`
	RejectionReason       *string         `json:"rejection_reason,omitempty" gorm:"column:rejection_reason"`
	TokenizationClaimedAt *time.Time      `json:"-" gorm:"column:tokenization_claimed_at"`
	MintTxHash            *string         `json:"-" gorm:"column:mint_tx_hash"`
	ApprovedAt            *time.Time      `json:"approved_at,omitempty" gorm:"column:approved_at"`
	FundedAt              *time.Time      `json:"funded_at,omitempty" gorm:"column:funded_at"`
	PaidAt                *time.Time      `json:"paid_at,omitempty" gorm:"column:paid_at"`
	CancelledAt           *time.Time      `json:"cancelled_at,omitempty" gorm:"column:cancelled_at"`
	DefaultedAt           *time.Time      `json:"defaulted_at,omitempty" gorm:"column:defaulted_at"`
	CreatedAt             time.Time       `json:"created_at" gorm:"column:created_at"`
	UpdatedAt             time.Time       `json:"updated_at" gorm:"column:updated_at"`
}

func (Invoice) TableName() string { return "invoices" }

var hundred = decimal.NewFromInt(100)

// FundingThreshold is the invested amount at which the invoice becomes
// FUNDED: ceil(total × (100 − rate) / 100).
func (i *Invoice) FundingThreshold() int64 {
	return FundingThreshold(i.TotalAmount, i.DiscountRate)
}

// RemainingCapacity is how much more may be invested.
func (i *Invoice) RemainingCapacity() int64 {
	remaining := i.TotalAmount - i.FundedAmount
	if remaining < 0 {
		return 0
	}
	return remaining
}

func FundingThreshold(total int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(total).
		Mul(hundred.Sub(rate)).
		Div(hundred).
		Ceil().
		IntPart()
}

// InvoiceToken is the on-chain claim minted for a LISTED invoice. It is
// created exactly once and never updated.
type InvoiceToken struct {
	ID          snowflake.ID    `json:"id" gorm:"primaryKey"`
	InvoiceID   snowflake.ID    `json:"invoice_id" gorm:"column:invoice_id"`
	ContractID  string          `json:"contract_id" gorm:"column:contract_id"`
	TokenID     string          `json:"token_id" gorm:"column:token_id"`
	TotalSupply decimal.Decimal `json:"total_supply" gorm:"column:total_supply;type:numeric(38,0)"`
	ListingID   string          `json:"listing_id" gorm:"column:listing_id"`
	MintTxHash  string          `json:"mint_tx_hash" gorm:"column:mint_tx_hash"`
	ListTxHash  *string         `json:"list_tx_hash,omitempty" gorm:"column:list_tx_hash"`
	CreatedAt   time.Time       `json:"created_at" gorm:"column:created_at"`
}

func (InvoiceToken) TableName() string { return "invoice_tokens" }
