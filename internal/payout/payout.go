// Package payout computes the investor and SMB distributions owed when an
// invoice settles.
package payout

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
)

// Formula names a split rule so the choice is explicit at every call site.
type Formula string

// FormulaDiscountBothSides applies the discount rate twice to the same
// principal: the investor receives principal × (1 + r/100) and the SMB
// receives principal × (1 − r/100). The two amounts do not sum to the
// principal. Settlements already recorded on chain were computed this way.
const FormulaDiscountBothSides Formula = "discount_both_sides"

type RecipientRole string

const (
	RoleInvestor RecipientRole = "INVESTOR"
	RoleSMB      RecipientRole = "SMB"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
)

var (
	ErrInvalidPrincipal = errors.New("invalid_principal")
	ErrInvalidRate      = errors.New("invalid_discount_rate")
	ErrUnknownFormula   = errors.New("unknown_payout_formula")
)

var hundred = decimal.NewFromInt(100)

// Split is the pair of amounts owed for one contribution, in minor units.
type Split struct {
	Formula  Formula
	Investor int64
	SMB      int64
}

// Compute applies FormulaDiscountBothSides.
func Compute(principal int64, ratePercent decimal.Decimal) (Split, error) {
	return ComputeWith(FormulaDiscountBothSides, principal, ratePercent)
}

func ComputeWith(formula Formula, principal int64, ratePercent decimal.Decimal) (Split, error) {
	if principal <= 0 {
		return Split{}, ErrInvalidPrincipal
	}
	if ratePercent.IsNegative() || ratePercent.GreaterThan(hundred) {
		return Split{}, ErrInvalidRate
	}

	switch formula {
	case FormulaDiscountBothSides:
		p := decimal.NewFromInt(principal)
		r := ratePercent.Div(hundred)
		return Split{
			Formula:  formula,
			Investor: p.Mul(decimal.NewFromInt(1).Add(r)).Round(0).IntPart(),
			SMB:      p.Mul(decimal.NewFromInt(1).Sub(r)).Round(0).IntPart(),
		}, nil
	default:
		return Split{}, ErrUnknownFormula
	}
}

// Contribution is one investor's funded escrow leg.
type Contribution struct {
	EscrowTransactionID snowflake.ID
	InvestorID          snowflake.ID
	Amount              int64
}

// Payout is a distribution obligation. Rows are written in pairs per
// contribution and never change once COMPLETED.
type Payout struct {
	ID                  snowflake.ID  `json:"id" gorm:"primaryKey"`
	InvoiceID           snowflake.ID  `json:"invoice_id" gorm:"column:invoice_id"`
	EscrowTransactionID snowflake.ID  `json:"escrow_transaction_id" gorm:"column:escrow_transaction_id"`
	RecipientID         snowflake.ID  `json:"recipient_id" gorm:"column:recipient_id"`
	RecipientRole       RecipientRole `json:"recipient_role" gorm:"column:recipient_role"`
	Amount              int64         `json:"amount" gorm:"column:amount"`
	Status              Status        `json:"status" gorm:"column:status"`
	TxHash              *string       `json:"tx_hash,omitempty" gorm:"column:tx_hash"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty" gorm:"column:completed_at"`
	CreatedAt           time.Time     `json:"created_at" gorm:"column:created_at"`
}

func (Payout) TableName() string { return "payouts" }

// Payouts returns the PENDING (INVESTOR, SMB) pair for a contribution. IDs and
// timestamps are left for the caller to assign.
func Payouts(c Contribution, inv *invoicedomain.Invoice) ([]Payout, error) {
	split, err := Compute(c.Amount, inv.DiscountRate)
	if err != nil {
		return nil, err
	}
	return []Payout{
		{
			InvoiceID:           inv.ID,
			EscrowTransactionID: c.EscrowTransactionID,
			RecipientID:         c.InvestorID,
			RecipientRole:       RoleInvestor,
			Amount:              split.Investor,
			Status:              StatusPending,
		},
		{
			InvoiceID:           inv.ID,
			EscrowTransactionID: c.EscrowTransactionID,
			RecipientID:         inv.SMBID,
			RecipientRole:       RoleSMB,
			Amount:              split.SMB,
			Status:              StatusPending,
		},
	}, nil
}

// Complete marks a pending pair as settled by txHash.
func Complete(payouts []Payout, txHash string, at time.Time) {
	for i := range payouts {
		hash := txHash
		completedAt := at
		payouts[i].Status = StatusCompleted
		payouts[i].TxHash = &hash
		payouts[i].CompletedAt = &completedAt
	}
}
