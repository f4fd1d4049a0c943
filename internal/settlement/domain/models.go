// Package domain holds the escrow, ownership and payment records written by
// the settlement orchestrator.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "PENDING"
	EscrowFunded    EscrowStatus = "FUNDED"
	EscrowReleased  EscrowStatus = "RELEASED"
	EscrowFailed    EscrowStatus = "FAILED"
	EscrowDefaulted EscrowStatus = "DEFAULTED"
)

// EscrowTransaction is one investment. It is written as a PENDING intent
// before the deposit leg and finalized once both ledger legs are confirmed.
// A leg's tx hash without its confirmed_at is a submission whose outcome
// was not observed. A row with a confirmed deposit and no purchase is drift
// for the reconciler.
type EscrowTransaction struct {
	ID                  snowflake.ID `json:"id" gorm:"primaryKey"`
	InvoiceID           snowflake.ID `json:"invoice_id" gorm:"column:invoice_id"`
	InvestorID          snowflake.ID `json:"investor_id" gorm:"column:investor_id"`
	WalletAddress       string       `json:"wallet_address" gorm:"column:wallet_address"`
	Amount              int64        `json:"amount" gorm:"column:amount"`
	Status              EscrowStatus `json:"status" gorm:"column:status"`
	DepositTxHash       *string      `json:"deposit_tx_hash,omitempty" gorm:"column:deposit_tx_hash"`
	DepositConfirmedAt  *time.Time   `json:"deposit_confirmed_at,omitempty" gorm:"column:deposit_confirmed_at"`
	PurchaseTxHash      *string      `json:"purchase_tx_hash,omitempty" gorm:"column:purchase_tx_hash"`
	PurchaseConfirmedAt *time.Time   `json:"purchase_confirmed_at,omitempty" gorm:"column:purchase_confirmed_at"`
	ReleaseTxHash       *string      `json:"release_tx_hash,omitempty" gorm:"column:release_tx_hash"`
	ReleasedAt          *time.Time   `json:"released_at,omitempty" gorm:"column:released_at"`
	FailureReason       *string      `json:"failure_reason,omitempty" gorm:"column:failure_reason"`
	ReconcileFlaggedAt  *time.Time   `json:"reconcile_flagged_at,omitempty" gorm:"column:reconcile_flagged_at"`
	LastReconciledAt    *time.Time   `json:"last_reconciled_at,omitempty" gorm:"column:last_reconciled_at"`
	CreatedAt           time.Time    `json:"created_at" gorm:"column:created_at"`
	UpdatedAt           time.Time    `json:"updated_at" gorm:"column:updated_at"`
}

func (EscrowTransaction) TableName() string { return "escrow_transactions" }

// BothLegsConfirmed reports whether deposit and purchase are final on chain.
func (e *EscrowTransaction) BothLegsConfirmed() bool {
	return e.DepositConfirmedAt != nil && e.PurchaseConfirmedAt != nil
}

// TokenOwnership is an investor's claim on an invoice token. Insert-only.
type TokenOwnership struct {
	ID                  snowflake.ID    `json:"id" gorm:"primaryKey"`
	InvestorID          snowflake.ID    `json:"investor_id" gorm:"column:investor_id"`
	TokenID             snowflake.ID    `json:"token_id" gorm:"column:token_id"`
	InvoiceID           snowflake.ID    `json:"invoice_id" gorm:"column:invoice_id"`
	EscrowTransactionID snowflake.ID    `json:"escrow_transaction_id" gorm:"column:escrow_transaction_id"`
	Amount              decimal.Decimal `json:"amount" gorm:"column:amount;type:numeric(38,0)"`
	PurchaseRate        decimal.Decimal `json:"purchase_rate" gorm:"column:purchase_rate;type:numeric(5,2)"`
	TxHash              string          `json:"tx_hash" gorm:"column:tx_hash"`
	CreatedAt           time.Time       `json:"created_at" gorm:"column:created_at"`
}

func (TokenOwnership) TableName() string { return "token_ownerships" }

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentConfirmed PaymentStatus = "CONFIRMED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// Payment is a verifier's confirmation that the buyer paid off-chain. At most
// one PENDING payment exists per invoice. ReleaseTxHash without ReleasedAt is
// a release whose finality was not observed.
type Payment struct {
	ID                 snowflake.ID  `json:"id" gorm:"primaryKey"`
	InvoiceID          snowflake.ID  `json:"invoice_id" gorm:"column:invoice_id"`
	VerifierID         snowflake.ID  `json:"verifier_id" gorm:"column:verifier_id"`
	PaymentAmount      int64         `json:"payment_amount" gorm:"column:payment_amount"`
	PaymentMethod      *string       `json:"payment_method,omitempty" gorm:"column:payment_method"`
	PaymentDate        *time.Time    `json:"payment_date,omitempty" gorm:"column:payment_date"`
	ConfirmationProof  *string       `json:"confirmation_proof,omitempty" gorm:"column:confirmation_proof"`
	Status             PaymentStatus `json:"status" gorm:"column:status"`
	ReleaseTxHash      *string       `json:"release_tx_hash,omitempty" gorm:"column:release_tx_hash"`
	ReleasedAt         *time.Time    `json:"released_at,omitempty" gorm:"column:released_at"`
	FailureReason      *string       `json:"failure_reason,omitempty" gorm:"column:failure_reason"`
	ReconcileFlaggedAt *time.Time    `json:"reconcile_flagged_at,omitempty" gorm:"column:reconcile_flagged_at"`
	LastReconciledAt   *time.Time    `json:"last_reconciled_at,omitempty" gorm:"column:last_reconciled_at"`
	CreatedAt          time.Time     `json:"created_at" gorm:"column:created_at"`
	UpdatedAt          time.Time     `json:"updated_at" gorm:"column:updated_at"`
}

func (Payment) TableName() string { return "payments" }
