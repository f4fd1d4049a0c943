package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
	"github.com/smallbiznis/factora/internal/payout"
)

type InvestRequest struct {
	InvoiceID     snowflake.ID `json:"-"`
	InvestorID    snowflake.ID `json:"-"`
	Amount        int64        `json:"amount"`
	WalletAddress *string      `json:"wallet_address,omitempty"`
}

type TransactionHashes struct {
	Escrow   string `json:"escrow"`
	Purchase string `json:"purchase"`
}

type InvestResult struct {
	TokenOwnership    *TokenOwnership        `json:"token_ownership"`
	Invoice           *invoicedomain.Invoice `json:"invoice"`
	TransactionHashes TransactionHashes      `json:"transaction_hashes"`
}

type ConfirmPaymentRequest struct {
	InvoiceID         snowflake.ID `json:"-"`
	VerifierID        snowflake.ID `json:"-"`
	PaymentAmount     int64        `json:"payment_amount"`
	PaymentMethod     string       `json:"payment_method"`
	PaymentDate       *time.Time   `json:"payment_date,omitempty"`
	ConfirmationProof string       `json:"confirmation_proof"`
}

type ConfirmPaymentResult struct {
	Payment         *Payment               `json:"payment"`
	Invoice         *invoicedomain.Invoice `json:"invoice"`
	Payouts         []payout.Payout        `json:"payouts"`
	TransactionHash string                 `json:"transaction_hash"`
}

// EscrowView combines persisted escrow rows with a best-effort read of the
// escrow contract. Nil on-chain fields mean the read failed.
type EscrowView struct {
	InvoiceID      snowflake.ID        `json:"invoice_id"`
	Status         *string             `json:"onchain_status"`
	TotalDeposited *string             `json:"onchain_total_deposited"`
	FullyFunded    *bool               `json:"onchain_fully_funded"`
	Transactions   []EscrowTransaction `json:"transactions"`
}

type InvestmentView struct {
	Ownership TokenOwnership        `json:"ownership"`
	Invoice   invoicedomain.Invoice `json:"invoice"`
}

// ReconcileReport counts what one reconciliation sweep did.
type ReconcileReport struct {
	EscrowsFinalized  int `json:"escrows_finalized"`
	EscrowsFlagged    int `json:"escrows_flagged"`
	EscrowsExpired    int `json:"escrows_expired"`
	PaymentsFinalized int `json:"payments_finalized"`
	PaymentsFlagged   int `json:"payments_flagged"`
	PaymentsExpired   int `json:"payments_expired"`
	MintsFinalized    int `json:"mints_finalized"`
	MintsReleased     int `json:"mints_released"`
}

type Service interface {
	Invest(ctx context.Context, req InvestRequest) (*InvestResult, error)
	ConfirmPayment(ctx context.Context, req ConfirmPaymentRequest) (*ConfirmPaymentResult, error)
	MarkDefault(ctx context.Context, invoiceID snowflake.ID, actorID *snowflake.ID) (*invoicedomain.Invoice, error)
	EscrowStatus(ctx context.Context, invoiceID snowflake.ID) (*EscrowView, error)
	ListInvestments(ctx context.Context, investorID snowflake.ID) ([]InvestmentView, error)
	Reconcile(ctx context.Context, cutoff time.Time, limit int) (ReconcileReport, error)
}

var (
	ErrInvalidAmount            = errors.New("invalid_amount")
	ErrExceedsRemainingCapacity = errors.New("exceeds_remaining_capacity")
	ErrNotTokenized             = errors.New("not_tokenized")
	ErrNoWallet                 = errors.New("no_wallet")
	ErrSettlementInProgress     = errors.New("settlement_in_progress")
)
