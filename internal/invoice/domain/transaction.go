package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TransactionTokenMint      TransactionType = "TOKEN_MINT"
	TransactionInvestment     TransactionType = "INVESTMENT"
	TransactionPaymentRelease TransactionType = "PAYMENT_RELEASE"
	TransactionDefault        TransactionType = "DEFAULT"
)

const TransactionStatusConfirmed = "CONFIRMED"

// Transaction records one confirmed on-chain effect against an invoice.
type Transaction struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	InvoiceID  snowflake.ID      `json:"invoice_id" gorm:"column:invoice_id"`
	Type       TransactionType   `json:"type" gorm:"column:type"`
	Status     string            `json:"status" gorm:"column:status"`
	TxHash     string            `json:"tx_hash" gorm:"column:tx_hash"`
	Amount     int64             `json:"amount" gorm:"column:amount"`
	FromUserID *snowflake.ID     `json:"from_user_id,omitempty" gorm:"column:from_user_id"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty" gorm:"column:metadata"`
	CreatedAt  time.Time         `json:"created_at" gorm:"column:created_at"`
}

func (Transaction) TableName() string { return "ledger_transactions" }
