package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ActorType string

const (
	ActorTypeSystem ActorType = "system"
	ActorTypeUser   ActorType = "user"
)

const (
	ActionInvoiceCreated      = "invoice.created"
	ActionInvoiceSubmitted    = "invoice.submitted"
	ActionInvoiceApproved     = "invoice.approved"
	ActionInvoiceRejected     = "invoice.rejected"
	ActionInvoiceListed       = "invoice.listed"
	ActionInvoiceFunded       = "invoice.funded"
	ActionInvoiceDefaulted    = "invoice.defaulted"
	ActionInvestmentCreated   = "investment.created"
	ActionPaymentConfirmed    = "payment.confirmed"
	ActionEscrowDrift         = "escrow.drift_detected"
	ActionEscrowExpired       = "escrow.intent_expired"
	ActionPaymentFailed       = "payment.failed"
	ActionSettlementDrift     = "settlement.drift_detected"
	ActionAuthorizationDenied = "authorization.denied"
)

// AuditLog is an append-only record of a state-changing action.
type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	ActorType  string            `json:"actor_type"`
	ActorID    *string           `json:"actor_id,omitempty"`
	Action     string            `json:"action"`
	TargetType string            `json:"target_type"`
	TargetID   *string           `json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	IPAddress  *string           `json:"ip_address,omitempty"`
	UserAgent  *string           `json:"user_agent,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	// Action matches exactly, or a whole family when written as "invoice.*".
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	ActorID    string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}
