package authorization

import (
	"context"
	"errors"

	userdomain "github.com/smallbiznis/factora/internal/user/domain"
)

const (
	ObjectInvoice        = "invoice"
	ObjectInvestment     = "investment"
	ObjectEscrow         = "escrow"
	ObjectPayment        = "payment"
	ObjectAuditLog       = "audit_log"
	ObjectReconciliation = "reconciliation"
)

const (
	ActionInvoiceCreate  = "invoice.create"
	ActionInvoiceSubmit  = "invoice.submit"
	ActionInvoiceView    = "invoice.view"
	ActionInvoiceApprove = "invoice.approve"
	ActionInvoiceReject  = "invoice.reject"
	ActionInvoiceDefault = "invoice.default"

	ActionInvestmentCreate = "investment.create"
	ActionInvestmentView   = "investment.view"

	ActionEscrowView = "escrow.view"

	ActionPaymentConfirm = "payment.confirm"

	ActionAuditLogView = "audit_log.view"

	ActionReconciliationRun = "reconciliation.run"
)

const (
	ScopeAny = "any"
	ScopeOwn = "own"
)

// Subject is the authenticated caller.
type Subject struct {
	UserID string
	Role   userdomain.Role
}

// Resource identifies who owns the object being acted on. An empty OwnerID
// only satisfies "any"-scoped policies.
type Resource struct {
	OwnerID string
}

type Service interface {
	Authorize(ctx context.Context, subject Subject, object string, action string, resource Resource) error
}

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)
