package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/factora/pkg/db/pagination"
)

type CreateInvoiceRequest struct {
	SMBID         snowflake.ID    `json:"-"`
	InvoiceNumber string          `json:"invoice_number"`
	BuyerID       *string         `json:"buyer_id,omitempty"`
	BuyerName     string          `json:"buyer_name"`
	BuyerEmail    *string         `json:"buyer_email,omitempty"`
	Description   *string         `json:"description,omitempty"`
	TotalAmount   int64           `json:"total_amount"`
	Currency      string          `json:"currency"`
	DiscountRate  decimal.Decimal `json:"discount_rate"`
	IssueDate     time.Time       `json:"issue_date"`
	DueDate       time.Time       `json:"due_date"`
}

type ListInvoiceRequest struct {
	pagination.Pagination
	Status    Status
	SMBID     snowflake.ID
	MinAmount *int64
	MaxAmount *int64
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type ApproveResult struct {
	Invoice *Invoice      `json:"invoice"`
	Token   *InvoiceToken `json:"token"`
}

type InvoiceDetail struct {
	Invoice      *Invoice      `json:"invoice"`
	Token        *InvoiceToken `json:"token,omitempty"`
	Transactions []Transaction `json:"transactions"`
}

type Service interface {
	Create(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error)
	Submit(ctx context.Context, id snowflake.ID) (*Invoice, error)
	Approve(ctx context.Context, id snowflake.ID) (*ApproveResult, error)
	Reject(ctx context.Context, id snowflake.ID, reason string) (*Invoice, error)
	Get(ctx context.Context, id snowflake.ID) (*Invoice, error)
	Detail(ctx context.Context, id snowflake.ID) (*InvoiceDetail, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	ListPendingApproval(ctx context.Context, page pagination.Pagination) (ListInvoiceResponse, error)
}

// Tokenizer mints and lists an approved invoice, moving it to LISTED.
type Tokenizer interface {
	Tokenize(ctx context.Context, invoiceID snowflake.ID) (*InvoiceToken, error)
}

// MintReconciler resolves tokenization claims older than cutoff: a mint found
// final is persisted and the invoice listed, a mint that never landed has its
// claim released.
type MintReconciler interface {
	ReconcileMints(ctx context.Context, cutoff time.Time, limit int) (finalized, released int, err error)
}

var (
	ErrInvalidRequest       = errors.New("invalid_request")
	ErrInvalidInvoiceNumber = errors.New("invalid_invoice_number")
	ErrInvalidTotalAmount   = errors.New("invalid_total_amount")
	ErrInvalidDiscountRate  = errors.New("invalid_discount_rate")
	ErrInvalidDates         = errors.New("invalid_dates")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvoiceExists        = errors.New("invoice_exists")
	ErrInvoiceNotFound      = errors.New("invoice_not_found")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidPageToken     = errors.New("invalid_page_token")
)
