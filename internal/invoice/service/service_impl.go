package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/factora/internal/audit/domain"
	"github.com/smallbiznis/factora/internal/clock"
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
	obslogger "github.com/smallbiznis/factora/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/factora/internal/observability/metrics"
	"github.com/smallbiznis/factora/pkg/db"
	"github.com/smallbiznis/factora/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultCurrency = "USD"

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      invoicedomain.Repository
	Tokenizer invoicedomain.Tokenizer
	AuditSvc  auditdomain.Service `optional:"true"`
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	repo      invoicedomain.Repository
	tokenizer invoicedomain.Tokenizer
	auditSvc  auditdomain.Service
	metrics   *obsmetrics.Metrics
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("invoice.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		tokenizer: p.Tokenizer,
		auditSvc:  p.AuditSvc,
		metrics:   p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (*invoicedomain.Invoice, error) {
	inv, err := s.buildInvoice(req)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindByNumber(ctx, s.db, inv.InvoiceNumber)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, invoicedomain.ErrInvoiceExists
	}

	if err := s.repo.Insert(ctx, s.db, inv); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, invoicedomain.ErrInvoiceExists
		}
		return nil, err
	}

	obslogger.WithInvoice(obslogger.WithContext(ctx, s.log), inv.ID.String(), inv.InvoiceNumber).
		Info("invoice created", zap.Int64("total_amount", inv.TotalAmount))
	s.audit(ctx, auditdomain.ActionInvoiceCreated, inv, map[string]any{
		"invoice_number": inv.InvoiceNumber,
		"total_amount":   inv.TotalAmount,
	})
	return inv, nil
}

func (s *Service) buildInvoice(req invoicedomain.CreateInvoiceRequest) (*invoicedomain.Invoice, error) {
	if req.SMBID == 0 {
		return nil, invoicedomain.ErrInvalidRequest
	}
	number := strings.TrimSpace(req.InvoiceNumber)
	if number == "" {
		return nil, invoicedomain.ErrInvalidInvoiceNumber
	}
	buyerName := strings.TrimSpace(req.BuyerName)
	if buyerName == "" {
		return nil, invoicedomain.ErrInvalidRequest
	}
	if req.TotalAmount <= 0 {
		return nil, invoicedomain.ErrInvalidTotalAmount
	}
	if req.DiscountRate.IsNegative() || req.DiscountRate.GreaterThan(decimal.NewFromInt(100)) {
		return nil, invoicedomain.ErrInvalidDiscountRate
	}
	if req.IssueDate.IsZero() || req.DueDate.IsZero() || req.DueDate.Before(req.IssueDate) {
		return nil, invoicedomain.ErrInvalidDates
	}
	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	return &invoicedomain.Invoice{
		ID:            s.genID.Generate(),
		InvoiceNumber: number,
		SMBID:         req.SMBID,
		BuyerID:       trimmed(req.BuyerID),
		BuyerName:     buyerName,
		BuyerEmail:    trimmed(req.BuyerEmail),
		Description:   trimmed(req.Description),
		TotalAmount:   req.TotalAmount,
		Currency:      currency,
		DiscountRate:  req.DiscountRate.Round(2),
		IssueDate:     req.IssueDate.UTC(),
		DueDate:       req.DueDate.UTC(),
		Status:        invoicedomain.StatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *Service) Submit(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var inv *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status != invoicedomain.StatusDraft {
			return statusError(current.Status)
		}
		if err := s.transition(ctx, tx, current, invoicedomain.StatusPendingApproval, nil); err != nil {
			return err
		}
		inv = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, auditdomain.ActionInvoiceSubmitted, inv, nil)
	return inv, nil
}

// Approve stamps the approval and hands the invoice to tokenization, which
// performs the LISTED write. A DRAFT invoice is submitted first.
func (s *Service) Approve(ctx context.Context, id snowflake.ID) (*invoicedomain.ApproveResult, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status == invoicedomain.StatusDraft {
			if err := s.transition(ctx, tx, current, invoicedomain.StatusPendingApproval, nil); err != nil {
				return err
			}
		}
		if current.Status != invoicedomain.StatusPendingApproval || current.TokenizationClaimedAt != nil {
			return statusError(current.Status)
		}
		return s.repo.StampApproved(ctx, tx, id, s.clock.Now().UTC())
	})
	if err != nil {
		return nil, err
	}

	token, err := s.tokenizer.Tokenize(ctx, id)
	if err != nil {
		return nil, err
	}

	inv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, auditdomain.ActionInvoiceApproved, inv, map[string]any{
		"token_id":     token.TokenID,
		"mint_tx_hash": token.MintTxHash,
	})
	return &invoicedomain.ApproveResult{Invoice: inv, Token: token}, nil
}

// Reject cancels an invoice that has not attracted any funding.
func (s *Service) Reject(ctx context.Context, id snowflake.ID, reason string) (*invoicedomain.Invoice, error) {
	reason = strings.TrimSpace(reason)

	var inv *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		switch current.Status {
		case invoicedomain.StatusDraft:
		case invoicedomain.StatusPendingApproval:
			if current.TokenizationClaimedAt != nil {
				return fmt.Errorf("%w: tokenization in progress", invoicedomain.ErrInvalidStatus)
			}
		case invoicedomain.StatusListed:
			if current.FundedAmount > 0 {
				return fmt.Errorf("%w: invoice already has funding", invoicedomain.ErrInvalidStatus)
			}
			pending, err := s.repo.HasPendingInvestments(ctx, tx, id)
			if err != nil {
				return err
			}
			if pending {
				return fmt.Errorf("%w: investment in progress", invoicedomain.ErrInvalidStatus)
			}
		default:
			return statusError(current.Status)
		}

		now := s.clock.Now().UTC()
		fields := map[string]any{"cancelled_at": now}
		if reason != "" {
			fields["rejection_reason"] = reason
		}
		if err := s.transition(ctx, tx, current, invoicedomain.StatusCancelled, fields); err != nil {
			return err
		}
		current.CancelledAt = &now
		if reason != "" {
			current.RejectionReason = &reason
		}
		inv = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, auditdomain.ActionInvoiceRejected, inv, map[string]any{"reason": reason})
	return inv, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	inv, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return inv, nil
}

func (s *Service) Detail(ctx context.Context, id snowflake.ID) (*invoicedomain.InvoiceDetail, error) {
	inv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	token, err := s.repo.FindToken(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	txs, err := s.repo.ListTransactions(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return &invoicedomain.InvoiceDetail{Invoice: inv, Token: token, Transactions: txs}, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	if req.Status != "" && !req.Status.Valid() {
		return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidRequest
	}
	if req.MinAmount != nil && req.MaxAmount != nil && *req.MinAmount > *req.MaxAmount {
		return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidRequest
	}

	cursor, err := decodeCursor(req.Pagination)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}

	limit := req.Pagination.Limit()
	items, err := s.repo.List(ctx, s.db, invoicedomain.ListFilter{
		Status:    req.Status,
		SMBID:     req.SMBID,
		MinAmount: req.MinAmount,
		MaxAmount: req.MaxAmount,
		Cursor:    cursor,
		Limit:     limit,
	})
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}

	items, pageInfo, err := pagination.BuildCursorPageInfo(items, limit, func(item *invoicedomain.Invoice) pagination.Cursor {
		return pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	})
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}

	invoices := make([]invoicedomain.Invoice, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		invoices = append(invoices, *item)
	}
	return invoicedomain.ListInvoiceResponse{PageInfo: pageInfo, Invoices: invoices}, nil
}

func (s *Service) ListPendingApproval(ctx context.Context, page pagination.Pagination) (invoicedomain.ListInvoiceResponse, error) {
	return s.List(ctx, invoicedomain.ListInvoiceRequest{
		Pagination: page,
		Status:     invoicedomain.StatusPendingApproval,
	})
}

func (s *Service) loadForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	inv, err := s.repo.LoadForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return inv, nil
}

// transition applies a conditional status write and updates inv in place.
func (s *Service) transition(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice, to invoicedomain.Status, fields map[string]any) error {
	from := inv.Status
	ok, err := s.repo.Transition(ctx, tx, inv.ID, from, to, fields)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: invoice is no longer %s", invoicedomain.ErrInvalidStatus, from)
	}
	inv.Status = to
	s.metrics.RecordInvoiceTransition(ctx, string(from), string(to))
	return nil
}

func (s *Service) audit(ctx context.Context, action string, inv *invoicedomain.Invoice, metadata map[string]any) {
	if s.auditSvc == nil || inv == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["status"] = string(inv.Status)
	targetID := inv.ID.String()
	if err := s.auditSvc.AuditLog(ctx, "", nil, action, "invoice", &targetID, metadata); err != nil {
		s.log.Warn("failed to write invoice audit", zap.String("action", action), zap.Error(err))
	}
}

func decodeCursor(page pagination.Pagination) (*invoicedomain.Cursor, error) {
	decoded, err := page.Cursor()
	if err != nil {
		return nil, invoicedomain.ErrInvalidPageToken
	}
	if decoded == nil {
		return nil, nil
	}
	createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
	if err != nil {
		return nil, invoicedomain.ErrInvalidPageToken
	}
	id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
	if err != nil || id == 0 {
		return nil, invoicedomain.ErrInvalidPageToken
	}
	return &invoicedomain.Cursor{ID: id, CreatedAt: createdAt}, nil
}

func statusError(status invoicedomain.Status) error {
	return fmt.Errorf("%w: invoice is %s", invoicedomain.ErrInvalidStatus, status)
}

func normalizeCurrency(raw string) (string, error) {
	currency := strings.ToUpper(strings.TrimSpace(raw))
	if currency == "" {
		return defaultCurrency, nil
	}
	if len(currency) != 3 {
		return "", invoicedomain.ErrInvalidCurrency
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return "", invoicedomain.ErrInvalidCurrency
		}
	}
	return currency, nil
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}
