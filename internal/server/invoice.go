package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/factora/internal/authorization"
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
	userdomain "github.com/smallbiznis/factora/internal/user/domain"
	"github.com/smallbiznis/factora/pkg/db/pagination"
)

type createInvoiceRequest struct {
	InvoiceNumber string          `json:"invoice_number"`
	BuyerID       *string         `json:"buyer_id"`
	BuyerName     string          `json:"buyer_name"`
	BuyerEmail    *string         `json:"buyer_email"`
	Description   *string         `json:"description"`
	TotalAmount   int64           `json:"total_amount"`
	Currency      string          `json:"currency"`
	DiscountRate  decimal.Decimal `json:"discount_rate"`
	IssueDate     string          `json:"issue_date"`
	DueDate       string          `json:"due_date"`
}

type listInvoicesQuery struct {
	pagination.Pagination
	Status    string `form:"status"`
	SMBID     string `form:"smb_id"`
	MinAmount string `form:"min_amount"`
	MaxAmount string `form:"max_amount"`
}

type rejectInvoiceRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CreateInvoice(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	if err := s.authorize(c, authorization.ObjectInvoice, authorization.ActionInvoiceCreate, 0); err != nil {
		AbortWithError(c, err)
		return
	}

	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	issueDate, err := parseOptionalTime(req.IssueDate, false)
	if err != nil || issueDate == nil {
		AbortWithError(c, newValidationError("issue_date", "invalid_dates", "invalid issue_date"))
		return
	}
	dueDate, err := parseOptionalTime(req.DueDate, false)
	if err != nil || dueDate == nil {
		AbortWithError(c, newValidationError("due_date", "invalid_dates", "invalid due_date"))
		return
	}

	inv, err := s.invoiceSvc.Create(c.Request.Context(), invoicedomain.CreateInvoiceRequest{
		SMBID:         claims.UserID,
		InvoiceNumber: req.InvoiceNumber,
		BuyerID:       req.BuyerID,
		BuyerName:     req.BuyerName,
		BuyerEmail:    req.BuyerEmail,
		Description:   req.Description,
		TotalAmount:   req.TotalAmount,
		Currency:      req.Currency,
		DiscountRate:  req.DiscountRate,
		IssueDate:     *issueDate,
		DueDate:       *dueDate,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": inv})
}

// ListInvoices pins SMB callers to their own invoices; other roles may filter
// by any owner.
func (s *Server) ListInvoices(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query listInvoicesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	smbID, err := parseOptionalSnowflakeID(query.SMBID)
	if err != nil {
		AbortWithError(c, newValidationError("smb_id", "invalid_smb_id", "invalid smb_id"))
		return
	}
	minAmount, err := parseOptionalInt64(query.MinAmount)
	if err != nil {
		AbortWithError(c, newValidationError("min_amount", "invalid_min_amount", "invalid min_amount"))
		return
	}
	maxAmount, err := parseOptionalInt64(query.MaxAmount)
	if err != nil {
		AbortWithError(c, newValidationError("max_amount", "invalid_max_amount", "invalid max_amount"))
		return
	}

	req := invoicedomain.ListInvoiceRequest{
		Pagination: query.Pagination,
		Status:     invoicedomain.Status(strings.ToUpper(strings.TrimSpace(query.Status))),
		MinAmount:  minAmount,
		MaxAmount:  maxAmount,
	}
	if smbID != nil {
		req.SMBID = *smbID
	}
	if claims.Role == userdomain.RoleSMB {
		req.SMBID = claims.UserID
	}

	if err := s.authorize(c, authorization.ObjectInvoice, authorization.ActionInvoiceView, req.SMBID); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.invoiceSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Invoices, "page_info": resp.PageInfo})
}

func (s *Server) GetInvoice(c *gin.Context) {
	id, err := idParam(c, invoicedomain.ErrInvoiceNotFound)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	detail, err := s.invoiceSvc.Detail(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, authorization.ObjectInvoice, authorization.ActionInvoiceView, detail.Invoice.SMBID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": detail})
}

func (s *Server) SubmitInvoice(c *gin.Context) {
	id, err := idParam(c, invoicedomain.ErrInvoiceNotFound)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	inv, err := s.invoiceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, authorization.ObjectInvoice, authorization.ActionInvoiceSubmit, inv.SMBID); err != nil {
		AbortWithError(c, err)
		return
	}

	submitted, err := s.invoiceSvc.Submit(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": submitted})
}

func (s *Server) ListPendingInvoices(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := s.authorize(c, authorization.ObjectInvoice, authorization.ActionInvoiceApprove, 0); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.invoiceSvc.ListPendingApproval(c.Request.Context(), page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Invoices, "page_info": resp.PageInfo})
}

func (s *Server) ApproveInvoice(c *gin.Context) {
	id, err := idParam(c, invoicedomain.ErrInvoiceNotFound)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, authorization.ObjectInvoice, authorization.ActionInvoiceApprove, 0); err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.invoiceSvc.Approve(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) RejectInvoice(c *gin.Context) {
	id, err := idParam(c, invoicedomain.ErrInvoiceNotFound)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, authorization.ObjectInvoice, authorization.ActionInvoiceReject, 0); err != nil {
		AbortWithError(c, err)
		return
	}

	var req rejectInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}

	inv, err := s.invoiceSvc.Reject(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": inv})
}

func (s *Server) MarkInvoiceDefault(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	id, err := idParam(c, invoicedomain.ErrInvoiceNotFound)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, authorization.ObjectInvoice, authorization.ActionInvoiceDefault, 0); err != nil {
		AbortWithError(c, err)
		return
	}

	actorID := claims.UserID
	inv, err := s.settlementSvc.MarkDefault(c.Request.Context(), id, &actorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": inv})
}
