package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/factora/internal/authorization"
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
	settlementdomain "github.com/smallbiznis/factora/internal/settlement/domain"
)

const defaultReconcileLimit = 100

type investRequest struct {
	Amount        int64   `json:"amount"`
	WalletAddress *string `json:"wallet_address"`
}

type confirmPaymentRequest struct {
	PaymentAmount     int64  `json:"payment_amount"`
	PaymentMethod     string `json:"payment_method"`
	PaymentDate       string `json:"payment_date"`
	ConfirmationProof string `json:"confirmation_proof"`
}

type reconcileRequest struct {
	OlderThan string `json:"older_than"`
	Limit     int    `json:"limit"`
}

func (s *Server) Invest(c *gin.Context) {
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
	if err := s.authorize(c, authorization.ObjectInvestment, authorization.ActionInvestmentCreate, 0); err != nil {
		AbortWithError(c, err)
		return
	}

	var req investRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.settlementSvc.Invest(c.Request.Context(), settlementdomain.InvestRequest{
		InvoiceID:     id,
		InvestorID:    claims.UserID,
		Amount:        req.Amount,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": result})
}

func (s *Server) ListInvestments(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	if err := s.authorize(c, authorization.ObjectInvestment, authorization.ActionInvestmentView, claims.UserID); err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.settlementSvc.ListInvestments(c.Request.Context(), claims.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetEscrowStatus(c *gin.Context) {
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
	if err := s.authorize(c, authorization.ObjectEscrow, authorization.ActionEscrowView, inv.SMBID); err != nil {
		AbortWithError(c, err)
		return
	}

	view, err := s.settlementSvc.EscrowStatus(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": view})
}

// ConfirmPayment is authorized inside the settlement service so that denials
// are audited against the verifier on record.
func (s *Server) ConfirmPayment(c *gin.Context) {
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

	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	paymentDate, err := parseOptionalTime(req.PaymentDate, false)
	if err != nil {
		AbortWithError(c, newValidationError("payment_date", "invalid_payment_date", "invalid payment_date"))
		return
	}

	result, err := s.settlementSvc.ConfirmPayment(c.Request.Context(), settlementdomain.ConfirmPaymentRequest{
		InvoiceID:         id,
		VerifierID:        claims.UserID,
		PaymentAmount:     req.PaymentAmount,
		PaymentMethod:     strings.TrimSpace(req.PaymentMethod),
		PaymentDate:       paymentDate,
		ConfirmationProof: strings.TrimSpace(req.ConfirmationProof),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// RunReconcile sweeps pending escrow and payment rows on demand. Rows newer
// than older_than are left for their in-flight request to finish.
func (s *Server) RunReconcile(c *gin.Context) {
	if err := s.authorize(c, authorization.ObjectReconciliation, authorization.ActionReconciliationRun, 0); err != nil {
		AbortWithError(c, err)
		return
	}

	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}

	olderThan := s.cfg.Scheduler.RecoveryThreshold
	if raw := strings.TrimSpace(req.OlderThan); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			AbortWithError(c, newValidationError("older_than", "invalid_older_than", "invalid older_than"))
			return
		}
		olderThan = parsed
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}

	report, err := s.settlementSvc.Reconcile(c.Request.Context(), s.clock.Now().Add(-olderThan), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}
