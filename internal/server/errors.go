package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/factora/internal/audit/domain"
	"github.com/smallbiznis/factora/internal/authorization"
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/factora/internal/ledger/domain"
	settlementdomain "github.com/smallbiznis/factora/internal/settlement/domain"
	"github.com/smallbiznis/factora/internal/tokenization"
	userdomain "github.com/smallbiznis/factora/internal/user/domain"
	"go.uber.org/zap"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized = errors.New("unauthenticated")
	ErrRateLimited  = errors.New("rate_limited")
	ErrInternal     = errors.New("internal_error")
)

const (
	typeValidation     = "validation_error"
	typeNotFound       = "not_found"
	typeInvalidStatus  = "invalid_status"
	typeConflict       = "conflict"
	typeForbidden      = "forbidden"
	typeConfig         = "config_error"
	typeLedger         = "ledger_invocation_failed"
	typeTokenization   = "tokenization_failed"
	typeUnauthorized   = "unauthenticated"
	typeNoWallet       = "no_wallet"
	typeNotTokenized   = "not_tokenized"
	typeRateLimited    = "rate_limited"
	typeInternal       = "internal_error"
	messageValidation  = "validation error"
	messageInternalErr = "internal server error"
)

type errorClass struct {
	status  int
	typ     string
	message string
}

// errorClasses is ordered: the first sentinel matched under errors.Is wins.
// Wallet sentinels precede tokenization_failed because a tokenization error
// wraps the missing-wallet cause.
var errorClasses = []struct {
	err   error
	class errorClass
}{
	{invoicedomain.ErrInvalidRequest, errorClass{http.StatusBadRequest, typeValidation, "invalid request"}},
	{userdomain.ErrInvalidName, errorClass{http.StatusBadRequest, typeValidation, "invalid request"}},
	{invoicedomain.ErrInvalidInvoiceNumber, errorClass{http.StatusBadRequest, typeValidation, "invalid invoice number"}},
	{invoicedomain.ErrInvalidTotalAmount, errorClass{http.StatusBadRequest, typeValidation, "total amount must be positive"}},
	{invoicedomain.ErrInvalidDiscountRate, errorClass{http.StatusBadRequest, typeValidation, "discount rate must be between 0 and 100"}},
	{invoicedomain.ErrInvalidDates, errorClass{http.StatusBadRequest, typeValidation, "due date must be after issue date"}},
	{invoicedomain.ErrInvalidCurrency, errorClass{http.StatusBadRequest, typeValidation, "invalid currency"}},
	{invoicedomain.ErrInvalidPageToken, errorClass{http.StatusBadRequest, typeValidation, "invalid page token"}},
	{settlementdomain.ErrInvalidAmount, errorClass{http.StatusBadRequest, typeValidation, "investment amount must be positive"}},
	{settlementdomain.ErrExceedsRemainingCapacity, errorClass{http.StatusBadRequest, typeValidation, "amount exceeds remaining capacity"}},
	{userdomain.ErrInvalidWalletAddress, errorClass{http.StatusBadRequest, typeValidation, "invalid wallet address"}},
	{userdomain.ErrInvalidEmail, errorClass{http.StatusBadRequest, typeValidation, "invalid email"}},
	{userdomain.ErrInvalidPassword, errorClass{http.StatusBadRequest, typeValidation, "password too short"}},
	{userdomain.ErrInvalidRole, errorClass{http.StatusBadRequest, typeValidation, "invalid role"}},
	{auditdomain.ErrInvalidPageToken, errorClass{http.StatusBadRequest, typeValidation, "invalid page token"}},
	{auditdomain.ErrInvalidTimeRange, errorClass{http.StatusBadRequest, typeValidation, "invalid time range"}},
	{auditdomain.ErrInvalidAction, errorClass{http.StatusBadRequest, typeValidation, "invalid action"}},

	{invoicedomain.ErrInvoiceNotFound, errorClass{http.StatusNotFound, typeNotFound, "invoice not found"}},
	{userdomain.ErrUserNotFound, errorClass{http.StatusNotFound, typeNotFound, "user not found"}},

	{invoicedomain.ErrInvalidStatus, errorClass{http.StatusConflict, typeInvalidStatus, "invoice status does not allow this operation"}},

	{invoicedomain.ErrInvoiceExists, errorClass{http.StatusConflict, typeConflict, "invoice number already used"}},
	{userdomain.ErrUserExists, errorClass{http.StatusConflict, typeConflict, "email already registered"}},
	{settlementdomain.ErrSettlementInProgress, errorClass{http.StatusConflict, typeConflict, "a settlement for this invoice is still pending"}},

	{authorization.ErrForbidden, errorClass{http.StatusForbidden, typeForbidden, "forbidden"}},

	{ErrUnauthorized, errorClass{http.StatusUnauthorized, typeUnauthorized, "authentication required"}},
	{userdomain.ErrUnauthenticated, errorClass{http.StatusUnauthorized, typeUnauthorized, "authentication required"}},
	{authorization.ErrInvalidActor, errorClass{http.StatusUnauthorized, typeUnauthorized, "authentication required"}},
	{userdomain.ErrInvalidCredentials, errorClass{http.StatusUnauthorized, typeUnauthorized, "invalid email or password"}},
	{userdomain.ErrUserInactive, errorClass{http.StatusUnauthorized, typeUnauthorized, "account is inactive"}},

	{settlementdomain.ErrNoWallet, errorClass{http.StatusBadRequest, typeNoWallet, "no wallet linked"}},
	{tokenization.ErrNoWalletLinked, errorClass{http.StatusBadRequest, typeNoWallet, "invoice owner has no wallet linked"}},
	{settlementdomain.ErrNotTokenized, errorClass{http.StatusConflict, typeNotTokenized, "invoice is not tokenized"}},

	{tokenization.ErrTokenizationFailed, errorClass{http.StatusBadGateway, typeTokenization, "tokenization failed"}},
	{ledgerdomain.ErrInvocationFailed, errorClass{http.StatusBadGateway, typeLedger, "ledger invocation failed"}},
	{ledgerdomain.ErrConfig, errorClass{http.StatusInternalServerError, typeConfig, "ledger is not configured"}},

	{ErrRateLimited, errorClass{http.StatusTooManyRequests, typeRateLimited, "too many requests"}},
}

func ErrorHandlingMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusInternalServerError && log != nil {
			log.Error("unhandled request error",
				zap.String("route", c.FullPath()),
				zap.String("code", payload.Code),
				zap.Error(lastErr.Err),
			)
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    typeInternal,
			Code:    typeInternal,
			Message: messageInternalErr,
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		code := "invalid_request"
		if len(vErr.Errors) > 0 {
			code = vErr.Errors[0].Code
		}
		return http.StatusBadRequest, errorPayload{
			Type:    typeValidation,
			Code:    code,
			Message: messageValidation,
			Errors:  vErr.Errors,
		}
	}

	for _, entry := range errorClasses {
		if errors.Is(err, entry.err) {
			return entry.class.status, errorPayload{
				Type:    entry.class.typ,
				Code:    entry.err.Error(),
				Message: entry.class.message,
			}
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    typeInternal,
		Code:    typeInternal,
		Message: messageInternalErr,
	}
}

// classifyErrorForLog feeds the request logger's error_type and error_code.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	return payload.Type, payload.Code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}
