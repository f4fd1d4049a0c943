package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/factora/internal/audit/domain"
	"github.com/smallbiznis/factora/internal/authorization"
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/factora/internal/ledger/domain"
	obslogger "github.com/smallbiznis/factora/internal/observability/logger"
	"github.com/smallbiznis/factora/internal/payout"
	settlementdomain "github.com/smallbiznis/factora/internal/settlement/domain"
	userdomain "github.com/smallbiznis/factora/internal/user/domain"
	"github.com/smallbiznis/factora/pkg/db"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ConfirmPayment records the verifier's off-chain payment confirmation,
// releases escrow on chain and settles every funded contribution.
func (s *Service) ConfirmPayment(ctx context.Context, req settlementdomain.ConfirmPaymentRequest) (result *settlementdomain.ConfirmPaymentResult, err error) {
	defer func() { s.metrics.RecordSettlement(ctx, err) }()

	verifier, err := s.users.FindOne(ctx, &userdomain.User{ID: req.VerifierID})
	if err != nil {
		return nil, err
	}
	if verifier == nil {
		return nil, userdomain.ErrUserNotFound
	}
	if err := s.authz.Authorize(ctx, authorization.Subject{
		UserID: verifier.ID.String(),
		Role:   verifier.Role,
	}, authorization.ObjectPayment, authorization.ActionPaymentConfirm, authorization.Resource{}); err != nil {
		return nil, err
	}

	signer, err := s.gateway.SignerAddress()
	if err != nil {
		return nil, err
	}
	if s.cfg.Contracts.Escrow == "" {
		return nil, fmt.Errorf("%w: escrow contract is required", ledgerdomain.ErrConfig)
	}
	if req.PaymentAmount <= 0 {
		return nil, settlementdomain.ErrInvalidAmount
	}

	now := s.clock.Now().UTC()
	payment := &settlementdomain.Payment{
		ID:                s.genID.Generate(),
		InvoiceID:         req.InvoiceID,
		VerifierID:        verifier.ID,
		PaymentAmount:     req.PaymentAmount,
		PaymentMethod:     optional(req.PaymentMethod),
		ConfirmationProof: optional(req.ConfirmationProof),
		Status:            settlementdomain.PaymentPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.PaymentDate != nil {
		paid := req.PaymentDate.UTC()
		payment.PaymentDate = &paid
	}

	var inv *invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err = s.invoices.LoadForUpdate(ctx, tx, req.InvoiceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if inv.Status != invoicedomain.StatusFunded {
			return fmt.Errorf("%w: invoice is %s", invoicedomain.ErrInvalidStatus, inv.Status)
		}
		pending, err := s.repo.HasPendingPayment(ctx, tx, inv.ID)
		if err != nil {
			return err
		}
		if pending {
			return settlementdomain.ErrSettlementInProgress
		}
		if err := s.repo.InsertPayment(ctx, tx, payment); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return settlementdomain.ErrSettlementInProgress
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := obslogger.WithInvoice(obslogger.WithContext(ctx, s.log), inv.ID.String(), inv.InvoiceNumber).
		With(zap.String("payment_id", payment.ID.String()))

	releaseHash, err := s.gateway.Invoke(ctx, s.cfg.Contracts.Escrow, "release_payment", ledgerdomain.Address(signer))
	if err != nil {
		writeCtx := context.WithoutCancel(ctx)
		if hash, pending := ledgerdomain.PendingTxHash(err); pending {
			// The release may still land; the payment stays PENDING for the reconciler.
			log.Warn("release submitted without observed finality", zap.String("tx_hash", hash), zap.Error(err))
			if recErr := s.repo.RecordReleaseTx(writeCtx, s.db, payment.ID, hash, s.clock.Now().UTC()); recErr != nil {
				log.Error("failed to record unconfirmed release", zap.String("tx_hash", hash), zap.Error(recErr))
			}
			return nil, err
		}
		if failErr := s.repo.FailPayment(writeCtx, s.db, payment.ID, err.Error(), s.clock.Now().UTC()); failErr != nil {
			log.Error("failed to mark payment failed", zap.Error(failErr))
		}
		return nil, err
	}
	if err := s.repo.SetPaymentRelease(ctx, s.db, payment.ID, releaseHash, s.clock.Now().UTC()); err != nil {
		log.Error("release confirmed on chain but not recorded", zap.String("tx_hash", releaseHash), zap.Error(err))
		return nil, err
	}

	payouts, err := s.finalizeSettlement(ctx, payment.ID, releaseHash)
	if err != nil {
		log.Error("settlement not finalized", zap.String("tx_hash", releaseHash), zap.Error(err))
		return nil, err
	}
	log.Info("payment settled", zap.String("tx_hash", releaseHash), zap.Int("payouts", len(payouts)))

	s.audit(ctx, auditdomain.ActionPaymentConfirmed, "invoice", inv.ID.String(), map[string]any{
		"payment_id":         payment.ID.String(),
		"payment_amount":     payment.PaymentAmount,
		"release_tx_hash":    releaseHash,
		"confirmation_proof": req.ConfirmationProof,
		"payouts":            len(payouts),
	})

	storedPayment, err := s.repo.FindPayment(ctx, s.db, payment.ID)
	if err != nil {
		return nil, err
	}
	updated, err := s.invoices.FindByID(ctx, s.db, inv.ID)
	if err != nil {
		return nil, err
	}
	return &settlementdomain.ConfirmPaymentResult{
		Payment:         storedPayment,
		Invoice:         updated,
		Payouts:         payouts,
		TransactionHash: releaseHash,
	}, nil
}

// finalizeSettlement persists a confirmed release: a payout pair per funded
// contribution, released escrows, the PAID invoice and the confirmed payment.
// Running it again for a confirmed payment only returns the payouts.
func (s *Service) finalizeSettlement(ctx context.Context, paymentID snowflake.ID, releaseHash string) ([]payout.Payout, error) {
	var (
		pairs []payout.Payout
		paid  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.repo.LoadPaymentForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return fmt.Errorf("payment %s not found", paymentID)
		}
		if payment.Status != settlementdomain.PaymentPending {
			pairs, err = s.repo.ListPayouts(ctx, tx, payment.InvoiceID)
			return err
		}

		inv, err := s.invoices.LoadForUpdate(ctx, tx, payment.InvoiceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return invoicedomain.ErrInvoiceNotFound
		}

		escrows, err := s.repo.ListEscrows(ctx, tx, inv.ID)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		for _, e := range escrows {
			if e.Status != settlementdomain.EscrowFunded {
				continue
			}
			pair, err := payout.Payouts(payout.Contribution{
				EscrowTransactionID: e.ID,
				InvestorID:          e.InvestorID,
				Amount:              e.Amount,
			}, inv)
			if err != nil {
				return fmt.Errorf("compute payouts for escrow %s: %w", e.ID, err)
			}
			for i := range pair {
				pair[i].ID = s.genID.Generate()
				pair[i].CreatedAt = now
			}
			payout.Complete(pair, releaseHash, now)
			pairs = append(pairs, pair...)
		}
		if err := s.repo.InsertPayouts(ctx, tx, pairs); err != nil {
			return err
		}
		if _, err := s.repo.ReleaseEscrows(ctx, tx, inv.ID, releaseHash, now); err != nil {
			return err
		}

		if inv.Status == invoicedomain.StatusFunded {
			paid, err = s.invoices.Transition(ctx, tx, inv.ID, invoicedomain.StatusFunded, invoicedomain.StatusPaid, map[string]any{
				"paid_at":    now,
				"updated_at": now,
			})
			if err != nil {
				return err
			}
		}

		ok, err := s.repo.TransitionPayment(ctx, tx, payment.ID, settlementdomain.PaymentPending, settlementdomain.PaymentConfirmed, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("payment %s changed during settlement", paymentID)
		}

		verifierID := payment.VerifierID
		return s.invoices.InsertTransaction(ctx, tx, &invoicedomain.Transaction{
			ID:         s.genID.Generate(),
			InvoiceID:  inv.ID,
			Type:       invoicedomain.TransactionPaymentRelease,
			Status:     invoicedomain.TransactionStatusConfirmed,
			TxHash:     releaseHash,
			Amount:     payment.PaymentAmount,
			FromUserID: &verifierID,
			Metadata: datatypes.JSONMap{
				"payment_id": payment.ID.String(),
				"payouts":    len(pairs),
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	if paid {
		s.metrics.RecordInvoiceTransition(ctx, string(invoicedomain.StatusFunded), string(invoicedomain.StatusPaid))
	}
	return pairs, nil
}

// MarkDefault triggers the escrow default path for a FUNDED invoice whose
// buyer did not pay. actorID is nil for scheduler-driven defaults.
func (s *Service) MarkDefault(ctx context.Context, invoiceID snowflake.ID, actorID *snowflake.ID) (*invoicedomain.Invoice, error) {
	signer, err := s.gateway.SignerAddress()
	if err != nil {
		return nil, err
	}
	if s.cfg.Contracts.Escrow == "" {
		return nil, fmt.Errorf("%w: escrow contract is required", ledgerdomain.ErrConfig)
	}

	inv, err := s.invoices.FindByID(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if inv.Status != invoicedomain.StatusFunded {
		return nil, fmt.Errorf("%w: invoice is %s", invoicedomain.ErrInvalidStatus, inv.Status)
	}
	pending, err := s.repo.HasPendingPayment(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, settlementdomain.ErrSettlementInProgress
	}

	log := obslogger.WithInvoice(obslogger.WithContext(ctx, s.log), inv.ID.String(), inv.InvoiceNumber)
	txHash, err := s.gateway.Invoke(ctx, s.cfg.Contracts.Escrow, "handle_default", ledgerdomain.Address(signer))
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.invoices.Transition(ctx, tx, inv.ID, invoicedomain.StatusFunded, invoicedomain.StatusDefault, map[string]any{
			"defaulted_at": now,
			"updated_at":   now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: invoice left FUNDED before default was recorded", invoicedomain.ErrInvalidStatus)
		}
		if _, err := s.repo.DefaultEscrows(ctx, tx, inv.ID, now); err != nil {
			return err
		}
		return s.invoices.InsertTransaction(ctx, tx, &invoicedomain.Transaction{
			ID:         s.genID.Generate(),
			InvoiceID:  inv.ID,
			Type:       invoicedomain.TransactionDefault,
			Status:     invoicedomain.TransactionStatusConfirmed,
			TxHash:     txHash,
			Amount:     inv.FundedAmount,
			FromUserID: actorID,
			CreatedAt:  now,
		})
	})
	if err != nil {
		log.Error("default confirmed on chain but not recorded", zap.String("tx_hash", txHash), zap.Error(err))
		return nil, err
	}
	s.metrics.RecordInvoiceTransition(ctx, string(invoicedomain.StatusFunded), string(invoicedomain.StatusDefault))
	log.Warn("invoice defaulted", zap.String("tx_hash", txHash))

	metadata := map[string]any{"tx_hash": txHash, "funded_amount": inv.FundedAmount}
	if actorID != nil {
		metadata["marked_by"] = actorID.String()
	}
	s.audit(ctx, auditdomain.ActionInvoiceDefaulted, "invoice", inv.ID.String(), metadata)

	return s.invoices.FindByID(ctx, s.db, inv.ID)
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

