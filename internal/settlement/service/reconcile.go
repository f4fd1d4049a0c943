package service

import (
	"context"
	"strings"
	"time"

	auditdomain "github.com/smallbiznis/factora/internal/audit/domain"
	ledgerdomain "github.com/smallbiznis/factora/internal/ledger/domain"
	settlementdomain "github.com/smallbiznis/factora/internal/settlement/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultReconcileBatch = 50

// defaultTxTimeout mirrors the ledger gateway's envelope validity window.
const defaultTxTimeout = 30 * time.Second

const (
	driftPurchaseMissing = "purchase_missing"
	driftReleaseMissing  = "release_missing"
)

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeFinalized
	outcomeFlagged
	outcomeExpired
)

// Reconcile sweeps settlement records left behind by interrupted flows that
// are older than cutoff. Submitted transactions whose finality was never
// observed are looked up on the ledger first. Records whose ledger effects
// are all confirmed are finalized, intents whose deposit never landed are
// expired, and the rest are flagged for an operator. Nothing on chain is
// rolled back.
func (s *Service) Reconcile(ctx context.Context, cutoff time.Time, limit int) (settlementdomain.ReconcileReport, error) {
	if limit <= 0 {
		limit = defaultReconcileBatch
	}
	var report settlementdomain.ReconcileReport

	if s.mints != nil {
		finalized, released, err := s.mints.ReconcileMints(ctx, cutoff, limit)
		if err != nil {
			return report, err
		}
		report.MintsFinalized = finalized
		report.MintsReleased = released
	}

	escrows, err := s.claimEscrows(ctx, cutoff, limit)
	if err != nil {
		return report, err
	}
	for _, e := range escrows {
		log := s.log.With(
			zap.String("escrow_transaction_id", e.ID.String()),
			zap.String("invoice_id", e.InvoiceID.String()),
		)
		result, err := s.reconcileEscrow(ctx, log, e)
		if err != nil {
			log.Error("reconcile escrow failed", zap.Error(err))
			continue
		}
		switch result {
		case outcomeFinalized:
			report.EscrowsFinalized++
			log.Info("reconciled investment finalized")
		case outcomeFlagged:
			report.EscrowsFlagged++
		case outcomeExpired:
			report.EscrowsExpired++
		}
	}

	payments, err := s.claimPayments(ctx, cutoff, limit)
	if err != nil {
		return report, err
	}
	for _, p := range payments {
		log := s.log.With(
			zap.String("payment_id", p.ID.String()),
			zap.String("invoice_id", p.InvoiceID.String()),
		)
		result, err := s.reconcilePayment(ctx, log, p)
		if err != nil {
			log.Error("reconcile payment failed", zap.Error(err))
			continue
		}
		switch result {
		case outcomeFinalized:
			report.PaymentsFinalized++
			log.Info("reconciled settlement finalized")
		case outcomeFlagged:
			report.PaymentsFlagged++
		case outcomeExpired:
			report.PaymentsExpired++
		}
	}

	return report, nil
}

// reconcileEscrow walks one PENDING intent through its ledger legs. A leg
// with a recorded hash but no confirmation is resolved against the ledger.
func (s *Service) reconcileEscrow(ctx context.Context, log *zap.Logger, e settlementdomain.EscrowTransaction) (outcome, error) {
	if e.DepositConfirmedAt == nil {
		if e.DepositTxHash == nil {
			return s.expireEscrow(ctx, log, e, "deposit was never submitted")
		}
		status, err := s.gateway.TransactionStatus(ctx, *e.DepositTxHash)
		if err != nil {
			return outcomeSkipped, err
		}
		switch {
		case status == ledgerdomain.TxStatusSuccess:
			now := s.clock.Now().UTC()
			ok, err := s.repo.ConfirmDeposit(ctx, s.db, e.ID, *e.DepositTxHash, now)
			if err != nil || !ok {
				return outcomeSkipped, err
			}
			e.DepositConfirmedAt = &now
			log.Info("unconfirmed deposit found final", zap.String("tx_hash", *e.DepositTxHash))
		case status == ledgerdomain.TxStatusFailed || s.txExpired(e.UpdatedAt):
			return s.expireEscrow(ctx, log, e, "deposit "+strings.ToLower(status))
		default:
			return outcomeSkipped, nil
		}
	}

	if e.PurchaseConfirmedAt == nil && e.PurchaseTxHash != nil {
		status, err := s.gateway.TransactionStatus(ctx, *e.PurchaseTxHash)
		if err != nil {
			return outcomeSkipped, err
		}
		switch {
		case status == ledgerdomain.TxStatusSuccess:
			now := s.clock.Now().UTC()
			if err := s.repo.ConfirmPurchase(ctx, s.db, e.ID, *e.PurchaseTxHash, now); err != nil {
				return outcomeSkipped, err
			}
			e.PurchaseConfirmedAt = &now
		case status == ledgerdomain.TxStatusFailed || s.txExpired(e.UpdatedAt):
			// The deposit is held without a purchase: drift.
		default:
			return outcomeSkipped, nil
		}
	}

	if e.BothLegsConfirmed() {
		if _, _, err := s.finalizeInvestment(ctx, e.ID); err != nil {
			return outcomeSkipped, err
		}
		return outcomeFinalized, nil
	}
	if err := s.flagEscrow(ctx, log, e); err != nil {
		return outcomeSkipped, err
	}
	return outcomeFlagged, nil
}

// expireEscrow fails an intent whose deposit is known not to have landed,
// freeing the capacity it held.
func (s *Service) expireEscrow(ctx context.Context, log *zap.Logger, e settlementdomain.EscrowTransaction, reason string) (outcome, error) {
	if err := s.repo.FailEscrow(ctx, s.db, e.ID, reason, s.clock.Now().UTC()); err != nil {
		return outcomeSkipped, err
	}
	log.Warn("escrow intent expired", zap.String("reason", reason), zap.Stringp("deposit_tx_hash", e.DepositTxHash))
	s.audit(ctx, auditdomain.ActionEscrowExpired, "escrow_transaction", e.ID.String(), map[string]any{
		"invoice_id":      e.InvoiceID.String(),
		"investor_id":     e.InvestorID.String(),
		"amount":          e.Amount,
		"reason":          reason,
		"deposit_tx_hash": deref(e.DepositTxHash),
	})
	return outcomeExpired, nil
}

func (s *Service) reconcilePayment(ctx context.Context, log *zap.Logger, p settlementdomain.Payment) (outcome, error) {
	switch {
	case p.ReleasedAt != nil && p.ReleaseTxHash != nil:
	case p.ReleaseTxHash != nil:
		status, err := s.gateway.TransactionStatus(ctx, *p.ReleaseTxHash)
		if err != nil {
			return outcomeSkipped, err
		}
		switch {
		case status == ledgerdomain.TxStatusSuccess:
			if err := s.repo.SetPaymentRelease(ctx, s.db, p.ID, *p.ReleaseTxHash, s.clock.Now().UTC()); err != nil {
				return outcomeSkipped, err
			}
			log.Info("unconfirmed release found final", zap.String("tx_hash", *p.ReleaseTxHash))
		case status == ledgerdomain.TxStatusFailed || s.txExpired(p.UpdatedAt):
			reason := "release " + strings.ToLower(status)
			if err := s.repo.FailPayment(ctx, s.db, p.ID, reason, s.clock.Now().UTC()); err != nil {
				return outcomeSkipped, err
			}
			log.Warn("payment release did not land", zap.String("tx_hash", *p.ReleaseTxHash), zap.String("status", status))
			s.audit(ctx, auditdomain.ActionPaymentFailed, "payment", p.ID.String(), map[string]any{
				"invoice_id":      p.InvoiceID.String(),
				"reason":          reason,
				"release_tx_hash": *p.ReleaseTxHash,
			})
			return outcomeExpired, nil
		default:
			return outcomeSkipped, nil
		}
	default:
		if err := s.flagPayment(ctx, log, p); err != nil {
			return outcomeSkipped, err
		}
		return outcomeFlagged, nil
	}

	if _, err := s.finalizeSettlement(ctx, p.ID, *p.ReleaseTxHash); err != nil {
		return outcomeSkipped, err
	}
	return outcomeFinalized, nil
}

// txExpired reports whether an envelope submitted at sentAt is past its
// validity window, so NOT_FOUND is final.
func (s *Service) txExpired(sentAt time.Time) bool {
	timeout := s.cfg.TxTimeout
	if timeout <= 0 {
		timeout = defaultTxTimeout
	}
	return s.clock.Now().Sub(sentAt) > timeout
}

// claimEscrows locks a batch and stamps last_reconciled_at so concurrent
// sweepers skip it. Ledger reads happen after the claim commits.
func (s *Service) claimEscrows(ctx context.Context, cutoff time.Time, limit int) ([]settlementdomain.EscrowTransaction, error) {
	var rows []settlementdomain.EscrowTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := s.repo.ClaimStaleEscrows(ctx, tx, cutoff, limit)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		for _, e := range claimed {
			if err := s.repo.TouchEscrow(ctx, tx, e.ID, now); err != nil {
				return err
			}
		}
		rows = claimed
		return nil
	})
	return rows, err
}

func (s *Service) claimPayments(ctx context.Context, cutoff time.Time, limit int) ([]settlementdomain.Payment, error) {
	var rows []settlementdomain.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := s.repo.ClaimStalePayments(ctx, tx, cutoff, limit)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		for _, p := range claimed {
			if err := s.repo.TouchPayment(ctx, tx, p.ID, now); err != nil {
				return err
			}
		}
		rows = claimed
		return nil
	})
	return rows, err
}

func (s *Service) flagEscrow(ctx context.Context, log *zap.Logger, e settlementdomain.EscrowTransaction) error {
	if err := s.repo.FlagEscrow(ctx, s.db, e.ID, s.clock.Now().UTC()); err != nil {
		return err
	}
	if e.ReconcileFlaggedAt != nil {
		return nil
	}

	onchain := s.readString(ctx, "get_total_deposited")
	log.Warn("escrow drift: deposit confirmed without purchase",
		zap.Stringp("deposit_tx_hash", e.DepositTxHash),
		zap.Stringp("purchase_tx_hash", e.PurchaseTxHash),
		zap.Stringp("onchain_total_deposited", onchain),
	)
	s.metrics.RecordReconcileDrift(ctx, driftPurchaseMissing)
	s.audit(ctx, auditdomain.ActionEscrowDrift, "escrow_transaction", e.ID.String(), map[string]any{
		"invoice_id":              e.InvoiceID.String(),
		"investor_id":             e.InvestorID.String(),
		"amount":                  e.Amount,
		"deposit_tx_hash":         deref(e.DepositTxHash),
		"purchase_tx_hash":        deref(e.PurchaseTxHash),
		"onchain_total_deposited": derefOr(onchain, "unknown"),
	})
	return nil
}

func (s *Service) flagPayment(ctx context.Context, log *zap.Logger, p settlementdomain.Payment) error {
	if err := s.repo.FlagPayment(ctx, s.db, p.ID, s.clock.Now().UTC()); err != nil {
		return err
	}
	if p.ReconcileFlaggedAt != nil {
		return nil
	}

	onchain := s.readString(ctx, "get_status")
	log.Warn("settlement drift: payment pending without release",
		zap.Stringp("onchain_status", onchain),
	)
	s.metrics.RecordReconcileDrift(ctx, driftReleaseMissing)
	s.audit(ctx, auditdomain.ActionSettlementDrift, "payment", p.ID.String(), map[string]any{
		"invoice_id":     p.InvoiceID.String(),
		"payment_amount": p.PaymentAmount,
		"onchain_status": derefOr(onchain, "unknown"),
	})
	return nil
}

func derefOr(v *string, fallback string) string {
	if v == nil {
		return fallback
	}
	return *v
}
