package tokenization

import (
	"context"
	"time"

	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/factora/internal/ledger/domain"
	obslogger "github.com/smallbiznis/factora/internal/observability/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultTxTimeout = 30 * time.Second

// ReconcileMints resolves tokenization claims held since before cutoff. A
// recorded mint found final is persisted and the invoice listed. A mint that
// failed, expired or was never recorded has its claim released so the
// invoice can be approved again.
func (e *Engine) ReconcileMints(ctx context.Context, cutoff time.Time, limit int) (finalized, released int, err error) {
	claimed, err := e.claimStale(ctx, cutoff, limit)
	if err != nil {
		return 0, 0, err
	}

	for _, inv := range claimed {
		log := obslogger.WithInvoice(obslogger.WithContext(ctx, e.log), inv.ID.String(), inv.InvoiceNumber)
		if inv.MintTxHash == nil {
			if e.release(ctx, log, inv, "no mint submission recorded") {
				released++
			}
			continue
		}

		status, err := e.gateway.TransactionStatus(ctx, *inv.MintTxHash)
		if err != nil {
			log.Error("mint status lookup failed", zap.String("tx_hash", *inv.MintTxHash), zap.Error(err))
			continue
		}
		switch {
		case status == ledgerdomain.TxStatusSuccess:
			if _, err := e.complete(ctx, log, inv, *inv.MintTxHash); err != nil {
				log.Error("reconcile tokenization failed", zap.Error(err))
				continue
			}
			finalized++
			log.Info("reconciled tokenization listed", zap.String("tx_hash", *inv.MintTxHash))
		case status == ledgerdomain.TxStatusFailed || e.txExpired(inv.UpdatedAt):
			if e.release(ctx, log, inv, "mint "+status) {
				released++
			}
		}
	}
	return finalized, released, nil
}

func (e *Engine) claimStale(ctx context.Context, cutoff time.Time, limit int) ([]*invoicedomain.Invoice, error) {
	var rows []*invoicedomain.Invoice
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := e.repo.ClaimStaleTokenizations(ctx, tx, cutoff, limit)
		if err != nil {
			return err
		}
		now := e.clock.Now().UTC()
		for _, inv := range claimed {
			if err := e.repo.TouchTokenization(ctx, tx, inv.ID, now); err != nil {
				return err
			}
		}
		rows = claimed
		return nil
	})
	return rows, err
}

func (e *Engine) release(ctx context.Context, log *zap.Logger, inv *invoicedomain.Invoice, reason string) bool {
	if err := e.repo.ReleaseTokenization(ctx, e.db, inv.ID); err != nil {
		log.Error("failed to release tokenization claim", zap.Error(err))
		return false
	}
	log.Warn("tokenization claim released", zap.String("reason", reason), zap.Stringp("mint_tx_hash", inv.MintTxHash))
	return true
}

func (e *Engine) txExpired(sentAt time.Time) bool {
	timeout := e.cfg.TxTimeout
	if timeout <= 0 {
		timeout = defaultTxTimeout
	}
	return e.clock.Now().Sub(sentAt) > timeout
}
