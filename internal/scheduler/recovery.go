package scheduler

import (
	"context"

	obsmetrics "github.com/smallbiznis/factora/internal/observability/metrics"
	"go.uber.org/zap"
)

// EscrowReconcileJob sweeps investments and settlements whose flows were
// interrupted more than RecoveryThreshold ago. Every claimed record is
// stamped, so the loop ends once a batch comes back short.
func (s *Scheduler) EscrowReconcileJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cutoff := s.clock.Now().UTC().Add(-s.cfg.RecoveryThreshold)

		report, err := s.settlementSvc.Reconcile(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.reconcile.failed", JobEscrowReconcile, err)
			return err
		}

		escrows := report.EscrowsFinalized + report.EscrowsFlagged + report.EscrowsExpired
		payments := report.PaymentsFinalized + report.PaymentsFlagged + report.PaymentsExpired
		mints := report.MintsFinalized + report.MintsReleased
		run.AddProcessed(escrows + payments + mints)
		schedMetrics.AddBatchProcessed(JobEscrowReconcile, "escrow_transactions", escrows)
		schedMetrics.AddBatchProcessed(JobEscrowReconcile, "payments", payments)
		schedMetrics.AddBatchProcessed(JobEscrowReconcile, "invoices", mints)

		if report.EscrowsFlagged > 0 || report.PaymentsFlagged > 0 {
			s.logger(ctx).Warn("scheduler.reconcile.drift",
				zap.Int("escrows_flagged", report.EscrowsFlagged),
				zap.Int("payments_flagged", report.PaymentsFlagged),
			)
		}
		if report.EscrowsExpired > 0 || report.PaymentsExpired > 0 || report.MintsReleased > 0 {
			s.logger(ctx).Warn("scheduler.reconcile.expired",
				zap.Int("escrows_expired", report.EscrowsExpired),
				zap.Int("payments_expired", report.PaymentsExpired),
				zap.Int("mints_released", report.MintsReleased),
			)
		}

		if escrows < s.cfg.BatchSize && payments < s.cfg.BatchSize && mints < s.cfg.BatchSize {
			if escrows+payments+mints == 0 {
				schedMetrics.IncBatchDeferred(JobEscrowReconcile, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
			}
			return nil
		}
	}
}
