package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/factora/internal/observability/metrics"
	"go.uber.org/zap"
)

type overdueInvoice struct {
	ID            snowflake.ID
	InvoiceNumber string
	DueDate       time.Time
}

// DefaultOverdueJob marks FUNDED invoices whose due date passed more than
// DefaultGracePeriod ago as defaulted. One batch per run. An invoice whose
// default fails is stamped and left out of the batch for DefaultRetryAfter,
// so failing invoices cannot hold every slot.
func (s *Scheduler) DefaultOverdueJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	cutoff := s.clock.Now().UTC().Add(-s.cfg.DefaultGracePeriod)

	invoices, err := s.fetchOverdueInvoices(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.overdue.fetch.failed", JobDefaultOverdue, err)
		return err
	}
	if len(invoices) == 0 {
		obsmetrics.Scheduler().IncBatchDeferred(JobDefaultOverdue, obsmetrics.SchedulerBatchDeferredReasonEmpty)
		return nil
	}

	var jobErr error
	processed := 0
	for _, inv := range invoices {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		fields := []zap.Field{
			zap.String("invoice_id", inv.ID.String()),
			zap.String("invoice_number", inv.InvoiceNumber),
			zap.Time("due_date", inv.DueDate),
		}
		if _, err := s.settlementSvc.MarkDefault(ctx, inv.ID, nil); err != nil {
			// paid or defaulted since the fetch
			if errors.Is(err, invoicedomain.ErrInvalidStatus) {
				continue
			}
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.overdue.default.failed", JobDefaultOverdue, err, fields...)
			if stampErr := s.stampDefaultAttempt(context.WithoutCancel(ctx), inv.ID); stampErr != nil {
				s.logSchedulerError(ctx, run, "scheduler.overdue.stamp.failed", JobDefaultOverdue, stampErr, fields...)
			}
			continue
		}
		processed++
		s.logger(ctx).Info("invoice.defaulted", fields...)
	}
	run.AddProcessed(processed)
	obsmetrics.Scheduler().AddBatchProcessed(JobDefaultOverdue, "invoices", processed)
	return jobErr
}

// fetchOverdueInvoices reads candidates without locking; MarkDefault takes
// the row lock and re-checks the status itself. Invoices whose last default
// attempt failed within DefaultRetryAfter are skipped.
func (s *Scheduler) fetchOverdueInvoices(ctx context.Context, cutoff time.Time, limit int) ([]overdueInvoice, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	var invoices []overdueInvoice
	lockStart := time.Now()
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, invoice_number, due_date
		 FROM invoices
		 WHERE status = ? AND due_date < ?
		   AND (default_attempted_at IS NULL OR default_attempted_at < ?)
		 ORDER BY due_date ASC, id ASC
		 LIMIT ?`,
		invoicedomain.StatusFunded,
		cutoff,
		s.clock.Now().UTC().Add(-s.cfg.DefaultRetryAfter),
		limit,
	).Scan(&invoices).Error
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceInvoicesOverdue, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Scheduler) stampDefaultAttempt(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE invoices SET default_attempted_at = ? WHERE id = ? AND status = ?`,
		s.clock.Now().UTC(),
		id,
		invoicedomain.StatusFunded,
	).Error
}
