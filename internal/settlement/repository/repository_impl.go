package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/factora/internal/payout"
	"github.com/smallbiznis/factora/internal/settlement/domain"
	"gorm.io/gorm"
)

const escrowColumns = `id, invoice_id, investor_id, wallet_address, amount, status,
	deposit_tx_hash, deposit_confirmed_at, purchase_tx_hash, purchase_confirmed_at,
	release_tx_hash, released_at, failure_reason, reconcile_flagged_at,
	last_reconciled_at, created_at, updated_at`

const paymentColumns = `id, invoice_id, verifier_id, payment_amount, payment_method,
	payment_date, confirmation_proof, status, release_tx_hash, released_at,
	failure_reason, reconcile_flagged_at, last_reconciled_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEscrow(ctx context.Context, db *gorm.DB, e *domain.EscrowTransaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO escrow_transactions (
			id, invoice_id, investor_id, wallet_address, amount, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.InvoiceID,
		e.InvestorID,
		e.WalletAddress,
		e.Amount,
		e.Status,
		e.CreatedAt,
		e.UpdatedAt,
	).Error
}

func (r *repo) FindEscrow(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.EscrowTransaction, error) {
	return r.scanEscrow(ctx, db, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = ?`, id)
}

func (r *repo) LoadEscrowForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.EscrowTransaction, error) {
	return r.scanEscrow(ctx, db, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = ? FOR UPDATE`, id)
}

func (r *repo) scanEscrow(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.EscrowTransaction, error) {
	var row domain.EscrowTransaction
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) ListEscrows(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.EscrowTransaction, error) {
	var rows []domain.EscrowTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+escrowColumns+`
		 FROM escrow_transactions
		 WHERE invoice_id = ?
		 ORDER BY created_at ASC, id ASC`,
		invoiceID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) PendingEscrowAmount(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM escrow_transactions
		 WHERE invoice_id = ? AND status = ?`,
		invoiceID,
		domain.EscrowPending,
	).Scan(&total).Error
	return total, err
}

// RecordDepositTx stores a submitted deposit whose finality was not observed.
func (r *repo) RecordDepositTx(ctx context.Context, db *gorm.DB, id snowflake.ID, txHash string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE escrow_transactions
		 SET deposit_tx_hash = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND deposit_confirmed_at IS NULL`,
		txHash,
		at,
		id,
		domain.EscrowPending,
	).Error
}

// ConfirmDeposit reports false when the intent is no longer PENDING or the
// deposit was already confirmed.
func (r *repo) ConfirmDeposit(ctx context.Context, db *gorm.DB, id snowflake.ID, txHash string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE escrow_transactions
		 SET deposit_tx_hash = ?, deposit_confirmed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND deposit_confirmed_at IS NULL`,
		txHash,
		at,
		at,
		id,
		domain.EscrowPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) RecordPurchaseTx(ctx context.Context, db *gorm.DB, id snowflake.ID, txHash string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE escrow_transactions
		 SET purchase_tx_hash = ?, updated_at = ?
		 WHERE id = ? AND purchase_confirmed_at IS NULL`,
		txHash,
		at,
		id,
	).Error
}

func (r *repo) ConfirmPurchase(ctx context.Context, db *gorm.DB, id snowflake.ID, txHash string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE escrow_transactions
		 SET purchase_tx_hash = ?, purchase_confirmed_at = ?, updated_at = ?
		 WHERE id = ? AND purchase_confirmed_at IS NULL`,
		txHash,
		at,
		at,
		id,
	).Error
}

func (r *repo) FailEscrow(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE escrow_transactions
		 SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND deposit_confirmed_at IS NULL`,
		domain.EscrowFailed,
		reason,
		at,
		id,
		domain.EscrowPending,
	).Error
}

func (r *repo) TransitionEscrow(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.EscrowStatus, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE escrow_transactions
		 SET status = ?, updated_at = ?, last_reconciled_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		at,
		at,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ReleaseEscrows(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, txHash string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE escrow_transactions
		 SET status = ?, release_tx_hash = ?, released_at = ?, updated_at = ?
		 WHERE invoice_id = ? AND status = ?`,
		domain.EscrowReleased,
		txHash,
		at,
		at,
		invoiceID,
		domain.EscrowFunded,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) DefaultEscrows(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE escrow_transactions
		 SET status = ?, updated_at = ?
		 WHERE invoice_id = ? AND status = ?`,
		domain.EscrowDefaulted,
		at,
		invoiceID,
		domain.EscrowFunded,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) FlagEscrow(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE escrow_transactions
		 SET reconcile_flagged_at = COALESCE(reconcile_flagged_at, ?), last_reconciled_at = ?, updated_at = ?
		 WHERE id = ?`,
		at,
		at,
		at,
		id,
	).Error
}

func (r *repo) TouchEscrow(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE escrow_transactions SET last_reconciled_at = ? WHERE id = ?`,
		at,
		id,
	).Error
}

// ClaimStaleEscrows locks PENDING intents older than cutoff, whatever the
// state of their ledger legs. Rows seen by an earlier sweep after cutoff are
// skipped.
func (r *repo) ClaimStaleEscrows(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.EscrowTransaction, error) {
	var rows []domain.EscrowTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+escrowColumns+`
		 FROM escrow_transactions
		 WHERE status = ?
		   AND created_at < ?
		   AND (last_reconciled_at IS NULL OR last_reconciled_at < ?)
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		domain.EscrowPending,
		cutoff,
		cutoff,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) InsertOwnership(ctx context.Context, db *gorm.DB, o *domain.TokenOwnership) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO token_ownerships (
			id, investor_id, token_id, invoice_id, escrow_transaction_id, amount,
			purchase_rate, tx_hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID,
		o.InvestorID,
		o.TokenID,
		o.InvoiceID,
		o.EscrowTransactionID,
		o.Amount,
		o.PurchaseRate,
		o.TxHash,
		o.CreatedAt,
	).Error
}

func (r *repo) FindOwnershipByEscrow(ctx context.Context, db *gorm.DB, escrowID snowflake.ID) (*domain.TokenOwnership, error) {
	var row domain.TokenOwnership
	err := db.WithContext(ctx).
		Where("escrow_transaction_id = ?", escrowID).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) ListOwnerships(ctx context.Context, db *gorm.DB, investorID snowflake.ID) ([]domain.TokenOwnership, error) {
	var rows []domain.TokenOwnership
	err := db.WithContext(ctx).
		Where("investor_id = ?", investorID).
		Order("created_at desc, id desc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, p *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, invoice_id, verifier_id, payment_amount, payment_method, payment_date,
			confirmation_proof, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.InvoiceID,
		p.VerifierID,
		p.PaymentAmount,
		p.PaymentMethod,
		p.PaymentDate,
		p.ConfirmationProof,
		p.Status,
		p.CreatedAt,
		p.UpdatedAt,
	).Error
}

func (r *repo) FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return r.scanPayment(ctx, db, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
}

func (r *repo) LoadPaymentForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return r.scanPayment(ctx, db, `SELECT `+paymentColumns+` FROM payments WHERE id = ? FOR UPDATE`, id)
}

func (r *repo) scanPayment(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Payment, error) {
	var row domain.Payment
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) HasPendingPayment(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM payments WHERE invoice_id = ? AND status = ?`,
		invoiceID,
		domain.PaymentPending,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecordReleaseTx stores a submitted release whose finality was not observed.
func (r *repo) RecordReleaseTx(ctx context.Context, db *gorm.DB, id snowflake.ID, txHash string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET release_tx_hash = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND released_at IS NULL`,
		txHash,
		at,
		id,
		domain.PaymentPending,
	).Error
}

func (r *repo) SetPaymentRelease(ctx context.Context, db *gorm.DB, id snowflake.ID, txHash string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET release_tx_hash = ?, released_at = ?, updated_at = ?
		 WHERE id = ? AND released_at IS NULL`,
		txHash,
		at,
		at,
		id,
	).Error
}

func (r *repo) FailPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND released_at IS NULL`,
		domain.PaymentFailed,
		reason,
		at,
		id,
		domain.PaymentPending,
	).Error
}

func (r *repo) TransitionPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.PaymentStatus, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, updated_at = ?, last_reconciled_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		at,
		at,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FlagPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET reconcile_flagged_at = COALESCE(reconcile_flagged_at, ?), last_reconciled_at = ?, updated_at = ?
		 WHERE id = ?`,
		at,
		at,
		at,
		id,
	).Error
}

func (r *repo) TouchPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments SET last_reconciled_at = ? WHERE id = ?`,
		at,
		id,
	).Error
}

func (r *repo) ClaimStalePayments(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Payment, error) {
	var rows []domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE status = ?
		   AND created_at < ?
		   AND (last_reconciled_at IS NULL OR last_reconciled_at < ?)
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		domain.PaymentPending,
		cutoff,
		cutoff,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// InsertPayouts is idempotent per (escrow transaction, recipient role).
func (r *repo) InsertPayouts(ctx context.Context, db *gorm.DB, payouts []payout.Payout) error {
	for _, p := range payouts {
		err := db.WithContext(ctx).Exec(
			`INSERT INTO payouts (
				id, invoice_id, escrow_transaction_id, recipient_id, recipient_role,
				amount, status, tx_hash, completed_at, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (escrow_transaction_id, recipient_role) DO NOTHING`,
			p.ID,
			p.InvoiceID,
			p.EscrowTransactionID,
			p.RecipientID,
			p.RecipientRole,
			p.Amount,
			p.Status,
			p.TxHash,
			p.CompletedAt,
			p.CreatedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) ListPayouts(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]payout.Payout, error) {
	var rows []payout.Payout
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("escrow_transaction_id asc, recipient_role asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
