package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/factora/internal/invoice/domain"
	"gorm.io/gorm"
)

const invoiceColumns = `id, invoice_number, smb_id, buyer_id, buyer_name, buyer_email, description,
	total_amount, funded_amount, currency, discount_rate, issue_date, due_date, status,
	metadata_hash, rejection_reason, tokenization_claimed_at, mint_tx_hash, approved_at, funded_at,
	paid_at, cancelled_at, defaulted_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, inv *domain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, invoice_number, smb_id, buyer_id, buyer_name, buyer_email, description,
			total_amount, funded_amount, currency, discount_rate, issue_date, due_date,
			status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID,
		inv.InvoiceNumber,
		inv.SMBID,
		inv.BuyerID,
		inv.BuyerName,
		inv.BuyerEmail,
		inv.Description,
		inv.TotalAmount,
		inv.FundedAmount,
		inv.Currency,
		inv.DiscountRate,
		inv.IssueDate,
		inv.DueDate,
		inv.Status,
		inv.CreatedAt,
		inv.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	return r.scanOne(ctx, db, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
}

func (r *repo) FindByNumber(ctx context.Context, db *gorm.DB, number string) (*domain.Invoice, error) {
	return r.scanOne(ctx, db, `SELECT `+invoiceColumns+` FROM invoices WHERE invoice_number = ?`, number)
}

func (r *repo) LoadForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	return r.scanOne(ctx, db, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ? FOR UPDATE`, id)
}

func (r *repo) scanOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Invoice, error) {
	var inv domain.Invoice
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&inv).Error; err != nil {
		return nil, err
	}
	if inv.ID == 0 {
		return nil, nil
	}
	return &inv, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Invoice, error) {
	var items []*domain.Invoice
	stmt := db.WithContext(ctx).Model(&domain.Invoice{})

	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.SMBID != 0 {
		stmt = stmt.Where("smb_id = ?", filter.SMBID)
	}
	if filter.MinAmount != nil {
		stmt = stmt.Where("total_amount >= ?", *filter.MinAmount)
	}
	if filter.MaxAmount != nil {
		stmt = stmt.Where("total_amount <= ?", *filter.MaxAmount)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, fields map[string]any) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStatus, from, to)
	}

	updates := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = to
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}

	res := db.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) AddFunding(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET funded_amount = funded_amount + ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		amount,
		now,
		id,
		domain.StatusListed,
		domain.StatusFunded,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) StampApproved(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET approved_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND approved_at IS NULL`,
		now,
		now,
		id,
		domain.StatusPendingApproval,
	).Error
}

func (r *repo) HasPendingInvestments(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM escrow_transactions WHERE invoice_id = ? AND status = ?`,
		id,
		"PENDING",
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) ClaimTokenization(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET tokenization_claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND tokenization_claimed_at IS NULL`,
		now,
		now,
		id,
		domain.StatusPendingApproval,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ReleaseTokenization(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET tokenization_claimed_at = NULL, mint_tx_hash = NULL
		 WHERE id = ? AND status = ?`,
		id,
		domain.StatusPendingApproval,
	).Error
}

func (r *repo) RecordMintTx(ctx context.Context, db *gorm.DB, id snowflake.ID, txHash string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET mint_tx_hash = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND tokenization_claimed_at IS NOT NULL`,
		txHash,
		now,
		id,
		domain.StatusPendingApproval,
	).Error
}

func (r *repo) ClaimStaleTokenizations(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*domain.Invoice, error) {
	var rows []*domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE status = ?
		   AND tokenization_claimed_at IS NOT NULL
		   AND tokenization_claimed_at < ?
		 ORDER BY tokenization_claimed_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		domain.StatusPendingApproval,
		cutoff,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// TouchTokenization re-stamps a held claim so concurrent sweepers skip it.
func (r *repo) TouchTokenization(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices SET tokenization_claimed_at = ? WHERE id = ? AND tokenization_claimed_at IS NOT NULL`,
		now,
		id,
	).Error
}

func (r *repo) InsertToken(ctx context.Context, db *gorm.DB, token *domain.InvoiceToken) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoice_tokens (
			id, invoice_id, contract_id, token_id, total_supply, listing_id,
			mint_tx_hash, list_tx_hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID,
		token.InvoiceID,
		token.ContractID,
		token.TokenID,
		token.TotalSupply,
		token.ListingID,
		token.MintTxHash,
		token.ListTxHash,
		token.CreatedAt,
	).Error
}

func (r *repo) FindToken(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*domain.InvoiceToken, error) {
	var token domain.InvoiceToken
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_id, contract_id, token_id, total_supply, listing_id,
		        mint_tx_hash, list_tx_hash, created_at
		 FROM invoice_tokens
		 WHERE invoice_id = ?`,
		invoiceID,
	).Scan(&token).Error
	if err != nil {
		return nil, err
	}
	if token.ID == 0 {
		return nil, nil
	}
	return &token, nil
}

func (r *repo) SetTokenListTx(ctx context.Context, db *gorm.DB, tokenID snowflake.ID, txHash string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoice_tokens SET list_tx_hash = ? WHERE id = ? AND list_tx_hash IS NULL`,
		txHash,
		tokenID,
	).Error
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, tx *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO ledger_transactions (
			id, invoice_id, type, status, tx_hash, amount, from_user_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.InvoiceID,
		tx.Type,
		tx.Status,
		tx.TxHash,
		tx.Amount,
		tx.FromUserID,
		tx.Metadata,
		tx.CreatedAt,
	).Error
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at asc, id asc").
		Find(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}
