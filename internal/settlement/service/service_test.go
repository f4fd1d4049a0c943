package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditrepository "github.com/smallbiznis/factora/internal/audit/repository"
	auditservice "github.com/smallbiznis/factora/internal/audit/service"
	"github.com/smallbiznis/factora/internal/authorization"
	"github.com/smallbiznis/factora/internal/clock"
	"github.com/smallbiznis/factora/internal/config"
	"github.com/smallbiznis/factora/internal/dbtest"
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
	invoicerepository "github.com/smallbiznis/factora/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/factora/internal/invoice/service"
	ledgerdomain "github.com/smallbiznis/factora/internal/ledger/domain"
	"github.com/smallbiznis/factora/internal/ledger/ledgertest"
	"github.com/smallbiznis/factora/internal/payout"
	settlementdomain "github.com/smallbiznis/factora/internal/settlement/domain"
	settlementrepository "github.com/smallbiznis/factora/internal/settlement/repository"
	"github.com/smallbiznis/factora/internal/settlement/service"
	"github.com/smallbiznis/factora/internal/tokenization"
	userdomain "github.com/smallbiznis/factora/internal/user/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	t          *testing.T
	db         *gorm.DB
	node       *snowflake.Node
	clock      *clock.FakeClock
	env        *ledgertest.Env
	invoices   invoicedomain.Service
	settlement settlementdomain.Service
	repo       settlementdomain.Repository
	smbID      snowflake.ID
	verifierID snowflake.ID
	userSeq    int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	node := dbtest.Node(t)
	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	env := ledgertest.NewEnv(t)
	cfg := config.Config{Ledger: env.Config}
	log := zap.NewNop()

	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    conn,
		Log:   log,
		GenID: node,
		Repo:  auditrepository.Provide(),
		Clock: fc,
	})
	enforcer, err := authorization.NewEnforcer(nil)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer, AuditSvc: auditSvc})

	invoiceRepo := invoicerepository.Provide()
	engine := tokenization.NewEngine(tokenization.Params{
		DB:       conn,
		Log:      log,
		GenID:    node,
		Clock:    fc,
		Config:   cfg,
		Repo:     invoiceRepo,
		Gateway:  env.Gateway,
		AuditSvc: auditSvc,
	})
	invoices := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:        conn,
		Log:       log,
		GenID:     node,
		Clock:     fc,
		Repo:      invoiceRepo,
		Tokenizer: engine,
		AuditSvc:  auditSvc,
	})
	repo := settlementrepository.Provide()
	settlement := service.NewService(service.Params{
		DB:          conn,
		Log:         log,
		GenID:       node,
		Clock:       fc,
		Config:      cfg,
		Repo:        repo,
		InvoiceRepo: invoiceRepo,
		Gateway:     env.Gateway,
		Authz:       authz,
		Mints:       engine,
		AuditSvc:    auditSvc,
	})

	f := &fixture{
		t:          t,
		db:         conn,
		node:       node,
		clock:      fc,
		env:        env,
		invoices:   invoices,
		settlement: settlement,
		repo:       repo,
	}
	smbWallet := ledgertest.AccountID(1)
	f.smbID = f.user(userdomain.RoleSMB, &smbWallet)
	f.verifierID = f.user(userdomain.RoleVerifier, nil)
	return f
}

func (f *fixture) user(role userdomain.Role, wallet *string) snowflake.ID {
	f.t.Helper()
	f.userSeq++
	id := f.node.Generate()
	require.NoError(f.t, f.db.Exec(
		`INSERT INTO users (id, email, name, role, password_hash, wallet_address, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, fmt.Sprintf("user%d@factora.test", f.userSeq), "User", role, "x", wallet, true, f.clock.Now(), f.clock.Now(),
	).Error)
	return id
}

func (f *fixture) investor() (snowflake.ID, string) {
	f.userSeq++
	wallet := ledgertest.AccountID(byte(100 + f.userSeq))
	return f.user(userdomain.RoleInvestor, &wallet), wallet
}

func (f *fixture) listedInvoice(number string, total int64, rate int64) *invoicedomain.Invoice {
	f.t.Helper()
	ctx := context.Background()
	inv, err := f.invoices.Create(ctx, invoicedomain.CreateInvoiceRequest{
		SMBID:         f.smbID,
		InvoiceNumber: number,
		BuyerName:     "Globex",
		TotalAmount:   total,
		DiscountRate:  decimal.NewFromInt(rate),
		IssueDate:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		DueDate:       time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(f.t, err)
	res, err := f.invoices.Approve(ctx, inv.ID)
	require.NoError(f.t, err)
	require.Equal(f.t, invoicedomain.StatusListed, res.Invoice.Status)
	return res.Invoice
}

func (f *fixture) fundedInvoice(number string) (*invoicedomain.Invoice, snowflake.ID) {
	f.t.Helper()
	inv := f.listedInvoice(number, 100000, 10)
	investorID, _ := f.investor()
	res, err := f.settlement.Invest(context.Background(), settlementdomain.InvestRequest{
		InvoiceID:  inv.ID,
		InvestorID: investorID,
		Amount:     95000,
	})
	require.NoError(f.t, err)
	require.Equal(f.t, invoicedomain.StatusFunded, res.Invoice.Status)
	return res.Invoice, investorID
}

func (f *fixture) invoice(id snowflake.ID) *invoicedomain.Invoice {
	f.t.Helper()
	inv, err := f.invoices.Get(context.Background(), id)
	require.NoError(f.t, err)
	return inv
}

func (f *fixture) count(query string, args ...any) int64 {
	f.t.Helper()
	var n int64
	require.NoError(f.t, f.db.Raw(query, args...).Scan(&n).Error)
	return n
}

func TestInvoiceLifecycleEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.invoices.Create(ctx, invoicedomain.CreateInvoiceRequest{
		SMBID:         f.smbID,
		InvoiceNumber: "INV-1001",
		BuyerName:     "Globex",
		TotalAmount:   100000,
		DiscountRate:  decimal.NewFromInt(10),
		IssueDate:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		DueDate:       time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusDraft, inv.Status)

	approved, err := f.invoices.Approve(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusListed, approved.Invoice.Status)
	assert.True(t, approved.Token.TotalSupply.Equal(decimal.NewFromInt(100000*10_000_000)))

	investorID := f.user(userdomain.RoleInvestor, nil)
	wallet := ledgertest.AccountID(42)
	invested, err := f.settlement.Invest(ctx, settlementdomain.InvestRequest{
		InvoiceID:     inv.ID,
		InvestorID:    investorID,
		Amount:        95000,
		WalletAddress: &wallet,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(95000), invested.Invoice.FundedAmount)
	assert.Equal(t, invoicedomain.StatusFunded, invested.Invoice.Status)
	assert.NotNil(t, invested.Invoice.FundedAt)
	assert.NotEmpty(t, invested.TransactionHashes.Escrow)
	assert.NotEmpty(t, invested.TransactionHashes.Purchase)
	assert.True(t, invested.TokenOwnership.Amount.Equal(decimal.NewFromInt(95000*10_000_000)))
	assert.True(t, invested.TokenOwnership.PurchaseRate.Equal(decimal.NewFromInt(10)))

	var storedWallet string
	require.NoError(t, f.db.Raw(`SELECT wallet_address FROM users WHERE id = ?`, investorID).Scan(&storedWallet).Error)
	assert.Equal(t, wallet, storedWallet)

	deposits := f.env.Client.Calls("deposit")
	require.Len(t, deposits, 1)
	assert.Equal(t, []ledgerdomain.EncodedArg{
		{Type: ledgerdomain.KindAddress, Value: wallet},
		{Type: ledgerdomain.KindI128, Value: "95000"},
	}, deposits[0].Args)
	purchases := f.env.Client.Calls("purchase")
	require.Len(t, purchases, 1)
	assert.Equal(t, approved.Token.ListingID, purchases[0].Args[1].Value)
	assert.Equal(t, "950000000000", purchases[0].Args[2].Value)

	confirmed, err := f.settlement.ConfirmPayment(ctx, settlementdomain.ConfirmPaymentRequest{
		InvoiceID:         inv.ID,
		VerifierID:        f.verifierID,
		PaymentAmount:     100000,
		PaymentMethod:     "bank_transfer",
		ConfirmationProof: "wire-ref-778812",
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaid, confirmed.Invoice.Status)
	assert.NotNil(t, confirmed.Invoice.PaidAt)
	assert.Equal(t, settlementdomain.PaymentConfirmed, confirmed.Payment.Status)
	require.NotNil(t, confirmed.Payment.ReleaseTxHash)
	assert.Equal(t, confirmed.TransactionHash, *confirmed.Payment.ReleaseTxHash)

	releases := f.env.Client.Calls("release_payment")
	require.Len(t, releases, 1)
	assert.Equal(t, f.env.Signer.Address(), releases[0].Args[0].Value)

	require.Len(t, confirmed.Payouts, 2)
	byRole := map[payout.RecipientRole]payout.Payout{}
	for _, p := range confirmed.Payouts {
		byRole[p.RecipientRole] = p
		assert.Equal(t, payout.StatusCompleted, p.Status)
		require.NotNil(t, p.TxHash)
		assert.Equal(t, confirmed.TransactionHash, *p.TxHash)
	}
	assert.Equal(t, int64(104500), byRole[payout.RoleInvestor].Amount)
	assert.Equal(t, investorID, byRole[payout.RoleInvestor].RecipientID)
	assert.Equal(t, int64(85500), byRole[payout.RoleSMB].Amount)
	assert.Equal(t, f.smbID, byRole[payout.RoleSMB].RecipientID)

	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM payments WHERE invoice_id = ?`, inv.ID))
	assert.Equal(t, int64(2), f.count(`SELECT COUNT(*) FROM payouts WHERE invoice_id = ?`, inv.ID))
	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM escrow_transactions WHERE invoice_id = ? AND status = 'RELEASED'`, inv.ID))

	txs := map[invoicedomain.TransactionType]int64{}
	rows, err := f.db.Raw(`SELECT type, COUNT(*) FROM ledger_transactions WHERE invoice_id = ? GROUP BY type`, inv.ID).Rows()
	require.NoError(t, err)
	for rows.Next() {
		var typ string
		var n int64
		require.NoError(t, rows.Scan(&typ, &n))
		txs[invoicedomain.TransactionType(typ)] = n
	}
	require.NoError(t, rows.Close())
	assert.Equal(t, map[invoicedomain.TransactionType]int64{
		invoicedomain.TransactionTokenMint:      1,
		invoicedomain.TransactionInvestment:     1,
		invoicedomain.TransactionPaymentRelease: 1,
	}, txs)

	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM audit_logs WHERE action = 'payment.confirmed'`))
	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM audit_logs WHERE action = 'invoice.funded'`))
}

func TestConcurrentInvestmentsNeverOverfund(t *testing.T) {
	f := newFixture(t)
	inv := f.listedInvoice("INV-2001", 100000, 10)

	const workers = 3
	investors := make([]snowflake.ID, workers)
	for i := range investors {
		investors[i], _ = f.investor()
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int64
		failures  []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(investorID snowflake.ID) {
			defer wg.Done()
			_, err := f.settlement.Invest(context.Background(), settlementdomain.InvestRequest{
				InvoiceID:  inv.ID,
				InvestorID: investorID,
				Amount:     40000,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			succeeded += 40000
		}(investors[i])
	}
	wg.Wait()

	assert.Equal(t, int64(80000), succeeded)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], settlementdomain.ErrExceedsRemainingCapacity)

	stored := f.invoice(inv.ID)
	assert.Equal(t, succeeded, stored.FundedAmount)
	assert.Equal(t, invoicedomain.StatusListed, stored.Status)
	assert.Len(t, f.env.Client.Calls("deposit"), 2)
}

func TestInvestPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	investorID, _ := f.investor()

	draft, err := f.invoices.Create(ctx, invoicedomain.CreateInvoiceRequest{
		SMBID:         f.smbID,
		InvoiceNumber: "INV-3001",
		BuyerName:     "Globex",
		TotalAmount:   50000,
		DiscountRate:  decimal.NewFromInt(5),
		IssueDate:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		DueDate:       time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	cancelled := f.listedInvoice("INV-3002", 50000, 5)
	_, err = f.invoices.Reject(ctx, cancelled.ID, "withdrawn")
	require.NoError(t, err)

	listed := f.listedInvoice("INV-3003", 50000, 5)
	noWallet := f.user(userdomain.RoleInvestor, nil)
	badWallet := "GNOTAWALLET"

	cases := []struct {
		name string
		req  settlementdomain.InvestRequest
		want error
	}{
		{"draft invoice", settlementdomain.InvestRequest{InvoiceID: draft.ID, InvestorID: investorID, Amount: 100}, invoicedomain.ErrInvalidStatus},
		{"cancelled invoice", settlementdomain.InvestRequest{InvoiceID: cancelled.ID, InvestorID: investorID, Amount: 100}, invoicedomain.ErrInvalidStatus},
		{"missing invoice", settlementdomain.InvestRequest{InvoiceID: 1, InvestorID: investorID, Amount: 100}, invoicedomain.ErrInvoiceNotFound},
		{"zero amount", settlementdomain.InvestRequest{InvoiceID: listed.ID, InvestorID: investorID, Amount: 0}, settlementdomain.ErrInvalidAmount},
		{"no wallet", settlementdomain.InvestRequest{InvoiceID: listed.ID, InvestorID: noWallet, Amount: 100}, settlementdomain.ErrNoWallet},
		{"malformed wallet", settlementdomain.InvestRequest{InvoiceID: listed.ID, InvestorID: noWallet, Amount: 100, WalletAddress: &badWallet}, userdomain.ErrInvalidWalletAddress},
		{"unknown investor", settlementdomain.InvestRequest{InvoiceID: listed.ID, InvestorID: 2, Amount: 100}, userdomain.ErrUserNotFound},
		{"over capacity", settlementdomain.InvestRequest{InvoiceID: listed.ID, InvestorID: investorID, Amount: 50001}, settlementdomain.ErrExceedsRemainingCapacity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.settlement.Invest(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	assert.Empty(t, f.env.Client.Calls("deposit"))
	assert.Zero(t, f.count(`SELECT COUNT(*) FROM escrow_transactions`))
}

func TestInvestNotTokenized(t *testing.T) {
	f := newFixture(t)
	investorID, _ := f.investor()
	inv := f.listedInvoice("INV-3101", 50000, 5)
	require.NoError(t, f.db.Exec(`DELETE FROM invoice_tokens WHERE invoice_id = ?`, inv.ID).Error)

	_, err := f.settlement.Invest(context.Background(), settlementdomain.InvestRequest{
		InvoiceID: inv.ID, InvestorID: investorID, Amount: 100,
	})
	assert.ErrorIs(t, err, settlementdomain.ErrNotTokenized)
}

func TestInvestDepositFailureReleasesCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	investorID, _ := f.investor()
	inv := f.listedInvoice("INV-4001", 100000, 10)

	f.env.Client.Fail("deposit", ledgertest.FailSend)
	_, err := f.settlement.Invest(ctx, settlementdomain.InvestRequest{InvoiceID: inv.ID, InvestorID: investorID, Amount: 100000})
	require.ErrorIs(t, err, ledgerdomain.ErrInvocationFailed)
	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM escrow_transactions WHERE status = 'FAILED' AND failure_reason IS NOT NULL`))
	assert.Empty(t, f.env.Client.Calls("purchase"))

	f.env.Client.Recover("deposit")
	res, err := f.settlement.Invest(ctx, settlementdomain.InvestRequest{InvoiceID: inv.ID, InvestorID: investorID, Amount: 100000})
	require.NoError(t, err)
	assert.Equal(t, int64(100000), res.Invoice.FundedAmount)
}

func TestPurchaseFailureIsFlaggedThenFinalizedByReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	investorID, _ := f.investor()
	inv := f.listedInvoice("INV-4002", 100000, 10)

	f.env.Client.Fail("purchase", ledgertest.FailSimulate)
	_, err := f.settlement.Invest(ctx, settlementdomain.InvestRequest{InvoiceID: inv.ID, InvestorID: investorID, Amount: 60000})
	require.ErrorIs(t, err, ledgerdomain.ErrInvocationFailed)

	var escrowID snowflake.ID
	require.NoError(t, f.db.Raw(`SELECT id FROM escrow_transactions WHERE invoice_id = ?`, inv.ID).Scan(&escrowID).Error)
	escrow, err := f.repo.FindEscrow(ctx, f.db, escrowID)
	require.NoError(t, err)
	assert.Equal(t, settlementdomain.EscrowPending, escrow.Status)
	assert.NotNil(t, escrow.DepositConfirmedAt)
	assert.Nil(t, escrow.PurchaseConfirmedAt)
	assert.Equal(t, int64(0), f.invoice(inv.ID).FundedAmount)

	// In-flight capacity stays reserved while the row is unresolved.
	_, err = f.settlement.Invest(ctx, settlementdomain.InvestRequest{InvoiceID: inv.ID, InvestorID: investorID, Amount: 50000})
	assert.ErrorIs(t, err, settlementdomain.ErrExceedsRemainingCapacity)

	f.env.Client.SetResult("get_total_deposited", ledgerdomain.Value{Type: "i128", Value: json.RawMessage(`"60000"`)})
	f.clock.Advance(time.Hour)
	report, err := f.settlement.Reconcile(ctx, f.clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, settlementdomain.ReconcileReport{EscrowsFlagged: 1}, report)

	escrow, err = f.repo.FindEscrow(ctx, f.db, escrowID)
	require.NoError(t, err)
	assert.NotNil(t, escrow.ReconcileFlaggedAt)
	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM audit_logs WHERE action = 'escrow.drift_detected'`))

	// An operator completes the purchase out of band; the next sweep finalizes.
	require.NoError(t, f.repo.ConfirmPurchase(ctx, f.db, escrowID, "feedface", f.clock.Now()))
	f.clock.Advance(time.Hour)
	report, err = f.settlement.Reconcile(ctx, f.clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EscrowsFinalized)

	stored := f.invoice(inv.ID)
	assert.Equal(t, int64(60000), stored.FundedAmount)
	assert.Equal(t, invoicedomain.StatusListed, stored.Status)
	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM token_ownerships WHERE escrow_transaction_id = ?`, escrowID))

	// Finalizing is idempotent.
	f.clock.Advance(time.Hour)
	report, err = f.settlement.Reconcile(ctx, f.clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, settlementdomain.ReconcileReport{}, report)
	assert.Equal(t, int64(60000), f.invoice(inv.ID).FundedAmount)
}

func (f *fixture) onlyEscrow(invoiceID snowflake.ID) *settlementdomain.EscrowTransaction {
	f.t.Helper()
	var id snowflake.ID
	require.NoError(f.t, f.db.Raw(`SELECT id FROM escrow_transactions WHERE invoice_id = ?`, invoiceID).Scan(&id).Error)
	escrow, err := f.repo.FindEscrow(context.Background(), f.db, id)
	require.NoError(f.t, err)
	require.NotNil(f.t, escrow)
	return escrow
}

func (f *fixture) sweep() settlementdomain.ReconcileReport {
	f.t.Helper()
	f.clock.Advance(time.Hour)
	report, err := f.settlement.Reconcile(context.Background(), f.clock.Now().Add(-30*time.Minute), 10)
	require.NoError(f.t, err)
	return report
}

func TestUnconfirmedDepositHoldsCapacityUntilReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	investorID, _ := f.investor()
	inv := f.listedInvoice("INV-4101", 100000, 10)

	// Accepted by the network but not final within the poll budget.
	f.env.Client.PendingPolls(5)
	_, err := f.settlement.Invest(ctx, settlementdomain.InvestRequest{InvoiceID: inv.ID, InvestorID: investorID, Amount: 60000})
	require.ErrorIs(t, err, ledgerdomain.ErrInvocationFailed)
	f.env.Client.PendingPolls(0)

	deposits := f.env.Client.Calls("deposit")
	require.Len(t, deposits, 1)
	escrow := f.onlyEscrow(inv.ID)
	assert.Equal(t, settlementdomain.EscrowPending, escrow.Status)
	require.NotNil(t, escrow.DepositTxHash)
	assert.Equal(t, deposits[0].Hash, *escrow.DepositTxHash)
	assert.Nil(t, escrow.DepositConfirmedAt)
	assert.Empty(t, f.env.Client.Calls("purchase"))

	_, err = f.settlement.Invest(ctx, settlementdomain.InvestRequest{InvoiceID: inv.ID, InvestorID: investorID, Amount: 100000})
	assert.ErrorIs(t, err, settlementdomain.ErrExceedsRemainingCapacity)
	assert.Len(t, f.env.Client.Calls("deposit"), 1)

	// The deposit lands after all: it is confirmed and the missing purchase flagged.
	f.env.Client.Settle()
	report := f.sweep()
	assert.Equal(t, settlementdomain.ReconcileReport{EscrowsFlagged: 1}, report)

	escrow = f.onlyEscrow(inv.ID)
	assert.Equal(t, settlementdomain.EscrowPending, escrow.Status)
	assert.NotNil(t, escrow.DepositConfirmedAt)
	assert.NotNil(t, escrow.ReconcileFlaggedAt)
	assert.Equal(t, int64(0), f.invoice(inv.ID).FundedAmount)
}

func TestUnconfirmedDepositThatNeverLandsIsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	investorID, _ := f.investor()
	inv := f.listedInvoice("INV-4102", 100000, 10)

	f.env.Client.PendingPolls(5)
	_, err := f.settlement.Invest(ctx, settlementdomain.InvestRequest{InvoiceID: inv.ID, InvestorID: investorID, Amount: 60000})
	require.ErrorIs(t, err, ledgerdomain.ErrInvocationFailed)
	f.env.Client.PendingPolls(0)

	escrow := f.onlyEscrow(inv.ID)
	require.NotNil(t, escrow.DepositTxHash)
	f.env.Client.SetStatus(*escrow.DepositTxHash, ledgerdomain.TxStatusNotFound)

	report := f.sweep()
	assert.Equal(t, settlementdomain.ReconcileReport{EscrowsExpired: 1}, report)
	escrow = f.onlyEscrow(inv.ID)
	assert.Equal(t, settlementdomain.EscrowFailed, escrow.Status)
	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM audit_logs WHERE action = 'escrow.intent_expired'`))

	res, err := f.settlement.Invest(ctx, settlementdomain.InvestRequest{InvoiceID: inv.ID, InvestorID: investorID, Amount: 100000})
	require.NoError(t, err)
	assert.Equal(t, int64(100000), res.Invoice.FundedAmount)
}

func TestUnconfirmedPurchaseIsFinalizedByReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	investorID, _ := f.investor()
	inv := f.listedInvoice("INV-4103", 100000, 10)

	// Only the purchase leg outlasts the poll budget.
	f.env.Client.Fail("purchase", ledgertest.NeverFinal)
	_, err := f.settlement.Invest(ctx, settlementdomain.InvestRequest{InvoiceID: inv.ID, InvestorID: investorID, Amount: 60000})
	require.ErrorIs(t, err, ledgerdomain.ErrInvocationFailed)

	escrow := f.onlyEscrow(inv.ID)
	assert.NotNil(t, escrow.DepositConfirmedAt)
	require.NotNil(t, escrow.PurchaseTxHash)
	assert.Nil(t, escrow.PurchaseConfirmedAt)

	f.env.Client.SetStatus(*escrow.PurchaseTxHash, ledgerdomain.TxStatusSuccess)
	report := f.sweep()
	assert.Equal(t, settlementdomain.ReconcileReport{EscrowsFinalized: 1}, report)
	assert.Equal(t, int64(60000), f.invoice(inv.ID).FundedAmount)
	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM token_ownerships WHERE tx_hash = ?`, *escrow.PurchaseTxHash))
}

func TestStrandedIntentWithoutDepositIsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	investorID, wallet := f.investor()
	inv := f.listedInvoice("INV-4104", 100000, 10)

	// The process died between writing the intent and submitting the deposit.
	require.NoError(t, f.repo.InsertEscrow(ctx, f.db, &settlementdomain.EscrowTransaction{
		ID:            f.node.Generate(),
		InvoiceID:     inv.ID,
		InvestorID:    investorID,
		WalletAddress: wallet,
		Amount:        40000,
		Status:        settlementdomain.EscrowPending,
		CreatedAt:     f.clock.Now(),
		UpdatedAt:     f.clock.Now(),
	}))

	_, err := f.invoices.Reject(ctx, inv.ID, "buyer disputed")
	require.ErrorIs(t, err, invoicedomain.ErrInvalidStatus)

	report := f.sweep()
	assert.Equal(t, settlementdomain.ReconcileReport{EscrowsExpired: 1}, report)
	assert.Equal(t, settlementdomain.EscrowFailed, f.onlyEscrow(inv.ID).Status)
	assert.Empty(t, f.env.Client.Calls("deposit"))

	rejected, err := f.invoices.Reject(ctx, inv.ID, "buyer disputed")
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusCancelled, rejected.Status)
}

func TestApproveWithUnconfirmedMintIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.invoices.Create(ctx, invoicedomain.CreateInvoiceRequest{
		SMBID:         f.smbID,
		InvoiceNumber: "INV-4105",
		BuyerName:     "Globex",
		TotalAmount:   100000,
		DiscountRate:  decimal.NewFromInt(10),
		IssueDate:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		DueDate:       time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	f.env.Client.PendingPolls(5)
	_, err = f.invoices.Approve(ctx, inv.ID)
	require.ErrorIs(t, err, tokenization.ErrTokenizationFailed)
	f.env.Client.PendingPolls(0)

	_, err = f.invoices.Approve(ctx, inv.ID)
	require.ErrorIs(t, err, invoicedomain.ErrInvalidStatus)
	assert.Len(t, f.env.Client.Calls("initialize"), 1)

	f.env.Client.Settle()
	report := f.sweep()
	assert.Equal(t, settlementdomain.ReconcileReport{MintsFinalized: 1}, report)
	assert.Equal(t, invoicedomain.StatusListed, f.invoice(inv.ID).Status)
	assert.Len(t, f.env.Client.Calls("initialize"), 1)
	assert.Len(t, f.env.Client.Calls("list_token"), 1)
}

func TestConfirmPaymentChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, investorID := f.fundedInvoice("INV-5001")
	listed := f.listedInvoice("INV-5002", 10000, 5)

	cases := []struct {
		name       string
		invoiceID  snowflake.ID
		verifierID snowflake.ID
		want       error
	}{
		{"investor cannot confirm", inv.ID, investorID, authorization.ErrForbidden},
		{"unknown verifier", inv.ID, 3, userdomain.ErrUserNotFound},
		{"missing invoice", 4, f.verifierID, invoicedomain.ErrInvoiceNotFound},
		{"listed invoice", listed.ID, f.verifierID, invoicedomain.ErrInvalidStatus},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.settlement.ConfirmPayment(ctx, settlementdomain.ConfirmPaymentRequest{
				InvoiceID:     tc.invoiceID,
				VerifierID:    tc.verifierID,
				PaymentAmount: 100000,
			})
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, f.env.Client.Calls("release_payment"))
	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM audit_logs WHERE action = 'authorization.denied'`))

	adminID := f.user(userdomain.RoleAdmin, nil)
	res, err := f.settlement.ConfirmPayment(ctx, settlementdomain.ConfirmPaymentRequest{
		InvoiceID: inv.ID, VerifierID: adminID, PaymentAmount: 100000,
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaid, res.Invoice.Status)
}

func TestConfirmPaymentReleaseFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, _ := f.fundedInvoice("INV-5101")

	f.env.Client.Fail("release_payment", ledgertest.FailFinality)
	_, err := f.settlement.ConfirmPayment(ctx, settlementdomain.ConfirmPaymentRequest{
		InvoiceID: inv.ID, VerifierID: f.verifierID, PaymentAmount: 100000,
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvocationFailed)
	assert.Equal(t, invoicedomain.StatusFunded, f.invoice(inv.ID).Status)
	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM payments WHERE status = 'FAILED'`))
	assert.Zero(t, f.count(`SELECT COUNT(*) FROM payouts`))

	f.env.Client.Recover("release_payment")
	res, err := f.settlement.ConfirmPayment(ctx, settlementdomain.ConfirmPaymentRequest{
		InvoiceID: inv.ID, VerifierID: f.verifierID, PaymentAmount: 100000,
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaid, res.Invoice.Status)
}

func TestUnconfirmedReleaseStaysPendingUntilReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, _ := f.fundedInvoice("INV-5151")

	f.env.Client.PendingPolls(5)
	_, err := f.settlement.ConfirmPayment(ctx, settlementdomain.ConfirmPaymentRequest{
		InvoiceID: inv.ID, VerifierID: f.verifierID, PaymentAmount: 100000,
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvocationFailed)
	f.env.Client.PendingPolls(0)

	releases := f.env.Client.Calls("release_payment")
	require.Len(t, releases, 1)
	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM payments WHERE status = 'PENDING' AND release_tx_hash = ? AND released_at IS NULL`, releases[0].Hash))

	_, err = f.settlement.ConfirmPayment(ctx, settlementdomain.ConfirmPaymentRequest{
		InvoiceID: inv.ID, VerifierID: f.verifierID, PaymentAmount: 100000,
	})
	assert.ErrorIs(t, err, settlementdomain.ErrSettlementInProgress)
	assert.Len(t, f.env.Client.Calls("release_payment"), 1)

	f.env.Client.Settle()
	report := f.sweep()
	assert.Equal(t, settlementdomain.ReconcileReport{PaymentsFinalized: 1}, report)
	assert.Equal(t, invoicedomain.StatusPaid, f.invoice(inv.ID).Status)
	assert.Equal(t, int64(2), f.count(`SELECT COUNT(*) FROM payouts WHERE tx_hash = ?`, releases[0].Hash))
}

func TestUnconfirmedReleaseThatFailedIsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, _ := f.fundedInvoice("INV-5152")

	f.env.Client.PendingPolls(5)
	_, err := f.settlement.ConfirmPayment(ctx, settlementdomain.ConfirmPaymentRequest{
		InvoiceID: inv.ID, VerifierID: f.verifierID, PaymentAmount: 100000,
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvocationFailed)
	f.env.Client.PendingPolls(0)

	releases := f.env.Client.Calls("release_payment")
	require.Len(t, releases, 1)
	f.env.Client.SetStatus(releases[0].Hash, ledgerdomain.TxStatusFailed)

	report := f.sweep()
	assert.Equal(t, settlementdomain.ReconcileReport{PaymentsExpired: 1}, report)
	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM payments WHERE status = 'FAILED'`))
	assert.Equal(t, invoicedomain.StatusFunded, f.invoice(inv.ID).Status)

	res, err := f.settlement.ConfirmPayment(ctx, settlementdomain.ConfirmPaymentRequest{
		InvoiceID: inv.ID, VerifierID: f.verifierID, PaymentAmount: 100000,
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaid, res.Invoice.Status)
}

func TestConfirmPaymentConflictsWithPendingSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, _ := f.fundedInvoice("INV-5201")

	require.NoError(t, f.repo.InsertPayment(ctx, f.db, &settlementdomain.Payment{
		ID:            f.node.Generate(),
		InvoiceID:     inv.ID,
		VerifierID:    f.verifierID,
		PaymentAmount: 100000,
		Status:        settlementdomain.PaymentPending,
		CreatedAt:     f.clock.Now(),
		UpdatedAt:     f.clock.Now(),
	}))

	_, err := f.settlement.ConfirmPayment(ctx, settlementdomain.ConfirmPaymentRequest{
		InvoiceID: inv.ID, VerifierID: f.verifierID, PaymentAmount: 100000,
	})
	assert.ErrorIs(t, err, settlementdomain.ErrSettlementInProgress)
	assert.Empty(t, f.env.Client.Calls("release_payment"))
}

func TestReconcileFinalizesReleasedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, _ := f.fundedInvoice("INV-5301")

	released := &settlementdomain.Payment{
		ID:            f.node.Generate(),
		InvoiceID:     inv.ID,
		VerifierID:    f.verifierID,
		PaymentAmount: 100000,
		Status:        settlementdomain.PaymentPending,
		CreatedAt:     f.clock.Now(),
		UpdatedAt:     f.clock.Now(),
	}
	require.NoError(t, f.repo.InsertPayment(ctx, f.db, released))
	require.NoError(t, f.repo.SetPaymentRelease(ctx, f.db, released.ID, "cafebabe", f.clock.Now()))

	f.clock.Advance(time.Hour)
	report, err := f.settlement.Reconcile(ctx, f.clock.Now().Add(-30*time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, settlementdomain.ReconcileReport{PaymentsFinalized: 1}, report)

	stored := f.invoice(inv.ID)
	assert.Equal(t, invoicedomain.StatusPaid, stored.Status)
	assert.Equal(t, int64(2), f.count(`SELECT COUNT(*) FROM payouts WHERE tx_hash = 'cafebabe'`))
	payment, err := f.repo.FindPayment(ctx, f.db, released.ID)
	require.NoError(t, err)
	assert.Equal(t, settlementdomain.PaymentConfirmed, payment.Status)
}

func TestReconcileFlagsUnreleasedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, _ := f.fundedInvoice("INV-5401")

	require.NoError(t, f.repo.InsertPayment(ctx, f.db, &settlementdomain.Payment{
		ID:            f.node.Generate(),
		InvoiceID:     inv.ID,
		VerifierID:    f.verifierID,
		PaymentAmount: 100000,
		Status:        settlementdomain.PaymentPending,
		CreatedAt:     f.clock.Now(),
		UpdatedAt:     f.clock.Now(),
	}))

	// Too recent: left alone.
	report, err := f.settlement.Reconcile(ctx, f.clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, settlementdomain.ReconcileReport{}, report)

	f.clock.Advance(time.Hour)
	report, err = f.settlement.Reconcile(ctx, f.clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, settlementdomain.ReconcileReport{PaymentsFlagged: 1}, report)
	assert.Equal(t, invoicedomain.StatusFunded, f.invoice(inv.ID).Status)
	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM audit_logs WHERE action = 'settlement.drift_detected'`))
}

func TestMarkDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, _ := f.fundedInvoice("INV-6001")
	adminID := f.user(userdomain.RoleAdmin, nil)

	defaulted, err := f.settlement.MarkDefault(ctx, inv.ID, &adminID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusDefault, defaulted.Status)
	assert.NotNil(t, defaulted.DefaultedAt)

	calls := f.env.Client.Calls("handle_default")
	require.Len(t, calls, 1)
	assert.Equal(t, f.env.Signer.Address(), calls[0].Args[0].Value)
	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM escrow_transactions WHERE invoice_id = ? AND status = 'DEFAULTED'`, inv.ID))
	assert.Equal(t, int64(1), f.count(`SELECT COUNT(*) FROM ledger_transactions WHERE invoice_id = ? AND type = 'DEFAULT'`, inv.ID))

	_, err = f.settlement.MarkDefault(ctx, inv.ID, nil)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidStatus)

	listed := f.listedInvoice("INV-6002", 10000, 5)
	_, err = f.settlement.MarkDefault(ctx, listed.ID, nil)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidStatus)
	assert.Len(t, f.env.Client.Calls("handle_default"), 1)
}

func TestEscrowStatusIsBestEffort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, _ := f.fundedInvoice("INV-7001")

	f.env.Client.SetResult("get_total_deposited", ledgerdomain.Value{Type: "i128", Value: json.RawMessage(`"95000"`)})
	f.env.Client.SetResult("is_fully_funded", ledgerdomain.Value{Type: "bool", Value: json.RawMessage(`true`)})
	f.env.Client.Fail("get_status", ledgertest.FailSimulate)

	view, err := f.settlement.EscrowStatus(ctx, inv.ID)
	require.NoError(t, err)
	assert.Nil(t, view.Status)
	require.NotNil(t, view.TotalDeposited)
	assert.Equal(t, "95000", *view.TotalDeposited)
	require.NotNil(t, view.FullyFunded)
	assert.True(t, *view.FullyFunded)
	require.Len(t, view.Transactions, 1)
	assert.Equal(t, settlementdomain.EscrowFunded, view.Transactions[0].Status)

	_, err = f.settlement.EscrowStatus(ctx, 99)
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)
}

func TestListInvestments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, investorID := f.fundedInvoice("INV-8001")

	views, err := f.settlement.ListInvestments(ctx, investorID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, inv.ID, views[0].Invoice.ID)
	assert.True(t, views[0].Ownership.Amount.Equal(decimal.NewFromInt(95000*10_000_000)))

	none, err := f.settlement.ListInvestments(ctx, f.verifierID)
	require.NoError(t, err)
	assert.Empty(t, none)
}
