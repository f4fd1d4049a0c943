package tokenization

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/factora/internal/clock"
	"github.com/smallbiznis/factora/internal/config"
	"github.com/smallbiznis/factora/internal/dbtest"
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
	"github.com/smallbiznis/factora/internal/invoice/repository"
	ledgerdomain "github.com/smallbiznis/factora/internal/ledger/domain"
	"github.com/smallbiznis/factora/internal/ledger/ledgertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	engine *Engine
	db     *gorm.DB
	env    *ledgertest.Env
	repo   invoicedomain.Repository
	node   *snowflake.Node
	clock  *clock.FakeClock
	wallet string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	env := ledgertest.NewEnv(t)
	repo := repository.Provide()
	node := dbtest.Node(t)
	fc := clock.NewFakeClock(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))

	engine := NewEngine(Params{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fc,
		Config:  config.Config{Ledger: env.Config},
		Repo:    repo,
		Gateway: env.Gateway,
	})
	return &fixture{engine: engine, db: conn, env: env, repo: repo, node: node, clock: fc, wallet: ledgertest.AccountID(9)}
}

func (f *fixture) seedInvoice(t *testing.T, number string, wallet *string) *invoicedomain.Invoice {
	t.Helper()
	smbID := f.node.Generate()
	require.NoError(t, f.db.Exec(
		`INSERT INTO users (id, email, name, role, password_hash, wallet_address, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		smbID, number+"@smb.test", "Acme", "SMB", "x", wallet, true, f.clock.Now(), f.clock.Now(),
	).Error)

	inv := &invoicedomain.Invoice{
		ID:            f.node.Generate(),
		InvoiceNumber: number,
		SMBID:         smbID,
		BuyerName:     "Globex",
		TotalAmount:   100000,
		Currency:      "USD",
		DiscountRate:  decimal.NewFromInt(5),
		IssueDate:     time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		DueDate:       time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC),
		Status:        invoicedomain.StatusPendingApproval,
		CreatedAt:     f.clock.Now(),
		UpdatedAt:     f.clock.Now(),
	}
	require.NoError(t, f.repo.Insert(context.Background(), f.db, inv))
	return inv
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) *invoicedomain.Invoice {
	t.Helper()
	inv, err := f.repo.FindByID(context.Background(), f.db, id)
	require.NoError(t, err)
	require.NotNil(t, inv)
	return inv
}

func TestTokenizeMintsListsAndMovesToListed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.seedInvoice(t, "INV-1001", &f.wallet)

	token, err := f.engine.Tokenize(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, f.env.Config.Contracts.InvoiceToken, token.ContractID)
	assert.Equal(t, "INV-INV-1001-"+decimal.NewFromInt(f.clock.Now().UnixMilli()).String(), token.TokenID)
	assert.True(t, token.TotalSupply.Equal(decimal.NewFromInt(1_000_000_000_000)))
	assert.NotEmpty(t, token.ListingID)
	require.NotNil(t, token.ListTxHash)

	stored := f.reload(t, inv.ID)
	assert.Equal(t, invoicedomain.StatusListed, stored.Status)
	require.NotNil(t, stored.MetadataHash)

	mints := f.env.Client.Calls("initialize")
	require.Len(t, mints, 1)
	assert.Equal(t, f.env.Config.Contracts.InvoiceToken, mints[0].ContractID)
	assert.Equal(t, []ledgerdomain.EncodedArg{
		{Type: ledgerdomain.KindAddress, Value: f.wallet},
		{Type: ledgerdomain.KindString, Value: "INV-1001"},
		{Type: ledgerdomain.KindBytes, Value: *stored.MetadataHash},
		{Type: ledgerdomain.KindI128, Value: "1000000000000"},
	}, mints[0].Args)
	assert.Equal(t, mints[0].Hash, token.MintTxHash)

	listings := f.env.Client.Calls("list_token")
	require.Len(t, listings, 1)
	assert.Equal(t, "9500000", listings[0].Args[4].Value)
	assert.Equal(t, "1000000000000", listings[0].Args[6].Value)

	persisted, err := f.repo.FindToken(ctx, f.db, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, token.TokenID, persisted.TokenID)

	txs, err := f.repo.ListTransactions(ctx, f.db, inv.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, invoicedomain.TransactionTokenMint, txs[0].Type)
	assert.Equal(t, token.MintTxHash, txs[0].TxHash)
}

func TestTokenizeTwiceFailsInvalidStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.seedInvoice(t, "INV-1002", &f.wallet)

	_, err := f.engine.Tokenize(ctx, inv.ID)
	require.NoError(t, err)

	_, err = f.engine.Tokenize(ctx, inv.ID)
	require.ErrorIs(t, err, invoicedomain.ErrInvalidStatus)
	assert.NotErrorIs(t, err, ErrTokenizationFailed)
	assert.Len(t, f.env.Client.Calls("initialize"), 1)
}

func TestTokenizeHeldClaimFailsInvalidStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.seedInvoice(t, "INV-1003", &f.wallet)

	claimed, err := f.repo.ClaimTokenization(ctx, f.db, inv.ID, f.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = f.engine.Tokenize(ctx, inv.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidStatus)
	assert.Empty(t, f.env.Client.Calls("initialize"))
}

func TestTokenizeWithoutWalletReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.seedInvoice(t, "INV-1004", nil)

	_, err := f.engine.Tokenize(ctx, inv.ID)
	require.ErrorIs(t, err, ErrTokenizationFailed)
	assert.ErrorIs(t, err, ErrNoWalletLinked)

	stored := f.reload(t, inv.ID)
	assert.Equal(t, invoicedomain.StatusPendingApproval, stored.Status)
	assert.Nil(t, stored.TokenizationClaimedAt)
	assert.Nil(t, stored.MetadataHash)
}

func TestTokenizeMintFailureWrapsLedgerError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.seedInvoice(t, "INV-1005", &f.wallet)
	f.env.Client.Fail("initialize", ledgertest.FailSimulate)

	_, err := f.engine.Tokenize(ctx, inv.ID)
	require.ErrorIs(t, err, ErrTokenizationFailed)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvocationFailed)

	token, err := f.repo.FindToken(ctx, f.db, inv.ID)
	require.NoError(t, err)
	assert.Nil(t, token)

	// The claim is released, so a retry after recovery succeeds.
	f.env.Client.Recover("initialize")
	_, err = f.engine.Tokenize(ctx, inv.ID)
	require.NoError(t, err)
}

func TestTokenizeUnconfirmedMintKeepsClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.seedInvoice(t, "INV-1101", &f.wallet)

	f.env.Client.PendingPolls(5)
	_, err := f.engine.Tokenize(ctx, inv.ID)
	require.ErrorIs(t, err, ErrTokenizationFailed)
	f.env.Client.PendingPolls(0)

	mints := f.env.Client.Calls("initialize")
	require.Len(t, mints, 1)
	stored := f.reload(t, inv.ID)
	assert.Equal(t, invoicedomain.StatusPendingApproval, stored.Status)
	assert.NotNil(t, stored.TokenizationClaimedAt)
	require.NotNil(t, stored.MintTxHash)
	assert.Equal(t, mints[0].Hash, *stored.MintTxHash)

	_, err = f.engine.Tokenize(ctx, inv.ID)
	require.ErrorIs(t, err, invoicedomain.ErrInvalidStatus)
	assert.Len(t, f.env.Client.Calls("initialize"), 1)

	// Claims younger than the cutoff are left to the running attempt.
	finalized, released, err := f.engine.ReconcileMints(ctx, f.clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, finalized)
	assert.Zero(t, released)

	f.env.Client.Settle()
	f.clock.Advance(time.Hour)
	finalized, released, err = f.engine.ReconcileMints(ctx, f.clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, finalized)
	assert.Zero(t, released)

	assert.Equal(t, invoicedomain.StatusListed, f.reload(t, inv.ID).Status)
	token, err := f.repo.FindToken(ctx, f.db, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, mints[0].Hash, token.MintTxHash)
	assert.NotNil(t, token.ListTxHash)
	assert.Len(t, f.env.Client.Calls("initialize"), 1)
	assert.Len(t, f.env.Client.Calls("list_token"), 1)
}

func TestTokenizePersistFailureKeepsClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.seedInvoice(t, "INV-1102", &f.wallet)

	// A leftover token row makes the post-mint write fail.
	require.NoError(t, f.repo.InsertToken(ctx, f.db, &invoicedomain.InvoiceToken{
		ID:          f.node.Generate(),
		InvoiceID:   inv.ID,
		ContractID:  f.env.Config.Contracts.InvoiceToken,
		TokenID:     "stale",
		TotalSupply: decimal.NewFromInt(1),
		ListingID:   "stale",
		MintTxHash:  "stale",
		CreatedAt:   f.clock.Now(),
	}))

	_, err := f.engine.Tokenize(ctx, inv.ID)
	require.ErrorIs(t, err, ErrTokenizationFailed)

	mints := f.env.Client.Calls("initialize")
	require.Len(t, mints, 1)
	stored := f.reload(t, inv.ID)
	assert.Equal(t, invoicedomain.StatusPendingApproval, stored.Status)
	require.NotNil(t, stored.MintTxHash)
	assert.Equal(t, mints[0].Hash, *stored.MintTxHash)

	_, err = f.engine.Tokenize(ctx, inv.ID)
	require.ErrorIs(t, err, invoicedomain.ErrInvalidStatus)

	require.NoError(t, f.db.Exec(`DELETE FROM invoice_tokens WHERE invoice_id = ?`, inv.ID).Error)
	f.clock.Advance(time.Hour)
	finalized, _, err := f.engine.ReconcileMints(ctx, f.clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, finalized)
	assert.Equal(t, invoicedomain.StatusListed, f.reload(t, inv.ID).Status)
	assert.Len(t, f.env.Client.Calls("initialize"), 1)
}

func TestReconcileReleasesMintThatNeverLanded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failed := f.seedInvoice(t, "INV-1103", &f.wallet)
	stranded := f.seedInvoice(t, "INV-1104", &f.wallet)

	f.env.Client.PendingPolls(5)
	_, err := f.engine.Tokenize(ctx, failed.ID)
	require.ErrorIs(t, err, ErrTokenizationFailed)
	f.env.Client.PendingPolls(0)
	f.env.Client.SetStatus(*f.reload(t, failed.ID).MintTxHash, ledgerdomain.TxStatusFailed)

	// A claim taken by a process that died before submitting.
	claimed, err := f.repo.ClaimTokenization(ctx, f.db, stranded.ID, f.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	f.clock.Advance(time.Hour)
	finalized, released, err := f.engine.ReconcileMints(ctx, f.clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, finalized)
	assert.Equal(t, 2, released)

	for _, id := range []snowflake.ID{failed.ID, stranded.ID} {
		stored := f.reload(t, id)
		assert.Equal(t, invoicedomain.StatusPendingApproval, stored.Status)
		assert.Nil(t, stored.TokenizationClaimedAt)
		assert.Nil(t, stored.MintTxHash)
	}

	_, err = f.engine.Tokenize(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusListed, f.reload(t, failed.ID).Status)
}

func TestTokenizeListingFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.seedInvoice(t, "INV-1006", &f.wallet)
	f.env.Client.Fail("list_token", ledgertest.FailSend)

	token, err := f.engine.Tokenize(ctx, inv.ID)
	require.NoError(t, err)
	assert.Nil(t, token.ListTxHash)
	assert.Equal(t, invoicedomain.StatusListed, f.reload(t, inv.ID).Status)
}

func TestTokenizeRequiresContract(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.Contracts.InvoiceToken = ""
	inv := f.seedInvoice(t, "INV-1007", &f.wallet)

	_, err := f.engine.Tokenize(context.Background(), inv.ID)
	require.ErrorIs(t, err, ErrTokenizationFailed)
	assert.ErrorIs(t, err, ledgerdomain.ErrConfig)
}

func TestMetadataHashIsDeterministic(t *testing.T) {
	inv := &invoicedomain.Invoice{
		ID:            snowflake.ID(1),
		InvoiceNumber: "INV-1001",
		SMBID:         snowflake.ID(2),
		BuyerName:     "Globex",
		TotalAmount:   100000,
		Currency:      "USD",
		DiscountRate:  decimal.RequireFromString("5.00"),
		IssueDate:     time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		DueDate:       time.Date(2026, 4, 15, 0, 0, 0, 0, time.FixedZone("WIB", 7*3600)),
	}

	const canonical = `{"invoiceId":"1","invoiceNumber":"INV-1001","smbId":"2","buyerId":null,` +
		`"buyerName":"Globex","totalAmount":"100000","currency":"USD",` +
		`"dueDate":"2026-04-14T17:00:00.000Z","issueDate":"2026-01-15T00:00:00.000Z","discountRate":"5"}`
	sum := sha256.Sum256([]byte(canonical))

	first, err := NewMetadata(inv).Hash()
	require.NoError(t, err)
	second, err := NewMetadata(inv).Hash()
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), first)
	assert.Equal(t, first, second)

	inv.BuyerName = "Globex Corp"
	changed, err := NewMetadata(inv).Hash()
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func TestPricePerToken(t *testing.T) {
	assert.Equal(t, "9500000", PricePerToken(decimal.NewFromInt(5)).String())
	assert.Equal(t, "8775000", PricePerToken(decimal.RequireFromString("12.25")).String())
	assert.Equal(t, "10000000", PricePerToken(decimal.Zero).String())
}
