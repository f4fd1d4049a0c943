// Package tokenization mints and lists the on-chain claim for an approved invoice.
package tokenization

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/factora/internal/audit/domain"
	"github.com/smallbiznis/factora/internal/clock"
	"github.com/smallbiznis/factora/internal/config"
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/factora/internal/ledger/domain"
	obslogger "github.com/smallbiznis/factora/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/factora/internal/observability/metrics"
	userdomain "github.com/smallbiznis/factora/internal/user/domain"
	"github.com/smallbiznis/factora/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrTokenizationFailed = errors.New("tokenization_failed")
	ErrNoWalletLinked     = errors.New("no_wallet_linked")
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Repo     invoicedomain.Repository
	Gateway  ledgerdomain.Gateway
	AuditSvc auditdomain.Service `optional:"true"`
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Engine struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      config.LedgerConfig
	repo     invoicedomain.Repository
	users    repository.Repository[userdomain.User]
	gateway  ledgerdomain.Gateway
	auditSvc auditdomain.Service
	metrics  *obsmetrics.Metrics
}

func NewEngine(p Params) *Engine {
	return &Engine{
		db:       p.DB,
		log:      p.Log.Named("tokenization.engine"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Config.Ledger,
		repo:     p.Repo,
		users:    repository.ProvideStore[userdomain.User](p.DB),
		gateway:  p.Gateway,
		auditSvc: p.AuditSvc,
		metrics:  p.Metrics,
	}
}

// Tokenize mints the invoice token and moves the invoice to LISTED. A second
// call for the same invoice fails with ErrInvalidStatus. Once the mint may
// have reached the network the claim is kept, with the mint hash recorded,
// so only the reconciler can finish or release it.
func (e *Engine) Tokenize(ctx context.Context, invoiceID snowflake.ID) (token *invoicedomain.InvoiceToken, err error) {
	inv, err := e.repo.FindByID(ctx, e.db, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if inv.Status != invoicedomain.StatusPendingApproval {
		return nil, fmt.Errorf("%w: invoice is %s", invoicedomain.ErrInvalidStatus, inv.Status)
	}

	claimed, err := e.repo.ClaimTokenization(ctx, e.db, invoiceID, e.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: tokenization already claimed", invoicedomain.ErrInvalidStatus)
	}

	log := obslogger.WithInvoice(obslogger.WithContext(ctx, e.log), inv.ID.String(), inv.InvoiceNumber)
	var mintSent bool
	defer func() {
		e.metrics.RecordTokenization(ctx, err)
		if err == nil {
			return
		}
		if mintSent {
			log.Warn("tokenization interrupted after mint submission; claim kept", zap.Error(err))
		} else {
			// The claim must not outlive a failed attempt, even if ctx is gone.
			if relErr := e.repo.ReleaseTokenization(context.WithoutCancel(ctx), e.db, invoiceID); relErr != nil {
				log.Error("failed to release tokenization claim", zap.Error(relErr))
			}
			log.Warn("tokenization failed", zap.Error(err))
		}
		err = fmt.Errorf("%w: %w", ErrTokenizationFailed, err)
	}()

	mintHash, err := e.submitMint(ctx, log, inv)
	if err != nil {
		if hash, pending := ledgerdomain.PendingTxHash(err); pending {
			mintSent = true
			e.recordMint(ctx, log, inv.ID, hash)
		}
		return nil, err
	}
	mintSent = true
	e.recordMint(ctx, log, inv.ID, mintHash)

	return e.complete(ctx, log, inv, mintHash)
}

func (e *Engine) submitMint(ctx context.Context, log *zap.Logger, inv *invoicedomain.Invoice) (string, error) {
	if e.cfg.Contracts.InvoiceToken == "" {
		return "", fmt.Errorf("%w: invoice token contract not configured", ledgerdomain.ErrConfig)
	}

	digest, err := NewMetadata(inv).Digest()
	if err != nil {
		return "", fmt.Errorf("hash metadata: %w", err)
	}

	smb, err := e.users.FindOne(ctx, &userdomain.User{ID: inv.SMBID})
	if err != nil {
		return "", err
	}
	if smb == nil || smb.Wallet() == "" {
		return "", ErrNoWalletLinked
	}

	mintHash, err := e.gateway.Invoke(ctx, e.cfg.Contracts.InvoiceToken, "initialize",
		ledgerdomain.Address(smb.Wallet()),
		ledgerdomain.Text(inv.InvoiceNumber),
		ledgerdomain.Bytes(digest),
		ledgerdomain.BigInt128(TotalSupply(inv.TotalAmount)),
	)
	if err != nil {
		return "", err
	}
	log.Info("invoice token minted", zap.String("tx_hash", mintHash), zap.String("metadata_hash", hex.EncodeToString(digest)))
	return mintHash, nil
}

func (e *Engine) recordMint(ctx context.Context, log *zap.Logger, invoiceID snowflake.ID, mintHash string) {
	if err := e.repo.RecordMintTx(context.WithoutCancel(ctx), e.db, invoiceID, mintHash, e.clock.Now().UTC()); err != nil {
		log.Error("failed to record mint tx", zap.String("tx_hash", mintHash), zap.Error(err))
	}
}

// complete persists a final mint and moves the invoice to LISTED. Listing on
// the marketplace happens after the write so a retried completion never
// lists twice.
func (e *Engine) complete(ctx context.Context, log *zap.Logger, inv *invoicedomain.Invoice, mintHash string) (*invoicedomain.InvoiceToken, error) {
	hash, err := NewMetadata(inv).Hash()
	if err != nil {
		return nil, fmt.Errorf("hash metadata: %w", err)
	}
	supply := TotalSupply(inv.TotalAmount)

	now := e.clock.Now().UTC()
	token := &invoicedomain.InvoiceToken{
		ID:          e.genID.Generate(),
		InvoiceID:   inv.ID,
		ContractID:  e.cfg.Contracts.InvoiceToken,
		TokenID:     fmt.Sprintf("INV-%s-%d", inv.InvoiceNumber, now.UnixMilli()),
		TotalSupply: decimal.NewFromBigInt(supply, 0),
		ListingID:   ulid.Make().String(),
		MintTxHash:  mintHash,
		CreatedAt:   now,
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.repo.InsertToken(ctx, tx, token); err != nil {
			return err
		}
		smbID := inv.SMBID
		if err := e.repo.InsertTransaction(ctx, tx, &invoicedomain.Transaction{
			ID:         e.genID.Generate(),
			InvoiceID:  inv.ID,
			Type:       invoicedomain.TransactionTokenMint,
			Status:     invoicedomain.TransactionStatusConfirmed,
			TxHash:     mintHash,
			Amount:     inv.TotalAmount,
			FromUserID: &smbID,
			Metadata: datatypes.JSONMap{
				"token_id":      token.TokenID,
				"total_supply":  supply.String(),
				"metadata_hash": hash,
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		ok, err := e.repo.Transition(ctx, tx, inv.ID, invoicedomain.StatusPendingApproval, invoicedomain.StatusListed, map[string]any{
			"metadata_hash": hash,
			"updated_at":    now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: invoice left PENDING_APPROVAL during tokenization", invoicedomain.ErrInvalidStatus)
		}
		return nil
	})
	if err != nil {
		log.Error("minted token not persisted", zap.String("tx_hash", mintHash), zap.Error(err))
		return nil, err
	}
	e.metrics.RecordInvoiceTransition(ctx, string(invoicedomain.StatusPendingApproval), string(invoicedomain.StatusListed))

	if listHash, ok := e.list(ctx, log, inv, token, supply); ok {
		token.ListTxHash = &listHash
		if err := e.repo.SetTokenListTx(context.WithoutCancel(ctx), e.db, token.ID, listHash); err != nil {
			log.Error("listing confirmed but not recorded", zap.String("tx_hash", listHash), zap.Error(err))
		}
	}

	if e.auditSvc != nil {
		targetID := inv.ID.String()
		if err := e.auditSvc.AuditLog(ctx, "", nil, auditdomain.ActionInvoiceListed, "invoice", &targetID, map[string]any{
			"token_id":      token.TokenID,
			"listing_id":    token.ListingID,
			"mint_tx_hash":  mintHash,
			"metadata_hash": hash,
		}); err != nil {
			log.Warn("failed to write tokenization audit", zap.Error(err))
		}
	}
	return token, nil
}

// list offers the minted supply on the marketplace. Failures are logged only.
func (e *Engine) list(ctx context.Context, log *zap.Logger, inv *invoicedomain.Invoice, token *invoicedomain.InvoiceToken, supply *big.Int) (string, bool) {
	if e.cfg.Contracts.Marketplace == "" {
		return "", false
	}
	admin, err := e.gateway.SignerAddress()
	if err != nil {
		log.Warn("marketplace listing skipped", zap.Error(err))
		return "", false
	}
	minTokens := e.cfg.MinInvestmentTokens
	if minTokens <= 0 {
		minTokens = 1
	}

	started := time.Now()
	hash, err := e.gateway.Invoke(ctx, e.cfg.Contracts.Marketplace, "list_token",
		ledgerdomain.Address(admin),
		ledgerdomain.Text(token.ListingID),
		ledgerdomain.Address(token.ContractID),
		ledgerdomain.Address(e.cfg.Contracts.Escrow),
		ledgerdomain.BigInt128(PricePerToken(inv.DiscountRate)),
		ledgerdomain.Int128(minTokens),
		ledgerdomain.BigInt128(supply),
	)
	if err != nil {
		log.Warn("marketplace listing failed",
			zap.String("listing_id", token.ListingID),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
		return "", false
	}
	return hash, true
}
