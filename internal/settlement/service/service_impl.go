package service

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/factora/internal/audit/domain"
	"github.com/smallbiznis/factora/internal/authorization"
	"github.com/smallbiznis/factora/internal/clock"
	"github.com/smallbiznis/factora/internal/config"
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/factora/internal/ledger/domain"
	obslogger "github.com/smallbiznis/factora/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/factora/internal/observability/metrics"
	settlementdomain "github.com/smallbiznis/factora/internal/settlement/domain"
	"github.com/smallbiznis/factora/internal/tokenization"
	userdomain "github.com/smallbiznis/factora/internal/user/domain"
	"github.com/smallbiznis/factora/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      config.Config
	Repo        settlementdomain.Repository
	InvoiceRepo invoicedomain.Repository
	Gateway     ledgerdomain.Gateway
	Authz       authorization.Service
	Mints       invoicedomain.MintReconciler `optional:"true"`
	AuditSvc    auditdomain.Service          `optional:"true"`
	Metrics     *obsmetrics.Metrics          `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      config.LedgerConfig
	repo     settlementdomain.Repository
	invoices invoicedomain.Repository
	users    repository.Repository[userdomain.User]
	gateway  ledgerdomain.Gateway
	authz    authorization.Service
	mints    invoicedomain.MintReconciler
	auditSvc auditdomain.Service
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) settlementdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("settlement.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Config.Ledger,
		repo:     p.Repo,
		invoices: p.InvoiceRepo,
		users:    repository.ProvideStore[userdomain.User](p.DB),
		gateway:  p.Gateway,
		authz:    p.Authz,
		mints:    p.Mints,
		auditSvc: p.AuditSvc,
		metrics:  p.Metrics,
	}
}

// Invest deposits the investor's funds into escrow and buys the matching
// token units. The escrow row is written as a PENDING intent first, so a
// purchase that fails after a confirmed deposit stays visible as drift.
func (s *Service) Invest(ctx context.Context, req settlementdomain.InvestRequest) (result *settlementdomain.InvestResult, err error) {
	defer func() { s.metrics.RecordInvestment(ctx, err) }()

	if req.Amount <= 0 {
		return nil, settlementdomain.ErrInvalidAmount
	}
	if s.cfg.Contracts.Escrow == "" || s.cfg.Contracts.Marketplace == "" {
		return nil, fmt.Errorf("%w: escrow and marketplace contracts are required", ledgerdomain.ErrConfig)
	}

	inv, err := s.invoices.FindByID(ctx, s.db, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if inv.Status != invoicedomain.StatusListed {
		return nil, fmt.Errorf("%w: invoice is %s", invoicedomain.ErrInvalidStatus, inv.Status)
	}
	token, err := s.invoices.FindToken(ctx, s.db, inv.ID)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, settlementdomain.ErrNotTokenized
	}

	investor, err := s.users.FindOne(ctx, &userdomain.User{ID: req.InvestorID})
	if err != nil {
		return nil, err
	}
	if investor == nil {
		return nil, userdomain.ErrUserNotFound
	}
	wallet, override, err := resolveWallet(investor, req.WalletAddress)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	intent := &settlementdomain.EscrowTransaction{
		ID:            s.genID.Generate(),
		InvoiceID:     inv.ID,
		InvestorID:    investor.ID,
		WalletAddress: wallet,
		Amount:        req.Amount,
		Status:        settlementdomain.EscrowPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.reserve(ctx, intent, override); err != nil {
		return nil, err
	}

	log := obslogger.WithInvoice(obslogger.WithContext(ctx, s.log), inv.ID.String(), inv.InvoiceNumber).
		With(zap.String("escrow_transaction_id", intent.ID.String()))

	depositHash, err := s.gateway.Invoke(ctx, s.cfg.Contracts.Escrow, "deposit",
		ledgerdomain.Address(wallet),
		ledgerdomain.Int128(req.Amount),
	)
	if err != nil {
		writeCtx := context.WithoutCancel(ctx)
		if hash, pending := ledgerdomain.PendingTxHash(err); pending {
			// The deposit may still land; the intent keeps holding capacity
			// until the reconciler resolves the hash.
			log.Warn("deposit submitted without observed finality", zap.String("tx_hash", hash), zap.Error(err))
			if recErr := s.repo.RecordDepositTx(writeCtx, s.db, intent.ID, hash, s.clock.Now().UTC()); recErr != nil {
				log.Error("failed to record unconfirmed deposit", zap.String("tx_hash", hash), zap.Error(recErr))
			}
			return nil, err
		}
		if failErr := s.repo.FailEscrow(writeCtx, s.db, intent.ID, err.Error(), s.clock.Now().UTC()); failErr != nil {
			log.Error("failed to mark escrow intent failed", zap.Error(failErr))
		}
		return nil, err
	}
	recorded, err := s.repo.ConfirmDeposit(ctx, s.db, intent.ID, depositHash, s.clock.Now().UTC())
	if err != nil {
		log.Error("deposit confirmed on chain but not recorded", zap.String("tx_hash", depositHash), zap.Error(err))
		return nil, err
	}
	if !recorded {
		log.Error("deposit confirmed after the intent was closed", zap.String("tx_hash", depositHash))
		return nil, fmt.Errorf("escrow intent %s closed before its deposit was recorded", intent.ID)
	}

	tokens := new(big.Int).Mul(big.NewInt(req.Amount), big.NewInt(tokenization.SupplyScale))
	purchaseHash, err := s.gateway.Invoke(ctx, s.cfg.Contracts.Marketplace, "purchase",
		ledgerdomain.Address(wallet),
		ledgerdomain.Text(token.ListingID),
		ledgerdomain.BigInt128(tokens),
	)
	if err != nil {
		// The deposit is final; the reconciler confirms or reports the purchase.
		log.Error("purchase failed after confirmed deposit",
			zap.String("deposit_tx_hash", depositHash),
			zap.Error(err),
		)
		if hash, pending := ledgerdomain.PendingTxHash(err); pending {
			if recErr := s.repo.RecordPurchaseTx(context.WithoutCancel(ctx), s.db, intent.ID, hash, s.clock.Now().UTC()); recErr != nil {
				log.Error("failed to record unconfirmed purchase", zap.String("tx_hash", hash), zap.Error(recErr))
			}
		}
		return nil, err
	}
	if err := s.repo.ConfirmPurchase(ctx, s.db, intent.ID, purchaseHash, s.clock.Now().UTC()); err != nil {
		log.Error("purchase confirmed on chain but not recorded", zap.String("tx_hash", purchaseHash), zap.Error(err))
		return nil, err
	}

	ownership, funded, err := s.finalizeInvestment(ctx, intent.ID)
	if err != nil {
		return nil, err
	}

	updated, err := s.invoices.FindByID(ctx, s.db, inv.ID)
	if err != nil {
		return nil, err
	}
	log.Info("investment settled",
		zap.Int64("amount", req.Amount),
		zap.Int64("funded_amount", updated.FundedAmount),
		zap.Bool("invoice_funded", funded),
	)

	invoiceID := inv.ID.String()
	s.audit(ctx, auditdomain.ActionInvestmentCreated, "invoice", invoiceID, map[string]any{
		"escrow_transaction_id": intent.ID.String(),
		"investor_id":           investor.ID.String(),
		"amount":                req.Amount,
		"deposit_tx_hash":       depositHash,
		"purchase_tx_hash":      purchaseHash,
	})
	if funded {
		s.audit(ctx, auditdomain.ActionInvoiceFunded, "invoice", invoiceID, map[string]any{
			"funded_amount": updated.FundedAmount,
		})
	}

	return &settlementdomain.InvestResult{
		TokenOwnership: ownership,
		Invoice:        updated,
		TransactionHashes: settlementdomain.TransactionHashes{
			Escrow:   depositHash,
			Purchase: purchaseHash,
		},
	}, nil
}

// reserve writes the PENDING intent under the invoice row lock. Capacity
// counts both settled funding and intents still in flight.
func (s *Service) reserve(ctx context.Context, intent *settlementdomain.EscrowTransaction, persistWallet bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.invoices.LoadForUpdate(ctx, tx, intent.InvoiceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if inv.Status != invoicedomain.StatusListed {
			return fmt.Errorf("%w: invoice is %s", invoicedomain.ErrInvalidStatus, inv.Status)
		}

		inFlight, err := s.repo.PendingEscrowAmount(ctx, tx, inv.ID)
		if err != nil {
			return err
		}
		if intent.Amount > inv.RemainingCapacity()-inFlight {
			return settlementdomain.ErrExceedsRemainingCapacity
		}

		if persistWallet {
			if _, err := s.users.WithTrx(tx).Update(ctx, intent.InvestorID, map[string]any{
				"wallet_address": intent.WalletAddress,
				"updated_at":     intent.CreatedAt,
			}); err != nil {
				return err
			}
		}
		return s.repo.InsertEscrow(ctx, tx, intent)
	})
}

// finalizeInvestment records a PENDING intent whose ledger legs are both
// confirmed. It is idempotent: an already finalized row is returned as is.
func (s *Service) finalizeInvestment(ctx context.Context, escrowID snowflake.ID) (*settlementdomain.TokenOwnership, bool, error) {
	var (
		ownership *settlementdomain.TokenOwnership
		funded    bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		escrow, err := s.repo.LoadEscrowForUpdate(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		if escrow == nil {
			return fmt.Errorf("escrow transaction %s not found", escrowID)
		}
		if escrow.Status != settlementdomain.EscrowPending {
			ownership, err = s.repo.FindOwnershipByEscrow(ctx, tx, escrowID)
			return err
		}
		if !escrow.BothLegsConfirmed() {
			return fmt.Errorf("escrow transaction %s has unconfirmed ledger legs", escrowID)
		}

		inv, err := s.invoices.LoadForUpdate(ctx, tx, escrow.InvoiceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		token, err := s.invoices.FindToken(ctx, tx, inv.ID)
		if err != nil {
			return err
		}
		if token == nil {
			return settlementdomain.ErrNotTokenized
		}

		now := s.clock.Now().UTC()
		ownership = &settlementdomain.TokenOwnership{
			ID:                  s.genID.Generate(),
			InvestorID:          escrow.InvestorID,
			TokenID:             token.ID,
			InvoiceID:           inv.ID,
			EscrowTransactionID: escrow.ID,
			Amount:              decimal.NewFromBigInt(tokenization.TotalSupply(escrow.Amount), 0),
			PurchaseRate:        inv.DiscountRate,
			TxHash:              *escrow.PurchaseTxHash,
			CreatedAt:           now,
		}
		if err := s.repo.InsertOwnership(ctx, tx, ownership); err != nil {
			return err
		}

		ok, err := s.repo.TransitionEscrow(ctx, tx, escrow.ID, settlementdomain.EscrowPending, settlementdomain.EscrowFunded, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("escrow transaction %s changed during finalize", escrowID)
		}

		investorID := escrow.InvestorID
		if err := s.invoices.InsertTransaction(ctx, tx, &invoicedomain.Transaction{
			ID:         s.genID.Generate(),
			InvoiceID:  inv.ID,
			Type:       invoicedomain.TransactionInvestment,
			Status:     invoicedomain.TransactionStatusConfirmed,
			TxHash:     *escrow.PurchaseTxHash,
			Amount:     escrow.Amount,
			FromUserID: &investorID,
			Metadata: datatypes.JSONMap{
				"escrow_transaction_id": escrow.ID.String(),
				"deposit_tx_hash":       deref(escrow.DepositTxHash),
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}

		added, err := s.invoices.AddFunding(ctx, tx, inv.ID, escrow.Amount, now)
		if err != nil {
			return err
		}
		if !added {
			return fmt.Errorf("%w: invoice is %s", invoicedomain.ErrInvalidStatus, inv.Status)
		}
		inv.FundedAmount += escrow.Amount

		if inv.Status == invoicedomain.StatusListed && inv.FundedAmount >= inv.FundingThreshold() {
			moved, err := s.invoices.Transition(ctx, tx, inv.ID, invoicedomain.StatusListed, invoicedomain.StatusFunded, map[string]any{
				"funded_at":  now,
				"updated_at": now,
			})
			if err != nil {
				return err
			}
			funded = moved
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if funded {
		s.metrics.RecordInvoiceTransition(ctx, string(invoicedomain.StatusListed), string(invoicedomain.StatusFunded))
	}
	return ownership, funded, nil
}

func (s *Service) ListInvestments(ctx context.Context, investorID snowflake.ID) ([]settlementdomain.InvestmentView, error) {
	ownerships, err := s.repo.ListOwnerships(ctx, s.db, investorID)
	if err != nil {
		return nil, err
	}

	invoices := make(map[snowflake.ID]*invoicedomain.Invoice)
	views := make([]settlementdomain.InvestmentView, 0, len(ownerships))
	for _, o := range ownerships {
		inv, ok := invoices[o.InvoiceID]
		if !ok {
			inv, err = s.invoices.FindByID(ctx, s.db, o.InvoiceID)
			if err != nil {
				return nil, err
			}
			invoices[o.InvoiceID] = inv
		}
		if inv == nil {
			continue
		}
		views = append(views, settlementdomain.InvestmentView{Ownership: o, Invoice: *inv})
	}
	return views, nil
}

// EscrowStatus reads the escrow contract without failing on ledger errors.
func (s *Service) EscrowStatus(ctx context.Context, invoiceID snowflake.ID) (*settlementdomain.EscrowView, error) {
	inv, err := s.invoices.FindByID(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	rows, err := s.repo.ListEscrows(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}

	view := &settlementdomain.EscrowView{InvoiceID: invoiceID, Transactions: rows}
	if s.cfg.Contracts.Escrow == "" {
		return view, nil
	}
	view.Status = s.readString(ctx, "get_status")
	view.TotalDeposited = s.readString(ctx, "get_total_deposited")
	if v, _ := s.gateway.Call(ctx, s.cfg.Contracts.Escrow, "is_fully_funded"); v != nil {
		if b, ok := v.(bool); ok {
			view.FullyFunded = &b
		}
	}
	return view, nil
}

func (s *Service) readString(ctx context.Context, function string) *string {
	v, err := s.gateway.Call(ctx, s.cfg.Contracts.Escrow, function)
	if err != nil || v == nil {
		return nil
	}
	out := formatValue(v)
	return &out
}

func formatValue(v any) string {
	switch t := v.(type) {
	case *big.Int:
		return t.String()
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, formatValue(p))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}

func (s *Service) audit(ctx context.Context, action, targetType, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, "", nil, action, targetType, &targetID, metadata); err != nil {
		s.log.Warn("failed to write settlement audit", zap.String("action", action), zap.Error(err))
	}
}

// resolveWallet picks the explicit wallet over the stored one. override is
// true when the explicit address differs from what is stored.
func resolveWallet(user *userdomain.User, explicit *string) (wallet string, override bool, err error) {
	if explicit != nil && strings.TrimSpace(*explicit) != "" {
		wallet, err = userdomain.NormalizeWallet(*explicit)
		if err != nil {
			return "", false, err
		}
		return wallet, wallet != user.Wallet(), nil
	}
	if stored := user.Wallet(); stored != "" {
		return stored, false, nil
	}
	return "", false, settlementdomain.ErrNoWallet
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
