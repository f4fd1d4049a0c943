package ledgertest

import (
	"testing"
	"time"

	"github.com/smallbiznis/factora/internal/clock"
	"github.com/smallbiznis/factora/internal/config"
	ledgerdomain "github.com/smallbiznis/factora/internal/ledger/domain"
	"github.com/smallbiznis/factora/internal/ledger/service"
	"github.com/smallbiznis/factora/internal/ledger/signer"
	"github.com/smallbiznis/factora/internal/ledger/strkey"
	"go.uber.org/zap"
)

const Network = "Test SDF Network ; September 2015"

// Env bundles a real gateway wired to the in-memory network.
type Env struct {
	Client  *Client
	Gateway ledgerdomain.Gateway
	Signer  *signer.KeyPair
	Config  config.LedgerConfig
}

// NewEnv builds a gateway with a fresh signer and contract ids, polling fast.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	kp, err := signer.Random()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	cfg := config.LedgerConfig{
		NetworkPassphrase: Network,
		SignerSecret:      kp.Seed(),
		Contracts: config.ContractsConfig{
			InvoiceToken: ContractID(1),
			Escrow:       ContractID(2),
			Marketplace:  ContractID(3),
		},
		PollAttempts:        3,
		PollInterval:        time.Millisecond,
		MinInvestmentTokens: 1,
	}

	client := New(Network)
	gw, err := service.NewService(service.Params{
		Client: client,
		Config: cfg,
		Log:    zap.NewNop(),
		Clock:  clock.SystemClock{},
	})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return &Env{Client: client, Gateway: gw, Signer: kp, Config: cfg}
}

// ContractID returns a deterministic C... id.
func ContractID(n byte) string {
	payload := make([]byte, 32)
	payload[31] = n
	id, _ := strkey.Encode(strkey.VersionContract, payload)
	return id
}

// AccountID returns a deterministic G... id.
func AccountID(n byte) string {
	payload := make([]byte, 32)
	payload[0] = 0xA0
	payload[31] = n
	id, _ := strkey.Encode(strkey.VersionAccountID, payload)
	return id
}
