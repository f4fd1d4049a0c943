// Package ledgertest provides an in-memory settlement network for tests.
package ledgertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	ledgerdomain "github.com/smallbiznis/factora/internal/ledger/domain"
	"github.com/smallbiznis/factora/internal/ledger/signer"
)

const (
	FailSimulate = "simulate"
	FailSend     = "send"
	FailFinality = "finality"
	// NeverFinal keeps the transaction NOT_FOUND so polling exhausts its budget.
	NeverFinal = "never_final"
)

// Invocation is a transaction the fake accepted.
type Invocation struct {
	Hash       string
	Source     string
	ContractID string
	Function   string
	Args       []ledgerdomain.EncodedArg
}

type Client struct {
	network string

	mu          sync.Mutex
	sequences   map[string]int64
	failures    map[string]string
	results     map[string]ledgerdomain.Value
	txs         map[string]string
	invocations []Invocation
	pendingPoll int
}

func New(network string) *Client {
	return &Client{
		network:   network,
		sequences: make(map[string]int64),
		failures:  make(map[string]string),
		results:   make(map[string]ledgerdomain.Value),
		txs:       make(map[string]string),
	}
}

// Fail makes every later invocation of function fail at mode.
func (c *Client) Fail(function, mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[function] = mode
}

func (c *Client) Recover(function string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, function)
}

// SetResult configures the simulated return value of function.
func (c *Client) SetResult(function string, v ledgerdomain.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[function] = v
}

// PendingPolls makes each transaction report NOT_FOUND n times before SUCCESS.
func (c *Client) PendingPolls(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingPoll = n
}

// Settle makes every transaction still awaiting finality report SUCCESS.
func (c *Client) Settle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, status := range c.txs {
		if strings.HasPrefix(status, "PENDING:") {
			c.txs[hash] = ledgerdomain.TxStatusSuccess
		}
	}
}

// SetStatus overrides what GetTransaction reports for hash.
func (c *Client) SetStatus(hash, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[hash] = status
}

func (c *Client) Invocations() []Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Invocation, len(c.invocations))
	copy(out, c.invocations)
	return out
}

// Calls returns accepted invocations of function.
func (c *Client) Calls(function string) []Invocation {
	var out []Invocation
	for _, inv := range c.Invocations() {
		if inv.Function == function {
			out = append(out, inv)
		}
	}
	return out
}

func (c *Client) Sequence(address string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequences[address]
}

func (c *Client) GetAccount(_ context.Context, address string) (ledgerdomain.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ledgerdomain.Account{ID: address, Sequence: c.sequences[address]}, nil
}

func (c *Client) SimulateTransaction(_ context.Context, env ledgerdomain.Envelope) (ledgerdomain.SimulateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fn := env.Operation.Function
	if c.failures[fn] == FailSimulate {
		return ledgerdomain.SimulateResult{Error: "HostError: contract trapped in " + fn}, nil
	}
	res := ledgerdomain.SimulateResult{MinResourceFee: 1000}
	if v, ok := c.results[fn]; ok {
		v := v
		res.Result = &v
	} else {
		res.Result = &ledgerdomain.Value{Type: "void"}
	}
	return res, nil
}

func (c *Client) SendTransaction(_ context.Context, signed ledgerdomain.SignedEnvelope) (ledgerdomain.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	env := signed.Envelope
	digest, err := env.Hash(c.network)
	if err != nil {
		return ledgerdomain.SendResult{}, err
	}
	hash, _ := env.HashHex(c.network)

	if signed.Signer != env.Source || !signer.Verify(signed.Signer, digest, signed.Signature) {
		return ledgerdomain.SendResult{Hash: hash, Status: ledgerdomain.SendStatusError, ErrorResult: "tx_bad_auth"}, nil
	}
	if _, seen := c.txs[hash]; seen {
		return ledgerdomain.SendResult{Hash: hash, Status: ledgerdomain.SendStatusDuplicate}, nil
	}
	if want := c.sequences[env.Source] + 1; env.Sequence != want {
		return ledgerdomain.SendResult{
			Hash:        hash,
			Status:      ledgerdomain.SendStatusError,
			ErrorResult: fmt.Sprintf("tx_bad_seq: got %d want %d", env.Sequence, want),
		}, nil
	}

	fn := env.Operation.Function
	if c.failures[fn] == FailSend {
		return ledgerdomain.SendResult{Hash: hash, Status: ledgerdomain.SendStatusError, ErrorResult: "tx_failed"}, nil
	}

	c.sequences[env.Source] = env.Sequence
	switch c.failures[fn] {
	case FailFinality:
		c.txs[hash] = ledgerdomain.TxStatusFailed
	case NeverFinal:
		c.txs[hash] = ledgerdomain.TxStatusNotFound
	default:
		c.txs[hash] = pendingStatus(c.pendingPoll)
		c.invocations = append(c.invocations, Invocation{
			Hash:       hash,
			Source:     env.Source,
			ContractID: env.Operation.ContractID,
			Function:   fn,
			Args:       env.Operation.Args,
		})
	}
	return ledgerdomain.SendResult{Hash: hash, Status: ledgerdomain.SendStatusPending}, nil
}

func (c *Client) GetTransaction(_ context.Context, hash string) (ledgerdomain.TransactionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.txs[hash]
	if !ok {
		return ledgerdomain.TransactionResult{Status: ledgerdomain.TxStatusNotFound}, nil
	}
	var remaining int
	if n, err := fmt.Sscanf(status, "PENDING:%d", &remaining); err == nil && n == 1 {
		if remaining <= 1 {
			c.txs[hash] = ledgerdomain.TxStatusSuccess
		} else {
			c.txs[hash] = pendingStatus(remaining - 1)
		}
		return ledgerdomain.TransactionResult{Status: ledgerdomain.TxStatusNotFound}, nil
	}
	res := ledgerdomain.TransactionResult{Status: status, Ledger: int64(len(c.txs))}
	if status == ledgerdomain.TxStatusFailed {
		res.ResultError = "contract_error"
	}
	return res, nil
}

func pendingStatus(polls int) string {
	if polls <= 0 {
		return ledgerdomain.TxStatusSuccess
	}
	return fmt.Sprintf("PENDING:%d", polls)
}

var _ ledgerdomain.Client = (*Client)(nil)
