package domain

import "context"

const (
	SendStatusPending   = "PENDING"
	SendStatusDuplicate = "DUPLICATE"
	SendStatusError     = "ERROR"
	SendStatusTryLater  = "TRY_AGAIN_LATER"

	TxStatusSuccess  = "SUCCESS"
	TxStatusFailed   = "FAILED"
	TxStatusNotFound = "NOT_FOUND"
)

type Account struct {
	ID       string
	Sequence int64
}

type SimulateResult struct {
	Error          string
	MinResourceFee int64
	Result         *Value
}

type SendResult struct {
	Hash        string
	Status      string
	ErrorResult string
}

type TransactionResult struct {
	Status      string
	Ledger      int64
	ReturnValue *Value
	ResultError string
}

// Client is the settlement network RPC surface the gateway depends on.
type Client interface {
	GetAccount(ctx context.Context, address string) (Account, error)
	SimulateTransaction(ctx context.Context, env Envelope) (SimulateResult, error)
	SendTransaction(ctx context.Context, env SignedEnvelope) (SendResult, error)
	GetTransaction(ctx context.Context, hash string) (TransactionResult, error)
}
