package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvocationFailed  = errors.New("ledger_invocation_failed")
	ErrConfig            = errors.New("config_error")
	ErrInvalidArgument   = errors.New("invalid_ledger_argument")
	// ErrTransactionFailed marks a transaction the network applied as FAILED.
	ErrTransactionFailed = errors.New("transaction failed")
)

const (
	StageAccount   = "account"
	StageEncode    = "encode"
	StageSimulate  = "simulate"
	StageSend      = "send"
	StageFinality  = "finality"
	StageSignerKey = "signer_queue"
)

// InvocationError describes where a contract invocation stopped. It matches
// ErrInvocationFailed under errors.Is. TxHash is set once the envelope may
// have reached the network.
type InvocationError struct {
	Function string
	Stage    string
	TxHash   string
	Reason   string
	Err      error
}

func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("ledger invocation %s failed at %s", e.Function, e.Stage)
	if e.TxHash != "" {
		msg += " (tx " + e.TxHash + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvocationError) Is(target error) bool {
	return target == ErrInvocationFailed
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// PendingTxHash reports the hash of a transaction whose outcome is unknown:
// the envelope may have been accepted but finality was not observed. Callers
// must not treat such an invocation as rolled back.
func PendingTxHash(err error) (string, bool) {
	var invErr *InvocationError
	if !errors.As(err, &invErr) || invErr.TxHash == "" {
		return "", false
	}
	if errors.Is(invErr.Err, ErrTransactionFailed) {
		return "", false
	}
	return invErr.TxHash, true
}
