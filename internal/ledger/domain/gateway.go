package domain

import "context"

// Gateway submits contract invocations under the custodial signer.
type Gateway interface {
	// Invoke signs, submits and waits for finality. It returns the transaction hash.
	Invoke(ctx context.Context, contractID, function string, args ...Arg) (string, error)
	// Call simulates a read-only invocation. Any simulation failure yields (nil, nil).
	Call(ctx context.Context, contractID, function string, args ...Arg) (any, error)
	// TransactionStatus reads the network status of a submitted transaction
	// once, without waiting for finality.
	TransactionStatus(ctx context.Context, hash string) (string, error)
	// SignerAddress returns the custodial signer's account, or ErrConfig when unset.
	SignerAddress() (string, error)
}
