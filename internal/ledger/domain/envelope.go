package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Operation is a single contract function invocation.
type Operation struct {
	ContractID string       `json:"contract_id"`
	Function   string       `json:"function"`
	Args       []EncodedArg `json:"args"`
}

// Envelope is an unsigned invocation transaction.
type Envelope struct {
	Source    string    `json:"source"`
	Sequence  int64     `json:"sequence"`
	Fee       int64     `json:"fee"`
	MinTime   int64     `json:"min_time"`
	MaxTime   int64     `json:"max_time"`
	Operation Operation `json:"operation"`
}

// Hash is sha256(sha256(network) || json(envelope)). Field order is fixed by
// the struct definition, so the encoding is canonical.
func (e Envelope) Hash(networkPassphrase string) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	network := sha256.Sum256([]byte(networkPassphrase))
	h := sha256.New()
	h.Write(network[:])
	h.Write(body)
	return h.Sum(nil), nil
}

func (e Envelope) HashHex(networkPassphrase string) (string, error) {
	sum, err := e.Hash(networkPassphrase)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// SignedEnvelope carries the hex ed25519 signature over Envelope.Hash.
type SignedEnvelope struct {
	Envelope  Envelope `json:"envelope"`
	Signer    string   `json:"signer"`
	Signature string   `json:"signature"`
}
