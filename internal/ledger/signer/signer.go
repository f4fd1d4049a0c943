// Package signer holds the custodial ed25519 key used to sign invocations.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/factora/internal/ledger/strkey"
)

var ErrInvalidSeed = errors.New("invalid signer seed")

type KeyPair struct {
	private ed25519.PrivateKey
	address string
}

// FromSeed parses an S... secret seed.
func FromSeed(seed string) (*KeyPair, error) {
	raw, err := strkey.Decode(strkey.VersionSeed, strings.TrimSpace(seed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return fromRawSeed(raw)
}

// Random generates a fresh key pair.
func Random() (*KeyPair, error) {
	raw := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	return fromRawSeed(raw)
}

func fromRawSeed(raw []byte) (*KeyPair, error) {
	private := ed25519.NewKeyFromSeed(raw)
	public := private.Public().(ed25519.PublicKey)
	address, err := strkey.Encode(strkey.VersionAccountID, public)
	if err != nil {
		return nil, err
	}
	return &KeyPair{private: private, address: address}, nil
}

// Address is the G... account id.
func (k *KeyPair) Address() string { return k.address }

// Seed is the S... secret seed.
func (k *KeyPair) Seed() string {
	seed, _ := strkey.Encode(strkey.VersionSeed, k.private.Seed())
	return seed
}

// SignHex signs msg and returns the hex signature.
func (k *KeyPair) SignHex(msg []byte) string {
	return hex.EncodeToString(ed25519.Sign(k.private, msg))
}

// Verify checks a hex signature against a G... address.
func Verify(address string, msg []byte, signatureHex string) bool {
	public, err := strkey.Decode(strkey.VersionAccountID, address)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(public), msg, sig)
}
