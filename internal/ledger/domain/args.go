package domain

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/smallbiznis/factora/internal/ledger/strkey"
)

type ArgKind string

const (
	KindString  ArgKind = "string"
	KindBytes   ArgKind = "bytes"
	KindI128    ArgKind = "i128"
	KindBool    ArgKind = "bool"
	KindAddress ArgKind = "address"
)

var (
	maxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// Arg is a typed contract argument. The zero value is invalid; build one with
// Text, Bytes, Int128, BigInt128, Bool or Address.
type Arg struct {
	kind  ArgKind
	text  string
	bytes []byte
	i128  *big.Int
	flag  bool
}

func Text(s string) Arg { return Arg{kind: KindString, text: s} }

func Bytes(b []byte) Arg {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Arg{kind: KindBytes, bytes: cp}
}

func Int128(v int64) Arg { return Arg{kind: KindI128, i128: big.NewInt(v)} }

// BigInt128 accepts values up to the signed 128-bit range; range is checked on Encode.
func BigInt128(v *big.Int) Arg {
	if v == nil {
		v = new(big.Int)
	}
	return Arg{kind: KindI128, i128: new(big.Int).Set(v)}
}

func Bool(v bool) Arg { return Arg{kind: KindBool, flag: v} }

// Address takes an account (G...) or contract (C...) strkey.
func Address(addr string) Arg { return Arg{kind: KindAddress, text: addr} }

func (a Arg) Kind() ArgKind { return a.kind }

// EncodedArg is the wire form of an Arg.
type EncodedArg struct {
	Type  ArgKind `json:"type"`
	Value string  `json:"value"`
}

func (a Arg) Encode() (EncodedArg, error) {
	switch a.kind {
	case KindString:
		return EncodedArg{Type: KindString, Value: a.text}, nil
	case KindBytes:
		return EncodedArg{Type: KindBytes, Value: hex.EncodeToString(a.bytes)}, nil
	case KindI128:
		if a.i128.Cmp(maxI128) > 0 || a.i128.Cmp(minI128) < 0 {
			return EncodedArg{}, fmt.Errorf("%w: %s overflows i128", ErrInvalidArgument, a.i128.String())
		}
		return EncodedArg{Type: KindI128, Value: a.i128.String()}, nil
	case KindBool:
		if a.flag {
			return EncodedArg{Type: KindBool, Value: "true"}, nil
		}
		return EncodedArg{Type: KindBool, Value: "false"}, nil
	case KindAddress:
		if !strkey.IsValid(strkey.VersionAccountID, a.text) && !strkey.IsValid(strkey.VersionContract, a.text) {
			return EncodedArg{}, fmt.Errorf("%w: malformed address %q", ErrInvalidArgument, a.text)
		}
		return EncodedArg{Type: KindAddress, Value: a.text}, nil
	default:
		return EncodedArg{}, fmt.Errorf("%w: unset argument", ErrInvalidArgument)
	}
}

func EncodeArgs(args []Arg) ([]EncodedArg, error) {
	out := make([]EncodedArg, 0, len(args))
	for i, a := range args {
		enc, err := a.Encode()
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		out = append(out, enc)
	}
	return out, nil
}
