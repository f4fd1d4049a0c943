package domain

import (
	"math/big"
	"testing"

	"github.com/smallbiznis/factora/internal/ledger/strkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeArgs(t *testing.T) {
	addr, err := strkey.Encode(strkey.VersionAccountID, make([]byte, 32))
	require.NoError(t, err)

	supply, _ := new(big.Int).SetString("1500000000000000000", 10)
	encoded, err := EncodeArgs([]Arg{
		Text("INV-1001"),
		Bytes([]byte{0xde, 0xad}),
		Int128(42),
		BigInt128(supply),
		Bool(true),
		Address(addr),
	})
	require.NoError(t, err)
	assert.Equal(t, []EncodedArg{
		{Type: KindString, Value: "INV-1001"},
		{Type: KindBytes, Value: "dead"},
		{Type: KindI128, Value: "42"},
		{Type: KindI128, Value: "1500000000000000000"},
		{Type: KindBool, Value: "true"},
		{Type: KindAddress, Value: addr},
	}, encoded)
}

func TestTextIsNeverReinterpretedAsBytes(t *testing.T) {
	enc, err := Text("deadbeef").Encode()
	require.NoError(t, err)
	assert.Equal(t, KindString, enc.Type)
	assert.Equal(t, "deadbeef", enc.Value)
}

func TestEncodeRejects(t *testing.T) {
	overflow := new(big.Int).Lsh(big.NewInt(1), 127)
	_, err := BigInt128(overflow).Encode()
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Address("GNOTREAL").Encode()
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Arg{}.Encode()
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDecodeValue(t *testing.T) {
	v, err := DecodeValue(NewValue("i128", "150000000000"))
	require.NoError(t, err)
	assert.Equal(t, "150000000000", v.(*big.Int).String())

	v, err = DecodeValue(NewValue("bool", true))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = DecodeValue(NewValue("u64", 7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = DecodeValue(NewValue("vec", []Value{NewValue("symbol", "Funded"), NewValue("bytes", "ff")}))
	require.NoError(t, err)
	assert.Equal(t, []any{"Funded", []byte{0xff}}, v)

	v, err = DecodeValue(NewValue("map", []MapEntry{{Key: NewValue("symbol", "status"), Val: NewValue("u32", 2)}}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": int64(2)}, v)

	v, err = DecodeValue(Value{Type: "void"})
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = DecodeValue(NewValue("timepoint", 1))
	assert.Error(t, err)
}

func TestInvocationErrorMatchesSentinel(t *testing.T) {
	err := &InvocationError{Function: "deposit", Stage: StageSend, Reason: "tx_bad_seq"}
	assert.ErrorIs(t, err, ErrInvocationFailed)
	assert.Contains(t, err.Error(), "deposit")
	assert.Contains(t, err.Error(), "tx_bad_seq")
}

func TestEnvelopeHashDependsOnNetwork(t *testing.T) {
	env := Envelope{Source: "G", Sequence: 2, Fee: 100, Operation: Operation{ContractID: "C", Function: "deposit"}}
	a, err := env.HashHex("Test SDF Network ; September 2015")
	require.NoError(t, err)
	b, err := env.HashHex("Public Global Stellar Network ; September 2015")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	again, err := env.HashHex("Test SDF Network ; September 2015")
	require.NoError(t, err)
	assert.Equal(t, a, again)
}
