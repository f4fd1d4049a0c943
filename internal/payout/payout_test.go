package payout

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDiscountBothSides(t *testing.T) {
	cases := []struct {
		name      string
		principal int64
		rate      string
		investor  int64
		smb       int64
	}{
		{"ten percent", 95000, "10", 104500, 85500},
		{"zero rate", 5000, "0", 5000, 5000},
		{"full rate", 1000, "100", 2000, 0},
		{"fractional rate", 333, "2.5", 341, 325},
		{"half rounds away from zero", 10, "5", 11, 10},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			split, err := Compute(tc.principal, decimal.RequireFromString(tc.rate))
			require.NoError(t, err)
			assert.Equal(t, FormulaDiscountBothSides, split.Formula)
			assert.Equal(t, tc.investor, split.Investor)
			assert.Equal(t, tc.smb, split.SMB)
		})
	}
}

func TestComputeDoesNotConservePrincipal(t *testing.T) {
	split, err := Compute(100000, decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, int64(200000), split.Investor+split.SMB)
}

func TestComputeRejectsBadInput(t *testing.T) {
	_, err := Compute(0, decimal.NewFromInt(5))
	assert.ErrorIs(t, err, ErrInvalidPrincipal)

	_, err = Compute(100, decimal.NewFromInt(101))
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = Compute(100, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = ComputeWith(Formula("single_pool"), 100, decimal.NewFromInt(5))
	assert.ErrorIs(t, err, ErrUnknownFormula)
}

func TestPayoutsPairAndComplete(t *testing.T) {
	inv := &invoicedomain.Invoice{
		ID:           snowflake.ID(10),
		SMBID:        snowflake.ID(20),
		DiscountRate: decimal.NewFromInt(10),
	}
	pair, err := Payouts(Contribution{EscrowTransactionID: 30, InvestorID: 40, Amount: 95000}, inv)
	require.NoError(t, err)
	require.Len(t, pair, 2)

	assert.Equal(t, RoleInvestor, pair[0].RecipientRole)
	assert.Equal(t, snowflake.ID(40), pair[0].RecipientID)
	assert.Equal(t, int64(104500), pair[0].Amount)
	assert.Equal(t, RoleSMB, pair[1].RecipientRole)
	assert.Equal(t, snowflake.ID(20), pair[1].RecipientID)
	assert.Equal(t, int64(85500), pair[1].Amount)
	for _, p := range pair {
		assert.Equal(t, StatusPending, p.Status)
		assert.Equal(t, snowflake.ID(30), p.EscrowTransactionID)
		assert.Nil(t, p.TxHash)
	}

	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	Complete(pair, "deadbeef", at)
	for _, p := range pair {
		assert.Equal(t, StatusCompleted, p.Status)
		require.NotNil(t, p.TxHash)
		assert.Equal(t, "deadbeef", *p.TxHash)
		assert.Equal(t, at, *p.CompletedAt)
	}
}
