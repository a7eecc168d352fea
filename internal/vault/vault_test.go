package vault

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/fixed"
)

func d(s string) fixed.Decimal { return fixed.MustParse(s) }

type failingPool struct{}

func (failingPool) DepositFee(context.Context, fixed.Decimal) error {
	return errors.New("fee pool offline")
}

func (failingPool) WithdrawFee(context.Context, fixed.Decimal) (fixed.Decimal, error) {
	return fixed.Zero, errors.New("fee pool offline")
}

func TestMemory_WithdrawCapsAtBalance(t *testing.T) {
	ctx := context.Background()
	fund := NewMemory(d("100"))

	out, err := fund.Withdraw(ctx, d("40"))
	require.NoError(t, err)
	assert.True(t, out.Equal(d("40")))

	out, err = fund.Withdraw(ctx, d("100"))
	require.NoError(t, err)
	assert.True(t, out.Equal(d("60")))

	bal, _ := fund.Balance(ctx)
	assert.True(t, bal.IsZero())

	_, err = fund.Withdraw(ctx, d("-1"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestApply_RecordsShortfall(t *testing.T) {
	ctx := context.Background()
	fees := NewMemory(fixed.Zero)
	fund := NewMemory(d("30"))

	s, err := Apply(ctx, fees, fund, Transfers{
		FeePool:       d("5"),
		InsuranceDraw: d("50"),
	})
	require.NoError(t, err)
	assert.True(t, s.Drawn.Equal(d("30")))
	assert.True(t, s.Shortfall.Equal(d("20")))

	feeBal, _ := fees.Balance(ctx)
	assert.True(t, feeBal.Equal(d("5")))
}

func TestApply_DepositAfterDraw(t *testing.T) {
	ctx := context.Background()
	fund := NewMemory(fixed.Zero)

	s, err := Apply(ctx, NewMemory(fixed.Zero), fund, Transfers{
		InsuranceDeposit: d("12"),
		InsuranceDraw:    d("10"),
	})
	require.NoError(t, err)
	// The draw runs against the empty fund before the deposit lands.
	assert.True(t, s.Shortfall.Equal(d("10")))
	bal, _ := fund.Balance(ctx)
	assert.True(t, bal.Equal(d("12")))
}

func TestApply_FeePoolFailureAborts(t *testing.T) {
	_, err := Apply(context.Background(), failingPool{}, NewMemory(fixed.Zero), Transfers{FeePool: d("1")})
	assert.Error(t, err)
}

func TestApply_FailureReversesEarlierSteps(t *testing.T) {
	ctx := context.Background()
	fund := NewMemory(d("100"))

	_, err := Apply(ctx, failingPool{}, fund, Transfers{
		FeePool:          d("1"),
		InsuranceDeposit: d("7"),
		InsuranceDraw:    d("40"),
	})
	require.Error(t, err)
	bal, _ := fund.Balance(ctx)
	assert.True(t, bal.Equal(d("100")), "fund %s", bal)
}

func TestApply_DrawMustCover(t *testing.T) {
	ctx := context.Background()
	fees := NewMemory(fixed.Zero)
	fund := NewMemory(d("30"))

	_, err := Apply(ctx, fees, fund, Transfers{
		FeePool:       d("5"),
		InsuranceDraw: d("50"),
		DrawMustCover: true,
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	bal, _ := fund.Balance(ctx)
	assert.True(t, bal.Equal(d("30")), "fund %s", bal)
	feeBal, _ := fees.Balance(ctx)
	assert.True(t, feeBal.IsZero())

	s, err := Apply(ctx, fees, fund, Transfers{InsuranceDraw: d("30"), DrawMustCover: true})
	require.NoError(t, err)
	assert.True(t, s.Drawn.Equal(d("30")))
	assert.True(t, s.Shortfall.IsZero())
}

func TestApply_PaysLiquidatorShare(t *testing.T) {
	ctx := context.Background()
	fees := NewMemory(fixed.Zero)

	s, err := Apply(ctx, fees, NewMemory(fixed.Zero), Transfers{FeePool: d("2.5"), Liquidator: d("2.5")})
	require.NoError(t, err)
	assert.True(t, s.LiquidatorPaid.Equal(d("2.5")))
	// The liquidator share never reaches a vault.
	feeBal, _ := fees.Balance(ctx)
	assert.True(t, feeBal.Equal(d("2.5")))
}

func TestRevert(t *testing.T) {
	ctx := context.Background()
	fees := NewMemory(fixed.Zero)
	fund := NewMemory(d("100"))
	tr := Transfers{FeePool: d("3"), InsuranceDeposit: d("4"), InsuranceDraw: d("20")}

	s, err := Apply(ctx, fees, fund, tr)
	require.NoError(t, err)
	bal, _ := fund.Balance(ctx)
	require.True(t, bal.Equal(d("84")))

	require.NoError(t, Revert(ctx, fees, fund, tr, s))
	bal, _ = fund.Balance(ctx)
	assert.True(t, bal.Equal(d("100")), "fund %s", bal)
	feeBal, _ := fees.Balance(ctx)
	assert.True(t, feeBal.IsZero())

	// A fee pool that was drained in between cannot be reversed in full.
	require.NoError(t, fees.Deposit(ctx, d("1")))
	assert.Error(t, Revert(ctx, fees, fund, Transfers{FeePool: d("3")}, Settlement{}))
}

func TestTransfers_Plus(t *testing.T) {
	a := Transfers{FeePool: d("1"), InsuranceDraw: d("2"), Liquidator: d("0.25")}
	b := Transfers{FeePool: d("0.5"), InsuranceDeposit: d("3"), Liquidator: d("0.25"), DrawMustCover: true}
	sum, err := a.Plus(b)
	require.NoError(t, err)
	assert.True(t, sum.FeePool.Equal(d("1.5")))
	assert.True(t, sum.InsuranceDeposit.Equal(d("3")))
	assert.True(t, sum.InsuranceDraw.Equal(d("2")))
	assert.True(t, sum.Liquidator.Equal(d("0.5")))
	assert.True(t, sum.DrawMustCover)
	assert.False(t, sum.IsZero())
	assert.False(t, Transfers{Liquidator: d("1")}.IsZero())
	assert.True(t, Transfers{}.IsZero())
}
