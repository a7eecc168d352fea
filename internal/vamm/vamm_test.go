package vamm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/fixed"
)

// d is a test helper for parsing decimals.
func d(s string) fixed.Decimal {
	return fixed.MustParse(s)
}

func million(t *testing.T) Pool {
	t.Helper()
	p, err := NewPool(d("1000000"), d("1000000"))
	require.NoError(t, err)
	return p
}

func testCurve(t *testing.T) *Curve {
	t.Helper()
	c, err := NewCurve(DefaultConfig())
	require.NoError(t, err)
	return c
}

func assertWithin(t *testing.T, want, got, tol fixed.Decimal, msg string) {
	t.Helper()
	diff, err := want.Sub(got)
	require.NoError(t, err)
	assert.True(t, diff.Abs().LessThanOrEqual(tol), "%s: want %s got %s (tol %s)", msg, want, got, tol)
}

func TestNewPool_RejectsNonPositive(t *testing.T) {
	_, err := NewPool(fixed.Zero, d("1"))
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	_, err = NewPool(d("1"), d("-1"))
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestSwap_PreservesInvariant(t *testing.T) {
	p := million(t)
	k, err := p.Invariant()
	require.NoError(t, err)
	tol := d("0.000000001")

	tests := []struct {
		name string
		swap func(Pool) (Swap, error)
	}{
		{"buy by quote", func(p Pool) (Swap, error) { return p.SwapQuote(Buy, d("12345.678")) }},
		{"sell by quote", func(p Pool) (Swap, error) { return p.SwapQuote(Sell, d("777.7")) }},
		{"buy by base", func(p Pool) (Swap, error) { return p.SwapBase(Buy, d("3333.3333")) }},
		{"sell by base", func(p Pool) (Swap, error) { return p.SwapBase(Sell, d("250000")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := tt.swap(p)
			require.NoError(t, err)
			kNext, err := s.Next.Invariant()
			require.NoError(t, err)
			assertWithin(t, k, kNext, tol, "invariant")
			assert.True(t, s.Base.IsPositive())
			assert.True(t, s.Quote.IsPositive())
		})
	}
}

func TestSwapQuote_TracksNet(t *testing.T) {
	p := million(t)
	long, err := p.SwapQuote(Buy, d("10000"))
	require.NoError(t, err)
	assert.True(t, long.Next.Net.Equal(long.Base))

	short, err := long.Next.SwapQuote(Sell, d("10000"))
	require.NoError(t, err)
	net, err := long.Base.Sub(short.Base)
	require.NoError(t, err)
	assert.True(t, short.Next.Net.Equal(net))
}

func TestSwap_OpenCloseRoundTrip(t *testing.T) {
	p := million(t)
	open, err := p.SwapQuote(Buy, d("10000"))
	require.NoError(t, err)
	closing, err := open.Next.SwapBase(Sell, open.Base)
	require.NoError(t, err)

	assertWithin(t, d("10000"), closing.Quote, d("0.000000001"), "round trip quote")
	assertWithin(t, p.Base, closing.Next.Base, d("0.000000001"), "base reserve restored")
	assertWithin(t, fixed.Zero, closing.Next.Net, d("0.000000001"), "net restored")
}

func TestSwap_InsufficientLiquidity(t *testing.T) {
	p := million(t)
	_, err := p.SwapQuote(Sell, d("1000000"))
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	_, err = p.SwapBase(Buy, d("1000000"))
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	_, err = p.SwapBase(Buy, d("2000000"))
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestSwap_InvalidAmount(t *testing.T) {
	p := million(t)
	_, err := p.SwapQuote(Buy, fixed.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = p.SwapBase(Sell, d("-1"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

// A long of 10,000 quote against a 1,000,000 / 1,000,000 pool receives
// less than 10,000 base and leaves the price above 1.
func TestQuote_MillionPoolLong(t *testing.T) {
	c := testCurve(t)
	p := million(t)

	q, err := c.QuoteByQuote(p, Buy, d("10000"))
	require.NoError(t, err)

	assert.True(t, q.Base.LessThan(d("10000")), "base out %s", q.Base)
	assert.True(t, q.Mid.Equal(fixed.One))

	after, err := q.Next.Spot()
	require.NoError(t, err)
	assert.True(t, after.GreaterThan(fixed.One), "post-trade price %s", after)

	assert.True(t, q.EffectivePrice.GreaterThan(q.Mid))
	total, err := q.Fees.Total()
	require.NoError(t, err)
	// Toll 0.1% plus the minimum spread of 0.05% on a balanced pool.
	assert.True(t, total.Equal(d("15")), "fees %s", total)
}

func TestQuote_SellIsBelowMid(t *testing.T) {
	c := testCurve(t)
	q, err := c.QuoteByQuote(million(t), Sell, d("10000"))
	require.NoError(t, err)
	assert.True(t, q.EffectivePrice.LessThan(q.Mid))
	assert.True(t, q.Base.GreaterThan(d("10000")))
}

func TestQuote_TooSmall(t *testing.T) {
	c := testCurve(t)
	_, err := c.QuoteByQuote(million(t), Buy, d("0.5"))
	assert.ErrorIs(t, err, ErrTradeTooSmall)
}

func TestSpread_WidensWithSkew(t *testing.T) {
	c := testCurve(t)

	balanced := million(t)
	ratio, err := c.SpreadRatio(balanced)
	require.NoError(t, err)
	assert.True(t, ratio.Equal(d("0.0005")))

	half := Pool{Base: d("950000"), Quote: d("1052631.578947368421052631"), Net: d("50000")}
	ratio, err = c.SpreadRatio(half)
	require.NoError(t, err)
	assert.True(t, ratio.Equal(d("0.00525")), "ratio %s", ratio)

	heavy := Pool{Base: d("500000"), Quote: d("2000000"), Net: d("500000")}
	ratio, err = c.SpreadRatio(heavy)
	require.NoError(t, err)
	assert.True(t, ratio.Equal(d("0.01")))

	bid, ask, err := c.Spread(balanced)
	require.NoError(t, err)
	assert.True(t, bid.Equal(d("0.9995")))
	assert.True(t, ask.Equal(d("1.0005")))
}

func TestNewCurve_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSpread = d("0.0001")
	_, err := NewCurve(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.SkewForMaxSpread = fixed.Zero
	_, err = NewCurve(cfg)
	assert.Error(t, err)
}

func TestRepeg_NoNetPositionIsFree(t *testing.T) {
	c := testCurve(t)
	r, err := c.Repeg(million(t), d("1.05"), fixed.Zero)
	require.NoError(t, err)
	assert.True(t, r.Cost.IsZero())
	assert.True(t, r.Next.Quote.Equal(d("1050000")))
	assert.True(t, r.Next.Base.Equal(d("1000000")))

	spot, err := r.Next.Spot()
	require.NoError(t, err)
	assert.True(t, spot.Equal(d("1.05")))
}

func TestRepeg_CostFollowsNetPosition(t *testing.T) {
	c := testCurve(t)
	open, err := million(t).SwapQuote(Buy, d("10000"))
	require.NoError(t, err)

	up, err := c.Repeg(open.Next, d("1.05"), fixed.Zero)
	require.NoError(t, err)
	assert.True(t, up.Cost.IsPositive(), "raising price with net longs costs the protocol")

	down, err := c.Repeg(open.Next, d("1.0"), fixed.Zero)
	require.NoError(t, err)
	assert.True(t, down.Cost.IsNegative(), "lowering price with net longs recovers value")
}

func TestRepeg_RejectsOverBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RepegBudget = d("10")
	c, err := NewCurve(cfg)
	require.NoError(t, err)

	open, err := million(t).SwapQuote(Buy, d("10000"))
	require.NoError(t, err)

	_, err = c.Repeg(open.Next, d("1.05"), d("9"))
	assert.ErrorIs(t, err, ErrRepegBudgetExceeded)
}

func TestRepeg_RejectsInvariantDrift(t *testing.T) {
	c := testCurve(t)
	_, err := c.Repeg(million(t), d("1.5"), fixed.Zero)
	assert.ErrorIs(t, err, ErrRepegBudgetExceeded)

	r, err := c.Repeg(million(t), d("1.1"), fixed.Zero)
	require.NoError(t, err)
	assert.True(t, r.Drift.Equal(d("0.1")))
}

func TestNetCloseValue_Signs(t *testing.T) {
	p := million(t)
	long, err := p.SwapQuote(Buy, d("1000"))
	require.NoError(t, err)
	v, err := long.Next.NetCloseValue()
	require.NoError(t, err)
	assertWithin(t, d("1000"), v, d("0.000000001"), "long close value")

	short, err := p.SwapQuote(Sell, d("1000"))
	require.NoError(t, err)
	v, err = short.Next.NetCloseValue()
	require.NoError(t, err)
	assertWithin(t, d("-1000"), v, d("0.000000001"), "short close value")
}
