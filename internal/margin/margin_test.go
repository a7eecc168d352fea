package margin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/vamm"
)

func d(s string) fixed.Decimal { return fixed.MustParse(s) }

// marketAt returns a deep pool quoted at price with net trader base net.
func marketAt(price, net string) *model.Market {
	base := d("10000000")
	quote, _ := base.Mul(d(price))
	return &model.Market{
		ID:       "m1",
		Symbol:   "ETH/USDC",
		Params:   model.DefaultParams(),
		Reserves: vamm.Pool{Base: base, Quote: quote, Net: d(net)},
	}
}

func tenXLong() *model.Position {
	return &model.Position{
		MarketID:     "m1",
		Trader:       "alice",
		Size:         d("1000"),
		OpenNotional: d("1000"),
		Margin:       d("100"),
	}
}

func TestUnrealizedPnL_LongAndShort(t *testing.T) {
	m := marketAt("1.1", "1000")
	long := tenXLong()
	upnl, err := UnrealizedPnL(long, m.Reserves)
	require.NoError(t, err)
	assert.True(t, upnl.GreaterThan(d("99.8")) && upnl.LessThan(d("100")), "upnl %s", upnl)

	m = marketAt("1.1", "-1000")
	short := &model.Position{Size: d("-1000"), OpenNotional: d("1000"), Margin: d("100")}
	upnl, err = UnrealizedPnL(short, m.Reserves)
	require.NoError(t, err)
	assert.True(t, upnl.LessThan(d("-100")) && upnl.GreaterThan(d("-100.2")), "upnl %s", upnl)
}

func TestRatio_ClosedPositionIsMaximal(t *testing.T) {
	m := marketAt("1", "0")
	r, err := Ratio(&model.Position{}, m)
	require.NoError(t, err)
	assert.True(t, r.Equal(fixed.Max))

	liq, err := IsLiquidatable(&model.Position{}, m)
	require.NoError(t, err)
	assert.False(t, liq)
}

func TestRatio_MonotonicInPnL(t *testing.T) {
	prev := fixed.Max
	for _, price := range []string{"1.05", "1.0", "0.97", "0.95", "0.93", "0.91"} {
		r, err := Ratio(tenXLong(), marketAt(price, "1000"))
		require.NoError(t, err)
		assert.True(t, r.LessThanOrEqual(prev), "ratio at %s rose: %s > %s", price, r, prev)
		prev = r
	}
}

// 10x long, 6.25% maintenance, price down 9%: liquidatable.
func TestIsLiquidatable_NinePercentAdverseMove(t *testing.T) {
	pos := tenXLong()

	ok, err := IsLiquidatable(pos, marketAt("1", "1000"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = IsLiquidatable(pos, marketAt("0.91", "1000"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsLiquidatable_StrictlyBelowThreshold(t *testing.T) {
	m := marketAt("1", "1000")
	pos := tenXLong()
	s, err := Evaluate(pos, m)
	require.NoError(t, err)

	// Set margin so that equity / exit lands exactly on the threshold.
	target, err := s.Exit.Mul(m.Params.MaintenanceMarginRatio)
	require.NoError(t, err)
	margin, err := target.Sub(s.UnrealizedPnL)
	require.NoError(t, err)
	pos.Margin = margin

	r, err := Ratio(pos, m)
	require.NoError(t, err)
	if r.GreaterThanOrEqual(m.Params.MaintenanceMarginRatio) {
		ok, err := IsLiquidatable(pos, m)
		require.NoError(t, err)
		assert.False(t, ok, "ratio %s on threshold must not be liquidatable", r)
	}

	pos.Margin, err = margin.Sub(d("0.000001"))
	require.NoError(t, err)
	ok, err := IsLiquidatable(pos, m)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPendingFunding_EntersRatio(t *testing.T) {
	m := marketAt("1", "1000")
	pos := tenXLong()
	base, err := Ratio(pos, m)
	require.NoError(t, err)

	m.CumulativeFunding = d("0.01") // longs owe 0.01 per base
	pending, err := PendingFunding(pos, m)
	require.NoError(t, err)
	assert.True(t, pending.Equal(d("-10")))

	withFunding, err := Ratio(pos, m)
	require.NoError(t, err)
	assert.True(t, withFunding.LessThan(base))
}

func TestFreeCollateral(t *testing.T) {
	m := marketAt("1", "1000")
	pos := tenXLong()
	free, err := FreeCollateral(pos, m)
	require.NoError(t, err)
	// 100 margin, tiny slippage loss, 8% of 1000 required.
	assert.True(t, free.LessThan(d("20")) && free.GreaterThan(d("19.8")), "free %s", free)

	free, err = FreeCollateral(pos, marketAt("0.9", "1000"))
	require.NoError(t, err)
	assert.True(t, free.IsZero())
}

func TestView(t *testing.T) {
	v, err := View(tenXLong(), marketAt("0.91", "1000"))
	require.NoError(t, err)
	assert.Equal(t, model.Long, v.Direction)
	assert.True(t, v.EntryPrice.Equal(fixed.One))
	assert.True(t, v.Liquidatable)
	assert.True(t, v.UnrealizedPnL.IsNegative())
}
