// Package model defines the core domain types shared across the perp engine.
// All monetary values use fixed.Decimal, never float64 for money.
package model

import (
	"time"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/vamm"
)

// Direction is the side of a position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Valid reports whether d is Long or Short.
func (d Direction) Valid() bool { return d == Long || d == Short }

// OpenSide is the vAMM side that opens or increases a position in d.
func (d Direction) OpenSide() vamm.Side {
	if d == Long {
		return vamm.Buy
	}
	return vamm.Sell
}

// MarketStatus is the trading state of a market.
type MarketStatus string

const (
	MarketOpen   MarketStatus = "open"
	MarketPaused MarketStatus = "paused"
)

// MarketParams are the risk and funding parameters of one market.
// Zero caps mean unlimited.
type MarketParams struct {
	Curve vamm.Config `json:"curve"`

	InitialMarginRatio     fixed.Decimal `json:"initial_margin_ratio"`
	MaintenanceMarginRatio fixed.Decimal `json:"maintenance_margin_ratio"`
	// LiquidationBuffer is added to the maintenance ratio when sizing a
	// partial liquidation.
	LiquidationBuffer   fixed.Decimal `json:"liquidation_buffer"`
	LiquidationFeeRatio fixed.Decimal `json:"liquidation_fee_ratio"`
	// LiquidatorShare is the fraction of the liquidation fee paid to the
	// caller; the rest goes to the fee pool.
	LiquidatorShare fixed.Decimal `json:"liquidator_share"`
	// MinViableSize is the smallest base size a partial liquidation may
	// leave behind.
	MinViableSize fixed.Decimal `json:"min_viable_size"`

	FundingInterval time.Duration `json:"funding_interval"`
	// MaxFundingRate bounds the premium (mark - index) / index before it is
	// scaled to the interval.
	MaxFundingRate fixed.Decimal `json:"max_funding_rate"`

	MaxOpenInterest fixed.Decimal `json:"max_open_interest"`
	MaxHolding      fixed.Decimal `json:"max_holding"`
	MaxNotional     fixed.Decimal `json:"max_notional"`
	// MaxPriceDivergence rejects trades that leave the mid price further
	// than this ratio from the index price.
	MaxPriceDivergence fixed.Decimal `json:"max_price_divergence"`
}

// DefaultParams returns 12.5x max leverage, 6.25% maintenance margin and
// hourly funding.
func DefaultParams() MarketParams {
	return MarketParams{
		Curve:                  vamm.DefaultConfig(),
		InitialMarginRatio:     fixed.MustParse("0.08"),
		MaintenanceMarginRatio: fixed.MustParse("0.0625"),
		LiquidationBuffer:      fixed.MustParse("0.0125"),
		LiquidationFeeRatio:    fixed.MustParse("0.005"),
		LiquidatorShare:        fixed.MustParse("0.5"),
		MinViableSize:          fixed.MustParse("1"),
		FundingInterval:        time.Hour,
		MaxFundingRate:         fixed.MustParse("0.05"),
	}
}

// Market is the vAMM state of one trading pair. It is mutated only under
// the market's lock and written back with an optimistic Version check.
type Market struct {
	ID       string       `json:"id"`
	Symbol   string       `json:"symbol"`
	Params   MarketParams `json:"params"`
	Reserves vamm.Pool    `json:"reserves"`
	Status   MarketStatus `json:"status"`

	// CumulativeFunding is the running sum of premium fractions in quote
	// per base. A position owes (CumulativeFunding - its snapshot) * size.
	CumulativeFunding fixed.Decimal `json:"cumulative_funding"`
	LastFundingRate   fixed.Decimal `json:"last_funding_rate"`
	LastFundingAt     time.Time     `json:"last_funding_at"`

	// PriceCumulative accumulates spot * elapsed milliseconds since
	// LastFundingAt and yields the mark TWAP.
	PriceCumulative fixed.Decimal `json:"price_cumulative"`
	PriceUpdatedAt  time.Time     `json:"price_updated_at"`

	RepegCostAccumulated fixed.Decimal `json:"repeg_cost_accumulated"`
	// OpenInterest is the sum of open notional across all positions.
	OpenInterest fixed.Decimal `json:"open_interest"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy safe to mutate.
func (m *Market) Clone() *Market {
	c := *m
	return &c
}

// Position is a trader's exposure in one market. A closed position keeps
// its record with zero size and margin.
type Position struct {
	MarketID string `json:"market_id"`
	Trader   string `json:"trader"`
	// Size is signed base: positive long, negative short, zero closed.
	Size fixed.Decimal `json:"size"`
	// OpenNotional is the quote paid at entry for the current size,
	// weighted across increases.
	OpenNotional     fixed.Decimal `json:"open_notional"`
	Margin           fixed.Decimal `json:"margin"`
	LastFundingIndex fixed.Decimal `json:"last_funding_index"`
	RealizedPnL      fixed.Decimal `json:"realized_pnl"`
	FeesPaid         fixed.Decimal `json:"fees_paid"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsOpen reports whether the position holds any size.
func (p *Position) IsOpen() bool { return p != nil && !p.Size.IsZero() }

// Direction returns Long or Short. A closed position has no direction.
func (p *Position) Direction() Direction {
	switch p.Size.Sign() {
	case 1:
		return Long
	case -1:
		return Short
	}
	return ""
}

// Clone returns a copy safe to mutate.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// EntryKind classifies ledger entries.
type EntryKind string

const (
	EntryOpen        EntryKind = "open"
	EntryIncrease    EntryKind = "increase"
	EntryReduce      EntryKind = "reduce"
	EntryClose       EntryKind = "close"
	EntryLiquidation EntryKind = "liquidation"
	EntryMargin      EntryKind = "margin"
	EntryFunding     EntryKind = "funding"
)

// LedgerEntry is an immutable record of a position change.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID       string        `json:"id"`
	MarketID string        `json:"market_id"`
	Trader   string        `json:"trader"`
	Kind     EntryKind     `json:"kind"`
	Side     vamm.Side     `json:"side,omitempty"`
	Base     fixed.Decimal `json:"base"`  // signed change in position size
	Quote    fixed.Decimal `json:"quote"` // quote exchanged with the curve
	Price    fixed.Decimal `json:"price"` // average fill price excluding fees
	Fee      fixed.Decimal `json:"fee"`
	// Funding is the payment settled before the change; positive was paid.
	Funding     fixed.Decimal `json:"funding"`
	RealizedPnL fixed.Decimal `json:"realized_pnl"`
	// MarginDelta is the change in deposited margin, including realized
	// PnL, fees and funding.
	MarginDelta fixed.Decimal `json:"margin_delta"`
	Timestamp   time.Time     `json:"timestamp"`
}

// FundingRecord is written for every applied funding settlement.
type FundingRecord struct {
	MarketID        string        `json:"market_id"`
	Rate            fixed.Decimal `json:"rate"`
	PremiumFraction fixed.Decimal `json:"premium_fraction"`
	MarkPrice       fixed.Decimal `json:"mark_price"`
	IndexPrice      fixed.Decimal `json:"index_price"`
	CumulativeIndex fixed.Decimal `json:"cumulative_index"`
	SettledAt       time.Time     `json:"settled_at"`
}

// LiquidationRecord describes one executed liquidation. It is returned to
// the caller and published, not stored.
type LiquidationRecord struct {
	ID         string        `json:"id"`
	MarketID   string        `json:"market_id"`
	Trader     string        `json:"trader"`
	Liquidator string        `json:"liquidator"`
	Full       bool          `json:"full"`
	Size       fixed.Decimal `json:"size"` // base liquidated, unsigned
	Price      fixed.Decimal `json:"price"`
	Notional   fixed.Decimal `json:"notional"`
	Fee        fixed.Decimal `json:"fee"`
	// LiquidatorFee and FeePoolFee split Fee.
	LiquidatorFee fixed.Decimal `json:"liquidator_fee"`
	FeePoolFee    fixed.Decimal `json:"fee_pool_fee"`
	// BadDebt is the negative equity left after the liquidation.
	BadDebt       fixed.Decimal `json:"bad_debt"`
	InsuranceDraw fixed.Decimal `json:"insurance_draw"`
	// Shortfall is bad debt the insurance fund could not cover.
	Shortfall fixed.Decimal `json:"shortfall"`
	Timestamp time.Time     `json:"timestamp"`
}

// PositionView is a position with its live mark-to-market figures.
type PositionView struct {
	Position
	Direction      Direction     `json:"direction,omitempty"`
	EntryPrice     fixed.Decimal `json:"entry_price"`
	Notional       fixed.Decimal `json:"notional"`
	UnrealizedPnL  fixed.Decimal `json:"unrealized_pnl"`
	PendingFunding fixed.Decimal `json:"pending_funding"`
	MarginRatio    fixed.Decimal `json:"margin_ratio"`
	FreeCollateral fixed.Decimal `json:"free_collateral"`
	Liquidatable   bool          `json:"liquidatable"`
}

// Portfolio aggregates all positions of a trader. Markets are isolated;
// totals are informational only.
type Portfolio struct {
	Trader             string         `json:"trader"`
	Positions          []PositionView `json:"positions"`
	TotalMargin        fixed.Decimal  `json:"total_margin"`
	TotalNotional      fixed.Decimal  `json:"total_notional"`
	TotalUnrealizedPnL fixed.Decimal  `json:"total_unrealized_pnl"`
	TotalRealizedPnL   fixed.Decimal  `json:"total_realized_pnl"`
}
