// Package funding settles periodic funding between longs and shorts.
//
// The mark price is the time-weighted average of the vAMM spot price since
// the previous settlement. Every swap accrues spot * elapsed milliseconds
// into Market.PriceCumulative through Accrue before the reserves change.
// Settlement compares the mark TWAP with the oracle index price:
//
//	premium = clamp((mark - index) / index, ±MaxFundingRate)
//	rate    = premium * interval / 24h
//
// and adds the premium fraction rate * index to the market's cumulative
// funding index. A positive rate charges longs and pays shorts.
package funding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
)

const day = 24 * time.Hour

// Accrue folds the current spot price into the TWAP accumulator up to now.
// It must run before any change to m.Reserves.
func Accrue(m *model.Market, now time.Time) error {
	if m.PriceUpdatedAt.IsZero() {
		m.PriceUpdatedAt = now
		return nil
	}
	elapsed := now.Sub(m.PriceUpdatedAt).Milliseconds()
	if elapsed <= 0 {
		return nil
	}
	spot, err := m.Reserves.Spot()
	if err != nil {
		return err
	}
	var c fixed.Calc
	m.PriceCumulative = c.Add(m.PriceCumulative, c.Mul(spot, fixed.New(elapsed)))
	if err := c.Err(); err != nil {
		return err
	}
	m.PriceUpdatedAt = now
	return nil
}

// MarkTWAP returns the mark price averaged since the last settlement,
// accrued up to now. It falls back to spot when no time has elapsed.
func MarkTWAP(m *model.Market, now time.Time) (fixed.Decimal, error) {
	tmp := m.Clone()
	if err := Accrue(tmp, now); err != nil {
		return fixed.Zero, err
	}
	window := now.Sub(tmp.LastFundingAt).Milliseconds()
	if tmp.LastFundingAt.IsZero() || window <= 0 || tmp.PriceCumulative.IsZero() {
		return tmp.Reserves.Spot()
	}
	return tmp.PriceCumulative.Div(fixed.New(window))
}

// Result describes one settle call.
type Result struct {
	Rate            fixed.Decimal        `json:"rate"`
	PremiumFraction fixed.Decimal        `json:"premium_fraction"`
	MarkPrice       fixed.Decimal        `json:"mark_price"`
	IndexPrice      fixed.Decimal        `json:"index_price"`
	Applied         bool                 `json:"applied"`
	NextFundingAt   time.Time            `json:"next_funding_at"`
	Market          *model.Market        `json:"-"`
	Record          *model.FundingRecord `json:"record,omitempty"`
}

// Settler computes funding for markets. It never mutates the market passed
// in; an applied settlement returns the updated copy in Result.Market.
type Settler struct {
	feed oracle.PriceFeed
	now  func() time.Time
}

// NewSettler creates a settler backed by feed.
func NewSettler(feed oracle.PriceFeed) *Settler {
	return &Settler{feed: feed, now: time.Now}
}

// WithClock replaces the time source.
func (s *Settler) WithClock(now func() time.Time) *Settler {
	s.now = now
	return s
}

// Due reports whether m may be settled at now.
func Due(m *model.Market, now time.Time) bool {
	return !now.Before(m.LastFundingAt.Add(m.Params.FundingInterval))
}

// Settle applies funding to m at most once per funding interval. Inside an
// interval that was already settled it returns the previous rate with
// Applied false. When the index price is unavailable it returns
// oracle.ErrOracleUnavailable and m is left as it was.
func (s *Settler) Settle(ctx context.Context, m *model.Market) (*Result, error) {
	now := s.now().UTC()
	interval := m.Params.FundingInterval
	if interval <= 0 {
		return nil, errors.New("funding: interval must be positive")
	}

	if !Due(m, now) {
		return &Result{
			Rate:          m.LastFundingRate,
			Applied:       false,
			NextFundingAt: m.LastFundingAt.Add(interval),
			Market:        m,
		}, nil
	}

	index, err := s.feed.IndexPrice(ctx, m.Symbol)
	if err != nil {
		if !errors.Is(err, oracle.ErrOracleUnavailable) {
			err = fmt.Errorf("%w: %v", oracle.ErrOracleUnavailable, err)
		}
		return nil, err
	}
	if !index.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive index %s", oracle.ErrOracleUnavailable, index)
	}

	mark, err := MarkTWAP(m, now)
	if err != nil {
		return nil, err
	}

	var c fixed.Calc
	premium := c.Div(c.Sub(mark, index), index)
	premium = fixed.Clamp(premium, m.Params.MaxFundingRate.Neg(), m.Params.MaxFundingRate)
	rate := c.MulDiv(premium, fixed.New(interval.Milliseconds()), fixed.New(day.Milliseconds()))
	fraction := c.Mul(rate, index)

	next := m.Clone()
	next.CumulativeFunding = c.Add(next.CumulativeFunding, fraction)
	if err := c.Err(); err != nil {
		return nil, err
	}
	next.LastFundingRate = rate
	next.LastFundingAt = now
	next.PriceCumulative = fixed.Zero
	next.PriceUpdatedAt = now
	next.UpdatedAt = now

	return &Result{
		Rate:            rate,
		PremiumFraction: fraction,
		MarkPrice:       mark,
		IndexPrice:      index,
		Applied:         true,
		NextFundingAt:   now.Add(interval),
		Market:          next,
		Record: &model.FundingRecord{
			MarketID:        m.ID,
			Rate:            rate,
			PremiumFraction: fraction,
			MarkPrice:       mark,
			IndexPrice:      index,
			CumulativeIndex: next.CumulativeFunding,
			SettledAt:       now,
		},
	}, nil
}

// Payment is the funding a position owes for the index movement since its
// snapshot: (marketIndex - positionIndex) * size. Positive means the
// position pays.
func Payment(pos *model.Position, marketIndex fixed.Decimal) (fixed.Decimal, error) {
	if !pos.IsOpen() {
		return fixed.Zero, nil
	}
	var c fixed.Calc
	p := c.Mul(c.Sub(marketIndex, pos.LastFundingIndex), pos.Size)
	return p, c.Err()
}

// SettlePosition charges pending funding to pos against marketIndex and
// moves its snapshot forward. The payment is taken from margin and booked
// into realized PnL. It returns the amount paid.
func SettlePosition(pos *model.Position, marketIndex fixed.Decimal) (fixed.Decimal, error) {
	pay, err := Payment(pos, marketIndex)
	if err != nil {
		return fixed.Zero, err
	}
	var c fixed.Calc
	margin := c.Sub(pos.Margin, pay)
	realized := c.Sub(pos.RealizedPnL, pay)
	if err := c.Err(); err != nil {
		return fixed.Zero, err
	}
	pos.Margin = margin
	pos.RealizedPnL = realized
	pos.LastFundingIndex = marketIndex
	return pay, nil
}
