package vamm

import (
	"errors"
	"fmt"

	"github.com/atmx/perp-engine/internal/fixed"
)

// Config holds the fee, spread and repeg policy of one market's curve.
type Config struct {
	// TollRatio is the fee charged on notional and routed to the fee pool.
	TollRatio fixed.Decimal `json:"toll_ratio"`
	// MinSpread is the spread ratio charged on a balanced pool.
	MinSpread fixed.Decimal `json:"min_spread"`
	// MaxSpread is the spread ratio charged at or beyond SkewForMaxSpread.
	MaxSpread fixed.Decimal `json:"max_spread"`
	// SkewForMaxSpread is the reserve skew |net| / (base + net) at which the
	// spread reaches MaxSpread.
	SkewForMaxSpread fixed.Decimal `json:"skew_for_max_spread"`
	// MinTradeNotional rejects dust trades.
	MinTradeNotional fixed.Decimal `json:"min_trade_notional"`
	// RepegBudget caps the cumulative quote spent on repegs.
	RepegBudget fixed.Decimal `json:"repeg_budget"`
	// MaxInvariantDrift caps |k' - k| / k for a single repeg.
	MaxInvariantDrift fixed.Decimal `json:"max_invariant_drift"`
}

// DefaultConfig returns conservative parameters: 0.1% toll, 0.05-1%
// spread reaching its maximum at 10% skew.
func DefaultConfig() Config {
	return Config{
		TollRatio:         fixed.MustParse("0.001"),
		MinSpread:         fixed.MustParse("0.0005"),
		MaxSpread:         fixed.MustParse("0.01"),
		SkewForMaxSpread:  fixed.MustParse("0.1"),
		MinTradeNotional:  fixed.MustParse("1"),
		RepegBudget:       fixed.New(100000),
		MaxInvariantDrift: fixed.MustParse("0.1"),
	}
}

// Validate checks that the config describes a usable curve.
func (c Config) Validate() error {
	switch {
	case c.TollRatio.IsNegative() || c.TollRatio.GreaterThanOrEqual(fixed.One):
		return errors.New("vamm: toll ratio must be in [0, 1)")
	case c.MinSpread.IsNegative():
		return errors.New("vamm: min spread must not be negative")
	case c.MaxSpread.LessThan(c.MinSpread) || c.MaxSpread.GreaterThanOrEqual(fixed.One):
		return errors.New("vamm: max spread must be in [min spread, 1)")
	case !c.SkewForMaxSpread.IsPositive():
		return errors.New("vamm: skew for max spread must be positive")
	case c.MinTradeNotional.IsNegative():
		return errors.New("vamm: min trade notional must not be negative")
	case c.RepegBudget.IsNegative() || c.MaxInvariantDrift.IsNegative():
		return errors.New("vamm: repeg limits must not be negative")
	}
	return nil
}

// Curve prices trades against pools using one market's Config. It is
// stateless; the pool is passed to every call.
type Curve struct {
	cfg Config
}

// NewCurve validates cfg and returns a Curve.
func NewCurve(cfg Config) (*Curve, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Curve{cfg: cfg}, nil
}

// Config returns the curve parameters.
func (c *Curve) Config() Config { return c.cfg }

// Skew returns |net| / (base + net), the share of the pool's original base
// reserve currently held by traders. A pool with no trader exposure has
// zero skew.
func Skew(p Pool) (fixed.Decimal, error) {
	if p.Net.IsZero() {
		return fixed.Zero, nil
	}
	var c fixed.Calc
	origin := c.Add(p.Base, p.Net)
	if err := c.Err(); err != nil {
		return fixed.Zero, err
	}
	if !origin.IsPositive() {
		return fixed.One, nil
	}
	return p.Net.Abs().Div(origin)
}

// SpreadRatio interpolates linearly from MinSpread to MaxSpread as skew
// grows to SkewForMaxSpread.
func (c *Curve) SpreadRatio(p Pool) (fixed.Decimal, error) {
	skew, err := Skew(p)
	if err != nil {
		return fixed.Zero, err
	}
	var calc fixed.Calc
	t := fixed.Min(fixed.One, calc.Div(skew, c.cfg.SkewForMaxSpread))
	width := calc.Sub(c.cfg.MaxSpread, c.cfg.MinSpread)
	ratio := calc.Add(c.cfg.MinSpread, calc.Mul(width, t))
	return ratio, calc.Err()
}

// Spread returns the bid and ask around the current mid price.
func (c *Curve) Spread(p Pool) (bid, ask fixed.Decimal, err error) {
	mid, err := p.Spot()
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	ratio, err := c.SpreadRatio(p)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	var calc fixed.Calc
	bid = calc.Mul(mid, calc.Sub(fixed.One, ratio))
	ask = calc.Mul(mid, calc.Add(fixed.One, ratio))
	return bid, ask, calc.Err()
}

// Fees is the fee breakdown for one trade.
type Fees struct {
	// Toll is routed to the fee pool.
	Toll fixed.Decimal `json:"toll"`
	// Spread is routed to the insurance fund.
	Spread fixed.Decimal `json:"spread"`
}

// Total returns Toll + Spread.
func (f Fees) Total() (fixed.Decimal, error) {
	return f.Toll.Add(f.Spread)
}

// Fees computes the toll and spread fee on a notional against the pool
// state the trade executes on.
func (c *Curve) Fees(p Pool, notional fixed.Decimal) (Fees, error) {
	ratio, err := c.SpreadRatio(p)
	if err != nil {
		return Fees{}, err
	}
	var calc fixed.Calc
	f := Fees{
		Toll:   calc.Mul(notional.Abs(), c.cfg.TollRatio),
		Spread: calc.Mul(notional.Abs(), ratio),
	}
	return f, calc.Err()
}

// Quote is a priced but uncommitted trade.
type Quote struct {
	Swap
	Fees Fees `json:"fees"`
	// Mid is the spot price before the trade.
	Mid fixed.Decimal `json:"mid"`
	// EffectivePrice includes fees: above Mid for buys, below for sells.
	EffectivePrice fixed.Decimal `json:"effective_price"`
}

// QuoteByQuote prices a trade of a fixed quote notional.
func (c *Curve) QuoteByQuote(p Pool, side Side, notional fixed.Decimal) (Quote, error) {
	if notional.LessThan(c.cfg.MinTradeNotional) {
		return Quote{}, ErrTradeTooSmall
	}
	swap, err := p.SwapQuote(side, notional)
	if err != nil {
		return Quote{}, err
	}
	return c.finish(p, swap)
}

// QuoteByBase prices a trade of a fixed base amount. Closing trades use this
// so that exactly the position size is returned to the pool.
func (c *Curve) QuoteByBase(p Pool, side Side, base fixed.Decimal) (Quote, error) {
	swap, err := p.SwapBase(side, base)
	if err != nil {
		return Quote{}, err
	}
	return c.finish(p, swap)
}

func (c *Curve) finish(p Pool, swap Swap) (Quote, error) {
	mid, err := p.Spot()
	if err != nil {
		return Quote{}, err
	}
	fees, err := c.Fees(p, swap.Quote)
	if err != nil {
		return Quote{}, err
	}

	var calc fixed.Calc
	total := calc.Add(fees.Toll, fees.Spread)
	var gross fixed.Decimal
	if swap.Side == Buy {
		gross = calc.Add(swap.Quote, total)
	} else {
		gross = calc.Sub(swap.Quote, total)
	}
	price := calc.Div(gross, swap.Base)
	if err := calc.Err(); err != nil {
		return Quote{}, err
	}

	return Quote{Swap: swap, Fees: fees, Mid: mid, EffectivePrice: price}, nil
}

// Repeg is the outcome of re-pricing a pool to a target price.
type Repeg struct {
	// Cost is the quote the protocol owes the net trader position because
	// of the price change. Negative when the repeg recovers value.
	Cost fixed.Decimal `json:"cost"`
	// Spent is the cumulative repeg spend including Cost.
	Spent fixed.Decimal `json:"spent"`
	// Drift is |k' - k| / k.
	Drift fixed.Decimal `json:"drift"`
	Next  Pool          `json:"next"`
}

// Repeg moves the pool's mid price to target by resetting the quote reserve
// to base * target. The base reserve and net position are unchanged. The
// cost is the change in the close value of the net trader position. spent
// is the cost already accumulated on this market; the repeg is rejected in
// full with ErrRepegBudgetExceeded when spent + cost would exceed
// RepegBudget or the invariant would drift beyond MaxInvariantDrift.
func (c *Curve) Repeg(p Pool, target, spent fixed.Decimal) (Repeg, error) {
	if !target.IsPositive() {
		return Repeg{}, ErrInvalidAmount
	}
	if err := p.Validate(); err != nil {
		return Repeg{}, err
	}

	var calc fixed.Calc
	next := Pool{Base: p.Base, Quote: calc.Mul(p.Base, target), Net: p.Net}
	if err := calc.Err(); err != nil {
		return Repeg{}, err
	}
	if err := next.Validate(); err != nil {
		return Repeg{}, err
	}

	before, err := p.NetCloseValue()
	if err != nil {
		return Repeg{}, err
	}
	after, err := next.NetCloseValue()
	if err != nil {
		return Repeg{}, err
	}

	k := calc.Mul(p.Base, p.Quote)
	kNext := calc.Mul(next.Base, next.Quote)
	drift := calc.Div(calc.Sub(kNext, k).Abs(), k)
	cost := calc.Sub(after, before)
	total := calc.Add(spent, cost)
	if err := calc.Err(); err != nil {
		return Repeg{}, err
	}

	if total.GreaterThan(c.cfg.RepegBudget) {
		return Repeg{}, fmt.Errorf("%w: spend %s over budget %s", ErrRepegBudgetExceeded, total, c.cfg.RepegBudget)
	}
	if drift.GreaterThan(c.cfg.MaxInvariantDrift) {
		return Repeg{}, fmt.Errorf("%w: invariant drift %s over %s", ErrRepegBudgetExceeded, drift, c.cfg.MaxInvariantDrift)
	}

	return Repeg{Cost: cost, Spent: total, Drift: drift, Next: next}, nil
}
