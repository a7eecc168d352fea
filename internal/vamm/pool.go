// Package vamm implements the virtual automated market maker that prices
// every perpetual trade.
//
// A Pool holds virtual base and quote reserves bound by the constant
// product base * quote = k. No real assets back the reserves; they exist
// only to derive a price. Pool methods are pure: a swap returns the next
// Pool and the caller persists it together with the positions it affects.
//
// All monetary values use fixed.Decimal, never float64.
package vamm

import (
	"errors"

	"github.com/atmx/perp-engine/internal/fixed"
)

var (
	// ErrInsufficientLiquidity is returned when a trade would move a
	// reserve to zero or below.
	ErrInsufficientLiquidity = errors.New("vamm: insufficient liquidity")

	// ErrTradeTooSmall is returned for trades below the minimum notional.
	ErrTradeTooSmall = errors.New("vamm: trade below minimum notional")

	// ErrRepegBudgetExceeded is returned when a repeg would overspend its
	// budget or drift the invariant too far. Nothing is applied.
	ErrRepegBudgetExceeded = errors.New("vamm: repeg budget exceeded")

	// ErrInvalidAmount is returned for non-positive swap amounts.
	ErrInvalidAmount = errors.New("vamm: swap amount must be positive")
)

// Side is the trader's side of a swap.
type Side string

const (
	// Buy takes base out of the pool (opens a long, closes a short).
	Buy Side = "buy"
	// Sell puts base into the pool (opens a short, closes a long).
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Pool is the reserve state of one market. Net is the signed base held by
// traders (positive when longs dominate) and is what repeg and the spread
// skew are measured against.
type Pool struct {
	Base  fixed.Decimal `json:"base"`
	Quote fixed.Decimal `json:"quote"`
	Net   fixed.Decimal `json:"net"`
}

// NewPool creates a pool with no trader exposure.
func NewPool(base, quote fixed.Decimal) (Pool, error) {
	p := Pool{Base: base, Quote: quote}
	if err := p.Validate(); err != nil {
		return Pool{}, err
	}
	return p, nil
}

// Validate checks that both reserves are positive.
func (p Pool) Validate() error {
	if !p.Base.IsPositive() || !p.Quote.IsPositive() {
		return ErrInsufficientLiquidity
	}
	return nil
}

// Invariant returns k = base * quote.
func (p Pool) Invariant() (fixed.Decimal, error) {
	return p.Base.Mul(p.Quote)
}

// Spot returns the instantaneous mid price quote/base.
func (p Pool) Spot() (fixed.Decimal, error) {
	if err := p.Validate(); err != nil {
		return fixed.Zero, err
	}
	return p.Quote.Div(p.Base)
}

// Swap is the result of pricing a trade against a pool.
type Swap struct {
	Side Side `json:"side"`
	// Base is the base amount exchanged, always positive.
	Base fixed.Decimal `json:"base"`
	// Quote is the quote amount exchanged, always positive.
	Quote fixed.Decimal `json:"quote"`
	// Next is the pool after the swap.
	Next Pool `json:"next"`
}

// Price returns the average execution price quote/base of the swap,
// excluding fees.
func (s Swap) Price() (fixed.Decimal, error) {
	return s.Quote.Div(s.Base)
}

// SwapQuote trades a fixed quote amount. On Buy the trader pays amount quote
// into the pool and receives base; on Sell the trader takes amount quote out
// of the pool and owes base.
func (p Pool) SwapQuote(side Side, amount fixed.Decimal) (Swap, error) {
	if !amount.IsPositive() {
		return Swap{}, ErrInvalidAmount
	}
	if err := p.Validate(); err != nil {
		return Swap{}, err
	}

	var c fixed.Calc
	var newQuote fixed.Decimal
	if side == Buy {
		newQuote = c.Add(p.Quote, amount)
	} else {
		newQuote = c.Sub(p.Quote, amount)
	}
	if err := c.Err(); err != nil {
		return Swap{}, err
	}
	if !newQuote.IsPositive() {
		return Swap{}, ErrInsufficientLiquidity
	}

	newBase := c.MulDiv(p.Base, p.Quote, newQuote)
	var base, net fixed.Decimal
	if side == Buy {
		base = c.Sub(p.Base, newBase)
		net = c.Add(p.Net, base)
	} else {
		base = c.Sub(newBase, p.Base)
		net = c.Sub(p.Net, base)
	}
	if err := c.Err(); err != nil {
		return Swap{}, err
	}
	if !newBase.IsPositive() || !base.IsPositive() {
		return Swap{}, ErrInsufficientLiquidity
	}

	return Swap{
		Side:  side,
		Base:  base,
		Quote: amount,
		Next:  Pool{Base: newBase, Quote: newQuote, Net: net},
	}, nil
}

// SwapBase trades a fixed base amount. On Buy the trader takes amount base
// out of the pool and pays quote; on Sell the trader returns amount base and
// receives quote.
func (p Pool) SwapBase(side Side, amount fixed.Decimal) (Swap, error) {
	if !amount.IsPositive() {
		return Swap{}, ErrInvalidAmount
	}
	if err := p.Validate(); err != nil {
		return Swap{}, err
	}

	var c fixed.Calc
	var newBase, net fixed.Decimal
	if side == Buy {
		newBase = c.Sub(p.Base, amount)
		net = c.Add(p.Net, amount)
	} else {
		newBase = c.Add(p.Base, amount)
		net = c.Sub(p.Net, amount)
	}
	if err := c.Err(); err != nil {
		return Swap{}, err
	}
	if !newBase.IsPositive() {
		return Swap{}, ErrInsufficientLiquidity
	}

	newQuote := c.MulDiv(p.Base, p.Quote, newBase)
	var quote fixed.Decimal
	if side == Buy {
		quote = c.Sub(newQuote, p.Quote)
	} else {
		quote = c.Sub(p.Quote, newQuote)
	}
	if err := c.Err(); err != nil {
		return Swap{}, err
	}
	if !newQuote.IsPositive() || !quote.IsPositive() {
		return Swap{}, ErrInsufficientLiquidity
	}

	return Swap{
		Side:  side,
		Base:  amount,
		Quote: quote,
		Next:  Pool{Base: newBase, Quote: newQuote, Net: net},
	}, nil
}

// NetCloseValue returns the quote the aggregate trader position would
// receive (positive) or owe (negative) if it were closed against this pool:
// quote - k / (base + net). It is zero when traders hold no net base.
func (p Pool) NetCloseValue() (fixed.Decimal, error) {
	if p.Net.IsZero() {
		return fixed.Zero, nil
	}
	var c fixed.Calc
	origin := c.Add(p.Base, p.Net)
	if err := c.Err(); err != nil {
		return fixed.Zero, err
	}
	if !origin.IsPositive() {
		return fixed.Zero, ErrInsufficientLiquidity
	}
	v := c.Sub(p.Quote, c.MulDiv(p.Base, p.Quote, origin))
	return v, c.Err()
}
