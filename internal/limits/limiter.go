// Package limits enforces the per-market exposure caps applied before a
// trade is accepted: maximum notional per trade, aggregate open interest,
// per-trader base holding and divergence of the mid price from the index.
//
// A zero cap disables the corresponding check.
package limits

import (
	"errors"
	"fmt"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrNotionalTooLarge is returned when a single trade exceeds the
	// per-trade notional cap.
	ErrNotionalTooLarge = errors.New("limits: trade notional above cap")

	// ErrOpenInterestExceeded is returned when a trade would push the
	// market's aggregate open notional above its cap.
	ErrOpenInterestExceeded = errors.New("limits: open interest cap exceeded")

	// ErrHoldingExceeded is returned when a trader's absolute base size
	// would exceed the per-trader holding cap.
	ErrHoldingExceeded = errors.New("limits: base holding cap exceeded")

	// ErrPriceDivergence is returned when a trade would leave the mid price
	// too far from the index price.
	ErrPriceDivergence = errors.New("limits: price diverges from index")
)

// Limiter holds the caps of one market.
type Limiter struct {
	// MaxNotional is the largest quote notional of one trade.
	MaxNotional fixed.Decimal
	// MaxOpenInterest is the largest sum of open notional across positions.
	MaxOpenInterest fixed.Decimal
	// MaxHolding is the largest absolute base size of one position.
	MaxHolding fixed.Decimal
	// MaxDivergence is the largest |mid - index| / index after a trade.
	MaxDivergence fixed.Decimal
}

// New returns the limiter configured by a market's parameters.
func New(p model.MarketParams) *Limiter {
	return &Limiter{
		MaxNotional:     p.MaxNotional,
		MaxOpenInterest: p.MaxOpenInterest,
		MaxHolding:      p.MaxHolding,
		MaxDivergence:   p.MaxPriceDivergence,
	}
}

// CheckNotional validates a trade's quote notional.
func (l *Limiter) CheckNotional(notional fixed.Decimal) error {
	if l.MaxNotional.IsPositive() && notional.Abs().GreaterThan(l.MaxNotional) {
		return fmt.Errorf("%w: %s > %s", ErrNotionalTooLarge, notional.Abs(), l.MaxNotional)
	}
	return nil
}

// CheckOpenInterest validates the market's open interest after a trade.
// Only increases are rejected so that reductions always go through.
func (l *Limiter) CheckOpenInterest(before, after fixed.Decimal) error {
	if !l.MaxOpenInterest.IsPositive() || after.LessThanOrEqual(before) {
		return nil
	}
	if after.GreaterThan(l.MaxOpenInterest) {
		return fmt.Errorf("%w: %s > %s", ErrOpenInterestExceeded, after, l.MaxOpenInterest)
	}
	return nil
}

// CheckHolding validates a position's signed base size after a trade.
func (l *Limiter) CheckHolding(size fixed.Decimal) error {
	if l.MaxHolding.IsPositive() && size.Abs().GreaterThan(l.MaxHolding) {
		return fmt.Errorf("%w: %s > %s", ErrHoldingExceeded, size.Abs(), l.MaxHolding)
	}
	return nil
}

// DivergenceEnabled reports whether the divergence check needs an index price.
func (l *Limiter) DivergenceEnabled() bool {
	return l.MaxDivergence.IsPositive()
}

// CheckDivergence validates the mid price against the index price.
func (l *Limiter) CheckDivergence(mid, index fixed.Decimal) error {
	if !l.DivergenceEnabled() || !index.IsPositive() {
		return nil
	}
	var c fixed.Calc
	diff := c.Div(c.Sub(mid, index).Abs(), index)
	if err := c.Err(); err != nil {
		return err
	}
	if diff.GreaterThan(l.MaxDivergence) {
		return fmt.Errorf("%w: %s from index %s", ErrPriceDivergence, diff, index)
	}
	return nil
}
