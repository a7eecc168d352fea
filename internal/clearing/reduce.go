package clearing

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/vamm"
)

// Reduction is the fee-free effect of returning part of a position to the
// pool.
type Reduction struct {
	Swap vamm.Swap
	// SignedBase is the change in position size.
	SignedBase fixed.Decimal
	// EntryNotional is the share of open notional released.
	EntryNotional fixed.Decimal
	// PnL is realized on EntryNotional and already added to the margin of
	// Position.
	PnL      fixed.Decimal
	Full     bool
	Position *model.Position
}

// ReduceByBase simulates returning base (unsigned) of pos to pool. It does
// not charge fees and does not touch pos.
func ReduceByBase(pos *model.Position, pool vamm.Pool, base fixed.Decimal) (*Reduction, error) {
	if !pos.IsOpen() {
		return nil, ErrPositionNotFound
	}
	if !base.IsPositive() || base.GreaterThan(pos.Size.Abs()) {
		return nil, fmt.Errorf("%w: reduce %s of %s", ErrInvalidOrder, base, pos.Size.Abs())
	}
	swap, err := pool.SwapBase(pos.Direction().OpenSide().Opposite(), base)
	if err != nil {
		return nil, err
	}
	return realize(pos, swap)
}

func realize(pos *model.Position, swap vamm.Swap) (*Reduction, error) {
	var c fixed.Calc
	size := pos.Size.Abs()
	full := swap.Base.GreaterThanOrEqual(size)
	dir := pos.Direction()

	entry := pos.OpenNotional
	if !full {
		entry = c.MulDiv(pos.OpenNotional, swap.Base, size)
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	pnl, err := margin.PnL(dir, entry, swap.Quote)
	if err != nil {
		return nil, err
	}

	next := pos.Clone()
	signed := swap.Base.Neg()
	if dir == model.Short {
		signed = swap.Base
	}
	if full {
		signed = pos.Size.Neg()
		next.Size = fixed.Zero
		next.OpenNotional = fixed.Zero
	} else {
		next.Size = c.Add(pos.Size, signed)
		next.OpenNotional = c.Sub(pos.OpenNotional, entry)
	}
	next.Margin = c.Add(pos.Margin, pnl)
	next.RealizedPnL = c.Add(pos.RealizedPnL, pnl)
	if err := c.Err(); err != nil {
		return nil, err
	}

	return &Reduction{
		Swap:          swap,
		SignedBase:    signed,
		EntryNotional: entry,
		PnL:           pnl,
		Full:          full,
		Position:      next,
	}, nil
}
