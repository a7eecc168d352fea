// Package margin derives mark-to-market figures for positions: exit
// notional, unrealized PnL, pending funding, margin ratio and
// liquidation eligibility.
//
// Every value is computed from the position and the current curve state;
// nothing is cached between calls.
package margin

import (
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/vamm"
)

// ExitNotional is the quote received (long) or paid (short) to close the
// whole position against pool, excluding fees. Zero for a closed position.
func ExitNotional(pos *model.Position, pool vamm.Pool) (fixed.Decimal, error) {
	if !pos.IsOpen() {
		return fixed.Zero, nil
	}
	side := pos.Direction().OpenSide().Opposite()
	swap, err := pool.SwapBase(side, pos.Size.Abs())
	if err != nil {
		return fixed.Zero, err
	}
	return swap.Quote, nil
}

// PnL returns exit - open for longs and open - exit for shorts.
func PnL(dir model.Direction, openNotional, exitNotional fixed.Decimal) (fixed.Decimal, error) {
	if dir == model.Short {
		return openNotional.Sub(exitNotional)
	}
	return exitNotional.Sub(openNotional)
}

// UnrealizedPnL is the PnL of closing the whole position at the current
// curve price, relative to its entry notional.
func UnrealizedPnL(pos *model.Position, pool vamm.Pool) (fixed.Decimal, error) {
	if !pos.IsOpen() {
		return fixed.Zero, nil
	}
	exit, err := ExitNotional(pos, pool)
	if err != nil {
		return fixed.Zero, err
	}
	return PnL(pos.Direction(), pos.OpenNotional, exit)
}

// PendingFunding is the funding the position will receive at its next
// settlement. Negative when it pays.
func PendingFunding(pos *model.Position, m *model.Market) (fixed.Decimal, error) {
	pay, err := funding.Payment(pos, m.CumulativeFunding)
	if err != nil {
		return fixed.Zero, err
	}
	return pay.Neg(), nil
}

// Snapshot holds the mark-to-market figures of one position.
type Snapshot struct {
	Exit           fixed.Decimal
	UnrealizedPnL  fixed.Decimal
	PendingFunding fixed.Decimal
	// Equity is margin + unrealized PnL + pending funding.
	Equity fixed.Decimal
	// Ratio is Equity / Exit, or fixed.Max for a closed position.
	Ratio fixed.Decimal
}

// Evaluate marks pos against m's reserves and funding index.
func Evaluate(pos *model.Position, m *model.Market) (Snapshot, error) {
	return EvaluateAt(pos, m.Reserves, m.CumulativeFunding)
}

// EvaluateAt marks pos against an explicit pool and funding index. The
// liquidation engine uses it to score simulated states.
func EvaluateAt(pos *model.Position, pool vamm.Pool, index fixed.Decimal) (Snapshot, error) {
	if !pos.IsOpen() {
		return Snapshot{Equity: pos.Margin, Ratio: fixed.Max}, nil
	}
	exit, err := ExitNotional(pos, pool)
	if err != nil {
		return Snapshot{}, err
	}
	upnl, err := PnL(pos.Direction(), pos.OpenNotional, exit)
	if err != nil {
		return Snapshot{}, err
	}
	pay, err := funding.Payment(pos, index)
	if err != nil {
		return Snapshot{}, err
	}

	var c fixed.Calc
	pending := pay.Neg()
	equity := c.Sum(pos.Margin, upnl, pending)
	if err := c.Err(); err != nil {
		return Snapshot{}, err
	}
	ratio := fixed.Max
	if !exit.IsZero() {
		ratio = c.Div(equity, exit)
	}
	if err := c.Err(); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Exit:           exit,
		UnrealizedPnL:  upnl,
		PendingFunding: pending,
		Equity:         equity,
		Ratio:          ratio,
	}, nil
}

// Ratio returns (margin + unrealized PnL + pending funding) / |exit
// notional|. A closed position has ratio fixed.Max.
func Ratio(pos *model.Position, m *model.Market) (fixed.Decimal, error) {
	s, err := Evaluate(pos, m)
	if err != nil {
		return fixed.Zero, err
	}
	return s.Ratio, nil
}

// IsLiquidatable reports whether the margin ratio is strictly below the
// market's maintenance margin ratio.
func IsLiquidatable(pos *model.Position, m *model.Market) (bool, error) {
	if !pos.IsOpen() {
		return false, nil
	}
	r, err := Ratio(pos, m)
	if err != nil {
		return false, err
	}
	return r.LessThan(m.Params.MaintenanceMarginRatio), nil
}

// FreeCollateral is the margin that can be withdrawn: margin plus pending
// funding plus unrealized losses (gains are not withdrawable), less the
// initial margin required on the open notional. Never negative.
func FreeCollateral(pos *model.Position, m *model.Market) (fixed.Decimal, error) {
	s, err := Evaluate(pos, m)
	if err != nil {
		return fixed.Zero, err
	}
	var c fixed.Calc
	losses := fixed.Min(s.UnrealizedPnL, fixed.Zero)
	required := c.Mul(pos.OpenNotional, m.Params.InitialMarginRatio)
	free := c.Sub(c.Sum(pos.Margin, s.PendingFunding, losses), required)
	if err := c.Err(); err != nil {
		return fixed.Zero, err
	}
	return fixed.MaxOf(free, fixed.Zero), nil
}

// View returns pos with its live figures.
func View(pos *model.Position, m *model.Market) (model.PositionView, error) {
	s, err := Evaluate(pos, m)
	if err != nil {
		return model.PositionView{}, err
	}
	free, err := FreeCollateral(pos, m)
	if err != nil {
		return model.PositionView{}, err
	}
	entry := fixed.Zero
	if pos.IsOpen() {
		if entry, err = pos.OpenNotional.Div(pos.Size.Abs()); err != nil {
			return model.PositionView{}, err
		}
	}
	return model.PositionView{
		Position:       *pos,
		Direction:      pos.Direction(),
		EntryPrice:     entry,
		Notional:       s.Exit,
		UnrealizedPnL:  s.UnrealizedPnL,
		PendingFunding: s.PendingFunding,
		MarginRatio:    s.Ratio,
		FreeCollateral: free,
		Liquidatable:   pos.IsOpen() && s.Ratio.LessThan(m.Params.MaintenanceMarginRatio),
	}, nil
}
