// Package liquidation closes under-margined positions.
//
// A liquidation runs in two phases. Assess checks eligibility against a
// snapshot and sizes the liquidation; Execute re-checks eligibility against
// the state read immediately before execution and aborts when the position
// has recovered. A plan whose snapshot is stale is re-sized before it runs.
//
// The engine is pure like the clearinghouse: it returns the new market,
// position, ledger entry and the fund transfers the caller must apply.
package liquidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/clearing"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/vault"
)

// State is the lifecycle state of one liquidation attempt.
type State string

const (
	StateEligible  State = "eligible"
	StateSizing    State = "sizing"
	StateExecuting State = "executing"
	StateSettled   State = "settled"
	StateAborted   State = "aborted"
)

var (
	// ErrNotLiquidatable is returned when the margin ratio is at or above
	// the maintenance margin ratio.
	ErrNotLiquidatable = errors.New("liquidation: position not liquidatable")

	// ErrLiquidationAborted is returned by Execute when the position
	// recovered after it was assessed.
	ErrLiquidationAborted = fmt.Errorf("liquidation: aborted: %w", ErrNotLiquidatable)
)

// searchSteps bounds the sizing bisection; 1e-12 base is the resolution.
const searchSteps = 128

var searchTolerance = fixed.MustParse("0.000000000001")

// Plan is a sized liquidation.
type Plan struct {
	MarketID string `json:"market_id"`
	Trader   string `json:"trader"`
	// State is StateSizing once Assess returns the plan.
	State State `json:"state"`
	// Base is the unsigned size to close.
	Base fixed.Decimal `json:"base"`
	Full bool          `json:"full"`
	// Ratio is the margin ratio when assessed; Target the ratio a partial
	// liquidation restores.
	Ratio  fixed.Decimal `json:"ratio"`
	Target fixed.Decimal `json:"target"`

	MarketVersion   int64 `json:"market_version"`
	PositionVersion int64 `json:"position_version"`
}

// Result is the uncommitted outcome of an executed liquidation.
type Result struct {
	Plan      *Plan
	Market    *model.Market
	Position  *model.Position
	Entries   []model.LedgerEntry
	Transfers vault.Transfers
	Record    *model.LiquidationRecord
}

// Engine sizes and executes liquidations.
type Engine struct {
	now   func() time.Time
	newID func() string
}

// NewEngine creates a liquidation engine.
func NewEngine() *Engine {
	return &Engine{
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// WithClock replaces the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Assess checks pos for liquidation against m and sizes it. It returns
// ErrNotLiquidatable when the margin ratio is not below maintenance.
func (e *Engine) Assess(m *model.Market, pos *model.Position) (*Plan, error) {
	if !pos.IsOpen() {
		return nil, clearing.ErrPositionNotFound
	}
	snap, err := margin.Evaluate(pos, m)
	if err != nil {
		return nil, err
	}
	if !snap.Ratio.LessThan(m.Params.MaintenanceMarginRatio) {
		return nil, fmt.Errorf("%w: ratio %s", ErrNotLiquidatable, snap.Ratio.StringFixed(6))
	}

	plan := &Plan{
		MarketID:        m.ID,
		Trader:          pos.Trader,
		State:           StateEligible,
		Ratio:           snap.Ratio,
		MarketVersion:   m.Version,
		PositionVersion: pos.Version,
	}
	if err := e.size(plan, m, pos); err != nil {
		return nil, err
	}
	return plan, nil
}

// simulate returns the margin ratio after liquidating base of pos,
// including the liquidation fee.
func simulate(m *model.Market, pos *model.Position, base fixed.Decimal) (fixed.Decimal, error) {
	p := pos.Clone()
	if _, err := funding.SettlePosition(p, m.CumulativeFunding); err != nil {
		return fixed.Zero, err
	}
	r, err := clearing.ReduceByBase(p, m.Reserves, base)
	if err != nil {
		return fixed.Zero, err
	}
	if r.Full {
		return fixed.Max, nil
	}
	var c fixed.Calc
	r.Position.Margin = c.Sub(r.Position.Margin, c.Mul(r.Swap.Quote, m.Params.LiquidationFeeRatio))
	if err := c.Err(); err != nil {
		return fixed.Zero, err
	}
	snap, err := margin.EvaluateAt(r.Position, r.Swap.Next, m.CumulativeFunding)
	if err != nil {
		return fixed.Zero, err
	}
	return snap.Ratio, nil
}

// size finds the smallest base whose liquidation restores the target
// ratio. The position is liquidated in full when no partial that leaves
// at least MinViableSize restores it.
func (e *Engine) size(plan *Plan, m *model.Market, pos *model.Position) error {
	plan.State = StateSizing

	var c fixed.Calc
	size := pos.Size.Abs()
	target := c.Add(m.Params.MaintenanceMarginRatio, m.Params.LiquidationBuffer)
	hi := c.Sub(size, m.Params.MinViableSize)
	if err := c.Err(); err != nil {
		return err
	}
	plan.Target = target

	full := func() error {
		plan.Base = size
		plan.Full = true
		return nil
	}
	if !hi.IsPositive() {
		return full()
	}
	if hi.LessThan(size) {
		ratio, err := simulate(m, pos, hi)
		if err != nil {
			return err
		}
		if ratio.LessThan(target) {
			return full()
		}
	} else {
		hi = size
	}

	lo := fixed.Zero
	two := fixed.New(2)
	for i := 0; i < searchSteps; i++ {
		if c.Sub(hi, lo).LessThanOrEqual(searchTolerance) {
			break
		}
		mid := c.Div(c.Add(lo, hi), two)
		if err := c.Err(); err != nil {
			return err
		}
		if !mid.IsPositive() {
			break
		}
		ratio, err := simulate(m, pos, mid)
		if err != nil {
			return err
		}
		if ratio.LessThan(target) {
			lo = mid
		} else {
			hi = mid
		}
	}
	plan.Base = hi
	plan.Full = hi.GreaterThanOrEqual(size)
	return c.Err()
}

// Execute runs plan against the freshly read m and pos. It aborts with
// ErrLiquidationAborted when the position is no longer liquidatable and
// re-sizes the plan when either version moved since Assess. The bad debt
// of a full liquidation is requested from the insurance fund; whatever the
// fund cannot cover is reported by the caller as a shortfall and never
// blocks the liquidation.
func (e *Engine) Execute(ctx context.Context, plan *Plan, m *model.Market, pos *model.Position, liquidator string) (*Result, error) {
	plan.State = StateExecuting
	if !pos.IsOpen() {
		plan.State = StateAborted
		return nil, fmt.Errorf("%w: position closed", ErrLiquidationAborted)
	}
	liquidatable, err := margin.IsLiquidatable(pos, m)
	if err != nil {
		return nil, err
	}
	if !liquidatable {
		plan.State = StateAborted
		return nil, ErrLiquidationAborted
	}
	if plan.MarketVersion != m.Version || plan.PositionVersion != pos.Version || plan.Base.GreaterThan(pos.Size.Abs()) {
		if err := e.size(plan, m, pos); err != nil {
			return nil, err
		}
		plan.MarketVersion = m.Version
		plan.PositionVersion = pos.Version
		plan.State = StateExecuting
	}

	res, err := e.apply(plan, m, pos, liquidator)
	if err != nil {
		return nil, err
	}
	plan.State = StateSettled
	return res, nil
}

func (e *Engine) apply(plan *Plan, m *model.Market, pos *model.Position, liquidator string) (*Result, error) {
	now := e.now().UTC()
	next := m.Clone()
	if err := funding.Accrue(next, now); err != nil {
		return nil, err
	}
	p := pos.Clone()
	paid, err := funding.SettlePosition(p, next.CumulativeFunding)
	if err != nil {
		return nil, err
	}
	r, err := clearing.ReduceByBase(p, next.Reserves, plan.Base)
	if err != nil {
		return nil, err
	}

	var c fixed.Calc
	notional := r.Swap.Quote
	fee := c.Mul(notional, m.Params.LiquidationFeeRatio)
	toLiquidator := c.Mul(fee, m.Params.LiquidatorShare)
	toPool := c.Sub(fee, toLiquidator)
	price := c.Div(notional, r.Swap.Base)

	np := r.Position
	np.Margin = c.Sub(np.Margin, fee)
	np.RealizedPnL = c.Sub(np.RealizedPnL, fee)
	np.FeesPaid = c.Add(np.FeesPaid, fee)
	np.UpdatedAt = now
	marginDelta := c.Sub(r.PnL, fee)

	var t vault.Transfers
	t.FeePool = toPool
	t.Liquidator = toLiquidator
	badDebt := fixed.Zero
	if r.Full {
		switch np.Margin.Sign() {
		case -1:
			badDebt = np.Margin.Neg()
			t.InsuranceDraw = badDebt
		case 1:
			t.InsuranceDeposit = np.Margin
		}
		marginDelta = c.Sub(marginDelta, np.Margin)
		np.Margin = fixed.Zero
	}

	next.Reserves = r.Swap.Next
	next.OpenInterest = fixed.MaxOf(c.Sub(next.OpenInterest, r.EntryNotional), fixed.Zero)
	next.UpdatedAt = now
	if err := c.Err(); err != nil {
		return nil, err
	}

	entry := model.LedgerEntry{
		ID:          e.newID(),
		MarketID:    m.ID,
		Trader:      pos.Trader,
		Kind:        model.EntryLiquidation,
		Side:        r.Swap.Side,
		Base:        r.SignedBase,
		Quote:       notional,
		Price:       price,
		Fee:         fee,
		Funding:     paid,
		RealizedPnL: c.Sub(r.PnL, fee),
		MarginDelta: marginDelta,
		Timestamp:   now,
	}
	record := &model.LiquidationRecord{
		ID:            entry.ID,
		MarketID:      m.ID,
		Trader:        pos.Trader,
		Liquidator:    liquidator,
		Full:          r.Full,
		Size:          r.Swap.Base,
		Price:         price,
		Notional:      notional,
		Fee:           fee,
		LiquidatorFee: toLiquidator,
		FeePoolFee:    toPool,
		BadDebt:       badDebt,
		InsuranceDraw: badDebt,
		Timestamp:     now,
	}
	if err := c.Err(); err != nil {
		return nil, err
	}

	return &Result{
		Plan:      plan,
		Market:    next,
		Position:  np,
		Entries:   []model.LedgerEntry{entry},
		Transfers: t,
		Record:    record,
	}, nil
}
