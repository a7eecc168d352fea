// Package clearing is the position ledger: it opens, modifies and closes
// positions against the vAMM and keeps margin, entry notional, funding
// snapshots and realized PnL consistent.
//
// Every operation works on copies of the market and position it is given
// and returns the new state in an Outcome. Nothing is written and no fund
// moves until the caller applies Outcome.Transfers and commits the copies,
// so a failed operation leaves no trace.
//
// Pending funding is always settled against the position before its size
// or margin changes. Entry notional uses weighted-average accounting: an
// increase adds its notional, a reduction removes the same fraction of
// entry notional as of size.
package clearing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/vamm"
	"github.com/atmx/perp-engine/internal/vault"
)

var (
	// ErrInsufficientMargin is returned when a trade would leave the margin
	// ratio below the initial margin ratio, or margin below zero.
	ErrInsufficientMargin = errors.New("clearing: insufficient margin")

	// ErrPositionNotFound is returned for actions on a missing or closed
	// position.
	ErrPositionNotFound = errors.New("clearing: position not found")

	// ErrMarketPaused is returned for trades on a paused market.
	ErrMarketPaused = errors.New("clearing: market paused")

	// ErrInvalidOrder is returned for malformed orders.
	ErrInvalidOrder = errors.New("clearing: invalid order")
)

// Order opens, increases, reduces or reverses a position.
type Order struct {
	Trader    string          `json:"trader"`
	Direction model.Direction `json:"direction"`
	// Notional is the quote amount to trade.
	Notional fixed.Decimal `json:"notional"`
	// Margin is collateral deposited with the order. Fees are paid from it.
	Margin fixed.Decimal `json:"margin"`
}

// Outcome is the uncommitted result of one operation.
type Outcome struct {
	// Market is the updated market, or nil when it did not change.
	Market   *model.Market
	Position *model.Position
	Entries  []model.LedgerEntry
	// Transfers must be applied to the fee pool and insurance fund before
	// the outcome is committed.
	Transfers vault.Transfers
	Fees      vamm.Fees
	// FundingPaid is the funding settled before the change; negative
	// means the position received funding.
	FundingPaid fixed.Decimal
	// RealizedPnL is the trading PnL realized by this operation, net of
	// fees.
	RealizedPnL fixed.Decimal
	// Payout is margin released back to the trader.
	Payout fixed.Decimal
	// BadDebt is negative equity left by a close, drawn from insurance.
	BadDebt fixed.Decimal
}

// Clearinghouse runs position operations.
type Clearinghouse struct {
	feed  oracle.PriceFeed
	now   func() time.Time
	newID func() string
}

// New creates a clearinghouse. feed is used only for the price divergence
// guard and may be nil when no market enables it.
func New(feed oracle.PriceFeed) *Clearinghouse {
	return &Clearinghouse{
		feed:  feed,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// WithClock replaces the time source.
func (h *Clearinghouse) WithClock(now func() time.Time) *Clearinghouse {
	h.now = now
	return h
}

// action carries the working copies of one operation.
type action struct {
	h     *Clearinghouse
	m     *model.Market
	pos   *model.Position
	curve *vamm.Curve
	now   time.Time
	out   *Outcome
	calc  fixed.Calc

	marketChanged bool
	increased     bool
}

func (h *Clearinghouse) begin(m *model.Market, pos *model.Position, trader string) (*action, error) {
	curve, err := vamm.NewCurve(m.Params.Curve)
	if err != nil {
		return nil, err
	}
	now := h.now().UTC()

	var p *model.Position
	if pos == nil {
		p = &model.Position{
			MarketID:         m.ID,
			Trader:           trader,
			LastFundingIndex: m.CumulativeFunding,
		}
	} else {
		p = pos.Clone()
	}

	a := &action{
		h:     h,
		m:     m.Clone(),
		pos:   p,
		curve: curve,
		now:   now,
		out:   &Outcome{},
	}

	paid, err := funding.SettlePosition(a.pos, a.m.CumulativeFunding)
	if err != nil {
		return nil, err
	}
	a.out.FundingPaid = paid
	return a, nil
}

// touch accrues the mark TWAP before the reserves move.
func (a *action) touch() error {
	if a.marketChanged {
		return nil
	}
	if err := funding.Accrue(a.m, a.now); err != nil {
		return err
	}
	a.marketChanged = true
	return nil
}

func (a *action) entry(kind model.EntryKind, side vamm.Side, base, quote, fee, pnl, marginDelta fixed.Decimal) {
	price := fixed.Zero
	if !base.IsZero() {
		price = a.calc.Div(quote, base.Abs())
	}
	funded := fixed.Zero
	if len(a.out.Entries) == 0 {
		funded = a.out.FundingPaid
	}
	a.out.Entries = append(a.out.Entries, model.LedgerEntry{
		ID:          a.h.newID(),
		MarketID:    a.m.ID,
		Trader:      a.pos.Trader,
		Kind:        kind,
		Side:        side,
		Base:        base,
		Quote:       quote,
		Price:       price,
		Fee:         fee,
		Funding:     funded,
		RealizedPnL: pnl,
		MarginDelta: marginDelta,
		Timestamp:   a.now,
	})
}

func (a *action) chargeFees(f vamm.Fees) fixed.Decimal {
	c := &a.calc
	total := c.Add(f.Toll, f.Spread)
	a.pos.Margin = c.Sub(a.pos.Margin, total)
	a.pos.RealizedPnL = c.Sub(a.pos.RealizedPnL, total)
	a.pos.FeesPaid = c.Add(a.pos.FeesPaid, total)
	a.out.Fees.Toll = c.Add(a.out.Fees.Toll, f.Toll)
	a.out.Fees.Spread = c.Add(a.out.Fees.Spread, f.Spread)
	a.out.Transfers.FeePool = c.Add(a.out.Transfers.FeePool, f.Toll)
	a.out.Transfers.InsuranceDeposit = c.Add(a.out.Transfers.InsuranceDeposit, f.Spread)
	a.out.RealizedPnL = c.Sub(a.out.RealizedPnL, total)
	return total
}

// increase opens or adds to the position in dir.
func (a *action) increase(dir model.Direction, notional fixed.Decimal) error {
	if err := a.touch(); err != nil {
		return err
	}
	q, err := a.curve.QuoteByQuote(a.m.Reserves, dir.OpenSide(), notional)
	if err != nil {
		return err
	}

	kind := model.EntryIncrease
	if !a.pos.IsOpen() {
		kind = model.EntryOpen
	}
	signed := q.Base
	if dir == model.Short {
		signed = q.Base.Neg()
	}

	c := &a.calc
	a.pos.Size = c.Add(a.pos.Size, signed)
	a.pos.OpenNotional = c.Add(a.pos.OpenNotional, notional)
	fee := a.chargeFees(q.Fees)
	a.m.Reserves = q.Next
	if err := c.Err(); err != nil {
		return err
	}

	a.increased = true
	a.entry(kind, q.Side, signed, q.Quote, fee, fee.Neg(), fee.Neg())
	return c.Err()
}

// reduce returns part of the position to the pool through swap and
// realizes PnL on the matching share of entry notional.
func (a *action) reduce(q vamm.Quote, kind model.EntryKind) error {
	r, err := realize(a.pos, q.Swap)
	if err != nil {
		return err
	}
	c := &a.calc
	*a.pos = *r.Position
	fee := a.chargeFees(q.Fees)
	a.out.RealizedPnL = c.Add(a.out.RealizedPnL, r.PnL)
	a.m.Reserves = q.Next
	net := c.Sub(r.PnL, fee)
	if err := c.Err(); err != nil {
		return err
	}
	a.entry(kind, q.Side, r.SignedBase, q.Quote, fee, net, net)
	return c.Err()
}

// closeAll returns the whole position to the pool. With release set, the
// remaining margin is paid out and negative equity becomes bad debt;
// otherwise the margin stays on the record for a reversal.
func (a *action) closeAll(kind model.EntryKind, release bool) error {
	if err := a.touch(); err != nil {
		return err
	}
	side := a.pos.Direction().OpenSide().Opposite()
	q, err := a.curve.QuoteByBase(a.m.Reserves, side, a.pos.Size.Abs())
	if err != nil {
		return err
	}
	if err := a.reduce(q, kind); err != nil {
		return err
	}

	if !release {
		if a.pos.Margin.IsNegative() {
			return ErrInsufficientMargin
		}
		return nil
	}
	if a.pos.Margin.IsNegative() {
		a.out.BadDebt = a.pos.Margin.Neg()
		a.out.Transfers.InsuranceDraw = a.calc.Add(a.out.Transfers.InsuranceDraw, a.out.BadDebt)
	} else {
		a.out.Payout = a.calc.Add(a.out.Payout, a.pos.Margin)
	}
	a.pos.Margin = fixed.Zero
	return a.calc.Err()
}

func (a *action) finish() (*Outcome, error) {
	c := &a.calc
	if err := c.Err(); err != nil {
		return nil, err
	}
	if a.marketChanged {
		a.m.UpdatedAt = a.now
		a.out.Market = a.m
	}
	a.pos.UpdatedAt = a.now
	a.out.Position = a.pos
	return a.out, nil
}

// checkRisk applies margin and exposure limits after a trade.
func (a *action) checkRisk(ctx context.Context, oiBefore fixed.Decimal) error {
	if a.pos.Margin.IsNegative() {
		return ErrInsufficientMargin
	}

	lim := limits.New(a.m.Params)
	if err := lim.CheckOpenInterest(oiBefore, a.m.OpenInterest); err != nil {
		return err
	}
	if !a.increased {
		return nil
	}
	if err := lim.CheckHolding(a.pos.Size); err != nil {
		return err
	}

	snap, err := margin.Evaluate(a.pos, a.m)
	if err != nil {
		return err
	}
	if snap.Ratio.LessThan(a.m.Params.InitialMarginRatio) {
		return fmt.Errorf("%w: ratio %s below initial %s", ErrInsufficientMargin,
			snap.Ratio.StringFixed(6), a.m.Params.InitialMarginRatio)
	}

	if lim.DivergenceEnabled() && a.h.feed != nil {
		index, err := a.h.feed.IndexPrice(ctx, a.m.Symbol)
		if err != nil {
			return err
		}
		mid, err := a.m.Reserves.Spot()
		if err != nil {
			return err
		}
		if err := lim.CheckDivergence(mid, index); err != nil {
			return err
		}
	}
	return nil
}

// OpenOrModify trades order against m for pos, which may be nil or closed
// for a new position. Same-direction orders increase the position;
// opposite-direction orders reduce it, close it when the notional matches
// its exit value, or close it and open the remainder in the new direction
// when larger.
func (h *Clearinghouse) OpenOrModify(ctx context.Context, m *model.Market, pos *model.Position, order Order) (*Outcome, error) {
	if m.Status != model.MarketOpen {
		return nil, ErrMarketPaused
	}
	if !order.Direction.Valid() {
		return nil, fmt.Errorf("%w: direction must be long or short", ErrInvalidOrder)
	}
	if !order.Notional.IsPositive() || order.Margin.IsNegative() {
		return nil, fmt.Errorf("%w: notional must be positive and margin not negative", ErrInvalidOrder)
	}
	if pos == nil && order.Trader == "" {
		return nil, fmt.Errorf("%w: trader is required", ErrInvalidOrder)
	}
	if err := limits.New(m.Params).CheckNotional(order.Notional); err != nil {
		return nil, err
	}

	a, err := h.begin(m, pos, order.Trader)
	if err != nil {
		return nil, err
	}
	oiBefore := a.m.OpenInterest
	entryBefore := a.pos.OpenNotional

	c := &a.calc
	a.pos.Margin = c.Add(a.pos.Margin, order.Margin)

	if !a.pos.IsOpen() || a.pos.Direction() == order.Direction {
		err = a.increase(order.Direction, order.Notional)
	} else {
		err = a.modifyOpposite(order)
	}
	if err != nil {
		return nil, err
	}
	if order.Margin.IsPositive() && len(a.out.Entries) > 0 {
		a.out.Entries[0].MarginDelta = c.Add(a.out.Entries[0].MarginDelta, order.Margin)
	}

	delta := c.Sub(a.pos.OpenNotional, entryBefore)
	a.m.OpenInterest = fixed.MaxOf(c.Add(a.m.OpenInterest, delta), fixed.Zero)
	if err := c.Err(); err != nil {
		return nil, err
	}
	if err := a.checkRisk(ctx, oiBefore); err != nil {
		return nil, err
	}
	return a.finish()
}

func (a *action) modifyOpposite(order Order) error {
	if err := a.touch(); err != nil {
		return err
	}
	exit, err := margin.ExitNotional(a.pos, a.m.Reserves)
	if err != nil {
		return err
	}

	switch order.Notional.Cmp(exit) {
	case -1:
		q, err := a.curve.QuoteByQuote(a.m.Reserves, order.Direction.OpenSide(), order.Notional)
		if err != nil {
			return err
		}
		if q.Base.GreaterThanOrEqual(a.pos.Size.Abs()) {
			return a.closeAll(model.EntryClose, true)
		}
		return a.reduce(q, model.EntryReduce)
	case 0:
		return a.closeAll(model.EntryClose, true)
	}

	rest, err := order.Notional.Sub(exit)
	if err != nil {
		return err
	}
	if rest.LessThan(a.m.Params.Curve.MinTradeNotional) {
		return a.closeAll(model.EntryClose, true)
	}
	if err := a.closeAll(model.EntryClose, false); err != nil {
		return err
	}
	return a.increase(order.Direction, rest)
}

// Close closes the whole position and releases its margin. Negative equity
// after the close is reported as BadDebt and drawn from the insurance fund.
func (h *Clearinghouse) Close(ctx context.Context, m *model.Market, pos *model.Position) (*Outcome, error) {
	if !pos.IsOpen() {
		return nil, ErrPositionNotFound
	}
	a, err := h.begin(m, pos, pos.Trader)
	if err != nil {
		return nil, err
	}
	oiBefore := a.m.OpenInterest
	if err := a.closeAll(model.EntryClose, true); err != nil {
		return nil, err
	}
	c := &a.calc
	a.m.OpenInterest = fixed.MaxOf(c.Sub(oiBefore, pos.OpenNotional), fixed.Zero)
	return a.finish()
}

// AdjustMargin deposits (positive delta) or withdraws (negative delta)
// collateral on an open position. Withdrawals are limited to free
// collateral and must keep the initial margin ratio.
func (h *Clearinghouse) AdjustMargin(ctx context.Context, m *model.Market, pos *model.Position, delta fixed.Decimal) (*Outcome, error) {
	if !pos.IsOpen() {
		return nil, ErrPositionNotFound
	}
	if delta.IsZero() {
		return nil, fmt.Errorf("%w: margin delta must be non-zero", ErrInvalidOrder)
	}
	a, err := h.begin(m, pos, pos.Trader)
	if err != nil {
		return nil, err
	}

	c := &a.calc
	if delta.IsNegative() {
		free, err := margin.FreeCollateral(a.pos, a.m)
		if err != nil {
			return nil, err
		}
		if delta.Abs().GreaterThan(free) {
			return nil, fmt.Errorf("%w: withdraw %s over free collateral %s", ErrInsufficientMargin, delta.Abs(), free)
		}
		a.out.Payout = delta.Abs()
	}
	a.pos.Margin = c.Add(a.pos.Margin, delta)
	if err := c.Err(); err != nil {
		return nil, err
	}

	if delta.IsNegative() {
		snap, err := margin.Evaluate(a.pos, a.m)
		if err != nil {
			return nil, err
		}
		if snap.Ratio.LessThan(a.m.Params.InitialMarginRatio) {
			return nil, ErrInsufficientMargin
		}
	}

	a.entry(model.EntryMargin, "", fixed.Zero, fixed.Zero, fixed.Zero, fixed.Zero, delta)
	return a.finish()
}

// SettleFunding realizes pending funding on pos without trading.
func (h *Clearinghouse) SettleFunding(ctx context.Context, m *model.Market, pos *model.Position) (*Outcome, error) {
	if !pos.IsOpen() {
		return nil, ErrPositionNotFound
	}
	a, err := h.begin(m, pos, pos.Trader)
	if err != nil {
		return nil, err
	}
	if !a.out.FundingPaid.IsZero() {
		paid := a.out.FundingPaid.Neg()
		a.entry(model.EntryFunding, "", fixed.Zero, fixed.Zero, fixed.Zero, paid, paid)
	}
	return a.finish()
}

// RepegOutcome is the result of a repeg.
type RepegOutcome struct {
	Outcome
	Repeg vamm.Repeg
}

// Repeg moves m's mid price to target. A positive cost is drawn from the
// insurance fund and must be covered in full; a negative cost is deposited
// into it.
func (h *Clearinghouse) Repeg(ctx context.Context, m *model.Market, target fixed.Decimal) (*RepegOutcome, error) {
	curve, err := vamm.NewCurve(m.Params.Curve)
	if err != nil {
		return nil, err
	}
	now := h.now().UTC()
	next := m.Clone()
	if err := funding.Accrue(next, now); err != nil {
		return nil, err
	}
	r, err := curve.Repeg(next.Reserves, target, next.RepegCostAccumulated)
	if err != nil {
		return nil, err
	}
	next.Reserves = r.Next
	next.RepegCostAccumulated = r.Spent
	next.UpdatedAt = now

	out := &RepegOutcome{Repeg: r}
	out.Market = next
	if r.Cost.IsPositive() {
		out.Transfers.InsuranceDraw = r.Cost
		out.Transfers.DrawMustCover = true
	} else if r.Cost.IsNegative() {
		out.Transfers.InsuranceDeposit = r.Cost.Neg()
	}
	return out, nil
}
