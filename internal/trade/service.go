// Package trade runs market, position, funding, repeg and liquidation
// actions against the store and exposes them over HTTP.
//
// Every state-changing action takes the market's lock, re-reads the market
// and position, computes the outcome on copies, moves funds through the
// vault and commits a single changeset. Events are broadcast only after the
// commit succeeds.
package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atmx/perp-engine/internal/clearing"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/liquidation"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/symbol"
	"github.com/atmx/perp-engine/internal/vamm"
	"github.com/atmx/perp-engine/internal/vault"
)

// ErrInvalidRequest is returned for malformed market or action requests.
var ErrInvalidRequest = errors.New("trade: invalid request")

// Deps are the collaborators of a Service.
type Deps struct {
	Store store.Store
	// Feed supplies index prices for funding and the divergence guard.
	Feed oracle.PriceFeed
	Fees vault.FeePool
	Fund vault.InsuranceFund
	// Transfers, when set, commits fund movements in the same transaction
	// as the changeset. It is normally the Store itself.
	Transfers store.TransferCommitter
	// Defaults are applied to markets created without parameters.
	Defaults model.MarketParams
	Log      *zap.Logger
}

// Service executes actions against markets.
type Service struct {
	store     store.Store
	feed      oracle.PriceFeed
	fees      vault.FeePool
	fund      vault.InsuranceFund
	transfers store.TransferCommitter
	defaults  model.MarketParams

	house      *clearing.Clearinghouse
	settler    *funding.Settler
	liquidator *liquidation.Engine

	events Fanout
	log    *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a trade service. A nil Feed behaves as an oracle with
// no prices; a nil Log discards logs.
func NewService(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	feed := d.Feed
	if feed == nil {
		feed = oracle.NewStaticFeed()
	}
	return &Service{
		store:      d.Store,
		feed:       feed,
		fees:       d.Fees,
		fund:       d.Fund,
		transfers:  d.Transfers,
		defaults:   d.Defaults,
		house:      clearing.New(feed),
		settler:    funding.NewSettler(feed),
		liquidator: liquidation.NewEngine(),
		log:        log,
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
	}
}

// WithClock replaces the time source of the service and its engines.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.house.WithClock(now)
	s.settler.WithClock(now)
	s.liquidator.WithClock(now)
	return s
}

// Subscribe registers b for events of committed actions.
func (s *Service) Subscribe(b Broadcaster) {
	s.events.Subscribe(b)
}

// lock serializes actions on one market.
func (s *Service) lock(marketID string) func() {
	s.mu.Lock()
	l, ok := s.locks[marketID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[marketID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// --- Markets ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Symbol       string        `json:"symbol"` // BASE/QUOTE, e.g. ETH/USDC
	BaseReserve  fixed.Decimal `json:"base_reserve"`
	QuoteReserve fixed.Decimal `json:"quote_reserve"`
	// Params replaces the service defaults when set.
	Params *model.MarketParams `json:"params,omitempty"`
}

// CreateMarket validates req and stores a new open market.
func (s *Service) CreateMarket(ctx context.Context, req CreateMarketRequest) (*model.Market, error) {
	sym, err := symbol.Parse(req.Symbol)
	if err != nil {
		return nil, err
	}
	pool, err := vamm.NewPool(req.BaseReserve, req.QuoteReserve)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	params := s.defaults
	if req.Params != nil {
		params = *req.Params
	}
	if err := ValidateParams(params); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	m := &model.Market{
		ID:             uuid.New().String(),
		Symbol:         sym.String(),
		Params:         params,
		Reserves:       pool,
		Status:         model.MarketOpen,
		LastFundingAt:  now,
		PriceUpdatedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateMarket(ctx, m); err != nil {
		return nil, err
	}
	metrics.ActiveMarkets.Inc()

	s.log.Info("market created",
		zap.String("market", m.ID),
		zap.String("symbol", m.Symbol),
		zap.Stringer("base_reserve", pool.Base),
		zap.Stringer("quote_reserve", pool.Quote),
	)
	s.publish(EventMarketCreated, m, "", m)
	return m, nil
}

// ValidateParams checks that p describes a tradable market.
func ValidateParams(p model.MarketParams) error {
	if err := p.Curve.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	ratio := func(x fixed.Decimal) bool { return x.IsPositive() && x.LessThan(fixed.One) }
	switch {
	case !ratio(p.MaintenanceMarginRatio):
		return fmt.Errorf("%w: maintenance margin ratio must be in (0, 1)", ErrInvalidRequest)
	case !ratio(p.InitialMarginRatio) || p.InitialMarginRatio.LessThan(p.MaintenanceMarginRatio):
		return fmt.Errorf("%w: initial margin ratio must be in [maintenance, 1)", ErrInvalidRequest)
	case p.LiquidationBuffer.IsNegative():
		return fmt.Errorf("%w: liquidation buffer must not be negative", ErrInvalidRequest)
	case p.LiquidationFeeRatio.IsNegative() || p.LiquidationFeeRatio.GreaterThanOrEqual(fixed.One):
		return fmt.Errorf("%w: liquidation fee ratio must be in [0, 1)", ErrInvalidRequest)
	case p.LiquidatorShare.IsNegative() || p.LiquidatorShare.GreaterThan(fixed.One):
		return fmt.Errorf("%w: liquidator share must be in [0, 1]", ErrInvalidRequest)
	case p.MinViableSize.IsNegative():
		return fmt.Errorf("%w: min viable size must not be negative", ErrInvalidRequest)
	case p.FundingInterval <= 0:
		return fmt.Errorf("%w: funding interval must be positive", ErrInvalidRequest)
	case p.MaxFundingRate.IsNegative():
		return fmt.Errorf("%w: max funding rate must not be negative", ErrInvalidRequest)
	case p.MaxOpenInterest.IsNegative() || p.MaxHolding.IsNegative() ||
		p.MaxNotional.IsNegative() || p.MaxPriceDivergence.IsNegative():
		return fmt.Errorf("%w: caps must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Market returns a market by id.
func (s *Service) Market(ctx context.Context, id string) (*model.Market, error) {
	return s.store.GetMarket(ctx, id)
}

// Markets returns all markets.
func (s *Service) Markets(ctx context.Context) ([]model.Market, error) {
	return s.store.ListMarkets(ctx)
}

// SetStatus opens or pauses trading on a market. Paused markets reject
// orders; closes, margin changes, funding and liquidations continue.
func (s *Service) SetStatus(ctx context.Context, marketID string, status model.MarketStatus) (*model.Market, error) {
	if status != model.MarketOpen && status != model.MarketPaused {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	unlock := s.lock(marketID)
	defer unlock()

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status == status {
		return m, nil
	}
	next := m.Clone()
	next.Status = status
	next.UpdatedAt = s.now().UTC()
	if err := s.store.Commit(ctx, &store.Changeset{Market: next}); err != nil {
		return nil, err
	}
	if status == model.MarketOpen {
		metrics.ActiveMarkets.Inc()
	} else {
		metrics.ActiveMarkets.Dec()
	}

	s.log.Info("market status changed", zap.String("market", marketID), zap.String("status", string(status)))
	s.publish(EventMarketStatus, next, "", next)
	return next, nil
}

// --- Positions ---

// TradeResult is the committed outcome of a position action.
type TradeResult struct {
	Position    model.PositionView  `json:"position"`
	Entries     []model.LedgerEntry `json:"entries"`
	Fees        vamm.Fees           `json:"fees"`
	FundingPaid fixed.Decimal       `json:"funding_paid"`
	RealizedPnL fixed.Decimal       `json:"realized_pnl"`
	Payout      fixed.Decimal       `json:"payout"`
	BadDebt     fixed.Decimal       `json:"bad_debt"`
	Settlement  vault.Settlement    `json:"settlement"`
	Mark        fixed.Decimal       `json:"mark"`
}

// Trade opens, increases, reduces or reverses the trader's position.
func (s *Service) Trade(ctx context.Context, marketID string, order clearing.Order) (*TradeResult, error) {
	return s.positionAction(ctx, marketID, order.Trader, "trade", func(m *model.Market, pos *model.Position) (*clearing.Outcome, error) {
		return s.house.OpenOrModify(ctx, m, pos, order)
	})
}

// Close closes the trader's whole position.
func (s *Service) Close(ctx context.Context, marketID, trader string) (*TradeResult, error) {
	return s.positionAction(ctx, marketID, trader, "close", func(m *model.Market, pos *model.Position) (*clearing.Outcome, error) {
		return s.house.Close(ctx, m, pos)
	})
}

// AdjustMargin deposits (positive) or withdraws (negative) collateral.
func (s *Service) AdjustMargin(ctx context.Context, marketID, trader string, delta fixed.Decimal) (*TradeResult, error) {
	return s.positionAction(ctx, marketID, trader, "margin", func(m *model.Market, pos *model.Position) (*clearing.Outcome, error) {
		return s.house.AdjustMargin(ctx, m, pos, delta)
	})
}

// SettlePositionFunding realizes the trader's pending funding.
func (s *Service) SettlePositionFunding(ctx context.Context, marketID, trader string) (*TradeResult, error) {
	return s.positionAction(ctx, marketID, trader, "funding", func(m *model.Market, pos *model.Position) (*clearing.Outcome, error) {
		return s.house.SettleFunding(ctx, m, pos)
	})
}

func (s *Service) positionAction(ctx context.Context, marketID, trader, kind string,
	run func(*model.Market, *model.Position) (*clearing.Outcome, error)) (*TradeResult, error) {
	if trader == "" {
		return nil, fmt.Errorf("%w: trader is required", ErrInvalidRequest)
	}
	start := time.Now()
	defer func() { metrics.TradeLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds()) }()

	unlock := s.lock(marketID)
	defer unlock()

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	pos, err := s.store.GetPosition(ctx, marketID, trader)
	if errors.Is(err, store.ErrNotFound) {
		pos = nil
	} else if err != nil {
		return nil, err
	}

	out, err := run(m, pos)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	cs := &store.Changeset{
		Market:    out.Market,
		Positions: []*model.Position{out.Position},
		Entries:   out.Entries,
	}
	settle, err := s.commit(ctx, out.Transfers, cs)
	if err != nil {
		return nil, err
	}

	after := m
	if out.Market != nil {
		after = out.Market
	}
	view, err := margin.View(out.Position, after)
	if err != nil {
		return nil, err
	}
	mark, _ := after.Reserves.Spot()

	for _, e := range out.Entries {
		metrics.TradesTotal.WithLabelValues(string(e.Kind)).Inc()
		if !e.Quote.IsZero() {
			metrics.MarketVolume.WithLabelValues(marketID).Add(e.Quote.Decimal().InexactFloat64())
		}
	}

	s.log.Info("position updated",
		zap.String("market", marketID),
		zap.String("trader", trader),
		zap.String("action", kind),
		zap.Stringer("size", out.Position.Size),
		zap.Stringer("margin", out.Position.Margin),
		zap.Stringer("realized_pnl", out.RealizedPnL),
		zap.Stringer("mark", mark),
	)

	evType := EventTrade
	if out.Market == nil {
		evType = EventMargin
	}
	for i := range out.Entries {
		s.publish(evType, after, trader, out.Entries[i])
	}

	return &TradeResult{
		Position:    view,
		Entries:     out.Entries,
		Fees:        out.Fees,
		FundingPaid: out.FundingPaid,
		RealizedPnL: out.RealizedPnL,
		Payout:      out.Payout,
		BadDebt:     out.BadDebt,
		Settlement:  settle,
		Mark:        mark,
	}, nil
}

// --- Funding and repeg ---

// SettleFunding applies the market's funding if the interval has elapsed.
// An oracle failure leaves the market untouched and returns
// oracle.ErrOracleUnavailable.
func (s *Service) SettleFunding(ctx context.Context, marketID string) (*funding.Result, error) {
	unlock := s.lock(marketID)
	defer unlock()

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	res, err := s.settler.Settle(ctx, m)
	if err != nil {
		reason := "internal"
		if errors.Is(err, oracle.ErrOracleUnavailable) {
			reason = "oracle"
		}
		metrics.FundingFailures.WithLabelValues(reason).Inc()
		return nil, err
	}
	if !res.Applied {
		return res, nil
	}

	cs := &store.Changeset{Market: res.Market, Funding: []model.FundingRecord{*res.Record}}
	if err := s.store.Commit(ctx, cs); err != nil {
		metrics.FundingFailures.WithLabelValues("commit").Inc()
		return nil, err
	}
	metrics.FundingRate.WithLabelValues(marketID).Set(res.Rate.Decimal().InexactFloat64())

	s.log.Info("funding settled",
		zap.String("market", marketID),
		zap.Stringer("rate", res.Rate),
		zap.Stringer("mark", res.MarkPrice),
		zap.Stringer("index", res.IndexPrice),
		zap.Stringer("cumulative", res.Record.CumulativeIndex),
	)
	s.publish(EventFundingSettled, res.Market, "", res.Record)
	return res, nil
}

// RepegResult is the committed outcome of a repeg.
type RepegResult struct {
	Repeg      vamm.Repeg       `json:"repeg"`
	Market     *model.Market    `json:"market"`
	Settlement vault.Settlement `json:"settlement"`
}

// Repeg moves the market's mid price to target.
func (s *Service) Repeg(ctx context.Context, marketID string, target fixed.Decimal) (*RepegResult, error) {
	unlock := s.lock(marketID)
	defer unlock()

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	out, err := s.house.Repeg(ctx, m, target)
	if err != nil {
		return nil, err
	}
	settle, err := s.commit(ctx, out.Transfers, &store.Changeset{Market: out.Market})
	if err != nil {
		if errors.Is(err, vault.ErrInsufficientFunds) {
			s.log.Warn("repeg rejected",
				zap.String("market", marketID),
				zap.Stringer("target", target),
				zap.Stringer("cost", out.Repeg.Cost),
				zap.Error(err),
			)
		}
		return nil, err
	}

	s.log.Info("market repegged",
		zap.String("market", marketID),
		zap.Stringer("target", target),
		zap.Stringer("cost", out.Repeg.Cost),
		zap.Stringer("spent", out.Repeg.Spent),
	)
	s.publish(EventRepeg, out.Market, "", out.Repeg)
	return &RepegResult{Repeg: out.Repeg, Market: out.Market, Settlement: settle}, nil
}

// --- Liquidation ---

// Assess sizes a liquidation of the trader's position against the current
// state without taking the market lock.
func (s *Service) Assess(ctx context.Context, marketID, trader string) (*liquidation.Plan, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	pos, err := s.store.GetPosition(ctx, marketID, trader)
	if errors.Is(err, store.ErrNotFound) {
		return nil, clearing.ErrPositionNotFound
	} else if err != nil {
		return nil, err
	}
	return s.liquidator.Assess(m, pos)
}

// Liquidate executes plan against freshly read state under the market
// lock. The plan is re-validated and re-sized if the state moved since it
// was assessed; liquidation.ErrLiquidationAborted is returned when the
// position recovered.
func (s *Service) Liquidate(ctx context.Context, plan *liquidation.Plan, liquidator string) (*model.LiquidationRecord, error) {
	if liquidator == "" {
		return nil, fmt.Errorf("%w: liquidator is required", ErrInvalidRequest)
	}
	unlock := s.lock(plan.MarketID)
	defer unlock()

	m, err := s.store.GetMarket(ctx, plan.MarketID)
	if err != nil {
		return nil, err
	}
	pos, err := s.store.GetPosition(ctx, plan.MarketID, plan.Trader)
	if errors.Is(err, store.ErrNotFound) {
		return nil, clearing.ErrPositionNotFound
	} else if err != nil {
		return nil, err
	}

	res, err := s.liquidator.Execute(ctx, plan, m, pos, liquidator)
	if err != nil {
		if errors.Is(err, liquidation.ErrLiquidationAborted) {
			metrics.LiquidationsAborted.Inc()
		}
		return nil, err
	}

	cs := &store.Changeset{
		Market:    res.Market,
		Positions: []*model.Position{res.Position},
		Entries:   res.Entries,
	}
	settle, err := s.commit(ctx, res.Transfers, cs)
	if err != nil {
		return nil, err
	}
	rec := res.Record
	rec.InsuranceDraw = settle.Drawn
	rec.Shortfall = settle.Shortfall

	kind := "partial"
	if rec.Full {
		kind = "full"
	}
	metrics.LiquidationsTotal.WithLabelValues(kind).Inc()
	metrics.MarketVolume.WithLabelValues(plan.MarketID).Add(rec.Notional.Decimal().InexactFloat64())

	s.log.Info("position liquidated",
		zap.String("market", plan.MarketID),
		zap.String("trader", plan.Trader),
		zap.String("liquidator", liquidator),
		zap.Bool("full", rec.Full),
		zap.Stringer("size", rec.Size),
		zap.Stringer("fee", rec.Fee),
		zap.Stringer("bad_debt", rec.BadDebt),
		zap.Stringer("shortfall", rec.Shortfall),
	)
	s.publish(EventLiquidation, res.Market, plan.Trader, rec)
	return rec, nil
}

// LiquidateTrader assesses and executes in one call.
func (s *Service) LiquidateTrader(ctx context.Context, marketID, trader, liquidator string) (*model.LiquidationRecord, error) {
	plan, err := s.Assess(ctx, marketID, trader)
	if err != nil {
		return nil, err
	}
	return s.Liquidate(ctx, plan, liquidator)
}

// --- Helpers ---

// commit moves funds and writes cs as one unit. A store that implements
// store.TransferCommitter does both in its own transaction. Otherwise the
// transfers are applied first and reverted when the store rejects cs.
func (s *Service) commit(ctx context.Context, t vault.Transfers, cs *store.Changeset) (vault.Settlement, error) {
	if s.transfers != nil && !t.IsZero() {
		settle, err := s.transfers.CommitWithTransfers(ctx, cs, t)
		if err == nil {
			s.observeSettlement(settle)
			return settle, nil
		}
		if !errors.Is(err, store.ErrTransfersUnsupported) {
			return vault.Settlement{}, err
		}
	}

	settle, err := vault.Apply(ctx, s.fees, s.fund, t)
	if err != nil {
		return vault.Settlement{}, err
	}
	if err := s.store.Commit(ctx, cs); err != nil {
		if rerr := vault.Revert(ctx, s.fees, s.fund, t, settle); rerr != nil {
			s.log.Error("fund transfers not reverted after failed commit",
				zap.Stringer("fee_pool", t.FeePool),
				zap.Stringer("insurance_deposit", t.InsuranceDeposit),
				zap.Stringer("insurance_draw", settle.Drawn),
				zap.NamedError("commit_error", err),
				zap.Error(rerr),
			)
		}
		return vault.Settlement{}, err
	}
	s.observeSettlement(settle)
	return settle, nil
}

func (s *Service) observeSettlement(settle vault.Settlement) {
	if settle.Drawn.IsPositive() {
		metrics.InsuranceDraws.Add(settle.Drawn.Decimal().InexactFloat64())
	}
	if settle.Shortfall.IsPositive() {
		metrics.InsuranceShortfall.Add(settle.Shortfall.Decimal().InexactFloat64())
		s.log.Warn("insurance fund shortfall", zap.Stringer("shortfall", settle.Shortfall))
	}
}

func (s *Service) publish(typ string, m *model.Market, trader string, data any) {
	mark, _ := m.Reserves.Spot()
	s.events.Broadcast(Event{
		Type:      typ,
		MarketID:  m.ID,
		Symbol:    m.Symbol,
		Trader:    trader,
		Mark:      mark,
		Data:      data,
		Timestamp: s.now().UTC(),
	})
}

// rejectReason labels a rejected action for metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, clearing.ErrInsufficientMargin):
		return "margin"
	case errors.Is(err, clearing.ErrMarketPaused):
		return "paused"
	case errors.Is(err, clearing.ErrPositionNotFound):
		return "not_found"
	case errors.Is(err, vamm.ErrTradeTooSmall), errors.Is(err, vamm.ErrInsufficientLiquidity):
		return "curve"
	case errors.Is(err, oracle.ErrOracleUnavailable):
		return "oracle"
	case errors.Is(err, vault.ErrInsufficientFunds):
		return "insurance"
	case isLimitError(err):
		return "limit"
	}
	return "invalid"
}
