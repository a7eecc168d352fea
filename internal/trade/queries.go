package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/perp-engine/internal/clearing"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/vamm"
)

// PriceView is the current pricing of a market.
type PriceView struct {
	MarketID string        `json:"market_id"`
	Symbol   string        `json:"symbol"`
	Mark     fixed.Decimal `json:"mark"`
	Bid      fixed.Decimal `json:"bid"`
	Ask      fixed.Decimal `json:"ask"`
	Spread   fixed.Decimal `json:"spread_ratio"`
	TWAP     fixed.Decimal `json:"twap"`
	// Index is omitted when the oracle has no price.
	Index           *fixed.Decimal `json:"index,omitempty"`
	LastFundingRate fixed.Decimal  `json:"last_funding_rate"`
	NextFundingAt   time.Time      `json:"next_funding_at"`
	OpenInterest    fixed.Decimal  `json:"open_interest"`
}

// Price returns the mark, spread, TWAP and index of a market.
func (s *Service) Price(ctx context.Context, marketID string) (*PriceView, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	curve, err := vamm.NewCurve(m.Params.Curve)
	if err != nil {
		return nil, err
	}
	mark, err := m.Reserves.Spot()
	if err != nil {
		return nil, err
	}
	bid, ask, err := curve.Spread(m.Reserves)
	if err != nil {
		return nil, err
	}
	ratio, err := curve.SpreadRatio(m.Reserves)
	if err != nil {
		return nil, err
	}
	twap, err := funding.MarkTWAP(m, s.now().UTC())
	if err != nil {
		return nil, err
	}

	v := &PriceView{
		MarketID:        m.ID,
		Symbol:          m.Symbol,
		Mark:            mark,
		Bid:             bid,
		Ask:             ask,
		Spread:          ratio,
		TWAP:            twap,
		LastFundingRate: m.LastFundingRate,
		NextFundingAt:   m.LastFundingAt.Add(m.Params.FundingInterval),
		OpenInterest:    m.OpenInterest,
	}
	if index, err := s.feed.IndexPrice(ctx, m.Symbol); err == nil {
		v.Index = &index
	}
	return v, nil
}

// Quote prices a trade of notional in direction without executing it.
func (s *Service) Quote(ctx context.Context, marketID string, dir model.Direction, notional fixed.Decimal) (*vamm.Quote, error) {
	if !dir.Valid() {
		return nil, fmt.Errorf("%w: direction must be long or short", ErrInvalidRequest)
	}
	if !notional.IsPositive() {
		return nil, fmt.Errorf("%w: notional must be positive", ErrInvalidRequest)
	}
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	curve, err := vamm.NewCurve(m.Params.Curve)
	if err != nil {
		return nil, err
	}
	q, err := curve.QuoteByQuote(m.Reserves, dir.OpenSide(), notional)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// History returns the market's ledger entries, oldest first.
func (s *Service) History(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return s.store.GetLedgerEntriesByMarket(ctx, marketID)
}

// FundingHistory returns the market's funding records, oldest first.
func (s *Service) FundingHistory(ctx context.Context, marketID string) ([]model.FundingRecord, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return s.store.ListFundingRecords(ctx, marketID)
}

// Position returns the trader's position in a market with live figures.
func (s *Service) Position(ctx context.Context, marketID, trader string) (*model.PositionView, error) {
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
	v, err := margin.View(pos, m)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Positions returns the open positions of a market with live figures.
func (s *Service) Positions(ctx context.Context, marketID string) ([]model.PositionView, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositionsByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	views := make([]model.PositionView, 0, len(positions))
	for i := range positions {
		v, err := margin.View(&positions[i], m)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// Portfolio aggregates the trader's open positions across markets.
func (s *Service) Portfolio(ctx context.Context, trader string) (*model.Portfolio, error) {
	positions, err := s.store.ListPositionsByTrader(ctx, trader)
	if err != nil {
		return nil, err
	}

	p := &model.Portfolio{Trader: trader, Positions: make([]model.PositionView, 0, len(positions))}
	markets := make(map[string]*model.Market)
	var c fixed.Calc
	for i := range positions {
		pos := &positions[i]
		m, ok := markets[pos.MarketID]
		if !ok {
			if m, err = s.store.GetMarket(ctx, pos.MarketID); err != nil {
				return nil, err
			}
			markets[pos.MarketID] = m
		}
		v, err := margin.View(pos, m)
		if err != nil {
			return nil, err
		}
		p.Positions = append(p.Positions, v)
		p.TotalMargin = c.Add(p.TotalMargin, v.Margin)
		p.TotalNotional = c.Add(p.TotalNotional, v.Notional)
		p.TotalUnrealizedPnL = c.Add(p.TotalUnrealizedPnL, v.UnrealizedPnL)
		p.TotalRealizedPnL = c.Add(p.TotalRealizedPnL, v.RealizedPnL)
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return p, nil
}
