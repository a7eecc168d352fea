// Package keeper runs the periodic funding settlement and liquidation scans.
package keeper

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/perp-engine/internal/clearing"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/liquidation"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/trade"
)

// Actions is the part of the trade service the keeper drives.
type Actions interface {
	Markets(ctx context.Context) ([]model.Market, error)
	SettleFunding(ctx context.Context, marketID string) (*funding.Result, error)
	Positions(ctx context.Context, marketID string) ([]model.PositionView, error)
	Assess(ctx context.Context, marketID, trader string) (*liquidation.Plan, error)
	Liquidate(ctx context.Context, plan *liquidation.Plan, liquidator string) (*model.LiquidationRecord, error)
}

// Config controls the keeper loops.
type Config struct {
	// FundingTick is how often markets are checked for due funding.
	FundingTick time.Duration
	// ScanTick is how often all markets are scanned for liquidations.
	ScanTick time.Duration
	// Liquidator is the identity recorded on keeper liquidations.
	Liquidator string
	// Parallelism bounds concurrent market scans.
	Parallelism int
}

// DefaultConfig returns a one minute funding check and a five second scan.
func DefaultConfig() Config {
	return Config{
		FundingTick: time.Minute,
		ScanTick:    5 * time.Second,
		Liquidator:  "keeper",
		Parallelism: 4,
	}
}

// Keeper settles funding and liquidates under-margined positions.
type Keeper struct {
	svc    Actions
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
	nudges chan string

	liquidated atomic.Int64
}

// New creates a keeper.
func New(svc Actions, cfg Config, log *zap.Logger) *Keeper {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &Keeper{
		svc:    svc,
		cfg:    cfg,
		log:    log.With(zap.String("component", "keeper")),
		now:    time.Now,
		nudges: make(chan string, 64),
	}
}

// WithClock replaces the time source used to pick due markets.
func (k *Keeper) WithClock(now func() time.Time) *Keeper {
	k.now = now
	return k
}

// Liquidated returns the number of liquidations the keeper executed.
func (k *Keeper) Liquidated() int64 { return k.liquidated.Load() }

// Nudge requests an eager liquidation scan of one market. It never blocks;
// nudges are dropped while the queue is full.
func (k *Keeper) Nudge(marketID string) {
	select {
	case k.nudges <- marketID:
	default:
	}
}

// Broadcast implements trade.Broadcaster: price-moving events nudge a scan
// of their market.
func (k *Keeper) Broadcast(e trade.Event) {
	switch e.Type {
	case trade.EventTrade, trade.EventRepeg, trade.EventFundingSettled:
		k.Nudge(e.MarketID)
	}
}

// Run runs the funding and liquidation loops until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.fundingLoop(ctx) })
	g.Go(func() error { return k.liquidationLoop(ctx) })
	return g.Wait()
}

func (k *Keeper) fundingLoop(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.FundingTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := k.SettleDue(ctx); err != nil && ctx.Err() == nil {
				k.log.Warn("funding pass failed", zap.Error(err))
			}
		}
	}
}

func (k *Keeper) liquidationLoop(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.ScanTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := k.ScanAll(ctx); err != nil && ctx.Err() == nil {
				k.log.Warn("liquidation scan failed", zap.Error(err))
			}
		case id := <-k.nudges:
			if _, err := k.ScanMarket(ctx, id); err != nil && ctx.Err() == nil {
				k.log.Warn("liquidation scan failed", zap.String("market", id), zap.Error(err))
			}
		}
	}
}

// SettleDue settles funding on every market whose interval has elapsed.
// Failures are logged and retried on the next pass. It returns the number
// of markets settled.
func (k *Keeper) SettleDue(ctx context.Context) (int, error) {
	markets, err := k.svc.Markets(ctx)
	if err != nil {
		return 0, err
	}
	now := k.now()
	settled := 0
	for i := range markets {
		m := &markets[i]
		if !funding.Due(m, now) {
			continue
		}
		res, err := k.svc.SettleFunding(ctx, m.ID)
		if err != nil {
			k.log.Warn("funding settlement failed",
				zap.String("market", m.ID),
				zap.String("symbol", m.Symbol),
				zap.Error(err),
			)
			continue
		}
		if res.Applied {
			settled++
		}
	}
	return settled, nil
}

// ScanAll scans every market for liquidations and returns the number of
// positions liquidated.
func (k *Keeper) ScanAll(ctx context.Context) (int, error) {
	markets, err := k.svc.Markets(ctx)
	if err != nil {
		return 0, err
	}
	var total atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.Parallelism)
	for i := range markets {
		id := markets[i].ID
		g.Go(func() error {
			n, err := k.ScanMarket(ctx, id)
			total.Add(int64(n))
			return err
		})
	}
	err = g.Wait()
	return int(total.Load()), err
}

// ScanMarket liquidates every liquidatable position of one market. Each
// candidate is re-assessed and executed against fresh state; positions
// that recovered in the meantime are skipped.
func (k *Keeper) ScanMarket(ctx context.Context, marketID string) (int, error) {
	views, err := k.svc.Positions(ctx, marketID)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range views {
		if !views[i].Liquidatable {
			continue
		}
		trader := views[i].Trader
		plan, err := k.svc.Assess(ctx, marketID, trader)
		if err == nil {
			_, err = k.svc.Liquidate(ctx, plan, k.cfg.Liquidator)
		}
		switch {
		case err == nil:
			n++
			k.liquidated.Add(1)
		case errors.Is(err, liquidation.ErrNotLiquidatable), errors.Is(err, clearing.ErrPositionNotFound):
			k.log.Debug("liquidation skipped", zap.String("market", marketID), zap.String("trader", trader), zap.Error(err))
		default:
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			k.log.Warn("liquidation failed", zap.String("market", marketID), zap.String("trader", trader), zap.Error(err))
		}
	}
	return n, nil
}
