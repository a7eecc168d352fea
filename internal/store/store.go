// Package store defines the persistence interface for the perp engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/vault"
)

var (
	// ErrNotFound is returned when a market or position does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned by Commit when a market or position changed
	// since it was read.
	ErrConflict = errors.New("store: version conflict")

	// ErrExists is returned when creating a market whose ID or symbol is
	// taken.
	ErrExists = errors.New("store: already exists")

	// ErrTransfersUnsupported is returned by CommitWithTransfers when the
	// backing database holds no vault accounts.
	ErrTransfersUnsupported = errors.New("store: vault transfers not supported")
)

// Changeset is everything one action writes. It is applied atomically:
// either every record is written or none is.
//
// Market and Positions carry the Version they were read at; a Position with
// Version 0 is new. On success Commit sets each Version to the stored one.
type Changeset struct {
	Market    *model.Market
	Positions []*model.Position
	Entries   []model.LedgerEntry
	Funding   []model.FundingRecord
}

// Empty reports whether the changeset writes nothing.
func (c *Changeset) Empty() bool {
	return c.Market == nil && len(c.Positions) == 0 && len(c.Entries) == 0 && len(c.Funding) == 0
}

// TransferCommitter is a store whose database also holds the vault
// accounts. CommitWithTransfers writes the changeset and the fund movements
// atomically.
type TransferCommitter interface {
	CommitWithTransfers(ctx context.Context, cs *Changeset, t vault.Transfers) (vault.Settlement, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Markets ---

	// CreateMarket persists a new market with Version 1.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// GetMarketBySymbol retrieves a market by its symbol, e.g. ETH/USDC.
	GetMarketBySymbol(ctx context.Context, symbol string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Positions ---

	// GetPosition returns the position of trader in a market, open or not.
	GetPosition(ctx context.Context, marketID, trader string) (*model.Position, error)

	// ListPositionsByMarket returns the open positions of a market.
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)

	// ListPositionsByTrader returns the open positions of a trader.
	ListPositionsByTrader(ctx context.Context, trader string) ([]model.Position, error)

	// --- Immutable ledger ---

	// GetLedgerEntriesByMarket returns all entries for a market in time order.
	GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByTrader returns all entries for a trader in time order.
	GetLedgerEntriesByTrader(ctx context.Context, trader string) ([]model.LedgerEntry, error)

	// ListFundingRecords returns the funding settlements of a market in time
	// order.
	ListFundingRecords(ctx context.Context, marketID string) ([]model.FundingRecord, error)

	// --- Writes ---

	// Commit applies cs atomically with optimistic version checks.
	Commit(ctx context.Context, cs *Changeset) error
}
