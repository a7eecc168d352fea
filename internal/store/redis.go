package store

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/vault"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Cached markets may lag the primary by one write from another instance;
// Commit's version check catches that and the conflict evicts the entry.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) Commit(ctx context.Context, cs *Changeset) error {
	err := s.primary.Commit(ctx, cs)
	s.invalidate(ctx, cs)
	return err
}

// CommitWithTransfers forwards to the primary when it can move vault funds
// in its own transaction.
func (s *CachedStore) CommitWithTransfers(ctx context.Context, cs *Changeset, t vault.Transfers) (vault.Settlement, error) {
	tc, ok := s.primary.(TransferCommitter)
	if !ok {
		return vault.Settlement{}, ErrTransfersUnsupported
	}
	settle, err := tc.CommitWithTransfers(ctx, cs, t)
	s.invalidate(ctx, cs)
	return settle, err
}

func (s *CachedStore) invalidate(ctx context.Context, cs *Changeset) {
	keys := make([]string, 0, 1+len(cs.Positions))
	if cs.Market != nil {
		keys = append(keys, marketKey(cs.Market.ID))
	}
	for _, p := range cs.Positions {
		keys = append(keys, positionsKey(p.Trader))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if sonic.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMarketBySymbol(ctx context.Context, symbol string) (*model.Market, error) {
	// Try cache via symbol→marketID mapping.
	marketID, err := s.rdb.Get(ctx, symbolKey(symbol)).Result()
	if err == nil {
		return s.GetMarket(ctx, marketID)
	}

	// Cache miss.
	m, err := s.primary.GetMarketBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	// Cache both the market and the symbol→ID mapping. The mapping never
	// changes, so it carries no TTL.
	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, symbolKey(symbol), m.ID, 0)
	return m, nil
}

func (s *CachedStore) ListPositionsByTrader(ctx context.Context, trader string) ([]model.Position, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, positionsKey(trader)).Bytes()
	if err == nil {
		var positions []model.Position
		if sonic.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.ListPositionsByTrader(ctx, trader)
	if err != nil {
		return nil, err
	}

	if data, err := sonic.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(trader), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, marketID, trader string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, marketID, trader)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByMarket(ctx, marketID)
}

func (s *CachedStore) GetLedgerEntriesByTrader(ctx context.Context, trader string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByTrader(ctx, trader)
}

func (s *CachedStore) ListFundingRecords(ctx context.Context, marketID string) ([]model.FundingRecord, error) {
	return s.primary.ListFundingRecords(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := sonic.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string        { return fmt.Sprintf("perp:market:%s", id) }
func symbolKey(symbol string) string    { return fmt.Sprintf("perp:symbol:%s", symbol) }
func positionsKey(trader string) string { return fmt.Sprintf("perp:positions:%s", trader) }
