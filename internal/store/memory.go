package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	positions map[positionKey]*model.Position
	ledger    []model.LedgerEntry
	funding   []model.FundingRecord
}

type positionKey struct {
	market string
	trader string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		positions: make(map[positionKey]*model.Position),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s", ErrExists, m.ID)
	}
	for _, existing := range s.markets {
		if existing.Symbol == m.Symbol {
			return fmt.Errorf("%w: market for %s", ErrExists, m.Symbol)
		}
	}

	m.Version = 1
	// Store a copy to avoid external mutation.
	s.markets[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) GetMarketBySymbol(_ context.Context, symbol string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Symbol == symbol {
			return m.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: market for %s", ErrNotFound, symbol)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, marketID, trader string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{marketID, trader}]
	if !ok {
		return nil, fmt.Errorf("%w: position %s/%s", ErrNotFound, marketID, trader)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	return s.listPositions(func(p *model.Position) bool { return p.MarketID == marketID }), nil
}

func (s *MemoryStore) ListPositionsByTrader(_ context.Context, trader string) ([]model.Position, error) {
	return s.listPositions(func(p *model.Position) bool { return p.Trader == trader }), nil
}

func (s *MemoryStore) listPositions(match func(*model.Position) bool) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.IsOpen() && match(p) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].MarketID != result[j].MarketID {
			return result[i].MarketID < result[j].MarketID
		}
		return result[i].Trader < result[j].Trader
	})
	return result
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, marketID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.MarketID == marketID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByTrader(_ context.Context, trader string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Trader == trader {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListFundingRecords(_ context.Context, marketID string) ([]model.FundingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FundingRecord
	for _, r := range s.funding {
		if r.MarketID == marketID {
			result = append(result, r)
		}
	}
	return result, nil
}

// Commit validates every version first and only then writes, so a
// conflict leaves the store untouched.
func (s *MemoryStore) Commit(_ context.Context, cs *Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m := cs.Market; m != nil {
		cur, ok := s.markets[m.ID]
		if !ok {
			return fmt.Errorf("%w: market %s", ErrNotFound, m.ID)
		}
		if cur.Version != m.Version {
			return fmt.Errorf("%w: market %s at version %d, have %d", ErrConflict, m.ID, cur.Version, m.Version)
		}
	}
	for _, p := range cs.Positions {
		cur, ok := s.positions[positionKey{p.MarketID, p.Trader}]
		switch {
		case !ok && p.Version != 0:
			return fmt.Errorf("%w: position %s/%s", ErrNotFound, p.MarketID, p.Trader)
		case ok && cur.Version != p.Version:
			return fmt.Errorf("%w: position %s/%s at version %d, have %d",
				ErrConflict, p.MarketID, p.Trader, cur.Version, p.Version)
		}
	}

	if m := cs.Market; m != nil {
		m.Version++
		s.markets[m.ID] = m.Clone()
	}
	for _, p := range cs.Positions {
		p.Version++
		s.positions[positionKey{p.MarketID, p.Trader}] = p.Clone()
	}
	s.ledger = append(s.ledger, cs.Entries...)
	s.funding = append(s.funding, cs.Funding...)
	return nil
}
