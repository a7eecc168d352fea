package trade

import (
	"sync"
	"time"

	"github.com/atmx/perp-engine/internal/fixed"
)

// Event types published after a committed action.
const (
	EventMarketCreated  = "market_created"
	EventMarketStatus   = "market_status"
	EventTrade          = "trade"
	EventMargin         = "margin"
	EventFundingSettled = "funding_settled"
	EventRepeg          = "repeg"
	EventLiquidation    = "liquidation"
)

// Event is a state change pushed to subscribers.
type Event struct {
	Type     string        `json:"type"`
	MarketID string        `json:"market_id"`
	Symbol   string        `json:"symbol"`
	Trader   string        `json:"trader,omitempty"`
	Mark     fixed.Decimal `json:"mark"`
	// Data is the type-specific payload: a ledger entry, funding record,
	// liquidation record or market.
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster receives committed events. Implementations must not block
// the caller.
type Broadcaster interface {
	Broadcast(Event)
}

// Fanout delivers each event to every subscribed broadcaster.
type Fanout struct {
	mu   sync.RWMutex
	subs []Broadcaster
}

// Subscribe adds b to the fanout.
func (f *Fanout) Subscribe(b Broadcaster) {
	if b == nil {
		return
	}
	f.mu.Lock()
	f.subs = append(f.subs, b)
	f.mu.Unlock()
}

// Broadcast implements Broadcaster.
func (f *Fanout) Broadcast(e Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, b := range f.subs {
		b.Broadcast(e)
	}
}
