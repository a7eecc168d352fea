package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/clearing"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/liquidation"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/trade"
	"github.com/atmx/perp-engine/internal/vault"
)

func d(s string) fixed.Decimal { return fixed.MustParse(s) }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dt time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(dt)
	c.mu.Unlock()
}

// recorder captures broadcast events.
type recorder struct {
	mu     sync.Mutex
	events []trade.Event
}

func (r *recorder) Broadcast(e trade.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	svc    *trade.Service
	store  *store.MemoryStore
	feed   *oracle.StaticFeed
	fees   *vault.Memory
	fund   *vault.Memory
	clock  *clock
	events *recorder
	router chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  store.NewMemoryStore(),
		feed:   oracle.NewStaticFeed(),
		fees:   vault.NewMemory(fixed.Zero),
		fund:   vault.NewMemory(d("10000")),
		clock:  &clock{now: t0},
		events: &recorder{},
	}
	env.svc = trade.NewService(trade.Deps{
		Store:    env.store,
		Feed:     env.feed,
		Fees:     env.fees,
		Fund:     env.fund,
		Defaults: model.DefaultParams(),
	}).WithClock(env.clock.Now)
	env.svc.Subscribe(env.events)

	r := chi.NewRouter()
	r.Route("/api/v1", env.svc.Routes)
	env.router = r
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// createMarket creates ETH/USDC with 1M/1M reserves.
func (env *testEnv) createMarket(t *testing.T) *model.Market {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/markets", trade.CreateMarketRequest{
		Symbol:       "ETH/USDC",
		BaseReserve:  d("1000000"),
		QuoteReserve: d("1000000"),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	m := decodeBody[model.Market](t, w)
	return &m
}

func (env *testEnv) order(t *testing.T, marketID, trader string, dir model.Direction, notional, margin string) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, "POST", "/api/v1/markets/"+marketID+"/orders", clearing.Order{
		Trader:    trader,
		Direction: dir,
		Notional:  d(notional),
		Margin:    d(margin),
	})
}

func balance(t *testing.T, v *vault.Memory) fixed.Decimal {
	t.Helper()
	b, err := v.Balance(context.Background())
	require.NoError(t, err)
	return b
}

// --- Markets ---

func TestCreateMarket(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMarket(t)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "ETH/USDC", m.Symbol)
	assert.Equal(t, model.MarketOpen, m.Status)
	assert.Equal(t, int64(1), m.Version)
	assert.True(t, m.Params.InitialMarginRatio.Equal(model.DefaultParams().InitialMarginRatio))
	assert.Equal(t, []string{trade.EventMarketCreated}, env.events.types())

	w := env.do(t, "GET", "/api/v1/markets/"+m.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, "GET", "/api/v1/markets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.Market](t, w), 1)
}

func TestCreateMarket_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t)

	tests := []struct {
		name string
		req  trade.CreateMarketRequest
		code int
	}{
		{"bad symbol", trade.CreateMarketRequest{Symbol: "ETHUSDC", BaseReserve: d("1"), QuoteReserve: d("1")}, http.StatusBadRequest},
		{"bad quote", trade.CreateMarketRequest{Symbol: "ETH/EUR", BaseReserve: d("1"), QuoteReserve: d("1")}, http.StatusBadRequest},
		{"empty reserves", trade.CreateMarketRequest{Symbol: "BTC/USDC"}, http.StatusBadRequest},
		{"duplicate", trade.CreateMarketRequest{Symbol: "ETH/USDC", BaseReserve: d("1"), QuoteReserve: d("1")}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/markets", tt.req)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}

	w := env.do(t, "GET", "/api/v1/markets/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest("POST", "/api/v1/markets", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateParams(t *testing.T) {
	assert.NoError(t, trade.ValidateParams(model.DefaultParams()))

	p := model.DefaultParams()
	p.InitialMarginRatio = d("0.05")
	assert.ErrorIs(t, trade.ValidateParams(p), trade.ErrInvalidRequest)

	p = model.DefaultParams()
	p.FundingInterval = 0
	assert.ErrorIs(t, trade.ValidateParams(p), trade.ErrInvalidRequest)

	p = model.DefaultParams()
	p.Curve.TollRatio = d("1")
	assert.ErrorIs(t, trade.ValidateParams(p), trade.ErrInvalidRequest)

	p = model.DefaultParams()
	p.LiquidatorShare = d("1.5")
	assert.ErrorIs(t, trade.ValidateParams(p), trade.ErrInvalidRequest)
}

func TestPriceAndQuote(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMarket(t)

	w := env.do(t, "GET", "/api/v1/markets/"+m.ID+"/price", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decodeBody[trade.PriceView](t, w)
	assert.True(t, p.Mark.Equal(fixed.One))
	assert.True(t, p.Bid.LessThan(p.Mark))
	assert.True(t, p.Ask.GreaterThan(p.Mark))
	assert.Nil(t, p.Index)

	env.feed.Set("ETH/USDC", d("1.01"))
	p = decodeBody[trade.PriceView](t, env.do(t, "GET", "/api/v1/markets/"+m.ID+"/price", nil))
	require.NotNil(t, p.Index)
	assert.True(t, p.Index.Equal(d("1.01")))

	w = env.do(t, "GET", "/api/v1/markets/"+m.ID+"/quote?direction=long&notional=1000", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, "GET", "/api/v1/markets/"+m.ID+"/quote?direction=up&notional=1000", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, "GET", "/api/v1/markets/"+m.ID+"/quote?direction=long&notional=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, "GET", "/api/v1/markets/"+m.ID+"/quote?direction=long&notional=0.5", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

// --- Positions ---

func TestOrder_OpenRoutesFeesAndPersists(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMarket(t)
	env.clock.Advance(time.Minute)

	w := env.order(t, m.ID, "alice", model.Long, "1000", "100")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody[trade.TradeResult](t, w)

	assert.Equal(t, model.Long, res.Position.Direction)
	assert.True(t, res.Position.Margin.Equal(d("98.5")), "margin %s", res.Position.Margin)
	assert.True(t, res.Mark.GreaterThan(fixed.One))
	require.Len(t, res.Entries, 1)
	assert.Equal(t, model.EntryOpen, res.Entries[0].Kind)

	// Toll to the fee pool, spread to insurance.
	assert.True(t, balance(t, env.fees).Equal(d("1")))
	assert.True(t, balance(t, env.fund).Equal(d("10000.5")))

	stored, err := env.store.GetMarket(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.True(t, stored.OpenInterest.Equal(d("1000")))

	w = env.do(t, "GET", "/api/v1/markets/"+m.ID+"/positions/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decodeBody[model.PositionView](t, w)
	assert.Equal(t, int64(1), view.Version)
	assert.False(t, view.Liquidatable)

	w = env.do(t, "GET", "/api/v1/markets/"+m.ID+"/history", nil)
	assert.Len(t, decodeBody[[]model.LedgerEntry](t, w), 1)

	w = env.do(t, "GET", "/api/v1/portfolio/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pf := decodeBody[model.Portfolio](t, w)
	require.Len(t, pf.Positions, 1)
	assert.True(t, pf.TotalMargin.Equal(d("98.5")))

	assert.Contains(t, env.events.types(), trade.EventTrade)
}

func TestOrder_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMarket(t)
	require.Equal(t, http.StatusOK, env.order(t, m.ID, "alice", model.Long, "1000", "100").Code)

	w := env.do(t, "POST", "/api/v1/markets/"+m.ID+"/positions/alice/close", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody[trade.TradeResult](t, w)
	assert.True(t, res.Payout.GreaterThan(d("96")) && res.Payout.LessThan(d("98.5")), "payout %s", res.Payout)
	assert.True(t, res.Position.Size.IsZero())

	w = env.do(t, "GET", "/api/v1/markets/"+m.ID+"/positions", nil)
	assert.Empty(t, decodeBody[[]model.PositionView](t, w))

	stored, err := env.store.GetMarket(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, stored.Reserves.Net.IsZero())
	assert.True(t, stored.OpenInterest.IsZero())

	// Closing again finds nothing.
	w = env.do(t, "POST", "/api/v1/markets/"+m.ID+"/positions/alice/close", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOrder_ErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMarket(t)

	w := env.order(t, "nope", "alice", model.Long, "1000", "100")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.order(t, m.ID, "alice", model.Long, "1000", "40")
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = env.order(t, m.ID, "alice", "sideways", "1000", "100")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.order(t, m.ID, "", model.Long, "1000", "100")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "PUT", "/api/v1/markets/"+m.ID+"/status", trade.StatusRequest{Status: model.MarketPaused})
	require.Equal(t, http.StatusOK, w.Code)
	w = env.order(t, m.ID, "alice", model.Long, "1000", "100")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, "PUT", "/api/v1/markets/"+m.ID+"/status", trade.StatusRequest{Status: "closed"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Rejected actions move no funds and publish nothing.
	assert.True(t, balance(t, env.fees).IsZero())
	assert.NotContains(t, env.events.types(), trade.EventTrade)
}

func TestAdjustMargin(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMarket(t)
	require.Equal(t, http.StatusOK, env.order(t, m.ID, "alice", model.Long, "1000", "100").Code)

	path := "/api/v1/markets/" + m.ID + "/positions/alice/margin"
	w := env.do(t, "POST", path, trade.MarginRequest{Delta: d("50")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody[trade.TradeResult](t, w)
	assert.True(t, res.Position.Margin.Equal(d("148.5")))

	w = env.do(t, "POST", path, trade.MarginRequest{Delta: d("-100")})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, "POST", path, trade.MarginRequest{Delta: d("-20")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res = decodeBody[trade.TradeResult](t, w)
	assert.True(t, res.Payout.Equal(d("20")))

	assert.Contains(t, env.events.types(), trade.EventMargin)
}

// --- Funding ---

func TestSettleFunding(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMarket(t)
	require.Equal(t, http.StatusOK, env.order(t, m.ID, "alice", model.Long, "1000", "100").Code)
	env.feed.Set("ETH/USDC", d("0.99"))

	path := "/api/v1/markets/" + m.ID + "/funding"
	w := env.do(t, "POST", path, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decodeBody[struct{ Applied bool }](t, w).Applied)

	env.clock.Advance(time.Hour)
	w = env.do(t, "POST", path, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody[struct {
		Applied bool          `json:"applied"`
		Rate    fixed.Decimal `json:"rate"`
	}](t, w)
	assert.True(t, res.Applied)
	// Mark above index: longs pay.
	assert.True(t, res.Rate.IsPositive())

	w = env.do(t, "GET", path, nil)
	assert.Len(t, decodeBody[[]model.FundingRecord](t, w), 1)

	// The position owes funding until it is settled.
	view := decodeBody[model.PositionView](t, env.do(t, "GET", "/api/v1/markets/"+m.ID+"/positions/alice", nil))
	assert.True(t, view.PendingFunding.IsNegative())

	w = env.do(t, "POST", "/api/v1/markets/"+m.ID+"/positions/alice/funding", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	settled := decodeBody[trade.TradeResult](t, w)
	assert.True(t, settled.FundingPaid.IsPositive())
	assert.True(t, settled.Position.PendingFunding.IsZero())
}

func TestSettleFunding_OracleFailureLeavesMarket(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMarket(t)
	env.feed.Fail(errors.New("feed down"))
	env.clock.Advance(2 * time.Hour)

	w := env.do(t, "POST", "/api/v1/markets/"+m.ID+"/funding", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	stored, err := env.store.GetMarket(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Version, stored.Version)
	assert.True(t, stored.LastFundingAt.Equal(m.LastFundingAt))
	records, _ := env.store.ListFundingRecords(context.Background(), m.ID)
	assert.Empty(t, records)
}

// --- Repeg and liquidation ---

func TestRepegThenLiquidate(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMarket(t)
	require.Equal(t, http.StatusOK, env.order(t, m.ID, "alice", model.Long, "1000", "100").Code)

	liqPath := "/api/v1/markets/" + m.ID + "/liquidations"
	w := env.do(t, "POST", liqPath, trade.LiquidateRequest{Trader: "alice", Liquidator: "keeper"})
	assert.Equal(t, http.StatusConflict, w.Code, "healthy position must not liquidate")

	fundBefore := balance(t, env.fund)
	w = env.do(t, "POST", "/api/v1/markets/"+m.ID+"/repeg", trade.RepegRequest{TargetPrice: d("0.92")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rp := decodeBody[trade.RepegResult](t, w)
	// Lowering the price under a net long recovers value for the fund.
	assert.True(t, rp.Repeg.Cost.IsNegative())
	assert.True(t, balance(t, env.fund).GreaterThan(fundBefore))

	view := decodeBody[model.PositionView](t, env.do(t, "GET", "/api/v1/markets/"+m.ID+"/positions/alice", nil))
	require.True(t, view.Liquidatable)

	w = env.do(t, "POST", liqPath, trade.LiquidateRequest{Trader: "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	feesBefore := balance(t, env.fees)
	w = env.do(t, "POST", liqPath, trade.LiquidateRequest{Trader: "alice", Liquidator: "keeper"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decodeBody[model.LiquidationRecord](t, w)
	assert.Equal(t, "alice", rec.Trader)
	assert.Equal(t, "keeper", rec.Liquidator)
	assert.True(t, rec.Size.IsPositive())
	assert.True(t, balance(t, env.fees).GreaterThan(feesBefore))

	if !rec.Full {
		view = decodeBody[model.PositionView](t, env.do(t, "GET", "/api/v1/markets/"+m.ID+"/positions/alice", nil))
		assert.False(t, view.Liquidatable)
	}
	assert.Contains(t, env.events.types(), trade.EventLiquidation)
	assert.Contains(t, env.events.types(), trade.EventRepeg)

	entries, err := env.store.GetLedgerEntriesByTrader(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, model.EntryLiquidation, entries[len(entries)-1].Kind)
}

func TestLiquidate_AbortsWhenRecovered(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMarket(t)
	require.Equal(t, http.StatusOK, env.order(t, m.ID, "alice", model.Long, "1000", "100").Code)
	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/v1/markets/"+m.ID+"/repeg", trade.RepegRequest{TargetPrice: d("0.92")}).Code)

	ctx := context.Background()
	plan, err := env.svc.Assess(ctx, m.ID, "alice")
	require.NoError(t, err)

	// A deposit lands between assessment and execution.
	_, err = env.svc.AdjustMargin(ctx, m.ID, "alice", d("500"))
	require.NoError(t, err)
	before, err := env.store.GetPosition(ctx, m.ID, "alice")
	require.NoError(t, err)

	_, err = env.svc.Liquidate(ctx, plan, "keeper")
	assert.ErrorIs(t, err, liquidation.ErrLiquidationAborted)
	assert.Equal(t, http.StatusConflict, trade.StatusFor(err))

	after, err := env.store.GetPosition(ctx, m.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, after.Size.Equal(before.Size))
}

// rejectingStore fails every commit once reject is set.
type rejectingStore struct {
	*store.MemoryStore
	reject bool
}

func (s *rejectingStore) Commit(ctx context.Context, cs *store.Changeset) error {
	if s.reject {
		return store.ErrConflict
	}
	return s.MemoryStore.Commit(ctx, cs)
}

func TestCommitFailureLeavesVaultsUntouched(t *testing.T) {
	ctx := context.Background()
	st := &rejectingStore{MemoryStore: store.NewMemoryStore()}
	fees := vault.NewMemory(fixed.Zero)
	fund := vault.NewMemory(d("10000"))
	svc := trade.NewService(trade.Deps{
		Store:    st,
		Fees:     fees,
		Fund:     fund,
		Defaults: model.DefaultParams(),
	})
	m, err := svc.CreateMarket(ctx, trade.CreateMarketRequest{
		Symbol:       "ETH/USDC",
		BaseReserve:  d("1000000"),
		QuoteReserve: d("1000000"),
	})
	require.NoError(t, err)

	st.reject = true
	_, err = svc.Trade(ctx, m.ID, clearing.Order{
		Trader:    "alice",
		Direction: model.Long,
		Notional:  d("10000"),
		Margin:    d("1000"),
	})
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, http.StatusConflict, trade.StatusFor(err))

	assert.True(t, balance(t, fees).IsZero(), "fee pool %s", balance(t, fees))
	assert.True(t, balance(t, fund).Equal(d("10000")), "insurance fund %s", balance(t, fund))
	_, err = st.GetPosition(ctx, m.ID, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The same order goes through once the store accepts it.
	st.reject = false
	_, err = svc.Trade(ctx, m.ID, clearing.Order{
		Trader:    "alice",
		Direction: model.Long,
		Notional:  d("10000"),
		Margin:    d("1000"),
	})
	require.NoError(t, err)
	assert.True(t, balance(t, fees).IsPositive())
	assert.True(t, balance(t, fund).GreaterThan(d("10000")))
}

// transactionalStore commits transfers and changeset together, failing
// both when reject is set.
type transactionalStore struct {
	*store.MemoryStore
	fees, fund *vault.Memory
	reject     bool
	calls      int
}

func (s *transactionalStore) CommitWithTransfers(ctx context.Context, cs *store.Changeset, t vault.Transfers) (vault.Settlement, error) {
	s.calls++
	if s.reject {
		return vault.Settlement{}, store.ErrConflict
	}
	settle, err := vault.Apply(ctx, s.fees, s.fund, t)
	if err != nil {
		return vault.Settlement{}, err
	}
	return settle, s.MemoryStore.Commit(ctx, cs)
}

func TestCommitWithTransfers(t *testing.T) {
	ctx := context.Background()
	st := &transactionalStore{
		MemoryStore: store.NewMemoryStore(),
		fees:        vault.NewMemory(fixed.Zero),
		fund:        vault.NewMemory(d("10000")),
	}
	svc := trade.NewService(trade.Deps{
		Store:     st,
		Fees:      st.fees,
		Fund:      st.fund,
		Transfers: st,
		Defaults:  model.DefaultParams(),
	})
	m, err := svc.CreateMarket(ctx, trade.CreateMarketRequest{
		Symbol:       "ETH/USDC",
		BaseReserve:  d("1000000"),
		QuoteReserve: d("1000000"),
	})
	require.NoError(t, err)
	order := clearing.Order{Trader: "alice", Direction: model.Long, Notional: d("1000"), Margin: d("100")}

	st.reject = true
	_, err = svc.Trade(ctx, m.ID, order)
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 1, st.calls)
	assert.True(t, balance(t, st.fees).IsZero())
	assert.True(t, balance(t, st.fund).Equal(d("10000")))

	st.reject = false
	_, err = svc.Trade(ctx, m.ID, order)
	require.NoError(t, err)
	assert.Equal(t, 2, st.calls)
	assert.True(t, balance(t, st.fees).Equal(d("1")))
	assert.True(t, balance(t, st.fund).Equal(d("10000.5")))
}

func TestRepeg_RejectedWhenInsuranceCannotPay(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMarket(t)
	require.Equal(t, http.StatusOK, env.order(t, m.ID, "alice", model.Long, "1000", "100").Code)

	ctx := context.Background()
	_, err := env.fund.Withdraw(ctx, balance(t, env.fund))
	require.NoError(t, err)
	require.NoError(t, env.fund.Deposit(ctx, d("1")))
	before, err := env.store.GetMarket(ctx, m.ID)
	require.NoError(t, err)

	// Raising the price under a net long costs more than the fund holds.
	w := env.do(t, "POST", "/api/v1/markets/"+m.ID+"/repeg", trade.RepegRequest{TargetPrice: d("1.1")})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	_, err = env.svc.Repeg(ctx, m.ID, d("1.1"))
	assert.ErrorIs(t, err, vault.ErrInsufficientFunds)

	assert.True(t, balance(t, env.fund).Equal(d("1")), "insurance fund %s", balance(t, env.fund))
	after, err := env.store.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, after.Reserves.Quote.Equal(before.Reserves.Quote))
	assert.True(t, after.RepegCostAccumulated.Equal(before.RepegCostAccumulated))
	assert.NotContains(t, env.events.types(), trade.EventRepeg)

	// A funded fund lets the same repeg through.
	require.NoError(t, env.fund.Deposit(ctx, d("10000")))
	rp, err := env.svc.Repeg(ctx, m.ID, d("1.1"))
	require.NoError(t, err)
	assert.True(t, rp.Settlement.Drawn.Equal(rp.Repeg.Cost))
	assert.True(t, rp.Settlement.Shortfall.IsZero())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, trade.StatusFor(store.ErrNotFound))
	assert.Equal(t, http.StatusConflict, trade.StatusFor(store.ErrConflict))
	assert.Equal(t, http.StatusServiceUnavailable, trade.StatusFor(oracle.ErrOracleUnavailable))
	assert.Equal(t, http.StatusBadRequest, trade.StatusFor(fixed.ErrInvalid))
	assert.Equal(t, http.StatusConflict, trade.StatusFor(vault.ErrInsufficientFunds))
	assert.Equal(t, http.StatusInternalServerError, trade.StatusFor(errors.New("boom")))
}
