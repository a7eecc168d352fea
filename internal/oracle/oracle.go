// Package oracle supplies external index prices to the funding settler and
// the price-divergence guard.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/atmx/perp-engine/internal/fixed"
)

// ErrOracleUnavailable is returned whenever an index price cannot be
// obtained. Callers retry on a later attempt.
var ErrOracleUnavailable = errors.New("oracle: index price unavailable")

// PriceFeed returns the index price of a market symbol.
type PriceFeed interface {
	IndexPrice(ctx context.Context, symbol string) (fixed.Decimal, error)
}

// StaticFeed is an in-memory PriceFeed for tests and local runs.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]fixed.Decimal
	err    error
}

// NewStaticFeed creates an empty feed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[string]fixed.Decimal)}
}

// Set stores the index price for symbol.
func (f *StaticFeed) Set(symbol string, price fixed.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

// Fail makes every lookup fail with err until Fail(nil) is called.
func (f *StaticFeed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *StaticFeed) IndexPrice(_ context.Context, symbol string) (fixed.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.err != nil {
		return fixed.Zero, fmt.Errorf("%w: %v", ErrOracleUnavailable, f.err)
	}
	p, ok := f.prices[symbol]
	if !ok {
		return fixed.Zero, fmt.Errorf("%w: no price for %s", ErrOracleUnavailable, symbol)
	}
	return p, nil
}

// HTTPFeed reads index prices from a JSON endpoint. The request is
// GET {BaseURL}?symbol={symbol} and the price is taken from the response at
// PricePath, a gjson path such as "data.price".
type HTTPFeed struct {
	BaseURL   string
	PricePath string
	client    *http.Client
}

// NewHTTPFeed creates a feed with the given request timeout.
func NewHTTPFeed(baseURL, pricePath string, timeout time.Duration) *HTTPFeed {
	if pricePath == "" {
		pricePath = "price"
	}
	return &HTTPFeed{
		BaseURL:   baseURL,
		PricePath: pricePath,
		client:    &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFeed) IndexPrice(ctx context.Context, symbol string) (fixed.Decimal, error) {
	u := f.BaseURL + "?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fixed.Zero, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fixed.Zero, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fixed.Zero, fmt.Errorf("%w: status %d", ErrOracleUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fixed.Zero, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	res := gjson.GetBytes(body, f.PricePath)
	if !res.Exists() {
		return fixed.Zero, fmt.Errorf("%w: %s missing in response", ErrOracleUnavailable, f.PricePath)
	}
	// Raw keeps the exact digits of a bare JSON number; String unquotes.
	raw := res.Raw
	if res.Type == gjson.String {
		raw = res.Str
	}
	price, err := fixed.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		return fixed.Zero, fmt.Errorf("%w: bad price %q", ErrOracleUnavailable, raw)
	}
	return price, nil
}
