// Package symbol parses and validates perpetual market symbols of the form
// BASE/QUOTE, for example ETH/USDC.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
)

// Supported quote assets. Margin and PnL are denominated in the quote.
const (
	QuoteUSDC = "USDC"
	QuoteUSDT = "USDT"
	QuoteUSD  = "USD"
)

var validQuotes = map[string]bool{
	QuoteUSDC: true,
	QuoteUSDT: true,
	QuoteUSD:  true,
}

// symbolRegex matches: {BASE}/{QUOTE}
// Example: ETH/USDC
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})/([A-Z]{3,5})$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid market symbol")
	ErrInvalidQuote  = errors.New("symbol: unsupported quote asset")
)

// Symbol is a parsed market symbol.
type Symbol struct {
	Raw   string `json:"symbol"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Parse parses and validates a market symbol.
func Parse(s string) (*Symbol, error) {
	matches := symbolRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected BASE/QUOTE)", ErrInvalidSymbol, s)
	}

	base, quote := matches[1], matches[2]
	if base == quote {
		return nil, fmt.Errorf("%w: base and quote are both %s", ErrInvalidSymbol, base)
	}
	if !validQuotes[quote] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQuote, quote)
	}

	return &Symbol{Raw: s, Base: base, Quote: quote}, nil
}

func (s Symbol) String() string { return s.Raw }
