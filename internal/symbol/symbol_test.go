package symbol

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	s, err := Parse("ETH/USDC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Base != "ETH" {
		t.Errorf("expected base=ETH, got %s", s.Base)
	}
	if s.Quote != QuoteUSDC {
		t.Errorf("expected quote=USDC, got %s", s.Quote)
	}
	if s.String() != "ETH/USDC" {
		t.Errorf("expected ETH/USDC, got %s", s.String())
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"ETH",
		"ETH-USDC",
		"eth/usdc",
		"ETH/",
		"/USDC",
		"ETH/USDC/X",
		"E/USDC",            // base too short
		"VERYLONGBASE/USDC", // base too long
		"USDC/USDC",
	}
	for _, sym := range tests {
		_, err := Parse(sym)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("expected ErrInvalidSymbol for %q, got %v", sym, err)
		}
	}
}

func TestParse_UnsupportedQuote(t *testing.T) {
	_, err := Parse("ETH/EUR")
	if !errors.Is(err, ErrInvalidQuote) {
		t.Errorf("expected ErrInvalidQuote, got %v", err)
	}
}

func TestParse_AllQuotes(t *testing.T) {
	for q := range validQuotes {
		if _, err := Parse("BTC/" + q); err != nil {
			t.Errorf("unexpected error for quote %s: %v", q, err)
		}
	}
}
