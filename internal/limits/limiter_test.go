package limits

import (
	"errors"
	"testing"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

func d(s string) fixed.Decimal {
	return fixed.MustParse(s)
}

func testLimiter() *Limiter {
	p := model.DefaultParams()
	p.MaxNotional = d("50000")
	p.MaxOpenInterest = d("100000")
	p.MaxHolding = d("1000")
	p.MaxPriceDivergence = d("0.1")
	return New(p)
}

func TestCheckNotional(t *testing.T) {
	l := testLimiter()
	if err := l.CheckNotional(d("50000")); err != nil {
		t.Errorf("expected no error at the cap, got %v", err)
	}
	if err := l.CheckNotional(d("50000.01")); !errors.Is(err, ErrNotionalTooLarge) {
		t.Errorf("expected ErrNotionalTooLarge, got %v", err)
	}
}

func TestCheckOpenInterest_OnlyRejectsIncreases(t *testing.T) {
	l := testLimiter()

	if err := l.CheckOpenInterest(d("90000"), d("100001")); !errors.Is(err, ErrOpenInterestExceeded) {
		t.Errorf("expected ErrOpenInterestExceeded, got %v", err)
	}
	// Already over the cap (e.g. after a parameter change): reducing is fine.
	if err := l.CheckOpenInterest(d("120000"), d("110000")); err != nil {
		t.Errorf("expected reduction to pass, got %v", err)
	}
	if err := l.CheckOpenInterest(d("0"), d("100000")); err != nil {
		t.Errorf("expected no error at the cap, got %v", err)
	}
}

func TestCheckHolding(t *testing.T) {
	l := testLimiter()
	if err := l.CheckHolding(d("-1000")); err != nil {
		t.Errorf("expected no error at the cap, got %v", err)
	}
	if err := l.CheckHolding(d("-1000.5")); !errors.Is(err, ErrHoldingExceeded) {
		t.Errorf("expected ErrHoldingExceeded, got %v", err)
	}
}

func TestCheckDivergence(t *testing.T) {
	l := testLimiter()
	if err := l.CheckDivergence(d("1.1"), d("1")); err != nil {
		t.Errorf("expected no error at 10%%, got %v", err)
	}
	if err := l.CheckDivergence(d("0.89"), d("1")); !errors.Is(err, ErrPriceDivergence) {
		t.Errorf("expected ErrPriceDivergence, got %v", err)
	}
}

func TestZeroCapsDisableChecks(t *testing.T) {
	l := New(model.DefaultParams())
	if l.DivergenceEnabled() {
		t.Error("divergence should be disabled by default")
	}
	if err := l.CheckNotional(d("1000000000")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := l.CheckOpenInterest(fixed.Zero, d("1000000000")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := l.CheckHolding(d("1000000000")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := l.CheckDivergence(d("5"), d("1")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
