// Package vault defines the fee pool and insurance fund collaborators and
// applies the fund movements produced by a clearing or liquidation action.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/atmx/perp-engine/internal/fixed"
)

var (
	// ErrInvalidAmount is returned for negative deposits or withdrawals.
	ErrInvalidAmount = errors.New("vault: amount must not be negative")

	// ErrInsufficientFunds is returned when a draw that must be covered in
	// full exceeds the insurance fund.
	ErrInsufficientFunds = errors.New("vault: insurance fund cannot cover draw")
)

// FeePool receives trading and liquidation fees. WithdrawFee returns
// min(amount, balance) and exists to reverse deposits.
type FeePool interface {
	DepositFee(ctx context.Context, amount fixed.Decimal) error
	WithdrawFee(ctx context.Context, amount fixed.Decimal) (fixed.Decimal, error)
}

// InsuranceFund backstops bad debt. Withdraw may return less than requested
// when the fund is depleted.
type InsuranceFund interface {
	Withdraw(ctx context.Context, amount fixed.Decimal) (fixed.Decimal, error)
	Deposit(ctx context.Context, amount fixed.Decimal) error
	Balance(ctx context.Context) (fixed.Decimal, error)
}

// Transfers are the fund movements an action requires. Amounts are never
// negative.
type Transfers struct {
	FeePool          fixed.Decimal `json:"fee_pool"`
	InsuranceDeposit fixed.Decimal `json:"insurance_deposit"`
	InsuranceDraw    fixed.Decimal `json:"insurance_draw"`
	// Liquidator is the liquidator's share of a liquidation fee. It leaves
	// the trader's margin and is paid to the caller, not to a vault.
	Liquidator fixed.Decimal `json:"liquidator"`

	// DrawMustCover fails the whole set with ErrInsufficientFunds instead of
	// recording a shortfall.
	DrawMustCover bool `json:"-"`
}

// IsZero reports whether nothing moves.
func (t Transfers) IsZero() bool {
	return t.FeePool.IsZero() && t.InsuranceDeposit.IsZero() && t.InsuranceDraw.IsZero() && t.Liquidator.IsZero()
}

// Plus returns the sum of t and o.
func (t Transfers) Plus(o Transfers) (Transfers, error) {
	var c fixed.Calc
	sum := Transfers{
		FeePool:          c.Add(t.FeePool, o.FeePool),
		InsuranceDeposit: c.Add(t.InsuranceDeposit, o.InsuranceDeposit),
		InsuranceDraw:    c.Add(t.InsuranceDraw, o.InsuranceDraw),
		Liquidator:       c.Add(t.Liquidator, o.Liquidator),
		DrawMustCover:    t.DrawMustCover || o.DrawMustCover,
	}
	return sum, c.Err()
}

// Settlement reports what actually moved.
type Settlement struct {
	Drawn     fixed.Decimal `json:"drawn"`
	Shortfall fixed.Decimal `json:"shortfall"`
	// LiquidatorPaid is the fee share owed to the liquidator.
	LiquidatorPaid fixed.Decimal `json:"liquidator_paid"`
}

// settleDraw turns a draw result into a Settlement, enforcing DrawMustCover.
func settleDraw(t Transfers, drawn fixed.Decimal) (Settlement, error) {
	short, err := t.InsuranceDraw.Sub(drawn)
	if err != nil {
		return Settlement{}, err
	}
	s := Settlement{Drawn: drawn, Shortfall: fixed.MaxOf(short, fixed.Zero)}
	if t.DrawMustCover && s.Shortfall.IsPositive() {
		return Settlement{}, fmt.Errorf("%w: short by %s", ErrInsufficientFunds, s.Shortfall)
	}
	return s, nil
}

// Apply executes t against the collaborators. The insurance draw runs first
// so a shortfall is known before anything else moves. An uncovered draw is
// reported in Settlement.Shortfall and is not an error unless
// t.DrawMustCover is set. When any step fails the steps already taken are
// reversed before the error is returned.
func Apply(ctx context.Context, fees FeePool, fund InsuranceFund, t Transfers) (Settlement, error) {
	var (
		s    Settlement
		done Transfers
	)
	fail := func(err error) (Settlement, error) {
		if rerr := Revert(ctx, fees, fund, done, s); rerr != nil {
			err = errors.Join(err, fmt.Errorf("revert: %w", rerr))
		}
		return Settlement{}, err
	}

	if t.InsuranceDraw.IsPositive() {
		drawn, err := fund.Withdraw(ctx, t.InsuranceDraw)
		if err != nil {
			return Settlement{}, fmt.Errorf("insurance withdraw: %w", err)
		}
		s.Drawn = drawn
		settled, err := settleDraw(t, drawn)
		if err != nil {
			return fail(err)
		}
		s = settled
	}
	if t.InsuranceDeposit.IsPositive() {
		if err := fund.Deposit(ctx, t.InsuranceDeposit); err != nil {
			return fail(fmt.Errorf("insurance deposit: %w", err))
		}
		done.InsuranceDeposit = t.InsuranceDeposit
	}
	if t.FeePool.IsPositive() {
		if err := fees.DepositFee(ctx, t.FeePool); err != nil {
			return fail(fmt.Errorf("fee pool deposit: %w", err))
		}
	}
	s.LiquidatorPaid = t.Liquidator
	return s, nil
}

// Revert undoes an Apply of t that settled as s: deposits are withdrawn
// again and the drawn amount is returned to the fund. Every leg is
// attempted; the errors of those that could not be reversed in full are
// joined.
func Revert(ctx context.Context, fees FeePool, fund InsuranceFund, t Transfers, s Settlement) error {
	var errs []error
	if t.FeePool.IsPositive() {
		out, err := fees.WithdrawFee(ctx, t.FeePool)
		if err != nil {
			errs = append(errs, fmt.Errorf("fee pool: %w", err))
		} else if out.LessThan(t.FeePool) {
			errs = append(errs, fmt.Errorf("fee pool: reversed %s of %s", out, t.FeePool))
		}
	}
	if t.InsuranceDeposit.IsPositive() {
		out, err := fund.Withdraw(ctx, t.InsuranceDeposit)
		if err != nil {
			errs = append(errs, fmt.Errorf("insurance deposit: %w", err))
		} else if out.LessThan(t.InsuranceDeposit) {
			errs = append(errs, fmt.Errorf("insurance deposit: reversed %s of %s", out, t.InsuranceDeposit))
		}
	}
	if s.Drawn.IsPositive() {
		if err := fund.Deposit(ctx, s.Drawn); err != nil {
			errs = append(errs, fmt.Errorf("insurance draw: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Memory is an in-memory fee pool or insurance fund.
type Memory struct {
	mu      sync.Mutex
	balance fixed.Decimal
}

// NewMemory creates a vault holding the initial balance.
func NewMemory(initial fixed.Decimal) *Memory {
	return &Memory{balance: initial}
}

func (m *Memory) DepositFee(ctx context.Context, amount fixed.Decimal) error {
	return m.Deposit(ctx, amount)
}

func (m *Memory) WithdrawFee(ctx context.Context, amount fixed.Decimal) (fixed.Decimal, error) {
	return m.Withdraw(ctx, amount)
}

func (m *Memory) Deposit(_ context.Context, amount fixed.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.balance.Add(amount)
	if err != nil {
		return err
	}
	m.balance = b
	return nil
}

func (m *Memory) Withdraw(_ context.Context, amount fixed.Decimal) (fixed.Decimal, error) {
	if amount.IsNegative() {
		return fixed.Zero, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := fixed.Min(amount, m.balance)
	b, err := m.balance.Sub(out)
	if err != nil {
		return fixed.Zero, err
	}
	m.balance = b
	return out, nil
}

func (m *Memory) Balance(_ context.Context) (fixed.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}
