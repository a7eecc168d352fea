// Package fixed provides the overflow-checked fixed-point decimal used for
// every monetary and ratio quantity in the perp engine.
//
// Values carry exactly Scale fractional digits. Every arithmetic result is
// truncated toward zero at Scale digits, and any result whose magnitude
// reaches 10^38 fails with ErrOverflow instead of wrapping. Floating point
// is never used for money.
package fixed

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every Decimal.
const Scale int32 = 18

var (
	// ErrOverflow is returned when a result leaves the representable range.
	ErrOverflow = errors.New("fixed: arithmetic overflow")

	// ErrDivisionByZero is an overflow class failure for zero divisors.
	ErrDivisionByZero = fmt.Errorf("%w: division by zero", ErrOverflow)

	// ErrInvalid is returned when a string cannot be parsed as a decimal.
	ErrInvalid = errors.New("fixed: invalid decimal")
)

var (
	bound = decimal.New(1, 38)

	// Zero is the additive identity.
	Zero = Decimal{}

	// One is the multiplicative identity.
	One = Decimal{d: decimal.New(1, 0)}

	// Max is the largest representable value. Margin ratios of closed
	// positions report Max.
	Max = Decimal{d: bound.Sub(decimal.New(1, -Scale))}
)

// Decimal is an immutable fixed-point number with Scale fractional digits.
// The zero value is 0.
type Decimal struct {
	d decimal.Decimal
}

// New returns the integer v as a Decimal.
func New(v int64) Decimal {
	return Decimal{d: decimal.NewFromInt(v)}
}

// NewFromDecimal converts a shopspring decimal, truncating to Scale digits.
func NewFromDecimal(v decimal.Decimal) (Decimal, error) {
	return checked(v.Truncate(Scale))
}

// NewFromString parses a decimal string such as "1000000" or "-0.0625".
func NewFromString(s string) (Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return NewFromDecimal(v)
}

// MustParse is NewFromString for constants and tests. It panics on error.
func MustParse(s string) Decimal {
	v, err := NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Ratio returns num/den truncated to Scale digits.
func Ratio(num, den int64) (Decimal, error) {
	return New(num).Div(New(den))
}

func checked(v decimal.Decimal) (Decimal, error) {
	if v.Abs().Cmp(bound) >= 0 {
		return Zero, ErrOverflow
	}
	return Decimal{d: v}, nil
}

// Add returns x+y.
func (x Decimal) Add(y Decimal) (Decimal, error) {
	return checked(x.d.Add(y.d))
}

// Sub returns x-y.
func (x Decimal) Sub(y Decimal) (Decimal, error) {
	return checked(x.d.Sub(y.d))
}

// Mul returns x*y truncated toward zero.
func (x Decimal) Mul(y Decimal) (Decimal, error) {
	return checked(x.d.Mul(y.d).Truncate(Scale))
}

// Div returns x/y truncated toward zero.
func (x Decimal) Div(y Decimal) (Decimal, error) {
	if y.d.IsZero() {
		return Zero, ErrDivisionByZero
	}
	q, _ := x.d.QuoRem(y.d, Scale)
	return checked(q)
}

// MulDiv returns x*y/z with a single truncation at the end. The product is
// kept exact, so x*y may exceed the representable range as long as the
// quotient does not.
func (x Decimal) MulDiv(y, z Decimal) (Decimal, error) {
	if z.d.IsZero() {
		return Zero, ErrDivisionByZero
	}
	q, _ := x.d.Mul(y.d).QuoRem(z.d, Scale)
	return checked(q)
}

// Neg returns -x.
func (x Decimal) Neg() Decimal { return Decimal{d: x.d.Neg()} }

// Abs returns |x|.
func (x Decimal) Abs() Decimal { return Decimal{d: x.d.Abs()} }

// Sign returns -1, 0 or +1.
func (x Decimal) Sign() int { return x.d.Sign() }

// IsZero reports whether x == 0.
func (x Decimal) IsZero() bool { return x.d.IsZero() }

// IsPositive reports whether x > 0.
func (x Decimal) IsPositive() bool { return x.d.IsPositive() }

// IsNegative reports whether x < 0.
func (x Decimal) IsNegative() bool { return x.d.IsNegative() }

// Cmp compares x and y and returns -1, 0 or +1.
func (x Decimal) Cmp(y Decimal) int { return x.d.Cmp(y.d) }

// Equal reports whether x == y.
func (x Decimal) Equal(y Decimal) bool { return x.d.Equal(y.d) }

// LessThan reports whether x < y.
func (x Decimal) LessThan(y Decimal) bool { return x.d.LessThan(y.d) }

// LessThanOrEqual reports whether x <= y.
func (x Decimal) LessThanOrEqual(y Decimal) bool { return x.d.LessThanOrEqual(y.d) }

// GreaterThan reports whether x > y.
func (x Decimal) GreaterThan(y Decimal) bool { return x.d.GreaterThan(y.d) }

// GreaterThanOrEqual reports whether x >= y.
func (x Decimal) GreaterThanOrEqual(y Decimal) bool { return x.d.GreaterThanOrEqual(y.d) }

// Decimal exposes the underlying shopspring value for formatting and storage.
func (x Decimal) Decimal() decimal.Decimal { return x.d }

// String formats x without trailing zeros.
func (x Decimal) String() string { return x.d.String() }

// StringFixed formats x with exactly places fractional digits.
func (x Decimal) StringFixed(places int32) string { return x.d.StringFixed(places) }

// MarshalJSON encodes x as a quoted decimal string.
func (x Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + x.d.String() + `"`), nil
}

// UnmarshalJSON accepts quoted and bare JSON numbers.
func (x *Decimal) UnmarshalJSON(b []byte) error {
	var v decimal.Decimal
	if err := v.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, string(b))
	}
	parsed, err := NewFromDecimal(v)
	if err != nil {
		return err
	}
	*x = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (x Decimal) MarshalText() ([]byte, error) {
	return []byte(x.d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (x *Decimal) UnmarshalText(b []byte) error {
	parsed, err := NewFromString(string(b))
	if err != nil {
		return err
	}
	*x = parsed
	return nil
}

// Min returns the smaller of x and y.
func Min(x, y Decimal) Decimal {
	if x.LessThan(y) {
		return x
	}
	return y
}

// MaxOf returns the larger of x and y.
func MaxOf(x, y Decimal) Decimal {
	if x.GreaterThan(y) {
		return x
	}
	return y
}

// Clamp limits x to [lo, hi].
func Clamp(x, lo, hi Decimal) Decimal {
	return MaxOf(lo, Min(x, hi))
}
