package domain

import (
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var powersOfTen = func() [MaxPrecision + 1]*uint256.Int {
	var table [MaxPrecision + 1]*uint256.Int
	ten := uint256.NewInt(10)
	table[0] = uint256.NewInt(1)
	for i := 1; i <= int(MaxPrecision); i++ {
		table[i] = new(uint256.Int).Mul(table[i-1], ten)
	}
	return table
}()

// Pow10 returns 10^n, failing closed when the result does not fit in 256 bits.
func Pow10(n uint) (*uint256.Int, error) {
	if n > uint(MaxPrecision) {
		return nil, errors.Wrapf(ErrArithmeticOverflow, "10^%d exceeds 256 bits", n)
	}
	return powersOfTen[n].Clone(), nil
}

// Add returns x+y.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, errors.Wrapf(ErrArithmeticOverflow, "%s + %s", x.Dec(), y.Dec())
	}
	return z, nil
}

// Sub returns x-y.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, errors.Wrapf(ErrArithmeticUnderflow, "%s - %s", x.Dec(), y.Dec())
	}
	return z, nil
}

// Mul returns x*y.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, errors.Wrapf(ErrArithmeticOverflow, "%s * %s", x.Dec(), y.Dec())
	}
	return z, nil
}

// Rescale moves amount from one fixed-point precision to another.
// Scaling down truncates toward zero.
func Rescale(amount *uint256.Int, from, to uint8) (*uint256.Int, error) {
	switch {
	case from == to:
		return amount.Clone(), nil
	case from < to:
		factor, err := Pow10(uint(to - from))
		if err != nil {
			return nil, err
		}
		return Mul(amount, factor)
	default:
		factor, err := Pow10(uint(from - to))
		if err != nil {
			return nil, err
		}
		return new(uint256.Int).Div(amount, factor), nil
	}
}

// ParseUnits converts a human decimal value into integer units at the given precision.
// Values with more fractional digits than precision are rejected rather than rounded.
func ParseUnits(value decimal.Decimal, precision uint8) (*uint256.Int, error) {
	if value.IsNegative() {
		return nil, errors.Errorf("value must not be negative, got %s", value.String())
	}
	if precision > MaxPrecision {
		return nil, errors.Wrapf(ErrInvalidPrecision, "precision %d", precision)
	}
	shifted := value.Shift(int32(precision))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, errors.Errorf("value %s has more than %d fractional digits", value.String(), precision)
	}
	units, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, errors.Wrapf(ErrArithmeticOverflow, "value %s", value.String())
	}
	return units, nil
}

// FormatUnits renders integer units at the given precision as a decimal.
func FormatUnits(units *uint256.Int, precision uint8) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units.ToBig(), -int32(precision))
}

// ParseAmount parses a base-10 integer amount.
func ParseAmount(s string) (*uint256.Int, error) {
	amount, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, errors.Wrapf(err, "parse amount %q", s)
	}
	return amount, nil
}

func zeroIfNil(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return x
}
