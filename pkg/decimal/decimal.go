// Package decimal provides arbitrary-precision decimal arithmetic on amount
// strings with explicit rounding. All monetary and quantity values in the
// canonical invoice model are decimal strings; arithmetic never goes through
// binary floating point.
package decimal

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// Rounding defines rounding modes for scale normalization.
type Rounding string

const (
	RoundingDown     Rounding = "DOWN"
	RoundingHalfUp   Rounding = "HALF_UP"
	RoundingHalfEven Rounding = "HALF_EVEN"
)

// DefaultRounding is banker's rounding.
const DefaultRounding = RoundingHalfEven

// amountPattern matches valid amount strings: an optional sign, optional
// integer part, optional point, mandatory digits.
var amountPattern = regexp.MustCompile(`^-?\d*\.?\d+$`)

// IsValidAmount reports whether s is a well-formed decimal amount string.
func IsValidAmount(s string) bool {
	return amountPattern.MatchString(s)
}

// Decimal is an immutable arbitrary-precision decimal value.
type Decimal struct {
	rat *big.Rat
}

// Parse parses and validates a decimal amount string.
func Parse(s string) (Decimal, error) {
	if !amountPattern.MatchString(s) {
		return Decimal{}, fmt.Errorf("decimal: invalid amount %q", s)
	}
	rat := new(big.Rat)
	if _, ok := rat.SetString(s); !ok {
		return Decimal{}, fmt.Errorf("decimal: could not parse %q as rational", s)
	}
	return Decimal{rat: rat}, nil
}

// MustParse parses s and panics on malformed input. For constants in tests
// and built-in plans only.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Zero returns the zero value.
func Zero() Decimal {
	return Decimal{rat: new(big.Rat)}
}

func (d Decimal) ratOrZero() *big.Rat {
	if d.rat == nil {
		return new(big.Rat)
	}
	return d.rat
}

// Add returns d + other.
func (d Decimal) Add(other Decimal) Decimal {
	return Decimal{rat: new(big.Rat).Add(d.ratOrZero(), other.ratOrZero())}
}

// Sub returns d - other.
func (d Decimal) Sub(other Decimal) Decimal {
	return Decimal{rat: new(big.Rat).Sub(d.ratOrZero(), other.ratOrZero())}
}

// Mul returns d * other.
func (d Decimal) Mul(other Decimal) Decimal {
	return Decimal{rat: new(big.Rat).Mul(d.ratOrZero(), other.ratOrZero())}
}

// Cmp compares d and other: -1 if d < other, 0 if equal, +1 if d > other.
func (d Decimal) Cmp(other Decimal) int {
	return d.ratOrZero().Cmp(other.ratOrZero())
}

// IsZero reports whether d is exactly zero.
func (d Decimal) IsZero() bool {
	return d.ratOrZero().Sign() == 0
}

// Sign returns -1, 0 or +1.
func (d Decimal) Sign() int {
	return d.ratOrZero().Sign()
}

// Abs returns the absolute value of d.
func (d Decimal) Abs() Decimal {
	return Decimal{rat: new(big.Rat).Abs(d.ratOrZero())}
}

// String formats d at its exact scale, trimming trailing zeros but keeping at
// least one fractional digit when a point is present.
func (d Decimal) String() string {
	rat := d.ratOrZero()
	if rat.IsInt() {
		return rat.Num().String()
	}
	// 32 fractional digits covers every realistic invoice amount exactly;
	// trim the float-style padding afterwards.
	s := rat.FloatString(32)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

// Round returns d normalized to exactly scale fractional digits using the
// given rounding mode.
func (d Decimal) Round(scale int, mode Rounding) Decimal {
	out, _ := Parse(formatRat(d.ratOrZero(), scale, mode))
	return out
}

// StringFixed formats d with exactly scale fractional digits using the given
// rounding mode.
func (d Decimal) StringFixed(scale int, mode Rounding) string {
	return formatRat(d.ratOrZero(), scale, mode)
}

// formatRat formats a rational to the specified scale with rounding.
func formatRat(rat *big.Rat, scale int, mode Rounding) string {
	scaleFactor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(scaleFactor))

	num := new(big.Int).Set(scaled.Num())
	denom := scaled.Denom()

	negative := num.Sign() < 0
	if negative {
		num.Neg(num)
	}

	intPart := new(big.Int).Div(num, denom)
	remainder := new(big.Int).Mod(num, denom)

	if remainder.Sign() != 0 {
		doubled := new(big.Int).Mul(remainder, big.NewInt(2))
		cmp := doubled.Cmp(denom)

		switch mode {
		case RoundingDown:
			// Truncate toward zero
		case RoundingHalfUp:
			if cmp >= 0 {
				intPart.Add(intPart, big.NewInt(1))
			}
		case RoundingHalfEven:
			if cmp > 0 {
				intPart.Add(intPart, big.NewInt(1))
			} else if cmp == 0 {
				if new(big.Int).And(intPart, big.NewInt(1)).Sign() != 0 {
					intPart.Add(intPart, big.NewInt(1))
				}
			}
		default:
			if cmp > 0 {
				intPart.Add(intPart, big.NewInt(1))
			} else if cmp == 0 {
				if new(big.Int).And(intPart, big.NewInt(1)).Sign() != 0 {
					intPart.Add(intPart, big.NewInt(1))
				}
			}
		}
	}

	sign := ""
	if negative && intPart.Sign() != 0 {
		sign = "-"
	}

	if scale == 0 {
		return sign + intPart.String()
	}

	intStr := intPart.String()
	for len(intStr) <= scale {
		intStr = "0" + intStr
	}

	insertPoint := len(intStr) - scale
	return sign + intStr[:insertPoint] + "." + intStr[insertPoint:]
}

// Sum adds a slice of amount strings, returning the total at the given scale.
func Sum(amounts []string, scale int, mode Rounding) (string, error) {
	total := Zero()
	for _, a := range amounts {
		d, err := Parse(a)
		if err != nil {
			return "", err
		}
		total = total.Add(d)
	}
	return total.StringFixed(scale, mode), nil
}
