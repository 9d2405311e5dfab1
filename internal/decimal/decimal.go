// Package decimal implements the fixed-point number used for every monetary
// computation in the engine: an unsigned integer magnitude scaled by 10^24.
//
// Values are immutable. Multiplication and division round half-up and are
// evaluated on math/big with every magnitude bounded by 2^384-1; crossing that
// bound is reported as ErrOverflow rather than wrapped.
package decimal

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Scale is the number of fractional digits carried by every Decimal.
const Scale = 24

var (
	ErrParse        = errors.New("decimal: invalid decimal string")
	ErrNegative     = errors.New("decimal: negative result")
	ErrDivideByZero = errors.New("decimal: division by zero")
	ErrOverflow     = errors.New("decimal: overflow")
)

var (
	scaleFactor = mustBigInt("1000000000000000000000000") // 10^24
	halfScale   = new(big.Int).Rsh(scaleFactor, 1)
	maxWide     = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 384), big.NewInt(1))
	maxUint128  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	bpsFactor   = mustBigInt("100000000000000000000") // 10^24 / 10^4
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// Decimal is a non-negative fixed-point number with 24 fractional digits.
// The zero value is 0.
type Decimal struct {
	raw *big.Int
}

// Zero returns 0.
func Zero() Decimal { return Decimal{} }

// One returns 1.
func One() Decimal { return Decimal{raw: new(big.Int).Set(scaleFactor)} }

// FromInteger returns n as a Decimal.
func FromInteger(n uint64) Decimal {
	v := new(big.Int).SetUint64(n)
	return Decimal{raw: v.Mul(v, scaleFactor)}
}

// FromAmount converts an integer token amount into a Decimal.
func FromAmount(a *uint256.Int) Decimal {
	if a == nil {
		return Decimal{}
	}
	v := a.ToBig()
	return Decimal{raw: v.Mul(v, scaleFactor)}
}

// FromBps converts basis points (1/10000) into a fraction.
func FromBps(bps uint64) Decimal {
	v := new(big.Int).SetUint64(bps)
	return Decimal{raw: v.Mul(v, bpsFactor)}
}

// FromRaw wraps an already scaled magnitude.
func FromRaw(raw *big.Int) (Decimal, error) {
	if raw == nil {
		return Decimal{}, nil
	}
	if raw.Sign() < 0 {
		return Decimal{}, ErrNegative
	}
	if raw.Cmp(maxWide) > 0 {
		return Decimal{}, ErrOverflow
	}
	return Decimal{raw: new(big.Int).Set(raw)}, nil
}

// FromString parses a plain decimal string such as "4.22" or "1000". The
// fractional part may carry at most 24 digits.
func FromString(s string) (Decimal, error) {
	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if intPart == "" || (hasDot && fracPart == "") {
		return Decimal{}, fmt.Errorf("%w: %q", ErrParse, s)
	}
	if !allDigits(intPart) || !allDigits(fracPart) {
		return Decimal{}, fmt.Errorf("%w: %q", ErrParse, s)
	}
	if len(fracPart) > Scale {
		return Decimal{}, fmt.Errorf("%w: %q has more than %d fractional digits", ErrParse, s, Scale)
	}

	digits := intPart + fracPart + strings.Repeat("0", Scale-len(fracPart))
	raw, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return Decimal{}, fmt.Errorf("%w: %q", ErrParse, s)
	}
	if raw.Cmp(maxWide) > 0 {
		return Decimal{}, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	return Decimal{raw: raw}, nil
}

// MustFromString is FromString for constants; it panics on error.
func MustFromString(s string) Decimal {
	d, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (d Decimal) big() *big.Int {
	if d.raw == nil {
		return new(big.Int)
	}
	return d.raw
}

// Raw returns a copy of the scaled magnitude.
func (d Decimal) Raw() *big.Int {
	return new(big.Int).Set(d.big())
}

func bounded(v *big.Int) (Decimal, error) {
	if v.Cmp(maxWide) > 0 {
		return Decimal{}, ErrOverflow
	}
	return Decimal{raw: v}, nil
}

// Add returns d + o.
func (d Decimal) Add(o Decimal) (Decimal, error) {
	return bounded(new(big.Int).Add(d.big(), o.big()))
}

// Sub returns d - o, or ErrNegative when o > d.
func (d Decimal) Sub(o Decimal) (Decimal, error) {
	if d.Cmp(o) < 0 {
		return Decimal{}, fmt.Errorf("%w: %s - %s", ErrNegative, d, o)
	}
	return Decimal{raw: new(big.Int).Sub(d.big(), o.big())}, nil
}

// Mul returns d × o rounded half-up to 24 digits.
func (d Decimal) Mul(o Decimal) (Decimal, error) {
	product := new(big.Int).Mul(d.big(), o.big())
	if product.Cmp(maxWide) > 0 {
		return Decimal{}, ErrOverflow
	}
	product.Add(product, halfScale)
	product.Quo(product, scaleFactor)
	return Decimal{raw: product}, nil
}

// Div returns d ÷ o rounded half-up to 24 digits.
func (d Decimal) Div(o Decimal) (Decimal, error) {
	divisor := o.big()
	if divisor.Sign() == 0 {
		return Decimal{}, ErrDivideByZero
	}
	numerator := new(big.Int).Mul(d.big(), scaleFactor)
	if numerator.Cmp(maxWide) > 0 {
		return Decimal{}, ErrOverflow
	}
	numerator.Add(numerator, new(big.Int).Rsh(divisor, 1))
	numerator.Quo(numerator, divisor)
	return Decimal{raw: numerator}, nil
}

// Pow raises d to exp by repeated squaring.
func (d Decimal) Pow(exp uint64) (Decimal, error) {
	result := One()
	base := d
	var err error
	for exp > 0 {
		if exp&1 == 1 {
			if result, err = result.Mul(base); err != nil {
				return Decimal{}, err
			}
		}
		exp >>= 1
		if exp > 0 {
			if base, err = base.Mul(base); err != nil {
				return Decimal{}, err
			}
		}
	}
	return result, nil
}

// OneMinus returns 1 - d for a fraction d ≤ 1.
func (d Decimal) OneMinus() (Decimal, error) {
	return One().Sub(d)
}

// AbsDiff returns |d - o|.
func AbsDiff(d, o Decimal) Decimal {
	if d.Cmp(o) >= 0 {
		return Decimal{raw: new(big.Int).Sub(d.big(), o.big())}
	}
	return Decimal{raw: new(big.Int).Sub(o.big(), d.big())}
}

// RoundToInteger rounds half-up to a whole number that must fit in 128 bits.
func (d Decimal) RoundToInteger() (*uint256.Int, error) {
	v := new(big.Int).Add(d.big(), halfScale)
	v.Quo(v, scaleFactor)
	if v.Cmp(maxUint128) > 0 {
		return nil, fmt.Errorf("%w: %s does not fit 128 bits", ErrOverflow, d)
	}
	out, _ := uint256.FromBig(v)
	return out, nil
}

// Cmp compares d and o and returns -1, 0 or +1.
func (d Decimal) Cmp(o Decimal) int { return d.big().Cmp(o.big()) }

func (d Decimal) Equal(o Decimal) bool              { return d.Cmp(o) == 0 }
func (d Decimal) LessThan(o Decimal) bool           { return d.Cmp(o) < 0 }
func (d Decimal) GreaterThan(o Decimal) bool        { return d.Cmp(o) > 0 }
func (d Decimal) GreaterThanOrEqual(o Decimal) bool { return d.Cmp(o) >= 0 }
func (d Decimal) IsZero() bool                      { return d.big().Sign() == 0 }

// String renders the canonical form: no leading zeros in the integer part,
// trailing fractional zeros trimmed, and ".0" kept for whole numbers.
func (d Decimal) String() string {
	q, r := new(big.Int).QuoRem(d.big(), scaleFactor, new(big.Int))
	if r.Sign() == 0 {
		return q.String() + ".0"
	}
	frac := r.String()
	frac = strings.Repeat("0", Scale-len(frac)) + frac
	return q.String() + "." + strings.TrimRight(frac, "0")
}

// MarshalText implements encoding.TextMarshaler.
func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decimal) UnmarshalText(text []byte) error {
	v, err := FromString(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalJSON encodes the canonical string form.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON number.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		*d = Decimal{}
		return nil
	}
	return d.UnmarshalText([]byte(s))
}
