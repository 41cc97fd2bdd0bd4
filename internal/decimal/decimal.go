// Package decimal implements the four-part decimal encoding used by the
// decimal intrinsics and evaluates the runtime's scalar decimal helpers.
//
// A value is {lo, mid, hi, flags}: a 96-bit unsigned coefficient in the
// first three words, the scale (digits after the point, 0..28) in bits
// 16-23 of flags and the sign in bit 31.
package decimal

import (
	"fmt"
	"math/big"

	"github.com/cockroachdb/apd/v3"
)

// Parts is the four-word encoding.
type Parts [4]uint32

const (
	MaxScale      = 28
	FlagVectorize = 1

	scaleShift = 16
	scaleMask  = 0xFF << scaleShift
	signBit    = 1 << 31
)

// Rounding is the rounding-mode operand passed to the runtime.
type Rounding uint32

const (
	TiesToEven Rounding = iota
	TowardZero
	AwayFromZero
	TowardPositive
	TowardNegative
)

// Status is the status word of a decimal result.
type Status uint32

const (
	Success Status = iota
	Overflow
	DivideByZero
	InvalidRounding
	InvalidOperand
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case Overflow:
		return "Overflow"
	case DivideByZero:
		return "DivideByZero"
	case InvalidRounding:
		return "InvalidRounding"
	case InvalidOperand:
		return "InvalidOperand"
	}
	return fmt.Sprintf("Status(%d)", uint32(s))
}

var maxCoefficient = new(big.Int).Lsh(big.NewInt(1), 96)

// Scale returns the number of fractional digits.
func (p Parts) Scale() int {
	return int(p[3]&scaleMask) >> scaleShift
}

// Negative reports the sign bit.
func (p Parts) Negative() bool {
	return p[3]&signBit != 0
}

// Valid reports whether p is a well-formed encoding.
func (p Parts) Valid() bool {
	return p[3]&^(scaleMask|signBit) == 0 && p.Scale() <= MaxScale
}

func (p Parts) coefficient() *big.Int {
	c := new(big.Int).SetUint64(uint64(p[2]))
	c.Lsh(c, 32)
	c.Or(c, new(big.Int).SetUint64(uint64(p[1])))
	c.Lsh(c, 32)
	c.Or(c, new(big.Int).SetUint64(uint64(p[0])))
	return c
}

// FromParts decodes p. Invalid flag bits are ignored.
func FromParts(p Parts) *apd.Decimal {
	d := new(apd.Decimal)
	d.Coeff.SetMathBigInt(p.coefficient())
	d.Exponent = -int32(p.Scale())
	d.Negative = p.Negative()
	return d
}

func rounder(r Rounding) (apd.Rounder, bool) {
	switch r {
	case TiesToEven:
		return apd.RoundHalfEven, true
	case TowardZero:
		return apd.RoundDown, true
	case AwayFromZero:
		return apd.RoundUp, true
	case TowardPositive:
		return apd.RoundCeiling, true
	case TowardNegative:
		return apd.RoundFloor, true
	}
	return apd.RoundHalfEven, false
}

func newContext(r Rounding, precision uint32) (*apd.Context, bool) {
	rnd, ok := rounder(r)
	ctx := apd.BaseContext.WithPrecision(precision)
	ctx.Rounding = rnd
	ctx.Traps = 0
	return ctx, ok
}

// ToParts encodes d, reducing the scale with rounding r until the
// coefficient fits in 96 bits.
func ToParts(d *apd.Decimal, r Rounding) (Parts, Status) {
	if d.Form != apd.Finite {
		return Parts{}, InvalidOperand
	}
	ctx, ok := newContext(r, 100)
	if !ok {
		return Parts{}, InvalidRounding
	}
	v := new(apd.Decimal).Set(d)
	if v.Exponent > 0 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.Exponent)), nil)
		c := v.Coeff.MathBigInt()
		v.Coeff.SetMathBigInt(c.Mul(c, scale))
		v.Exponent = 0
	}
	if v.Exponent < -MaxScale {
		if _, err := ctx.Quantize(v, v, -MaxScale); err != nil {
			return Parts{}, InvalidOperand
		}
	}
	for v.Coeff.MathBigInt().Cmp(maxCoefficient) >= 0 && v.Exponent < 0 {
		if _, err := ctx.Quantize(v, v, v.Exponent+1); err != nil {
			return Parts{}, InvalidOperand
		}
	}
	c := v.Coeff.MathBigInt()
	if c.Cmp(maxCoefficient) >= 0 {
		return Parts{}, Overflow
	}
	words := new(big.Int).Set(c)
	var p Parts
	mask := big.NewInt(0xFFFFFFFF)
	for i := 0; i < 3; i++ {
		p[i] = uint32(new(big.Int).And(words, mask).Uint64())
		words.Rsh(words, 32)
	}
	p[3] = uint32(-v.Exponent) << scaleShift
	if v.Negative && c.Sign() != 0 {
		p[3] |= signBit
	}
	return p, Success
}

// Parse encodes a decimal literal such as "1.25" or "-0.5".
func Parse(s string) (Parts, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return Parts{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	p, status := ToParts(d, TiesToEven)
	if status != Success {
		return Parts{}, fmt.Errorf("parse decimal %q: %s", s, status)
	}
	return p, nil
}

// FromInt encodes an integer with scale zero.
func FromInt(v int64) Parts {
	p, _ := ToParts(apd.New(v, 0), TiesToEven)
	return p
}

// FromUint encodes an unsigned integer with scale zero.
func FromUint(v uint64) Parts {
	d := new(apd.Decimal)
	d.Coeff.SetMathBigInt(new(big.Int).SetUint64(v))
	p, _ := ToParts(d, TiesToEven)
	return p
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Parts {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String renders p in plain notation, keeping trailing zeros.
func (p Parts) String() string {
	return FromParts(p).Text('f')
}

// Apply evaluates a runtime helper: op is one of add, sub, mul, div, rem
// and fma (a*b + c).
func Apply(op string, a, b, c Parts, r Rounding) (Parts, Status) {
	for _, p := range []Parts{a, b, c} {
		if !p.Valid() {
			return Parts{}, InvalidOperand
		}
	}
	ctx, ok := newContext(r, 29)
	if !ok {
		return Parts{}, InvalidRounding
	}
	wide, _ := newContext(r, 100)
	x, y := FromParts(a), FromParts(b)
	res := new(apd.Decimal)
	var (
		cond apd.Condition
		err  error
	)
	switch op {
	case "add":
		cond, err = wide.Add(res, x, y)
	case "sub":
		cond, err = wide.Sub(res, x, y)
	case "mul":
		cond, err = wide.Mul(res, x, y)
	case "div":
		if y.IsZero() {
			return Parts{}, DivideByZero
		}
		cond, err = ctx.Quo(res, x, y)
	case "rem":
		if y.IsZero() {
			return Parts{}, DivideByZero
		}
		cond, err = wide.Rem(res, x, y)
	case "fma":
		prod := new(apd.Decimal)
		if _, err = wide.Mul(prod, x, y); err == nil {
			cond, err = wide.Add(res, prod, FromParts(c))
		}
	default:
		return Parts{}, InvalidOperand
	}
	if err != nil || cond.InvalidOperation() || cond.DivisionUndefined() {
		return Parts{}, InvalidOperand
	}
	if cond.DivisionByZero() {
		return Parts{}, DivideByZero
	}
	return ToParts(res, r)
}
