// Package wide converts between 128-bit integers and their two-word
// {lo, hi} encoding and evaluates the wide-integer runtime operations.
package wide

import (
	"fmt"
	"math/big"
)

var (
	two128    = new(big.Int).Lsh(big.NewInt(1), 128)
	two64     = new(big.Int).Lsh(big.NewInt(1), 64)
	mask64    = new(big.Int).Sub(two64, big.NewInt(1))
	mask128   = new(big.Int).Sub(two128, big.NewInt(1))
	MinInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	MaxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	MaxUint   = new(big.Int).Set(mask128)
)

// Split encodes v as two's-complement words, truncating to 128 bits.
func Split(v *big.Int) (lo, hi uint64) {
	u := new(big.Int).And(v, mask128)
	lo = new(big.Int).And(u, mask64).Uint64()
	hi = new(big.Int).Rsh(u, 64).Uint64()
	return lo, hi
}

// Join decodes two words. signed selects two's-complement interpretation.
func Join(lo, hi uint64, signed bool) *big.Int {
	v := new(big.Int).SetUint64(hi)
	v.Lsh(v, 64)
	v.Or(v, new(big.Int).SetUint64(lo))
	if signed && hi>>63 == 1 {
		v.Sub(v, two128)
	}
	return v
}

// wrap reduces v modulo 2^128 into the signed or unsigned range.
func wrap(v *big.Int, signed bool) *big.Int {
	lo, hi := Split(v)
	return Join(lo, hi, signed)
}

// Binary evaluates a two-operand helper such as "add" or "shl". Shift
// amounts are taken modulo 128.
func Binary(op string, signed bool, a, b *big.Int) (*big.Int, error) {
	r := new(big.Int)
	switch op {
	case "add":
		r.Add(a, b)
	case "sub":
		r.Sub(a, b)
	case "mul":
		r.Mul(a, b)
	case "div", "rem":
		if b.Sign() == 0 {
			return nil, fmt.Errorf("wide %s: division by zero", op)
		}
		if op == "div" {
			r.Quo(a, b)
		} else {
			r.Rem(a, b)
		}
	case "and", "or", "xor":
		ua, ub := wrap(a, false), wrap(b, false)
		switch op {
		case "and":
			r.And(ua, ub)
		case "or":
			r.Or(ua, ub)
		default:
			r.Xor(ua, ub)
		}
	case "shl":
		r.Lsh(a, uint(b.Uint64()%128))
	case "shr":
		n := uint(b.Uint64() % 128)
		if signed {
			r.Rsh(a, n)
		} else {
			r.Rsh(wrap(a, false), n)
		}
	default:
		return nil, fmt.Errorf("unknown wide operation %q", op)
	}
	return wrap(r, signed), nil
}

// Unary evaluates "neg" or "not".
func Unary(op string, signed bool, a *big.Int) (*big.Int, error) {
	switch op {
	case "neg":
		return wrap(new(big.Int).Neg(a), signed), nil
	case "not":
		return wrap(new(big.Int).Xor(wrap(a, false), mask128), signed), nil
	}
	return nil, fmt.Errorf("unknown wide operation %q", op)
}

// Compare returns -1, 0 or 1.
func Compare(a, b *big.Int) int {
	return a.Cmp(b)
}
