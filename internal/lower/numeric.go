package lower

import (
	"fmt"

	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sink"
)

func intName(bits int, signed bool) string {
	if signed {
		return fmt.Sprintf("i%d", bits)
	}
	return fmt.Sprintf("u%d", bits)
}

// lowerNumeric evaluates a numeric intrinsic to a register. Checked
// arithmetic calls the runtime and writes its result through Out; the bit
// operations are inline and correct for 8- and 16-bit widths held in
// 32-bit registers.
func (fl *functionLowerer) lowerNumeric(r mir.NumericIntrinsic, construct string) (sink.Value, mir.Ty, error) {
	switch r.Bits {
	case 8, 16, 32, 64:
	default:
		return sink.Value{}, nil, unsupported(construct, "%s over %d-bit integers", r.Kind, r.Bits)
	}
	kind := sink.I32
	if r.Bits == 64 {
		kind = sink.I64
	}
	ty := mir.Named{Name: intName(r.Bits, r.Signed)}
	boolTy := mir.Named{Name: "bool"}

	want := 1
	switch r.Kind {
	case mir.TryAdd, mir.TrySub, mir.TryMul, mir.RotateLeft, mir.RotateRight:
		want = 2
	}
	if len(r.Operands) != want {
		return sink.Value{}, nil, unsupported(construct, "%s takes %d operands, got %d", r.Kind, want, len(r.Operands))
	}
	args := make([]sink.Value, len(r.Operands))
	for i, op := range r.Operands {
		v, _, err := fl.operandValue(op)
		if err != nil {
			return sink.Value{}, nil, err
		}
		if args[i], err = fl.coerce(v, kind, !r.Signed, construct); err != nil {
			return sink.Value{}, nil, err
		}
	}

	if r.Kind.IsChecked() {
		var out sink.Value
		if r.Out != nil {
			addr, _, err := fl.placeAddress(*r.Out)
			if err != nil {
				return sink.Value{}, nil, err
			}
			out = addr
		} else {
			out = fl.scratchBlock(max(r.Bits/8, 4), max(r.Bits/8, 4))
		}
		ok := fl.call(NumericTryHook(r.Kind, r.Signed, r.Bits), append([]sink.Value{out}, args...), sink.I32)
		return ok, boolTy, nil
	}

	narrow := r.Bits < 32
	mask := uint64(1)<<r.Bits - 1
	masked := func(v sink.Value) sink.Value {
		if !narrow {
			return v
		}
		m := fl.newValue(kind)
		fl.out.Binary(m, sink.And, v, fl.constant(kind, mask))
		return m
	}
	unary := func(op sink.UnOp, v sink.Value) sink.Value {
		dst := fl.newValue(kind)
		fl.out.Unary(dst, op, v)
		return dst
	}
	binary := func(op sink.BinOp, a, b sink.Value) sink.Value {
		dst := fl.newValue(kind)
		fl.out.Binary(dst, op, a, b)
		return dst
	}
	countTy := mir.Named{Name: intName(r.Bits, false)}

	x := args[0]
	switch r.Kind {
	case mir.LeadingZeroCount:
		n := unary(sink.Clz, masked(x))
		if narrow {
			n = binary(sink.Sub, n, fl.constant(kind, uint64(32-r.Bits)))
		}
		return n, countTy, nil

	case mir.TrailingZeroCount:
		v := x
		if narrow {
			// A sentinel bit above the width caps the count at Bits.
			v = binary(sink.Or, x, fl.constant(kind, uint64(1)<<r.Bits))
		}
		return unary(sink.Ctz, v), countTy, nil

	case mir.PopCount:
		return unary(sink.Popcnt, masked(x)), countTy, nil

	case mir.RotateLeft, mir.RotateRight:
		op := sink.Rotl
		if r.Kind == mir.RotateRight {
			op = sink.Rotr
		}
		if !narrow {
			return binary(op, x, args[1]), ty, nil
		}
		v := masked(x)
		n := binary(sink.And, args[1], fl.constant(kind, uint64(r.Bits-1)))
		back := binary(sink.Sub, fl.constant(kind, uint64(r.Bits)), n)
		first, second := sink.Shl, sink.ShrU
		if op == sink.Rotr {
			first, second = sink.ShrU, sink.Shl
		}
		rot := binary(sink.Or, binary(first, v, n), binary(second, v, back))
		return masked(rot), ty, nil

	case mir.IsPowerOfTwo:
		v := masked(x)
		one := fl.constant(kind, 1)
		nonZero := fl.newValue(sink.I32)
		fl.out.Binary(nonZero, sink.Ne, v, fl.constant(kind, 0))
		single := fl.newValue(sink.I32)
		fl.out.Unary(single, sink.Eqz, binary(sink.And, v, binary(sink.Sub, v, one)))
		res := fl.newValue(sink.I32)
		fl.out.Binary(res, sink.And, nonZero, single)
		return res, boolTy, nil
	}
	return sink.Value{}, nil, notYetImplemented(construct, "numeric intrinsic %s", r.Kind)
}
