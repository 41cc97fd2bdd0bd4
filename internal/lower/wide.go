package lower

import (
	"github.com/roach88/chisel/internal/layout"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sink"
)

// 128-bit values are {lo, hi} 64-bit words at offsets 0 and 8.

func (fl *functionLowerer) storeWords(dst sink.Value, lo, hi sink.Value) {
	fl.out.StoreScalar(dst, 0, lo, 8)
	fl.out.StoreScalar(dst, 8, hi, 8)
}

func (fl *functionLowerer) loadWords(src sink.Value) (sink.Value, sink.Value) {
	lo := fl.newValue(sink.I64)
	fl.out.LoadScalar(lo, src, 0, 8, false)
	hi := fl.newValue(sink.I64)
	fl.out.LoadScalar(hi, src, 8, 8, false)
	return lo, hi
}

// extendWords widens a register to {lo, hi}: the high word is the sign
// of lo for signed sources and zero otherwise.
func (fl *functionLowerer) extendWords(v sink.Value, signed bool, construct string) (sink.Value, sink.Value, error) {
	lo, err := fl.coerce(v, sink.I64, !signed, construct)
	if err != nil {
		return sink.Value{}, sink.Value{}, err
	}
	if !signed {
		return lo, fl.constant(sink.I64, 0), nil
	}
	hi := fl.newValue(sink.I64)
	fl.out.Binary(hi, sink.ShrS, lo, fl.constant(sink.I64, 63))
	return lo, hi, nil
}

// constWords splits an integer constant into {lo, hi}.
func constWords(v mir.ConstValue) (uint64, uint64, bool) {
	switch c := v.(type) {
	case mir.Wide:
		return c.Lo, c.Hi, true
	case mir.Int:
		hi := uint64(0)
		if c.Value < 0 {
			hi = ^uint64(0)
		}
		return uint64(c.Value), hi, true
	case mir.UInt:
		return c.Value, 0, true
	case mir.Bool:
		if c.Value {
			return 1, 0, true
		}
		return 0, 0, true
	}
	return 0, 0, false
}

// wideOperand returns the address of a 128-bit operand, spilling
// constants and narrow values to a scratch block.
func (fl *functionLowerer) wideOperand(op mir.Operand, construct string) (sink.Value, error) {
	if c, ok := op.(mir.Const); ok {
		lo, hi, ok := constWords(c.Value)
		if !ok {
			return sink.Value{}, unsupported(construct, "constant %T as a 128-bit operand", c.Value)
		}
		block := fl.scratchBlock(layout.WideBlockSize, 8)
		fl.storeWords(block, fl.constant(sink.I64, lo), fl.constant(sink.I64, hi))
		return block, nil
	}
	ty, err := fl.operandTy(op)
	if err != nil {
		return sink.Value{}, err
	}
	if _, ok := mir.WideSignedness(ty); ok {
		if place, ok := mir.OperandPlace(op); ok {
			addr, _, err := fl.placeAddress(place)
			return addr, err
		}
	}
	v, _, err := fl.operandValue(op)
	if err != nil {
		return sink.Value{}, err
	}
	lo, hi, err := fl.extendWords(v, isSigned(ty, fl.tables.PointerWidth), construct)
	if err != nil {
		return sink.Value{}, err
	}
	block := fl.scratchBlock(layout.WideBlockSize, 8)
	fl.storeWords(block, lo, hi)
	return block, nil
}

func (fl *functionLowerer) lowerWide(a assignment) (bool, error) {
	signed, _ := mir.WideSignedness(a.destTy)
	dst, _, err := fl.placeAddress(a.dest)
	if err != nil {
		return false, err
	}

	switch rv := a.rv.(type) {
	case mir.Use:
		switch op := rv.Operand.(type) {
		case mir.Const:
			lo, hi, ok := constWords(op.Value)
			if !ok {
				return false, unsupported(a.construct, "constant %T into %s", op.Value, a.destTy.CanonicalName())
			}
			fl.storeWords(dst, fl.constant(sink.I64, lo), fl.constant(sink.I64, hi))
			return true, nil
		case mir.Pending:
			zero := fl.constant(sink.I64, 0)
			fl.storeWords(dst, zero, zero)
			return true, nil
		}
		src, err := fl.wideOperand(rv.Operand, a.construct)
		if err != nil {
			return false, err
		}
		lo, hi := fl.loadWords(src)
		fl.storeWords(dst, lo, hi)
		return true, nil

	case mir.Binary:
		if rv.Op.IsComparison() {
			return false, unsupported(a.construct, "comparison result into %s", a.destTy.CanonicalName())
		}
		lhs, err := fl.wideOperand(rv.LHS, a.construct)
		if err != nil {
			return false, err
		}
		var rhs sink.Value
		if rv.Op == mir.Shl || rv.Op == mir.Shr {
			rhs, err = fl.shiftAmount(rv.RHS, a.construct)
		} else {
			rhs, err = fl.wideOperand(rv.RHS, a.construct)
		}
		if err != nil {
			return false, err
		}
		fl.call(WideHook(signed, rv.Op.String()), []sink.Value{dst, lhs, rhs}, 0)
		return true, nil

	case mir.Unary:
		src, err := fl.wideOperand(rv.Operand, a.construct)
		if err != nil {
			return false, err
		}
		switch rv.Op {
		case mir.Neg:
			if !signed {
				return false, unsupported(a.construct, "negation of unsigned %s", a.destTy.CanonicalName())
			}
			fl.call(WideHook(true, "neg"), []sink.Value{dst, src}, 0)
		case mir.Not:
			fl.call(WideHook(signed, "not"), []sink.Value{dst, src}, 0)
		case mir.Plus:
			lo, hi := fl.loadWords(src)
			fl.storeWords(dst, lo, hi)
		default:
			return false, notYetImplemented(a.construct, "128-bit unary operator %d", rv.Op)
		}
		return true, nil

	case mir.Cast:
		return true, fl.wideCast(dst, rv, signed, a.construct)
	}
	return false, unsupported(a.construct, "%T into %s", a.rv, a.destTy.CanonicalName())
}

// shiftAmount lowers a shift count to an i32, taking the low word of a
// 128-bit count.
func (fl *functionLowerer) shiftAmount(op mir.Operand, construct string) (sink.Value, error) {
	ty, err := fl.operandTy(op)
	if err != nil {
		return sink.Value{}, err
	}
	if _, wide := mir.WideSignedness(ty); wide {
		src, err := fl.wideOperand(op, construct)
		if err != nil {
			return sink.Value{}, err
		}
		lo := fl.newValue(sink.I32)
		fl.out.LoadScalar(lo, src, 0, 4, false)
		return lo, nil
	}
	if c, ok := op.(mir.Const); ok {
		if lo, _, ok := constWords(c.Value); ok {
			return fl.constant(sink.I32, lo), nil
		}
	}
	v, _, err := fl.operandValue(op)
	if err != nil {
		return sink.Value{}, err
	}
	return fl.coerce(v, sink.I32, true, construct)
}

func (fl *functionLowerer) wideCast(dst sink.Value, r mir.Cast, signed bool, construct string) error {
	srcTy := r.Source
	if srcTy == nil {
		ty, err := fl.operandTy(r.Operand)
		if err != nil {
			return err
		}
		srcTy = ty
	}
	if _, wide := mir.WideSignedness(srcTy); wide {
		src, err := fl.wideOperand(r.Operand, construct)
		if err != nil {
			return err
		}
		lo, hi := fl.loadWords(src)
		fl.storeWords(dst, lo, hi)
		return nil
	}
	v, _, err := fl.operandValue(r.Operand)
	if err != nil {
		return err
	}
	if !v.Valid() {
		return unsupported(construct, "cast of unit to 128-bit")
	}
	srcSigned := isSigned(srcTy, fl.tables.PointerWidth)
	if v.Kind.IsFloat() {
		op := sink.TruncU
		if signed {
			op = sink.TruncS
		}
		t := fl.newValue(sink.I64)
		fl.out.Convert(t, op, v)
		v, srcSigned = t, signed
	}
	lo, hi, err := fl.extendWords(v, srcSigned, construct)
	if err != nil {
		return err
	}
	fl.storeWords(dst, lo, hi)
	return nil
}

// wideCompare evaluates a comparison of 128-bit operands to an i32 flag.
func (fl *functionLowerer) wideCompare(r mir.Binary, signed bool, construct string) (sink.Value, mir.Ty, error) {
	if !r.Op.IsComparison() {
		return sink.Value{}, nil, unsupported(construct, "128-bit %s in scalar context", r.Op)
	}
	lhs, err := fl.wideOperand(r.LHS, construct)
	if err != nil {
		return sink.Value{}, nil, err
	}
	rhs, err := fl.wideOperand(r.RHS, construct)
	if err != nil {
		return sink.Value{}, nil, err
	}
	boolTy := mir.Named{Name: "bool"}
	if r.Op == mir.Eq || r.Op == mir.Ne {
		eq := fl.call(WideHook(signed, "eq"), []sink.Value{lhs, rhs}, sink.I32)
		if r.Op == mir.Eq {
			return eq, boolTy, nil
		}
		ne := fl.newValue(sink.I32)
		fl.out.Unary(ne, sink.Eqz, eq)
		return ne, boolTy, nil
	}
	cmp := fl.call(WideHook(signed, "cmp"), []sink.Value{lhs, rhs}, sink.I32)
	op, _ := sinkBinOp(r.Op, true)
	res := fl.newValue(sink.I32)
	fl.out.Binary(res, op, cmp, fl.constant(sink.I32, 0))
	return res, boolTy, nil
}

// wideToNarrow casts a 128-bit value to a register type via its low word.
func (fl *functionLowerer) wideToNarrow(r mir.Cast, signed bool, construct string) (sink.Value, mir.Ty, error) {
	src, err := fl.wideOperand(r.Operand, construct)
	if err != nil {
		return sink.Value{}, nil, err
	}
	lo := fl.newValue(sink.I64)
	fl.out.LoadScalar(lo, src, 0, 8, false)
	want, err := valueKind(fl.tables, r.Target)
	if err != nil {
		return sink.Value{}, nil, err
	}
	switch {
	case want == sink.I64:
		return lo, r.Target, nil
	case want == sink.I32:
		v := fl.newValue(sink.I32)
		fl.out.Convert(v, sink.Wrap, lo)
		return fl.narrow(v, r.Target), r.Target, nil
	case want.IsFloat():
		op := sink.ConvertU
		if signed {
			op = sink.ConvertS
		}
		v := fl.newValue(want)
		fl.out.Convert(v, op, lo)
		return v, r.Target, nil
	}
	return sink.Value{}, nil, unsupported(construct, "128-bit cast to %s", r.Target.CanonicalName())
}
