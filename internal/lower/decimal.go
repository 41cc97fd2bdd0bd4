package lower

import (
	"github.com/roach88/chisel/internal/decimal"
	"github.com/roach88/chisel/internal/diag"
	"github.com/roach88/chisel/internal/layout"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sink"
)

// decimalResultBlock is the helper's out block: a status word followed by
// the four value parts.
const decimalResultBlock = 4 + layout.DecimalBlockSize

func (fl *functionLowerer) storeParts(dst sink.Value, off int, p [4]uint32) {
	for i, w := range p {
		fl.out.StoreScalar(dst, off+4*i, fl.constant(sink.I32, uint64(w)), 4)
	}
}

// decimalOperand returns the address of a decimal operand. Constants are
// spilled to a scratch block.
func (fl *functionLowerer) decimalOperand(op mir.Operand, construct string) (sink.Value, error) {
	if c, ok := op.(mir.Const); ok {
		var parts decimal.Parts
		switch v := c.Value.(type) {
		case mir.Decimal:
			parts = v.Parts
		case mir.Int:
			parts = decimal.FromInt(v.Value)
		case mir.UInt:
			parts = decimal.FromUint(v.Value)
		default:
			return sink.Value{}, unsupported(construct, "constant %T as a decimal operand", c.Value)
		}
		block := fl.scratchBlock(layout.DecimalBlockSize, 4)
		fl.storeParts(block, 0, parts)
		return block, nil
	}
	place, ok := mir.OperandPlace(op)
	if !ok {
		return sink.Value{}, unsupported(construct, "decimal operand %T", op)
	}
	ty, err := fl.placeTy(place)
	if err != nil {
		return sink.Value{}, err
	}
	if !mir.IsDecimal(ty) {
		return sink.Value{}, unsupported(construct, "decimal operand of type %s", ty.CanonicalName())
	}
	addr, _, err := fl.placeAddress(place)
	return addr, err
}

// constScalar folds a constant hint operand: booleans, integers and enum
// discriminants. Anything else is decided at run time.
func constScalar(op mir.Operand) (uint64, bool) {
	c, ok := op.(mir.Const)
	if !ok {
		return 0, false
	}
	switch v := c.Value.(type) {
	case mir.Bool:
		if v.Value {
			return 1, true
		}
		return 0, true
	case mir.Int:
		return uint64(v.Value), true
	case mir.UInt:
		return v.Value, true
	case mir.Enum:
		return uint64(v.Discriminant), true
	}
	return 0, false
}

// decimalFlags chooses the flags word from the vectorize hint. A constant
// hint is folded here; a runtime hint selects between the two values. The
// helper stays scalar either way.
func (fl *functionLowerer) decimalFlags(hint mir.Operand, construct string) (sink.Value, error) {
	if hint == nil {
		return fl.constant(sink.I32, 0), nil
	}
	if _, pending := hint.(mir.Pending); pending {
		return fl.constant(sink.I32, 0), nil
	}
	if v, ok := constScalar(hint); ok {
		if v != 0 {
			return fl.constant(sink.I32, decimal.FlagVectorize), nil
		}
		return fl.constant(sink.I32, 0), nil
	}
	v, _, err := fl.operandValue(hint)
	if err != nil {
		return sink.Value{}, err
	}
	if v, err = fl.coerce(v, sink.I32, true, construct); err != nil {
		return sink.Value{}, err
	}
	flags := fl.newValue(sink.I32)
	fl.out.Select(flags, v, fl.constant(sink.I32, decimal.FlagVectorize), fl.constant(sink.I32, 0))
	return flags, nil
}

// decimalRounding returns the rounding-mode word. Missing or pending
// modes round ties to even; constant modes are folded.
func (fl *functionLowerer) decimalRounding(mode mir.Operand, construct string) (sink.Value, error) {
	if mode == nil {
		return fl.constant(sink.I32, uint64(decimal.TiesToEven)), nil
	}
	if _, pending := mode.(mir.Pending); pending {
		return fl.constant(sink.I32, uint64(decimal.TiesToEven)), nil
	}
	if v, ok := constScalar(mode); ok {
		return fl.constant(sink.I32, uint64(uint32(v))), nil
	}
	r, _, err := fl.operandValue(mode)
	if err != nil {
		return sink.Value{}, err
	}
	return fl.coerce(r, sink.I32, true, construct)
}

func (fl *functionLowerer) lowerDecimalIntrinsic(a assignment, rv mir.DecimalIntrinsic) error {
	l, err := fl.layoutOf(a.destTy, a.dest)
	if err != nil {
		return err
	}
	status, _, okS := l.FieldByName("Status")
	value, _, okV := l.FieldByName("Value")
	variant, _, okVar := l.FieldByName("Variant")
	if !okS || !okV || !okVar {
		return unsupported(a.construct, "decimal intrinsic into %s", a.destTy.CanonicalName())
	}
	if !status.Resolved || !value.Resolved || !variant.Resolved {
		return missingLayout(a.construct, "%s has unresolved fields", l.Name)
	}

	args := make([]sink.Value, 0, 6)
	out := fl.scratchBlock(decimalResultBlock, 4)
	args = append(args, out)
	operands := []mir.Operand{rv.LHS, rv.RHS}
	if rv.Kind == mir.DecimalFma {
		operands = append(operands, rv.Addend)
	}
	for _, op := range operands {
		addr, err := fl.decimalOperand(op, a.construct)
		if err != nil {
			return err
		}
		args = append(args, addr)
	}

	rounding, err := fl.decimalRounding(rv.Rounding, a.construct)
	if err != nil {
		return err
	}
	flags, err := fl.decimalFlags(rv.Vectorize, a.construct)
	if err != nil {
		return err
	}
	args = append(args, rounding, flags)
	fl.call(DecimalHook(rv.Kind), args, 0)

	dst, _, err := fl.placeAddress(a.dest)
	if err != nil {
		return err
	}
	st := fl.newValue(sink.I32)
	fl.out.LoadScalar(st, out, 0, 4, false)
	fl.out.StoreScalar(dst, status.Offset, st, 4)
	for i := 0; i < 4; i++ {
		w := fl.newValue(sink.I32)
		fl.out.LoadScalar(w, out, 4+4*i, 4, false)
		fl.out.StoreScalar(dst, value.Offset+4*i, w, 4)
	}
	fl.out.StoreScalar(dst, variant.Offset, fl.constant(sink.I32, 0), 4)
	fl.d.Trace(diag.TopicDecimal, "decimal intrinsic", "op", rv.Kind.String(), "place", a.construct)
	return nil
}

// storeDecimalConst writes the four parts of a decimal constant.
func (fl *functionLowerer) storeDecimalConst(a assignment, c mir.Decimal) error {
	if !mir.IsDecimal(a.destTy) {
		return unsupported(a.construct, "decimal constant into %s", a.destTy.CanonicalName())
	}
	dst, _, err := fl.placeAddress(a.dest)
	if err != nil {
		return err
	}
	fl.storeParts(dst, 0, c.Parts)
	return nil
}
