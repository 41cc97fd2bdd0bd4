package lower

import (
	"fmt"
	"math"

	"github.com/roach88/chisel/internal/diag"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sink"
)

var u32Ty = mir.Named{Name: "u32"}

// strHalf recognizes a single ptr/len projection of a scalar-packed str
// local and returns the shift of that half within the word.
func (fl *functionLowerer) strHalf(place mir.Place) (LocalPlan, int, bool) {
	if len(place.Projection) != 1 {
		return LocalPlan{}, 0, false
	}
	lp, ok := fl.plan.Local(place.Local)
	if !ok || lp.Repr != Scalar || lp.Slot < 0 {
		return LocalPlan{}, 0, false
	}
	if _, isStr := fl.body.Locals[place.Local].Ty.(mir.Str); !isStr {
		return LocalPlan{}, 0, false
	}
	switch p := place.Projection[0].(type) {
	case mir.FieldName:
		switch p.Name {
		case "ptr":
			return lp, 0, true
		case "len":
			return lp, 32, true
		}
	case mir.FieldIndex:
		switch p.Index {
		case 0:
			return lp, 0, true
		case 1:
			return lp, 32, true
		}
	}
	return LocalPlan{}, 0, false
}

// placeTy is the static type of place.
func (fl *functionLowerer) placeTy(place mir.Place) (mir.Ty, error) {
	if int(place.Local) < 0 || int(place.Local) >= len(fl.body.Locals) {
		return nil, unsupported(place.String(), "unknown local")
	}
	if place.IsWhole() {
		return fl.body.Locals[place.Local].Ty, nil
	}
	if _, _, ok := fl.strHalf(place); ok {
		return u32Ty, nil
	}
	acc, err := fl.resolveMemoryAccess(place)
	if err != nil {
		return nil, err
	}
	return acc.ValueTy, nil
}

func (fl *functionLowerer) operandTy(op mir.Operand) (mir.Ty, error) {
	switch o := op.(type) {
	case mir.Copy:
		return fl.placeTy(o.Place)
	case mir.Move:
		return fl.placeTy(o.Place)
	case mir.Borrow:
		ty, err := fl.placeTy(o.Place)
		if err != nil {
			return nil, err
		}
		if o.Kind == mir.BorrowRaw {
			return mir.Pointer{Elem: ty, Mutable: true}, nil
		}
		return mir.Ref{Elem: ty, Mutable: o.Kind == mir.BorrowUnique}, nil
	case mir.Const:
		return o.Ty, nil
	case mir.Pending:
		return mir.Unit{}, nil
	}
	return nil, notYetImplemented(fmt.Sprintf("%T", op), "operand")
}

// scalarShape is the register kind, byte size and signedness used to load
// or store a value of ty.
func (fl *functionLowerer) scalarShape(ty mir.Ty, construct string) (sink.Kind, int, bool, error) {
	kind, err := valueKind(fl.tables, ty)
	if err != nil {
		return 0, 0, false, err
	}
	size, _, err := fl.tables.SizeAndAlign(ty)
	if err != nil {
		return 0, 0, false, missingLayout(construct, "%v", err)
	}
	signed := false
	if n, ok := ty.(mir.Named); ok {
		if info, ok := mir.IntInfoFor(n.Name, fl.tables.PointerWidth); ok {
			signed = info.Signed
		}
	}
	return kind, size, signed, nil
}

// readPlace yields the value of place: the value itself for scalar types
// and the address for memory-resident ones.
func (fl *functionLowerer) readPlace(place mir.Place) (sink.Value, mir.Ty, error) {
	lp, ok := fl.plan.Local(place.Local)
	if !ok {
		return sink.Value{}, nil, unsupported(place.String(), "unknown local")
	}
	ty := fl.body.Locals[place.Local].Ty

	if place.IsWhole() && lp.Repr == Scalar {
		if lp.Slot < 0 {
			return sink.Value{}, ty, nil
		}
		v := fl.newValue(lp.SlotKind)
		fl.out.SlotGet(v, lp.Slot)
		return v, ty, nil
	}
	if _, shift, ok := fl.strHalf(place); ok {
		word := fl.newValue(sink.I64)
		fl.out.SlotGet(word, lp.Slot)
		if shift != 0 {
			shifted := fl.newValue(sink.I64)
			fl.out.Binary(shifted, sink.ShrU, word, fl.constant(sink.I64, uint64(shift)))
			word = shifted
		}
		half := fl.newValue(sink.I32)
		fl.out.Convert(half, sink.Wrap, word)
		return half, u32Ty, nil
	}

	acc, err := fl.resolveMemoryAccess(place)
	if err != nil {
		return sink.Value{}, nil, err
	}
	if fl.tables.RequiresMemory(acc.ValueTy) {
		addr, err := fl.pointerExpression(acc)
		return addr, acc.ValueTy, err
	}
	if _, isUnit := acc.ValueTy.(mir.Unit); isUnit {
		return sink.Value{}, acc.ValueTy, nil
	}
	kind, size, signed, err := fl.scalarShape(acc.ValueTy, place.String())
	if err != nil {
		return sink.Value{}, nil, err
	}
	base, off, err := fl.addressParts(acc)
	if err != nil {
		return sink.Value{}, nil, err
	}
	v := fl.newValue(kind)
	fl.out.LoadScalar(v, base, off, size, signed)
	return v, acc.ValueTy, nil
}

// operandValue lowers op to a register value. Memory-resident operands
// yield their address.
func (fl *functionLowerer) operandValue(op mir.Operand) (sink.Value, mir.Ty, error) {
	switch o := op.(type) {
	case mir.Copy:
		return fl.readPlace(o.Place)
	case mir.Move:
		return fl.readPlace(o.Place)
	case mir.Borrow:
		ty, err := fl.operandTy(o)
		if err != nil {
			return sink.Value{}, nil, err
		}
		if lp, ok := fl.plan.Local(o.Place.Local); ok && lp.Repr == Scalar && o.Place.IsWhole() {
			return sink.Value{}, nil, unsupported(o.Place.String(), "borrow of a register-resident local")
		}
		addr, _, err := fl.placeAddress(o.Place)
		return addr, ty, err
	case mir.Const:
		v, err := fl.constValue(o)
		return v, o.Ty, err
	case mir.Pending:
		return sink.Value{}, mir.Unit{}, nil
	}
	return sink.Value{}, nil, notYetImplemented(fmt.Sprintf("%T", op), "operand")
}

func (fl *functionLowerer) constant(kind sink.Kind, bits uint64) sink.Value {
	v := fl.newValue(kind)
	fl.out.MaterializeConstant(v, bits)
	return v
}

// numericBits encodes an integer or float constant for kind.
func numericBits(kind sink.Kind, i int64, f float64, isFloat bool) uint64 {
	switch kind {
	case sink.F32:
		if !isFloat {
			f = float64(i)
		}
		return uint64(math.Float32bits(float32(f)))
	case sink.F64:
		if !isFloat {
			f = float64(i)
		}
		return math.Float64bits(f)
	}
	if isFloat {
		i = int64(f)
	}
	return uint64(i)
}

func (fl *functionLowerer) constValue(c mir.Const) (sink.Value, error) {
	construct := fmt.Sprintf("const %s", c.Ty.CanonicalName())
	kind, err := valueKind(fl.tables, c.Ty)
	if err != nil {
		return sink.Value{}, err
	}
	if kind == 0 {
		kind = sink.I32
	}
	switch v := c.Value.(type) {
	case mir.Int:
		return fl.constant(kind, numericBits(kind, v.Value, 0, false)), nil
	case mir.UInt:
		if kind.IsFloat() {
			return fl.constant(kind, numericBits(kind, 0, float64(v.Value), true)), nil
		}
		return fl.constant(kind, v.Value), nil
	case mir.Float:
		return fl.constant(kind, numericBits(kind, 0, v.Value, true)), nil
	case mir.Bool:
		if v.Value {
			return fl.constant(sink.I32, 1), nil
		}
		return fl.constant(sink.I32, 0), nil
	case mir.Null:
		return fl.constant(kind, 0), nil
	case mir.Enum:
		return fl.constant(kind, uint64(v.Discriminant)), nil
	case mir.Symbol:
		idx, ok := fl.c.functionIndex(v.Name)
		if !ok {
			return sink.Value{}, missingLayout(v.Name, "function %s has no table index", v.Name)
		}
		return fl.constant(fl.ptr, uint64(idx)), nil
	case mir.StrLit:
		lit, ok := fl.tables.StringLiterals[v.ID]
		if !ok {
			return sink.Value{}, missingLayout(construct, "string literal #%d is not interned", v.ID)
		}
		return fl.constant(sink.I64, uint64(lit.Len)<<32|uint64(lit.Offset)), nil
	case mir.UnitValue:
		return sink.Value{}, nil
	case mir.Wide, mir.Decimal:
		return sink.Value{}, unsupported(construct, "%T constant in scalar context", v)
	}
	return sink.Value{}, notYetImplemented(construct, "constant %T", c.Value)
}

// coerce adapts v to want: F64->F32 demotes, F32->F64 promotes, I64->I32
// wraps, I32->I64 extends and I32->F32/F64 converts. unsigned describes
// the source and picks zero extension and unsigned conversion. An invalid
// v becomes zero.
func (fl *functionLowerer) coerce(v sink.Value, want sink.Kind, unsigned bool, construct string) (sink.Value, error) {
	if !v.Valid() {
		return fl.constant(want, 0), nil
	}
	if v.Kind == want {
		return v, nil
	}
	dst := fl.newValue(want)
	switch {
	case v.Kind == sink.F64 && want == sink.F32:
		fl.out.Convert(dst, sink.Demote, v)
	case v.Kind == sink.F32 && want == sink.F64:
		fl.out.Convert(dst, sink.Promote, v)
	case v.Kind == sink.I64 && want == sink.I32:
		fl.out.Convert(dst, sink.Wrap, v)
	case v.Kind == sink.I32 && want == sink.I64:
		op := sink.ExtendS
		if unsigned {
			op = sink.ExtendU
		}
		fl.out.Convert(dst, op, v)
	case v.Kind == sink.I32 && want.IsFloat():
		op := sink.ConvertS
		if unsigned {
			op = sink.ConvertU
		}
		fl.out.Convert(dst, op, v)
	default:
		return sink.Value{}, unsupported(construct, "cannot coerce %s to %s", v.Kind, want)
	}
	return dst, nil
}

// storeWhole writes a scalar value into a whole local, or drops it when
// the local has no storage.
func (fl *functionLowerer) storeWhole(local mir.LocalID, v sink.Value, srcTy mir.Ty) error {
	lp, _ := fl.plan.Local(local)
	decl := fl.body.Locals[local]
	construct := mir.LocalPlace(local).String()
	unsigned := isUnsigned(srcTy, fl.tables.PointerWidth)

	if lp.Repr == Scalar {
		if lp.Slot < 0 {
			if v.Valid() {
				fl.out.Drop(v)
			}
			return nil
		}
		v, err := fl.coerce(v, lp.SlotKind, unsigned, construct)
		if err != nil {
			return err
		}
		fl.out.SlotSet(lp.Slot, v)
		fl.d.Trace(diag.TopicScalarAssign, "slot store", "function", fl.body.Name, "local", lp.Name, "slot", lp.Slot)
		return nil
	}
	if _, isUnit := decl.Ty.(mir.Unit); isUnit {
		if v.Valid() {
			fl.out.Drop(v)
		}
		return nil
	}
	acc, err := fl.resolveMemoryAccess(mir.LocalPlace(local))
	if err != nil {
		return err
	}
	return fl.storeAt(acc, v, srcTy, construct)
}

// storeAt writes a scalar value through a memory access.
func (fl *functionLowerer) storeAt(acc MemoryAccess, v sink.Value, srcTy mir.Ty, construct string) error {
	kind, size, _, err := fl.scalarShape(acc.ValueTy, construct)
	if err != nil {
		return err
	}
	if kind == 0 {
		if v.Valid() {
			fl.out.Drop(v)
		}
		return nil
	}
	v, err = fl.coerce(v, kind, isUnsigned(srcTy, fl.tables.PointerWidth), construct)
	if err != nil {
		return err
	}
	base, off, err := fl.addressParts(acc)
	if err != nil {
		return err
	}
	fl.out.StoreScalar(base, off, v, size)
	return nil
}

func isUnsigned(ty mir.Ty, pw int) bool {
	n, ok := ty.(mir.Named)
	if !ok {
		return true
	}
	info, ok := mir.IntInfoFor(n.Name, pw)
	return ok && !info.Signed
}

func isSigned(ty mir.Ty, pw int) bool {
	n, ok := ty.(mir.Named)
	if !ok {
		return false
	}
	info, ok := mir.IntInfoFor(n.Name, pw)
	return ok && info.Signed
}

var (
	signedOps   = map[mir.BinOp]sink.BinOp{mir.Div: sink.DivS, mir.Rem: sink.RemS, mir.Shr: sink.ShrS, mir.Lt: sink.LtS, mir.Le: sink.LeS, mir.Gt: sink.GtS, mir.Ge: sink.GeS}
	unsignedOps = map[mir.BinOp]sink.BinOp{mir.Div: sink.DivU, mir.Rem: sink.RemU, mir.Shr: sink.ShrU, mir.Lt: sink.LtU, mir.Le: sink.LeU, mir.Gt: sink.GtU, mir.Ge: sink.GeU}
	plainOps    = map[mir.BinOp]sink.BinOp{mir.Add: sink.Add, mir.Sub: sink.Sub, mir.Mul: sink.Mul, mir.BitAnd: sink.And, mir.BitOr: sink.Or, mir.BitXor: sink.Xor, mir.Shl: sink.Shl, mir.Eq: sink.Eq, mir.Ne: sink.Ne}
)

func sinkBinOp(op mir.BinOp, signedOrFloat bool) (sink.BinOp, bool) {
	if b, ok := plainOps[op]; ok {
		return b, true
	}
	if signedOrFloat {
		b, ok := signedOps[op]
		return b, ok
	}
	b, ok := unsignedOps[op]
	return b, ok
}

// lowerScalarRvalue computes rv into a register. The returned type is the
// rvalue's static type.
func (fl *functionLowerer) lowerScalarRvalue(rv mir.Rvalue, construct string) (sink.Value, mir.Ty, error) {
	switch r := rv.(type) {
	case mir.Use:
		return fl.operandValue(r.Operand)

	case mir.Binary:
		lty, err := fl.operandTy(r.LHS)
		if err != nil {
			return sink.Value{}, nil, err
		}
		if signed, ok := mir.WideSignedness(lty); ok {
			return fl.wideCompare(r, signed, construct)
		}
		a, _, err := fl.operandValue(r.LHS)
		if err != nil {
			return sink.Value{}, nil, err
		}
		b, rty, err := fl.operandValue(r.RHS)
		if err != nil {
			return sink.Value{}, nil, err
		}
		if !a.Valid() || !b.Valid() {
			return sink.Value{}, nil, unsupported(construct, "binary %s over unit operands", r.Op)
		}
		unsigned := isUnsigned(lty, fl.tables.PointerWidth)
		if n, ok := rty.(mir.Named); ok {
			if info, ok := mir.IntInfoFor(n.Name, fl.tables.PointerWidth); ok {
				unsigned = !info.Signed
			}
		}
		if b, err = fl.coerce(b, a.Kind, unsigned, construct); err != nil {
			return sink.Value{}, nil, err
		}
		op, ok := sinkBinOp(r.Op, a.Kind.IsFloat() || isSigned(lty, fl.tables.PointerWidth))
		if !ok {
			return sink.Value{}, nil, unsupported(construct, "binary %s", r.Op)
		}
		if a.Kind.IsFloat() && (r.Op == mir.Rem || r.Op == mir.BitAnd || r.Op == mir.BitOr || r.Op == mir.BitXor || r.Op == mir.Shl || r.Op == mir.Shr) {
			return sink.Value{}, nil, unsupported(construct, "binary %s on %s", r.Op, lty.CanonicalName())
		}
		resTy, kind := lty, a.Kind
		if r.Op.IsComparison() {
			resTy, kind = mir.Named{Name: "bool"}, sink.I32
		}
		dst := fl.newValue(kind)
		fl.out.Binary(dst, op, a, b)
		return dst, resTy, nil

	case mir.Unary:
		v, ty, err := fl.operandValue(r.Operand)
		if err != nil {
			return sink.Value{}, nil, err
		}
		if !v.Valid() {
			return sink.Value{}, nil, unsupported(construct, "unary over unit operand")
		}
		switch r.Op {
		case mir.Plus:
			return v, ty, nil
		case mir.Neg:
			dst := fl.newValue(v.Kind)
			fl.out.Unary(dst, sink.Neg, v)
			return dst, ty, nil
		case mir.Not:
			dst := fl.newValue(v.Kind)
			if n, ok := ty.(mir.Named); ok && n.Name == "bool" {
				fl.out.Unary(dst, sink.Eqz, v)
			} else {
				fl.out.Unary(dst, sink.Not, v)
			}
			return dst, ty, nil
		}
		return sink.Value{}, nil, notYetImplemented(construct, "unary operator %d", r.Op)

	case mir.Cast:
		return fl.lowerCast(r, construct)

	case mir.AddressOf:
		addr, ty, err := fl.placeAddress(r.Place)
		return addr, mir.Pointer{Elem: ty, Mutable: true}, err

	case mir.Len:
		return fl.lowerLen(r.Place)

	case mir.NumericIntrinsic:
		return fl.lowerNumeric(r, construct)

	case mir.Aggregate, mir.DecimalIntrinsic, mir.SpanStackAlloc, mir.ClosureToFnPtr, mir.ClosureToDelegate:
		return sink.Value{}, nil, unsupported(construct, "%T has no scalar value", rv)
	}
	return sink.Value{}, nil, notYetImplemented(construct, "rvalue %T", rv)
}

func (fl *functionLowerer) lowerCast(r mir.Cast, construct string) (sink.Value, mir.Ty, error) {
	if signed, ok := mir.WideSignedness(r.Source); ok {
		return fl.wideToNarrow(r, signed, construct)
	}
	v, srcTy, err := fl.operandValue(r.Operand)
	if err != nil {
		return sink.Value{}, nil, err
	}
	if r.Source == nil {
		r.Source = srcTy
	}
	want, err := valueKind(fl.tables, r.Target)
	if err != nil {
		return sink.Value{}, nil, err
	}
	if !v.Valid() || want == 0 {
		return sink.Value{}, nil, unsupported(construct, "cast to or from unit")
	}
	srcSigned := isSigned(r.Source, fl.tables.PointerWidth)
	dst := fl.newValue(want)
	switch r.Kind {
	case mir.IntToInt, mir.PtrToPtr:
		if v.Kind == want {
			return fl.narrow(v, r.Target), r.Target, nil
		}
		switch {
		case v.Kind == sink.I64 && want == sink.I32:
			fl.out.Convert(dst, sink.Wrap, v)
		case v.Kind == sink.I32 && want == sink.I64 && srcSigned:
			fl.out.Convert(dst, sink.ExtendS, v)
		case v.Kind == sink.I32 && want == sink.I64:
			fl.out.Convert(dst, sink.ExtendU, v)
		default:
			return sink.Value{}, nil, unsupported(construct, "int cast %s -> %s", v.Kind, want)
		}
		return fl.narrow(dst, r.Target), r.Target, nil
	case mir.IntToFloat:
		op := sink.ConvertU
		if srcSigned {
			op = sink.ConvertS
		}
		fl.out.Convert(dst, op, v)
	case mir.FloatToInt:
		op := sink.TruncU
		if isSigned(r.Target, fl.tables.PointerWidth) {
			op = sink.TruncS
		}
		fl.out.Convert(dst, op, v)
	case mir.FloatToFloat:
		if v.Kind == want {
			return v, r.Target, nil
		}
		op := sink.Promote
		if want == sink.F32 {
			op = sink.Demote
		}
		fl.out.Convert(dst, op, v)
	case mir.Unsize:
		return sink.Value{}, nil, unsupported(construct, "unsizing cast outside a trait-object or span destination")
	default:
		return sink.Value{}, nil, notYetImplemented(construct, "cast kind %d", r.Kind)
	}
	return dst, r.Target, nil
}

// narrow truncates a 32-bit register to a sub-word integer target,
// sign- or zero-extending back to the register width.
func (fl *functionLowerer) narrow(v sink.Value, target mir.Ty) sink.Value {
	n, ok := target.(mir.Named)
	if !ok || v.Kind != sink.I32 {
		return v
	}
	info, ok := mir.IntInfoFor(n.Name, fl.tables.PointerWidth)
	if !ok || info.Bits >= 32 || n.Name == "bool" {
		return v
	}
	if info.Signed {
		shift := fl.constant(sink.I32, uint64(32-info.Bits))
		up := fl.newValue(sink.I32)
		fl.out.Binary(up, sink.Shl, v, shift)
		down := fl.newValue(sink.I32)
		fl.out.Binary(down, sink.ShrS, up, shift)
		return down
	}
	masked := fl.newValue(sink.I32)
	fl.out.Binary(masked, sink.And, v, fl.constant(sink.I32, 1<<info.Bits-1))
	return masked
}

func (fl *functionLowerer) lowerLen(place mir.Place) (sink.Value, mir.Ty, error) {
	usize := mir.Named{Name: "usize"}
	ty, err := fl.placeTy(place)
	if err != nil {
		return sink.Value{}, nil, err
	}
	switch v := ty.(type) {
	case mir.Array:
		return fl.constant(fl.ptr, uint64(v.Len)), usize, nil
	case mir.Str:
		s, _, err := fl.readPlace(place)
		if err != nil {
			return sink.Value{}, nil, err
		}
		hi := fl.newValue(sink.I64)
		fl.out.Binary(hi, sink.ShrU, s, fl.constant(sink.I64, 32))
		n := fl.newValue(fl.ptr)
		if fl.ptr == sink.I32 {
			fl.out.Convert(n, sink.Wrap, hi)
			return n, usize, nil
		}
		return hi, usize, nil
	case mir.Span, mir.Vec, mir.String:
		l, err := fl.layoutOf(ty, place)
		if err != nil {
			return sink.Value{}, nil, err
		}
		f, _, ok := l.FieldByName("len")
		if !ok || !f.Resolved {
			return sink.Value{}, nil, missingLayout(place.String(), "%s has no len field", l.Name)
		}
		acc, err := fl.resolveMemoryAccess(place)
		if err != nil {
			return sink.Value{}, nil, err
		}
		base, off, err := fl.addressParts(acc)
		if err != nil {
			return sink.Value{}, nil, err
		}
		n := fl.newValue(fl.ptr)
		fl.out.LoadScalar(n, base, off+f.Offset, fl.tables.PointerWidth, false)
		return n, usize, nil
	}
	return sink.Value{}, nil, unsupported(place.String(), "len of %s", ty.CanonicalName())
}
