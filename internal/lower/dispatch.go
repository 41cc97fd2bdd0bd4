package lower

import (
	"github.com/roach88/chisel/internal/diag"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sink"
)

// assignment is one Assign statement being lowered.
type assignment struct {
	dest      mir.Place
	destTy    mir.Ty
	rv        mir.Rvalue
	construct string
}

// assignRule is one step of the dispatch chain. lower may decline at run
// time by returning false with a nil error; the next matching rule then
// gets its turn.
type assignRule struct {
	name  string
	topic diag.Topic
	match func(fl *functionLowerer, a assignment) bool
	lower func(fl *functionLowerer, a assignment) (bool, error)
}

// assignRules is ordered: the first matching rule that handles the
// assignment wins.
var assignRules []assignRule

func init() {
	assignRules = []assignRule{
		{"decimal", diag.TopicDecimal, matchDecimal, (*functionLowerer).lowerDecimalRule},
		{"span-stack-alloc", diag.TopicScalarAssign, matchSpanStackAlloc, (*functionLowerer).lowerSpanStackAlloc},
		{"wide-integer", diag.TopicWide, matchWide, (*functionLowerer).lowerWide},
		{"packed-str-half", diag.TopicScalarAssign, matchStrHalf, (*functionLowerer).lowerStrHalf},
		{"fn-pointer", diag.TopicFnAssign, matchFnPointer, (*functionLowerer).lowerFnPointer},
		{"dyn-dispatch", diag.TopicDynAssign, matchDyn, (*functionLowerer).lowerDyn},
		{"aggregate", diag.TopicScalarAssign, matchAggregate, (*functionLowerer).lowerAggregate},
		{"whole-local", diag.TopicScalarAssign, matchWhole, (*functionLowerer).lowerWhole},
		{"projected", diag.TopicScalarAssign, matchAny, (*functionLowerer).lowerProjected},
	}
}

// assign lowers dest = rv.
func (fl *functionLowerer) assign(dest mir.Place, rv mir.Rvalue) error {
	destTy, err := fl.placeTy(dest)
	if err != nil {
		return err
	}
	a := assignment{dest: dest, destTy: destTy, rv: rv, construct: dest.String()}
	for _, rule := range assignRules {
		if !rule.match(fl, a) {
			continue
		}
		handled, err := rule.lower(fl, a)
		if err != nil {
			return err
		}
		if !handled {
			continue
		}
		fl.d.Trace(rule.topic, "assignment lowered",
			"function", fl.body.Name, "place", a.construct, "type", destTy.CanonicalName(), "rule", rule.name)
		fl.noteBorrow(dest, rv)
		return nil
	}
	return unsupported(a.construct, "no rule lowers %T into %s", rv, destTy.CanonicalName())
}

func matchAny(*functionLowerer, assignment) bool { return true }

func matchWhole(_ *functionLowerer, a assignment) bool { return a.dest.IsWhole() }

func matchDecimal(_ *functionLowerer, a assignment) bool {
	switch rv := a.rv.(type) {
	case mir.DecimalIntrinsic, mir.NumericIntrinsic:
		return true
	case mir.Use:
		c, ok := rv.Operand.(mir.Const)
		if !ok {
			return false
		}
		_, isDecimal := c.Value.(mir.Decimal)
		return isDecimal
	}
	return false
}

func matchSpanStackAlloc(_ *functionLowerer, a assignment) bool {
	_, ok := a.rv.(mir.SpanStackAlloc)
	return ok
}

func matchWide(_ *functionLowerer, a assignment) bool {
	_, ok := mir.WideSignedness(a.destTy)
	return ok
}

func matchStrHalf(fl *functionLowerer, a assignment) bool {
	_, _, ok := fl.strHalf(a.dest)
	return ok
}

func matchAggregate(_ *functionLowerer, a assignment) bool {
	_, ok := a.rv.(mir.Aggregate)
	return ok
}

func (fl *functionLowerer) lowerDecimalRule(a assignment) (bool, error) {
	fl.releaseBorrow(a.dest)
	switch rv := a.rv.(type) {
	case mir.DecimalIntrinsic:
		return true, fl.lowerDecimalIntrinsic(a, rv)
	case mir.NumericIntrinsic:
		v, ty, err := fl.lowerNumeric(rv, a.construct)
		if err != nil {
			return false, err
		}
		return true, fl.storeValue(a.dest, v, ty)
	case mir.Use:
		c := rv.Operand.(mir.Const)
		return true, fl.storeDecimalConst(a, c.Value.(mir.Decimal))
	}
	return false, nil
}

// storeValue writes a register value into any place.
func (fl *functionLowerer) storeValue(dest mir.Place, v sink.Value, srcTy mir.Ty) error {
	if dest.IsWhole() {
		return fl.storeWhole(dest.Local, v, srcTy)
	}
	if lp, shift, ok := fl.strHalf(dest); ok {
		return fl.storeStrHalf(lp, shift, v, dest.String())
	}
	acc, err := fl.resolveMemoryAccess(dest)
	if err != nil {
		return err
	}
	return fl.storeAt(acc, v, srcTy, dest.String())
}

func (fl *functionLowerer) lowerStrHalf(a assignment) (bool, error) {
	lp, shift, _ := fl.strHalf(a.dest)
	v, _, err := fl.lowerScalarRvalue(a.rv, a.construct)
	if err != nil {
		return false, err
	}
	return true, fl.storeStrHalf(lp, shift, v, a.construct)
}

// storeStrHalf replaces one 32-bit half of a packed str slot.
func (fl *functionLowerer) storeStrHalf(lp LocalPlan, shift int, v sink.Value, construct string) error {
	v, err := fl.coerce(v, sink.I32, true, construct)
	if err != nil {
		return err
	}
	word := fl.newValue(sink.I64)
	fl.out.SlotGet(word, lp.Slot)
	keep := uint64(0xFFFFFFFF_00000000)
	if shift != 0 {
		keep = 0x00000000_FFFFFFFF
	}
	kept := fl.newValue(sink.I64)
	fl.out.Binary(kept, sink.And, word, fl.constant(sink.I64, keep))
	half := fl.newValue(sink.I64)
	fl.out.Convert(half, sink.ExtendU, v)
	if shift != 0 {
		shifted := fl.newValue(sink.I64)
		fl.out.Binary(shifted, sink.Shl, half, fl.constant(sink.I64, uint64(shift)))
		half = shifted
	}
	merged := fl.newValue(sink.I64)
	fl.out.Binary(merged, sink.Or, kept, half)
	fl.out.SlotSet(lp.Slot, merged)
	return nil
}

// sourcePlace returns the place read by a Use of Copy or Move and whether
// it is a move.
func sourcePlace(rv mir.Rvalue) (mir.Place, bool, bool) {
	use, ok := rv.(mir.Use)
	if !ok {
		return mir.Place{}, false, false
	}
	return sourcePlaceOf(use.Operand)
}

func isManaged(ty mir.Ty) bool {
	switch ty.(type) {
	case mir.String, mir.Vec, mir.Span, mir.Rc, mir.Arc:
		return true
	}
	return false
}

func (fl *functionLowerer) lowerWhole(a assignment) (bool, error) {
	fl.releaseBorrow(a.dest)
	lp, _ := fl.plan.Local(a.dest.Local)
	decl := fl.body.Locals[a.dest.Local]

	// Hidden return pointer receiving a memory value: one bulk copy.
	if src, _, ok := sourcePlace(a.rv); ok && decl.Kind == mir.LocalReturn && lp.Repr == PointerParam && fl.tables.RequiresMemory(a.destTy) {
		dst, err := fl.slotPointer(lp)
		if err != nil {
			return false, err
		}
		if err := fl.copyPlace(dst, src, a.destTy, a.construct); err != nil {
			return false, err
		}
		fl.d.Trace(diag.TopicReturnAssign, "return value copied", "function", fl.body.Name, "type", a.destTy.CanonicalName())
		return true, nil
	}

	if isManaged(a.destTy) {
		handled, err := fl.lowerManaged(a)
		if handled || err != nil {
			return handled, err
		}
	}

	if tup, ok := a.destTy.(mir.Tuple); ok {
		if src, move, ok := sourcePlace(a.rv); ok {
			return true, fl.copyTuple(a.dest, src, tup, move)
		}
	}

	if lp.Repr != Scalar && fl.tables.RequiresMemory(a.destTy) {
		return fl.storeMemory(a)
	}

	v, ty, err := fl.lowerScalarRvalue(a.rv, a.construct)
	if err != nil {
		return false, err
	}
	return true, fl.storeWhole(a.dest.Local, v, ty)
}

func (fl *functionLowerer) lowerProjected(a assignment) (bool, error) {
	if isManaged(a.destTy) {
		handled, err := fl.lowerManaged(a)
		if handled || err != nil {
			return handled, err
		}
	}
	if fl.tables.RequiresMemory(a.destTy) {
		return fl.storeMemory(a)
	}
	v, ty, err := fl.lowerScalarRvalue(a.rv, a.construct)
	if err != nil {
		return false, err
	}
	acc, err := fl.resolveMemoryAccess(a.dest)
	if err != nil {
		return false, err
	}
	return true, fl.storeAt(acc, v, ty, a.construct)
}

// storeMemory writes a memory-resident value: a bulk copy from a place, or
// zero fill for a null constant.
func (fl *functionLowerer) storeMemory(a assignment) (bool, error) {
	dst, _, err := fl.placeAddress(a.dest)
	if err != nil {
		return false, err
	}
	if src, _, ok := sourcePlace(a.rv); ok {
		return true, fl.copyPlace(dst, src, a.destTy, a.construct)
	}
	if use, ok := a.rv.(mir.Use); ok {
		switch o := use.Operand.(type) {
		case mir.Const:
			if _, isNull := o.Value.(mir.Null); isNull {
				return true, fl.zeroFill(dst, a.destTy, a.construct)
			}
		case mir.Pending:
			return true, fl.zeroFill(dst, a.destTy, a.construct)
		}
	}
	return false, unsupported(a.construct, "%T into memory-resident %s", a.rv, a.destTy.CanonicalName())
}

// copyPlace bulk-copies a value of ty from src to dst.
func (fl *functionLowerer) copyPlace(dst sink.Value, src mir.Place, ty mir.Ty, construct string) error {
	from, srcTy, err := fl.readPlace(src)
	if err != nil {
		return err
	}
	if !fl.tables.RequiresMemory(srcTy) {
		return unsupported(construct, "cannot copy %s into %s", srcTy.CanonicalName(), ty.CanonicalName())
	}
	size, _, err := fl.tables.SizeAndAlign(ty)
	if err != nil {
		return missingLayout(construct, "%v", err)
	}
	fl.memmove(dst, from, size)
	return nil
}

// zeroFill clears size bytes at dst with word stores.
func (fl *functionLowerer) zeroFill(dst sink.Value, ty mir.Ty, construct string) error {
	size, _, err := fl.tables.SizeAndAlign(ty)
	if err != nil {
		return missingLayout(construct, "%v", err)
	}
	zero := fl.constant(sink.I64, 0)
	off := 0
	for ; off+8 <= size; off += 8 {
		fl.out.StoreScalar(dst, off, zero, 8)
	}
	for ; off < size; off++ {
		fl.out.StoreScalar(dst, off, zero, 1)
	}
	return nil
}

// slotPointer reads the address held by a PointerParam local.
func (fl *functionLowerer) slotPointer(lp LocalPlan) (sink.Value, error) {
	if lp.Repr != PointerParam || lp.Slot < 0 {
		return sink.Value{}, unsupported(lp.Name, "local is not passed by pointer")
	}
	v := fl.newValue(fl.ptr)
	fl.out.SlotGet(v, lp.Slot)
	return v, nil
}

// copyTuple assigns a tuple element by element through the dispatcher.
func (fl *functionLowerer) copyTuple(dest, src mir.Place, tup mir.Tuple, move bool) error {
	for i := range tup.Elems {
		from := src.Project(mir.FieldIndex{Index: i})
		var op mir.Operand = mir.Copy{Place: from}
		if move {
			op = mir.Move{Place: from}
		}
		if err := fl.assign(dest.Project(mir.FieldIndex{Index: i}), mir.Use{Operand: op}); err != nil {
			return err
		}
	}
	return nil
}
